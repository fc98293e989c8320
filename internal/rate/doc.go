// Package rate implements fixed-window Redis counters for failed logins and
// refresh calls.
//
// # Keys
//
//	<prefix>:l:<identifier>   failed logins per identifier
//	<prefix>:li:<ip>          failed logins per client IP
//	<prefix>:rf:<session id>  refresh calls per session
//
// A counter's window starts at its first hit. Once a window's budget is
// spent, checks fail with a [LimitError] carrying the time left in the
// window.
package rate
