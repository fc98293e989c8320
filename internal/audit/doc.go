// Package audit relays security events (logins, rotations, reuse, OTP
// lockouts) to a caller-supplied [Sink] without blocking request handling.
//
// The [Dispatcher] buffers events on a channel drained by one goroutine.
// With DropIfFull set, a full buffer drops the event and counts it;
// otherwise Emit waits for room or for the caller's context.
//
// The package decides nothing about which events exist. The root package
// emits them.
package audit
