// Package stores provides the Redis-backed temporal state store used for
// multi-step processes such as registration and OTP-gated login.
//
// # Design
//
// A record is JSON in a single key whose TTL equals the remaining lifetime of
// the process token that owns it. The key is prefix + hex(sha256(handle)),
// where handle is the random component of the token, so a dump of Redis does
// not yield usable tokens. Updates are read-modify-write under WATCH/MULTI
// with a bounded retry on contention and never extend the deadline. A record
// whose deadline has passed reads as [ErrNotFound]; partial state is never
// resurrected.
//
// # What this package must NOT do
//
//   - Import vigil or any sibling internal package.
//   - Store raw tokens.
package stores
