// Package session provides Redis-backed session persistence with atomic
// refresh-token rotation.
//
// # Layout
//
//	<prefix>:s:<id>    hash: data (JSON snapshot), rh, rexp, uid, net, rot
//	<prefix>:r:<hash>  refresh index: hex sha256 of a refresh handle -> id
//	<prefix>:u:<uid>   set of session ids for a user
//
// Exactly one refresh hash is current per session. [Store.Rotate] runs one
// Lua script that looks up the index, compares the stored hash, swaps in the
// next hash, and writes the new index, so a token can be rotated at most
// once. Presenting a superseded token revokes the session.
//
// # What this package must NOT do
//
//   - Import vigil, jwt, or opaque (no upward imports).
//   - Store raw refresh tokens.
package session
