// Package password provides the two interchangeable password hashing
// providers: Argon2id (memory-hard, the default) and bcrypt (cost factor).
//
// Both emit self-describing hashes, and [Chain] routes verification to the
// provider that produced a stored hash. [Hasher.NeedsUpgrade] reports hashes
// produced with weaker parameters (or by a non-primary provider) so callers
// can rehash after the next successful login.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords.
//   - Log plaintext passwords.
package password
