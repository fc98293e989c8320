// Package opaque issues and verifies server-validated tokens.
//
// # Format
//
// A token is five dot-separated fields:
//
//	<version>.<type>.<exp>.<random>.<mac>
//
// random is 32 bytes from crypto/rand (base64url, no padding) and mac is
// HMAC-SHA256 over "version|type|exp|random" under the secret registered for
// version. Clients must treat the whole string as opaque.
//
// # Verification
//
// Verify recomputes the MAC and compares it in constant time, then checks the
// expected type and the expiry. Malformed, tampered, retired-version,
// wrong-type, and expired tokens all fail with [ErrInvalidToken]; the
// distinction survives only through [ReasonOf] for logs.
//
// # What this package must NOT do
//
//   - Persist anything. State lookup by handle belongs to the callers.
//   - Log or expose secrets.
package opaque
