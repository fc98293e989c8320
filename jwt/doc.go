// Package jwt issues and verifies the short-lived signed access tokens that
// carry subject, session id, and role. There is no revocation list: a token
// is valid until it expires, and compromise is bounded by the TTL plus
// refresh rotation in the session layer.
package jwt
