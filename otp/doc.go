// Package otp issues and verifies one-time codes for the flows in [Matrix].
//
// Each flow maps to a context and a channel. The context picks the [Bucket]
// that stores the challenge: registration challenges live inside the
// registration record, verification challenges in a standalone [StoreBucket].
// Codes are fixed-length decimal strings from crypto/rand, stored only as an
// HMAC-SHA256 digest bound to the flow and handle, and never outlive the
// record that owns them.
//
// Attempt counting and resend pacing happen inside the bucket's atomic
// mutation, so parallel verifications of one handle cannot overspend the
// attempt budget.
package otp
