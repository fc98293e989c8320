// Package vigil is the identity and credential layer of the memorial
// service: registration, sign-in, login codes, sessions with rotating
// refresh tokens, and the account verification flows.
//
// An [Engine] is assembled once with [Builder] and is safe for concurrent use.
// Guards in the middleware package verify credentials through the Engine and
// hand handlers a typed value; handlers then call the Engine flow methods.
//
// # Tokens
//
// Access tokens are signed JWTs checked without a Redis round-trip. Every
// other credential is an opaque, HMAC-protected token whose random part
// addresses server-side state: registration records, login-code records, and
// session refresh indexes. A token is accepted only for the type it was
// issued for.
//
// # Errors
//
// Engine methods return one of the root sentinels, possibly wrapped in
// [*ValidationError], [*RateLimitError], or [*StateError]. [HTTPStatus] and
// [WriteError] map them to responses; a missing process is reported as 401
// unless Security.FoldNotFound is turned off.
//
// # What this package must NOT do
//
//   - Store users. Accounts live behind [UserProvider].
//   - Deliver codes. Delivery goes through otp.Dispatcher.
//   - Log secrets, codes, or raw tokens.
package vigil
