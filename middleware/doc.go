// Package middleware provides the credential guards.
//
// Every guard is a [Guard] value: an ordered list of extraction strategies
// and a verification function. The constructors in this package bind both to
// a *vigil.Engine:
//
//   - [SignedToken] attaches a vigil.Identity from an access token.
//   - [Registration] attaches a *vigil.RegistrationContext.
//   - [LoginOTP] attaches a *vigil.LoginOTPContext.
//   - [Refresh] attaches a *vigil.RefreshContext.
//   - [Google] and [Apple] attach a federated.Profile.
//
// Handlers read the attached value with [Value]. A rejected request never
// reaches the handler and leaves no server-side state changed.
//
// # What this package must NOT do
//
//   - Parse or create tokens directly (delegates to the Engine).
//   - Access Redis (the Engine handles I/O).
package middleware
