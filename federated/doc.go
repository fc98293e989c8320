// Package federated verifies identity assertions from Google and Apple and
// normalizes them into a [Profile].
//
// Each [Verifier] owns a JWKS cache for its provider. Keys are fetched on
// first use and refreshed in the background; an assertion signed with a key
// id that is not in the cached set forces one refresh before it is rejected.
//
// All verification failures wrap [ErrInvalidAssertion]. Failure to fetch
// keys wraps [ErrKeysUnavailable] so callers can answer with a retryable
// status instead of an authentication failure.
package federated
