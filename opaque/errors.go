package opaque

import "errors"

// ErrInvalidToken is the single externally visible verification failure.
var ErrInvalidToken = errors.New("invalid token")

// Reason distinguishes verification failures for logging only.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonMalformed          Reason = "malformed"
	ReasonUnsupportedVersion Reason = "unsupported_version"
	ReasonSignature          Reason = "signature"
	ReasonTypeMismatch       Reason = "type_mismatch"
	ReasonExpired            Reason = "expired"
)

type verifyError struct {
	reason Reason
}

func invalid(reason Reason) error {
	return &verifyError{reason: reason}
}

func (e *verifyError) Error() string {
	return ErrInvalidToken.Error()
}

func (e *verifyError) Unwrap() error {
	return ErrInvalidToken
}

// ReasonOf extracts the internal cause from a Verify error.
func ReasonOf(err error) Reason {
	var ve *verifyError
	if errors.As(err, &ve) {
		return ve.reason
	}
	return ReasonNone
}
