package vigil

import (
	"net/mail"
	"strings"

	"github.com/MrEthical07/vigil/internal"
)

const maxEmailLength = 254

// parseEmail returns the normalized address or "" when email is not a bare
// RFC 5322 address.
func parseEmail(email string) string {
	email = strings.TrimSpace(email)
	if email == "" || len(email) > maxEmailLength {
		return ""
	}
	parsed, err := mail.ParseAddress(email)
	if err != nil || parsed.Name != "" || parsed.Address != email {
		return ""
	}
	return normalizeEmail(parsed.Address)
}

// parsePhone returns the E.164 form of phone or "".
func parsePhone(phone string) string {
	p := normalizePhone(phone)
	if len(p) < 8 || len(p) > 16 || p[0] != '+' {
		return ""
	}
	return p
}

func (e *Engine) validCode(code string) bool {
	return len(code) == e.config.OTP.Digits && internal.IsNumeric(code)
}
