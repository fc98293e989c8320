package federated

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Provider names a federated identity provider.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderApple  Provider = "apple"
)

const (
	GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
	AppleJWKSURL  = "https://appleid.apple.com/auth/keys"
	AppleIssuer   = "https://appleid.apple.com"
)

// GoogleIssuers are the iss values Google uses for ID tokens.
var GoogleIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

// Profile is the provider-independent view of a verified assertion.
type Profile struct {
	Provider       Provider `json:"provider"`
	Subject        string   `json:"subject"`
	Email          string   `json:"email,omitempty"`
	EmailVerified  bool     `json:"emailVerified"`
	IsPrivateEmail bool     `json:"isPrivateEmail"`
	GivenName      string   `json:"givenName,omitempty"`
	FamilyName     string   `json:"familyName,omitempty"`
	Locale         string   `json:"locale,omitempty"`
	Picture        string   `json:"picture,omitempty"`
}

// GoogleConfig returns a Config for Google ID tokens issued to clientIDs.
func GoogleConfig(clientIDs ...string) Config {
	return Config{
		Provider:  ProviderGoogle,
		Issuers:   append([]string(nil), GoogleIssuers...),
		Audiences: clientIDs,
		JWKSURL:   GoogleJWKSURL,
	}
}

// AppleConfig returns a Config for Sign in with Apple identity tokens.
// clientIDs are the app bundle ids and service ids allowed as audience.
func AppleConfig(clientIDs ...string) Config {
	return Config{
		Provider:  ProviderApple,
		Issuers:   []string{AppleIssuer},
		Audiences: clientIDs,
		JWKSURL:   AppleJWKSURL,
	}
}

var mappers = map[Provider]func(jwt.MapClaims) (Profile, error){
	ProviderGoogle: googleProfile,
	ProviderApple:  appleProfile,
}

var errMissingSubject = errors.New("assertion missing sub")

func googleProfile(claims jwt.MapClaims) (Profile, error) {
	sub, _ := claims.GetSubject()
	if sub == "" {
		return Profile{}, errMissingSubject
	}
	return Profile{
		Subject:       sub,
		Email:         normalizeEmail(stringClaim(claims, "email")),
		EmailVerified: boolClaim(claims, "email_verified"),
		GivenName:     stringClaim(claims, "given_name"),
		FamilyName:    stringClaim(claims, "family_name"),
		Locale:        stringClaim(claims, "locale"),
		Picture:       stringClaim(claims, "picture"),
	}, nil
}

// Apple sends names only with the first authorization response, never in
// the identity token, so they stay empty here.
func appleProfile(claims jwt.MapClaims) (Profile, error) {
	sub, _ := claims.GetSubject()
	if sub == "" {
		return Profile{}, errMissingSubject
	}
	return Profile{
		Subject:        sub,
		Email:          normalizeEmail(stringClaim(claims, "email")),
		EmailVerified:  boolClaim(claims, "email_verified"),
		IsPrivateEmail: boolClaim(claims, "is_private_email"),
	}, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

// boolClaim accepts both JSON booleans and the strings "true"/"false";
// Apple has shipped both forms.
func boolClaim(claims jwt.MapClaims, name string) bool {
	switch v := claims[name].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
