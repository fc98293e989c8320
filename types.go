package vigil

import (
	"context"
	"strings"
	"time"

	"github.com/MrEthical07/vigil/opaque"
	"github.com/MrEthical07/vigil/otp"
	"github.com/MrEthical07/vigil/session"
)

// AuthStrategy is how an account authenticates. It decides which fields a
// registration needs before it can be finalized.
type AuthStrategy string

const (
	StrategyEmail  AuthStrategy = "email"
	StrategyPhone  AuthStrategy = "phone"
	StrategyGoogle AuthStrategy = "google"
	StrategyApple  AuthStrategy = "apple"
)

// Valid reports whether s is a known strategy.
func (s AuthStrategy) Valid() bool {
	switch s {
	case StrategyEmail, StrategyPhone, StrategyGoogle, StrategyApple:
		return true
	default:
		return false
	}
}

// Federated reports whether s delegates authentication to a provider.
func (s AuthStrategy) Federated() bool {
	return s == StrategyGoogle || s == StrategyApple
}

type (
	DeviceInfo      = session.DeviceInfo
	NetworkMetadata = session.NetworkMetadata
)

// ClientInfo identifies the calling application build.
type ClientInfo struct {
	Name      string `json:"name,omitempty"`
	Version   string `json:"version,omitempty"`
	Language  string `json:"language,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// UserRecord is the account view this module needs from persistent storage.
type UserRecord struct {
	UserID          string
	RoleName        string
	AuthProvider    AuthStrategy
	ProviderSubject string
	Email           string
	EmailVerified   bool
	Phone           string
	PhoneVerified   bool
	PasswordHash    string
}

// CreateUserInput is handed to UserProvider.CreateUser when a registration
// is finalized. UserID is pre-generated and should be used as the key.
type CreateUserInput struct {
	UserID             string
	RoleName           string
	AuthProvider       AuthStrategy
	ProviderSubject    string
	Email              string
	EmailVerified      bool
	Phone              string
	PhoneVerified      bool
	PasswordHash       string
	AgreedToConditions bool
	ClientInfo         ClientInfo
}

// UserProvider is implemented by the application's user store. Lookups that
// match nothing return ErrUserNotFound; duplicate creates return
// ErrUserExists. Any other error is treated as a backend failure.
type UserProvider interface {
	FindUserByEmail(ctx context.Context, email string) (UserRecord, error)
	FindUserByPhone(ctx context.Context, phone string) (UserRecord, error)
	FindUserByProvider(ctx context.Context, provider AuthStrategy, subject string) (UserRecord, error)
	GetUserByID(ctx context.Context, userID string) (UserRecord, error)
	CreateUser(ctx context.Context, input CreateUserInput) (UserRecord, error)
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
	UpdateEmail(ctx context.Context, userID, email string) error
	UpdatePhone(ctx context.Context, userID, phone string) error
}

// Identity is what the signed-token guard attaches to a request.
type Identity struct {
	Subject   string
	SessionID string
	RoleName  string
}

// RegistrationState is the temporal record of one registration in progress.
// Which steps are allowed next follows from which fields are set.
type RegistrationState struct {
	Handle                string          `json:"handle"`
	RegisteredUserID      *string         `json:"registeredUserId"`
	RoleName              string          `json:"roleName"`
	AuthProvider          AuthStrategy    `json:"authProvider"`
	ProviderSubject       string          `json:"providerSubject,omitempty"`
	Email                 string          `json:"email,omitempty"`
	IsVerifiedEmail       bool            `json:"isVerifiedEmail"`
	PasswordHash          *string         `json:"passwordHash"`
	PhoneNumber           string          `json:"phoneNumber,omitempty"`
	IsVerifiedPhoneNumber bool            `json:"isVerifiedPhoneNumber"`
	EmailChallenge        otp.Challenge   `json:"emailChallenge"`
	PhoneChallenge        otp.Challenge   `json:"phoneChallenge"`
	IsAgreedToConditions  bool            `json:"isAgreedToConditions"`
	ClientInfo            ClientInfo      `json:"clientInfo"`
	DeviceInfo            DeviceInfo      `json:"deviceInfo"`
	NetworkMetadata       NetworkMetadata `json:"networkMetadata"`
	CreatedAt             int64           `json:"createdAt"`
	ExpiresAt             int64           `json:"expiresAt"`
}

// Missing lists what the registration still needs before it can be
// finalized under its strategy. An empty result means complete.
func (s *RegistrationState) Missing() []string {
	var missing []string
	switch s.AuthProvider {
	case StrategyEmail:
		if s.Email == "" || !s.IsVerifiedEmail {
			missing = append(missing, "verifiedEmail")
		}
		if s.PasswordHash == nil {
			missing = append(missing, "password")
		}
	case StrategyPhone:
		if s.PhoneNumber == "" || !s.IsVerifiedPhoneNumber {
			missing = append(missing, "verifiedPhoneNumber")
		}
	case StrategyGoogle, StrategyApple:
		if s.Email == "" || !s.IsVerifiedEmail {
			missing = append(missing, "verifiedEmail")
		}
		if s.ProviderSubject == "" {
			missing = append(missing, "providerSubject")
		}
	}
	if !s.IsAgreedToConditions {
		missing = append(missing, "isAgreedToConditions")
	}
	return missing
}

// RegistrationContext is what the registration guard attaches: the verified
// token metadata and the state loaded for it.
type RegistrationContext struct {
	Token opaque.Metadata
	State RegistrationState
}

// Handle is the temporal store handle of the registration.
func (c *RegistrationContext) Handle() string { return c.Token.Random }

// LoginOTPState is the temporal record between accepted credentials and a
// verified login code.
type LoginOTPState struct {
	Handle          string          `json:"handle"`
	AuthProvider    AuthStrategy    `json:"authProvider"`
	UserID          string          `json:"userId"`
	RoleName        string          `json:"roleName"`
	PhoneNumber     string          `json:"phoneNumber"`
	PhoneChallenge  otp.Challenge   `json:"phoneChallenge"`
	ClientInfo      ClientInfo      `json:"clientInfo"`
	DeviceInfo      DeviceInfo      `json:"deviceInfo"`
	NetworkMetadata NetworkMetadata `json:"networkMetadata"`
	CreatedAt       int64           `json:"createdAt"`
	ExpiresAt       int64           `json:"expiresAt"`
}

// LoginOTPContext is what the login-OTP guard attaches.
type LoginOTPContext struct {
	Token opaque.Metadata
	State LoginOTPState
}

func (c *LoginOTPContext) Handle() string { return c.Token.Random }

// RefreshContext is what the refresh guard attaches. Session may hold a
// refresh hash other than the presented one when the token was superseded;
// Engine.RotateRefresh treats that as reuse.
type RefreshContext struct {
	Token   opaque.Metadata
	Session *session.Session
}

// CredentialsOutcome is the result of primary authentication that a session
// is created from.
type CredentialsOutcome struct {
	UserID       string
	RoleName     string
	AuthProvider AuthStrategy
}

// SessionTokens is handed to the client after sign-in or rotation.
type SessionTokens struct {
	SessionID        string    `json:"sessionId"`
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshToken     string    `json:"refreshToken"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// ProcessToken is an opaque token that carries a multi-step flow forward.
type ProcessToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// LoginResult is returned by the login entry points. Exactly one of Tokens
// and OTPToken is set.
type LoginResult struct {
	Tokens      *SessionTokens `json:"tokens,omitempty"`
	OTPRequired bool           `json:"otpRequired"`
	OTPToken    *ProcessToken  `json:"otpToken,omitempty"`
	Dispatch    *otp.Dispatch  `json:"-"`
}

// ProviderSignInResult is returned by SignInWithProvider. Known accounts get
// Tokens; unknown ones get a Registration pre-filled from the provider.
type ProviderSignInResult struct {
	Tokens       *SessionTokens `json:"tokens,omitempty"`
	Registration *ProcessToken  `json:"registration,omitempty"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return ""
		}
	}
	return b.String()
}
