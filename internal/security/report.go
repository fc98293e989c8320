package security

import (
	"slices"
	"time"
)

// Argon2id memory below this many KiB is flagged.
const minArgon2Memory = 19 * 1024

type PasswordReport struct {
	Memory       uint32
	Time         uint32
	Parallelism  uint8
	SaltLength   uint32
	KeyLength    uint32
	AcceptBcrypt bool
}

type Report struct {
	SigningAlgorithm      string
	AccessTTL             time.Duration
	RefreshTTL            time.Duration
	SessionLifetime       time.Duration
	TokenVersions         []string
	Argon2                PasswordReport
	OTPDigits             int
	OTPMaxAttempts        int
	OTPCodeTTL            time.Duration
	LoginOTPForPhone      bool
	LoginThrottleActive   bool
	RefreshThrottleActive bool
	NotFoundFolded        bool
	FederatedProviders    []string
	TestIdentifiers       int
	Warnings              []string
}

type ReportInput struct {
	SigningAlgorithm      string
	AccessTTL             time.Duration
	RefreshTTL            time.Duration
	SessionLifetime       time.Duration
	TokenVersions         []string
	Password              PasswordReport
	OTPDigits             int
	OTPMaxAttempts        int
	OTPCodeTTL            time.Duration
	RequireLoginOTP       bool
	MaxLoginAttempts      int
	LoginCooldown         time.Duration
	EnableRefreshThrottle bool
	FoldNotFound          bool
	FederatedProviders    []string
	TestIdentifiers       int
}

func BuildReport(in ReportInput) Report {
	versions := slices.Clone(in.TokenVersions)
	slices.Sort(versions)
	providers := slices.Clone(in.FederatedProviders)
	slices.Sort(providers)

	r := Report{
		SigningAlgorithm:      in.SigningAlgorithm,
		AccessTTL:             in.AccessTTL,
		RefreshTTL:            in.RefreshTTL,
		SessionLifetime:       in.SessionLifetime,
		TokenVersions:         versions,
		Argon2:                in.Password,
		OTPDigits:             in.OTPDigits,
		OTPMaxAttempts:        in.OTPMaxAttempts,
		OTPCodeTTL:            in.OTPCodeTTL,
		LoginOTPForPhone:      in.RequireLoginOTP,
		LoginThrottleActive:   in.MaxLoginAttempts > 0 && in.LoginCooldown > 0,
		RefreshThrottleActive: in.EnableRefreshThrottle,
		NotFoundFolded:        in.FoldNotFound,
		FederatedProviders:    providers,
		TestIdentifiers:       in.TestIdentifiers,
	}

	if in.SigningAlgorithm == "hs256" {
		r.Warnings = append(r.Warnings, "access tokens are signed with a shared secret")
	}
	if in.Password.Memory < minArgon2Memory {
		r.Warnings = append(r.Warnings, "argon2id memory is below 19 MiB")
	}
	if in.TestIdentifiers > 0 {
		r.Warnings = append(r.Warnings, "otp test identifiers accept fixed codes")
	}
	if !in.FoldNotFound {
		r.Warnings = append(r.Warnings, "missing handles are reported as 404")
	}
	if in.OTPDigits < 6 {
		r.Warnings = append(r.Warnings, "one-time codes are shorter than six digits")
	}
	return r
}
