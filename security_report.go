package vigil

import "github.com/MrEthical07/vigil/internal/security"

type (
	SecurityReport       = security.Report
	PasswordConfigReport = security.PasswordReport
)

// SecurityReport summarizes the active protections and flags weak settings.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}
	cfg := e.config

	versions := make([]string, 0, len(cfg.Tokens.Keys))
	for v := range cfg.Tokens.Keys {
		versions = append(versions, v)
	}
	providers := make([]string, 0, len(e.verifiers))
	for p := range e.verifiers {
		providers = append(providers, string(p))
	}

	return security.BuildReport(security.ReportInput{
		SigningAlgorithm: cfg.JWT.SigningMethod,
		AccessTTL:        cfg.JWT.AccessTTL,
		RefreshTTL:       cfg.Session.RefreshTTL,
		SessionLifetime:  cfg.Session.AbsoluteLifetime,
		TokenVersions:    versions,
		Password: security.PasswordReport{
			Memory:       cfg.Password.Memory,
			Time:         cfg.Password.Time,
			Parallelism:  cfg.Password.Parallelism,
			SaltLength:   cfg.Password.SaltLength,
			KeyLength:    cfg.Password.KeyLength,
			AcceptBcrypt: cfg.Password.AcceptBcrypt,
		},
		OTPDigits:             cfg.OTP.Digits,
		OTPMaxAttempts:        cfg.OTP.MaxAttempts,
		OTPCodeTTL:            cfg.OTP.CodeTTL,
		RequireLoginOTP:       cfg.LoginOTP.RequireForVerifiedPhone,
		MaxLoginAttempts:      cfg.Security.MaxLoginAttempts,
		LoginCooldown:         cfg.Security.LoginCooldown,
		EnableRefreshThrottle: cfg.Security.EnableRefreshThrottle,
		FoldNotFound:          cfg.Security.FoldNotFound,
		FederatedProviders:    providers,
		TestIdentifiers:       len(cfg.OTP.TestIdentifiers),
	})
}
