package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/MrEthical07/vigil"
	"github.com/MrEthical07/vigil/federated"
	"github.com/MrEthical07/vigil/metrics/export/prometheus"
	"github.com/MrEthical07/vigil/middleware"
	"github.com/MrEthical07/vigil/otp"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type api struct {
	engine *vigil.Engine
	logger *zap.Logger
}

func newRouter(engine *vigil.Engine, logger *zap.Logger) http.Handler {
	a := &api{engine: engine, logger: logger}

	r := chi.NewRouter()
	r.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		a.clientIP,
		a.accessLog,
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Method(http.MethodGet, "/metrics", prometheus.New(engine))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/registrations", a.startRegistration)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Registration(engine).Middleware())
			r.Post("/registrations/email", a.addEmail)
			r.Post("/registrations/phone", a.addPhone)
			r.Post("/registrations/codes", a.requestRegistrationCode)
			r.Post("/registrations/codes/resend", a.resendRegistrationCode)
			r.Post("/registrations/codes/verify", a.verifyRegistrationCode)
			r.Post("/registrations/password", a.setPassword)
			r.Post("/registrations/conditions", a.agreeToConditions)
			r.Post("/registrations/finalize", a.finalizeRegistration)
		})

		r.Post("/login/password", a.loginWithPassword)
		r.Post("/login/phone", a.loginWithPhone)
		r.Group(func(r chi.Router) {
			r.Use(middleware.LoginOTP(engine).Middleware())
			r.Post("/login/otp/resend", a.resendLoginOTP)
			r.Post("/login/otp/confirm", a.confirmLoginOTP)
		})

		r.With(middleware.Google(engine).Middleware()).Post("/federated/google", a.federatedSignIn(vigil.StrategyGoogle))
		r.With(middleware.Apple(engine).Middleware()).Post("/federated/apple", a.federatedSignIn(vigil.StrategyApple))

		r.With(middleware.Refresh(engine).Middleware()).Post("/sessions/refresh", a.refresh)

		r.Post("/password-reset/code", a.requestPasswordReset)
		r.Post("/password-reset", a.confirmPasswordReset)

		r.Group(func(r chi.Router) {
			r.Use(middleware.SignedToken(engine).Middleware())
			r.Get("/sessions", a.listSessions)
			r.Delete("/sessions", a.logoutAll)
			r.Delete("/sessions/current", a.logout)
			r.Post("/account/codes", a.requestVerificationCode)
			r.Post("/account/email", a.changeEmail)
			r.Post("/account/phone", a.changePhone)
			r.Post("/account/password", a.changePassword)
		})
	})

	return r
}

// -------- middleware --------

func (a *api) clientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(vigil.WithClientIP(r.Context(), remoteHost(r))))
	})
}

func (a *api) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// -------- request plumbing --------

// clientEnvelope is the client context every sign-in and refresh request
// carries.
// NetworkMetadata is normally filled in by the edge; requests without it
// get one derived from the connection.
type clientEnvelope struct {
	ClientInfo      vigil.ClientInfo       `json:"clientInfo"`
	DeviceInfo      vigil.DeviceInfo       `json:"deviceInfo"`
	NetworkMetadata *vigil.NetworkMetadata `json:"networkMetadata"`
}

func (c clientEnvelope) network(r *http.Request) vigil.NetworkMetadata {
	if c.NetworkMetadata != nil {
		return *c.NetworkMetadata
	}
	return connectionNetwork(r)
}

func connectionNetwork(r *http.Request) vigil.NetworkMetadata {
	return vigil.NetworkMetadata{
		Hostname: r.Host,
		ClientIP: remoteHost(r),
		Protocol: r.Proto,
	}
}

func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: request body: %v", vigil.ErrMalformedInput, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type dispatchView struct {
	Flow        otp.Flow    `json:"flow"`
	Channel     otp.Channel `json:"channel"`
	ExpiresAt   time.Time   `json:"expiresAt"`
	ResendAfter time.Time   `json:"resendAfter"`
}

func viewDispatch(d otp.Dispatch) dispatchView {
	return dispatchView{Flow: d.Flow, Channel: d.Channel, ExpiresAt: d.ExpiresAt, ResendAfter: d.ResendAfter}
}

func (a *api) fail(w http.ResponseWriter, err error) {
	a.engine.WriteError(w, err)
}

// -------- registration --------

func (a *api) startRegistration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		clientEnvelope
		AuthProvider vigil.AuthStrategy `json:"authProvider"`
		RoleName     string             `json:"roleName"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	tok, err := a.engine.StartRegistration(r.Context(), vigil.RegistrationInput{
		AuthProvider:    req.AuthProvider,
		RoleName:        req.RoleName,
		ClientInfo:      req.ClientInfo,
		DeviceInfo:      req.DeviceInfo,
		NetworkMetadata: req.network(r),
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func registration(r *http.Request) *vigil.RegistrationContext {
	rc, _ := middleware.Value[*vigil.RegistrationContext](r.Context())
	return rc
}

func (a *api) addEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	state, err := a.engine.AddEmail(r.Context(), registration(r), req.Email)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"missing": state.Missing()})
}

func (a *api) addPhone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	state, err := a.engine.AddPhone(r.Context(), registration(r), req.Phone)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"missing": state.Missing()})
}

type channelRequest struct {
	Channel otp.Channel `json:"channel"`
	Code    string      `json:"code"`
}

func (a *api) requestRegistrationCode(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	d, err := a.engine.RequestRegistrationCode(r.Context(), registration(r), req.Channel)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewDispatch(d))
}

func (a *api) resendRegistrationCode(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	d, err := a.engine.ResendRegistrationCode(r.Context(), registration(r), req.Channel)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewDispatch(d))
}

func (a *api) verifyRegistrationCode(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	if err := a.engine.VerifyRegistrationCode(r.Context(), registration(r), req.Channel, req.Code); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) setPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	state, err := a.engine.SetPassword(r.Context(), registration(r), req.Password)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"missing": state.Missing()})
}

func (a *api) agreeToConditions(w http.ResponseWriter, r *http.Request) {
	state, err := a.engine.AgreeToConditions(r.Context(), registration(r))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"missing": state.Missing()})
}

func (a *api) finalizeRegistration(w http.ResponseWriter, r *http.Request) {
	tokens, err := a.engine.FinalizeRegistration(r.Context(), registration(r))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tokens)
}

// -------- login --------

func (a *api) loginWithPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		clientEnvelope
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	res, err := a.engine.LoginWithPassword(r.Context(), vigil.PasswordLoginInput{
		Email:           req.Email,
		Password:        req.Password,
		ClientInfo:      req.ClientInfo,
		DeviceInfo:      req.DeviceInfo,
		NetworkMetadata: req.network(r),
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) loginWithPhone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		clientEnvelope
		Phone string `json:"phone"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	res, err := a.engine.LoginWithPhone(r.Context(), vigil.PhoneLoginInput{
		Phone:           req.Phone,
		ClientInfo:      req.ClientInfo,
		DeviceInfo:      req.DeviceInfo,
		NetworkMetadata: req.network(r),
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) resendLoginOTP(w http.ResponseWriter, r *http.Request) {
	lc, _ := middleware.Value[*vigil.LoginOTPContext](r.Context())
	d, err := a.engine.ResendLoginOTP(r.Context(), lc)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewDispatch(d))
}

func (a *api) confirmLoginOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	lc, _ := middleware.Value[*vigil.LoginOTPContext](r.Context())
	tokens, err := a.engine.ConfirmLoginOTP(r.Context(), lc, req.Code)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (a *api) federatedSignIn(provider vigil.AuthStrategy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			clientEnvelope
			RoleName string `json:"roleName"`
		}
		if err := decode(r, &req); err != nil {
			a.fail(w, err)
			return
		}
		profile, _ := middleware.Value[federated.Profile](r.Context())
		res, err := a.engine.SignInWithProvider(r.Context(), provider, profile, vigil.ProviderSignInInput{
			RoleName:        req.RoleName,
			ClientInfo:      req.ClientInfo,
			DeviceInfo:      req.DeviceInfo,
			NetworkMetadata: req.network(r),
		})
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// -------- sessions --------

func (a *api) refresh(w http.ResponseWriter, r *http.Request) {
	var req clientEnvelope
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	rc, _ := middleware.Value[*vigil.RefreshContext](r.Context())
	tokens, err := a.engine.RotateRefresh(r.Context(), rc, req.DeviceInfo, req.network(r))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func identity(r *http.Request) vigil.Identity {
	id, _ := middleware.Value[vigil.Identity](r.Context())
	return id
}

func (a *api) listSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := a.engine.ActiveSessions(r.Context(), identity(r).Subject)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": ids})
}

func (a *api) logout(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Logout(r.Context(), identity(r).SessionID); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) logoutAll(w http.ResponseWriter, r *http.Request) {
	n, err := a.engine.LogoutAll(r.Context(), identity(r).Subject)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

// -------- account verification --------

func (a *api) requestVerificationCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Flow    otp.Flow `json:"flow"`
		Address string   `json:"address"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	d, err := a.engine.RequestVerificationCode(r.Context(), vigil.VerificationRequest{
		Flow:    req.Flow,
		UserID:  identity(r).Subject,
		Address: req.Address,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewDispatch(d))
}

func (a *api) changeEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	if err := a.engine.ConfirmChangeEmail(r.Context(), identity(r).Subject, req.Email, req.Code); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) changePhone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
		Code  string `json:"code"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	if err := a.engine.ConfirmChangePhone(r.Context(), identity(r).Subject, req.Phone, req.Code); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) changePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
		Code            string `json:"code"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	if err := a.engine.ConfirmChangePassword(r.Context(), identity(r).Subject, req.CurrentPassword, req.NewPassword, req.Code); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) requestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	d, err := a.engine.RequestVerificationCode(r.Context(), vigil.VerificationRequest{
		Flow:    otp.FlowResetPassword,
		Address: req.Email,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewDispatch(d))
}

func (a *api) confirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		Code        string `json:"code"`
		NewPassword string `json:"newPassword"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	if err := a.engine.ConfirmPasswordReset(r.Context(), req.Email, req.Code, req.NewPassword); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
