package otp

import (
	"errors"
	"fmt"
)

// Flow is a user-visible operation that is gated by a one-time code.
type Flow string

const (
	FlowAddEmail       Flow = "add-email"
	FlowAddPhone       Flow = "add-phone"
	FlowLogin          Flow = "login"
	FlowChangeEmail    Flow = "change-email"
	FlowChangePhone    Flow = "change-phone"
	FlowResetPassword  Flow = "reset-password"
	FlowChangePassword Flow = "change-password"
)

// Flows lists every flow the engine knows about.
func Flows() []Flow {
	return []Flow{
		FlowAddEmail,
		FlowAddPhone,
		FlowLogin,
		FlowChangeEmail,
		FlowChangePhone,
		FlowResetPassword,
		FlowChangePassword,
	}
}

// Context selects the temporal-state bucket that owns a flow's challenge.
type Context string

const (
	ContextRegistration Context = "registration"
	ContextVerification Context = "verification"
)

// Channel is the delivery channel for a code.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPhone Channel = "phone"
)

// Route is the (context, channel) pair of a flow.
type Route struct {
	Context Context
	Channel Channel
}

// Matrix maps each flow to its route. Treat it as immutable once passed to
// New; the engine keeps its own copy.
type Matrix map[Flow]Route

// DefaultMatrix returns the built-in flow table.
func DefaultMatrix() Matrix {
	return Matrix{
		FlowAddEmail:       {Context: ContextRegistration, Channel: ChannelEmail},
		FlowAddPhone:       {Context: ContextRegistration, Channel: ChannelPhone},
		FlowLogin:          {Context: ContextVerification, Channel: ChannelPhone},
		FlowChangeEmail:    {Context: ContextVerification, Channel: ChannelEmail},
		FlowChangePhone:    {Context: ContextVerification, Channel: ChannelPhone},
		FlowResetPassword:  {Context: ContextVerification, Channel: ChannelEmail},
		FlowChangePassword: {Context: ContextVerification, Channel: ChannelEmail},
	}
}

// Validate fails unless every known flow has exactly one well-formed entry
// and no unknown flow is present.
func (m Matrix) Validate() error {
	var errs []error
	known := make(map[Flow]struct{}, len(Flows()))
	for _, f := range Flows() {
		known[f] = struct{}{}
		r, ok := m[f]
		if !ok {
			errs = append(errs, fmt.Errorf("flow %q has no route", f))
			continue
		}
		if r.Context != ContextRegistration && r.Context != ContextVerification {
			errs = append(errs, fmt.Errorf("flow %q: invalid context %q", f, r.Context))
		}
		if r.Channel != ChannelEmail && r.Channel != ChannelPhone {
			errs = append(errs, fmt.Errorf("flow %q: invalid channel %q", f, r.Channel))
		}
	}
	for f := range m {
		if _, ok := known[f]; !ok {
			errs = append(errs, fmt.Errorf("unknown flow %q", f))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidMatrix, errors.Join(errs...))
	}
	return nil
}

func (m Matrix) clone() Matrix {
	out := make(Matrix, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
