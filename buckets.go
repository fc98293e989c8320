package vigil

import (
	"context"
	"time"

	"github.com/MrEthical07/vigil/internal/stores"
	"github.com/MrEthical07/vigil/otp"
)

// registrationBucket keeps challenges inside the registration record, one
// per channel. A registration is never created by a code request.
type registrationBucket struct {
	store *stores.Temporal[RegistrationState]
}

func (b *registrationBucket) Mutate(ctx context.Context, _ otp.Flow, handle string, channel otp.Channel, _ bool, fn otp.ChallengeFunc) error {
	_, err := b.store.Update(ctx, handle, func(state *RegistrationState, expiresAt time.Time) error {
		if state.RegisteredUserID != nil {
			return invalidState("registration already finalized")
		}
		switch channel {
		case otp.ChannelEmail:
			if err := fn(&state.EmailChallenge, expiresAt); err != nil {
				return err
			}
			if state.EmailChallenge.Verified && state.EmailChallenge.Address == state.Email {
				state.IsVerifiedEmail = true
			}
		case otp.ChannelPhone:
			if err := fn(&state.PhoneChallenge, expiresAt); err != nil {
				return err
			}
			if state.PhoneChallenge.Verified && state.PhoneChallenge.Address == state.PhoneNumber {
				state.IsVerifiedPhoneNumber = true
			}
		default:
			return otp.ErrInvalidTarget
		}
		return nil
	})
	return otp.TranslateStoreError(err)
}

// verificationBucket routes the login flow to the login-OTP record and
// every other verification flow to standalone challenges.
type verificationBucket struct {
	logins     *stores.Temporal[LoginOTPState]
	standalone *otp.StoreBucket
}

func (b *verificationBucket) Mutate(ctx context.Context, flow otp.Flow, handle string, channel otp.Channel, create bool, fn otp.ChallengeFunc) error {
	if flow != otp.FlowLogin {
		return b.standalone.Mutate(ctx, flow, handle, channel, create, fn)
	}
	_, err := b.logins.Update(ctx, handle, func(state *LoginOTPState, expiresAt time.Time) error {
		return fn(&state.PhoneChallenge, expiresAt)
	})
	return otp.TranslateStoreError(err)
}
