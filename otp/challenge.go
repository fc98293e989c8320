package otp

import (
	"context"
	"time"
)

// Challenge is the per-channel code state stored inside the owning record.
// Only the keyed hash of a code is ever persisted.
type Challenge struct {
	Address       string `json:"address,omitempty"`
	CodeHash      string `json:"codeHash,omitempty"`
	CodeExpiresAt int64  `json:"codeExpiresAt,omitempty"`
	Attempts      int    `json:"attempts"`
	LastAttemptAt int64  `json:"lastAttemptAt,omitempty"`
	LastSentAt    int64  `json:"lastSentAt,omitempty"`
	Verified      bool   `json:"verified"`
}

// Pending reports whether an unconsumed code exists.
func (c Challenge) Pending() bool {
	return c.CodeHash != ""
}

// ChallengeFunc edits a challenge. ownerExpiresAt is the deadline of the
// record holding it; codes never outlive it.
type ChallengeFunc func(ch *Challenge, ownerExpiresAt time.Time) error

// Bucket persists challenges for one context. Mutate must apply fn
// atomically with respect to other Mutate calls on the same handle. When
// create is false a missing owner is ErrNotFound; when true the bucket may
// start a fresh owner record. Implementations translate backend failures to
// ErrUnavailable.
type Bucket interface {
	Mutate(ctx context.Context, flow Flow, handle string, channel Channel, create bool, fn ChallengeFunc) error
}
