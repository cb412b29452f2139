package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrIdentityUnavailable is returned when the participant has no identity
	// yet. Callers prompt for one and retry.
	ErrIdentityUnavailable = errors.New("participant identity is not available")

	// ErrStoreUnavailable wraps every failure coming back from the queue store.
	ErrStoreUnavailable = errors.New("queue store unavailable")

	// ErrConflict is returned by conditional store writes when the entry changed
	// underneath the caller.
	ErrConflict = errors.New("queue entry changed concurrently")

	// ErrNoSlot is returned by Promote when every processing slot is taken.
	ErrNoSlot = errors.New("no processing slot free")

	// ErrNotQueued is returned when waiting for a turn without a live entry.
	ErrNotQueued = errors.New("participant is not queued")
)

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrConflict) || errors.Is(err, ErrNoSlot) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// IsSoft reports whether err is an expected control-flow outcome rather than
// a fault.
func IsSoft(err error) bool {
	return errors.Is(err, ErrIdentityUnavailable) || errors.Is(err, ErrNotQueued)
}
