package database

import (
	"fmt"
	"time"
)

// Status is the processing state of a message row.
//
//	Pending -> Claimed -> Completed
//	                   -> Pending        (failure, retries left)
//	                   -> FailedTerminal (failure, retries exhausted)
//	Claimed -> Claimed                   (stale claim re-taken after timeout)
type Status int

const (
	StatusPending        Status = 0
	StatusClaimed        Status = 1
	StatusCompleted      Status = 2
	StatusFailedTerminal Status = 3
)

// String returns a human-readable label for the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusClaimed:
		return "claimed"
	case StatusCompleted:
		return "completed"
	case StatusFailedTerminal:
		return "failed_terminal"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	return s >= StatusPending && s <= StatusFailedTerminal
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailedTerminal
}

// Claimable reports whether a row may be claimed at now. Pending rows always
// can; claimed rows only once their claim is older than timeout and the retry
// counter is below ceiling.
func Claimable(s Status, startedAt time.Time, retries int, now time.Time, timeout time.Duration, ceiling int) bool {
	switch s {
	case StatusPending:
		return true
	case StatusClaimed:
		return !startedAt.IsZero() && startedAt.Before(now.Add(-timeout)) && retries < ceiling
	default:
		return false
	}
}

// Claim returns the state after taking a claim.
func (s Status) Claim() (Status, error) {
	switch s {
	case StatusPending, StatusClaimed:
		return StatusClaimed, nil
	default:
		return s, fmt.Errorf("%w: claim from %s", ErrInvalidTransition, s)
	}
}

// Complete returns the state after a successful run. Completing an already
// completed message is a no-op.
func (s Status) Complete() (Status, error) {
	switch s {
	case StatusPending, StatusClaimed, StatusCompleted:
		return StatusCompleted, nil
	default:
		return s, fmt.Errorf("%w: complete from %s", ErrInvalidTransition, s)
	}
}

// Fail returns the state after a failed run given the retry counter
// (already incremented by the claim) and the configured maximum.
func (s Status) Fail(retries, maxRetries int) (Status, error) {
	switch s {
	case StatusPending, StatusClaimed:
		if retries < maxRetries {
			return StatusPending, nil
		}
		return StatusFailedTerminal, nil
	default:
		return s, fmt.Errorf("%w: fail from %s", ErrInvalidTransition, s)
	}
}
