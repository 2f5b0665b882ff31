package broadcast

import (
	"errors"
	"fmt"
	"time"
)

// Outcome is the classification of a single delivery attempt.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeThrottled
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeThrottled:
		return "throttled"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// RetryAfterError lets transports request a specific retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// ThrottledError means the platform asked us to wait before retrying the same
// recipient.
type ThrottledError struct {
	Wait  time.Duration
	Cause error
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled: retry after %s", e.Wait)
}

func (e *ThrottledError) Unwrap() error { return e.Cause }

func (e *ThrottledError) RetryAfter() time.Duration { return e.Wait }

// Throttled wraps cause as a ThrottledError.
func Throttled(wait time.Duration, cause error) error {
	if wait < 0 {
		wait = 0
	}
	return &ThrottledError{Wait: wait, Cause: cause}
}

// PermanentDeliveryError means the recipient cannot receive the message
// (blocked the bot, deactivated, bad request). It is never retried.
type PermanentDeliveryError struct {
	Reason string
	Cause  error
}

func (e *PermanentDeliveryError) Error() string {
	if e.Reason == "" {
		return "permanent delivery failure"
	}
	return "permanent delivery failure: " + e.Reason
}

func (e *PermanentDeliveryError) Unwrap() error { return e.Cause }

// Permanent wraps cause as a PermanentDeliveryError.
func Permanent(reason string, cause error) error {
	return &PermanentDeliveryError{Reason: reason, Cause: cause}
}

// PartialError reports that the first Sent parts of a multi-part delivery
// reached the recipient before Err.
type PartialError struct {
	Sent int
	Err  error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%d parts sent: %v", e.Sent, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// Partial wraps err with the number of parts already delivered. It returns
// err unchanged when nothing was sent.
func Partial(sent int, err error) error {
	if err == nil || sent <= 0 {
		return err
	}
	return &PartialError{Sent: sent, Err: err}
}

// SentParts reports how many parts err says were delivered.
func SentParts(err error) int {
	var pe *PartialError
	if errors.As(err, &pe) {
		return pe.Sent
	}
	return 0
}

// DirectoryUnavailableError is returned when the recipient list cannot be read.
// Nothing has been sent when it is returned.
type DirectoryUnavailableError struct {
	Cause error
}

func (e *DirectoryUnavailableError) Error() string {
	if e.Cause == nil {
		return "recipient directory unavailable"
	}
	return "recipient directory unavailable: " + e.Cause.Error()
}

func (e *DirectoryUnavailableError) Unwrap() error { return e.Cause }

// IsDirectoryUnavailable reports whether err carries a DirectoryUnavailableError.
func IsDirectoryUnavailable(err error) bool {
	var de *DirectoryUnavailableError
	return errors.As(err, &de)
}

// Classify maps a transport error onto a delivery outcome.
//
// Errors that are neither throttled nor permanent are reported as permanent so
// the dispatcher never spins on an unknown condition.
func Classify(err error) (Outcome, time.Duration) {
	if err == nil {
		return OutcomeDelivered, 0
	}
	var perm *PermanentDeliveryError
	if errors.As(err, &perm) {
		return OutcomePermanent, 0
	}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return OutcomeThrottled, ra.RetryAfter()
	}
	return OutcomePermanent, 0
}
