package gateway

import (
	"errors"
	"fmt"
)

// Class is the terminal classification of a dispatch failure
type Class string

const (
	ClassPermanent Class = "permanent"
	ClassExhausted Class = "exhausted"
	ClassCancelled Class = "cancelled"
)

var (
	// ErrPermanent matches failures that no retry can fix
	ErrPermanent = errors.New("permanent provider failure")
	// ErrRetriesExhausted matches transient failures that outlived the retry budget
	ErrRetriesExhausted = errors.New("provider retries exhausted")
	// ErrCancelled matches dispatches abandoned because the caller's context ended
	ErrCancelled = errors.New("dispatch cancelled")
)

// Error is returned by Client.Dispatch. It matches exactly one of the sentinel
// errors above and also unwraps to the last underlying cause.
type Error struct {
	Class    Class
	PromptID string
	Provider string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s via %s after %d attempt(s): %v", e.PromptID, e.Class, e.Provider, e.Attempts, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.sentinel(), e.Err}
}

func (e *Error) sentinel() error {
	switch e.Class {
	case ClassExhausted:
		return ErrRetriesExhausted
	case ClassCancelled:
		return ErrCancelled
	default:
		return ErrPermanent
	}
}

// IsPermanent reports whether err is a permanent dispatch failure
func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }

// IsExhausted reports whether err is a dispatch that ran out of retries
func IsExhausted(err error) bool { return errors.Is(err, ErrRetriesExhausted) }

// IsCancelled reports whether err is a dispatch abandoned by its caller
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }
