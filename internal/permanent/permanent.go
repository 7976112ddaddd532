// Package permanent tags delivery failures that retrying cannot fix.
package permanent

import (
	"errors"
	"fmt"

	"escalator/internal/domain"
)

// Error is a non-retryable delivery failure.
type Error struct {
	Reason string
	Err    error
}

func (e Error) Error() string {
	switch {
	case e.Err == nil && e.Reason == "":
		return "permanent delivery failure"
	case e.Err == nil:
		return e.Reason
	case e.Reason == "":
		return e.Err.Error()
	default:
		return e.Reason + ": " + e.Err.Error()
	}
}

func (e Error) Unwrap() error {
	return e.Err
}

// Is makes every permanent error match domain.ErrDeliveryFailure.
func (e Error) Is(target error) bool {
	return target == domain.ErrDeliveryFailure
}

// Mark wraps err as permanent; nil stays nil.
func Mark(err error) error {
	if err == nil {
		return nil
	}
	return Error{Err: err}
}

// Errorf builds a permanent error from a format string.
func Errorf(format string, args ...any) error {
	return Error{Err: fmt.Errorf(format, args...)}
}

// Is reports whether err carries the permanent marker anywhere in its chain.
func Is(err error) bool {
	var tagged Error
	return errors.As(err, &tagged)
}
