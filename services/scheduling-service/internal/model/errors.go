package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidFormat      = errors.New("invalid format")
	ErrOverlapConflict    = errors.New("availability overlaps an active window")
	ErrInvalidTarget      = errors.New("invalid copy target")
	ErrNothingToCopy      = errors.New("source day has no active availability")
	ErrSlotUnavailable    = errors.New("requested slot is no longer available")
	ErrQuotaExhausted     = errors.New("no sessions remaining on subscription")
	ErrAlreadyCancelled   = errors.New("session already cancelled")
	ErrAlreadyCompleted   = errors.New("session already completed")
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid session status transition")
	ErrCancellationClosed = errors.New("cancellation window has closed")
	ErrForbidden          = errors.New("not allowed for this caller")
)

// OverlapError carries the active window that blocked an availability write.
type OverlapError struct {
	Conflict WeeklySlot
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("%s: %s %s-%s",
		ErrOverlapConflict.Error(),
		Weekday(e.Conflict.DayOfWeek),
		e.Conflict.StartTime,
		e.Conflict.EndTime,
	)
}

func (e *OverlapError) Unwrap() error {
	return ErrOverlapConflict
}

// InvalidFormat wraps err so that errors.Is(err, ErrInvalidFormat) holds.
func InvalidFormat(field string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInvalidFormat, field, err)
}
