package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrCaptureCancelled means the capture produced no image. It is a normal exit.
	ErrCaptureCancelled = errors.New("capture cancelled")
	// ErrBusy is returned when a job is already in flight.
	ErrBusy = errors.New("a job is already in progress")
	// ErrReservationUsed is returned when a reservation starts a second job.
	ErrReservationUsed = errors.New("reservation already used")
)

// StageError records the step at which a job failed.
type StageError struct {
	Stage State
	Key   string
	Err   error
}

func (e *StageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Key, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ensure makes err match sentinel with errors.Is.
func ensure(err, sentinel error) error {
	if err == nil || errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
