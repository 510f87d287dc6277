package capturesvc

import (
	"errors"
	"fmt"
)

var (
	ErrNotMouse        = errors.New("report is not from a mouse")
	ErrAbsoluteMotion  = errors.New("report carries absolute coordinates")
	ErrMalformedReport = errors.New("malformed raw input report")
)

// StepError is returned when a platform call needed to start capture fails.
type StepError struct {
	Step string
	Code uint32
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed: error code %d", e.Step, e.Code)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
