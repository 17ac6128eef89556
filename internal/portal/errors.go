// File: internal/portal/errors.go
package portal

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAuthRejected means credentials or the 2FA code were refused and the
	// session never left the auth pages.
	ErrAuthRejected = errors.New("portal: authentication rejected")

	// ErrCodeUnobtainable means the 2FA challenge appeared but no verification
	// code could be pulled from the mailbox within the retry budget.
	ErrCodeUnobtainable = errors.New("portal: verification code unobtainable")

	// ErrNavigation means a page load failed or timed out.
	ErrNavigation = errors.New("portal: navigation failed")

	// ErrUnrecognizedPanel means the quote wizard presented a page that
	// matches none of the known panels.
	ErrUnrecognizedPanel = errors.New("portal: unrecognized wizard panel")
)

// StepError pins a failure to the form or wizard step it happened in. The
// screenshot label points at the artifact captured just before giving up.
type StepError struct {
	Step       string
	Screenshot string
	Err        error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("portal step %q: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func stepErr(step string, err error) error {
	return &StepError{Step: step, Err: err}
}

// IsAutomationFailure reports whether the error is an expected portal-side
// failure, as opposed to a bug. Expected failures mark the task failed;
// anything else marks it errored.
func IsAutomationFailure(err error) bool {
	var se *StepError
	if errors.As(err, &se) {
		return true
	}
	return errors.Is(err, ErrAuthRejected) ||
		errors.Is(err, ErrCodeUnobtainable) ||
		errors.Is(err, ErrNavigation) ||
		errors.Is(err, ErrUnrecognizedPanel) ||
		errors.Is(err, context.DeadlineExceeded)
}
