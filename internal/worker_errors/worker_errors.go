package workererrors

import (
	"fmt"

	"github.com/bl1231/bilbomd-worker/internal/types"
)

// Carries an exit code along with an error so the app can exit correctly
type ExitError struct {
	Err  error
	Code int
}

func (e ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%d", e.Code)
	}

	return fmt.Sprintf("%d: %s", e.Code, e.Err.Error())
}

func (e ExitError) Unwrap() error {
	return e.Err
}

// Wrap an error with an exit code
func ExitErrorWrap(code int, err error) error {
	return ExitError{Code: code, Err: err}
}

// Carries the step a pipeline failed in, and the exit code of the
// external program when one was involved, so the orchestrator can
// record the failure against the right step.
type StepError struct {
	Err      error
	Step     types.StepName
	ExitCode int
}

func (e StepError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s exited %d", e.Step, e.ExitCode)
	}
	return fmt.Sprintf("%s: %s", e.Step, e.Err.Error())
}

func (e StepError) Unwrap() error {
	return e.Err
}

// Wrap an error with the step it occurred in
//
// `exitCode` is only meaningful when the failure came from a subprocess
func StepErrorWrap(step types.StepName, exitCode int, err error) error {
	return StepError{Step: step, ExitCode: exitCode, Err: err}
}
