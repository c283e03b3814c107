// Package failures defines the error taxonomy used across a build run.
//
// A StepFailure is an expected failure mode of a stage: the build records
// it and, unless the failure is marked fatal, keeps going in degraded mode.
// Everything else is treated as an internal error and aborts the build
// after the guaranteed reporting step.
package failures

import (
	"errors"
	"fmt"
	"strings"
)

// StepFailure is an expected, recoverable failure raised by a stage.
// Fatal marks a step failure that must still stop the whole build after
// being recorded (e.g. a sync failure nothing downstream can work around).
type StepFailure struct {
	Summary string
	Fatal   bool
}

func (e *StepFailure) Error() string {
	return e.Summary
}

// Step returns a non-fatal StepFailure with a formatted summary.
func Step(format string, args ...interface{}) *StepFailure {
	return &StepFailure{Summary: fmt.Sprintf(format, args...)}
}

// FatalStep returns a fatal StepFailure with a formatted summary.
func FatalStep(format string, args ...interface{}) *StepFailure {
	return &StepFailure{Summary: fmt.Sprintf(format, args...), Fatal: true}
}

// CompoundFailure aggregates failures from multiple parallel workers.
// It counts as a step failure iff every member does.
type CompoundFailure struct {
	Errs []error
}

func (e *CompoundFailure) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d failures: %s", len(e.Errs), strings.Join(msgs, "; "))
}

// Unwrap exposes the members to errors.Is and errors.As.
func (e *CompoundFailure) Unwrap() []error {
	return e.Errs
}

// Detail returns a multi-line rendering of every member failure, for
// printing the full picture before a fatal propagation.
func (e *CompoundFailure) Detail() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CompoundFailure (%d members):\n", len(e.Errs))
	for _, err := range e.Errs {
		fmt.Fprintf(&b, "  - %v\n", err)
	}
	return b.String()
}

// Compound collapses a slice of errors: nil for none, the error itself for
// one, a CompoundFailure otherwise.
func Compound(errs ...error) error {
	nonNil := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	}
	return &CompoundFailure{Errs: nonNil}
}

// InternalError wraps an unexpected fault (a panic, a programming error).
// Internal errors are always fatal.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// Internal wraps err as an InternalError. Returns nil for a nil err.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	return &InternalError{Err: err}
}

// IsStepFailure reports whether err is a StepFailure, or a CompoundFailure
// whose members are all step failures.
func IsStepFailure(err error) bool {
	var cf *CompoundFailure
	if errors.As(err, &cf) {
		for _, member := range cf.Errs {
			if !IsStepFailure(member) {
				return false
			}
		}
		return len(cf.Errs) > 0
	}
	var sf *StepFailure
	return errors.As(err, &sf)
}

// IsFatal reports whether err must stop the whole build. Non-fatal step
// failures are the only survivable errors; a compound failure is fatal if
// any member is.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var cf *CompoundFailure
	if errors.As(err, &cf) {
		for _, member := range cf.Errs {
			if IsFatal(member) {
				return true
			}
		}
		return false
	}
	var sf *StepFailure
	if errors.As(err, &sf) {
		return sf.Fatal
	}
	return true
}
