// Package errors is the error toolkit of the migrator. Wrapped errors keep
// their cause for Is and As while the message reads as a path of steps,
// e.g. "apply batch: insert shop.orders: E11000 ...".
package errors

import (
	"errors"
	"fmt"
)

// ErrUnsupportedOperation is returned for log entries the writer cannot translate.
var ErrUnsupportedOperation = errors.New("unsupported operation")

type stepError struct {
	step  string
	cause error
}

func (e *stepError) Error() string {
	return e.step + ": " + e.cause.Error()
}

func (e *stepError) Unwrap() error {
	return e.cause
}

func wrap(cause error, step string) error {
	if cause == nil {
		return nil
	}

	if step == "" {
		return cause
	}

	return &stepError{step: step, cause: cause}
}

// New returns an error with the given text.
func New(text string) error {
	return errors.New(text) //nolint:err113
}

// Errorf formats an error. %w verbs wrap like [fmt.Errorf].
func Errorf(format string, args ...any) error {
	return fmt.Errorf(format, args...) //nolint:err113
}

// Wrap names the step that failed with cause. A nil cause yields nil.
func Wrap(cause error, step string) error {
	return wrap(cause, step)
}

// Wrapf is [Wrap] with a formatted step.
func Wrapf(cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}

	return wrap(cause, fmt.Sprintf(format, args...))
}

// Join calls [errors.Join].
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is calls [errors.Is].
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As calls [errors.As].
func As(err error, target any) bool {
	return errors.As(err, target)
}
