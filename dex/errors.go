// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"errors"
	"fmt"
)

// ErrorKind identifies a kind of error that can be used to define new errors
// via const SomeError = dex.ErrorKind("something").
type ErrorKind string

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error pairs an error with details.
type Error struct {
	wrapped error
	detail  string
}

// Error satisfies the error interface, combining the wrapped error message with
// the details.
func (e Error) Error() string {
	return e.wrapped.Error() + ": " + e.detail
}

// Unwrap returns the wrapped error, allowing errors.Is and errors.As to work.
func (e Error) Unwrap() error {
	return e.wrapped
}

// Detail is the context that was attached to the wrapped error.
func (e Error) Detail() string {
	return e.detail
}

// NewError wraps the provided error with details in an Error, facilitating the
// use of errors.Is and errors.As via errors.Unwrap.
func NewError(err error, detail string) Error {
	return Error{
		wrapped: err,
		detail:  detail,
	}
}

// Errorf is NewError with a formatted detail string.
func Errorf(err error, format string, a ...any) Error {
	return NewError(err, fmt.Sprintf(format, a...))
}

// KindOf returns the first ErrorKind found in err's chain, or the empty
// ErrorKind if there is none.
func KindOf(err error) ErrorKind {
	var kind ErrorKind
	if errors.As(err, &kind) {
		return kind
	}
	return ""
}

// ErrorCloser is used to undo the completed steps of a multi-step process
// when a later step fails. After each successful step, an undo routine can be
// scheduled with Add. If Success is not signaled before Done, the routines are
// run in the reverse order that they were added.
type ErrorCloser struct {
	closers []func() error
}

// NewErrorCloser creates a new ErrorCloser.
func NewErrorCloser() *ErrorCloser {
	return &ErrorCloser{
		closers: make([]func() error, 0, 4),
	}
}

// Add adds a new function to the queue. If Success is not called before Done,
// the Add'ed functions will be run in the reverse order that they were added.
func (e *ErrorCloser) Add(closer func() error) {
	e.closers = append(e.closers, closer)
}

// Success cancels the running of any Add'ed functions.
func (e *ErrorCloser) Success() {
	e.closers = nil
}

// Done runs the registered functions if success has not been flagged. Every
// function is run even if an earlier one fails. Failures are logged and
// returned joined.
func (e *ErrorCloser) Done(log Logger) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			log.Errorf("error running undo function %d: %v", i, err)
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
