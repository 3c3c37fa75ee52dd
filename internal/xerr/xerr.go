// Package xerr defines the daemon-wide error taxonomy from spec.md §7.
// Errors built with these helpers, and the errors the service client
// returns, wrap one of these sentinels so callers can classify failures
// with errors.Is. Other errors, such as the file-system errors from the
// writer or from reading a template, are passed up without a sentinel.
package xerr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks host-id validation failures or missing
	// required arguments. Reply (ERROR); no state change.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks an RPC lookup that returned empty. No code in this
	// module returns it: the service client reports an absent object as a
	// nil result, which the update pipeline treats as a no-op success.
	ErrNotFound = errors.New("not found")

	// ErrTransient marks RPC timeouts or intermittent network failures.
	ErrTransient = errors.New("transient error")

	// ErrFatal marks service auth/verification failures, unrecoverable
	// bind failures, or cross-host file name collisions.
	ErrFatal = errors.New("fatal error")

	// ErrLicenseMissing marks a template that requires UEFI while
	// licensing disallows it.
	ErrLicenseMissing = errors.New("required license not available")

	// ErrIO marks a file create/unlink/chmod/chown failure.
	ErrIO = errors.New("i/o error")
)

// Invalid formats a message and wraps it as ErrInvalidInput.
func Invalid(format string, args ...any) error { return wrap(ErrInvalidInput, format, args...) }

// Fatal wraps as ErrFatal.
func Fatal(format string, args ...any) error { return wrap(ErrFatal, format, args...) }

// IO wraps as ErrIO.
func IO(format string, args ...any) error { return wrap(ErrIO, format, args...) }

// LicenseMissing wraps as ErrLicenseMissing.
func LicenseMissing(format string, args ...any) error {
	return wrap(ErrLicenseMissing, format, args...)
}

func wrap(sentinel error, format string, args ...any) error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &taggedError{sentinel: sentinel, msg: msg}
}

type taggedError struct {
	sentinel error
	msg      string
}

func (e *taggedError) Error() string { return e.sentinel.Error() + ": " + e.msg }
func (e *taggedError) Unwrap() error { return e.sentinel }
