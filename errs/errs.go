// Package errs defines the error kinds shared across doseguide.
//
// Every component wraps one of the sentinel errors below with %w, so callers
// classify failures with errors.Is and never by inspecting messages:
//
//	if errors.Is(err, errs.ErrNotFound) {
//		fmt.Println("no data available")
//	}
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation marks bad or missing request parameters. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrTransient marks network, timeout and retryable status failures.
	ErrTransient = errors.New("transient service error")
	// ErrNotFound marks a lookup or extraction that found nothing usable.
	ErrNotFound = errors.New("not found")
	// ErrConfiguration marks missing credentials or inconsistent definitions.
	ErrConfiguration = errors.New("configuration error")
)

// Validation returns an error wrapping ErrValidation.
func Validation(format string, v ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, v...))
}

// Transient returns an error wrapping ErrTransient.
func Transient(format string, v ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, v...))
}

// NotFound returns an error wrapping ErrNotFound.
func NotFound(format string, v ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, v...))
}

// Configuration returns an error wrapping ErrConfiguration.
func Configuration(format string, v ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, v...))
}

// StatusError is returned when a remote service answers with a non-success
// HTTP status. Whether it is retried depends on the retry policy forcelist.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d (%s)", e.Service, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.Code, e.Body)
}

// StatusCode extracts the HTTP status from err, if it carries one.
func StatusCode(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}
