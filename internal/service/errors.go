package service

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrInvalidParameter marks malformed query parameters. The HTTP layer
	// reports these with a flat {"error": msg} body.
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrInvalidReportType = errors.New("Invalid report type. Use: daily, category, or summary")
	ErrInvalidDate       = errors.New("Invalid date format. Use YYYY-MM-DD")
	ErrUnauthenticated   = errors.New("authentication required")
)

// NonFieldErrors is the key for errors that concern the request as a whole.
const NonFieldErrors = "non_field_errors"

// ValidationError carries field-keyed messages, rendered as
// {"field": ["message", ...]}.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], "; "))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Add appends msg under field and returns the receiver for chaining.
func (e *ValidationError) Add(field string, msg string) *ValidationError {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], msg)
	return e
}

func (e *ValidationError) Has(field string) bool {
	return len(e.Fields[field]) > 0
}

func (e *ValidationError) empty() bool {
	return len(e.Fields) == 0
}

// orNil lets builders return a nil error interface when nothing was added.
func (e *ValidationError) orNil() error {
	if e.empty() {
		return nil
	}
	return e
}

func fieldError(field string, msg string) *ValidationError {
	return (&ValidationError{}).Add(field, msg)
}

type paramError struct {
	cause error
}

func (e paramError) Error() string { return e.cause.Error() }

func (e paramError) Is(target error) bool { return target == ErrInvalidParameter }

func (e paramError) Unwrap() error { return e.cause }

func invalidParameter(cause error) error {
	return paramError{cause: cause}
}
