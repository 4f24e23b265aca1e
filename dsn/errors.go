package dsn

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed matches any *MalformedError.
	ErrMalformed = errors.New("malformed DSN")
	// ErrInvalidScheme matches any *SchemeError.
	ErrInvalidScheme = errors.New("invalid scheme")
)

// MalformedError reports a DSN that is not a URL or lacks a scheme or host.
type MalformedError struct {
	DSN string
	// Err is the underlying URL parse error, if any.
	Err error
}

// Error implements the error interface.
func (e *MalformedError) Error() string {
	return fmt.Sprintf("dsn: malformed DSN: %q", e.DSN)
}

// Unwrap returns the underlying parse error.
func (e *MalformedError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrMalformed.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

// SchemeError reports a syntactically valid scheme that names no transport.
type SchemeError struct {
	Scheme string
}

// Error implements the error interface.
func (e *SchemeError) Error() string {
	allowed := make([]string, len(schemes))
	for i, s := range schemes {
		allowed[i] = fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("dsn: invalid scheme: %q. Allowed values: %s", e.Scheme, strings.Join(allowed, ", "))
}

// Is reports whether target is ErrInvalidScheme.
func (e *SchemeError) Is(target error) bool {
	return target == ErrInvalidScheme
}
