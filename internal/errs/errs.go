// Package errs defines the error taxonomy shared across the store.
//
// Sentinel errors classify caller mistakes that are rejected before any
// network call; typed errors carry backend context and support errors.As.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates a malformed namespace, key, or embedding
	// dimension. Rejected client-side, never sent to the backend.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates the requested item does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidQuery indicates a search carried no usable query signal for
	// the requested mode (no text, no vector, no embedder).
	ErrInvalidQuery = errors.New("invalid query: no usable query signal")
)

// SchemaError indicates an incompatible index mapping under the active alias,
// e.g. a vector dimensionality mismatch. Fatal: requires an operator-triggered
// migration, never retried automatically.
type SchemaError struct {
	Alias  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema incompatible under alias %q: %s", e.Alias, e.Reason)
}

// TransientError wraps a throttling or transient server failure from the
// backing engine after retries were exhausted.
type TransientError struct {
	StatusCode int
	Attempts   int
	cause      error
}

// NewTransient builds a TransientError; cause may be nil.
func NewTransient(status, attempts int, cause error) *TransientError {
	return &TransientError{StatusCode: status, Attempts: attempts, cause: cause}
}

func (e *TransientError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("backend transient failure (status %d after %d attempts): %v", e.StatusCode, e.Attempts, e.cause)
	}
	return fmt.Sprintf("backend transient failure (status %d after %d attempts)", e.StatusCode, e.Attempts)
}

func (e *TransientError) Unwrap() error { return e.cause }

// DimensionError indicates an embedding whose length does not match the
// store's configured dimensionality. It matches ErrValidation via errors.Is.
type DimensionError struct {
	Expected int
	Actual   int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionError) Is(target error) bool { return target == ErrValidation }

// IsRetryable reports whether an HTTP status from the backing engine should
// be retried with backoff. Only throttling and transient server errors
// qualify; everything else propagates immediately.
func IsRetryable(status int) bool {
	switch status {
	case 429, 502, 503, 504:
		return true
	}
	return false
}
