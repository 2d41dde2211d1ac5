package farmer

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidArgument is the parent of every input validation failure.
var ErrInvalidArgument = errors.New("invalid argument")

// Sentinel errors. Input failures wrap ErrInvalidArgument so callers can match either.
var (
	ErrEmptyQuery     = fmt.Errorf("%w: empty query embedding", ErrInvalidArgument)
	ErrUnknownSection = fmt.Errorf("%w: unknown section", ErrInvalidArgument)
	ErrInvalidTopK    = fmt.Errorf("%w: top_k must be >= 1", ErrInvalidArgument)
	ErrZeroQuery      = fmt.Errorf("%w: zero-norm query embedding", ErrInvalidArgument)
	ErrNonFiniteQuery = fmt.Errorf("%w: query embedding has NaN or Inf", ErrInvalidArgument)

	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrDegenerateVector  = errors.New("zero-norm embedding")
	ErrStoreUnavailable  = errors.New("farmer store unavailable")
	ErrPartialScan       = errors.New("scan stopped before the collection was exhausted")
)

// ValidationError wraps a sentinel with the offending field.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// Error kinds name failures on the wire and in metrics.
const (
	KindInvalidArgument  = "invalid_argument"
	KindStoreUnavailable = "store_unavailable"
	KindPartialScan      = "partial_scan"
	KindTimeout          = "timeout"
	KindCanceled         = "canceled"
	KindInternal         = "internal"
)

// Kind classifies err. nil has kind "".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrPartialScan):
		return KindPartialScan
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	default:
		return KindInternal
	}
}

// FromKind rebuilds an error that matches the sentinel of kind, carrying msg.
func FromKind(kind, msg string) error {
	var sentinel error
	switch kind {
	case KindInvalidArgument:
		sentinel = ErrInvalidArgument
	case KindStoreUnavailable:
		sentinel = ErrStoreUnavailable
	case KindPartialScan:
		sentinel = ErrPartialScan
	case KindTimeout:
		sentinel = context.DeadlineExceeded
	case KindCanceled:
		sentinel = context.Canceled
	default:
		return errors.New(msg)
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}
