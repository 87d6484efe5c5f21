// Package errors holds the typed errors shared across shieldmesh components.
package errors

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RecordError is a failure to merge one pushed record. It is collected into a sync
// result instead of aborting the synchronization pass.
type RecordError struct {
	Family   string
	RecordID string
	Err      error
}

// Error returns a human-readable error message.
func (e *RecordError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("%s/%s: %v", e.Family, e.RecordID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Family, e.Err)
}

// Unwrap returns the underlying error.
func (e *RecordError) Unwrap() error {
	return e.Err
}

// NewRecordError creates a new RecordError.
func NewRecordError(family, recordID string, err error) *RecordError {
	return &RecordError{
		Family:   family,
		RecordID: recordID,
		Err:      err,
	}
}

type timeout interface {
	Timeout() bool
}

// IsTimeout reports whether err is a timeout error. It checks for
// context.DeadlineExceeded, errors exposing Timeout() (net.Error), and gRPC
// DeadlineExceeded status codes.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var te timeout
	if errors.As(err, &te) && te.Timeout() {
		return true
	}

	if s, ok := status.FromError(err); ok {
		return s.Code() == codes.DeadlineExceeded
	}

	return false
}

// Kind classifies err for metrics labels: "timeout", "canceled" or "error"
func Kind(err error) string {
	switch {
	case IsTimeout(err):
		return "timeout"
	case errors.Is(err, context.Canceled), status.Code(err) == codes.Canceled:
		return "canceled"
	default:
		return "error"
	}
}
