package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type netTimeout struct{}

func (netTimeout) Error() string { return "i/o timeout" }
func (netTimeout) Timeout() bool { return true }

func TestRecordError_Message(t *testing.T) {
	err := NewRecordError("resources", "R1", fmt.Errorf("duplicate key"))
	if got, want := err.Error(), "resources/R1: duplicate key"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}

	err = NewRecordError("alerts", "", fmt.Errorf("record has no _id"))
	if got, want := err.Error(), "alerts: record has no _id"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestRecordError_Unwrap(t *testing.T) {
	sentinel := errors.New("sentinel")
	err := fmt.Errorf("wrap: %w", NewRecordError("knowledge", "K1", sentinel))

	if !errors.Is(err, sentinel) {
		t.Fatal("errors.Is did not reach the wrapped error")
	}
	var re *RecordError
	if !errors.As(err, &re) || re.RecordID != "K1" {
		t.Fatalf("errors.As = %v", re)
	}
}

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"DeadlineExceeded", context.DeadlineExceeded, true},
		{"wrapped DeadlineExceeded", fmt.Errorf("wrap: %w", context.DeadlineExceeded), true},
		{"record error around deadline", NewRecordError("resources", "R1", context.DeadlineExceeded), true},
		{"net timeout", netTimeout{}, true},
		{"gRPC DeadlineExceeded", status.Error(codes.DeadlineExceeded, "timeout"), true},
		{"gRPC Unavailable", status.Error(codes.Unavailable, "unavailable"), false},
		{"regular error", fmt.Errorf("some error"), false},
		{"context.Canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTimeout(tt.err); got != tt.want {
				t.Fatalf("IsTimeout(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{context.DeadlineExceeded, "timeout"},
		{context.Canceled, "canceled"},
		{status.Error(codes.Canceled, "gone"), "canceled"},
		{fmt.Errorf("boom"), "error"},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
