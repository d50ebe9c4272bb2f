package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrAborted, "table aborted").
		WithCause(root).
		WithKey("a;1;b;x;0:0").
		WithRetryable(false)

	if GetErrorCode(err) != ErrAborted {
		t.Fatalf("expected code %s, got %s", ErrAborted, GetErrorCode(err))
	}
	if IsRetryable(err) {
		t.Fatalf("expected not retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
	if !IsCode(err, ErrAborted) {
		t.Fatalf("expected IsCode match")
	}
}

func TestGetErrorCode_UnwrapsNestedErrors(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrDeadlineExceeded, "phase receive timed out")
	wrapped := fmt.Errorf("transfer failed: %w", inner)

	if GetErrorCode(wrapped) != ErrDeadlineExceeded {
		t.Fatalf("expected code through wrapping, got %s", GetErrorCode(wrapped))
	}
	if GetErrorCode(errors.New("plain")) != "" {
		t.Fatalf("expected empty code for plain error")
	}
	if GetErrorCode(nil) != "" {
		t.Fatalf("expected empty code for nil")
	}
}

func TestErrorf_FormatsMessage(t *testing.T) {
	t.Parallel()

	err := Errorf(ErrProtocolViolation, "slice %d has %d bytes, want %d", 3, 7, 8)
	if err.Code != ErrProtocolViolation {
		t.Fatalf("unexpected code %s", err.Code)
	}
	want := "[PROTOCOL_VIOLATION] slice 3 has 7 bytes, want 8"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}
