package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	key := NewCapabilityKey(ModalityText, OpEmbed)
	cause := errors.New("weights file missing")
	err := NewLoadError(key, cause)

	if got := err.Error(); got != "[BACKEND_LOAD] backend failed to load: weights file missing" {
		t.Fatalf("unexpected error string: %q", got)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the cause")
	}
	if err.Capability != key {
		t.Fatalf("expected capability %s, got %s", key, err.Capability)
	}
}

func TestErrorCodeHelpers(t *testing.T) {
	key := NewCapabilityKey(ModalityAudio, OpTranscribe)
	err := NewTimeoutError(key)

	if !IsErrorCode(err, ErrBackendTimeout) {
		t.Fatal("expected timeout code")
	}
	if IsErrorCode(err, ErrBackendLoad) {
		t.Fatal("unexpected load code match")
	}
	if !IsRetryable(err) {
		t.Fatal("timeouts should be retryable")
	}
	if IsRetryable(NewCancelledError(key)) {
		t.Fatal("cancellations should not be retryable")
	}

	wrapped := fmt.Errorf("dispatch: %w", err)
	if !IsErrorCode(wrapped, ErrBackendTimeout) {
		t.Fatal("expected code match through wrapping")
	}
}

func TestAsError(t *testing.T) {
	plain := errors.New("boom")
	e := AsError(plain)
	if e.Code != ErrInternal {
		t.Fatalf("expected INTERNAL_ERROR, got %s", e.Code)
	}
	if AsError(nil) != nil {
		t.Fatal("AsError(nil) should be nil")
	}

	typed := NewInvocationError(NewCapabilityKey(ModalityImage, OpCaption), plain)
	if AsError(typed) != typed {
		t.Fatal("AsError should return the typed error unchanged")
	}
}
