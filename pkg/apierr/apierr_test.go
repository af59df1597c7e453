package apierr

import (
	"errors"
	"net/http"
	"testing"
)

func TestNewFormatsMessage(t *testing.T) {
	err := New(KindInvalidProviderName, "invalid provider name %q", "bogus")
	if err.Message != `invalid provider name "bogus"` {
		t.Fatalf("unexpected message: %q", err.Message)
	}
	if err.Status() != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", err.Status())
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindUpstreamConnect, cause, "dial %s failed", "example.com")
	if !errors.Is(err, cause) {
		t.Fatal("expected Wrap to preserve the cause via Unwrap")
	}
	if err.Status() != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", err.Status())
	}
}

func TestKindOfAndStatusOfDefaultToInternal(t *testing.T) {
	plain := errors.New("unclassified")
	if KindOf(plain) != KindInternal {
		t.Fatalf("expected KindInternal for a plain error, got %v", KindOf(plain))
	}
	if StatusOf(plain) != http.StatusInternalServerError {
		t.Fatalf("expected 500 for a plain error, got %d", StatusOf(plain))
	}
}
