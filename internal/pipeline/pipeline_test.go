package pipeline

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wisbric/aiproxy/internal/providerreg"
	"github.com/wisbric/aiproxy/internal/store"
)

func TestExtractServiceKeyLookupOrder(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/openai/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-from-bearer")
	key, ok := extractServiceKey(r)
	if !ok || key != "sk-from-bearer" {
		t.Fatalf("expected bearer key, got %q ok=%v", key, ok)
	}

	r = httptest.NewRequest(http.MethodGet, "/openai/v1/chat/completions", nil)
	r.Header.Set("X-Api-Key", "sk-from-header")
	key, ok = extractServiceKey(r)
	if !ok || key != "sk-from-header" {
		t.Fatalf("expected x-api-key, got %q ok=%v", key, ok)
	}

	r = httptest.NewRequest(http.MethodGet, "/openai/v1/chat/completions?api_key=sk-from-query", nil)
	key, ok = extractServiceKey(r)
	if !ok || key != "sk-from-query" {
		t.Fatalf("expected query key, got %q ok=%v", key, ok)
	}

	r = httptest.NewRequest(http.MethodGet, "/openai/v1/chat/completions", nil)
	if _, ok := extractServiceKey(r); ok {
		t.Fatal("expected no key found")
	}
}

func TestFirstPathSegment(t *testing.T) {
	cases := map[string]string{
		"/openai/v1/chat/completions": "openai",
		"/anthropic":                  "anthropic",
		"/":                           "",
	}
	for path, want := range cases {
		if got := firstPathSegment(path); got != want {
			t.Errorf("firstPathSegment(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestResolveTimeoutPriority(t *testing.T) {
	descriptor := &providerreg.Descriptor{TimeoutSeconds: 45}

	api := &store.UserServiceApi{TimeoutSeconds: 10}
	if got := resolveTimeout(api, descriptor); got != 10*time.Second {
		t.Errorf("api timeout should win, got %v", got)
	}

	api = &store.UserServiceApi{}
	if got := resolveTimeout(api, descriptor); got != 45*time.Second {
		t.Errorf("descriptor timeout should win when api unset, got %v", got)
	}

	if got := resolveTimeout(&store.UserServiceApi{}, &providerreg.Descriptor{}); got != defaultTimeout {
		t.Errorf("expected default timeout, got %v", got)
	}
}

func TestInstallAuthGoogleLikeUsesHeaderKey(t *testing.T) {
	h := http.Header{}
	installAuth(h, &providerreg.Descriptor{Name: "gemini"}, "secret-token")
	if h.Get("X-Goog-Api-Key") != "secret-token" {
		t.Fatalf("expected X-Goog-Api-Key to be set, got %q", h.Get("X-Goog-Api-Key"))
	}
	if h.Get("Authorization") != "" {
		t.Fatal("expected no Authorization header for a google-like provider")
	}
}

func TestInstallAuthGenericUsesTemplate(t *testing.T) {
	h := http.Header{}
	installAuth(h, &providerreg.Descriptor{Name: "openai", AuthHeaderTemplate: "Bearer {key}"}, "secret-token")
	if h.Get("Authorization") != "Bearer secret-token" {
		t.Fatalf("unexpected Authorization header: %q", h.Get("Authorization"))
	}
}

func TestClassifyForwardErrorKinds(t *testing.T) {
	cases := map[string]string{
		"context deadline exceeded":      "UpstreamTimeout",
		"dial tcp: connection refused":   "UpstreamConnect",
		"read: connection reset by peer": "UpstreamClosed",
		"something else went wrong":      "UpstreamConnect",
	}
	for msg, wantKind := range cases {
		err := classifyForwardError(sentinelErr(msg))
		if string(err.Kind) != wantKind {
			t.Errorf("classifyForwardError(%q).Kind = %s, want %s", msg, err.Kind, wantKind)
		}
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "30")
	resetAt := parseRetryAfter(h)
	if resetAt == nil {
		t.Fatal("expected a parsed reset time")
	}
	if d := time.Until(*resetAt); d < 29*time.Second || d > 31*time.Second {
		t.Errorf("unexpected retry-after delta: %v", d)
	}
}

func TestParseRetryAfterMissing(t *testing.T) {
	if got := parseRetryAfter(http.Header{}); got != nil {
		t.Errorf("expected nil for missing header, got %v", got)
	}
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }
