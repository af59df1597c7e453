package pipeline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestForwardWholeParsesAndWritesBody(t *testing.T) {
	body := `{"model":"gpt-4o","usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}

	rec := httptest.NewRecorder()
	usage, truncated := forwardWhole(rec, resp)

	if truncated {
		t.Fatal("non-streaming forward should never report truncation")
	}
	if usage.Model != "gpt-4o" || usage.TokensTotal != 15 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
	if rec.Body.String() != body {
		t.Fatalf("body not forwarded unmodified: %q", rec.Body.String())
	}
}

func TestForwardStreamFeedsCollectorAndFlushes(t *testing.T) {
	sse := "data: {\"model\":\"claude-3-sonnet\"}\n\n" +
		"data: {\"usage\":{\"input_tokens\":3,\"output_tokens\":2}}\n\n" +
		"data: [DONE]\n\n"
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       io.NopCloser(strings.NewReader(sse)),
	}

	rec := httptest.NewRecorder()
	usage, truncated := forwardStream(context.Background(), rec, resp)

	if truncated {
		t.Fatal("complete stream should not be marked truncated")
	}
	if usage.Model != "claude-3-sonnet" {
		t.Errorf("expected model to be captured, got %q", usage.Model)
	}
	if usage.TokensPrompt != 3 || usage.TokensCompletion != 2 {
		t.Errorf("unexpected token counts: %+v", usage)
	}
	if !strings.Contains(rec.Body.String(), "[DONE]") {
		t.Error("expected raw SSE body to be forwarded unmodified, including [DONE]")
	}
}

func TestForwardStreamDetectsClientDisconnect(t *testing.T) {
	sse := "data: {\"model\":\"gpt-4o\"}\n\n"
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       io.NopCloser(strings.NewReader(sse)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	_, truncated := forwardStream(ctx, rec, resp)
	if !truncated {
		t.Fatal("expected truncation when the request context is already cancelled")
	}
}

func TestCopyResponseHeadersRedactsSensitiveNames(t *testing.T) {
	dst := http.Header{}
	src := http.Header{
		"Server":       []string{"nginx"},
		"Content-Type": []string{"application/json"},
	}
	copyResponseHeaders(dst, src)

	if dst.Get("Server") != "" {
		t.Error("expected Server header to be redacted")
	}
	if dst.Get("Content-Type") != "application/json" {
		t.Error("expected Content-Type to pass through")
	}
}
