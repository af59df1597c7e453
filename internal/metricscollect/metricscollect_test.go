package metricscollect

import (
	"strings"
	"testing"
)

func TestParseNonStreamingOpenAI(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","choices":[{"message":{"content":"hi"}}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	u := ParseNonStreaming(body)
	if u.Model != "gpt-4o" || u.TokensPrompt != 10 || u.TokensCompletion != 5 || u.TokensTotal != 15 {
		t.Fatalf("unexpected usage: %+v", u)
	}
}

func TestParseNonStreamingAnthropic(t *testing.T) {
	body := []byte(`{"model":"claude-3-opus","usage":{"input_tokens":20,"output_tokens":8,"cache_creation_input_tokens":2,"cache_read_input_tokens":1}}`)
	u := ParseNonStreaming(body)
	if u.TokensPrompt != 20 || u.TokensCompletion != 8 || u.TokensTotal != 28 || u.CacheCreateTokens != 2 || u.CacheReadTokens != 1 {
		t.Fatalf("unexpected usage: %+v", u)
	}
}

func TestParseNonStreamingGemini(t *testing.T) {
	body := []byte(`{"candidates":[{"model":"gemini-pro"}],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":4}}`)
	u := ParseNonStreaming(body)
	if u.TokensPrompt != 12 || u.TokensCompletion != 4 || u.TokensTotal != 16 {
		t.Fatalf("unexpected usage: %+v", u)
	}
}

func TestParseNonStreamingIllFormedDoesNotPanic(t *testing.T) {
	u := ParseNonStreaming([]byte(`not json at all {{{`))
	if u.Model != "" || u.TokensTotal != 0 {
		t.Fatalf("expected zero-value usage for ill-formed body, got %+v", u)
	}
}

func TestStreamCollectorAccumulatesFinalEvent(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"model":"gpt-4o","choices":[{"delta":{"content":"hi"}}]}`,
		"",
		`data: {"choices":[{"delta":{"content":" there"}}]}`,
		"",
		`data: {"model":"gpt-4o","usage":{"prompt_tokens":10,"completion_tokens":3,"total_tokens":13}}`,
		"",
		`data: [DONE]`,
		"",
	}, "\n")

	c := NewStreamCollector()
	c.FeedReader(strings.NewReader(sse))
	u := c.Finish(false)

	if u.Model != "gpt-4o" || u.TokensTotal != 13 || u.StreamTruncated {
		t.Fatalf("unexpected streamed usage: %+v", u)
	}
}

func TestStreamCollectorMarksTruncatedOnEarlyClose(t *testing.T) {
	sse := `data: {"model":"gpt-4o"}` + "\n"
	c := NewStreamCollector()
	c.FeedReader(strings.NewReader(sse))
	u := c.Finish(true)

	if !u.StreamTruncated {
		t.Fatal("expected StreamTruncated when closed before a usage event was seen")
	}
}
