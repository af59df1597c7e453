package metricscollect

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// maxLineBuffer bounds the line scanner's internal buffer so a malformed or
// adversarial upstream cannot grow memory unboundedly while we wait for a
// newline (spec §4.6: "never block the forwarding of bytes to the client").
const maxLineBuffer = 1 << 20 // 1 MiB

// StreamCollector incrementally reconstructs Usage from an SSE/chunked
// response as its bytes are forwarded to the client (spec §4.6
// "Streaming (SSE / chunked)").
type StreamCollector struct {
	usage     Usage
	sawUsage  bool
	sawAnyEvent bool
}

// NewStreamCollector creates an empty collector.
func NewStreamCollector() *StreamCollector {
	return &StreamCollector{}
}

// FeedReader scans r line by line and folds any `data: {json}` events it
// contains into the running Usage.
func (c *StreamCollector) FeedReader(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBuffer)

	for scanner.Scan() {
		line := scanner.Bytes()
		c.feedLine(line)
	}
}

// FeedLine folds a single already-split line into the running Usage; the
// pipeline calls this per line as it forwards an SSE/chunked body so
// parsing never lags behind the bytes reaching the client.
func (c *StreamCollector) FeedLine(line []byte) {
	c.feedLine(line)
}

func (c *StreamCollector) feedLine(line []byte) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return
	}
	const prefix = "data:"
	idx := bytes.Index(trimmed, []byte(prefix))
	if idx != 0 {
		return
	}
	payload := bytes.TrimSpace(trimmed[len(prefix):])
	if len(payload) == 0 {
		return
	}
	if string(payload) == "[DONE]" {
		return
	}

	c.sawAnyEvent = true
	delta := ParseNonStreaming(payload)
	c.mergeDelta(delta)
}

// mergeDelta folds one event's parsed fields into the accumulated Usage.
// Usage totals are typically present only in the terminating event, so a
// later non-zero value always wins over an earlier zero one (spec §4.6).
func (c *StreamCollector) mergeDelta(delta Usage) {
	if delta.Model != "" {
		c.usage.Model = delta.Model
	}
	if delta.TokensTotal > 0 || delta.TokensPrompt > 0 || delta.TokensCompletion > 0 {
		c.usage = Usage{
			Model:             c.usage.Model,
			TokensPrompt:      delta.TokensPrompt,
			TokensCompletion:  delta.TokensCompletion,
			TokensTotal:       delta.TokensTotal,
			CacheCreateTokens: delta.CacheCreateTokens,
			CacheReadTokens:   delta.CacheReadTokens,
		}
		c.sawUsage = true
	}
}

// Finish returns the accumulated Usage. truncated indicates forwarding
// stopped before the upstream stream ended (an upstream read error or a
// client disconnect) (spec §4.6:
// "a StreamTruncated marker is attached to the trace").
func (c *StreamCollector) Finish(truncated bool) Usage {
	u := c.usage
	u.StreamTruncated = truncated && !c.sawUsage
	return u
}

// looksLikeSSE is a best-effort content-type sniff used by the pipeline to
// decide which collector mode to use (spec §4.6).
func looksLikeSSE(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/event-stream") ||
		strings.Contains(strings.ToLower(contentType), "application/x-ndjson")
}

// IsStreaming reports whether contentType indicates an SSE/chunked stream
// rather than a single JSON document, the decision the pipeline uses to
// pick a collector mode (spec §4.6).
func IsStreaming(contentType string) bool {
	return looksLikeSSE(contentType)
}
