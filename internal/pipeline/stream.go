package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/wisbric/aiproxy/internal/metricscollect"
)

// maxStreamLineBuffer mirrors metricscollect's own bound so a single
// adversarial line can't grow memory unboundedly while it's forwarded.
const maxStreamLineBuffer = 1 << 20

// streamResponse writes resp's status and (redacted) headers to w and
// copies its body through, folding usage into a metricscollect.Usage as it
// goes. Streaming bodies are forwarded line by line with a flush on every
// blank line (the SSE event boundary); non-streaming bodies are read in
// full before being parsed and written (spec §4.1 step 10, §4.6).
func streamResponse(ctx context.Context, w http.ResponseWriter, resp *http.Response) (metricscollect.Usage, bool) {
	copyResponseHeaders(w.Header(), resp.Header)

	if metricscollect.IsStreaming(resp.Header.Get("Content-Type")) {
		return forwardStream(ctx, w, resp)
	}
	return forwardWhole(w, resp)
}

func copyResponseHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		if isRedactedHeader(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isRedactedHeader(name string) bool {
	for _, h := range redactedResponseHeaders {
		if http.CanonicalHeaderKey(name) == http.CanonicalHeaderKey(h) {
			return true
		}
	}
	return false
}

// forwardStream implements the SSE/chunked path: each line is written to
// the client as it arrives and then fed to the collector in the same loop;
// the collector skips ill-formed JSON rather than stopping the relay.
func forwardStream(ctx context.Context, w http.ResponseWriter, resp *http.Response) (metricscollect.Usage, bool) {
	flusher, canFlush := w.(http.Flusher)

	w.WriteHeader(resp.StatusCode)

	collector := metricscollect.NewStreamCollector()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBuffer)

	truncated := false
	for scanner.Scan() {
		if ctx.Err() != nil {
			truncated = true
			break
		}

		line := scanner.Bytes()
		fmt.Fprintf(w, "%s\n", line)
		collector.FeedLine(line)

		if len(line) == 0 && canFlush {
			flusher.Flush()
		}
	}
	if canFlush {
		flusher.Flush()
	}
	if !truncated && scanner.Err() != nil {
		truncated = true
	}

	return collector.Finish(truncated), truncated
}

// forwardWhole implements the non-streaming path: the full body is read,
// parsed once, then written to the client unmodified.
func forwardWhole(w http.ResponseWriter, resp *http.Response) (metricscollect.Usage, bool) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		w.WriteHeader(resp.StatusCode)
		return metricscollect.Usage{}, true
	}

	w.WriteHeader(resp.StatusCode)
	w.Write(body)

	return metricscollect.ParseNonStreaming(body), false
}
