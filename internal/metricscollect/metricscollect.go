// Package metricscollect is C12: it parses upstream (possibly streamed)
// responses for token usage and model name, tolerating partial/ill-formed
// JSON without ever blocking the forwarding of bytes to the client
// (spec §4.6).
package metricscollect

import (
	"github.com/tidwall/gjson"
)

// Usage is the set of fields the collector derives from an upstream
// response (spec §4.6).
type Usage struct {
	Model               string
	TokensPrompt        int64
	TokensCompletion    int64
	TokensTotal         int64
	CacheCreateTokens   int64
	CacheReadTokens     int64
	StreamTruncated     bool
}

// modelPaths are tried in priority order against a non-streaming JSON body
// (spec §4.6).
var modelPaths = []string{
	"model",
	"modelName",
	"response.model",
	"choices.0.model",
	"candidates.0.model",
	"data.0.model",
}

// ParseNonStreaming extracts Usage from a complete, non-streaming JSON
// response body (spec §4.6 "Non-streaming JSON").
func ParseNonStreaming(body []byte) Usage {
	var u Usage
	parsed := gjson.ParseBytes(body)
	u.Model = firstMatch(parsed, modelPaths)
	applyUsageObject(&u, parsed)
	return u
}

func firstMatch(root gjson.Result, paths []string) string {
	for _, p := range paths {
		if v := root.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// applyUsageObject tries OpenAI, Anthropic, and Gemini usage shapes in
// turn; only one will ever be present on a given response (spec §4.6).
func applyUsageObject(u *Usage, root gjson.Result) {
	if usage := root.Get("usage"); usage.Exists() {
		// OpenAI shape.
		if v := usage.Get("prompt_tokens"); v.Exists() {
			u.TokensPrompt = v.Int()
			u.TokensCompletion = usage.Get("completion_tokens").Int()
			u.TokensTotal = usage.Get("total_tokens").Int()
			return
		}
		// Anthropic shape.
		if v := usage.Get("input_tokens"); v.Exists() {
			u.TokensPrompt = v.Int()
			u.TokensCompletion = usage.Get("output_tokens").Int()
			u.CacheCreateTokens = usage.Get("cache_creation_input_tokens").Int()
			u.CacheReadTokens = usage.Get("cache_read_input_tokens").Int()
			u.TokensTotal = u.TokensPrompt + u.TokensCompletion
			return
		}
	}
	// Gemini shape.
	if usage := root.Get("usageMetadata"); usage.Exists() {
		u.TokensPrompt = usage.Get("promptTokenCount").Int()
		u.TokensCompletion = usage.Get("candidatesTokenCount").Int()
		u.TokensTotal = u.TokensPrompt + u.TokensCompletion
	}
}
