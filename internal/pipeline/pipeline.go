// Package pipeline is C11, the request pipeline: the single linear
// sequence of steps that turns an inbound proxied request into an
// authenticated, rate-limited, credentialed call to an upstream AI
// provider, with usage metrics and a trace row captured along the way
// (spec §4.1).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wisbric/aiproxy/internal/credential"
	"github.com/wisbric/aiproxy/internal/httpserver"
	"github.com/wisbric/aiproxy/internal/keypool"
	"github.com/wisbric/aiproxy/internal/metricscollect"
	"github.com/wisbric/aiproxy/internal/pricing"
	"github.com/wisbric/aiproxy/internal/providerreg"
	"github.com/wisbric/aiproxy/internal/ratelimit"
	"github.com/wisbric/aiproxy/internal/store"
	"github.com/wisbric/aiproxy/internal/svcauth"
	"github.com/wisbric/aiproxy/internal/trace"
	"github.com/wisbric/aiproxy/pkg/apierr"
)

// defaultTimeout applies when neither the service API row nor the
// provider type specify one (spec §4.1 step 5).
const defaultTimeout = 30 * time.Second

// PublicPaths never reach this pipeline's authentication step; they are
// mounted directly on the httpserver.Server router instead (spec §4.1
// step 1, §6.3).
var PublicPaths = map[string]bool{
	"/health":      true,
	"/metrics":     true,
	"/api/health":  true,
	"/api/version": true,
}

// hopByHopHeaders are stripped from the inbound request before forwarding
// (spec §4.1 step 8).
var hopByHopHeaders = []string{
	"Authorization",
	"X-Goog-Api-Key",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"Via",
	"X-Real-Ip",
	"Cf-Connecting-Ip",
	"X-Client-Ip",
}

// redactedResponseHeaders are stripped from the upstream response before
// it reaches the client (spec §4.1 step 10).
var redactedResponseHeaders = []string{
	"Server",
	"X-Powered-By",
	"X-Ratelimit-Limit-Requests",
	"X-Ratelimit-Limit-Tokens",
	"X-Ratelimit-Remaining-Requests",
	"X-Ratelimit-Remaining-Tokens",
	"Anthropic-Ratelimit-Requests-Limit",
	"Anthropic-Ratelimit-Tokens-Limit",
}

// keyStore is the subset of *store.Store the pipeline's post-response
// health classifier depends on (spec §4.2 "Health mutations").
type keyStore interface {
	TouchLastUsed(ctx context.Context, id uuid.UUID) error
	SetHealthStatus(ctx context.Context, id uuid.UUID, status store.HealthStatus, resetsAt *time.Time) error
}

// Pipeline bundles every component C11 orchestrates.
type Pipeline struct {
	auth      *svcauth.Service
	limiter   *ratelimit.Limiter
	registry  *providerreg.Registry
	keys      *keypool.Scheduler
	creds     *credential.Resolver
	tracer    *trace.Manager
	transport *TransportPool
	keyStore  keyStore
	logger    *slog.Logger
}

// New builds a Pipeline.
func New(
	auth *svcauth.Service,
	limiter *ratelimit.Limiter,
	registry *providerreg.Registry,
	keys *keypool.Scheduler,
	creds *credential.Resolver,
	tracer *trace.Manager,
	transport *TransportPool,
	keyStore keyStore,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		auth: auth, limiter: limiter, registry: registry, keys: keys, creds: creds,
		tracer: tracer, transport: transport, keyStore: keyStore, logger: logger,
	}
}

// ServeHTTP implements C11 end to end.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := uuid.New()
	if id, err := uuid.Parse(httpserver.RequestIDFromContext(ctx)); err == nil {
		requestID = id
	}

	rawKey, hasKey := extractServiceKey(r)
	if !hasKey {
		apierr.Respond(w, requestID.String(), apierr.New(apierr.KindMissingCredentials, "no service key presented"))
		return
	}

	api, err := p.auth.Authenticate(ctx, rawKey)
	if err != nil {
		apierr.Respond(w, requestID.String(), err)
		return
	}

	traceRow := &store.TraceRow{
		ID:               uuid.New(),
		RequestID:        requestID,
		UserServiceApiID: api.ID,
		UserID:           &api.UserID,
		Method:           r.Method,
		Path:             r.URL.Path,
	}
	if ip := clientIP(r); ip != "" {
		traceRow.ClientIP = &ip
	}
	if ua := r.UserAgent(); ua != "" {
		traceRow.UserAgent = &ua
	}
	startTime := time.Now()
	p.tracer.Start(ctx, traceRow)

	finalize := func(statusCode int, usage metricscollect.Usage, cost decimal.Decimal, costKnown bool, errType, errMsg string) {
		p.tracer.Finalize(ctx, trace.FinalizeInput{
			TraceID:           traceRow.ID,
			ServiceAPIID:      api.ID,
			StartTime:         startTime,
			StatusCode:        statusCode,
			TokensPrompt:      usage.TokensPrompt,
			TokensCompletion:  usage.TokensCompletion,
			TokensTotal:       usage.TokensTotal,
			CacheCreateTokens: usage.CacheCreateTokens,
			CacheReadTokens:   usage.CacheReadTokens,
			Cost:              cost,
			CostKnown:         costKnown,
			ModelUsed:         usage.Model,
			ErrorType:         errType,
			ErrorMessage:      errMsg,
		})
	}

	if err := p.limiter.PreCheck(ctx, api.UserID, api.ID, r.URL.Path,
		int64(api.MaxRequestPerMin), int64(api.MaxRequestsPerDay), int64(api.MaxTokensPerDay), api.MaxCostPerDayMicros); err != nil {
		apierr.Respond(w, requestID.String(), err)
		finalize(apierr.StatusOf(err), metricscollect.Usage{}, decimal.Zero, false, string(apierr.KindOf(err)), err.Error())
		return
	}

	descriptor, err := p.resolveProvider(ctx, r.URL.Path, api)
	if err != nil {
		apierr.Respond(w, requestID.String(), err)
		finalize(apierr.StatusOf(err), metricscollect.Usage{}, decimal.Zero, false, string(apierr.KindOf(err)), err.Error())
		return
	}

	timeout := resolveTimeout(api, descriptor)

	key, err := p.keys.Select(ctx, api)
	if err != nil {
		apierr.Respond(w, requestID.String(), err)
		finalize(apierr.StatusOf(err), metricscollect.Usage{}, decimal.Zero, false, string(apierr.KindOf(err)), err.Error())
		return
	}
	p.tracer.RecordProviderKey(ctx, traceRow.ID, key.ID)

	var fallbackKey string
	if key.FallbackAPIKey != nil {
		fallbackKey = *key.FallbackAPIKey
	}
	resolution, err := p.creds.Resolve(ctx, key, fallbackKey)
	if err != nil {
		apierr.Respond(w, requestID.String(), err)
		finalize(apierr.StatusOf(err), metricscollect.Usage{}, decimal.Zero, false, string(apierr.KindOf(err)), err.Error())
		return
	}

	upstreamCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	upstreamReq, err := p.buildUpstreamRequest(upstreamCtx, r, descriptor, resolution.Token)
	if err != nil {
		ie := apierr.Wrap(apierr.KindInternal, err, "building upstream request")
		apierr.Respond(w, requestID.String(), ie)
		finalize(ie.Status(), metricscollect.Usage{}, decimal.Zero, false, string(ie.Kind), ie.Error())
		return
	}

	client := p.transport.ClientFor(upstreamReq.URL.Host, timeout)
	resp, ferr := client.Do(upstreamReq)
	if ferr != nil {
		classified := classifyForwardError(ferr)
		apierr.Respond(w, requestID.String(), classified)
		finalize(classified.Status(), metricscollect.Usage{}, decimal.Zero, false, string(classified.Kind), classified.Error())
		p.classifyKeyHealth(ctx, key.ID, 0, nil)
		return
	}
	defer resp.Body.Close()

	p.keyStore.TouchLastUsed(ctx, key.ID)
	p.classifyKeyHealth(ctx, key.ID, resp.StatusCode, resp.Header)

	usage, truncated := streamResponse(ctx, w, resp)
	if usage.Model != "" {
		p.tracer.RecordModel(ctx, traceRow.ID, usage.Model)
	}

	cost, currency, costKnown := pricing.Cost(usage.Model, pricing.Usage{
		TokensPrompt:      usage.TokensPrompt,
		TokensCompletion:  usage.TokensCompletion,
		CacheCreateTokens: usage.CacheCreateTokens,
		CacheReadTokens:   usage.CacheReadTokens,
	})
	_ = currency

	errType, errMsg := "", ""
	if truncated {
		if ctx.Err() != nil {
			errType = string(apierr.KindClientDisconnect)
			errMsg = "client disconnected before the upstream stream completed"
		} else {
			errType = string(apierr.KindUpstreamClosed)
			errMsg = "upstream closed the connection before the response completed"
		}
	}
	finalize(resp.StatusCode, usage, cost, costKnown, errType, errMsg)
}

// resolveProvider implements spec §4.1 step 4: derive the provider from
// the first path segment, falling back to the service API's configured
// provider_type_id.
func (p *Pipeline) resolveProvider(ctx context.Context, path string, api *store.UserServiceApi) (*providerreg.Descriptor, error) {
	segment := firstPathSegment(path)
	name, err := providerreg.ParseName(segment)
	if err == nil {
		if d, derr := p.registry.ResolveByName(ctx, name); derr == nil {
			return d, nil
		}
	}
	return p.registry.ResolveByID(ctx, api.ProviderTypeID)
}

func firstPathSegment(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}

// resolveTimeout implements spec §4.1 step 5's priority order.
func resolveTimeout(api *store.UserServiceApi, descriptor *providerreg.Descriptor) time.Duration {
	if api.TimeoutSeconds > 0 {
		return time.Duration(api.TimeoutSeconds) * time.Second
	}
	if descriptor.TimeoutSeconds > 0 {
		return time.Duration(descriptor.TimeoutSeconds) * time.Second
	}
	return defaultTimeout
}

// buildUpstreamRequest implements spec §4.1 step 8.
func (p *Pipeline) buildUpstreamRequest(ctx context.Context, r *http.Request, descriptor *providerreg.Descriptor, token string) (*http.Request, error) {
	upstreamPath := strings.TrimPrefix(r.URL.Path, "/"+descriptor.Name)
	if upstreamPath == "" {
		upstreamPath = "/"
	}

	base, err := url.Parse(descriptor.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing provider base url %q: %w", descriptor.BaseURL, err)
	}
	target := *base
	target.Path = strings.TrimSuffix(base.Path, "/") + upstreamPath
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	for _, h := range hopByHopHeaders {
		req.Header.Del(h)
	}

	installAuth(req.Header, descriptor, token)

	if isGoogleLike(descriptor.Name) {
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Accept-Encoding", "gzip, deflate")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "aiproxy/1.0")
	}
	req.Host = target.Host

	return req, nil
}

func installAuth(h http.Header, descriptor *providerreg.Descriptor, token string) {
	if isGoogleLike(descriptor.Name) {
		h.Set("X-Goog-Api-Key", token)
		return
	}
	template := descriptor.AuthHeaderTemplate
	if template == "" {
		template = "Bearer {key}"
	}
	h.Set("Authorization", strings.ReplaceAll(template, "{key}", token))
}

func isGoogleLike(providerName string) bool {
	n := strings.ToLower(providerName)
	return strings.Contains(n, "google") || strings.Contains(n, "gemini")
}

// classifyForwardError maps a transport-level Do() failure to the typed
// kinds spec §4.1 distinguishes at step 9.
func classifyForwardError(err error) *apierr.Error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "context deadline exceeded"), strings.Contains(msg, "Client.Timeout"):
		return apierr.Wrap(apierr.KindUpstreamTimeout, err, "upstream request timed out")
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"), strings.Contains(msg, "dial"):
		return apierr.Wrap(apierr.KindUpstreamConnect, err, "failed to connect to upstream")
	case strings.Contains(msg, "EOF"), strings.Contains(msg, "connection reset"):
		return apierr.Wrap(apierr.KindUpstreamClosed, err, "upstream closed the connection")
	default:
		return apierr.Wrap(apierr.KindUpstreamConnect, err, "upstream request failed")
	}
}

// classifyKeyHealth implements the post-response half of spec §4.2's
// health mutation contract: 429 sets RateLimited with a parsed
// Retry-After, and the first 5xx/401/403 response escalates to Unhealthy
// (no count of earlier failures is kept).
func (p *Pipeline) classifyKeyHealth(ctx context.Context, keyID uuid.UUID, status int, headers http.Header) {
	switch {
	case status == http.StatusTooManyRequests:
		resetAt := parseRetryAfter(headers)
		if err := p.keyStore.SetHealthStatus(ctx, keyID, store.HealthRateLimited, resetAt); err != nil {
			p.logger.Warn("pipeline: failed to mark key rate limited", "key_id", keyID, "error", err)
		}
	case status >= 500 || status == http.StatusUnauthorized || status == http.StatusForbidden:
		if err := p.keyStore.SetHealthStatus(ctx, keyID, store.HealthUnhealthy, nil); err != nil {
			p.logger.Warn("pipeline: failed to mark key unhealthy", "key_id", keyID, "error", err)
		}
	}
}

func parseRetryAfter(headers http.Header) *time.Time {
	if headers == nil {
		return nil
	}
	raw := headers.Get("Retry-After")
	if raw == "" {
		return nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		t := time.Now().Add(time.Duration(secs) * time.Second)
		return &t
	}
	if t, err := http.ParseTime(raw); err == nil {
		return &t
	}
	return nil
}

// extractServiceKey implements spec §4.1 step 1's four lookup locations.
func extractServiceKey(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), true
	}
	if k := r.Header.Get("X-Api-Key"); k != "" {
		return k, true
	}
	if k := r.Header.Get("Api-Key"); k != "" {
		return k, true
	}
	if k := r.URL.Query().Get("api_key"); k != "" {
		return k, true
	}
	return "", false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
