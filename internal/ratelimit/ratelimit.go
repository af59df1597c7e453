// Package ratelimit is C5, the distributed layered rate limiter: per-minute
// per-(user, endpoint) counters and per-day per-service-API request/token/
// cost counters, both backed by the cache provider (spec §4.3).
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wisbric/aiproxy/internal/cachekv"
	"github.com/wisbric/aiproxy/internal/store"
	"github.com/wisbric/aiproxy/pkg/apierr"
)

const minuteTTL = 60 * time.Second

// CostScale converts a decimal cost amount to integer micro-units so the
// cache's atomic Incr can operate on it (spec §4.3).
const CostScale = 1_000_000

// Check is the outcome of a single counter check (spec §4.3 contract).
type Check struct {
	Allowed bool
	Current int64
	Limit   int64
	TTL     time.Duration
}

// Store is the subset of *store.Store this package depends on for daily
// reconciliation (I5).
type Store interface {
	ReconcileDailyTotals(ctx context.Context, serviceAPIID uuid.UUID, day time.Time) (*store.DailyReconciledTotals, error)
}

// Limiter evaluates and enforces the two counter tiers (spec §4.3).
type Limiter struct {
	cache cachekv.Cache
	store Store
}

// New builds a Limiter over the given cache and store.
func New(cache cachekv.Cache, st Store) *Limiter {
	return &Limiter{cache: cache, store: st}
}

func sanitizeEndpoint(path string) string {
	path = strings.ToLower(strings.TrimSpace(path))
	var b strings.Builder
	for _, r := range path {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '/', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func dayKey(t time.Time) string {
	return t.UTC().Format("20060102")
}

func endOfDayTTL(t time.Time) time.Duration {
	now := t.UTC()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return end.Sub(now)
}

// incrCounter increments key by delta, setting ttl the moment the key is
// first created (value==delta signals a fresh key), matching the cache
// provider's "set TTL on first increment" contract (spec §4.3).
func (l *Limiter) incrCounter(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	current, err := l.cache.Incr(ctx, key, delta)
	if err != nil {
		return 0, err
	}
	if current == delta {
		_ = l.cache.Expire(ctx, key, ttl)
	}
	return current, nil
}

// CheckPerMinute evaluates and increments the per-(user, endpoint)
// per-minute counter (spec §4.3 tier 1).
func (l *Limiter) CheckPerMinute(ctx context.Context, userID uuid.UUID, path string, limit int64) (Check, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", userID, sanitizeEndpoint(path))
	current, err := l.incrCounter(ctx, key, 1, minuteTTL)
	if err != nil {
		return Check{}, fmt.Errorf("checking per-minute rate limit: %w", err)
	}
	return Check{Allowed: limit <= 0 || current <= limit, Current: current, Limit: limit, TTL: minuteTTL}, nil
}

// dailyCounterKind names the three independent per-day counters.
type dailyCounterKind string

const (
	dailyRequests dailyCounterKind = "request"
	dailyTokens   dailyCounterKind = "token"
	dailyCost     dailyCounterKind = "cost"
)

func dailyKey(kind dailyCounterKind, apiID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("%s:%s:%s", kind, apiID, dayKey(day))
}

// CheckRequestsPerDay evaluates (without incrementing) the per-day request
// counter against limit, used by the pipeline's pre-check (spec §4.3 / I5:
// "token and cost per-day checks use the most recent authoritative daily
// reconciliation plus the in-flight cache delta").
func (l *Limiter) CheckRequestsPerDay(ctx context.Context, apiID uuid.UUID, limit int64) (Check, error) {
	return l.peekDaily(ctx, dailyRequests, apiID, limit)
}

func (l *Limiter) CheckTokensPerDay(ctx context.Context, apiID uuid.UUID, limit int64) (Check, error) {
	return l.peekDaily(ctx, dailyTokens, apiID, limit)
}

func (l *Limiter) CheckCostPerDay(ctx context.Context, apiID uuid.UUID, limitMicros int64) (Check, error) {
	return l.peekDaily(ctx, dailyCost, apiID, limitMicros)
}

func (l *Limiter) peekDaily(ctx context.Context, kind dailyCounterKind, apiID uuid.UUID, limit int64) (Check, error) {
	key := dailyKey(kind, apiID, time.Now())
	raw, ok, err := l.cache.Get(ctx, key)
	if err != nil {
		return Check{}, fmt.Errorf("reading daily %s counter: %w", kind, err)
	}
	var current int64
	if ok {
		current = parseInt64(raw)
	}
	ttl, _ := l.cache.TTL(ctx, key)
	return Check{Allowed: limit <= 0 || current <= limit, Current: current, Limit: limit, TTL: ttl}, nil
}

// PreCheck runs the full pipeline pre-check (spec §4.1 step 3): per-minute
// per-user/endpoint, then per-day request/token/cost, returning the first
// violated kind as a typed apierr.
func (l *Limiter) PreCheck(ctx context.Context, userID, apiID uuid.UUID, path string, perMinuteLimit, requestsPerDay, tokensPerDay, costPerDayMicros int64) error {
	minuteCheck, err := l.CheckPerMinute(ctx, userID, path, perMinuteLimit)
	if err != nil {
		return err
	}
	if !minuteCheck.Allowed {
		return apierr.New(apierr.KindRateLimitedRequestsPerMin, "per-minute request limit exceeded (%d/%d)", minuteCheck.Current, minuteCheck.Limit)
	}

	reqCheck, err := l.CheckRequestsPerDay(ctx, apiID, requestsPerDay)
	if err != nil {
		return err
	}
	if !reqCheck.Allowed {
		return apierr.New(apierr.KindRateLimitedRequestsPerDay, "per-day request limit exceeded (%d/%d)", reqCheck.Current, reqCheck.Limit)
	}

	tokCheck, err := l.CheckTokensPerDay(ctx, apiID, tokensPerDay)
	if err != nil {
		return err
	}
	if !tokCheck.Allowed {
		return apierr.New(apierr.KindRateLimitedTokensPerDay, "per-day token limit exceeded (%d/%d)", tokCheck.Current, tokCheck.Limit)
	}

	costCheck, err := l.CheckCostPerDay(ctx, apiID, costPerDayMicros)
	if err != nil {
		return err
	}
	if !costCheck.Allowed {
		return apierr.New(apierr.KindRateLimitedCostPerDay, "per-day cost limit exceeded (%d/%d micros)", costCheck.Current, costCheck.Limit)
	}

	return nil
}

// RecordUsage increments the per-day counters after a request completes.
// Decrement on upstream failure is deliberately never performed (spec
// §4.3: "counting attempts is preferable to counting only successes").
func (l *Limiter) RecordUsage(ctx context.Context, apiID uuid.UUID, tokens int64, cost decimal.Decimal) error {
	now := time.Now()
	ttl := endOfDayTTL(now)

	if _, err := l.incrCounter(ctx, dailyKey(dailyRequests, apiID, now), 1, ttl); err != nil {
		return fmt.Errorf("incrementing daily request counter: %w", err)
	}
	if tokens > 0 {
		if _, err := l.incrCounter(ctx, dailyKey(dailyTokens, apiID, now), tokens, ttl); err != nil {
			return fmt.Errorf("incrementing daily token counter: %w", err)
		}
	}
	costMicros := cost.Mul(decimal.NewFromInt(CostScale)).IntPart()
	if costMicros > 0 {
		if _, err := l.incrCounter(ctx, dailyKey(dailyCost, apiID, now), costMicros, ttl); err != nil {
			return fmt.Errorf("incrementing daily cost counter: %w", err)
		}
	}
	return nil
}

// Reconcile replaces the cache's daily counters with the authoritative
// totals computed from trace rows (spec §4.3 reconciliation / I5: "the
// cache counter is then replaced, not merely adjusted, to bound drift").
func (l *Limiter) Reconcile(ctx context.Context, apiID uuid.UUID, day time.Time) error {
	totals, err := l.store.ReconcileDailyTotals(ctx, apiID, day)
	if err != nil {
		return fmt.Errorf("reconciling daily totals for %s: %w", apiID, err)
	}
	ttl := endOfDayTTL(day)

	if err := l.replaceCounter(ctx, dailyKey(dailyRequests, apiID, day), totals.Requests, ttl); err != nil {
		return err
	}
	if err := l.replaceCounter(ctx, dailyKey(dailyTokens, apiID, day), totals.Tokens, ttl); err != nil {
		return err
	}
	return l.replaceCounter(ctx, dailyKey(dailyCost, apiID, day), totals.CostMicros, ttl)
}

func (l *Limiter) replaceCounter(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := l.cache.Delete(ctx, key); err != nil {
		return err
	}
	if value == 0 {
		return nil
	}
	_, err := l.incrCounter(ctx, key, value, ttl)
	return err
}

func parseInt64(raw []byte) int64 {
	var v int64
	for _, c := range raw {
		if c < '0' || c > '9' {
			return v
		}
		v = v*10 + int64(c-'0')
	}
	return v
}
