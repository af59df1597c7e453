// Package trace is C13/C14, the trace manager and immediate tracer: it
// writes one row at request start, patches it at provider/model
// resolution, and completes it exactly once at finalize, coordinating the
// rate limiter's daily counters afterward (spec §4.7).
package trace

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wisbric/aiproxy/internal/ratelimit"
	"github.com/wisbric/aiproxy/internal/store"
)

// Level is a sampling tier (spec §4.7).
type Level string

const (
	LevelBasic    Level = "Basic"
	LevelDetailed Level = "Detailed"
	LevelFull     Level = "Full"
)

// SamplingRates holds the independent per-level sampling probabilities
// (spec §6.4 trace.basic_sampling_rate / detailed / full).
type SamplingRates struct {
	Basic    float64
	Detailed float64
	Full     float64
}

// Store is the subset of *store.Store this package depends on.
type Store interface {
	InsertTraceRowStart(ctx context.Context, t *store.TraceRow) error
	UpdateTraceRowProviderKey(ctx context.Context, id uuid.UUID, providerKeyID uuid.UUID) error
	UpdateTraceRowModel(ctx context.Context, id uuid.UUID, model string) error
	FinalizeTraceRow(ctx context.Context, t *store.TraceRow) error
	SweepOrphanedTraceRows(ctx context.Context, grace time.Duration) (int64, error)
}

// Manager implements C13 over the C14 store-backed tracer.
type Manager struct {
	store     Store
	ratelimit *ratelimit.Limiter
	rates     SamplingRates
	logger    *slog.Logger
}

// New builds a Manager.
func New(st Store, limiter *ratelimit.Limiter, rates SamplingRates, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	// spec §4.7: "Basic is always at least 1.0".
	rates.Basic = 1.0
	return &Manager{store: st, ratelimit: limiter, rates: rates, logger: logger}
}

// SampleLevel makes the sampling decision deterministically from
// requestID, so sampled traces are reproducible across components
// (spec §4.7).
func SampleLevel(requestID uuid.UUID, rates SamplingRates) Level {
	r := deterministicFraction(requestID)
	if r < rates.Full {
		return LevelFull
	}
	if r < rates.Detailed {
		return LevelDetailed
	}
	return LevelBasic
}

// deterministicFraction maps a uuid to a stable value in [0, 1].
func deterministicFraction(id uuid.UUID) float64 {
	sum := sha256.Sum256(id[:])
	v := binary.BigEndian.Uint64(sum[:8])
	return float64(v) / float64(^uint64(0))
}

// Start inserts the trace row at pipeline entry (spec §4.7: "Failure to
// insert does not fail the request (a warning is logged)").
func (m *Manager) Start(ctx context.Context, t *store.TraceRow) {
	t.SampleLevel = string(SampleLevel(t.RequestID, m.rates))
	t.StartTime = time.Now()
	if err := m.store.InsertTraceRowStart(ctx, t); err != nil {
		m.logger.Warn("trace: failed to insert start row", "request_id", t.RequestID, "error", err)
	}
}

// RecordProviderKey patches the row once the key-pool scheduler has chosen
// a key (spec §4.7).
func (m *Manager) RecordProviderKey(ctx context.Context, id uuid.UUID, providerKeyID uuid.UUID) {
	if err := m.store.UpdateTraceRowProviderKey(ctx, id, providerKeyID); err != nil {
		m.logger.Warn("trace: failed to record provider key", "trace_id", id, "error", err)
	}
}

// RecordModel patches the row once the model is known (spec §4.7).
func (m *Manager) RecordModel(ctx context.Context, id uuid.UUID, model string) {
	if model == "" {
		return
	}
	if err := m.store.UpdateTraceRowModel(ctx, id, model); err != nil {
		m.logger.Warn("trace: failed to record model", "trace_id", id, "error", err)
	}
}

// FinalizeInput carries everything Finalize needs to complete a row and
// update rate-limit counters.
type FinalizeInput struct {
	TraceID           uuid.UUID
	ServiceAPIID      uuid.UUID
	StartTime         time.Time
	StatusCode        int
	TokensPrompt      int64
	TokensCompletion  int64
	TokensTotal       int64
	CacheCreateTokens int64
	CacheReadTokens   int64
	Cost              decimal.Decimal
	CostKnown         bool
	ModelUsed         string
	ErrorType         string
	ErrorMessage      string
	Warnings          []string
}

// Finalize writes the terminal fields exactly once and then increments the
// daily rate-limit counters; increment failures are logged and swallowed
// because the authoritative row already exists (spec §4.7).
func (m *Manager) Finalize(ctx context.Context, in FinalizeInput) {
	now := time.Now()
	isSuccess := in.StatusCode >= 200 && in.StatusCode < 400

	var durationMs int64
	if !in.StartTime.IsZero() {
		durationMs = now.Sub(in.StartTime).Milliseconds()
	}

	row := &store.TraceRow{
		ID:                in.TraceID,
		StatusCode:        &in.StatusCode,
		IsSuccess:         isSuccess,
		EndTime:           &now,
		DurationMs:        &durationMs,
		TokensPrompt:      &in.TokensPrompt,
		TokensCompletion:  &in.TokensCompletion,
		TokensTotal:       &in.TokensTotal,
		CacheCreateTokens: &in.CacheCreateTokens,
		CacheReadTokens:   &in.CacheReadTokens,
		ModelUsed:         &in.ModelUsed,
		Warnings:          in.Warnings,
	}
	if in.CostKnown {
		micros := in.Cost.Mul(decimal.NewFromInt(ratelimit.CostScale)).IntPart()
		currency := "USD"
		row.CostMicros = &micros
		row.CostCurrency = &currency
	}
	if in.ErrorType != "" {
		row.ErrorType = &in.ErrorType
		row.ErrorMessage = &in.ErrorMessage
	}

	if err := m.store.FinalizeTraceRow(ctx, row); err != nil {
		m.logger.Error("trace: failed to finalize row", "trace_id", in.TraceID, "error", err)
	}

	if m.ratelimit != nil && isSuccess {
		cost := in.Cost
		if !in.CostKnown {
			cost = decimal.Zero
		}
		if err := m.ratelimit.RecordUsage(ctx, in.ServiceAPIID, in.TokensTotal, cost); err != nil {
			m.logger.Warn("trace: failed to record daily usage counters", "service_api_id", in.ServiceAPIID, "error", err)
		}
	}
}

// SweepOrphans marks rows whose end_time was never set, past horizon, as
// failed with error_type "orphaned" (default 24h per spec §4.7).
func (m *Manager) SweepOrphans(ctx context.Context, horizon time.Duration) {
	n, err := m.store.SweepOrphanedTraceRows(ctx, horizon)
	if err != nil {
		m.logger.Error("trace: orphan sweep failed", "error", err)
		return
	}
	if n > 0 {
		m.logger.Info("trace: swept orphaned trace rows", "count", n)
	}
}
