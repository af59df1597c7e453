package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertTraceRowStart writes the trace row the instant a request enters the
// pipeline, before the upstream call is made, so a crash mid-request still
// leaves a durable record (spec §4.7 immediate tracer / C14).
func (s *Store) InsertTraceRowStart(ctx context.Context, t *TraceRow) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO trace_rows
			(id, request_id, user_service_api_id, user_provider_key_id, user_id,
			 method, path, is_success, start_time, client_ip, user_agent,
			 sample_level, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8, $9, $10, $11, now())`,
		t.ID, t.RequestID, t.UserServiceApiID, t.UserProviderKeyID, t.UserID,
		t.Method, t.Path, t.StartTime, t.ClientIP, t.UserAgent, t.SampleLevel)
	if err != nil {
		return fmt.Errorf("inserting trace row start: %w", err)
	}
	return nil
}

// UpdateTraceRowProviderKey records which key the key-pool scheduler picked,
// written as soon as selection completes so the row is attributable even if
// the upstream call subsequently fails before a full finalize (spec §4.7).
func (s *Store) UpdateTraceRowProviderKey(ctx context.Context, id uuid.UUID, providerKeyID uuid.UUID) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE trace_rows SET user_provider_key_id = $2 WHERE id = $1`, id, providerKeyID)
	return err
}

// UpdateTraceRowModel records the model name once the metrics collector has
// resolved it from the request or response body (spec §4.7/C12).
func (s *Store) UpdateTraceRowModel(ctx context.Context, id uuid.UUID, model string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE trace_rows SET model_used = $2 WHERE id = $1`, id, model)
	return err
}

// FinalizeTraceRow writes the terminal fields of a trace row exactly once,
// at the end of the pipeline (spec §4.7 finalize step).
func (s *Store) FinalizeTraceRow(ctx context.Context, t *TraceRow) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE trace_rows
		SET status_code = $2, is_success = $3, end_time = $4, duration_ms = $5,
		    tokens_prompt = $6, tokens_completion = $7, tokens_total = $8,
		    cache_create_tokens = $9, cache_read_tokens = $10,
		    cost_micros = $11, cost_currency = $12, model_used = $13,
		    error_type = $14, error_message = $15, warnings = $16
		WHERE id = $1`,
		t.ID, t.StatusCode, t.IsSuccess, t.EndTime, t.DurationMs,
		t.TokensPrompt, t.TokensCompletion, t.TokensTotal,
		t.CacheCreateTokens, t.CacheReadTokens, t.CostMicros, t.CostCurrency, t.ModelUsed,
		t.ErrorType, t.ErrorMessage, t.Warnings)
	if err != nil {
		return fmt.Errorf("finalizing trace row %s: %w", t.ID, err)
	}
	return nil
}

// SweepOrphanedTraceRows marks rows whose end_time was never set (the
// process crashed, or finalize was never reached) as failed, past a grace
// period, so they stop looking like stuck in-flight requests (spec §4.7,
// the tracer's own crash-recovery sweep).
func (s *Store) SweepOrphanedTraceRows(ctx context.Context, grace time.Duration) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE trace_rows
		SET end_time = now(), is_success = false, error_type = 'orphaned',
		    error_message = 'request never completed; swept by crash recovery'
		WHERE end_time IS NULL AND start_time < $1`,
		time.Now().Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("sweeping orphaned trace rows: %w", err)
	}
	return tag.RowsAffected(), nil
}
