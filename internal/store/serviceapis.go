package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetActiveServiceAPIByKeyHash looks up a UserServiceApi by the SHA-256 hash
// of its service key, filtered by is_active=true (spec §4.1 step 2 / C4).
func (s *Store) GetActiveServiceAPIByKeyHash(ctx context.Context, keyHash string) (*UserServiceApi, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, user_id, provider_type_id, service_api_key, user_provider_keys_ids,
		       scheduling_strategy, retry_count, timeout_seconds, max_request_per_min,
		       max_requests_per_day, max_tokens_per_day, max_cost_per_day_micros,
		       expires_at, is_active
		FROM user_service_apis
		WHERE service_api_key_hash = $1 AND is_active = true`, keyHash)

	var api UserServiceApi
	if err := row.Scan(&api.ID, &api.UserID, &api.ProviderTypeID, &api.ServiceAPIKey,
		&api.UserProviderKeysIDs, &api.SchedulingStrategy, &api.RetryCount, &api.TimeoutSeconds,
		&api.MaxRequestPerMin, &api.MaxRequestsPerDay, &api.MaxTokensPerDay, &api.MaxCostPerDayMicros,
		&api.ExpiresAt, &api.IsActive); err != nil {
		return nil, fmt.Errorf("looking up service API: %w", err)
	}
	return &api, nil
}

// GetProviderType loads a provider type catalog row by id.
func (s *Store) GetProviderType(ctx context.Context, id uuid.UUID) (*ProviderType, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, name, display_name, base_url, auth_type, auth_header_template,
		       timeout_seconds, oauth_configs, is_active
		FROM provider_types WHERE id = $1`, id)

	var pt ProviderType
	var rawConfigs []byte
	if err := row.Scan(&pt.ID, &pt.Name, &pt.DisplayName, &pt.BaseURL, &pt.AuthType,
		&pt.AuthHeaderTemplate, &pt.TimeoutSeconds, &rawConfigs, &pt.IsActive); err != nil {
		return nil, fmt.Errorf("looking up provider type %s: %w", id, err)
	}
	configs, err := unmarshalOAuthConfigs(rawConfigs)
	if err != nil {
		return nil, fmt.Errorf("decoding oauth configs for provider type %s: %w", id, err)
	}
	pt.OAuthConfigs = configs
	return &pt, nil
}

// GetProviderTypeByName resolves a provider type by its path-prefix name
// (spec §4.1 step 4 / C3), case already lowercased by the caller.
func (s *Store) GetProviderTypeByName(ctx context.Context, name string) (*ProviderType, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, name, display_name, base_url, auth_type, auth_header_template,
		       timeout_seconds, oauth_configs, is_active
		FROM provider_types WHERE name = $1 AND is_active = true`, name)

	var pt ProviderType
	var rawConfigs []byte
	if err := row.Scan(&pt.ID, &pt.Name, &pt.DisplayName, &pt.BaseURL, &pt.AuthType,
		&pt.AuthHeaderTemplate, &pt.TimeoutSeconds, &rawConfigs, &pt.IsActive); err != nil {
		return nil, fmt.Errorf("looking up provider type %q: %w", name, err)
	}
	configs, err := unmarshalOAuthConfigs(rawConfigs)
	if err != nil {
		return nil, fmt.Errorf("decoding oauth configs for provider type %q: %w", name, err)
	}
	pt.OAuthConfigs = configs
	return &pt, nil
}

// DailyReconciledTotals holds the authoritative per-day usage totals the
// reconciliation task writes (spec §4.3 / I5).
type DailyReconciledTotals struct {
	Requests int64
	Tokens   int64
	CostMicros int64
}

// ReconcileDailyTotals sums TraceRows for serviceAPIID on the given UTC day
// and returns the authoritative totals (spec §4.3 reconciliation).
func (s *Store) ReconcileDailyTotals(ctx context.Context, serviceAPIID uuid.UUID, day time.Time) (*DailyReconciledTotals, error) {
	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	row := s.Pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(tokens_total), 0), COALESCE(SUM(cost_micros), 0)
		FROM trace_rows
		WHERE user_service_api_id = $1 AND start_time >= $2 AND start_time < $3`,
		serviceAPIID, start, end)

	var totals DailyReconciledTotals
	if err := row.Scan(&totals.Requests, &totals.Tokens, &totals.CostMicros); err != nil {
		return nil, fmt.Errorf("reconciling daily totals: %w", err)
	}
	return &totals, nil
}

// ListServiceAPIIDs enumerates all active service API ids, used by the
// worker's periodic reconciliation sweep.
func (s *Store) ListServiceAPIIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id FROM user_service_apis WHERE is_active = true`)
	if err != nil {
		return nil, fmt.Errorf("listing service APIs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
