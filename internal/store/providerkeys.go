package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ListProviderKeysByIDs bulk-loads candidate keys filtered by
// id ∈ ids ∧ is_active=true, ordered by id ascending (spec §4.2 step b).
func (s *Store) ListProviderKeysByIDs(ctx context.Context, ids []uuid.UUID) ([]UserProviderKey, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.Pool.Query(ctx, `
		SELECT id, user_id, provider_type_id, name, auth_type, secret_material,
		       fallback_api_key, weight, max_requests_per_minute, max_tokens_prompt_per_minute,
		       max_requests_per_day, health_status, rate_limit_resets_at,
		       auth_status, expires_at, last_used_at, is_active, created_at, updated_at
		FROM user_provider_keys
		WHERE id = ANY($1) AND is_active = true
		ORDER BY id ASC`, ids)
	if err != nil {
		return nil, fmt.Errorf("querying provider keys: %w", err)
	}
	defer rows.Close()

	var out []UserProviderKey
	for rows.Next() {
		var k UserProviderKey
		var authStatus *string
		if err := rows.Scan(&k.ID, &k.UserID, &k.ProviderTypeID, &k.Name, &k.AuthType,
			&k.SecretMaterial, &k.FallbackAPIKey, &k.Weight, &k.MaxRequestsPerMinute, &k.MaxTokensPromptPerMinute,
			&k.MaxRequestsPerDay, &k.HealthStatus, &k.RateLimitResetsAt,
			&authStatus, &k.ExpiresAt, &k.LastUsedAt, &k.IsActive, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning provider key: %w", err)
		}
		if authStatus != nil {
			as := AuthStatus(*authStatus)
			k.AuthStatus = &as
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetProviderKey loads a single provider key by id.
func (s *Store) GetProviderKey(ctx context.Context, id uuid.UUID) (*UserProviderKey, error) {
	keys, err := s.ListProviderKeysByIDs(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("provider key %s not found or inactive", id)
	}
	return &keys[0], nil
}

// TouchLastUsed records that a key was just selected, used by the
// health_best strategy's "earliest last_used_at" bias (spec §4.2(d)).
func (s *Store) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.Pool.Exec(ctx, `UPDATE user_provider_keys SET last_used_at = now() WHERE id = $1`, id)
	return err
}

// SetHealthStatus updates a key's health. Its only caller is the
// pipeline's post-response classifier (spec §4.2); the OAuth refresh
// executor does not change key health.
func (s *Store) SetHealthStatus(ctx context.Context, id uuid.UUID, status HealthStatus, resetsAt *time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE user_provider_keys
		SET health_status = $2, rate_limit_resets_at = $3, updated_at = now()
		WHERE id = $1`, id, status, resetsAt)
	return err
}

// SetAuthStatus updates the OAuth auth_status field on a provider key.
// Nothing in this module calls it: the refresh executor records
// exchange/refresh outcomes on the oauth_sessions row only.
func (s *Store) SetAuthStatus(ctx context.Context, id uuid.UUID, status AuthStatus) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE user_provider_keys SET auth_status = $2, updated_at = now() WHERE id = $1`, id, status)
	return err
}
