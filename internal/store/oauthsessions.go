package store

import (
	"context"
	"fmt"
	"time"
)

// CreateOAuthSession inserts a new session row in Pending status, called
// by oauthsession.Service.Begin (spec §4.5 state machine).
func (s *Store) CreateOAuthSession(ctx context.Context, sess *OAuthSession) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO oauth_sessions
			(session_id, user_id, provider_name, state, code_verifier, code_challenge,
			 status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, now(), now())`,
		sess.SessionID, sess.UserID, sess.ProviderName, sess.State,
		sess.CodeVerifier, sess.CodeChallenge, SessionPending)
	if err != nil {
		return fmt.Errorf("creating oauth session: %w", err)
	}
	return nil
}

// GetOAuthSession loads a session by its opaque id.
func (s *Store) GetOAuthSession(ctx context.Context, sessionID string) (*OAuthSession, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT session_id, user_id, provider_name, state, code_verifier, code_challenge,
		       access_token, refresh_token, id_token, token_type, expires_in, expires_at,
		       status, attempts, created_at, updated_at, completed_at
		FROM oauth_sessions WHERE session_id = $1`, sessionID)

	var sess OAuthSession
	if err := row.Scan(&sess.SessionID, &sess.UserID, &sess.ProviderName, &sess.State,
		&sess.CodeVerifier, &sess.CodeChallenge, &sess.AccessToken, &sess.RefreshToken,
		&sess.IDToken, &sess.TokenType, &sess.ExpiresIn, &sess.ExpiresAt,
		&sess.Status, &sess.Attempts, &sess.CreatedAt, &sess.UpdatedAt, &sess.CompletedAt); err != nil {
		return nil, fmt.Errorf("looking up oauth session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// CompleteOAuthSession writes the token set returned by a successful
// exchange or refresh call and marks the session Authorized (spec §4.5).
func (s *Store) CompleteOAuthSession(ctx context.Context, sessionID, accessToken, refreshToken, idToken, tokenType string, expiresIn int, expiresAt time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE oauth_sessions
		SET access_token = $2, refresh_token = $3, id_token = $4, token_type = $5,
		    expires_in = $6, expires_at = $7, status = $8, attempts = 0,
		    completed_at = now(), updated_at = now()
		WHERE session_id = $1`,
		sessionID, accessToken, refreshToken, idToken, tokenType, expiresIn, expiresAt, SessionAuthorized)
	if err != nil {
		return fmt.Errorf("completing oauth session %s: %w", sessionID, err)
	}
	return nil
}

// MarkOAuthSessionError bumps the attempt counter and records an error
// state, used by the refresh executor's failure path (spec §4.5).
func (s *Store) MarkOAuthSessionError(ctx context.Context, sessionID string, status OAuthSessionStatus) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE oauth_sessions
		SET status = $2, attempts = attempts + 1, updated_at = now()
		WHERE session_id = $1`, sessionID, status)
	return err
}

// ListSessionsDueForRefresh returns Authorized sessions whose expires_at is
// within leadTime of now, served through oauthsession.Service.DueForRefresh
// (the refresh scheduler seeds from ListAuthorizedSessionIDs instead).
func (s *Store) ListSessionsDueForRefresh(ctx context.Context, leadTime time.Duration) ([]OAuthSession, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT session_id, user_id, provider_name, state, code_verifier, code_challenge,
		       access_token, refresh_token, id_token, token_type, expires_in, expires_at,
		       status, attempts, created_at, updated_at, completed_at
		FROM oauth_sessions
		WHERE status = $1 AND expires_at <= $2`,
		SessionAuthorized, time.Now().Add(leadTime))
	if err != nil {
		return nil, fmt.Errorf("listing sessions due for refresh: %w", err)
	}
	defer rows.Close()

	var out []OAuthSession
	for rows.Next() {
		var sess OAuthSession
		if err := rows.Scan(&sess.SessionID, &sess.UserID, &sess.ProviderName, &sess.State,
			&sess.CodeVerifier, &sess.CodeChallenge, &sess.AccessToken, &sess.RefreshToken,
			&sess.IDToken, &sess.TokenType, &sess.ExpiresIn, &sess.ExpiresAt,
			&sess.Status, &sess.Attempts, &sess.CreatedAt, &sess.UpdatedAt, &sess.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// PruneOAuthSessions deletes sessions that can never become useful again:
// Pending sessions older than pendingTTL (the client never completed the
// redirect), Expired/Error/Revoked sessions older than terminalTTL, and
// Authorized sessions whose provider key was deleted out from under them
// (orphans, spec §4.5 pruning).
func (s *Store) PruneOAuthSessions(ctx context.Context, pendingTTL, terminalTTL time.Duration) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM oauth_sessions
		WHERE (status = $1 AND created_at < $2)
		   OR (status IN ($3, $4, $5) AND updated_at < $6)
		   OR (status = $7 AND NOT EXISTS (
		         SELECT 1 FROM user_provider_keys upk
		         WHERE upk.auth_type = 'oauth' AND upk.secret_material = oauth_sessions.session_id
		       ))`,
		SessionPending, time.Now().Add(-pendingTTL),
		SessionExpired, SessionError, SessionRevoked, time.Now().Add(-terminalTTL),
		SessionAuthorized)
	if err != nil {
		return 0, fmt.Errorf("pruning oauth sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListAuthorizedSessionIDs enumerates all Authorized sessions at startup so
// the refresh scheduler can seed its delay queue (spec §4.6).
func (s *Store) ListAuthorizedSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT session_id FROM oauth_sessions WHERE status = $1`, SessionAuthorized)
	if err != nil {
		return nil, fmt.Errorf("listing authorized sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
