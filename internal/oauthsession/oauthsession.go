// Package oauthsession is C6, the OAuth state service: CRUD on OAuth
// sessions, schedule computation for the refresh scheduler, and pruning of
// sessions that can never become useful again (spec §3, §4.5).
package oauthsession

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/aiproxy/internal/store"
)

// Default constants from spec §4.5.
const (
	PendingRetention  = 30 * time.Minute
	ExpiredRetention  = 7 * 24 * time.Hour
	RefreshLeadTime   = 60 * time.Second
)

// Store is the subset of *store.Store this package depends on.
type Store interface {
	CreateOAuthSession(ctx context.Context, sess *store.OAuthSession) error
	GetOAuthSession(ctx context.Context, sessionID string) (*store.OAuthSession, error)
	CompleteOAuthSession(ctx context.Context, sessionID, accessToken, refreshToken, idToken, tokenType string, expiresIn int, expiresAt time.Time) error
	MarkOAuthSessionError(ctx context.Context, sessionID string, status store.OAuthSessionStatus) error
	ListSessionsDueForRefresh(ctx context.Context, leadTime time.Duration) ([]store.OAuthSession, error)
	PruneOAuthSessions(ctx context.Context, pendingTTL, terminalTTL time.Duration) (int64, error)
	ListAuthorizedSessionIDs(ctx context.Context) ([]string, error)
}

// Service implements C6 over a Store.
type Service struct {
	store Store
}

// New builds a Service over the given store.
func New(st Store) *Service {
	return &Service{store: st}
}

// Begin starts a new session in Pending status, identified by a fresh
// opaque session id (spec §4.5: "Pending ──(exchange OK)──▶ Authorized").
func (s *Service) Begin(ctx context.Context, userID uuid.UUID, providerName, state, codeVerifier, codeChallenge string) (*store.OAuthSession, error) {
	sess := &store.OAuthSession{
		SessionID:     uuid.NewString(),
		UserID:        userID,
		ProviderName:  providerName,
		State:         state,
		CodeVerifier:  codeVerifier,
		CodeChallenge: codeChallenge,
		Status:        store.SessionPending,
	}
	if err := s.store.CreateOAuthSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("beginning oauth session: %w", err)
	}
	return sess, nil
}

// Get loads a session by id.
func (s *Service) Get(ctx context.Context, sessionID string) (*store.OAuthSession, error) {
	return s.store.GetOAuthSession(ctx, sessionID)
}

// Complete persists a successful exchange or refresh, enforcing I3 (an
// Authorized session always has both tokens and expires_at>created_at).
func (s *Service) Complete(ctx context.Context, sessionID, accessToken, refreshToken, idToken, tokenType string, expiresIn int) error {
	if accessToken == "" || refreshToken == "" {
		return fmt.Errorf("oauth session %s: exchange/refresh response missing required tokens", sessionID)
	}
	expiresAt := time.Now().Add(time.Duration(expiresIn) * time.Second)
	return s.store.CompleteOAuthSession(ctx, sessionID, accessToken, refreshToken, idToken, tokenType, expiresIn, expiresAt)
}

// MarkError transitions a session to a terminal or retry-pending error
// state (spec §4.5 state machine).
func (s *Service) MarkError(ctx context.Context, sessionID string, status store.OAuthSessionStatus) error {
	return s.store.MarkOAuthSessionError(ctx, sessionID, status)
}

// DueForRefresh returns sessions whose access token needs proactive refresh
// within the given lead time. The scheduler (C8) does not call it: it seeds
// its delay queue from ListAuthorized.
func (s *Service) DueForRefresh(ctx context.Context, leadTime time.Duration) ([]store.OAuthSession, error) {
	return s.store.ListSessionsDueForRefresh(ctx, leadTime)
}

// ListAuthorized enumerates Authorized session ids at startup.
func (s *Service) ListAuthorized(ctx context.Context) ([]string, error) {
	return s.store.ListAuthorizedSessionIDs(ctx)
}

// Prune deletes pending sessions older than PendingRetention, terminal
// sessions older than ExpiredRetention, and orphaned Authorized sessions
// (spec §4.5 pruning) in one sweep.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	return s.store.PruneOAuthSessions(ctx, PendingRetention, ExpiredRetention)
}
