// Package credential is C10, the credential resolver: for a selected
// UserProviderKey it returns either the raw API key or a fresh OAuth
// access token, refreshing proactively when the token is close to expiry
// (spec §4.4).
package credential

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wisbric/aiproxy/internal/oauthrefresh"
	"github.com/wisbric/aiproxy/internal/oauthsession"
	"github.com/wisbric/aiproxy/internal/store"
	"github.com/wisbric/aiproxy/pkg/apierr"
)

// RefreshLeadTime is the spec §4.4 default (60s) before which a synchronous
// refresh is attempted rather than risking an expired upstream call.
const RefreshLeadTime = 60 * time.Second

// ProviderLookup resolves the OAuth flow config and strategy kind for a
// qualified provider name ("type:flow"), shared with the refresh scheduler.
type ProviderLookup interface {
	LookupFlow(providerName string) (store.OAuthFlowConfig, oauthrefresh.ProviderKind, bool)
}

// Resolution is the resolved credential plus bookkeeping for the trace.
type Resolution struct {
	Token           string
	UsedFallbackKey bool
	OAuthFailure    error
}

// Resolver implements C10.
type Resolver struct {
	sessions *oauthsession.Service
	executor *oauthrefresh.Executor
	lookup   ProviderLookup
	logger   *slog.Logger
}

// New builds a Resolver.
func New(sessions *oauthsession.Service, executor *oauthrefresh.Executor, lookup ProviderLookup, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{sessions: sessions, executor: executor, lookup: lookup, logger: logger}
}

// Resolve returns the credential to install on the outbound request for
// key (spec §4.4).
func (r *Resolver) Resolve(ctx context.Context, key *store.UserProviderKey, fallbackKey string) (*Resolution, error) {
	if key.AuthType == store.AuthTypeAPIKey {
		return &Resolution{Token: key.SecretMaterial}, nil
	}

	sessionID := key.SecretMaterial
	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindOAuthSessionMissing, err, "oauth session %s not found for key %s", sessionID, key.ID)
	}
	if sess.Status != store.SessionAuthorized {
		return nil, apierr.New(apierr.KindOAuthSessionNotAuthorized, "oauth session %s is not authorized (status=%s)", sessionID, sess.Status)
	}

	if time.Until(sess.ExpiresAt) > RefreshLeadTime {
		return &Resolution{Token: sess.AccessToken}, nil
	}

	refreshed, refreshErr := r.refresh(ctx, sess)
	if refreshErr == nil {
		return &Resolution{Token: refreshed.AccessToken}, nil
	}

	if fallbackKey != "" {
		r.logger.Warn("credential: oauth refresh failed, using fallback key", "key_id", key.ID, "session_id", sessionID, "error", refreshErr)
		return &Resolution{Token: fallbackKey, UsedFallbackKey: true, OAuthFailure: refreshErr}, nil
	}

	return nil, apierr.Wrap(apierr.KindOAuthRefreshFailed, refreshErr, "oauth refresh failed for session %s and no fallback key configured", sessionID)
}

func (r *Resolver) refresh(ctx context.Context, sess *store.OAuthSession) (*store.OAuthSession, error) {
	flow, kind, ok := r.lookup.LookupFlow(sess.ProviderName)
	if !ok {
		return nil, fmt.Errorf("no oauth flow config registered for provider %q", sess.ProviderName)
	}
	return r.executor.Refresh(ctx, sess.SessionID, flow, kind)
}
