// Package oauthrefresh is C7, the OAuth refresh executor: it performs
// refresh/exchange/revoke HTTP calls per provider flow, guarded by a
// per-session mutex so at most one refresh is ever in flight for a given
// session (spec §4.5, I6).
package oauthrefresh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/wisbric/aiproxy/internal/oauthsession"
	"github.com/wisbric/aiproxy/internal/store"
)

// Result carries the outcome of a successful exchange or refresh call.
type Result struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	ExpiresIn    int
	ChatGPTAccountID string // set only for the OpenAI strategy
}

// httpDoer is the subset of *http.Client used, narrowed for testability.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Executor performs the HTTP side of OAuth exchange/refresh/revoke and
// persists results through the session service (spec §4.5).
type Executor struct {
	client   httpDoer
	sessions *oauthsession.Service
	logger   *slog.Logger

	mu     sync.RWMutex
	locks  map[string]*sync.Mutex
}

// New builds an Executor.
func New(client httpDoer, sessions *oauthsession.Service, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		client:   client,
		sessions: sessions,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex guarding sessionID, creating it if absent. The
// locks map itself is guarded by a RWMutex per spec §5 ("per-session
// refresh Mutexes live in a process-wide map; the map itself is guarded by
// a RwLock").
func (e *Executor) lockFor(sessionID string) *sync.Mutex {
	e.mu.RLock()
	l, ok := e.locks[sessionID]
	e.mu.RUnlock()
	if ok {
		return l
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok = e.locks[sessionID]; ok {
		return l
	}
	l = &sync.Mutex{}
	e.locks[sessionID] = l
	return l
}

// Refresh performs a re-entrant, lock-guarded token refresh for sessionID.
// Any caller arriving while the lock is held waits; after acquiring, it
// re-reads the session so a redundant upstream call is never made if
// another worker already refreshed it (spec §4.5 concurrency contract).
func (e *Executor) Refresh(ctx context.Context, sessionID string, flow store.OAuthFlowConfig, kind ProviderKind) (*store.OAuthSession, error) {
	lock := e.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("refresh: loading session %s: %w", sessionID, err)
	}

	// Another worker may have refreshed while we waited for the lock.
	if sess.Status == store.SessionAuthorized && time.Until(sess.ExpiresAt) > oauthsession.RefreshLeadTime {
		return sess, nil
	}

	result, err := e.doRefresh(ctx, sess, flow, kind)
	if err != nil {
		_ = e.sessions.MarkError(ctx, sessionID, classifyFailure(sess, err))
		return nil, fmt.Errorf("refreshing session %s: %w", sessionID, err)
	}

	if err := e.sessions.Complete(ctx, sessionID, result.AccessToken, result.RefreshToken, result.IDToken, result.TokenType, result.ExpiresIn); err != nil {
		return nil, fmt.Errorf("persisting refreshed session %s: %w", sessionID, err)
	}
	return e.sessions.Get(ctx, sessionID)
}

func classifyFailure(sess *store.OAuthSession, _ error) store.OAuthSessionStatus {
	if sess.Attempts+1 >= maxRetryAttempts {
		return store.SessionError
	}
	return store.SessionAuthorized // keep retrying; scheduler re-enqueues on backoff
}

const maxRetryAttempts = 3

func (e *Executor) doRefresh(ctx context.Context, sess *store.OAuthSession, flow store.OAuthFlowConfig, kind ProviderKind) (*Result, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", sess.RefreshToken)
	form.Set("client_id", flow.ClientID)
	if kind == ProviderAnthropic {
		// Anthropic's refresh form reuses code_verifier as the client secret
		// field (spec §4.5 provider-specific adjustment).
		form.Set("client_secret", sess.CodeVerifier)
	} else if flow.ClientSecret != "" {
		form.Set("client_secret", flow.ClientSecret)
	}
	applyExtraParams(form, flow, kind)

	return e.tokenRequest(ctx, flow.TokenURL, form, kind)
}

// Exchange performs the initial authorization-code exchange for sessionID
// after the client completes the redirect (spec §4.5: "Pending ──(exchange
// OK)──▶ Authorized").
func (e *Executor) Exchange(ctx context.Context, sessionID, code string, flow store.OAuthFlowConfig, kind ProviderKind) (*store.OAuthSession, error) {
	lock := e.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("exchange: loading session %s: %w", sessionID, err)
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", flow.RedirectURI)
	form.Set("client_id", flow.ClientID)
	if kind == ProviderAnthropic {
		form.Set("client_secret", sess.CodeVerifier)
	} else if flow.ClientSecret != "" {
		form.Set("client_secret", flow.ClientSecret)
	}
	if flow.PKCERequired {
		form.Set("code_verifier", sess.CodeVerifier)
	}
	applyExtraParams(form, flow, kind)

	result, err := e.tokenRequest(ctx, flow.TokenURL, form, kind)
	if err != nil {
		_ = e.sessions.MarkError(ctx, sessionID, store.SessionError)
		return nil, fmt.Errorf("exchanging code for session %s: %w", sessionID, err)
	}
	if err := e.sessions.Complete(ctx, sessionID, result.AccessToken, result.RefreshToken, result.IDToken, result.TokenType, result.ExpiresIn); err != nil {
		return nil, fmt.Errorf("persisting exchanged session %s: %w", sessionID, err)
	}
	return e.sessions.Get(ctx, sessionID)
}

// Revoke calls the provider's revocation endpoint, when one exists (only
// Google-family and OpenAI have one per spec §4.5), and then marks the
// session Revoked; without a revocation endpoint it only marks the session
// Revoked.
func (e *Executor) Revoke(ctx context.Context, sess *store.OAuthSession, flow store.OAuthFlowConfig) error {
	if flow.RevokeURL == "" {
		return e.sessions.MarkError(ctx, sess.SessionID, store.SessionRevoked)
	}

	form := url.Values{}
	form.Set("token", sess.RefreshToken)
	form.Set("client_id", flow.ClientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, flow.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling revoke endpoint: %w", err)
	}
	defer resp.Body.Close()

	return e.sessions.MarkError(ctx, sess.SessionID, store.SessionRevoked)
}

func applyExtraParams(form url.Values, flow store.OAuthFlowConfig, kind ProviderKind) {
	if kind == ProviderGoogle {
		// spec §4.5: "inject access_type=offline, include_granted_scopes=true,
		// prompt=consent when not present."
		if form.Get("access_type") == "" {
			form.Set("access_type", "offline")
		}
		if form.Get("include_granted_scopes") == "" {
			form.Set("include_granted_scopes", "true")
		}
		if form.Get("prompt") == "" {
			form.Set("prompt", "consent")
		}
	}
	for k, v := range flow.ExtraParams {
		if form.Get(k) == "" {
			form.Set(k, v)
		}
	}
}

func (e *Executor) tokenRequest(ctx context.Context, tokenURL string, form url.Values, kind ProviderKind) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling token endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    json.Number `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}

	expiresIn, _ := strconv.Atoi(body.ExpiresIn.String())
	result := &Result{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		IDToken:      body.IDToken,
		TokenType:    body.TokenType,
		ExpiresIn:    expiresIn,
	}

	if kind == ProviderOpenAI && body.AccessToken != "" {
		// spec §4.5: "parse the returned access token as a JWT and extract
		// https://api.openai.com/auth.chatgpt_account_id (signature validation
		// disabled; payload only)".
		if accountID, ok := extractOpenAIAccountID(body.AccessToken); ok {
			result.ChatGPTAccountID = accountID
		}
	}

	return result, nil
}

func extractOpenAIAccountID(rawToken string) (string, bool) {
	tok, err := jwt.ParseSigned(rawToken, []jwt.SignatureAlgorithm{jwt.RS256, jwt.ES256, jwt.PS256, jwt.HS256})
	if err != nil {
		return "", false
	}

	var claims map[string]any
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return "", false
	}
	auth, ok := claims["https://api.openai.com/auth"].(map[string]any)
	if !ok {
		return "", false
	}
	accountID, ok := auth["chatgpt_account_id"].(string)
	return accountID, ok
}
