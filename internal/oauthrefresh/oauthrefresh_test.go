package oauthrefresh

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/aiproxy/internal/oauthsession"
	"github.com/wisbric/aiproxy/internal/store"
)

type fakeSessionStore struct {
	sessions map[string]*store.OAuthSession
}

func (f *fakeSessionStore) CreateOAuthSession(_ context.Context, sess *store.OAuthSession) error {
	f.sessions[sess.SessionID] = sess
	return nil
}
func (f *fakeSessionStore) GetOAuthSession(_ context.Context, id string) (*store.OAuthSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *s
	return &cp, nil
}
func (f *fakeSessionStore) CompleteOAuthSession(_ context.Context, id, access, refresh, idTok, tokType string, expiresIn int, expiresAt time.Time) error {
	s := f.sessions[id]
	s.AccessToken, s.RefreshToken, s.IDToken, s.TokenType = access, refresh, idTok, tokType
	s.ExpiresIn, s.ExpiresAt, s.Status = expiresIn, expiresAt, store.SessionAuthorized
	return nil
}
func (f *fakeSessionStore) MarkOAuthSessionError(_ context.Context, id string, status store.OAuthSessionStatus) error {
	f.sessions[id].Status = status
	f.sessions[id].Attempts++
	return nil
}
func (f *fakeSessionStore) ListSessionsDueForRefresh(context.Context, time.Duration) ([]store.OAuthSession, error) {
	return nil, nil
}
func (f *fakeSessionStore) PruneOAuthSessions(context.Context, time.Duration, time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeSessionStore) ListAuthorizedSessionIDs(context.Context) ([]string, error) { return nil, nil }

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errNotFound = sentinelErr("not found")

type fakeDoer struct {
	status int
	body   string
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: d.status,
		Body:       io.NopCloser(bytes.NewBufferString(d.body)),
		Header:     make(http.Header),
	}, nil
}

func TestRefreshHappyPath(t *testing.T) {
	fs := &fakeSessionStore{sessions: map[string]*store.OAuthSession{
		"sess-1": {SessionID: "sess-1", UserID: uuid.New(), RefreshToken: "old-refresh", Status: store.SessionAuthorized, ExpiresAt: time.Now().Add(-time.Hour)},
	}}
	sessions := oauthsession.New(fs)
	doer := &fakeDoer{status: 200, body: `{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":3600}`}
	exec := New(doer, sessions, nil)

	sess, err := exec.Refresh(context.Background(), "sess-1", store.OAuthFlowConfig{ClientID: "client", TokenURL: "https://example.com/token"}, ProviderGeneric)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if sess.AccessToken != "new-access" || sess.RefreshToken != "new-refresh" {
		t.Fatalf("unexpected session after refresh: %+v", sess)
	}
}

func TestRefreshFailurePropagatesAndMarksSession(t *testing.T) {
	fs := &fakeSessionStore{sessions: map[string]*store.OAuthSession{
		"sess-2": {SessionID: "sess-2", UserID: uuid.New(), RefreshToken: "old-refresh", Status: store.SessionAuthorized, ExpiresAt: time.Now().Add(-time.Hour), Attempts: 2},
	}}
	sessions := oauthsession.New(fs)
	doer := &fakeDoer{status: 400, body: `{"error":"invalid_grant"}`}
	exec := New(doer, sessions, nil)

	_, err := exec.Refresh(context.Background(), "sess-2", store.OAuthFlowConfig{ClientID: "client", TokenURL: "https://example.com/token"}, ProviderGeneric)
	if err == nil {
		t.Fatal("expected error on non-2xx token response")
	}
	if fs.sessions["sess-2"].Status != store.SessionError {
		t.Fatalf("expected session to transition to Error after exceeding retry budget, got %s", fs.sessions["sess-2"].Status)
	}
}

func TestGoogleAppliesExtraParams(t *testing.T) {
	form := url.Values{}
	applyExtraParams(form, store.OAuthFlowConfig{}, ProviderGoogle)
	if form.Get("access_type") != "offline" || form.Get("prompt") != "consent" {
		t.Fatalf("expected google defaults injected, got %v", form)
	}
}

func TestAnthropicReusesCodeVerifierAsSecret(t *testing.T) {
	fs := &fakeSessionStore{sessions: map[string]*store.OAuthSession{
		"sess-3": {SessionID: "sess-3", UserID: uuid.New(), RefreshToken: "r", CodeVerifier: "verifier-xyz", Status: store.SessionAuthorized, ExpiresAt: time.Now().Add(-time.Hour)},
	}}
	sessions := oauthsession.New(fs)
	doer := &fakeDoer{status: 200, body: `{"access_token":"a","refresh_token":"b","token_type":"Bearer","expires_in":60}`}
	exec := New(doer, sessions, nil)

	if _, err := exec.Refresh(context.Background(), "sess-3", store.OAuthFlowConfig{ClientID: "client", TokenURL: "https://example.com/token"}, ProviderAnthropic); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
}
