// Package store is C1, the relational persistent store: users, service
// APIs, provider types, provider keys, OAuth sessions, and trace rows
// (spec §3). It wraps a pgxpool.Pool with narrow, component-scoped query
// methods instead of a single generated DAO, following this module's
// preference for small, purpose-built repositories.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// HealthStatus is the operational health of a UserProviderKey (spec §3).
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "Healthy"
	HealthRateLimited HealthStatus = "RateLimited"
	HealthUnhealthy   HealthStatus = "Unhealthy"
)

// AuthStatus is the OAuth authorization state of a UserProviderKey (spec §3).
type AuthStatus string

const (
	AuthAuthorized AuthStatus = "Authorized"
	AuthPending    AuthStatus = "Pending"
	AuthExpired    AuthStatus = "Expired"
	AuthError      AuthStatus = "Error"
	AuthRevoked    AuthStatus = "Revoked"
)

// SchedulingStrategy selects the key-pool scheduling algorithm (C9, spec §4.2).
type SchedulingStrategy string

const (
	StrategyRoundRobin SchedulingStrategy = "round_robin"
	StrategyWeighted   SchedulingStrategy = "weighted"
	StrategyHealthBest SchedulingStrategy = "health_best"
)

// AuthType distinguishes static API keys from OAuth-backed credentials.
type AuthType string

const (
	AuthTypeAPIKey AuthType = "apikey"
	AuthTypeOAuth  AuthType = "oauth"
)

// OAuthSessionStatus is the lifecycle state of an OAuthSession (spec §3).
type OAuthSessionStatus string

const (
	SessionPending    OAuthSessionStatus = "Pending"
	SessionAuthorized OAuthSessionStatus = "Authorized"
	SessionExpired    OAuthSessionStatus = "Expired"
	SessionError      OAuthSessionStatus = "Error"
	SessionRevoked    OAuthSessionStatus = "Revoked"
)

// User owns service APIs and provider keys (spec §3).
type User struct {
	ID        uuid.UUID
	IsAdmin   bool
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OAuthFlowConfig describes one named OAuth flow on a ProviderType.
type OAuthFlowConfig struct {
	ClientID       string            `json:"client_id"`
	ClientSecret   string            `json:"client_secret,omitempty"`
	AuthorizeURL   string            `json:"authorize_url"`
	TokenURL       string            `json:"token_url"`
	RevokeURL      string            `json:"revoke_url,omitempty"`
	RedirectURI    string            `json:"redirect_uri"`
	Scopes         []string          `json:"scopes"`
	PKCERequired   bool              `json:"pkce_required"`
	ExtraParams    map[string]string `json:"extra_params,omitempty"`
}

// ProviderType is the immutable catalog entry for an upstream provider
// (spec §3). Created/mutated by the out-of-scope management surface;
// read-only from the data plane's perspective.
type ProviderType struct {
	ID                  uuid.UUID
	Name                string // path prefix, e.g. "openai"
	DisplayName         string
	BaseURL             string
	AuthType            string // "apikey" | "oauth"
	AuthHeaderTemplate  string // e.g. "Bearer {key}"
	TimeoutSeconds      int
	OAuthConfigs        map[string]OAuthFlowConfig
	IsActive            bool
}

// UserProviderKey is a pooled upstream credential (spec §3).
type UserProviderKey struct {
	ID                       uuid.UUID
	UserID                   uuid.UUID
	ProviderTypeID           uuid.UUID
	Name                     string
	AuthType                 AuthType
	SecretMaterial           string // raw API key, or an OAuthSession id when AuthType==oauth
	FallbackAPIKey           *string // spec §4.4: used when a refresh fails and AuthType==oauth
	Weight                   int
	MaxRequestsPerMinute     int
	MaxTokensPromptPerMinute int
	MaxRequestsPerDay        int
	HealthStatus             HealthStatus
	RateLimitResetsAt        *time.Time
	AuthStatus               *AuthStatus
	ExpiresAt                *time.Time
	LastUsedAt               *time.Time
	IsActive                 bool
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// UserServiceApi is the inbound credential a client presents (spec §3).
type UserServiceApi struct {
	ID                    uuid.UUID
	UserID                uuid.UUID
	ProviderTypeID         uuid.UUID
	ServiceAPIKey          string
	UserProviderKeysIDs    []uuid.UUID
	SchedulingStrategy     SchedulingStrategy
	RetryCount             int
	TimeoutSeconds         int
	MaxRequestPerMin       int
	MaxRequestsPerDay      int
	MaxTokensPerDay        int
	MaxCostPerDayMicros    int64
	ExpiresAt              *time.Time
	IsActive               bool
}

// OAuthSession holds the refresh/access token pair and state machine for
// one upstream OAuth credential (spec §3).
type OAuthSession struct {
	SessionID    string
	UserID       uuid.UUID
	ProviderName string // "type:flow"
	State        string
	CodeVerifier string
	CodeChallenge string
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	ExpiresIn    int
	ExpiresAt    time.Time
	Status       OAuthSessionStatus
	Attempts     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// TraceRow is the single authoritative record per in-flight request (spec §3).
type TraceRow struct {
	ID                 uuid.UUID
	RequestID           uuid.UUID
	UserServiceApiID    uuid.UUID
	UserProviderKeyID   *uuid.UUID
	UserID              *uuid.UUID
	Method              string
	Path                string
	StatusCode          *int
	IsSuccess           bool
	StartTime           time.Time
	EndTime             *time.Time
	DurationMs          *int64
	TokensPrompt        *int64
	TokensCompletion    *int64
	TokensTotal         *int64
	CacheCreateTokens   *int64
	CacheReadTokens     *int64
	CostMicros          *int64
	CostCurrency        *string
	ModelUsed           *string
	ErrorType           *string
	ErrorMessage        *string
	ClientIP            *string
	UserAgent           *string
	SampleLevel         string
	Warnings            []string
	CreatedAt           time.Time
}

func marshalOAuthConfigs(m map[string]OAuthFlowConfig) ([]byte, error) {
	return json.Marshal(m)
}

func unmarshalOAuthConfigs(b []byte) (map[string]OAuthFlowConfig, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]OAuthFlowConfig
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
