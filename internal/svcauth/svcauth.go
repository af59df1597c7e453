// Package svcauth is C4, the auth service: it verifies inbound service
// keys against the store, cache-fronting the lookup by the SHA-256 hash of
// the presented key (spec §4.1 step 2).
package svcauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/wisbric/aiproxy/internal/cachekv"
	"github.com/wisbric/aiproxy/internal/store"
	"github.com/wisbric/aiproxy/pkg/apierr"
)

const (
	positiveTTL = 5 * time.Minute
	negativeTTL = 10 * time.Second
)

const negativeMarker = "\x00missing"

// Store is the subset of *store.Store this package depends on.
type Store interface {
	GetActiveServiceAPIByKeyHash(ctx context.Context, keyHash string) (*store.UserServiceApi, error)
}

// Service authenticates service keys, cache-first (spec §4.1 step 2 / C4).
type Service struct {
	store Store
	cache cachekv.Cache
}

// New builds a Service over the given store and cache.
func New(st Store, cache cachekv.Cache) *Service {
	return &Service{store: st, cache: cache}
}

// HashKey returns the hex-encoded SHA-256 digest of a raw service key, the
// value actually used to index both the cache and the store.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves rawKey to its UserServiceApi, enforcing
// is_active=true and expires_at (spec §4.1 step 2). It is cache-first:
// positive results cache for 5 minutes, negative ("invalid key") results
// cache briefly to absorb retry storms without hammering the store.
func (s *Service) Authenticate(ctx context.Context, rawKey string) (*store.UserServiceApi, error) {
	if rawKey == "" {
		return nil, apierr.New(apierr.KindMissingCredentials, "no service key presented")
	}

	hash := HashKey(rawKey)
	cacheKey := "svcauth:" + hash

	if raw, ok, err := s.cache.Get(ctx, cacheKey); err == nil && ok {
		if string(raw) == negativeMarker {
			return nil, apierr.New(apierr.KindInvalidServiceKey, "invalid service key")
		}
		var api store.UserServiceApi
		if err := json.Unmarshal(raw, &api); err == nil {
			return s.checkExpiry(&api)
		}
	}

	api, err := s.store.GetActiveServiceAPIByKeyHash(ctx, hash)
	if err != nil {
		_ = s.cache.Set(ctx, cacheKey, []byte(negativeMarker), negativeTTL)
		return nil, apierr.Wrap(apierr.KindInvalidServiceKey, err, "invalid service key")
	}

	if raw, err := json.Marshal(api); err == nil {
		_ = s.cache.Set(ctx, cacheKey, raw, positiveTTL)
	}

	return s.checkExpiry(api)
}

func (s *Service) checkExpiry(api *store.UserServiceApi) (*store.UserServiceApi, error) {
	if !api.IsActive {
		return nil, apierr.New(apierr.KindServiceKeyInactive, "service key is inactive")
	}
	if api.ExpiresAt != nil && !time.Now().Before(*api.ExpiresAt) {
		return nil, apierr.New(apierr.KindServiceKeyExpired, "service key expired at %s", api.ExpiresAt)
	}
	return api, nil
}
