// Package keypool is C9, the key-pool scheduler: given a service-API row
// it filters candidate upstream keys by I2 and selects one using a
// configurable strategy (spec §4.2).
package keypool

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/aiproxy/internal/cachekv"
	"github.com/wisbric/aiproxy/internal/store"
	"github.com/wisbric/aiproxy/pkg/apierr"
)

// Store is the subset of *store.Store this package depends on.
type Store interface {
	ListProviderKeysByIDs(ctx context.Context, ids []uuid.UUID) ([]store.UserProviderKey, error)
}

// Scheduler selects an upstream key for a service API (spec §4.2 / C9).
type Scheduler struct {
	store  Store
	cache  cachekv.Cache
	logger *slog.Logger
}

// New builds a Scheduler.
func New(st Store, cache cachekv.Cache, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: st, cache: cache, logger: logger}
}

// Select runs the full candidate-extraction, bulk-load, validity-filter,
// strategy-selection pipeline of spec §4.2 and returns the chosen key.
func (s *Scheduler) Select(ctx context.Context, api *store.UserServiceApi) (*store.UserProviderKey, error) {
	ids := api.UserProviderKeysIDs
	if len(ids) == 0 {
		return nil, apierr.New(apierr.KindNoProviderKeysConfigured, "service API %s has no configured provider keys", api.ID)
	}

	candidates, err := s.store.ListProviderKeysByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading candidate provider keys: %w", err)
	}
	if len(candidates) == 0 {
		return nil, apierr.New(apierr.KindNoActiveProviderKeys, "no active provider keys for service API %s", api.ID)
	}

	valid := s.filterValid(candidates)
	if len(valid) == 0 {
		return nil, apierr.New(apierr.KindNoActiveProviderKeys, "no provider key passed validity checks for service API %s", api.ID)
	}

	return s.dispatch(ctx, api, valid)
}

// filterValid applies invariant I2, logging a debug reason for every
// dropped candidate (spec §4.2 step c).
func (s *Scheduler) filterValid(candidates []store.UserProviderKey) []store.UserProviderKey {
	now := time.Now()
	valid := make([]store.UserProviderKey, 0, len(candidates))

	for _, k := range candidates {
		reason, ok := validityReason(k, now)
		if !ok {
			valid = append(valid, k)
			continue
		}
		s.logger.Debug("keypool: dropping candidate key", "key_id", k.ID, "reason", reason)
	}
	return valid
}

// validityReason returns ("", true) if k satisfies I2, otherwise the drop
// reason and false.
func validityReason(k store.UserProviderKey, now time.Time) (string, bool) {
	if k.AuthStatus != nil {
		switch *k.AuthStatus {
		case store.AuthPending:
			return "pending", false
		case store.AuthExpired:
			return "expired_auth", false
		case store.AuthError:
			return "error_auth", false
		case store.AuthRevoked:
			return "revoked", false
		}
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return "expired", false
	}
	switch k.HealthStatus {
	case store.HealthHealthy:
		return "", true
	case store.HealthRateLimited:
		if k.RateLimitResetsAt != nil && k.RateLimitResetsAt.Before(now) {
			return "", true
		}
		if k.RateLimitResetsAt == nil {
			return "rate_limited_no_reset", false
		}
		return "rate_limited", false
	case store.HealthUnhealthy:
		return "unhealthy", false
	default:
		return "unknown_health", false
	}
}

func (s *Scheduler) dispatch(ctx context.Context, api *store.UserServiceApi, valid []store.UserProviderKey) (*store.UserProviderKey, error) {
	sort.Slice(valid, func(i, j int) bool { return idLess(valid[i].ID, valid[j].ID) })

	switch api.SchedulingStrategy {
	case store.StrategyWeighted:
		return selectWeighted(valid), nil
	case store.StrategyHealthBest:
		return selectHealthBest(valid), nil
	case store.StrategyRoundRobin, "":
		return s.selectRoundRobin(ctx, api, valid)
	default:
		return s.selectRoundRobin(ctx, api, valid)
	}
}

func idLess(a, b uuid.UUID) bool {
	return a.String() < b.String()
}

// selectRoundRobin uses a shared per-(user, provider_type) counter in the
// cache, incremented with a 1 hour TTL, taken modulo candidate count
// (spec §4.2(d)).
func (s *Scheduler) selectRoundRobin(ctx context.Context, api *store.UserServiceApi, valid []store.UserProviderKey) (*store.UserProviderKey, error) {
	key := fmt.Sprintf("round_robin:%s:%s", api.UserID, api.ProviderTypeID)
	counter, err := s.cache.Incr(ctx, key, 1)
	if err != nil {
		return nil, fmt.Errorf("incrementing round-robin counter: %w", err)
	}
	if counter == 1 {
		_ = s.cache.Expire(ctx, key, time.Hour)
	}
	idx := int((counter - 1) % int64(len(valid)))
	return &valid[idx], nil
}

// selectWeighted picks a uniform random integer in [1, Σweights] and walks
// the cumulative-weight distribution over candidates sorted by id
// (spec §4.2(d)). Weight<=0 is treated as 1.
func selectWeighted(valid []store.UserProviderKey) *store.UserProviderKey {
	total := 0
	for _, k := range valid {
		total += normalizedWeight(k)
	}
	if total <= 0 {
		return &valid[0]
	}

	pick := rand.Intn(total) + 1
	cumulative := 0
	for i := range valid {
		cumulative += normalizedWeight(valid[i])
		if pick <= cumulative {
			return &valid[i]
		}
	}
	return &valid[len(valid)-1]
}

func normalizedWeight(k store.UserProviderKey) int {
	if k.Weight <= 0 {
		return 1
	}
	return k.Weight
}

// selectHealthBest picks the candidate whose last_used_at is earliest
// (nulls first, tie-break by id ascending), biasing toward cold keys to
// prevent synchronized retry storms (spec §4.2(d)).
func selectHealthBest(valid []store.UserProviderKey) *store.UserProviderKey {
	best := 0
	for i := 1; i < len(valid); i++ {
		if lastUsedEarlier(valid[i], valid[best]) {
			best = i
		}
	}
	return &valid[best]
}

func lastUsedEarlier(a, b store.UserProviderKey) bool {
	if a.LastUsedAt == nil {
		return b.LastUsedAt != nil
	}
	if b.LastUsedAt == nil {
		return false
	}
	return a.LastUsedAt.Before(*b.LastUsedAt)
}
