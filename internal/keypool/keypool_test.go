package keypool

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/aiproxy/internal/cachekv"
	"github.com/wisbric/aiproxy/internal/store"
)

type fakeStore struct {
	keys []store.UserProviderKey
}

func (f *fakeStore) ListProviderKeysByIDs(_ context.Context, ids []uuid.UUID) ([]store.UserProviderKey, error) {
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []store.UserProviderKey
	for _, k := range f.keys {
		if want[k.ID] {
			out = append(out, k)
		}
	}
	return out, nil
}

func healthyKey() store.UserProviderKey {
	return store.UserProviderKey{
		ID:           uuid.New(),
		IsActive:     true,
		HealthStatus: store.HealthHealthy,
	}
}

func TestSelectNoKeysConfigured(t *testing.T) {
	sched := New(&fakeStore{}, cachekv.NewMemory(), nil)
	api := &store.UserServiceApi{ID: uuid.New()}
	if _, err := sched.Select(context.Background(), api); err == nil {
		t.Fatal("expected error for empty key list")
	}
}

func TestFilterValidDropsExpiredAndUnhealthy(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	keys := []store.UserProviderKey{
		{ID: uuid.New(), HealthStatus: store.HealthHealthy},
		{ID: uuid.New(), HealthStatus: store.HealthHealthy, ExpiresAt: &past},
		{ID: uuid.New(), HealthStatus: store.HealthUnhealthy},
		{ID: uuid.New(), HealthStatus: store.HealthRateLimited, RateLimitResetsAt: &future},
		{ID: uuid.New(), HealthStatus: store.HealthRateLimited, RateLimitResetsAt: &past},
	}
	sched := New(&fakeStore{}, cachekv.NewMemory(), nil)
	valid := sched.filterValid(keys)
	if len(valid) != 2 {
		t.Fatalf("expected 2 valid keys (healthy + recovered rate-limited), got %d", len(valid))
	}
}

func TestSelectRoundRobinCyclesThroughCandidates(t *testing.T) {
	k1, k2 := healthyKey(), healthyKey()
	fs := &fakeStore{keys: []store.UserProviderKey{k1, k2}}
	sched := New(fs, cachekv.NewMemory(), nil)
	api := &store.UserServiceApi{
		ID: uuid.New(), UserID: uuid.New(), ProviderTypeID: uuid.New(),
		UserProviderKeysIDs: []uuid.UUID{k1.ID, k2.ID},
		SchedulingStrategy:  store.StrategyRoundRobin,
	}

	seen := map[uuid.UUID]int{}
	for i := 0; i < 4; i++ {
		chosen, err := sched.Select(context.Background(), api)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		seen[chosen.ID]++
	}
	if seen[k1.ID] != 2 || seen[k2.ID] != 2 {
		t.Fatalf("expected even round-robin distribution, got %v", seen)
	}
}

func TestSelectHealthBestPicksColdestKey(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	recent := time.Now().Add(-time.Minute)
	kCold := store.UserProviderKey{ID: uuid.New(), HealthStatus: store.HealthHealthy, LastUsedAt: &old}
	kHot := store.UserProviderKey{ID: uuid.New(), HealthStatus: store.HealthHealthy, LastUsedAt: &recent}
	kNeverUsed := store.UserProviderKey{ID: uuid.New(), HealthStatus: store.HealthHealthy}

	fs := &fakeStore{keys: []store.UserProviderKey{kCold, kHot, kNeverUsed}}
	sched := New(fs, cachekv.NewMemory(), nil)
	api := &store.UserServiceApi{
		ID: uuid.New(), UserID: uuid.New(), ProviderTypeID: uuid.New(),
		UserProviderKeysIDs: []uuid.UUID{kCold.ID, kHot.ID, kNeverUsed.ID},
		SchedulingStrategy:  store.StrategyHealthBest,
	}

	chosen, err := sched.Select(context.Background(), api)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if chosen.ID != kNeverUsed.ID {
		t.Fatalf("expected never-used key to win (nulls first), got %s", chosen.ID)
	}
}

func TestSelectWeightedRespectsZeroWeightFloor(t *testing.T) {
	k1 := healthyKey()
	k1.Weight = 0
	fs := &fakeStore{keys: []store.UserProviderKey{k1}}
	sched := New(fs, cachekv.NewMemory(), nil)
	api := &store.UserServiceApi{
		ID: uuid.New(), UserID: uuid.New(), ProviderTypeID: uuid.New(),
		UserProviderKeysIDs: []uuid.UUID{k1.ID},
		SchedulingStrategy:  store.StrategyWeighted,
	}
	chosen, err := sched.Select(context.Background(), api)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if chosen.ID != k1.ID {
		t.Fatalf("expected the only candidate to be chosen, got %s", chosen.ID)
	}
}
