package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wisbric/aiproxy/internal/cachekv"
	"github.com/wisbric/aiproxy/internal/store"
)

type fakeStore struct {
	totals *store.DailyReconciledTotals
}

func (f *fakeStore) ReconcileDailyTotals(_ context.Context, _ uuid.UUID, _ time.Time) (*store.DailyReconciledTotals, error) {
	return f.totals, nil
}

func TestCheckPerMinuteAllowsUnderLimit(t *testing.T) {
	lim := New(cachekv.NewMemory(), &fakeStore{totals: &store.DailyReconciledTotals{}})
	userID := uuid.New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		check, err := lim.CheckPerMinute(ctx, userID, "/openai/v1/chat/completions", 5)
		if err != nil {
			t.Fatalf("CheckPerMinute: %v", err)
		}
		if !check.Allowed {
			t.Fatalf("expected allowed at count %d", check.Current)
		}
	}
}

func TestCheckPerMinuteDeniesOverLimit(t *testing.T) {
	lim := New(cachekv.NewMemory(), &fakeStore{totals: &store.DailyReconciledTotals{}})
	userID := uuid.New()
	ctx := context.Background()

	var last Check
	for i := 0; i < 3; i++ {
		c, err := lim.CheckPerMinute(ctx, userID, "/openai/v1/chat", 2)
		if err != nil {
			t.Fatalf("CheckPerMinute: %v", err)
		}
		last = c
	}
	if last.Allowed {
		t.Fatal("expected third request to be denied with limit=2")
	}
}

func TestRecordUsageAndPeekDaily(t *testing.T) {
	lim := New(cachekv.NewMemory(), &fakeStore{totals: &store.DailyReconciledTotals{}})
	apiID := uuid.New()
	ctx := context.Background()

	if err := lim.RecordUsage(ctx, apiID, 100, decimal.NewFromFloat(0.05)); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	reqCheck, err := lim.CheckRequestsPerDay(ctx, apiID, 10)
	if err != nil || reqCheck.Current != 1 {
		t.Fatalf("CheckRequestsPerDay: current=%d err=%v", reqCheck.Current, err)
	}
	tokCheck, err := lim.CheckTokensPerDay(ctx, apiID, 1000)
	if err != nil || tokCheck.Current != 100 {
		t.Fatalf("CheckTokensPerDay: current=%d err=%v", tokCheck.Current, err)
	}
	costCheck, err := lim.CheckCostPerDay(ctx, apiID, 1_000_000)
	if err != nil || costCheck.Current != 50_000 {
		t.Fatalf("CheckCostPerDay: current=%d err=%v", costCheck.Current, err)
	}
}

func TestReconcileReplacesCounters(t *testing.T) {
	apiID := uuid.New()
	fs := &fakeStore{totals: &store.DailyReconciledTotals{Requests: 42, Tokens: 9000, CostMicros: 123456}}
	lim := New(cachekv.NewMemory(), fs)
	ctx := context.Background()

	// Seed a stale counter that reconciliation must overwrite, not add to.
	_ = lim.RecordUsage(ctx, apiID, 1, decimal.NewFromInt(1))

	if err := lim.Reconcile(ctx, apiID, time.Now()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	reqCheck, _ := lim.CheckRequestsPerDay(ctx, apiID, 1000)
	if reqCheck.Current != 42 {
		t.Fatalf("expected reconciled request count 42, got %d", reqCheck.Current)
	}
}
