package trace

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wisbric/aiproxy/internal/cachekv"
	"github.com/wisbric/aiproxy/internal/ratelimit"
	"github.com/wisbric/aiproxy/internal/store"
)

type fakeTraceStore struct {
	inserted  []store.TraceRow
	finalized []store.TraceRow
	swept     int64
}

func (f *fakeTraceStore) InsertTraceRowStart(_ context.Context, t *store.TraceRow) error {
	f.inserted = append(f.inserted, *t)
	return nil
}
func (f *fakeTraceStore) UpdateTraceRowProviderKey(context.Context, uuid.UUID, uuid.UUID) error {
	return nil
}
func (f *fakeTraceStore) UpdateTraceRowModel(context.Context, uuid.UUID, string) error { return nil }
func (f *fakeTraceStore) FinalizeTraceRow(_ context.Context, t *store.TraceRow) error {
	f.finalized = append(f.finalized, *t)
	return nil
}
func (f *fakeTraceStore) SweepOrphanedTraceRows(context.Context, time.Duration) (int64, error) {
	return f.swept, nil
}

type fakeReconciler struct{}

func (fakeReconciler) ReconcileDailyTotals(context.Context, uuid.UUID, time.Time) (*store.DailyReconciledTotals, error) {
	return &store.DailyReconciledTotals{}, nil
}

func TestSampleLevelIsDeterministic(t *testing.T) {
	id := uuid.New()
	rates := SamplingRates{Detailed: 0.5, Full: 0.1}
	first := SampleLevel(id, rates)
	second := SampleLevel(id, rates)
	if first != second {
		t.Fatalf("expected deterministic sampling for the same request id, got %v then %v", first, second)
	}
}

func TestSampleLevelBasicAlwaysAtLeastOne(t *testing.T) {
	rates := SamplingRates{Detailed: 0, Full: 0}
	if lvl := SampleLevel(uuid.New(), rates); lvl != LevelBasic {
		t.Fatalf("expected Basic when detailed/full are zero, got %v", lvl)
	}
}

func TestStartInsertsRowWithSampleLevel(t *testing.T) {
	fs := &fakeTraceStore{}
	mgr := New(fs, nil, SamplingRates{}, nil)
	row := &store.TraceRow{ID: uuid.New(), RequestID: uuid.New()}

	mgr.Start(context.Background(), row)

	if len(fs.inserted) != 1 {
		t.Fatalf("expected one inserted row, got %d", len(fs.inserted))
	}
	if fs.inserted[0].SampleLevel != string(LevelBasic) {
		t.Fatalf("expected Basic sample level by default, got %q", fs.inserted[0].SampleLevel)
	}
}

func TestFinalizeComputesDurationAndSuccess(t *testing.T) {
	fs := &fakeTraceStore{}
	lim := ratelimit.New(cachekv.NewMemory(), fakeReconciler{})
	mgr := New(fs, lim, SamplingRates{}, nil)

	start := time.Now().Add(-250 * time.Millisecond)
	apiID := uuid.New()
	mgr.Finalize(context.Background(), FinalizeInput{
		TraceID:      uuid.New(),
		ServiceAPIID: apiID,
		StartTime:    start,
		StatusCode:   200,
		TokensTotal:  42,
		Cost:         decimal.NewFromFloat(0.01),
		CostKnown:    true,
	})

	if len(fs.finalized) != 1 {
		t.Fatalf("expected one finalized row, got %d", len(fs.finalized))
	}
	row := fs.finalized[0]
	if !row.IsSuccess {
		t.Fatal("expected IsSuccess=true for status 200")
	}
	if row.DurationMs == nil || *row.DurationMs < 200 {
		t.Fatalf("expected duration >= 200ms, got %v", row.DurationMs)
	}
}

func TestFinalizeMarksFailureForNon2xx(t *testing.T) {
	fs := &fakeTraceStore{}
	mgr := New(fs, nil, SamplingRates{}, nil)

	mgr.Finalize(context.Background(), FinalizeInput{
		TraceID:    uuid.New(),
		StatusCode: 502,
		ErrorType:  "UpstreamConnect",
	})

	row := fs.finalized[0]
	if row.IsSuccess {
		t.Fatal("expected IsSuccess=false for status 502")
	}
	if row.ErrorType == nil || *row.ErrorType != "UpstreamConnect" {
		t.Fatalf("expected error type recorded, got %v", row.ErrorType)
	}
}
