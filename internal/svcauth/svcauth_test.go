package svcauth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/aiproxy/internal/cachekv"
	"github.com/wisbric/aiproxy/internal/store"
)

type fakeStore struct {
	byHash map[string]*store.UserServiceApi
	calls  int
}

func (f *fakeStore) GetActiveServiceAPIByKeyHash(_ context.Context, hash string) (*store.UserServiceApi, error) {
	f.calls++
	api, ok := f.byHash[hash]
	if !ok {
		return nil, errNotFound
	}
	return api, nil
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errNotFound = sentinelErr("not found")

func TestAuthenticateMissingKey(t *testing.T) {
	svc := New(&fakeStore{}, cachekv.NewMemory())
	if _, err := svc.Authenticate(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestAuthenticateHappyPathAndCaching(t *testing.T) {
	hash := HashKey("sk-live-123")
	fs := &fakeStore{byHash: map[string]*store.UserServiceApi{
		hash: {ID: uuid.New(), IsActive: true},
	}}
	svc := New(fs, cachekv.NewMemory())
	ctx := context.Background()

	api, err := svc.Authenticate(ctx, "sk-live-123")
	if err != nil || api == nil {
		t.Fatalf("Authenticate: api=%v err=%v", api, err)
	}

	if _, err := svc.Authenticate(ctx, "sk-live-123"); err != nil {
		t.Fatalf("second Authenticate: %v", err)
	}
	if fs.calls != 1 {
		t.Fatalf("expected single store call due to caching, got %d", fs.calls)
	}
}

func TestAuthenticateInactiveKey(t *testing.T) {
	hash := HashKey("sk-inactive")
	fs := &fakeStore{byHash: map[string]*store.UserServiceApi{
		hash: {ID: uuid.New(), IsActive: false},
	}}
	svc := New(fs, cachekv.NewMemory())

	if _, err := svc.Authenticate(context.Background(), "sk-inactive"); err == nil {
		t.Fatal("expected error for inactive key")
	}
}

func TestAuthenticateExpiredKey(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	hash := HashKey("sk-expired")
	fs := &fakeStore{byHash: map[string]*store.UserServiceApi{
		hash: {ID: uuid.New(), IsActive: true, ExpiresAt: &past},
	}}
	svc := New(fs, cachekv.NewMemory())

	if _, err := svc.Authenticate(context.Background(), "sk-expired"); err == nil {
		t.Fatal("expected error for expired key")
	}
}

func TestAuthenticateUnknownKeyNegativeCached(t *testing.T) {
	fs := &fakeStore{byHash: map[string]*store.UserServiceApi{}}
	svc := New(fs, cachekv.NewMemory())
	ctx := context.Background()

	if _, err := svc.Authenticate(ctx, "sk-unknown"); err == nil {
		t.Fatal("expected error for unknown key")
	}
	if _, err := svc.Authenticate(ctx, "sk-unknown"); err == nil {
		t.Fatal("expected error for unknown key on second attempt")
	}
	if fs.calls != 1 {
		t.Fatalf("expected negative cache to absorb second lookup, got %d store calls", fs.calls)
	}
}
