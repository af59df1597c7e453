package cachekv

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCacheGetSet(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get: v=%q ok=%v err=%v", v, ok, err)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, ok, err := c.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("expected expired key to miss, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryCacheIncr(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	v, err := c.Incr(ctx, "counter", 1)
	if err != nil || v != 1 {
		t.Fatalf("first Incr: v=%d err=%v", v, err)
	}
	v, err = c.Incr(ctx, "counter", 5)
	if err != nil || v != 6 {
		t.Fatalf("second Incr: v=%d err=%v", v, err)
	}

	if err := c.Expire(ctx, "counter", time.Millisecond); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	v, err = c.Incr(ctx, "counter", 1)
	if err != nil || v != 1 {
		t.Fatalf("Incr after expiry should restart at delta: v=%d err=%v", v, err)
	}
}

func TestMemoryCacheDelete(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), 0)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("expected key gone after Delete")
	}
}

func TestMemoryCacheTTLNoExpiry(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), 0)
	ttl, err := c.TTL(ctx, "k")
	if err != nil || ttl != 0 {
		t.Fatalf("expected zero TTL for non-expiring key, got %v err=%v", ttl, err)
	}
}
