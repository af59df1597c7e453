package providerreg

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/aiproxy/internal/cachekv"
	"github.com/wisbric/aiproxy/internal/store"
)

type fakeStore struct {
	byName map[string]*store.ProviderType
	byID   map[uuid.UUID]*store.ProviderType
	calls  int
}

func (f *fakeStore) GetProviderType(_ context.Context, id uuid.UUID) (*store.ProviderType, error) {
	f.calls++
	pt, ok := f.byID[id]
	if !ok {
		return nil, errNotFound
	}
	return pt, nil
}

func (f *fakeStore) GetProviderTypeByName(_ context.Context, name string) (*store.ProviderType, error) {
	f.calls++
	pt, ok := f.byName[name]
	if !ok {
		return nil, errNotFound
	}
	return pt, nil
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errNotFound = sentinelErr("not found")

func TestParseNameValidation(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"openai", false},
		{"OpenAI", false},
		{"a", true},
		{"this-name-is-way-too-long-to-be-a-valid-provider-name-ok", true},
		{"has space", true},
		{"has.dot", true},
	}
	for _, c := range cases {
		_, err := ParseName(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("ParseName(%q) err=%v, wantErr=%v", c.in, err, c.wantErr)
		}
	}
}

func TestResolveByNameCachesResult(t *testing.T) {
	id := uuid.New()
	fs := &fakeStore{byName: map[string]*store.ProviderType{
		"openai": {ID: id, Name: "openai", BaseURL: "https://api.openai.com", AuthType: "apikey"},
	}}
	reg := New(fs, cachekv.NewMemory())
	ctx := context.Background()

	d1, err := reg.ResolveByName(ctx, "openai")
	if err != nil {
		t.Fatalf("ResolveByName: %v", err)
	}
	if d1.BaseURL != "https://api.openai.com" {
		t.Fatalf("unexpected base url %q", d1.BaseURL)
	}

	if _, err := reg.ResolveByName(ctx, "openai"); err != nil {
		t.Fatalf("second ResolveByName: %v", err)
	}
	if fs.calls != 1 {
		t.Fatalf("expected single store call due to caching, got %d", fs.calls)
	}
}

func TestResolveByNameNotFound(t *testing.T) {
	reg := New(&fakeStore{byName: map[string]*store.ProviderType{}}, cachekv.NewMemory())
	if _, err := reg.ResolveByName(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown provider name")
	}
}
