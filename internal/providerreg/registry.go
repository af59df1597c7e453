// Package providerreg is C3, the provider registry: it maps a URL path
// prefix and a provider-type catalog row into an upstream descriptor used
// by the rest of the pipeline to forward a request (spec §4.1 step 4).
package providerreg

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/aiproxy/internal/cachekv"
	"github.com/wisbric/aiproxy/internal/oauthrefresh"
	"github.com/wisbric/aiproxy/internal/store"
	"github.com/wisbric/aiproxy/pkg/apierr"
)

const cacheTTL = 30 * time.Minute

var nameRE = regexp.MustCompile(`^[a-z0-9_]{2,50}$`)

// Descriptor is the resolved, pipeline-facing view of a provider type:
// upstream host, auth scheme, and the subset of OAuth flow configs it
// exposes (spec §2 C3).
type Descriptor struct {
	ID                 uuid.UUID
	Name               string
	BaseURL            string
	AuthType           string
	AuthHeaderTemplate string
	TimeoutSeconds     int
	OAuthConfigs       map[string]store.OAuthFlowConfig
}

// Store is the subset of *store.Store the registry depends on.
type Store interface {
	GetProviderType(ctx context.Context, id uuid.UUID) (*store.ProviderType, error)
	GetProviderTypeByName(ctx context.Context, name string) (*store.ProviderType, error)
}

// Registry resolves provider descriptors, caching by name and by id with a
// 30 minute TTL (spec §4.1 step 4).
type Registry struct {
	store Store
	cache cachekv.Cache
}

// New builds a Registry over the given store and cache.
func New(st Store, cache cachekv.Cache) *Registry {
	return &Registry{store: st, cache: cache}
}

// ParseName validates a path-derived provider name: lowercase, 2-50 chars,
// [a-z0-9_] only (spec §4.1 step 4).
func ParseName(raw string) (string, error) {
	name := strings.ToLower(raw)
	if !nameRE.MatchString(name) {
		return "", apierr.New(apierr.KindInvalidProviderName, "invalid provider name %q", raw)
	}
	return name, nil
}

// ResolveByName looks up a provider type by its path prefix, cache-first.
func (r *Registry) ResolveByName(ctx context.Context, name string) (*Descriptor, error) {
	cacheKey := "providerreg:name:" + name
	if d, ok := r.readCache(ctx, cacheKey); ok {
		return d, nil
	}

	pt, err := r.store.GetProviderTypeByName(ctx, name)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindProviderNotFound, err, "provider %q not found", name)
	}
	d := fromProviderType(pt)
	r.writeCache(ctx, cacheKey, d)
	return d, nil
}

// ResolveByID looks up a provider type by id, used as the fallback when the
// path segment does not resolve (spec §4.1 step 4: "fall back to the
// provider_type_id on the service-API row").
func (r *Registry) ResolveByID(ctx context.Context, id uuid.UUID) (*Descriptor, error) {
	cacheKey := "providerreg:id:" + id.String()
	if d, ok := r.readCache(ctx, cacheKey); ok {
		return d, nil
	}

	pt, err := r.store.GetProviderType(ctx, id)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindProviderNotFound, err, "provider type %s not found", id)
	}
	d := fromProviderType(pt)
	r.writeCache(ctx, cacheKey, d)
	return d, nil
}

// LookupFlow resolves the OAuth flow config and provider-kind strategy for
// a qualified provider name of the form "type:flow" (spec §3
// OAuthSession.ProviderName), satisfying the ProviderLookup interface
// shared by the credential resolver (C10) and the refresh scheduler (C8).
func (r *Registry) LookupFlow(providerName string) (store.OAuthFlowConfig, oauthrefresh.ProviderKind, bool) {
	typeName, flow, ok := strings.Cut(providerName, ":")
	if !ok {
		return store.OAuthFlowConfig{}, oauthrefresh.ProviderGeneric, false
	}

	d, err := r.ResolveByName(context.Background(), typeName)
	if err != nil {
		return store.OAuthFlowConfig{}, oauthrefresh.ProviderGeneric, false
	}

	cfg, ok := d.OAuthConfigs[flow]
	if !ok {
		return store.OAuthFlowConfig{}, oauthrefresh.ProviderGeneric, false
	}
	return cfg, oauthrefresh.KindForProviderName(typeName), true
}

func fromProviderType(pt *store.ProviderType) *Descriptor {
	return &Descriptor{
		ID:                 pt.ID,
		Name:               pt.Name,
		BaseURL:            pt.BaseURL,
		AuthType:           pt.AuthType,
		AuthHeaderTemplate: pt.AuthHeaderTemplate,
		TimeoutSeconds:     pt.TimeoutSeconds,
		OAuthConfigs:       pt.OAuthConfigs,
	}
}
