package providerreg

import (
	"context"
	"encoding/json"
)

func (r *Registry) readCache(ctx context.Context, key string) (*Descriptor, bool) {
	if r.cache == nil {
		return nil, false
	}
	raw, ok, err := r.cache.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, false
	}
	return &d, true
}

func (r *Registry) writeCache(ctx context.Context, key string, d *Descriptor) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return
	}
	_ = r.cache.Set(ctx, key, raw, cacheTTL)
}
