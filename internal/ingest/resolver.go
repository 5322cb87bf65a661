package ingest

import (
	"context"
	"fmt"
	"time"

	"payload-tracker/backend/internal/payload/cache"
	payloaddomain "payload-tracker/backend/internal/payload/domain"
)

// PayloadRepo is the minimal payload repository needed by the resolver.
type PayloadRepo interface {
	GetOrCreateByIdentifier(ctx context.Context, identifier string) (*payloaddomain.Payload, bool, error)
}

// Resolver maps a candidate's identifier to its payload and computes the
// fusion bucket key. Identifier lookups go through the in-process cache; the
// cache is invalidated externally on payload merges.
type Resolver struct {
	payloads PayloadRepo
	cache    *cache.IdentifierCache
	window   time.Duration
}

// NewResolver returns a resolver using the given repository, cache, and
// coalescing window.
func NewResolver(payloads PayloadRepo, c *cache.IdentifierCache, window time.Duration) *Resolver {
	return &Resolver{payloads: payloads, cache: c, window: window}
}

// ResolvePayload returns the payload id owning the identifier, creating the
// payload (named after the identifier) on first sighting.
func (r *Resolver) ResolvePayload(ctx context.Context, identifier string) (string, error) {
	if id, ok := r.cache.Get(identifier); ok {
		return id, nil
	}
	p, _, err := r.payloads.GetOrCreateByIdentifier(ctx, identifier)
	if err != nil {
		return "", fmt.Errorf("%w: payload upsert: %v", ErrStoreUnavailable, err)
	}
	r.cache.Put(identifier, p.ID)
	return p.ID, nil
}

// BucketKey quantizes the candidate's effective time by the coalescing window
// and scopes it to the payload. At most one merge runs per key at a time.
func (r *Resolver) BucketKey(payloadID string, effective time.Time) string {
	bucket := effective.UnixNano() / int64(r.window)
	return fmt.Sprintf("%s:%d", payloadID, bucket)
}

// Window returns the coalescing window Δt.
func (r *Resolver) Window() time.Duration {
	return r.window
}
