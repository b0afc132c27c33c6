package redis

import (
	"context"
	"time"

	"github.com/clirdec/presence-engine/internal/domain/identity"
)

// IdentityCache caches card-to-student resolutions. Every tap resolves a
// card, so this sits directly on the hot path; a miss falls through to
// PostgreSQL via the resolver service.
type IdentityCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewIdentityCache creates a new IdentityCache.
func NewIdentityCache(cache *Cache) *IdentityCache {
	return &IdentityCache{
		cache: cache,
		ttl:   TTLIdentity,
	}
}

// GetByCard returns the cached student for a card, or ErrCacheMiss.
func (ic *IdentityCache) GetByCard(ctx context.Context, cardID identity.CardID) (*identity.Student, error) {
	var s identity.Student
	if err := ic.cache.Get(ctx, CardKey(cardID.Normalized().String()), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Set caches a student under both the card key and the student key.
func (ic *IdentityCache) Set(ctx context.Context, s *identity.Student) error {
	if err := ic.cache.Set(ctx, CardKey(s.CardID.Normalized().String()), s, ic.ttl); err != nil {
		return err
	}
	return ic.cache.Set(ctx, StudentKey(s.ID), s, ic.ttl)
}

// GetByID returns the cached student by ID, or ErrCacheMiss.
func (ic *IdentityCache) GetByID(ctx context.Context, studentID string) (*identity.Student, error) {
	var s identity.Student
	if err := ic.cache.Get(ctx, StudentKey(studentID), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Invalidate drops both cache entries for a student. Called when a card is
// re-enrolled.
func (ic *IdentityCache) Invalidate(ctx context.Context, s *identity.Student) error {
	return ic.cache.Delete(ctx,
		CardKey(s.CardID.Normalized().String()),
		StudentKey(s.ID),
	)
}
