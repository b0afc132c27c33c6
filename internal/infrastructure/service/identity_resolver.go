// Package service contains small adapters that compose infrastructure
// pieces into the interfaces the domain and engine expect.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/clirdec/presence-engine/internal/domain/identity"
	"github.com/clirdec/presence-engine/internal/domain/shared"
	redisCache "github.com/clirdec/presence-engine/internal/infrastructure/persistence/redis"
)

// IdentityResolver implements identity.Resolver: Redis first, PostgreSQL on
// a miss, write the result back to the cache. Cache failures degrade to
// direct database reads; a broken Redis must not stop taps.
type IdentityResolver struct {
	repo   identity.Repository
	cache  *redisCache.IdentityCache
	logger *slog.Logger
}

// NewIdentityResolver creates a resolver. The cache may be nil (Redis
// disabled), in which case every lookup goes to the database.
func NewIdentityResolver(repo identity.Repository, cache *redisCache.IdentityCache, logger *slog.Logger) *IdentityResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityResolver{
		repo:   repo,
		cache:  cache,
		logger: logger,
	}
}

// Resolve maps a card UID to an enrolled, active student.
func (r *IdentityResolver) Resolve(ctx context.Context, cardID identity.CardID) (*identity.Student, error) {
	if !cardID.IsValid() {
		return nil, shared.ErrInvalidCardID
	}
	cardID = cardID.Normalized()

	if r.cache != nil {
		s, err := r.cache.GetByCard(ctx, cardID)
		switch {
		case err == nil:
			return r.checkActive(s)
		case errors.Is(err, redisCache.ErrCacheMiss):
			// fall through to the database
		default:
			r.logger.Warn("identity cache read failed", "error", err)
		}
	}

	s, err := r.repo.GetByCardID(ctx, cardID)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, s); err != nil {
			r.logger.Warn("identity cache write failed", "error", err)
		}
	}

	return r.checkActive(s)
}

// checkActive refuses cards of deactivated students. The card row stays in
// the database for the audit trail.
func (r *IdentityResolver) checkActive(s *identity.Student) (*identity.Student, error) {
	if !s.Active {
		return nil, shared.ErrUnknownCard
	}
	return s, nil
}
