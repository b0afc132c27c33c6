package redis

import (
	"context"

	"github.com/clirdec/presence-engine/internal/domain/session"
)

// RosterCache stores the last published roster snapshot per classroom.
// Dashboards reconnecting after a network blip read the snapshot from here
// instead of forcing a registry query.
type RosterCache struct {
	cache *Cache
}

// NewRosterCache creates a new RosterCache.
func NewRosterCache(cache *Cache) *RosterCache {
	return &RosterCache{cache: cache}
}

// Set stores the roster snapshot for a classroom.
func (rc *RosterCache) Set(ctx context.Context, snap session.Snapshot) error {
	return rc.cache.Set(ctx, RosterKey(snap.ClassroomID), snap, TTLRoster)
}

// Get returns the last snapshot for a classroom, or ErrCacheMiss.
func (rc *RosterCache) Get(ctx context.Context, classroomID string) (session.Snapshot, error) {
	var snap session.Snapshot
	if err := rc.cache.Get(ctx, RosterKey(classroomID), &snap); err != nil {
		return session.Snapshot{}, err
	}
	return snap, nil
}

// Clear drops the snapshot for a classroom after its session is archived.
func (rc *RosterCache) Clear(ctx context.Context, classroomID string) error {
	return rc.cache.Delete(ctx, RosterKey(classroomID))
}
