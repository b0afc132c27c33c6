package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/clirdec/presence-engine/internal/domain/session"
	"github.com/clirdec/presence-engine/internal/domain/shared"
)

// SnapshotObserver receives every post-event session snapshot.
type SnapshotObserver interface {
	Publish(snap session.Snapshot, event shared.Event)
}

// RosterStore caches the latest snapshot per classroom for dashboard
// cold-starts.
type RosterStore interface {
	Set(ctx context.Context, snap session.Snapshot) error
	Clear(ctx context.Context, classroomID string) error
}

// SnapshotFanout feeds every session snapshot to the realtime hub and the
// roster cache. It sits behind the engine's sink interface so the engine
// stays unaware of how many consumers exist.
type SnapshotFanout struct {
	observers []SnapshotObserver
	roster    RosterStore
	logger    *slog.Logger
}

// NewSnapshotFanout creates a fanout. Both targets are optional.
func NewSnapshotFanout(roster RosterStore, logger *slog.Logger, observers ...SnapshotObserver) *SnapshotFanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotFanout{observers: observers, roster: roster, logger: logger}
}

// Publish distributes one snapshot. Called from session actor goroutines;
// the roster write gets its own short deadline so a slow Redis cannot stall
// an actor.
func (f *SnapshotFanout) Publish(snap session.Snapshot, event shared.Event) {
	for _, obs := range f.observers {
		obs.Publish(snap, event)
	}

	if f.roster == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var err error
		if snap.State == session.StateEnded {
			err = f.roster.Clear(ctx, snap.ClassroomID)
		} else {
			err = f.roster.Set(ctx, snap)
		}
		if err != nil {
			f.logger.Warn("roster cache update failed",
				"classroom_id", snap.ClassroomID,
				"error", err,
			)
		}
	}()
}
