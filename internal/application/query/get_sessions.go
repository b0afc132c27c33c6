// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"

	"github.com/clirdec/presence-engine/internal/domain/behavior"
	"github.com/clirdec/presence-engine/internal/domain/session"
	"github.com/clirdec/presence-engine/internal/domain/shared"
	"github.com/clirdec/presence-engine/internal/engine"
)

// Queries read straight from the in-memory registry. The store lags behind by
// at most the write-behind queue depth, so serving reads from it would show
// instructors stale rosters.

// ══════════════════════════════════════════════════════════════════════════════
// GET SESSION QUERY
// ══════════════════════════════════════════════════════════════════════════════

// GetSessionQuery requests one session with its full roster.
type GetSessionQuery struct {
	SessionID string
}

// GetSessionHandler handles the GetSessionQuery.
type GetSessionHandler struct {
	registry *engine.Registry
}

// NewGetSessionHandler creates a new GetSessionHandler.
func NewGetSessionHandler(registry *engine.Registry) *GetSessionHandler {
	return &GetSessionHandler{registry: registry}
}

// Handle executes the query.
func (h *GetSessionHandler) Handle(ctx context.Context, q GetSessionQuery) (session.Snapshot, error) {
	if q.SessionID == "" {
		return session.Snapshot{}, shared.NewDomainError("query", "get_session", shared.ErrValidation, "session_id is required")
	}
	return h.registry.SnapshotByID(ctx, q.SessionID)
}

// ══════════════════════════════════════════════════════════════════════════════
// GET ACTIVE SESSION QUERY
// What the classroom dashboard polls: the live session for a room.
// ══════════════════════════════════════════════════════════════════════════════

// GetActiveSessionQuery requests the Active session of a classroom.
type GetActiveSessionQuery struct {
	ClassroomID string
}

// GetActiveSessionHandler handles the GetActiveSessionQuery.
type GetActiveSessionHandler struct {
	registry *engine.Registry
}

// NewGetActiveSessionHandler creates a new GetActiveSessionHandler.
func NewGetActiveSessionHandler(registry *engine.Registry) *GetActiveSessionHandler {
	return &GetActiveSessionHandler{registry: registry}
}

// Handle executes the query.
func (h *GetActiveSessionHandler) Handle(ctx context.Context, q GetActiveSessionQuery) (session.Snapshot, error) {
	if q.ClassroomID == "" {
		return session.Snapshot{}, shared.NewDomainError("query", "get_active_session", shared.ErrValidation, "classroom_id is required")
	}
	return h.registry.ActiveSnapshot(ctx, q.ClassroomID)
}

// ══════════════════════════════════════════════════════════════════════════════
// LIST SESSIONS QUERY
// ══════════════════════════════════════════════════════════════════════════════

// ListSessionsQuery requests every session the registry currently holds,
// optionally filtered by state.
type ListSessionsQuery struct {
	State session.State // empty = all
}

// ListSessionsHandler handles the ListSessionsQuery.
type ListSessionsHandler struct {
	registry *engine.Registry
}

// NewListSessionsHandler creates a new ListSessionsHandler.
func NewListSessionsHandler(registry *engine.Registry) *ListSessionsHandler {
	return &ListSessionsHandler{registry: registry}
}

// Handle executes the query.
func (h *ListSessionsHandler) Handle(ctx context.Context, q ListSessionsQuery) []session.Snapshot {
	snaps := h.registry.Snapshots(ctx)
	if q.State == "" {
		return snaps
	}
	filtered := snaps[:0]
	for _, snap := range snaps {
		if snap.State == q.State {
			filtered = append(filtered, snap)
		}
	}
	return filtered
}

// ══════════════════════════════════════════════════════════════════════════════
// GET BEHAVIOR LEVEL QUERY
// ══════════════════════════════════════════════════════════════════════════════

// GetBehaviorLevelQuery requests a student's current escalation level.
type GetBehaviorLevelQuery struct {
	StudentID string
}

// GetBehaviorLevelHandler handles the GetBehaviorLevelQuery.
type GetBehaviorLevelHandler struct {
	escalator *engine.Escalator
}

// NewGetBehaviorLevelHandler creates a new GetBehaviorLevelHandler.
func NewGetBehaviorLevelHandler(escalator *engine.Escalator) *GetBehaviorLevelHandler {
	return &GetBehaviorLevelHandler{escalator: escalator}
}

// Handle executes the query.
func (h *GetBehaviorLevelHandler) Handle(ctx context.Context, q GetBehaviorLevelQuery) (behavior.Level, error) {
	if q.StudentID == "" {
		return behavior.LevelNone, shared.NewDomainError("query", "get_behavior_level", shared.ErrValidation, "student_id is required")
	}
	return h.escalator.Level(ctx, q.StudentID)
}
