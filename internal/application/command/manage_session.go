package command

import (
	"context"
	"time"

	"github.com/clirdec/presence-engine/internal/domain/session"
	"github.com/clirdec/presence-engine/internal/domain/shared"
	"github.com/clirdec/presence-engine/internal/engine"
)

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULE SESSION COMMAND
// Admits an ad-hoc session (make-up class, special lecture) outside the
// regular timetable.
// ══════════════════════════════════════════════════════════════════════════════

// ScheduleSessionCommand contains the data to admit one session.
type ScheduleSessionCommand struct {
	ClassroomID    string
	SubjectID      string
	ScheduledStart time.Time
	ScheduledEnd   time.Time

	// DualValidation overrides the default policy for this session only.
	DualValidation *bool
}

// Validate validates the command.
func (c ScheduleSessionCommand) Validate() error {
	if c.ClassroomID == "" {
		return shared.NewDomainError("command", "schedule_session", shared.ErrValidation, "classroom_id is required")
	}
	if c.SubjectID == "" {
		return shared.NewDomainError("command", "schedule_session", shared.ErrValidation, "subject_id is required")
	}
	if c.ScheduledStart.IsZero() || c.ScheduledEnd.IsZero() {
		return shared.NewDomainError("command", "schedule_session", shared.ErrValidation, "scheduled_start and scheduled_end are required")
	}
	if !c.ScheduledEnd.After(c.ScheduledStart) {
		return shared.NewDomainError("command", "schedule_session", shared.ErrValidation, "scheduled_end must be after scheduled_start")
	}
	return nil
}

// ScheduleSessionHandler handles the ScheduleSessionCommand.
type ScheduleSessionHandler struct {
	registry *engine.Registry
	policy   session.TimingPolicy
}

// NewScheduleSessionHandler creates a new ScheduleSessionHandler.
func NewScheduleSessionHandler(registry *engine.Registry, policy session.TimingPolicy) *ScheduleSessionHandler {
	return &ScheduleSessionHandler{registry: registry, policy: policy}
}

// Handle executes the schedule session command.
func (h *ScheduleSessionHandler) Handle(ctx context.Context, cmd ScheduleSessionCommand) (session.Snapshot, error) {
	if err := cmd.Validate(); err != nil {
		return session.Snapshot{}, err
	}

	var override *session.TimingPolicy
	if cmd.DualValidation != nil {
		p := h.policy
		p.DualValidation = *cmd.DualValidation
		if p.DualValidation && p.CorroborationGrace == 0 {
			p.CorroborationGrace = 10 * time.Second
		}
		override = &p
	}

	return h.registry.ScheduleSession(ctx, engine.ScheduleParams{
		ClassroomID:    cmd.ClassroomID,
		SubjectID:      cmd.SubjectID,
		ScheduledStart: cmd.ScheduledStart,
		ScheduledEnd:   cmd.ScheduledEnd,
		PolicyOverride: override,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// START SESSION COMMAND
// Instructor starting a session ahead of (or independent of) the auto-start
// buffer.
// ══════════════════════════════════════════════════════════════════════════════

// StartSessionCommand contains the data to start a session.
type StartSessionCommand struct {
	SessionID string
	At        time.Time
}

// Validate validates the command.
func (c StartSessionCommand) Validate() error {
	if c.SessionID == "" {
		return shared.NewDomainError("command", "start_session", shared.ErrValidation, "session_id is required")
	}
	return nil
}

// StartSessionHandler handles the StartSessionCommand.
type StartSessionHandler struct {
	registry *engine.Registry
}

// NewStartSessionHandler creates a new StartSessionHandler.
func NewStartSessionHandler(registry *engine.Registry) *StartSessionHandler {
	return &StartSessionHandler{registry: registry}
}

// Handle executes the start session command.
func (h *StartSessionHandler) Handle(ctx context.Context, cmd StartSessionCommand) (session.Snapshot, error) {
	if err := cmd.Validate(); err != nil {
		return session.Snapshot{}, err
	}

	at := cmd.At
	if at.IsZero() {
		at = time.Now()
	}
	if err := h.registry.StartSession(ctx, cmd.SessionID, at); err != nil {
		return session.Snapshot{}, err
	}
	return h.registry.SnapshotByID(ctx, cmd.SessionID)
}

// ══════════════════════════════════════════════════════════════════════════════
// END SESSION COMMAND
// Instructor ending a session early, or confirming the scheduled end.
// ══════════════════════════════════════════════════════════════════════════════

// EndSessionCommand contains the data to end a session.
type EndSessionCommand struct {
	SessionID string
	At        time.Time
}

// Validate validates the command.
func (c EndSessionCommand) Validate() error {
	if c.SessionID == "" {
		return shared.NewDomainError("command", "end_session", shared.ErrValidation, "session_id is required")
	}
	return nil
}

// EndSessionHandler handles the EndSessionCommand.
type EndSessionHandler struct {
	registry *engine.Registry
}

// NewEndSessionHandler creates a new EndSessionHandler.
func NewEndSessionHandler(registry *engine.Registry) *EndSessionHandler {
	return &EndSessionHandler{registry: registry}
}

// Handle executes the end session command. Ending finalizes every
// still-absent record; the returned snapshot carries the frozen roster.
func (h *EndSessionHandler) Handle(ctx context.Context, cmd EndSessionCommand) (session.Snapshot, error) {
	if err := cmd.Validate(); err != nil {
		return session.Snapshot{}, err
	}

	at := cmd.At
	if at.IsZero() {
		at = time.Now()
	}
	if err := h.registry.EndSession(ctx, cmd.SessionID, at); err != nil {
		return session.Snapshot{}, err
	}
	return h.registry.SnapshotByID(ctx, cmd.SessionID)
}
