package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clirdec/presence-engine/internal/domain/session"
	"github.com/clirdec/presence-engine/internal/domain/shared"
	"github.com/clirdec/presence-engine/internal/infrastructure/persistence/writebehind"
)

// ══════════════════════════════════════════════════════════════════════════════
// COLLABORATOR INTERFACES
// ══════════════════════════════════════════════════════════════════════════════

// Flusher is the write-behind queue surface the engine needs.
type Flusher interface {
	Enqueue(name string, op writebehind.Op)
}

// SnapshotSink receives the session snapshot after every published event.
// The realtime hub and the roster cache sit behind this.
type SnapshotSink interface {
	Publish(snap session.Snapshot, event shared.Event)
}

// ══════════════════════════════════════════════════════════════════════════════
// REGISTRY
// ══════════════════════════════════════════════════════════════════════════════

// Registry owns every live session actor. It enforces at most one Active
// session per classroom and routes taps, ticks, and lifecycle commands to
// the owning actor. The registry itself only guards its maps; all session
// state lives inside the actors.
type Registry struct {
	mu sync.RWMutex

	byID      map[string]*sessionActor
	byRoom    map[string][]*sessionActor // non-ended sessions per classroom
	scheduled map[string]string          // scheduleID+date -> sessionID, materialization idempotency

	// activation serializes Scheduled -> Active per classroom. Checking
	// the room and starting the winner must be one critical section or
	// two concurrent starts both pass the check.
	activation map[string]*sync.Mutex

	policy   session.TimingPolicy
	source   session.ScheduleSource
	fx       *effects
	logger   *slog.Logger
	closedCh chan struct{}
}

// Config wires the registry's collaborators.
type Config struct {
	// Policy is the timing policy template stamped onto new sessions.
	Policy session.TimingPolicy

	// Source materializes the daily timetable. Optional for manual-only use.
	Source session.ScheduleSource

	// Bus receives every domain event. Optional.
	Bus shared.EventBus

	// Flusher absorbs write-behind persistence. Optional.
	Flusher Flusher

	// Sink receives snapshots for realtime fan-out. Optional.
	Sink SnapshotSink

	// Sessions and Records are the persistence targets for the flusher.
	Sessions session.Repository
	Records  session.RecordRepository

	// Logger for structured logging.
	Logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Registry{
		byID:       make(map[string]*sessionActor),
		byRoom:     make(map[string][]*sessionActor),
		scheduled:  make(map[string]string),
		activation: make(map[string]*sync.Mutex),
		policy:     cfg.Policy,
		source:     cfg.Source,
		fx: &effects{
			bus:      cfg.Bus,
			flusher:  cfg.Flusher,
			sink:     cfg.Sink,
			sessions: cfg.Sessions,
			records:  cfg.Records,
			logger:   cfg.Logger,
		},
		logger:   cfg.Logger,
		closedCh: make(chan struct{}),
	}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Session admission
// ─────────────────────────────────────────────────────────────────────────────

// ScheduleParams describes a session to admit into the registry.
type ScheduleParams struct {
	ScheduleID     string
	ClassroomID    string
	SubjectID      string
	ScheduledStart time.Time
	ScheduledEnd   time.Time

	// PolicyOverride replaces the registry's policy template when non-nil.
	PolicyOverride *session.TimingPolicy
}

// ScheduleSession admits one Scheduled session. Used by the timetable
// materializer and by instructors creating ad-hoc sessions.
func (r *Registry) ScheduleSession(ctx context.Context, p ScheduleParams) (session.Snapshot, error) {
	policy := r.policy
	if p.PolicyOverride != nil {
		policy = *p.PolicyOverride
	}

	sess, err := session.NewSession(session.NewSessionParams{
		ID:             uuid.New().String(),
		ScheduleID:     p.ScheduleID,
		ClassroomID:    p.ClassroomID,
		SubjectID:      p.SubjectID,
		ScheduledStart: p.ScheduledStart,
		ScheduledEnd:   p.ScheduledEnd,
		Policy:         policy,
	})
	if err != nil {
		return session.Snapshot{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Overlapping sessions in one room are admitted; only concurrent
	// Active ones are forbidden, and activation checks that.
	actor := newSessionActor(sess, r.fx, r.logger)
	r.byID[sess.ID] = actor
	r.byRoom[sess.ClassroomID] = append(r.byRoom[sess.ClassroomID], actor)

	if p.ScheduleID != "" {
		r.scheduled[materializationKey(p.ScheduleID, p.ScheduledStart)] = sess.ID
	}

	r.logger.Info("session scheduled",
		"session_id", sess.ID,
		"classroom_id", sess.ClassroomID,
		"subject_id", sess.SubjectID,
		"scheduled_start", p.ScheduledStart.Format(time.RFC3339),
	)

	snap := sess.Snapshot()
	r.flushSnapshot(snap)
	return snap, nil
}

// MaterializeDay creates sessions for every timetable entry of the date that
// is not yet admitted. Idempotent: re-runs skip existing sessions.
func (r *Registry) MaterializeDay(ctx context.Context, date time.Time) (int, error) {
	if r.source == nil {
		return 0, shared.NewDomainError("engine", "MaterializeDay", shared.ErrInvalidInput, "no schedule source configured")
	}

	entries, err := r.source.LoadForDate(ctx, date)
	if err != nil {
		return 0, fmt.Errorf("load timetable: %w", err)
	}

	created := 0
	for _, e := range entries {
		r.mu.RLock()
		_, exists := r.scheduled[materializationKey(e.ID, e.StartTime)]
		r.mu.RUnlock()
		if exists {
			continue
		}

		if _, err := r.ScheduleSession(ctx, ScheduleParams{
			ScheduleID:     e.ID,
			ClassroomID:    e.ClassroomID,
			SubjectID:      e.SubjectID,
			ScheduledStart: e.StartTime,
			ScheduledEnd:   e.EndTime,
		}); err != nil {
			r.logger.Error("materialization skipped entry",
				"schedule_id", e.ID,
				"error", err,
			)
			continue
		}
		created++
	}

	return created, nil
}

func materializationKey(scheduleID string, start time.Time) string {
	return scheduleID + "@" + start.Format("2006-01-02")
}

// ─────────────────────────────────────────────────────────────────────────────
// Lifecycle commands
// ─────────────────────────────────────────────────────────────────────────────

// StartSession activates a session by ID. Manual starts bypass the
// auto-start buffer but still respect the one-active-per-classroom rule.
func (r *Registry) StartSession(ctx context.Context, sessionID string, at time.Time) error {
	r.mu.RLock()
	actor, ok := r.byID[sessionID]
	r.mu.RUnlock()
	if !ok {
		return shared.ErrSessionNotFound
	}

	lock := r.activationLock(actor.sess.ClassroomID)
	lock.Lock()
	defer lock.Unlock()

	if err := r.guardSingleActive(ctx, actor); err != nil {
		return err
	}

	return actor.startSession(ctx, at, true)
}

// EndSession ends a session by ID (instructor override or early dismissal).
func (r *Registry) EndSession(ctx context.Context, sessionID string, at time.Time) error {
	r.mu.RLock()
	actor, ok := r.byID[sessionID]
	r.mu.RUnlock()
	if !ok {
		return shared.ErrSessionNotFound
	}

	return actor.endSession(ctx, at, true)
}

// activationLock returns the room's activation mutex, creating it on first
// use. Locks persist after their room empties; a campus has a bounded set
// of classrooms.
func (r *Registry) activationLock(classroomID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.activation[classroomID]
	if !ok {
		lock = &sync.Mutex{}
		r.activation[classroomID] = lock
	}
	return lock
}

// guardSingleActive rejects activation while another session in the same
// room is Active. Callers must hold the room's activation lock.
func (r *Registry) guardSingleActive(ctx context.Context, candidate *sessionActor) error {
	r.mu.RLock()
	roomActors := append([]*sessionActor(nil), r.byRoom[candidate.sess.ClassroomID]...)
	r.mu.RUnlock()

	for _, other := range roomActors {
		if other == candidate {
			continue
		}
		snap, err := other.snapshot(ctx)
		if err != nil {
			continue
		}
		if snap.State == session.StateActive {
			return shared.ErrAlreadyActive
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Event routing
// ─────────────────────────────────────────────────────────────────────────────

// ApplyTap routes one identification event to the classroom's session. When
// no session is Active but one is inside its auto-start buffer, the tap
// activates it first.
func (r *Registry) ApplyTap(ctx context.Context, classroomID string, p session.CheckInParams) (session.Transition, error) {
	actor, err := r.admitRoom(ctx, classroomID, p.At)
	if err != nil {
		return session.Transition{}, err
	}
	return actor.applyTap(ctx, p)
}

// Corroborate routes a standalone proximity confirmation.
func (r *Registry) Corroborate(ctx context.Context, classroomID, studentID string, at time.Time) (session.Transition, error) {
	actor := r.activeActor(ctx, classroomID)
	if actor == nil {
		return session.Transition{}, shared.ErrSessionNotActive
	}
	return actor.corroborate(ctx, studentID, at)
}

// admitRoom finds the Active session for a room, auto-starting a due
// Scheduled one when necessary.
func (r *Registry) admitRoom(ctx context.Context, classroomID string, now time.Time) (*sessionActor, error) {
	if actor := r.activeActor(ctx, classroomID); actor != nil {
		return actor, nil
	}

	lock := r.activationLock(classroomID)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock: a concurrent admit or manual start may
	// have won the room between the fast path and here.
	if actor := r.activeActor(ctx, classroomID); actor != nil {
		return actor, nil
	}

	r.mu.RLock()
	roomActors := append([]*sessionActor(nil), r.byRoom[classroomID]...)
	r.mu.RUnlock()

	for _, actor := range roomActors {
		snap, err := actor.snapshot(ctx)
		if err != nil {
			continue
		}
		if snap.State != session.StateScheduled {
			continue
		}
		// Policy is frozen at creation, so reading it here is race-free.
		buffer := actor.sess.Policy.AutoStartBuffer
		if now.Before(snap.ScheduledStart.Add(-buffer)) {
			continue
		}

		if err := actor.startSession(ctx, now, false); err != nil {
			if errors.Is(err, shared.ErrAlreadyActive) {
				return actor, nil
			}
			return nil, err
		}
		return actor, nil
	}

	return nil, shared.ErrSessionNotActive
}

func (r *Registry) activeActor(ctx context.Context, classroomID string) *sessionActor {
	r.mu.RLock()
	roomActors := append([]*sessionActor(nil), r.byRoom[classroomID]...)
	r.mu.RUnlock()

	for _, actor := range roomActors {
		snap, err := actor.snapshot(ctx)
		if err != nil {
			continue
		}
		if snap.State == session.StateActive {
			return actor
		}
	}
	return nil
}

// Tick sweeps all actors: auto-start due sessions, auto-end overdue ones,
// expire stale pendings. Non-blocking toward the actors.
func (r *Registry) Tick(ctx context.Context, now time.Time) {
	r.mu.RLock()
	actors := make([]*sessionActor, 0, len(r.byID))
	rooms := make([]string, 0, len(r.byRoom))
	for _, a := range r.byID {
		actors = append(actors, a)
	}
	for room := range r.byRoom {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	for _, actor := range actors {
		actor.notifyTick(now)
	}

	// Auto-start sessions whose buffer has opened, even before any tap.
	for _, room := range rooms {
		if _, err := r.admitRoom(ctx, room, now); err != nil && !errors.Is(err, shared.ErrSessionNotActive) {
			r.logger.Debug("tick auto-start skipped", "classroom_id", room, "error", err)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Queries
// ─────────────────────────────────────────────────────────────────────────────

// SnapshotByID returns a snapshot of one session.
func (r *Registry) SnapshotByID(ctx context.Context, sessionID string) (session.Snapshot, error) {
	r.mu.RLock()
	actor, ok := r.byID[sessionID]
	r.mu.RUnlock()
	if !ok {
		return session.Snapshot{}, shared.ErrSessionNotFound
	}
	return actor.snapshot(ctx)
}

// ActiveSnapshot returns the Active session of a classroom.
func (r *Registry) ActiveSnapshot(ctx context.Context, classroomID string) (session.Snapshot, error) {
	actor := r.activeActor(ctx, classroomID)
	if actor == nil {
		return session.Snapshot{}, shared.ErrSessionNotActive
	}
	return actor.snapshot(ctx)
}

// Snapshots returns snapshots of every admitted session.
func (r *Registry) Snapshots(ctx context.Context) []session.Snapshot {
	r.mu.RLock()
	actors := make([]*sessionActor, 0, len(r.byID))
	for _, a := range r.byID {
		actors = append(actors, a)
	}
	r.mu.RUnlock()

	snaps := make([]session.Snapshot, 0, len(actors))
	for _, actor := range actors {
		snap, err := actor.snapshot(ctx)
		if err != nil {
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps
}

// ─────────────────────────────────────────────────────────────────────────────
// Maintenance
// ─────────────────────────────────────────────────────────────────────────────

// ArchiveEnded retires every Ended session actor. Their final state was
// flushed when they ended; this only releases memory.
func (r *Registry) ArchiveEnded(ctx context.Context) (int, error) {
	// Read states through the actors to avoid racing their goroutines.
	var toStop []*sessionActor
	r.mu.RLock()
	all := make([]*sessionActor, 0, len(r.byID))
	for _, a := range r.byID {
		all = append(all, a)
	}
	r.mu.RUnlock()

	for _, actor := range all {
		snap, err := actor.snapshot(ctx)
		if err != nil {
			continue
		}
		if snap.State == session.StateEnded {
			toStop = append(toStop, actor)
		}
	}

	r.mu.Lock()
	for _, actor := range toStop {
		delete(r.byID, actor.sess.ID)
		room := actor.sess.ClassroomID
		kept := r.byRoom[room][:0]
		for _, a := range r.byRoom[room] {
			if a != actor {
				kept = append(kept, a)
			}
		}
		if len(kept) == 0 {
			delete(r.byRoom, room)
		} else {
			r.byRoom[room] = kept
		}
	}
	r.mu.Unlock()

	for _, actor := range toStop {
		actor.stop()
	}

	return len(toStop), nil
}

// Rehydrate restores today's sessions from storage after a restart. Ended
// sessions are skipped; Active sessions resume accepting events with their
// committed records intact.
func (r *Registry) Rehydrate(ctx context.Context, date time.Time) (int, error) {
	if r.fx.sessions == nil {
		return 0, nil
	}

	snaps, err := r.fx.sessions.LoadActiveForDate(ctx, date)
	if err != nil {
		return 0, fmt.Errorf("load stored sessions: %w", err)
	}

	restored := 0
	for _, snap := range snaps {
		// Each session resumes under the policy frozen at its creation,
		// not the current template. Rows stored without one fall back.
		policy := snap.Policy
		if policy == (session.TimingPolicy{}) {
			policy = r.policy
		}

		sess, err := session.NewSession(session.NewSessionParams{
			ID:             snap.ID,
			ScheduleID:     snap.ScheduleID,
			ClassroomID:    snap.ClassroomID,
			SubjectID:      snap.SubjectID,
			ScheduledStart: snap.ScheduledStart,
			ScheduledEnd:   snap.ScheduledEnd,
			Policy:         policy,
		})
		if err != nil {
			r.logger.Error("rehydration skipped session", "session_id", snap.ID, "error", err)
			continue
		}

		if snap.State == session.StateActive {
			if err := sess.Start(snap.ActualStart); err != nil {
				r.logger.Error("rehydration activation failed", "session_id", snap.ID, "error", err)
				continue
			}
		}
		for _, rec := range snap.Records {
			sess.RestoreRecord(rec)
		}

		r.mu.Lock()
		actor := newSessionActor(sess, r.fx, r.logger)
		r.byID[sess.ID] = actor
		r.byRoom[sess.ClassroomID] = append(r.byRoom[sess.ClassroomID], actor)
		if sess.ScheduleID != "" {
			// Keeps MaterializeDay idempotent across restarts.
			r.scheduled[materializationKey(sess.ScheduleID, sess.ScheduledStart)] = sess.ID
		}
		r.mu.Unlock()
		restored++
	}

	if restored > 0 {
		r.logger.Info("registry rehydrated", "sessions", restored)
	}
	return restored, nil
}

// Close stops every actor.
func (r *Registry) Close() {
	r.mu.Lock()
	actors := make([]*sessionActor, 0, len(r.byID))
	for _, a := range r.byID {
		actors = append(actors, a)
	}
	r.byID = make(map[string]*sessionActor)
	r.byRoom = make(map[string][]*sessionActor)
	r.mu.Unlock()

	for _, actor := range actors {
		actor.stop()
	}
}

func (r *Registry) flushSnapshot(snap session.Snapshot) {
	if r.fx.flusher == nil || r.fx.sessions == nil {
		return
	}
	r.fx.flusher.Enqueue("session", func(ctx context.Context) error {
		return r.fx.sessions.Upsert(ctx, snap)
	})
}
