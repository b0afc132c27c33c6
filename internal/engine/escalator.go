package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clirdec/presence-engine/internal/domain/behavior"
	"github.com/clirdec/presence-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ESCALATION ENGINE
// ══════════════════════════════════════════════════════════════════════════════

// Escalator consumes committed attendance outcomes, maintains per-student
// behavior profiles, and dispatches notification escalations. A single
// goroutine serializes all profile access; the bus handler only forwards
// into the mailbox.
type Escalator struct {
	policy   behavior.Policy
	profiles map[string]*behavior.Profile

	profileRepo behavior.ProfileRepository
	history     behavior.Repository
	notifier    behavior.Notifier
	flusher     Flusher
	bus         shared.EventBus
	logger      *slog.Logger

	mailbox chan interface{}
	quit    chan struct{}
	done    chan struct{}

	enabled bool
	nowFn   func() time.Time
}

type outcomeMsg struct {
	studentID string
	outcome   behavior.Outcome
}

type interventionMsg struct {
	studentID string
	reply     chan error
}

type levelQueryMsg struct {
	studentID string
	reply     chan behavior.Level
}

// EscalatorConfig wires the escalation engine.
type EscalatorConfig struct {
	Policy behavior.Policy

	// ProfileRepo backs profile warm-up and write-behind saves. Optional.
	ProfileRepo behavior.ProfileRepository

	// History records dispatched escalations. Optional.
	History behavior.Repository

	// Notifier delivers escalations. Optional; without it levels are
	// tracked but nothing is sent.
	Notifier behavior.Notifier

	Flusher Flusher
	Bus     shared.EventBus
	Logger  *slog.Logger

	// Enabled gates dispatching; profiles accumulate either way.
	Enabled bool

	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewEscalator creates the escalation engine and starts its loop.
func NewEscalator(cfg EscalatorConfig) (*Escalator, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	e := &Escalator{
		policy:      cfg.Policy,
		profiles:    make(map[string]*behavior.Profile),
		profileRepo: cfg.ProfileRepo,
		history:     cfg.History,
		notifier:    cfg.Notifier,
		flusher:     cfg.Flusher,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		mailbox:     make(chan interface{}, 1024),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		enabled:     cfg.Enabled,
		nowFn:       cfg.Now,
	}

	go e.run()
	return e, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Bus integration
// ─────────────────────────────────────────────────────────────────────────────

// HandleTransition is the bus handler fed by attendance events. Only
// definitive outcomes reach the profile: check-ins, lates, and finalized
// absences. Pendings and check-outs refine nothing.
func (e *Escalator) HandleTransition(event shared.Event) error {
	tr, ok := event.(shared.RecordTransitionEvent)
	if !ok {
		return nil
	}

	var outcome behavior.Outcome
	switch event.EventType() {
	case shared.EventAttendanceCheckedIn:
		outcome = behavior.Outcome{SessionID: tr.SessionID, Attended: true, At: tr.At}
	case shared.EventAttendanceLate:
		outcome = behavior.Outcome{SessionID: tr.SessionID, Attended: true, Late: true, At: tr.At}
	case shared.EventAttendanceAbsent:
		outcome = behavior.Outcome{SessionID: tr.SessionID, Attended: false, At: tr.At}
	default:
		return nil
	}

	select {
	case e.mailbox <- outcomeMsg{studentID: tr.StudentID, outcome: outcome}:
	case <-e.quit:
	}
	return nil
}

// Register subscribes the escalator to the attendance events it consumes.
func (e *Escalator) Register(bus shared.EventBus) error {
	for _, t := range []shared.EventType{
		shared.EventAttendanceCheckedIn,
		shared.EventAttendanceLate,
		shared.EventAttendanceAbsent,
	} {
		if err := bus.Subscribe(t, e.HandleTransition); err != nil {
			return err
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Commands
// ─────────────────────────────────────────────────────────────────────────────

// MarkIntervention records that a counselor acted on a student's pattern.
// The level resets and the cooldown clears; the outcome history stays.
func (e *Escalator) MarkIntervention(ctx context.Context, studentID string) error {
	reply := make(chan error, 1)
	select {
	case e.mailbox <- interventionMsg{studentID: studentID, reply: reply}:
	case <-e.quit:
		return shared.ErrProfileNotFound
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Level returns the current behavior level for a student.
func (e *Escalator) Level(ctx context.Context, studentID string) (behavior.Level, error) {
	reply := make(chan behavior.Level, 1)
	select {
	case e.mailbox <- levelQueryMsg{studentID: studentID, reply: reply}:
	case <-e.quit:
		return behavior.LevelNone, shared.ErrProfileNotFound
	case <-ctx.Done():
		return behavior.LevelNone, ctx.Err()
	}

	select {
	case level := <-reply:
		return level, nil
	case <-ctx.Done():
		return behavior.LevelNone, ctx.Err()
	}
}

// Close stops the loop after draining queued outcomes.
func (e *Escalator) Close() {
	close(e.quit)
	<-e.done
}

// ─────────────────────────────────────────────────────────────────────────────
// Loop
// ─────────────────────────────────────────────────────────────────────────────

func (e *Escalator) run() {
	defer close(e.done)

	for {
		select {
		case msg := <-e.mailbox:
			e.handle(msg)
		case <-e.quit:
			for {
				select {
				case msg := <-e.mailbox:
					e.handle(msg)
				default:
					return
				}
			}
		}
	}
}

func (e *Escalator) handle(msg interface{}) {
	switch m := msg.(type) {
	case outcomeMsg:
		e.processOutcome(m.studentID, m.outcome)
	case interventionMsg:
		m.reply <- e.processIntervention(m.studentID)
	case levelQueryMsg:
		m.reply <- e.profile(m.studentID).Level
	}
}

// profile returns the in-memory profile, warming it from storage on first
// sight of a student.
func (e *Escalator) profile(studentID string) *behavior.Profile {
	if p, ok := e.profiles[studentID]; ok {
		return p
	}

	var p *behavior.Profile
	if e.profileRepo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		stored, err := e.profileRepo.LoadProfile(ctx, studentID, e.policy.WindowSessions)
		cancel()
		switch {
		case err == nil:
			p = stored
		case errors.Is(err, shared.ErrProfileNotFound):
			// first encounter
		default:
			e.logger.Warn("profile warm-up failed", "student_id", studentID, "error", err)
		}
	}
	if p == nil {
		p = behavior.NewProfile(studentID, e.policy.WindowSessions)
	}

	e.profiles[studentID] = p
	return p
}

func (e *Escalator) processOutcome(studentID string, outcome behavior.Outcome) {
	p := e.profile(studentID)
	p.RecordOutcome(outcome)

	level, reason := e.policy.Evaluate(p)
	prev := p.Level

	switch {
	case level == behavior.LevelNone:
		// The pattern cleared on its own.
		p.Level = level

	case level.Above(prev):
		p.Level = level
		e.dispatch(p, level, reason)

	case level == prev:
		if p.InCooldown(level, e.nowFn(), e.policy.Cooldown) {
			e.logger.Debug("escalation suppressed",
				"student_id", p.StudentID,
				"level", string(level),
				"cause", shared.ErrEscalationCooling,
			)
			break
		}
		e.dispatch(p, level, reason)

	default:
		p.Level = level
	}

	e.saveProfile(p)
}

func (e *Escalator) processIntervention(studentID string) error {
	p := e.profile(studentID)
	p.MarkIntervention()
	e.saveProfile(p)

	e.publish(shared.NewBaseEvent(shared.EventInterventionMarked, studentID))
	e.logger.Info("intervention marked", "student_id", studentID)
	return nil
}

// dispatch sends one escalation fire-and-forget and records it.
func (e *Escalator) dispatch(p *behavior.Profile, level behavior.Level, reason string) {
	now := e.nowFn()
	prev := p.LastEscalatedLevel
	p.NoteEscalated(level, now)

	e.publish(shared.NewBehaviorLevelRaisedEvent(p.StudentID, string(prev), string(level), reason))

	e.logger.Info("behavior level escalated",
		"student_id", p.StudentID,
		"level", string(level),
		"reason", reason,
	)

	if !e.enabled || e.notifier == nil {
		return
	}

	esc := behavior.Escalation{
		ID:        uuid.New().String(),
		StudentID: p.StudentID,
		Level:     level,
		Reason:    reason,
		Channel:   behavior.ChannelFor(level),
		At:        now,
	}

	// The send leaves the serialized loop; a slow gateway must not stall
	// outcome processing.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		accepted, err := e.notifier.SendEscalation(ctx, esc.StudentID, esc.Level, esc.Channel, esc.Reason)
		esc.Accepted = accepted

		if err != nil {
			e.logger.Warn("escalation delivery failed",
				"student_id", esc.StudentID,
				"level", string(esc.Level),
				"error", err,
			)
			e.publish(shared.NewBaseEvent(shared.EventEscalationRejected, esc.StudentID))
		} else {
			e.publish(shared.NewBaseEvent(shared.EventEscalationDispatched, esc.StudentID))
		}

		if e.history != nil && e.flusher != nil {
			e.flusher.Enqueue("escalation", func(ctx context.Context) error {
				return e.history.Record(ctx, esc)
			})
		}
	}()
}

func (e *Escalator) saveProfile(p *behavior.Profile) {
	if e.profileRepo == nil || e.flusher == nil {
		return
	}

	// The loop owns live profiles; hand the flusher a detached copy.
	snapshot := behavior.RestoreProfile(
		p.StudentID,
		e.policy.WindowSessions,
		p.Level,
		p.LastEscalatedAt,
		p.LastEscalatedLevel,
		p.Outcomes(),
	)
	e.flusher.Enqueue("behavior_profile", func(ctx context.Context) error {
		return e.profileRepo.SaveProfile(ctx, snapshot)
	})
}

func (e *Escalator) publish(event shared.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(event); err != nil {
		e.logger.Error("escalation event publish failed", "error", err)
	}
}
