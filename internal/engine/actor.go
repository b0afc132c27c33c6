// Package engine hosts the live attendance machinery: one actor goroutine
// per session serializing every mutation, the registry that routes taps to
// classrooms, the tap processor guarding the ingress, and the escalation
// engine watching attendance patterns.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/clirdec/presence-engine/internal/domain/session"
	"github.com/clirdec/presence-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACTOR MESSAGES
// ══════════════════════════════════════════════════════════════════════════════

type tapMsg struct {
	params session.CheckInParams
	reply  chan tapReply
}

type tapReply struct {
	transition session.Transition
	err        error
}

type corroborateMsg struct {
	studentID string
	at        time.Time
	reply     chan tapReply
}

type startMsg struct {
	at     time.Time
	manual bool
	reply  chan error
}

type endMsg struct {
	at     time.Time
	manual bool
	reply  chan error
}

type tickMsg struct {
	now time.Time
}

type snapshotMsg struct {
	reply chan session.Snapshot
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION ACTOR
// ══════════════════════════════════════════════════════════════════════════════

// sessionActor owns one session exclusively. All reads and writes flow
// through its mailbox, so the session entity itself needs no locking and
// concurrent taps for the same student serialize into a deterministic order.
type sessionActor struct {
	sess    *session.Session
	mailbox chan interface{}
	quit    chan struct{}
	done    chan struct{}

	effects *effects
	logger  *slog.Logger
}

// effects is what an actor does with committed transitions: publish, flush,
// refresh the roster cache. Owned by the registry and shared by its actors.
type effects struct {
	bus      shared.EventBus
	flusher  Flusher
	sink     SnapshotSink
	sessions session.Repository
	records  session.RecordRepository
	logger   *slog.Logger
}

const mailboxSize = 256

func newSessionActor(sess *session.Session, fx *effects, logger *slog.Logger) *sessionActor {
	a := &sessionActor{
		sess:    sess,
		mailbox: make(chan interface{}, mailboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		effects: fx,
		logger:  logger.With("session_id", sess.ID, "classroom_id", sess.ClassroomID),
	}

	go a.run()
	return a
}

func (a *sessionActor) run() {
	defer close(a.done)

	for {
		select {
		case msg := <-a.mailbox:
			a.handle(msg)

		case <-a.quit:
			// Drain queued commands so no caller hangs on a reply.
			for {
				select {
				case msg := <-a.mailbox:
					a.handle(msg)
				default:
					return
				}
			}
		}
	}
}

func (a *sessionActor) handle(msg interface{}) {
	switch m := msg.(type) {
	case tapMsg:
		// Settle overdue pendings at the tap's own timestamp first, so
		// a re-tap after the grace window lands on a clean record.
		a.expirePending(m.params.At)
		tr, err := a.sess.ApplyTap(m.params)
		if err == nil {
			a.afterTransition(tr)
		}
		m.reply <- tapReply{transition: tr, err: err}

	case corroborateMsg:
		tr, err := a.sess.Corroborate(m.studentID, m.at)
		if err == nil {
			a.afterTransition(tr)
		}
		m.reply <- tapReply{transition: tr, err: err}

	case startMsg:
		m.reply <- a.start(m.at, m.manual)

	case endMsg:
		m.reply <- a.end(m.at, m.manual)

	case tickMsg:
		a.tick(m.now)

	case snapshotMsg:
		m.reply <- a.sess.Snapshot()
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Lifecycle handling
// ─────────────────────────────────────────────────────────────────────────────

func (a *sessionActor) start(at time.Time, manual bool) error {
	if err := a.sess.Start(at); err != nil {
		return err
	}

	a.logger.Info("session started", "manual", manual)
	a.publish(shared.NewSessionStartedEvent(
		a.sess.ID, a.sess.ClassroomID, a.sess.SubjectID, at, manual,
	))
	a.flushSession()
	return nil
}

func (a *sessionActor) end(at time.Time, manual bool) error {
	finalized, err := a.sess.End(at)
	if err != nil {
		return err
	}

	for _, tr := range finalized {
		a.publishTransition(tr)
		a.flushRecord(tr.Record)
	}

	snap := a.sess.Snapshot()
	var present, late, absent int
	for _, rec := range snap.Records {
		switch rec.Status {
		case session.StatusPresent, session.StatusCheckedOut:
			present++
		case session.StatusLate:
			late++
		case session.StatusAbsent:
			absent++
		}
	}

	a.logger.Info("session ended",
		"manual", manual,
		"present", present,
		"late", late,
		"absent", absent,
	)

	a.publish(shared.SessionEndedEvent{
		BaseEvent:      shared.NewBaseEvent(shared.EventSessionEnded, a.sess.ID),
		SessionID:      a.sess.ID,
		ClassroomID:    a.sess.ClassroomID,
		EndedAt:        at,
		Manual:         manual,
		PresentCount:   present,
		LateCount:      late,
		AbsentCount:    absent,
		FinalizedCount: len(finalized),
	})
	a.flushSession()
	return nil
}

func (a *sessionActor) tick(now time.Time) {
	if a.sess.DueToEnd(now) {
		if err := a.end(now, false); err != nil {
			a.logger.Error("auto-end failed", "error", err)
		}
		return
	}
	a.expirePending(now)
}

// expirePending reverts overdue pendings as of the given event or tick
// time. The clock driving expiry is the same one stamped on the events
// themselves, never the actor's wall clock, so replayed or skewed
// timestamps resolve deterministically.
func (a *sessionActor) expirePending(now time.Time) {
	for _, tr := range a.sess.ExpirePending(now) {
		a.publishTransition(tr)
		a.flushRecord(tr.Record)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Effects
// ─────────────────────────────────────────────────────────────────────────────

// afterTransition runs the side effects of a committed transition. Duplicates
// produce no effects.
func (a *sessionActor) afterTransition(tr session.Transition) {
	if !tr.Mutated() {
		return
	}

	a.publishTransition(tr)
	a.flushRecord(tr.Record)
}

func (a *sessionActor) publishTransition(tr session.Transition) {
	eventType, ok := transitionEventType(tr.Kind)
	if !ok {
		return
	}

	a.publish(shared.NewRecordTransitionEvent(
		eventType,
		a.sess.ID,
		a.sess.ClassroomID,
		tr.Record.StudentID,
		string(tr.Prev),
		string(tr.Record.Status),
		string(tr.Record.Source),
		tr.Record.MinutesLate,
		tr.At,
	))
}

func transitionEventType(kind session.TransitionKind) (shared.EventType, bool) {
	switch kind {
	case session.TransitionCheckIn:
		return shared.EventAttendanceCheckedIn, true
	case session.TransitionLate:
		return shared.EventAttendanceLate, true
	case session.TransitionPending:
		return shared.EventAttendancePending, true
	case session.TransitionCheckOut:
		return shared.EventAttendanceCheckedOut, true
	case session.TransitionAbsentFinal:
		return shared.EventAttendanceAbsent, true
	case session.TransitionPendingExpired:
		return shared.EventAttendanceExpired, true
	default:
		return "", false
	}
}

func (a *sessionActor) publish(event shared.Event) {
	if a.effects.bus == nil {
		return
	}
	if err := a.effects.bus.Publish(event); err != nil {
		a.logger.Error("event publish failed", "event", string(event.EventType()), "error", err)
	}

	if a.effects.sink != nil {
		a.effects.sink.Publish(a.sess.Snapshot(), event)
	}
}

func (a *sessionActor) flushRecord(rec session.Record) {
	if a.effects.flusher == nil || a.effects.records == nil {
		return
	}
	a.effects.flusher.Enqueue("attendance_record", func(ctx context.Context) error {
		return a.effects.records.Upsert(ctx, rec)
	})
}

func (a *sessionActor) flushSession() {
	if a.effects.flusher == nil || a.effects.sessions == nil {
		return
	}
	snap := a.sess.Snapshot()
	a.effects.flusher.Enqueue("session", func(ctx context.Context) error {
		return a.effects.sessions.Upsert(ctx, snap)
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Mailbox API (called from outside the actor goroutine)
// ─────────────────────────────────────────────────────────────────────────────

func (a *sessionActor) applyTap(ctx context.Context, p session.CheckInParams) (session.Transition, error) {
	reply := make(chan tapReply, 1)
	if err := a.send(ctx, tapMsg{params: p, reply: reply}); err != nil {
		return session.Transition{}, err
	}
	select {
	case r := <-reply:
		return r.transition, r.err
	case <-ctx.Done():
		return session.Transition{}, ctx.Err()
	}
}

func (a *sessionActor) corroborate(ctx context.Context, studentID string, at time.Time) (session.Transition, error) {
	reply := make(chan tapReply, 1)
	if err := a.send(ctx, corroborateMsg{studentID: studentID, at: at, reply: reply}); err != nil {
		return session.Transition{}, err
	}
	select {
	case r := <-reply:
		return r.transition, r.err
	case <-ctx.Done():
		return session.Transition{}, ctx.Err()
	}
}

func (a *sessionActor) startSession(ctx context.Context, at time.Time, manual bool) error {
	reply := make(chan error, 1)
	if err := a.send(ctx, startMsg{at: at, manual: manual, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *sessionActor) endSession(ctx context.Context, at time.Time, manual bool) error {
	reply := make(chan error, 1)
	if err := a.send(ctx, endMsg{at: at, manual: manual, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *sessionActor) notifyTick(now time.Time) {
	select {
	case a.mailbox <- tickMsg{now: now}:
	default:
		// A saturated mailbox means the next tick will catch up.
	}
}

func (a *sessionActor) snapshot(ctx context.Context) (session.Snapshot, error) {
	reply := make(chan session.Snapshot, 1)
	if err := a.send(ctx, snapshotMsg{reply: reply}); err != nil {
		return session.Snapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return session.Snapshot{}, ctx.Err()
	}
}

func (a *sessionActor) send(ctx context.Context, msg interface{}) error {
	select {
	case <-a.quit:
		return shared.ErrSessionEnded
	default:
	}

	select {
	case a.mailbox <- msg:
		return nil
	case <-a.quit:
		return shared.ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop signals the loop to drain and exit, then waits for it.
func (a *sessionActor) stop() {
	close(a.quit)
	<-a.done
}
