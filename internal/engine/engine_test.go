package engine

import (
	"context"
	"sync"
	"time"

	"github.com/clirdec/presence-engine/internal/domain/behavior"
	"github.com/clirdec/presence-engine/internal/domain/identity"
	"github.com/clirdec/presence-engine/internal/domain/session"
	"github.com/clirdec/presence-engine/internal/domain/shared"
	"github.com/clirdec/presence-engine/internal/infrastructure/persistence/writebehind"
)

// Test doubles shared by the engine tests. Everything is in-memory and
// synchronous so assertions see effects immediately.

// ─────────────────────────────────────────────────────────────────────────────
// Bus
// ─────────────────────────────────────────────────────────────────────────────

type memBus struct {
	mu     sync.Mutex
	events []shared.Event
}

func newMemBus() *memBus { return &memBus{} }

func (b *memBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return nil
}
func (b *memBus) SubscribeAll(handler shared.EventHandler) error { return nil }
func (b *memBus) Close() error                                   { return nil }

func (b *memBus) Publish(event shared.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *memBus) eventsOfType(t shared.EventType) []shared.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []shared.Event
	for _, e := range b.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Persistence
// ─────────────────────────────────────────────────────────────────────────────

// syncFlusher executes write-behind ops inline.
type syncFlusher struct{}

func (syncFlusher) Enqueue(name string, op writebehind.Op) {
	_ = op(context.Background())
}

type memRecordRepo struct {
	mu   sync.Mutex
	recs map[string]session.Record // keyed session+student
}

func newMemRecordRepo() *memRecordRepo {
	return &memRecordRepo{recs: make(map[string]session.Record)}
}

func (r *memRecordRepo) Upsert(ctx context.Context, rec session.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs[rec.SessionID+"/"+rec.StudentID] = rec
	return nil
}

func (r *memRecordRepo) forSession(sessionID string) []session.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []session.Record
	for _, rec := range r.recs {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out
}

// memSessionRepo mirrors the split between the sessions and records tables:
// loads merge the records flushed through the record repo.
type memSessionRepo struct {
	mu      sync.Mutex
	snaps   map[string]session.Snapshot
	records *memRecordRepo
}

func newMemSessionRepo(records *memRecordRepo) *memSessionRepo {
	return &memSessionRepo{snaps: make(map[string]session.Snapshot), records: records}
}

func (r *memSessionRepo) Upsert(ctx context.Context, snap session.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps[snap.ID] = snap
	return nil
}

func (r *memSessionRepo) LoadActiveForDate(ctx context.Context, date time.Time) ([]session.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []session.Snapshot
	for _, snap := range r.snaps {
		if snap.State == session.StateEnded {
			continue
		}
		if r.records != nil {
			snap.Records = r.records.forSession(snap.ID)
		}
		out = append(out, snap)
	}
	return out, nil
}

type memAuditRepo struct {
	mu     sync.Mutex
	events []shared.Event
}

func (r *memAuditRepo) Append(ctx context.Context, event shared.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *memAuditRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// ─────────────────────────────────────────────────────────────────────────────
// Identity
// ─────────────────────────────────────────────────────────────────────────────

type stubResolver struct {
	students map[identity.CardID]*identity.Student
}

func newStubResolver(students ...*identity.Student) *stubResolver {
	r := &stubResolver{students: make(map[identity.CardID]*identity.Student)}
	for _, s := range students {
		r.students[s.CardID.Normalized()] = s
	}
	return r
}

func (r *stubResolver) Resolve(ctx context.Context, cardID identity.CardID) (*identity.Student, error) {
	s, ok := r.students[cardID.Normalized()]
	if !ok {
		return nil, shared.ErrUnknownCard
	}
	return s, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Schedule source
// ─────────────────────────────────────────────────────────────────────────────

type stubSource struct {
	entries []session.ScheduleEntry
}

func (s *stubSource) LoadForDate(ctx context.Context, date time.Time) ([]session.ScheduleEntry, error) {
	return s.entries, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Escalation sinks
// ─────────────────────────────────────────────────────────────────────────────

type sentEscalation struct {
	StudentID string
	Level     behavior.Level
	Channel   string
}

type stubNotifier struct {
	mu       sync.Mutex
	sent     []sentEscalation
	accepted bool
	err      error
}

func (n *stubNotifier) SendEscalation(ctx context.Context, studentID string, level behavior.Level, channel, reason string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentEscalation{StudentID: studentID, Level: level, Channel: channel})
	return n.accepted, n.err
}

func (n *stubNotifier) sendCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type memProfileRepo struct {
	mu       sync.Mutex
	profiles map[string]*behavior.Profile
}

func newMemProfileRepo() *memProfileRepo {
	return &memProfileRepo{profiles: make(map[string]*behavior.Profile)}
}

func (r *memProfileRepo) SaveProfile(ctx context.Context, p *behavior.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.StudentID] = p
	return nil
}

func (r *memProfileRepo) LoadProfile(ctx context.Context, studentID string, windowSize int) (*behavior.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[studentID]
	if !ok {
		return nil, shared.ErrProfileNotFound
	}
	return p, nil
}

type memHistory struct {
	mu   sync.Mutex
	recs []behavior.Escalation
}

func (h *memHistory) Record(ctx context.Context, esc behavior.Escalation) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs = append(h.recs, esc)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Fixtures
// ─────────────────────────────────────────────────────────────────────────────

var engineStart = time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

func testPolicy() session.TimingPolicy {
	return session.TimingPolicy{
		AutoStartBuffer: 5 * time.Minute,
		LateThreshold:   15 * time.Minute,
		AutoEnd:         true,
	}
}

func dualPolicy() session.TimingPolicy {
	p := testPolicy()
	p.DualValidation = true
	p.CorroborationGrace = 10 * time.Second
	return p
}
