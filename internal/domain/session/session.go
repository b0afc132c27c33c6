// Package session contains the classroom session state machine and the
// attendance records it owns. This is the core of the engine; it has no
// external dependencies and no internal locking - a Session instance is owned
// by exactly one actor goroutine at a time.
package session

import (
	"fmt"
	"time"

	"github.com/clirdec/presence-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SESSION STATE
// ══════════════════════════════════════════════════════════════════════════════

// State is the lifecycle state of a session.
type State string

const (
	// StateScheduled - created from the timetable, not yet accepting events.
	StateScheduled State = "scheduled"

	// StateActive - accepting attendance events.
	StateActive State = "active"

	// StateEnded - terminal; records are frozen.
	StateEnded State = "ended"
)

// IsValid checks that the state is one of the known values.
func (s State) IsValid() bool {
	switch s {
	case StateScheduled, StateActive, StateEnded:
		return true
	default:
		return false
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// TIMING POLICY
// ══════════════════════════════════════════════════════════════════════════════

// TimingPolicy captures the attendance timing rules for one session. It is
// copied from configuration at session creation and immutable afterwards, so a
// mid-semester settings change never shifts the rules of a session in flight.
type TimingPolicy struct {
	// AutoStartBuffer - how long before scheduled start the session may
	// auto-activate (first tap of an arriving student opens the room).
	AutoStartBuffer time.Duration `json:"auto_start_buffer"`

	// LateThreshold - check-ins after scheduled start + threshold are late.
	LateThreshold time.Duration `json:"late_threshold"`

	// AutoEnd - whether the clock may end the session at scheduled end.
	AutoEnd bool `json:"auto_end"`

	// DualValidation - whether an RFID tap needs proximity corroboration.
	DualValidation bool `json:"dual_validation"`

	// CorroborationGrace - how long an uncorroborated tap stays pending.
	CorroborationGrace time.Duration `json:"corroboration_grace"`
}

// Validate checks the policy for nonsensical values.
func (p TimingPolicy) Validate() error {
	if p.AutoStartBuffer < 0 || p.LateThreshold < 0 || p.CorroborationGrace < 0 {
		return shared.NewDomainError("session", "Validate", shared.ErrValueOutOfRange, "timing policy durations must be non-negative")
	}
	if p.DualValidation && p.CorroborationGrace == 0 {
		return shared.NewDomainError("session", "Validate", shared.ErrInvalidInput, "dual validation requires a corroboration grace window")
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION ENTITY
// ══════════════════════════════════════════════════════════════════════════════

// Session is one classroom meeting being monitored for attendance. It owns
// the attendance records of its students exclusively; everything outside the
// owning actor sees only snapshots.
type Session struct {
	// ID - unique session identifier (UUID in string form).
	ID string

	// ScheduleID - the timetable entry this session materializes, if any.
	ScheduleID string

	// ClassroomID - the room this session occupies. The registry enforces
	// at most one Active session per classroom.
	ClassroomID string

	// SubjectID - the subject being taught.
	SubjectID string

	// ScheduledStart and ScheduledEnd come from the timetable.
	ScheduledStart time.Time
	ScheduledEnd   time.Time

	// ActualStart and ActualEnd are zero until the transition happens.
	ActualStart time.Time
	ActualEnd   time.Time

	// State - current lifecycle state.
	State State

	// Policy - timing rules frozen at creation.
	Policy TimingPolicy

	// CreatedAt - when the session object was materialized.
	CreatedAt time.Time

	records map[string]*Record
}

// NewSessionParams contains parameters for creating a session.
type NewSessionParams struct {
	ID             string
	ScheduleID     string
	ClassroomID    string
	SubjectID      string
	ScheduledStart time.Time
	ScheduledEnd   time.Time
	Policy         TimingPolicy
}

// NewSession creates a Scheduled session with validation of all fields.
func NewSession(params NewSessionParams) (*Session, error) {
	if params.ID == "" {
		return nil, shared.NewDomainError("session", "New", shared.ErrEmptyValue, "session id is required")
	}
	if params.ClassroomID == "" {
		return nil, shared.NewDomainError("session", "New", shared.ErrEmptyValue, "classroom id is required")
	}
	if params.SubjectID == "" {
		return nil, shared.NewDomainError("session", "New", shared.ErrEmptyValue, "subject id is required")
	}
	if params.ScheduledStart.IsZero() || params.ScheduledEnd.IsZero() {
		return nil, shared.NewDomainError("session", "New", shared.ErrEmptyValue, "scheduled start and end are required")
	}
	if !params.ScheduledEnd.After(params.ScheduledStart) {
		return nil, shared.NewDomainError("session", "New", shared.ErrValueOutOfRange, "scheduled end must be after scheduled start")
	}
	if err := params.Policy.Validate(); err != nil {
		return nil, err
	}

	return &Session{
		ID:             params.ID,
		ScheduleID:     params.ScheduleID,
		ClassroomID:    params.ClassroomID,
		SubjectID:      params.SubjectID,
		ScheduledStart: params.ScheduledStart,
		ScheduledEnd:   params.ScheduledEnd,
		State:          StateScheduled,
		Policy:         params.Policy,
		CreatedAt:      time.Now().UTC(),
		records:        make(map[string]*Record),
	}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ─────────────────────────────────────────────────────────────────────────────

// DueToStart reports whether the clock permits auto-activation:
// now >= scheduled start - auto-start buffer.
func (s *Session) DueToStart(now time.Time) bool {
	return s.State == StateScheduled && !now.Before(s.ScheduledStart.Add(-s.Policy.AutoStartBuffer))
}

// DueToEnd reports whether the clock should end the session.
func (s *Session) DueToEnd(now time.Time) bool {
	return s.State == StateActive && s.Policy.AutoEnd && !now.Before(s.ScheduledEnd)
}

// Start transitions Scheduled → Active. Manual starts bypass the auto-start
// buffer; clock-driven starts must pass DueToStart first.
func (s *Session) Start(at time.Time) error {
	switch s.State {
	case StateActive:
		return shared.ErrAlreadyActive
	case StateEnded:
		return shared.ErrNotScheduled
	}

	s.State = StateActive
	s.ActualStart = at
	return nil
}

// End transitions Active → Ended. Every record still absent or pending is
// finalized as absent, and the returned transitions report those
// finalizations so they can be published and persisted. After End, all
// mutations fail with ErrSessionEnded.
func (s *Session) End(at time.Time) ([]Transition, error) {
	switch s.State {
	case StateScheduled:
		// Ending a session that never activated: legal (cancelled class),
		// nothing to finalize.
		s.State = StateEnded
		s.ActualEnd = at
		return nil, nil
	case StateEnded:
		return nil, shared.ErrAlreadyEnded
	}

	finalized := make([]Transition, 0)
	for _, rec := range s.records {
		if rec.Status == StatusAbsent || rec.Status == StatusPending {
			prev := rec.Status
			rec.advance(StatusAbsent, at)
			finalized = append(finalized, Transition{
				Kind:   TransitionAbsentFinal,
				Prev:   prev,
				Record: rec.Clone(),
				At:     at,
			})
		}
	}

	s.State = StateEnded
	s.ActualEnd = at
	return finalized, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Attendance mutations
// ─────────────────────────────────────────────────────────────────────────────

// CheckInParams describes one identification event applied to this session.
type CheckInParams struct {
	RecordID     string
	StudentID    string
	At           time.Time
	Corroborated bool
	Manual       bool
	ComputerID   string
}

// ApplyTap applies one identification event for a student, producing at most
// one record transition. The decision table follows the processing rules:
// no record → check-in; checked in, not out → check-out; checked out →
// idempotent duplicate.
func (s *Session) ApplyTap(p CheckInParams) (Transition, error) {
	if s.State != StateActive {
		if s.State == StateEnded {
			return Transition{}, shared.ErrSessionEnded
		}
		return Transition{}, shared.ErrSessionNotActive
	}
	if p.StudentID == "" {
		return Transition{}, shared.NewDomainError("session", "ApplyTap", shared.ErrEmptyValue, "student id is required")
	}

	rec, exists := s.records[p.StudentID]
	if !exists {
		rec = &Record{
			ID:        p.RecordID,
			SessionID: s.ID,
			StudentID: p.StudentID,
			Status:    StatusAbsent,
			UpdatedAt: p.At,
		}
		s.records[p.StudentID] = rec
	}

	switch {
	case rec.Status == StatusCheckedOut:
		// Third (or later) tap: nothing left to do.
		return Transition{Kind: TransitionDuplicate, Prev: rec.Status, Record: rec.Clone(), At: p.At}, nil

	case rec.Status.IsCheckedIn():
		return s.checkOut(rec, p)

	case rec.Status == StatusPending:
		// A second tap while pending counts as corroboration only if the
		// proximity signal arrived with it; a bare re-tap stays pending.
		if p.Corroborated || p.Manual {
			return s.commitCheckIn(rec, p)
		}
		return Transition{Kind: TransitionDuplicate, Prev: rec.Status, Record: rec.Clone(), At: p.At}, nil

	default: // absent → first event is a check-in
		if s.Policy.DualValidation && !p.Corroborated && !p.Manual {
			return s.holdPending(rec, p)
		}
		return s.commitCheckIn(rec, p)
	}
}

// Corroborate upgrades a pending record when the proximity signal arrives on
// its own (sensor callback decoupled from the tap).
func (s *Session) Corroborate(studentID string, at time.Time) (Transition, error) {
	if s.State != StateActive {
		if s.State == StateEnded {
			return Transition{}, shared.ErrSessionEnded
		}
		return Transition{}, shared.ErrSessionNotActive
	}

	rec, exists := s.records[studentID]
	if !exists {
		return Transition{}, shared.ErrRecordNotFound
	}
	if rec.Status != StatusPending {
		return Transition{Kind: TransitionDuplicate, Prev: rec.Status, Record: rec.Clone(), At: at}, nil
	}
	if rec.PendingExpired(at) {
		return s.expirePending(rec, at), nil
	}

	return s.commitCheckIn(rec, CheckInParams{
		StudentID:    studentID,
		At:           rec.CheckInAt, // classify by the original tap time
		Corroborated: true,
	})
}

// ExpirePending reverts every pending record whose grace window has elapsed
// back to absent, as of the given event or tick time. Returns the
// transitions.
func (s *Session) ExpirePending(now time.Time) []Transition {
	if s.State != StateActive {
		return nil
	}

	var expired []Transition
	for _, rec := range s.records {
		if rec.PendingExpired(now) {
			expired = append(expired, s.expirePending(rec, now))
		}
	}
	return expired
}

// NextPendingDeadline returns the earliest corroboration deadline among
// pending records, or zero when none are pending.
func (s *Session) NextPendingDeadline() time.Time {
	var next time.Time
	for _, rec := range s.records {
		if rec.Status != StatusPending || rec.pendingDeadline.IsZero() {
			continue
		}
		if next.IsZero() || rec.pendingDeadline.Before(next) {
			next = rec.pendingDeadline
		}
	}
	return next
}

func (s *Session) commitCheckIn(rec *Record, p CheckInParams) (Transition, error) {
	status, minutesLate := s.ClassifyArrival(p.At)
	if !rec.Status.CanAdvanceTo(status) {
		return Transition{}, shared.ErrStatusRegression
	}

	prev := rec.Status
	if rec.CheckInAt.IsZero() {
		rec.CheckInAt = p.At
	}
	rec.MinutesLate = minutesLate
	rec.Source = sourceFor(p)
	if p.ComputerID != "" {
		rec.ComputerID = p.ComputerID
	}
	rec.advance(status, p.At)

	kind := TransitionCheckIn
	if status == StatusLate {
		kind = TransitionLate
	}
	return Transition{Kind: kind, Prev: prev, Record: rec.Clone(), At: p.At}, nil
}

func (s *Session) holdPending(rec *Record, p CheckInParams) (Transition, error) {
	prev := rec.Status
	rec.CheckInAt = p.At
	rec.Source = SourceRFIDOnly
	if p.ComputerID != "" {
		rec.ComputerID = p.ComputerID
	}
	rec.pendingDeadline = p.At.Add(s.Policy.CorroborationGrace)
	rec.advance(StatusPending, p.At)
	return Transition{Kind: TransitionPending, Prev: prev, Record: rec.Clone(), At: p.At}, nil
}

func (s *Session) checkOut(rec *Record, p CheckInParams) (Transition, error) {
	prev := rec.Status
	rec.CheckOutAt = p.At
	rec.advance(StatusCheckedOut, p.At)
	return Transition{Kind: TransitionCheckOut, Prev: prev, Record: rec.Clone(), At: p.At}, nil
}

func (s *Session) expirePending(rec *Record, now time.Time) Transition {
	prev := rec.Status
	// The tap is discarded wholesale: check-in time and source reset so the
	// record is indistinguishable from one that never tapped.
	rec.CheckInAt = time.Time{}
	rec.MinutesLate = 0
	rec.Source = ""
	rec.advance(StatusAbsent, now)
	return Transition{Kind: TransitionPendingExpired, Prev: prev, Record: rec.Clone(), At: now}
}

// ClassifyArrival applies the late threshold to a check-in time.
func (s *Session) ClassifyArrival(at time.Time) (Status, int) {
	cutoff := s.ScheduledStart.Add(s.Policy.LateThreshold)
	if !at.After(cutoff) {
		return StatusPresent, 0
	}
	minutes := int(at.Sub(cutoff).Minutes())
	if minutes < 1 {
		minutes = 1
	}
	return StatusLate, minutes
}

func sourceFor(p CheckInParams) ValidationSource {
	switch {
	case p.Manual:
		return SourceManual
	case p.Corroborated:
		return SourceRFIDProximity
	default:
		return SourceRFIDOnly
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Read side
// ─────────────────────────────────────────────────────────────────────────────

// Record returns a copy of the record for a student, if one exists.
func (s *Session) Record(studentID string) (Record, bool) {
	rec, ok := s.records[studentID]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// Records returns copies of all records.
func (s *Session) Records() []Record {
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out
}

// RestoreRecord reinstates a persisted record during rehydration. It bypasses
// transition checks; the stored state is taken as committed truth.
func (s *Session) RestoreRecord(rec Record) {
	clone := rec
	s.records[rec.StudentID] = &clone
}

// Snapshot is an immutable view of a session and its records, safe to hand to
// publishers and queries.
type Snapshot struct {
	ID             string    `json:"id"`
	ScheduleID     string    `json:"schedule_id,omitempty"`
	ClassroomID    string    `json:"classroom_id"`
	SubjectID      string    `json:"subject_id"`
	State          State     `json:"state"`
	ScheduledStart time.Time `json:"scheduled_start"`
	ScheduledEnd   time.Time `json:"scheduled_end"`
	ActualStart    time.Time `json:"actual_start,omitempty"`
	ActualEnd      time.Time `json:"actual_end,omitempty"`
	Records        []Record  `json:"records"`

	// Policy rides along for persistence, so a restart restores each
	// session with the rules frozen at its creation. It is not part of
	// the wire frames.
	Policy TimingPolicy `json:"-"`
}

// Snapshot returns an immutable view of the session.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:             s.ID,
		ScheduleID:     s.ScheduleID,
		ClassroomID:    s.ClassroomID,
		SubjectID:      s.SubjectID,
		State:          s.State,
		ScheduledStart: s.ScheduledStart,
		ScheduledEnd:   s.ScheduledEnd,
		ActualStart:    s.ActualStart,
		ActualEnd:      s.ActualEnd,
		Records:        s.Records(),
		Policy:         s.Policy,
	}
}

// String returns a compact representation for logging.
func (s *Session) String() string {
	return fmt.Sprintf("Session{ID: %s, Room: %s, State: %s, Records: %d}",
		s.ID, s.ClassroomID, s.State, len(s.records))
}
