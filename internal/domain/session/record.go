package session

import (
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// ATTENDANCE STATUS
// ══════════════════════════════════════════════════════════════════════════════

// Status is the attendance outcome of one student within one session.
type Status string

const (
	// StatusAbsent - no valid check-in yet. The terminal outcome for
	// students who never tapped (or whose pending corroboration expired).
	StatusAbsent Status = "absent"

	// StatusPending - an RFID tap was received but dual validation requires
	// proximity corroboration that has not arrived yet. Upgrades to present
	// or late on corroboration, silently reverts to absent on expiry.
	StatusPending Status = "pending"

	// StatusPresent - checked in at or before scheduled start + late threshold.
	StatusPresent Status = "present"

	// StatusLate - checked in after the late threshold.
	StatusLate Status = "late"

	// StatusCheckedOut - checked in and later checked out.
	StatusCheckedOut Status = "checked_out"
)

// IsValid checks that the status is one of the known values.
func (s Status) IsValid() bool {
	switch s {
	case StatusAbsent, StatusPending, StatusPresent, StatusLate, StatusCheckedOut:
		return true
	default:
		return false
	}
}

// rank orders statuses along the one permitted direction of travel:
// absent → pending → (present|late) → checked_out. Present and late share a
// rank; they are alternative classifications of the same check-in.
func (s Status) rank() int {
	switch s {
	case StatusAbsent:
		return 0
	case StatusPending:
		return 1
	case StatusPresent, StatusLate:
		return 2
	case StatusCheckedOut:
		return 3
	default:
		return -1
	}
}

// CanAdvanceTo reports whether a transition from s to next moves forward.
// Pending → absent is the one sanctioned reversal (corroboration expiry).
func (s Status) CanAdvanceTo(next Status) bool {
	if s == StatusPending && next == StatusAbsent {
		return true
	}
	return next.rank() > s.rank()
}

// IsCheckedIn reports whether the student has a committed check-in.
func (s Status) IsCheckedIn() bool {
	return s == StatusPresent || s == StatusLate || s == StatusCheckedOut
}

// ══════════════════════════════════════════════════════════════════════════════
// VALIDATION SOURCE
// ══════════════════════════════════════════════════════════════════════════════

// ValidationSource records which signals backed an attendance transition.
type ValidationSource string

const (
	// SourceRFIDOnly - RFID tap with no proximity corroboration.
	SourceRFIDOnly ValidationSource = "rfid_only"

	// SourceRFIDProximity - RFID tap corroborated by the proximity sensor.
	SourceRFIDProximity ValidationSource = "rfid_proximity"

	// SourceManual - operator override (simulation or manual marking).
	SourceManual ValidationSource = "manual"
)

// IsValid checks that the source is one of the known values.
func (v ValidationSource) IsValid() bool {
	switch v {
	case SourceRFIDOnly, SourceRFIDProximity, SourceManual:
		return true
	default:
		return false
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ATTENDANCE RECORD
// ══════════════════════════════════════════════════════════════════════════════

// Record is the attendance outcome of one (session, student) pair.
// Exactly one record exists per pair; it is created lazily on the first event
// for the student and mutated only through its owning Session, which in turn
// is driven only from its actor goroutine. Records therefore carry no locks.
type Record struct {
	// ID - unique record identifier (UUID in string form).
	ID string

	// SessionID - the owning session.
	SessionID string

	// StudentID - the student this record belongs to.
	StudentID string

	// Status - current attendance outcome.
	Status Status

	// Source - signals that backed the last committed transition.
	Source ValidationSource

	// CheckInAt - when the check-in was committed. Zero until checked in.
	CheckInAt time.Time

	// CheckOutAt - when the check-out was committed. Zero until checked out.
	CheckOutAt time.Time

	// MinutesLate - minutes past the late threshold at check-in, 0 if on time.
	MinutesLate int

	// ComputerID - optional workstation assignment captured at check-in.
	ComputerID string

	// pendingDeadline - when an uncorroborated tap expires back to absent.
	// Zero unless Status is pending.
	pendingDeadline time.Time

	// UpdatedAt - time of the last committed transition.
	UpdatedAt time.Time
}

// PendingDeadline returns the corroboration deadline, zero unless pending.
func (r *Record) PendingDeadline() time.Time {
	return r.pendingDeadline
}

// PendingExpired reports whether an uncorroborated tap has run out its grace
// window.
func (r *Record) PendingExpired(now time.Time) bool {
	return r.Status == StatusPending && !r.pendingDeadline.IsZero() && !now.Before(r.pendingDeadline)
}

// advance moves the record to the next status, stamping UpdatedAt. Callers
// must have verified CanAdvanceTo; advance is the single mutation point so
// the monotonicity invariant has one enforcement site.
func (r *Record) advance(next Status, at time.Time) {
	r.Status = next
	r.UpdatedAt = at
	if next != StatusPending {
		r.pendingDeadline = time.Time{}
	}
}

// Clone returns a copy safe to hand outside the owning actor.
func (r *Record) Clone() Record {
	return *r
}

// ══════════════════════════════════════════════════════════════════════════════
// TRANSITIONS
// ══════════════════════════════════════════════════════════════════════════════

// TransitionKind describes what a committed mutation did.
type TransitionKind string

const (
	// TransitionCheckIn - first valid check-in, classified present.
	TransitionCheckIn TransitionKind = "check_in"

	// TransitionLate - first valid check-in, classified late.
	TransitionLate TransitionKind = "late"

	// TransitionPending - tap accepted, awaiting proximity corroboration.
	TransitionPending TransitionKind = "pending"

	// TransitionCheckOut - checked-in student checked out.
	TransitionCheckOut TransitionKind = "check_out"

	// TransitionDuplicate - idempotent no-op, the record was already final
	// for this event. Not an error.
	TransitionDuplicate TransitionKind = "duplicate"

	// TransitionAbsentFinal - record finalized absent at session end.
	TransitionAbsentFinal TransitionKind = "absent_finalized"

	// TransitionPendingExpired - pending corroboration window elapsed,
	// record reverted to absent.
	TransitionPendingExpired TransitionKind = "pending_expired"
)

// Transition is the committed outcome of one attendance mutation, carrying a
// snapshot of the record after the mutation.
type Transition struct {
	Kind   TransitionKind
	Prev   Status
	Record Record
	At     time.Time
}

// Mutated reports whether the transition changed state (duplicates did not).
func (t Transition) Mutated() bool {
	return t.Kind != TransitionDuplicate
}
