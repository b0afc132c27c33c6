// Package behavior contains the derived attendance-behavior model: per
// student trailing-window outcome tracking, escalation levels, and the
// cooldown bookkeeping that keeps escalations from repeating.
package behavior

import (
	"fmt"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// BEHAVIOR LEVEL
// ══════════════════════════════════════════════════════════════════════════════

// Level is the computed escalation tier for a student's attendance pattern.
type Level string

const (
	// LevelNone - no concerning pattern.
	LevelNone Level = "none"

	// LevelWarning - the pattern crossed the lower threshold.
	LevelWarning Level = "warning"

	// LevelConcerning - the pattern crossed the mid threshold.
	LevelConcerning Level = "concerning"

	// LevelCritical - the pattern crossed the high threshold.
	LevelCritical Level = "critical"
)

// IsValid checks that the level is one of the known values.
func (l Level) IsValid() bool {
	switch l {
	case LevelNone, LevelWarning, LevelConcerning, LevelCritical:
		return true
	default:
		return false
	}
}

// rank orders levels for increase/decrease comparison.
func (l Level) rank() int {
	switch l {
	case LevelNone:
		return 0
	case LevelWarning:
		return 1
	case LevelConcerning:
		return 2
	case LevelCritical:
		return 3
	default:
		return -1
	}
}

// Above reports whether l is a higher tier than other.
func (l Level) Above(other Level) bool {
	return l.rank() > other.rank()
}

// ══════════════════════════════════════════════════════════════════════════════
// OUTCOMES
// ══════════════════════════════════════════════════════════════════════════════

// Outcome is the attendance result of one session for one student. A session
// contributes exactly one outcome; later transitions within the same session
// (present → checked_out) update it in place.
type Outcome struct {
	SessionID string
	Attended  bool
	Late      bool
	At        time.Time
}

// ══════════════════════════════════════════════════════════════════════════════
// PROFILE
// ══════════════════════════════════════════════════════════════════════════════

// Profile is the derived behavior state of one student. It is never edited
// directly: the escalation engine recomputes it after each committed
// attendance transition. Access is serialized by the escalation engine.
type Profile struct {
	// StudentID - the student this profile tracks.
	StudentID string

	// Level - current behavior level.
	Level Level

	// LastEscalatedAt and LastEscalatedLevel back the cooldown: the same
	// level is not re-sent until it changes or the cooldown elapses.
	LastEscalatedAt    time.Time
	LastEscalatedLevel Level

	// outcomes - trailing window, oldest first, capped at windowSize.
	outcomes   []Outcome
	windowSize int
}

// NewProfile creates an empty profile with the given trailing window size.
func NewProfile(studentID string, windowSize int) *Profile {
	if windowSize <= 0 {
		windowSize = 20
	}
	return &Profile{
		StudentID:  studentID,
		Level:      LevelNone,
		outcomes:   make([]Outcome, 0, windowSize),
		windowSize: windowSize,
	}
}

// RestoreProfile rebuilds a profile from persisted state. Outcomes must be
// ordered oldest first; anything beyond the window is trimmed.
func RestoreProfile(studentID string, windowSize int, level Level, lastEscalatedAt time.Time, lastEscalatedLevel Level, outcomes []Outcome) *Profile {
	p := NewProfile(studentID, windowSize)
	if level.IsValid() {
		p.Level = level
	}
	p.LastEscalatedAt = lastEscalatedAt
	if lastEscalatedLevel.IsValid() {
		p.LastEscalatedLevel = lastEscalatedLevel
	}
	for _, o := range outcomes {
		p.RecordOutcome(o)
	}
	return p
}

// RecordOutcome upserts the outcome for a session. Within one session a
// student's outcome can only be refined (a late check-in stays late through
// check-out; an absence flips to attended if a pending upgrade lands), so the
// upsert keeps the late flag sticky once set.
func (p *Profile) RecordOutcome(o Outcome) {
	for i := range p.outcomes {
		if p.outcomes[i].SessionID == o.SessionID {
			if p.outcomes[i].Late {
				o.Late = true
			}
			p.outcomes[i] = o
			return
		}
	}

	p.outcomes = append(p.outcomes, o)
	if len(p.outcomes) > p.windowSize {
		p.outcomes = p.outcomes[len(p.outcomes)-p.windowSize:]
	}
}

// Outcomes returns a copy of the trailing window, oldest first.
func (p *Profile) Outcomes() []Outcome {
	out := make([]Outcome, len(p.outcomes))
	copy(out, p.outcomes)
	return out
}

// SessionCount returns how many sessions the window currently holds.
func (p *Profile) SessionCount() int {
	return len(p.outcomes)
}

// ConsecutiveAbsences counts the unbroken run of absences ending at the most
// recent session.
func (p *Profile) ConsecutiveAbsences() int {
	count := 0
	for i := len(p.outcomes) - 1; i >= 0; i-- {
		if p.outcomes[i].Attended {
			break
		}
		count++
	}
	return count
}

// LateCount counts late outcomes within the window.
func (p *Profile) LateCount() int {
	count := 0
	for _, o := range p.outcomes {
		if o.Late {
			count++
		}
	}
	return count
}

// AttendanceRate returns the fraction of window sessions attended, 1.0 for an
// empty window.
func (p *Profile) AttendanceRate() float64 {
	if len(p.outcomes) == 0 {
		return 1.0
	}
	attended := 0
	for _, o := range p.outcomes {
		if o.Attended {
			attended++
		}
	}
	return float64(attended) / float64(len(p.outcomes))
}

// NoteEscalated records that an escalation for the given level was emitted.
func (p *Profile) NoteEscalated(level Level, at time.Time) {
	p.LastEscalatedAt = at
	p.LastEscalatedLevel = level
}

// InCooldown reports whether an escalation for the given level is suppressed:
// the same level was already sent and the cooldown has not elapsed.
func (p *Profile) InCooldown(level Level, now time.Time, cooldown time.Duration) bool {
	if p.LastEscalatedLevel != level || p.LastEscalatedAt.IsZero() {
		return false
	}
	return now.Sub(p.LastEscalatedAt) < cooldown
}

// MarkIntervention records that an operator followed up with the student.
// The cooldown and current level reset so the next qualifying pattern
// escalates again; the outcome history is untouched.
func (p *Profile) MarkIntervention() {
	p.Level = LevelNone
	p.LastEscalatedAt = time.Time{}
	p.LastEscalatedLevel = LevelNone
}

// String returns a compact representation for logging.
func (p *Profile) String() string {
	return fmt.Sprintf("Profile{Student: %s, Level: %s, Sessions: %d, Rate: %.2f}",
		p.StudentID, p.Level, len(p.outcomes), p.AttendanceRate())
}
