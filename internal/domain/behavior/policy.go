package behavior

import (
	"context"
	"fmt"
	"time"

	"github.com/clirdec/presence-engine/internal/domain/shared"
)

// Policy holds the configuration-driven level thresholds. Thresholds are
// deliberately not hard-coded; every deployment tunes them via config.
type Policy struct {
	// WindowSessions - size of the trailing outcome window.
	WindowSessions int

	// WarningLateCount - lates within the window that trigger warning.
	WarningLateCount int

	// ConcerningConsecutiveAbsences - unbroken absences that trigger
	// concerning.
	ConcerningConsecutiveAbsences int

	// CriticalAttendanceRate - attendance rate below this triggers critical.
	CriticalAttendanceRate float64

	// MinSessionsForRate - the rate rule is ignored until the window holds
	// at least this many sessions, so one missed class out of two does not
	// page anyone.
	MinSessionsForRate int

	// Cooldown - how long before the same level may be re-sent.
	Cooldown time.Duration
}

// Validate checks the policy for nonsensical values.
func (p Policy) Validate() error {
	if p.WindowSessions <= 0 {
		return shared.NewDomainError("behavior", "Validate", shared.ErrValueOutOfRange, "window must hold at least one session")
	}
	if p.CriticalAttendanceRate < 0 || p.CriticalAttendanceRate > 1 {
		return shared.NewDomainError("behavior", "Validate", shared.ErrValueOutOfRange, "critical attendance rate must be within [0,1]")
	}
	if p.Cooldown < 0 {
		return shared.NewDomainError("behavior", "Validate", shared.ErrValueOutOfRange, "cooldown must be non-negative")
	}
	return nil
}

// Evaluate computes the level a profile's window currently warrants and the
// human-readable reason. Rules are checked highest tier first.
func (p Policy) Evaluate(profile *Profile) (Level, string) {
	if p.MinSessionsForRate > 0 && profile.SessionCount() >= p.MinSessionsForRate {
		if rate := profile.AttendanceRate(); rate < p.CriticalAttendanceRate {
			return LevelCritical, fmt.Sprintf("attendance rate %.0f%% below %.0f%%", rate*100, p.CriticalAttendanceRate*100)
		}
	}

	if p.ConcerningConsecutiveAbsences > 0 {
		if n := profile.ConsecutiveAbsences(); n >= p.ConcerningConsecutiveAbsences {
			return LevelConcerning, fmt.Sprintf("%d consecutive absences", n)
		}
	}

	if p.WarningLateCount > 0 {
		if n := profile.LateCount(); n >= p.WarningLateCount {
			return LevelWarning, fmt.Sprintf("%d late arrivals in the last %d sessions", n, profile.SessionCount())
		}
	}

	return LevelNone, ""
}

// Escalation is one emitted escalation request, persisted for reporting.
type Escalation struct {
	ID        string
	StudentID string
	Level     Level
	Reason    string
	Channel   string
	At        time.Time
	Accepted  bool
}

// Repository persists escalation history.
type Repository interface {
	// Record appends one escalation to the history.
	Record(ctx context.Context, esc Escalation) error
}

// ProfileRepository persists behavior profiles and their outcome windows.
// Writes are write-behind; LoadProfile is only hit on engine warm-up and
// cache misses.
type ProfileRepository interface {
	// SaveProfile stores the profile head and its current outcome window.
	SaveProfile(ctx context.Context, p *Profile) error

	// LoadProfile returns the stored profile, or shared.ErrProfileNotFound.
	LoadProfile(ctx context.Context, studentID string, windowSize int) (*Profile, error)
}

// Notifier is the external sink escalation requests are handed to. Sends are
// fire-and-forget from the engine's perspective; a rejection is logged and
// audited, never retried synchronously.
type Notifier interface {
	// SendEscalation delivers one escalation request. The returned bool
	// reports gateway acceptance.
	SendEscalation(ctx context.Context, studentID string, level Level, channel, reason string) (accepted bool, err error)
}

// ChannelFor picks the notification channel for a level: guardians are only
// pulled in at the critical tier, lower tiers go to the student.
func ChannelFor(level Level) string {
	if level == LevelCritical {
		return "parent_email"
	}
	return "student_email"
}
