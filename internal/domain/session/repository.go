package session

import (
	"context"
	"time"

	"github.com/clirdec/presence-engine/internal/domain/shared"
)

// ScheduleEntry is one timetable row the registry materializes sessions from.
type ScheduleEntry struct {
	ID          string
	ClassroomID string
	SubjectID   string
	DayOfWeek   time.Weekday
	StartTime   time.Time // date-combined start for the requested day
	EndTime     time.Time
	AutoStart   bool
}

// ScheduleSource provides session definitions for the registry.
type ScheduleSource interface {
	// LoadForDate returns the timetable entries whose day-of-week matches
	// the given date, with StartTime/EndTime combined onto that date.
	LoadForDate(ctx context.Context, date time.Time) ([]ScheduleEntry, error)
}

// Repository is the persistence contract for sessions. All writes are
// write-behind: the in-memory state machine remains authoritative and a
// failed write is retried, never allowed to block a transition.
type Repository interface {
	// Upsert stores or updates a session row.
	Upsert(ctx context.Context, snap Snapshot) error

	// LoadActiveForDate returns snapshots of sessions that were scheduled
	// or active on the given date, for rehydration after a restart.
	LoadActiveForDate(ctx context.Context, date time.Time) ([]Snapshot, error)
}

// RecordRepository persists attendance records.
type RecordRepository interface {
	// Upsert stores or updates one attendance record.
	Upsert(ctx context.Context, rec Record) error
}

// AuditRepository appends diagnostic events (rejected taps, unknown cards,
// notifier rejections) for later review. Append-only.
type AuditRepository interface {
	Append(ctx context.Context, event shared.Event) error
}
