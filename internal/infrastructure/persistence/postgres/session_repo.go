package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/clirdec/presence-engine/internal/domain/session"
)

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULE SOURCE IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// ScheduleRepository implements session.ScheduleSource for PostgreSQL. The
// timetable stores wall-clock times; LoadForDate combines them onto the
// requested date in the date's own location.
type ScheduleRepository struct {
	conn *Connection
}

// NewScheduleRepository creates a new ScheduleRepository.
func NewScheduleRepository(conn *Connection) *ScheduleRepository {
	return &ScheduleRepository{conn: conn}
}

// LoadForDate returns the active timetable entries for the date's weekday.
func (r *ScheduleRepository) LoadForDate(ctx context.Context, date time.Time) ([]session.ScheduleEntry, error) {
	query := `
		SELECT id, classroom_id, subject_id, day_of_week, start_time, end_time, auto_start
		FROM class_schedules
		WHERE day_of_week = $1 AND active
		ORDER BY start_time, classroom_id
	`

	rows, err := r.conn.Query(ctx, query, int(date.Weekday()))
	if err != nil {
		return nil, fmt.Errorf("failed to load schedules: %w", err)
	}
	defer rows.Close()

	var entries []session.ScheduleEntry
	for rows.Next() {
		var e session.ScheduleEntry
		var dayOfWeek int
		var startTime, endTime time.Time

		if err := rows.Scan(&e.ID, &e.ClassroomID, &e.SubjectID, &dayOfWeek, &startTime, &endTime, &e.AutoStart); err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}

		e.DayOfWeek = time.Weekday(dayOfWeek)
		e.StartTime = onDate(date, startTime)
		e.EndTime = onDate(date, endTime)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// onDate combines a TIME column value onto the given date, in the date's
// location.
func onDate(date, clock time.Time) time.Time {
	return time.Date(
		date.Year(), date.Month(), date.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), 0,
		date.Location(),
	)
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// SessionRepository implements session.Repository for PostgreSQL.
type SessionRepository struct {
	conn *Connection
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(conn *Connection) *SessionRepository {
	return &SessionRepository{conn: conn}
}

// Upsert stores or updates a session row together with its attendance
// records, in one transaction. Called by the write-behind flusher.
func (r *SessionRepository) Upsert(ctx context.Context, snap session.Snapshot) error {
	policyJSON, err := json.Marshal(snap.Policy)
	if err != nil {
		return fmt.Errorf("failed to encode session policy: %w", err)
	}

	return r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		query := `
			INSERT INTO sessions (
				id, schedule_id, classroom_id, subject_id, state,
				scheduled_start, scheduled_end, actual_start, actual_end,
				policy, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
			ON CONFLICT (id) DO UPDATE SET
				state = EXCLUDED.state,
				actual_start = EXCLUDED.actual_start,
				actual_end = EXCLUDED.actual_end,
				updated_at = NOW()
		`

		_, err := tx.Exec(ctx, query,
			snap.ID,
			snap.ScheduleID,
			snap.ClassroomID,
			snap.SubjectID,
			string(snap.State),
			snap.ScheduledStart,
			snap.ScheduledEnd,
			nullTime(snap.ActualStart),
			nullTime(snap.ActualEnd),
			policyJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert session: %w", err)
		}

		for _, rec := range snap.Records {
			if err := upsertRecordTx(ctx, tx, rec); err != nil {
				return err
			}
		}

		return nil
	})
}

// LoadActiveForDate returns snapshots of sessions scheduled or active on the
// given day, with their records, for rehydration after a restart.
func (r *SessionRepository) LoadActiveForDate(ctx context.Context, date time.Time) ([]session.Snapshot, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	dayEnd := dayStart.Add(24 * time.Hour)

	query := `
		SELECT id, schedule_id, classroom_id, subject_id, state,
		       scheduled_start, scheduled_end, actual_start, actual_end, policy
		FROM sessions
		WHERE state != 'ended'
		  AND scheduled_start >= $1 AND scheduled_start < $2
		ORDER BY scheduled_start
	`

	rows, err := r.conn.Query(ctx, query, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	defer rows.Close()

	var snaps []session.Snapshot
	for rows.Next() {
		var snap session.Snapshot
		var state string
		var actualStart, actualEnd *time.Time
		var policyJSON []byte

		err := rows.Scan(
			&snap.ID,
			&snap.ScheduleID,
			&snap.ClassroomID,
			&snap.SubjectID,
			&state,
			&snap.ScheduledStart,
			&snap.ScheduledEnd,
			&actualStart,
			&actualEnd,
			&policyJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}

		snap.State = session.State(state)
		if actualStart != nil {
			snap.ActualStart = *actualStart
		}
		if actualEnd != nil {
			snap.ActualEnd = *actualEnd
		}
		if len(policyJSON) > 0 {
			if err := json.Unmarshal(policyJSON, &snap.Policy); err != nil {
				return nil, fmt.Errorf("failed to decode session policy: %w", err)
			}
		}

		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range snaps {
		records, err := r.loadRecords(ctx, snaps[i].ID)
		if err != nil {
			return nil, err
		}
		snaps[i].Records = records
	}

	return snaps, nil
}

func (r *SessionRepository) loadRecords(ctx context.Context, sessionID string) ([]session.Record, error) {
	query := `
		SELECT id, session_id, student_id, status, source,
		       check_in_at, check_out_at, minutes_late, computer_id
		FROM attendance_records
		WHERE session_id = $1
	`

	rows, err := r.conn.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attendance records: %w", err)
	}
	defer rows.Close()

	var records []session.Record
	for rows.Next() {
		var rec session.Record
		var status, source string
		var checkInAt, checkOutAt *time.Time

		err := rows.Scan(
			&rec.ID,
			&rec.SessionID,
			&rec.StudentID,
			&status,
			&source,
			&checkInAt,
			&checkOutAt,
			&rec.MinutesLate,
			&rec.ComputerID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attendance row: %w", err)
		}

		rec.Status = session.Status(status)
		rec.Source = session.ValidationSource(source)
		if checkInAt != nil {
			rec.CheckInAt = *checkInAt
		}
		if checkOutAt != nil {
			rec.CheckOutAt = *checkOutAt
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
