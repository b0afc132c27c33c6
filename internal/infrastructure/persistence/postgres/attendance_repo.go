package postgres

import (
	"context"
	"fmt"

	"github.com/clirdec/presence-engine/internal/domain/session"
)

// ══════════════════════════════════════════════════════════════════════════════
// ATTENDANCE RECORD REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// AttendanceRepository implements session.RecordRepository for PostgreSQL.
type AttendanceRepository struct {
	conn *Connection
}

// NewAttendanceRepository creates a new AttendanceRepository.
func NewAttendanceRepository(conn *Connection) *AttendanceRepository {
	return &AttendanceRepository{conn: conn}
}

const upsertRecordQuery = `
	INSERT INTO attendance_records (
		id, session_id, student_id, status, source,
		check_in_at, check_out_at, minutes_late, computer_id, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	ON CONFLICT (session_id, student_id) DO UPDATE SET
		status = EXCLUDED.status,
		source = EXCLUDED.source,
		check_in_at = EXCLUDED.check_in_at,
		check_out_at = EXCLUDED.check_out_at,
		minutes_late = EXCLUDED.minutes_late,
		computer_id = EXCLUDED.computer_id,
		updated_at = NOW()
`

// Upsert stores or updates one attendance record. The (session, student)
// pair is the natural key: retries and late flushes land on the same row.
func (r *AttendanceRepository) Upsert(ctx context.Context, rec session.Record) error {
	_, err := r.conn.Exec(ctx, upsertRecordQuery,
		rec.ID,
		rec.SessionID,
		rec.StudentID,
		string(rec.Status),
		string(rec.Source),
		nullTime(rec.CheckInAt),
		nullTime(rec.CheckOutAt),
		rec.MinutesLate,
		rec.ComputerID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert attendance record: %w", err)
	}

	return nil
}

// upsertRecordTx runs the same upsert inside a session transaction.
func upsertRecordTx(ctx context.Context, q Querier, rec session.Record) error {
	_, err := q.Exec(ctx, upsertRecordQuery,
		rec.ID,
		rec.SessionID,
		rec.StudentID,
		string(rec.Status),
		string(rec.Source),
		nullTime(rec.CheckInAt),
		nullTime(rec.CheckOutAt),
		rec.MinutesLate,
		rec.ComputerID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert attendance record: %w", err)
	}

	return nil
}
