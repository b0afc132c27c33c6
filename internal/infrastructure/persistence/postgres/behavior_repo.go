package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/clirdec/presence-engine/internal/domain/behavior"
	"github.com/clirdec/presence-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// BEHAVIOR PROFILE REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// BehaviorRepository implements behavior.ProfileRepository and
// behavior.Repository for PostgreSQL.
type BehaviorRepository struct {
	conn *Connection
}

// NewBehaviorRepository creates a new BehaviorRepository.
func NewBehaviorRepository(conn *Connection) *BehaviorRepository {
	return &BehaviorRepository{conn: conn}
}

// SaveProfile stores the profile head and its current outcome window in one
// transaction.
func (r *BehaviorRepository) SaveProfile(ctx context.Context, p *behavior.Profile) error {
	return r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		query := `
			INSERT INTO behavior_profiles (
				student_id, level, last_escalated_at, last_escalated_level, updated_at
			) VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (student_id) DO UPDATE SET
				level = EXCLUDED.level,
				last_escalated_at = EXCLUDED.last_escalated_at,
				last_escalated_level = EXCLUDED.last_escalated_level,
				updated_at = NOW()
		`

		_, err := tx.Exec(ctx, query,
			p.StudentID,
			string(p.Level),
			nullTime(p.LastEscalatedAt),
			string(p.LastEscalatedLevel),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert behavior profile: %w", err)
		}

		outcomeQuery := `
			INSERT INTO behavior_outcomes (student_id, session_id, attended, late, occurred_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (student_id, session_id) DO UPDATE SET
				attended = EXCLUDED.attended,
				late = EXCLUDED.late
		`

		for _, o := range p.Outcomes() {
			_, err := tx.Exec(ctx, outcomeQuery, p.StudentID, o.SessionID, o.Attended, o.Late, o.At)
			if err != nil {
				return fmt.Errorf("failed to upsert behavior outcome: %w", err)
			}
		}

		return nil
	})
}

// LoadProfile returns the stored profile with its trailing outcome window,
// or shared.ErrProfileNotFound if the student has no history yet.
func (r *BehaviorRepository) LoadProfile(ctx context.Context, studentID string, windowSize int) (*behavior.Profile, error) {
	query := `
		SELECT level, last_escalated_at, last_escalated_level
		FROM behavior_profiles
		WHERE student_id = $1
	`

	var level, lastLevel string
	var lastAt *time.Time

	err := r.conn.QueryRow(ctx, query, studentID).Scan(&level, &lastAt, &lastLevel)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to load behavior profile: %w", err)
	}

	outcomes, err := r.loadOutcomes(ctx, studentID, windowSize)
	if err != nil {
		return nil, err
	}

	var escalatedAt time.Time
	if lastAt != nil {
		escalatedAt = *lastAt
	}

	return behavior.RestoreProfile(
		studentID,
		windowSize,
		behavior.Level(level),
		escalatedAt,
		behavior.Level(lastLevel),
		outcomes,
	), nil
}

// loadOutcomes returns the newest windowSize outcomes, oldest first.
func (r *BehaviorRepository) loadOutcomes(ctx context.Context, studentID string, windowSize int) ([]behavior.Outcome, error) {
	query := `
		SELECT session_id, attended, late, occurred_at
		FROM behavior_outcomes
		WHERE student_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`

	rows, err := r.conn.Query(ctx, query, studentID, windowSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load behavior outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []behavior.Outcome
	for rows.Next() {
		var o behavior.Outcome
		if err := rows.Scan(&o.SessionID, &o.Attended, &o.Late, &o.At); err != nil {
			return nil, fmt.Errorf("failed to scan outcome row: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest-first for window reconstruction.
	for i, j := 0, len(outcomes)-1; i < j; i, j = i+1, j-1 {
		outcomes[i], outcomes[j] = outcomes[j], outcomes[i]
	}

	return outcomes, nil
}

// Record appends one escalation to the history.
func (r *BehaviorRepository) Record(ctx context.Context, esc behavior.Escalation) error {
	query := `
		INSERT INTO escalations (id, student_id, level, reason, channel, accepted, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.conn.Exec(ctx, query,
		esc.ID,
		esc.StudentID,
		string(esc.Level),
		esc.Reason,
		esc.Channel,
		esc.Accepted,
		esc.At,
	)
	if err != nil {
		return fmt.Errorf("failed to record escalation: %w", err)
	}

	return nil
}
