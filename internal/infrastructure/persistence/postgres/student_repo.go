package postgres

import (
	"context"
	"fmt"

	"github.com/clirdec/presence-engine/internal/domain/identity"
	"github.com/clirdec/presence-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// StudentRepository implements identity.Repository for PostgreSQL.
type StudentRepository struct {
	conn *Connection
}

// NewStudentRepository creates a new StudentRepository.
func NewStudentRepository(conn *Connection) *StudentRepository {
	return &StudentRepository{conn: conn}
}

const studentColumns = `
	id, student_number, name, email, parent_email, card_id,
	program, year_level, active
`

// GetByCardID returns the student a card is enrolled to. Card IDs are stored
// normalized (uppercase), so the lookup normalizes first.
func (r *StudentRepository) GetByCardID(ctx context.Context, cardID identity.CardID) (*identity.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM students WHERE card_id = $1`

	s, err := r.scanStudent(r.conn.QueryRow(ctx, query, cardID.Normalized().String()))
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrUnknownCard
		}
		return nil, fmt.Errorf("failed to get student by card: %w", err)
	}

	return s, nil
}

// GetByID returns a student by internal ID.
func (r *StudentRepository) GetByID(ctx context.Context, id string) (*identity.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM students WHERE id = $1`

	s, err := r.scanStudent(r.conn.QueryRow(ctx, query, id))
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrStudentUnknown
		}
		return nil, fmt.Errorf("failed to get student by id: %w", err)
	}

	return s, nil
}

// ListActive returns all active students, used to warm the identity cache.
func (r *StudentRepository) ListActive(ctx context.Context) ([]*identity.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM students WHERE active ORDER BY student_number`

	rows, err := r.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active students: %w", err)
	}
	defer rows.Close()

	var students []*identity.Student
	for rows.Next() {
		s, err := r.scanStudent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan student row: %w", err)
		}
		students = append(students, s)
	}

	return students, rows.Err()
}

// scanTarget covers pgx.Row and pgx.Rows.
type scanTarget interface {
	Scan(dest ...interface{}) error
}

func (r *StudentRepository) scanStudent(row scanTarget) (*identity.Student, error) {
	var s identity.Student
	var cardID string

	err := row.Scan(
		&s.ID,
		&s.StudentNumber,
		&s.Name,
		&s.Email,
		&s.ParentEmail,
		&cardID,
		&s.Program,
		&s.YearLevel,
		&s.Active,
	)
	if err != nil {
		return nil, err
	}

	s.CardID = identity.CardID(cardID)
	return &s, nil
}
