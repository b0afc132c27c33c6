// Package identity contains the student identity model and the card
// resolution contract used by the attendance event processor.
package identity

import (
	"context"
	"strings"
	"time"

	"github.com/clirdec/presence-engine/internal/domain/shared"
)

// CardID represents the identifier read from a student's RFID card.
type CardID string

// IsValid checks that the card id is a plausible reader output.
// ESP32 readers emit hex UIDs between 8 and 20 characters.
func (c CardID) IsValid() bool {
	s := string(c)
	return len(s) >= 4 && len(s) <= 32 && !strings.ContainsAny(s, " \t\n\r")
}

// Normalized returns the canonical uppercase form used for lookups.
func (c CardID) Normalized() CardID {
	return CardID(strings.ToUpper(strings.TrimSpace(string(c))))
}

// String returns the string representation of the card id.
func (c CardID) String() string {
	return string(c)
}

// Student is the identity resolved from a card tap. It is a read model: the
// engine never mutates students, it only looks them up.
type Student struct {
	// ID - internal unique identifier (UUID in string form).
	ID string

	// StudentNumber - the university-issued student number.
	StudentNumber string

	// Name - full display name.
	Name string

	// Email - student contact address.
	Email string

	// ParentEmail - guardian address used by critical escalations.
	ParentEmail string

	// CardID - the RFID card linked to this student.
	CardID CardID

	// Program and YearLevel describe enrollment, carried for reporting.
	Program   string
	YearLevel int

	// Active - inactive students resolve but are rejected by the processor.
	Active bool

	// CreatedAt - when the record was registered.
	CreatedAt time.Time
}

// Validate checks the invariants a resolved student must satisfy.
func (s *Student) Validate() error {
	if s.ID == "" {
		return shared.NewDomainError("identity", "Validate", shared.ErrEmptyValue, "student id is required")
	}
	if !s.CardID.IsValid() {
		return shared.ErrInvalidCardID
	}
	if strings.TrimSpace(s.Name) == "" {
		return shared.NewDomainError("identity", "Validate", shared.ErrEmptyValue, "student name is required")
	}
	return nil
}

// Resolver resolves a raw card identifier to a known student.
// Implementations must be safe for concurrent use and should be constant-time
// expected (indexed lookup, optionally cached).
type Resolver interface {
	// Resolve returns the student linked to the card, or ErrUnknownCard.
	Resolve(ctx context.Context, cardID CardID) (*Student, error)
}

// Repository is the persistence contract for student identities.
type Repository interface {
	// GetByCardID returns the student linked to the card, or ErrUnknownCard.
	GetByCardID(ctx context.Context, cardID CardID) (*Student, error)

	// GetByID returns the student by internal id, or ErrStudentUnknown.
	GetByID(ctx context.Context, id string) (*Student, error)
}
