package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clirdec/presence-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// AUDIT REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// AuditRepository implements session.AuditRepository for PostgreSQL. The
// audit table is append-only; rejected taps, unknown cards, and notifier
// rejections land here for the registrar's review.
type AuditRepository struct {
	conn *Connection
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(conn *Connection) *AuditRepository {
	return &AuditRepository{conn: conn}
}

// Append stores one diagnostic event.
func (r *AuditRepository) Append(ctx context.Context, event shared.Event) error {
	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	query := `
		INSERT INTO audit_events (event_type, aggregate_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err = r.conn.Exec(ctx, query,
		string(event.EventType()),
		event.AggregateID(),
		payload,
		event.OccurredAt(),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}

	return nil
}
