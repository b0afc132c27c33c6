package command

import (
	"context"

	"github.com/clirdec/presence-engine/internal/domain/shared"
	"github.com/clirdec/presence-engine/internal/engine"
)

// ══════════════════════════════════════════════════════════════════════════════
// MARK INTERVENTION COMMAND
// A counselor or adviser records that they followed up with a student whose
// attendance pattern escalated. Resets the behavior level and cooldown.
// ══════════════════════════════════════════════════════════════════════════════

// MarkInterventionCommand contains the data to mark an intervention.
type MarkInterventionCommand struct {
	StudentID string
}

// Validate validates the command.
func (c MarkInterventionCommand) Validate() error {
	if c.StudentID == "" {
		return shared.NewDomainError("command", "mark_intervention", shared.ErrValidation, "student_id is required")
	}
	return nil
}

// MarkInterventionHandler handles the MarkInterventionCommand.
type MarkInterventionHandler struct {
	escalator *engine.Escalator
}

// NewMarkInterventionHandler creates a new MarkInterventionHandler.
func NewMarkInterventionHandler(escalator *engine.Escalator) *MarkInterventionHandler {
	return &MarkInterventionHandler{escalator: escalator}
}

// Handle executes the mark intervention command.
func (h *MarkInterventionHandler) Handle(ctx context.Context, cmd MarkInterventionCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	return h.escalator.MarkIntervention(ctx, cmd.StudentID)
}
