// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"time"

	"github.com/clirdec/presence-engine/internal/domain/identity"
	"github.com/clirdec/presence-engine/internal/domain/shared"
	"github.com/clirdec/presence-engine/internal/engine"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROCESS TAP COMMAND
// The hot path: one RFID identification event from a classroom reader.
// ══════════════════════════════════════════════════════════════════════════════

// ProcessTapCommand contains one identification event as reported by a reader.
type ProcessTapCommand struct {
	// CardID is the raw UID read off the card.
	CardID string

	// ClassroomID is the room the reader is mounted in.
	ClassroomID string

	// ComputerID is the workstation tied to the reader, when assigned.
	ComputerID string

	// Corroborated is set when the proximity sensor fired with the tap.
	Corroborated bool

	// Manual marks instructor overrides entered at the console.
	Manual bool

	// At is the reader-reported time; zero means "now".
	At time.Time
}

// Validate validates the command.
func (c ProcessTapCommand) Validate() error {
	if c.CardID == "" {
		return shared.NewDomainError("command", "process_tap", shared.ErrValidation, "card_id is required")
	}
	if c.ClassroomID == "" {
		return shared.NewDomainError("command", "process_tap", shared.ErrValidation, "classroom_id is required")
	}
	return nil
}

// ProcessTapHandler handles the ProcessTapCommand.
type ProcessTapHandler struct {
	processor *engine.Processor
}

// NewProcessTapHandler creates a new ProcessTapHandler.
func NewProcessTapHandler(processor *engine.Processor) *ProcessTapHandler {
	return &ProcessTapHandler{processor: processor}
}

// Handle executes the tap through the ingress processor. Rejections come back
// as a result, not an error; errors mean the engine itself failed.
func (h *ProcessTapHandler) Handle(ctx context.Context, cmd ProcessTapCommand) (engine.TapResult, error) {
	if err := cmd.Validate(); err != nil {
		return engine.TapResult{}, err
	}

	return h.processor.Process(ctx, engine.Tap{
		CardID:       identity.CardID(cmd.CardID),
		ClassroomID:  cmd.ClassroomID,
		ComputerID:   cmd.ComputerID,
		Corroborated: cmd.Corroborated,
		Manual:       cmd.Manual,
		At:           cmd.At,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// CORROBORATE PRESENCE COMMAND
// The proximity sensor confirming a pending check-in on its own.
// ══════════════════════════════════════════════════════════════════════════════

// CorroboratePresenceCommand contains a standalone proximity confirmation.
type CorroboratePresenceCommand struct {
	CardID      string
	ClassroomID string
	At          time.Time
}

// Validate validates the command.
func (c CorroboratePresenceCommand) Validate() error {
	if c.CardID == "" {
		return shared.NewDomainError("command", "corroborate_presence", shared.ErrValidation, "card_id is required")
	}
	if c.ClassroomID == "" {
		return shared.NewDomainError("command", "corroborate_presence", shared.ErrValidation, "classroom_id is required")
	}
	return nil
}

// CorroboratePresenceHandler handles the CorroboratePresenceCommand.
type CorroboratePresenceHandler struct {
	processor *engine.Processor
}

// NewCorroboratePresenceHandler creates a new CorroboratePresenceHandler.
func NewCorroboratePresenceHandler(processor *engine.Processor) *CorroboratePresenceHandler {
	return &CorroboratePresenceHandler{processor: processor}
}

// Handle executes the corroborate presence command.
func (h *CorroboratePresenceHandler) Handle(ctx context.Context, cmd CorroboratePresenceCommand) (engine.TapResult, error) {
	if err := cmd.Validate(); err != nil {
		return engine.TapResult{}, err
	}
	return h.processor.Corroborate(ctx, cmd.ClassroomID, identity.CardID(cmd.CardID), cmd.At)
}
