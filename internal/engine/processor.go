package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clirdec/presence-engine/internal/domain/identity"
	"github.com/clirdec/presence-engine/internal/domain/session"
	"github.com/clirdec/presence-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// TAP PROCESSOR
// ══════════════════════════════════════════════════════════════════════════════

// Tap is one raw identification event from a classroom reader.
type Tap struct {
	CardID      identity.CardID
	ClassroomID string
	ComputerID  string

	// Corroborated is set when the reader bundles the proximity signal
	// with the tap.
	Corroborated bool

	// Manual marks instructor overrides; they bypass dual validation.
	Manual bool

	At time.Time
}

// TapOutcome classifies the result of processing one tap.
type TapOutcome string

const (
	// OutcomeAccepted - the tap produced an attendance transition.
	OutcomeAccepted TapOutcome = "accepted"

	// OutcomeDuplicate - the tap matched committed state and changed nothing.
	OutcomeDuplicate TapOutcome = "duplicate"

	// OutcomeDebounced - the card repeated within the debounce window.
	OutcomeDebounced TapOutcome = "debounced"

	// OutcomeRejected - the tap was refused (unknown card, no active
	// session, session ended). Rejections never mutate records.
	OutcomeRejected TapOutcome = "rejected"
)

// TapResult is the envelope returned to the reader gateway. Readers show it
// on their little OLED screens, so it carries the student's name.
type TapResult struct {
	Outcome     TapOutcome               `json:"outcome"`
	Reason      string                   `json:"reason,omitempty"`
	SessionID   string                   `json:"session_id,omitempty"`
	StudentID   string                   `json:"student_id,omitempty"`
	StudentName string                   `json:"student_name,omitempty"`
	Status      session.Status           `json:"status,omitempty"`
	Kind        session.TransitionKind   `json:"transition,omitempty"`
	MinutesLate int                      `json:"minutes_late,omitempty"`
	Source      session.ValidationSource `json:"source,omitempty"`
}

// Processor guards the tap ingress: per-card debounce, card-to-student
// resolution, routing into the registry, and auditing of everything that
// gets refused.
type Processor struct {
	registry *Registry
	resolver identity.Resolver
	audit    session.AuditRepository
	flusher  Flusher
	bus      shared.EventBus
	logger   *slog.Logger

	debounce     time.Duration
	auditRejects bool

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// ProcessorConfig wires the processor.
type ProcessorConfig struct {
	Registry *Registry
	Resolver identity.Resolver

	// Audit receives rejected and debounced taps; nil disables auditing.
	Audit   session.AuditRepository
	Flusher Flusher

	// Bus receives diagnostic events. Optional.
	Bus shared.EventBus

	// Debounce is the per-card repeat suppression window.
	Debounce time.Duration

	// AuditRejects toggles persistence of refused taps.
	AuditRejects bool

	Logger *slog.Logger
}

// NewProcessor creates a tap processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Registry == nil {
		return nil, shared.NewDomainError("engine", "NewProcessor", shared.ErrEmptyValue, "registry is required")
	}
	if cfg.Resolver == nil {
		return nil, shared.NewDomainError("engine", "NewProcessor", shared.ErrEmptyValue, "identity resolver is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Processor{
		registry:     cfg.Registry,
		resolver:     cfg.Resolver,
		audit:        cfg.Audit,
		flusher:      cfg.Flusher,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		debounce:     cfg.Debounce,
		auditRejects: cfg.AuditRejects,
		lastSeen:     make(map[string]time.Time),
	}, nil
}

// Process handles one raw tap end to end.
func (p *Processor) Process(ctx context.Context, tap Tap) (TapResult, error) {
	if tap.At.IsZero() {
		tap.At = time.Now()
	}
	if tap.ClassroomID == "" {
		return p.reject(tap, "classroom id missing"), nil
	}
	if !tap.CardID.IsValid() {
		return p.reject(tap, "malformed card id"), nil
	}
	card := tap.CardID.Normalized()

	if p.debounced(card, tap.At) {
		p.publishDiagnostic(shared.TapRejectedEvent{
			BaseEvent:   shared.NewBaseEvent(shared.EventTapDebounced, card.String()),
			CardID:      card.String(),
			ClassroomID: tap.ClassroomID,
			Reason:      "debounced",
		})
		return TapResult{Outcome: OutcomeDebounced, Reason: "card repeated within debounce window"}, nil
	}

	student, err := p.resolver.Resolve(ctx, card)
	if err != nil {
		if shared.IsExpected(err) {
			return p.reject(tap, "unknown card"), nil
		}
		return TapResult{}, err
	}

	tr, err := p.registry.ApplyTap(ctx, tap.ClassroomID, session.CheckInParams{
		RecordID:     uuid.New().String(),
		StudentID:    student.ID,
		At:           tap.At,
		Corroborated: tap.Corroborated,
		Manual:       tap.Manual,
		ComputerID:   tap.ComputerID,
	})
	if err != nil {
		if shared.IsExpected(err) {
			return p.rejectFor(tap, student, rejectReason(err)), nil
		}
		return TapResult{}, err
	}

	outcome := OutcomeAccepted
	if !tr.Mutated() {
		outcome = OutcomeDuplicate
	}

	return TapResult{
		Outcome:     outcome,
		SessionID:   tr.Record.SessionID,
		StudentID:   student.ID,
		StudentName: student.Name,
		Status:      tr.Record.Status,
		Kind:        tr.Kind,
		MinutesLate: tr.Record.MinutesLate,
		Source:      tr.Record.Source,
	}, nil
}

// Corroborate handles a standalone proximity confirmation for a card.
func (p *Processor) Corroborate(ctx context.Context, classroomID string, cardID identity.CardID, at time.Time) (TapResult, error) {
	if at.IsZero() {
		at = time.Now()
	}
	if !cardID.IsValid() {
		return TapResult{Outcome: OutcomeRejected, Reason: "malformed card id"}, nil
	}

	student, err := p.resolver.Resolve(ctx, cardID.Normalized())
	if err != nil {
		if shared.IsExpected(err) {
			return TapResult{Outcome: OutcomeRejected, Reason: "unknown card"}, nil
		}
		return TapResult{}, err
	}

	tr, err := p.registry.Corroborate(ctx, classroomID, student.ID, at)
	if err != nil {
		if shared.IsExpected(err) {
			return TapResult{Outcome: OutcomeRejected, Reason: rejectReason(err)}, nil
		}
		return TapResult{}, err
	}

	outcome := OutcomeAccepted
	if !tr.Mutated() {
		outcome = OutcomeDuplicate
	}

	return TapResult{
		Outcome:     outcome,
		SessionID:   tr.Record.SessionID,
		StudentID:   student.ID,
		StudentName: student.Name,
		Status:      tr.Record.Status,
		Kind:        tr.Kind,
		MinutesLate: tr.Record.MinutesLate,
		Source:      tr.Record.Source,
	}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Debounce
// ─────────────────────────────────────────────────────────────────────────────

// debounced reports whether the card repeated inside the window, and records
// the sighting. ESP32 readers re-read a resting card several times a second.
func (p *Processor) debounced(card identity.CardID, at time.Time) bool {
	key := card.String()

	p.mu.Lock()
	defer p.mu.Unlock()

	last, seen := p.lastSeen[key]
	if seen && at.Sub(last) < p.debounce && at.After(last) {
		return true
	}
	p.lastSeen[key] = at

	// Opportunistic cleanup keeps the map from growing all semester.
	if len(p.lastSeen) > 4096 {
		cutoff := at.Add(-p.debounce)
		for k, t := range p.lastSeen {
			if t.Before(cutoff) {
				delete(p.lastSeen, k)
			}
		}
	}
	return false
}

// ─────────────────────────────────────────────────────────────────────────────
// Rejection handling
// ─────────────────────────────────────────────────────────────────────────────

func (p *Processor) reject(tap Tap, reason string) TapResult {
	event := shared.NewTapRejectedEvent(tap.CardID.String(), tap.ClassroomID, reason)
	p.publishDiagnostic(event)
	p.auditEvent(event)

	p.logger.Warn("tap rejected",
		"card_id", tap.CardID.String(),
		"classroom_id", tap.ClassroomID,
		"reason", reason,
	)

	return TapResult{Outcome: OutcomeRejected, Reason: reason}
}

func (p *Processor) rejectFor(tap Tap, student *identity.Student, reason string) TapResult {
	res := p.reject(tap, reason)
	res.StudentID = student.ID
	res.StudentName = student.Name
	return res
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, shared.ErrSessionEnded):
		return "session already ended"
	case errors.Is(err, shared.ErrSessionNotActive):
		return "no active session in classroom"
	case errors.Is(err, shared.ErrRecordNotFound):
		return "no pending check-in to corroborate"
	default:
		return "rejected"
	}
}

func (p *Processor) publishDiagnostic(event shared.Event) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(event); err != nil {
		p.logger.Error("diagnostic publish failed", "error", err)
	}
}

func (p *Processor) auditEvent(event shared.Event) {
	if !p.auditRejects || p.audit == nil || p.flusher == nil {
		return
	}
	p.flusher.Enqueue("audit_event", func(ctx context.Context) error {
		return p.audit.Append(ctx, event)
	})
}
