package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/clirdec/presence-engine/internal/application/command"
	"github.com/clirdec/presence-engine/internal/application/query"
	"github.com/clirdec/presence-engine/internal/domain/session"
	"github.com/clirdec/presence-engine/internal/domain/shared"
)

var validate = validator.New()

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST BODIES
// ══════════════════════════════════════════════════════════════════════════════

type tapRequest struct {
	CardID       string    `json:"card_id" validate:"required,min=4,max=32"`
	ClassroomID  string    `json:"classroom_id" validate:"required"`
	ComputerID   string    `json:"computer_id"`
	Corroborated bool      `json:"corroborated"`
	Manual       bool      `json:"manual"`
	At           time.Time `json:"at"`
}

type corroborationRequest struct {
	CardID      string    `json:"card_id" validate:"required,min=4,max=32"`
	ClassroomID string    `json:"classroom_id" validate:"required"`
	At          time.Time `json:"at"`
}

type scheduleSessionRequest struct {
	ClassroomID    string    `json:"classroom_id" validate:"required"`
	SubjectID      string    `json:"subject_id" validate:"required"`
	ScheduledStart time.Time `json:"scheduled_start" validate:"required"`
	ScheduledEnd   time.Time `json:"scheduled_end" validate:"required"`
	DualValidation *bool     `json:"dual_validation,omitempty"`
}

type lifecycleRequest struct {
	At time.Time `json:"at"`
}

// ══════════════════════════════════════════════════════════════════════════════
// INGRESS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleProcessTap(w http.ResponseWriter, r *http.Request) {
	var req tapRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.deps.ProcessTap.Handle(r.Context(), command.ProcessTapCommand{
		CardID:       req.CardID,
		ClassroomID:  req.ClassroomID,
		ComputerID:   req.ComputerID,
		Corroborated: req.Corroborated,
		Manual:       req.Manual,
		At:           req.At,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	// Rejections still answer 200; the reader renders the outcome either
	// way and retrying a rejected tap would not help.
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCorroborate(w http.ResponseWriter, r *http.Request) {
	var req corroborationRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.deps.Corroborate.Handle(r.Context(), command.CorroboratePresenceCommand{
		CardID:      req.CardID,
		ClassroomID: req.ClassroomID,
		At:          req.At,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleScheduleSession(w http.ResponseWriter, r *http.Request) {
	var req scheduleSessionRequest
	if !s.decode(w, r, &req) {
		return
	}

	snap, err := s.deps.ScheduleSession.Handle(r.Context(), command.ScheduleSessionCommand{
		ClassroomID:    req.ClassroomID,
		SubjectID:      req.SubjectID,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
		DualValidation: req.DualValidation,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if r.ContentLength > 0 && !s.decode(w, r, &req) {
		return
	}

	snap, err := s.deps.StartSession.Handle(r.Context(), command.StartSessionCommand{
		SessionID: r.PathValue("id"),
		At:        req.At,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if r.ContentLength > 0 && !s.decode(w, r, &req) {
		return
	}

	snap, err := s.deps.EndSession.Handle(r.Context(), command.EndSessionCommand{
		SessionID: r.PathValue("id"),
		At:        req.At,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	snaps := s.deps.ListSessions.Handle(r.Context(), query.ListSessionsQuery{
		State: session.State(r.URL.Query().Get("state")),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": snaps,
		"count":    len(snaps),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.GetSession.Handle(r.Context(), query.GetSessionQuery{
		SessionID: r.PathValue("id"),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetActiveSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.GetActiveSession.Handle(r.Context(), query.GetActiveSessionQuery{
		ClassroomID: r.PathValue("id"),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ══════════════════════════════════════════════════════════════════════════════
// BEHAVIOR HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleGetBehaviorLevel(w http.ResponseWriter, r *http.Request) {
	level, err := s.deps.GetBehaviorLevel.Handle(r.Context(), query.GetBehaviorLevelQuery{
		StudentID: r.PathValue("id"),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"student_id": r.PathValue("id"),
		"level":      string(level),
	})
}

func (s *Server) handleMarkIntervention(w http.ResponseWriter, r *http.Request) {
	err := s.deps.MarkIntervention.Handle(r.Context(), command.MarkInterventionCommand{
		StudentID: r.PathValue("id"),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"student_id": r.PathValue("id"),
		"status":     "intervention_marked",
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// REALTIME
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "realtime disabled")
		return
	}

	classroomID := r.URL.Query().Get("classroom_id")

	// Seed the subscriber with current state so the dashboard renders
	// immediately instead of waiting for the next transition.
	var initial []session.Snapshot
	if classroomID != "" {
		if snap, err := s.deps.GetActiveSession.Handle(r.Context(), query.GetActiveSessionQuery{ClassroomID: classroomID}); err == nil {
			initial = append(initial, snap)
		}
	} else {
		initial = s.deps.ListSessions.Handle(r.Context(), query.ListSessionsQuery{State: session.StateActive})
	}

	s.deps.Hub.Serve(w, r, classroomID, initial)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// decode parses and validates a JSON body, answering the error itself.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// writeDomainError maps domain error classes onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case shared.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case shared.IsAlreadyExists(err):
		writeError(w, http.StatusConflict, err.Error())
	case shared.IsInvalidState(err):
		writeError(w, http.StatusConflict, err.Error())
	case shared.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
