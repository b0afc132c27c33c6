// Package shared contains common domain types, errors, and events.
package shared

import (
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types - these drive the event-driven architecture.
// Each event represents something significant that happened in the engine.
const (
	// Session lifecycle events
	EventSessionScheduled EventType = "session.scheduled"
	EventSessionStarted   EventType = "session.started"
	EventSessionEnded     EventType = "session.ended"

	// Attendance events
	EventAttendanceCheckedIn  EventType = "attendance.checked_in"
	EventAttendanceLate       EventType = "attendance.late"
	EventAttendancePending    EventType = "attendance.pending"
	EventAttendanceCheckedOut EventType = "attendance.checked_out"
	EventAttendanceAbsent     EventType = "attendance.absent_finalized"
	EventAttendanceExpired    EventType = "attendance.pending_expired"

	// Escalation events
	EventBehaviorLevelRaised  EventType = "behavior.level_raised"
	EventInterventionMarked   EventType = "behavior.intervention_marked"
	EventEscalationDispatched EventType = "escalation.dispatched"
	EventEscalationRejected   EventType = "escalation.rejected"

	// Diagnostic events
	EventTapRejected    EventType = "tap.rejected"
	EventTapDebounced   EventType = "tap.debounced"
	EventScheduleLoaded EventType = "system.schedule_loaded"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// EventHandler processes a single event. Handlers must be safe for concurrent
// use; the bus may invoke them from multiple goroutines.
type EventHandler func(event Event) error

// EventBus decouples event producers from consumers.
type EventBus interface {
	// Subscribe registers a handler for a specific event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error

	// Publish sends an event to all subscribed handlers.
	Publish(event Event) error

	// Close gracefully shuts down the bus.
	Close() error
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	AggregateId string    `json:"aggregate_id"`
	Version     int       `json:"version"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// Payload implements Event interface. Events carrying extra data shadow this
// with their own payload.
func (e BaseEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"type":         string(e.Type),
		"aggregate_id": e.AggregateId,
		"timestamp":    e.Timestamp,
	}
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Session Events
// ═══════════════════════════════════════════════════════════════════════════

// SessionStartedEvent is emitted when a session transitions to Active.
type SessionStartedEvent struct {
	BaseEvent
	SessionID   string    `json:"session_id"`
	ClassroomID string    `json:"classroom_id"`
	SubjectID   string    `json:"subject_id"`
	StartedAt   time.Time `json:"started_at"`
	Manual      bool      `json:"manual"`
}

// Payload implements Event interface.
func (e SessionStartedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"session_id":   e.SessionID,
		"classroom_id": e.ClassroomID,
		"subject_id":   e.SubjectID,
		"started_at":   e.StartedAt,
		"manual":       e.Manual,
	}
}

// NewSessionStartedEvent creates a new SessionStartedEvent.
func NewSessionStartedEvent(sessionID, classroomID, subjectID string, startedAt time.Time, manual bool) SessionStartedEvent {
	return SessionStartedEvent{
		BaseEvent:   NewBaseEvent(EventSessionStarted, sessionID),
		SessionID:   sessionID,
		ClassroomID: classroomID,
		SubjectID:   subjectID,
		StartedAt:   startedAt,
		Manual:      manual,
	}
}

// SessionEndedEvent is emitted when a session transitions to Ended.
type SessionEndedEvent struct {
	BaseEvent
	SessionID      string    `json:"session_id"`
	ClassroomID    string    `json:"classroom_id"`
	EndedAt        time.Time `json:"ended_at"`
	Manual         bool      `json:"manual"`
	PresentCount   int       `json:"present_count"`
	LateCount      int       `json:"late_count"`
	AbsentCount    int       `json:"absent_count"`
	FinalizedCount int       `json:"finalized_count"`
}

// Payload implements Event interface.
func (e SessionEndedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"session_id":      e.SessionID,
		"classroom_id":    e.ClassroomID,
		"ended_at":        e.EndedAt,
		"manual":          e.Manual,
		"present_count":   e.PresentCount,
		"late_count":      e.LateCount,
		"absent_count":    e.AbsentCount,
		"finalized_count": e.FinalizedCount,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Attendance Events
// ═══════════════════════════════════════════════════════════════════════════

// RecordTransitionEvent is emitted on every committed attendance record
// transition. It is the compact change event fanned out to observers and fed
// into the escalation engine.
type RecordTransitionEvent struct {
	BaseEvent
	SessionID   string    `json:"session_id"`
	ClassroomID string    `json:"classroom_id"`
	StudentID   string    `json:"student_id"`
	NewStatus   string    `json:"new_status"`
	PrevStatus  string    `json:"prev_status"`
	Source      string    `json:"source"`
	MinutesLate int       `json:"minutes_late,omitempty"`
	At          time.Time `json:"at"`
}

// Payload implements Event interface.
func (e RecordTransitionEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"session_id":   e.SessionID,
		"classroom_id": e.ClassroomID,
		"student_id":   e.StudentID,
		"new_status":   e.NewStatus,
		"prev_status":  e.PrevStatus,
		"source":       e.Source,
		"minutes_late": e.MinutesLate,
		"at":           e.At,
	}
}

// NewRecordTransitionEvent creates a transition event of the given type.
func NewRecordTransitionEvent(eventType EventType, sessionID, classroomID, studentID, prevStatus, newStatus, source string, minutesLate int, at time.Time) RecordTransitionEvent {
	return RecordTransitionEvent{
		BaseEvent:   NewBaseEvent(eventType, sessionID),
		SessionID:   sessionID,
		ClassroomID: classroomID,
		StudentID:   studentID,
		NewStatus:   newStatus,
		PrevStatus:  prevStatus,
		Source:      source,
		MinutesLate: minutesLate,
		At:          at,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Escalation Events
// ═══════════════════════════════════════════════════════════════════════════

// BehaviorLevelRaisedEvent is emitted when a student's behavior level increases.
type BehaviorLevelRaisedEvent struct {
	BaseEvent
	StudentID string `json:"student_id"`
	PrevLevel string `json:"prev_level"`
	NewLevel  string `json:"new_level"`
	Reason    string `json:"reason"`
}

// Payload implements Event interface.
func (e BehaviorLevelRaisedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id": e.StudentID,
		"prev_level": e.PrevLevel,
		"new_level":  e.NewLevel,
		"reason":     e.Reason,
	}
}

// NewBehaviorLevelRaisedEvent creates a new BehaviorLevelRaisedEvent.
func NewBehaviorLevelRaisedEvent(studentID, prevLevel, newLevel, reason string) BehaviorLevelRaisedEvent {
	return BehaviorLevelRaisedEvent{
		BaseEvent: NewBaseEvent(EventBehaviorLevelRaised, studentID),
		StudentID: studentID,
		PrevLevel: prevLevel,
		NewLevel:  newLevel,
		Reason:    reason,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Diagnostic Events
// ═══════════════════════════════════════════════════════════════════════════

// TapRejectedEvent records a tap that produced no attendance transition.
// These are diagnostic only; they never create or mutate records.
type TapRejectedEvent struct {
	BaseEvent
	CardID      string `json:"card_id"`
	ClassroomID string `json:"classroom_id"`
	Reason      string `json:"reason"`
}

// Payload implements Event interface.
func (e TapRejectedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"card_id":      e.CardID,
		"classroom_id": e.ClassroomID,
		"reason":       e.Reason,
	}
}

// NewTapRejectedEvent creates a new TapRejectedEvent.
func NewTapRejectedEvent(cardID, classroomID, reason string) TapRejectedEvent {
	return TapRejectedEvent{
		BaseEvent:   NewBaseEvent(EventTapRejected, cardID),
		CardID:      cardID,
		ClassroomID: classroomID,
		Reason:      reason,
	}
}
