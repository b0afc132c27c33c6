package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clirdec/presence-engine/internal/domain/shared"
)

var testStart = time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

func newTestSession(t *testing.T, policy TimingPolicy) *Session {
	t.Helper()
	s, err := NewSession(NewSessionParams{
		ID:             "sess-1",
		ClassroomID:    "room-101",
		SubjectID:      "cs-131",
		ScheduledStart: testStart,
		ScheduledEnd:   testStart.Add(2 * time.Hour),
		Policy:         policy,
	})
	require.NoError(t, err)
	return s
}

func defaultPolicy() TimingPolicy {
	return TimingPolicy{
		AutoStartBuffer: 5 * time.Minute,
		LateThreshold:   15 * time.Minute,
		AutoEnd:         true,
	}
}

func TestNewSession_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*NewSessionParams)
	}{
		{"missing id", func(p *NewSessionParams) { p.ID = "" }},
		{"missing classroom", func(p *NewSessionParams) { p.ClassroomID = "" }},
		{"missing subject", func(p *NewSessionParams) { p.SubjectID = "" }},
		{"end before start", func(p *NewSessionParams) { p.ScheduledEnd = p.ScheduledStart.Add(-time.Hour) }},
		{"negative threshold", func(p *NewSessionParams) { p.Policy.LateThreshold = -time.Minute }},
		{"dual validation without grace", func(p *NewSessionParams) { p.Policy.DualValidation = true; p.Policy.CorroborationGrace = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := NewSessionParams{
				ID:             "sess-1",
				ClassroomID:    "room-101",
				SubjectID:      "cs-131",
				ScheduledStart: testStart,
				ScheduledEnd:   testStart.Add(2 * time.Hour),
				Policy:         defaultPolicy(),
			}
			tt.mutate(&params)
			_, err := NewSession(params)
			assert.Error(t, err)
		})
	}
}

func TestSession_Lifecycle(t *testing.T) {
	s := newTestSession(t, defaultPolicy())
	assert.Equal(t, StateScheduled, s.State)

	// Auto-start buffer: due 5 minutes before scheduled start, not before.
	assert.False(t, s.DueToStart(testStart.Add(-6*time.Minute)))
	assert.True(t, s.DueToStart(testStart.Add(-5*time.Minute)))

	require.NoError(t, s.Start(testStart.Add(-4*time.Minute)))
	assert.Equal(t, StateActive, s.State)
	assert.False(t, s.ActualStart.IsZero())

	// Double start reports the conflict.
	assert.ErrorIs(t, s.Start(testStart), shared.ErrAlreadyActive)

	// Auto-end at scheduled end.
	assert.False(t, s.DueToEnd(testStart.Add(time.Hour)))
	assert.True(t, s.DueToEnd(testStart.Add(2*time.Hour)))

	_, err := s.End(testStart.Add(2 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, StateEnded, s.State)

	_, err = s.End(testStart.Add(2 * time.Hour))
	assert.ErrorIs(t, err, shared.ErrAlreadyEnded)

	// Starting an ended session is rejected; it is no longer scheduled.
	assert.ErrorIs(t, s.Start(testStart), shared.ErrNotScheduled)
}

func TestSession_EndWithoutActivation(t *testing.T) {
	s := newTestSession(t, defaultPolicy())
	finalized, err := s.End(testStart)
	require.NoError(t, err)
	assert.Empty(t, finalized)
	assert.Equal(t, StateEnded, s.State)
}

func TestSession_AutoEndDisabled(t *testing.T) {
	policy := defaultPolicy()
	policy.AutoEnd = false
	s := newTestSession(t, policy)
	require.NoError(t, s.Start(testStart))

	assert.False(t, s.DueToEnd(testStart.Add(3*time.Hour)))
}

func TestSession_CheckInTimingClassification(t *testing.T) {
	tests := []struct {
		name        string
		at          time.Time
		wantStatus  Status
		wantKind    TransitionKind
		wantMinutes int
	}{
		{"before start", testStart.Add(-4 * time.Minute), StatusPresent, TransitionCheckIn, 0},
		{"exactly at threshold", testStart.Add(15 * time.Minute), StatusPresent, TransitionCheckIn, 0},
		{"just past threshold", testStart.Add(15*time.Minute + 30*time.Second), StatusLate, TransitionLate, 1},
		{"twenty minutes in", testStart.Add(20 * time.Minute), StatusLate, TransitionLate, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, defaultPolicy())
			require.NoError(t, s.Start(testStart.Add(-5*time.Minute)))

			tr, err := s.ApplyTap(CheckInParams{RecordID: "rec-1", StudentID: "stu-1", At: tt.at})
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, tr.Kind)
			assert.Equal(t, tt.wantStatus, tr.Record.Status)
			assert.Equal(t, tt.wantMinutes, tr.Record.MinutesLate)
			assert.Equal(t, tt.at, tr.Record.CheckInAt)
		})
	}
}

func TestSession_TapDecisionTable(t *testing.T) {
	s := newTestSession(t, defaultPolicy())
	require.NoError(t, s.Start(testStart))

	// First tap: check-in.
	tr, err := s.ApplyTap(CheckInParams{RecordID: "rec-1", StudentID: "stu-1", At: testStart.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, TransitionCheckIn, tr.Kind)

	// Second tap: check-out, regardless of timing.
	tr, err = s.ApplyTap(CheckInParams{StudentID: "stu-1", At: testStart.Add(90 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, TransitionCheckOut, tr.Kind)
	assert.Equal(t, StatusCheckedOut, tr.Record.Status)
	assert.False(t, tr.Record.CheckOutAt.IsZero())

	// Third tap: idempotent duplicate, existing record returned unchanged.
	tr, err = s.ApplyTap(CheckInParams{StudentID: "stu-1", At: testStart.Add(91 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, TransitionDuplicate, tr.Kind)
	assert.False(t, tr.Mutated())
	assert.Equal(t, StatusCheckedOut, tr.Record.Status)
}

func TestSession_TapRejectedOutsideActive(t *testing.T) {
	s := newTestSession(t, defaultPolicy())

	_, err := s.ApplyTap(CheckInParams{StudentID: "stu-1", At: testStart})
	assert.ErrorIs(t, err, shared.ErrSessionNotActive)

	require.NoError(t, s.Start(testStart))
	_, err = s.End(testStart.Add(2 * time.Hour))
	require.NoError(t, err)

	_, err = s.ApplyTap(CheckInParams{StudentID: "stu-1", At: testStart.Add(3 * time.Hour)})
	assert.ErrorIs(t, err, shared.ErrSessionEnded)
	// Record set unchanged: the rejected tap created nothing.
	assert.Empty(t, s.Records())
}

func TestSession_EndFinalizesAbsentAndPending(t *testing.T) {
	policy := defaultPolicy()
	policy.DualValidation = true
	policy.CorroborationGrace = 10 * time.Second
	s := newTestSession(t, policy)
	require.NoError(t, s.Start(testStart))

	// One committed check-in (corroborated), one stuck pending.
	_, err := s.ApplyTap(CheckInParams{RecordID: "rec-1", StudentID: "stu-1", At: testStart, Corroborated: true})
	require.NoError(t, err)
	_, err = s.ApplyTap(CheckInParams{RecordID: "rec-2", StudentID: "stu-2", At: testStart})
	require.NoError(t, err)

	finalized, err := s.End(testStart.Add(2 * time.Hour))
	require.NoError(t, err)
	require.Len(t, finalized, 1)
	assert.Equal(t, TransitionAbsentFinal, finalized[0].Kind)
	assert.Equal(t, "stu-2", finalized[0].Record.StudentID)
	assert.Equal(t, StatusAbsent, finalized[0].Record.Status)

	rec, ok := s.Record("stu-1")
	require.True(t, ok)
	assert.Equal(t, StatusPresent, rec.Status)
}

func TestSession_DualValidationGraceWindow(t *testing.T) {
	policy := defaultPolicy()
	policy.DualValidation = true
	policy.CorroborationGrace = 10 * time.Second
	s := newTestSession(t, policy)
	require.NoError(t, s.Start(testStart))

	// Uncorroborated tap holds pending with a deadline.
	tr, err := s.ApplyTap(CheckInParams{RecordID: "rec-1", StudentID: "stu-1", At: testStart.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, TransitionPending, tr.Kind)
	assert.Equal(t, testStart.Add(time.Minute+10*time.Second), tr.Record.PendingDeadline())

	// Corroboration at 5s upgrades using the original tap time.
	tr, err = s.Corroborate("stu-1", testStart.Add(time.Minute+5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, TransitionCheckIn, tr.Kind)
	assert.Equal(t, StatusPresent, tr.Record.Status)
	assert.Equal(t, SourceRFIDProximity, tr.Record.Source)
	assert.Equal(t, testStart.Add(time.Minute), tr.Record.CheckInAt)
}

func TestSession_PendingExpiresBackToAbsent(t *testing.T) {
	policy := defaultPolicy()
	policy.DualValidation = true
	policy.CorroborationGrace = 10 * time.Second
	s := newTestSession(t, policy)
	require.NoError(t, s.Start(testStart))

	_, err := s.ApplyTap(CheckInParams{RecordID: "rec-1", StudentID: "stu-1", At: testStart})
	require.NoError(t, err)
	assert.Equal(t, testStart.Add(10*time.Second), s.NextPendingDeadline())

	// Before the deadline nothing expires.
	assert.Empty(t, s.ExpirePending(testStart.Add(9*time.Second)))

	expired := s.ExpirePending(testStart.Add(10 * time.Second))
	require.Len(t, expired, 1)
	assert.Equal(t, TransitionPendingExpired, expired[0].Kind)
	assert.Equal(t, StatusAbsent, expired[0].Record.Status)
	assert.True(t, expired[0].Record.CheckInAt.IsZero())
	assert.True(t, s.NextPendingDeadline().IsZero())

	// Corroboration arriving after expiry does not resurrect the check-in.
	tr, err := s.Corroborate("stu-1", testStart.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, TransitionDuplicate, tr.Kind)
	assert.Equal(t, StatusAbsent, tr.Record.Status)
}

func TestSession_PendingRetapWithProximityUpgrades(t *testing.T) {
	policy := defaultPolicy()
	policy.DualValidation = true
	policy.CorroborationGrace = time.Minute
	s := newTestSession(t, policy)
	require.NoError(t, s.Start(testStart))

	_, err := s.ApplyTap(CheckInParams{RecordID: "rec-1", StudentID: "stu-1", At: testStart})
	require.NoError(t, err)

	// A bare re-tap stays pending.
	tr, err := s.ApplyTap(CheckInParams{StudentID: "stu-1", At: testStart.Add(5 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, TransitionDuplicate, tr.Kind)
	assert.Equal(t, StatusPending, tr.Record.Status)

	// A re-tap carrying the proximity flag commits.
	tr, err = s.ApplyTap(CheckInParams{StudentID: "stu-1", At: testStart.Add(10 * time.Second), Corroborated: true})
	require.NoError(t, err)
	assert.Equal(t, TransitionCheckIn, tr.Kind)
	assert.Equal(t, StatusPresent, tr.Record.Status)
}

func TestSession_ManualSourceBypassesDualValidation(t *testing.T) {
	policy := defaultPolicy()
	policy.DualValidation = true
	policy.CorroborationGrace = 10 * time.Second
	s := newTestSession(t, policy)
	require.NoError(t, s.Start(testStart))

	tr, err := s.ApplyTap(CheckInParams{RecordID: "rec-1", StudentID: "stu-1", At: testStart, Manual: true})
	require.NoError(t, err)
	assert.Equal(t, TransitionCheckIn, tr.Kind)
	assert.Equal(t, SourceManual, tr.Record.Source)
}

func TestSession_ComputerAssignmentCarried(t *testing.T) {
	s := newTestSession(t, defaultPolicy())
	require.NoError(t, s.Start(testStart))

	tr, err := s.ApplyTap(CheckInParams{RecordID: "rec-1", StudentID: "stu-1", At: testStart, ComputerID: "pc-07"})
	require.NoError(t, err)
	assert.Equal(t, "pc-07", tr.Record.ComputerID)
}

func TestStatus_MonotonicOrder(t *testing.T) {
	assert.True(t, StatusAbsent.CanAdvanceTo(StatusPending))
	assert.True(t, StatusAbsent.CanAdvanceTo(StatusPresent))
	assert.True(t, StatusAbsent.CanAdvanceTo(StatusLate))
	assert.True(t, StatusPending.CanAdvanceTo(StatusLate))
	assert.True(t, StatusPresent.CanAdvanceTo(StatusCheckedOut))
	assert.True(t, StatusLate.CanAdvanceTo(StatusCheckedOut))

	// The sanctioned reversal: pending corroboration expiry.
	assert.True(t, StatusPending.CanAdvanceTo(StatusAbsent))

	// No other backward movement.
	assert.False(t, StatusPresent.CanAdvanceTo(StatusAbsent))
	assert.False(t, StatusPresent.CanAdvanceTo(StatusPending))
	assert.False(t, StatusLate.CanAdvanceTo(StatusPresent))
	assert.False(t, StatusCheckedOut.CanAdvanceTo(StatusPresent))
	assert.False(t, StatusCheckedOut.CanAdvanceTo(StatusAbsent))
}

func TestSession_SnapshotIsDetached(t *testing.T) {
	s := newTestSession(t, defaultPolicy())
	require.NoError(t, s.Start(testStart))
	_, err := s.ApplyTap(CheckInParams{RecordID: "rec-1", StudentID: "stu-1", At: testStart})
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Records, 1)
	snap.Records[0].Status = StatusCheckedOut

	rec, ok := s.Record("stu-1")
	require.True(t, ok)
	assert.Equal(t, StatusPresent, rec.Status, "snapshot mutation must not leak into the session")
}

func TestSession_RestoreRecord(t *testing.T) {
	s := newTestSession(t, defaultPolicy())
	require.NoError(t, s.Start(testStart))

	s.RestoreRecord(Record{
		ID:        "rec-9",
		SessionID: s.ID,
		StudentID: "stu-9",
		Status:    StatusLate,
		CheckInAt: testStart.Add(20 * time.Minute),
	})

	// A later tap on the restored record is a check-out, not a check-in.
	tr, err := s.ApplyTap(CheckInParams{StudentID: "stu-9", At: testStart.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, TransitionCheckOut, tr.Kind)
}
