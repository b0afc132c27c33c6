package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clirdec/presence-engine/internal/domain/behavior"
	"github.com/clirdec/presence-engine/internal/domain/shared"
)

func escalationPolicy() behavior.Policy {
	return behavior.Policy{
		WindowSessions:                20,
		WarningLateCount:              3,
		ConcerningConsecutiveAbsences: 3,
		CriticalAttendanceRate:        0.75,
		MinSessionsForRate:            8,
		Cooldown:                      24 * time.Hour,
	}
}

func newTestEscalator(t *testing.T, notifier *stubNotifier, now func() time.Time) (*Escalator, *memBus, *memProfileRepo, *memHistory) {
	t.Helper()

	bus := newMemBus()
	profiles := newMemProfileRepo()
	history := &memHistory{}
	esc, err := NewEscalator(EscalatorConfig{
		Policy:      escalationPolicy(),
		ProfileRepo: profiles,
		History:     history,
		Notifier:    notifier,
		Flusher:     syncFlusher{},
		Bus:         bus,
		Enabled:     true,
		Now:         now,
	})
	require.NoError(t, err)
	t.Cleanup(esc.Close)
	return esc, bus, profiles, history
}

// feedOutcome feeds one committed outcome. Every session gets its own id:
// the profile upserts per session, so reusing an id would overwrite the
// previous outcome instead of extending the window.
func feedOutcome(t *testing.T, esc *Escalator, studentID, sessionID string, eventType shared.EventType, at time.Time) {
	t.Helper()
	err := esc.HandleTransition(shared.NewRecordTransitionEvent(
		eventType, sessionID, "room-101", studentID, "absent", "present", "rfid", 0, at,
	))
	require.NoError(t, err)
}

// waitLevel drains the mailbox ordering: the query is answered only after
// every outcome fed before it.
func waitLevel(t *testing.T, esc *Escalator, studentID string) behavior.Level {
	t.Helper()
	level, err := esc.Level(context.Background(), studentID)
	require.NoError(t, err)
	return level
}

func TestEscalator_WarningAfterRepeatedLates(t *testing.T) {
	notifier := &stubNotifier{accepted: true}
	esc, bus, _, history := newTestEscalator(t, notifier, nil)

	at := engineStart
	for i := 0; i < 3; i++ {
		feedOutcome(t, esc, "student-1", fmt.Sprintf("sess-%d", i), shared.EventAttendanceLate, at.Add(time.Duration(i)*time.Hour))
	}

	assert.Equal(t, behavior.LevelWarning, waitLevel(t, esc, "student-1"))
	assert.Len(t, bus.eventsOfType(shared.EventBehaviorLevelRaised), 1)

	require.Eventually(t, func() bool { return notifier.sendCount() == 1 }, time.Second, 10*time.Millisecond)
	notifier.mu.Lock()
	sent := notifier.sent[0]
	notifier.mu.Unlock()
	assert.Equal(t, behavior.LevelWarning, sent.Level)
	assert.Equal(t, "student_email", sent.Channel)

	require.Eventually(t, func() bool {
		history.mu.Lock()
		defer history.mu.Unlock()
		return len(history.recs) == 1 && history.recs[0].Accepted
	}, time.Second, 10*time.Millisecond)
}

func TestEscalator_CooldownSuppressesRepeat(t *testing.T) {
	clock := engineStart
	notifier := &stubNotifier{accepted: true}
	esc, _, _, _ := newTestEscalator(t, notifier, func() time.Time { return clock })

	// Three lates raise the warning; the fourth matches the same level and
	// stays inside the cooldown.
	for i := 0; i < 4; i++ {
		feedOutcome(t, esc, "student-1", fmt.Sprintf("sess-%d", i), shared.EventAttendanceLate, engineStart.Add(time.Duration(i)*time.Hour))
	}
	assert.Equal(t, behavior.LevelWarning, waitLevel(t, esc, "student-1"))
	require.Eventually(t, func() bool { return notifier.sendCount() == 1 }, time.Second, 10*time.Millisecond)

	// After the cooldown elapses the same level fires again.
	clock = engineStart.Add(25 * time.Hour)
	feedOutcome(t, esc, "student-1", "sess-9", shared.EventAttendanceLate, clock)
	waitLevel(t, esc, "student-1")
	require.Eventually(t, func() bool { return notifier.sendCount() == 2 }, time.Second, 10*time.Millisecond)
}

func TestEscalator_LevelRaiseBypassesCooldown(t *testing.T) {
	notifier := &stubNotifier{accepted: true}
	esc, _, _, _ := newTestEscalator(t, notifier, nil)

	for i := 0; i < 3; i++ {
		feedOutcome(t, esc, "student-1", fmt.Sprintf("sess-%d", i), shared.EventAttendanceLate, engineStart.Add(time.Duration(i)*time.Hour))
	}
	assert.Equal(t, behavior.LevelWarning, waitLevel(t, esc, "student-1"))

	// Three consecutive absences immediately on the heels of the warning:
	// concerning outranks warning, so the cooldown does not apply.
	for i := 3; i < 6; i++ {
		feedOutcome(t, esc, "student-1", fmt.Sprintf("sess-%d", i), shared.EventAttendanceAbsent, engineStart.Add(time.Duration(i)*time.Hour))
	}
	assert.Equal(t, behavior.LevelConcerning, waitLevel(t, esc, "student-1"))

	require.Eventually(t, func() bool { return notifier.sendCount() == 2 }, time.Second, 10*time.Millisecond)
}

func TestEscalator_CriticalUsesParentChannel(t *testing.T) {
	notifier := &stubNotifier{accepted: true}
	esc, _, _, _ := newTestEscalator(t, notifier, nil)

	// Two attended then six missed: 8 sessions, rate 25%, well below 75%.
	feedOutcome(t, esc, "student-1", "sess-0", shared.EventAttendanceCheckedIn, engineStart)
	feedOutcome(t, esc, "student-1", "sess-1", shared.EventAttendanceCheckedIn, engineStart.Add(time.Hour))
	for i := 2; i < 8; i++ {
		feedOutcome(t, esc, "student-1", fmt.Sprintf("sess-%d", i), shared.EventAttendanceAbsent, engineStart.Add(time.Duration(i)*time.Hour))
	}

	assert.Equal(t, behavior.LevelCritical, waitLevel(t, esc, "student-1"))

	// The concerning tier fires first on the third absence; the critical
	// send is the second one.
	require.Eventually(t, func() bool { return notifier.sendCount() == 2 }, time.Second, 10*time.Millisecond)
	notifier.mu.Lock()
	last := notifier.sent[len(notifier.sent)-1]
	notifier.mu.Unlock()
	assert.Equal(t, behavior.LevelCritical, last.Level)
	assert.Equal(t, "parent_email", last.Channel)
}

func TestEscalator_MarkInterventionResets(t *testing.T) {
	notifier := &stubNotifier{accepted: true}
	esc, bus, _, _ := newTestEscalator(t, notifier, nil)

	for i := 0; i < 3; i++ {
		feedOutcome(t, esc, "student-1", fmt.Sprintf("sess-%d", i), shared.EventAttendanceLate, engineStart.Add(time.Duration(i)*time.Hour))
	}
	require.Equal(t, behavior.LevelWarning, waitLevel(t, esc, "student-1"))

	require.NoError(t, esc.MarkIntervention(context.Background(), "student-1"))
	assert.Equal(t, behavior.LevelNone, waitLevel(t, esc, "student-1"))
	assert.Len(t, bus.eventsOfType(shared.EventInterventionMarked), 1)

	// The window still holds the lates, so the very next one re-triggers.
	feedOutcome(t, esc, "student-1", "sess-4", shared.EventAttendanceLate, engineStart.Add(4*time.Hour))
	assert.Equal(t, behavior.LevelWarning, waitLevel(t, esc, "student-1"))
	require.Eventually(t, func() bool { return notifier.sendCount() == 2 }, time.Second, 10*time.Millisecond)
}

func TestEscalator_RejectedSendRecordedNotAccepted(t *testing.T) {
	notifier := &stubNotifier{accepted: false, err: shared.ErrNotifierRejected}
	esc, bus, _, history := newTestEscalator(t, notifier, nil)

	for i := 0; i < 3; i++ {
		feedOutcome(t, esc, "student-1", fmt.Sprintf("sess-%d", i), shared.EventAttendanceLate, engineStart.Add(time.Duration(i)*time.Hour))
	}
	waitLevel(t, esc, "student-1")

	require.Eventually(t, func() bool {
		return len(bus.eventsOfType(shared.EventEscalationRejected)) == 1
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		history.mu.Lock()
		defer history.mu.Unlock()
		return len(history.recs) == 1 && !history.recs[0].Accepted
	}, time.Second, 10*time.Millisecond)
}

func TestEscalator_WarmStartFromStoredProfile(t *testing.T) {
	profiles := newMemProfileRepo()
	stored := behavior.RestoreProfile("student-1", 20, behavior.LevelNone, time.Time{}, behavior.LevelNone, []behavior.Outcome{
		{SessionID: "s1", Attended: true, Late: true, At: engineStart},
		{SessionID: "s2", Attended: true, Late: true, At: engineStart.Add(time.Hour)},
	})
	require.NoError(t, profiles.SaveProfile(context.Background(), stored))

	notifier := &stubNotifier{accepted: true}
	bus := newMemBus()
	esc, err := NewEscalator(EscalatorConfig{
		Policy:      escalationPolicy(),
		ProfileRepo: profiles,
		Notifier:    notifier,
		Flusher:     syncFlusher{},
		Bus:         bus,
		Enabled:     true,
	})
	require.NoError(t, err)
	t.Cleanup(esc.Close)

	// One more late on top of the two persisted ones crosses the threshold.
	feedOutcome(t, esc, "student-1", "s3", shared.EventAttendanceLate, engineStart.Add(2*time.Hour))
	assert.Equal(t, behavior.LevelWarning, waitLevel(t, esc, "student-1"))
}
