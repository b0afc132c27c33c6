package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clirdec/presence-engine/internal/domain/session"
	"github.com/clirdec/presence-engine/internal/domain/shared"
)

func newTestRegistry(t *testing.T, policy session.TimingPolicy, source session.ScheduleSource) (*Registry, *memBus, *memSessionRepo) {
	t.Helper()

	bus := newMemBus()
	records := newMemRecordRepo()
	sessions := newMemSessionRepo(records)
	reg, err := NewRegistry(Config{
		Policy:   policy,
		Source:   source,
		Bus:      bus,
		Flusher:  syncFlusher{},
		Sessions: sessions,
		Records:  records,
	})
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	return reg, bus, sessions
}

func scheduleTestSession(t *testing.T, reg *Registry, room string) session.Snapshot {
	t.Helper()
	snap, err := reg.ScheduleSession(context.Background(), ScheduleParams{
		ClassroomID:    room,
		SubjectID:      "cs-131",
		ScheduledStart: engineStart,
		ScheduledEnd:   engineStart.Add(90 * time.Minute),
	})
	require.NoError(t, err)
	return snap
}

func TestRegistry_SingleActivePerClassroom(t *testing.T) {
	reg, _, _ := newTestRegistry(t, testPolicy(), nil)
	ctx := context.Background()

	first := scheduleTestSession(t, reg, "room-101")
	second := scheduleTestSession(t, reg, "room-101")

	require.NoError(t, reg.StartSession(ctx, first.ID, engineStart))

	err := reg.StartSession(ctx, second.ID, engineStart.Add(time.Minute))
	assert.ErrorIs(t, err, shared.ErrAlreadyActive)

	// A different classroom is unaffected.
	other := scheduleTestSession(t, reg, "room-202")
	assert.NoError(t, reg.StartSession(ctx, other.ID, engineStart))

	// Once the first session ends, the blocked one may start.
	require.NoError(t, reg.EndSession(ctx, first.ID, engineStart.Add(time.Hour)))
	assert.NoError(t, reg.StartSession(ctx, second.ID, engineStart.Add(time.Hour)))
}

func TestRegistry_ConcurrentStartsOneWinner(t *testing.T) {
	reg, _, _ := newTestRegistry(t, testPolicy(), nil)
	ctx := context.Background()

	// Two rival starts race for the same room; exactly one may win.
	for i := 0; i < 20; i++ {
		room := fmt.Sprintf("room-%d", i)
		first := scheduleTestSession(t, reg, room)
		second := scheduleTestSession(t, reg, room)

		errs := make([]error, 2)
		var wg sync.WaitGroup
		for n, id := range []string{first.ID, second.ID} {
			wg.Add(1)
			go func(n int, id string) {
				defer wg.Done()
				errs[n] = reg.StartSession(ctx, id, engineStart)
			}(n, id)
		}
		wg.Wait()

		var started, refused int
		for _, err := range errs {
			switch {
			case err == nil:
				started++
			case errors.Is(err, shared.ErrAlreadyActive):
				refused++
			default:
				t.Fatalf("unexpected start error: %v", err)
			}
		}
		require.Equal(t, 1, started, "round %d", i)
		require.Equal(t, 1, refused, "round %d", i)

		active := 0
		for _, snap := range reg.Snapshots(ctx) {
			if snap.ClassroomID == room && snap.State == session.StateActive {
				active++
			}
		}
		require.Equal(t, 1, active, "round %d", i)
	}
}

func TestRegistry_MaterializeDayIdempotent(t *testing.T) {
	source := &stubSource{entries: []session.ScheduleEntry{
		{ID: "sched-1", ClassroomID: "room-101", SubjectID: "cs-131", StartTime: engineStart, EndTime: engineStart.Add(time.Hour)},
		{ID: "sched-2", ClassroomID: "room-202", SubjectID: "cs-250", StartTime: engineStart, EndTime: engineStart.Add(time.Hour)},
	}}
	reg, _, _ := newTestRegistry(t, testPolicy(), source)
	ctx := context.Background()

	created, err := reg.MaterializeDay(ctx, engineStart)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	created, err = reg.MaterializeDay(ctx, engineStart)
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	assert.Len(t, reg.Snapshots(ctx), 2)
}

func TestRegistry_TapAutoStartsDueSession(t *testing.T) {
	reg, bus, _ := newTestRegistry(t, testPolicy(), nil)
	ctx := context.Background()

	snap := scheduleTestSession(t, reg, "room-101")

	// Inside the 5 minute buffer the first tap activates the session.
	at := engineStart.Add(-2 * time.Minute)
	tr, err := reg.ApplyTap(ctx, "room-101", session.CheckInParams{
		RecordID:  "rec-1",
		StudentID: "student-1",
		At:        at,
	})
	require.NoError(t, err)
	assert.Equal(t, session.TransitionCheckIn, tr.Kind)
	assert.Equal(t, session.StatusPresent, tr.Record.Status)

	active, err := reg.ActiveSnapshot(ctx, "room-101")
	require.NoError(t, err)
	assert.Equal(t, snap.ID, active.ID)
	assert.Equal(t, at, active.ActualStart)

	assert.Len(t, bus.eventsOfType(shared.EventSessionStarted), 1)
}

func TestRegistry_TapBeforeBufferRejected(t *testing.T) {
	reg, _, _ := newTestRegistry(t, testPolicy(), nil)
	ctx := context.Background()

	scheduleTestSession(t, reg, "room-101")

	_, err := reg.ApplyTap(ctx, "room-101", session.CheckInParams{
		RecordID:  "rec-1",
		StudentID: "student-1",
		At:        engineStart.Add(-30 * time.Minute),
	})
	assert.ErrorIs(t, err, shared.ErrSessionNotActive)
}

func TestRegistry_EndFreezesRecords(t *testing.T) {
	reg, bus, _ := newTestRegistry(t, testPolicy(), nil)
	ctx := context.Background()

	snap := scheduleTestSession(t, reg, "room-101")
	require.NoError(t, reg.StartSession(ctx, snap.ID, engineStart))

	_, err := reg.ApplyTap(ctx, "room-101", session.CheckInParams{
		RecordID:  "rec-1",
		StudentID: "student-1",
		At:        engineStart.Add(5 * time.Minute),
	})
	require.NoError(t, err)

	require.NoError(t, reg.EndSession(ctx, snap.ID, engineStart.Add(time.Hour)))

	// Taps after the end find no active session and mutate nothing.
	_, err = reg.ApplyTap(ctx, "room-101", session.CheckInParams{
		RecordID:  "rec-2",
		StudentID: "student-2",
		At:        engineStart.Add(61 * time.Minute),
	})
	assert.ErrorIs(t, err, shared.ErrSessionNotActive)

	final, err := reg.SnapshotByID(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateEnded, final.State)
	require.Len(t, final.Records, 1)
	assert.Equal(t, "student-1", final.Records[0].StudentID)

	assert.Len(t, bus.eventsOfType(shared.EventSessionEnded), 1)
}

func TestRegistry_ConcurrentTapsSameStudent(t *testing.T) {
	reg, _, _ := newTestRegistry(t, testPolicy(), nil)
	ctx := context.Background()

	snap := scheduleTestSession(t, reg, "room-101")
	require.NoError(t, reg.StartSession(ctx, snap.ID, engineStart))

	// A storm of simultaneous taps for one student must serialize into
	// one check-in, one check-out, and duplicates for the rest.
	const taps = 16
	var wg sync.WaitGroup
	kinds := make(chan session.TransitionKind, taps)
	for i := 0; i < taps; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tr, err := reg.ApplyTap(ctx, "room-101", session.CheckInParams{
				RecordID:  "rec-1",
				StudentID: "student-1",
				At:        engineStart.Add(time.Duration(n) * time.Millisecond),
			})
			if err == nil {
				kinds <- tr.Kind
			}
		}(i)
	}
	wg.Wait()
	close(kinds)

	counts := make(map[session.TransitionKind]int)
	for k := range kinds {
		counts[k]++
	}
	assert.Equal(t, 1, counts[session.TransitionCheckIn])
	assert.Equal(t, 1, counts[session.TransitionCheckOut])
	assert.Equal(t, taps-2, counts[session.TransitionDuplicate])

	final, err := reg.SnapshotByID(ctx, snap.ID)
	require.NoError(t, err)
	require.Len(t, final.Records, 1)
	assert.Equal(t, session.StatusCheckedOut, final.Records[0].Status)
}

func TestRegistry_TickAutoEndsOverdueSession(t *testing.T) {
	reg, bus, _ := newTestRegistry(t, testPolicy(), nil)
	ctx := context.Background()

	snap := scheduleTestSession(t, reg, "room-101")
	require.NoError(t, reg.StartSession(ctx, snap.ID, engineStart))

	reg.Tick(ctx, engineStart.Add(2*time.Hour))

	// The tick is async toward the actor; poll for the state change.
	require.Eventually(t, func() bool {
		final, err := reg.SnapshotByID(ctx, snap.ID)
		return err == nil && final.State == session.StateEnded
	}, time.Second, 10*time.Millisecond)

	assert.Len(t, bus.eventsOfType(shared.EventSessionEnded), 1)
}

func TestRegistry_ArchiveEnded(t *testing.T) {
	reg, _, _ := newTestRegistry(t, testPolicy(), nil)
	ctx := context.Background()

	ended := scheduleTestSession(t, reg, "room-101")
	require.NoError(t, reg.StartSession(ctx, ended.ID, engineStart))
	require.NoError(t, reg.EndSession(ctx, ended.ID, engineStart.Add(time.Hour)))

	kept := scheduleTestSession(t, reg, "room-202")

	archived, err := reg.ArchiveEnded(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	_, err = reg.SnapshotByID(ctx, ended.ID)
	assert.ErrorIs(t, err, shared.ErrSessionNotFound)

	_, err = reg.SnapshotByID(ctx, kept.ID)
	assert.NoError(t, err)
}

func TestRegistry_Rehydrate(t *testing.T) {
	records := newMemRecordRepo()
	sessions := newMemSessionRepo(records)
	reg, err := NewRegistry(Config{
		Policy:   testPolicy(),
		Flusher:  syncFlusher{},
		Sessions: sessions,
		Records:  records,
	})
	require.NoError(t, err)
	ctx := context.Background()

	snap, err := reg.ScheduleSession(ctx, ScheduleParams{
		ClassroomID:    "room-101",
		SubjectID:      "cs-131",
		ScheduledStart: engineStart,
		ScheduledEnd:   engineStart.Add(time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, reg.StartSession(ctx, snap.ID, engineStart))

	_, err = reg.ApplyTap(ctx, "room-101", session.CheckInParams{
		RecordID:  "rec-1",
		StudentID: "student-1",
		At:        engineStart.Add(3 * time.Minute),
	})
	require.NoError(t, err)
	reg.Close()

	// A fresh registry over the same store resumes where the first stopped.
	reg2, err := NewRegistry(Config{
		Policy:   testPolicy(),
		Flusher:  syncFlusher{},
		Sessions: sessions,
		Records:  records,
	})
	require.NoError(t, err)
	t.Cleanup(reg2.Close)

	restored, err := reg2.Rehydrate(ctx, engineStart)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	active, err := reg2.ActiveSnapshot(ctx, "room-101")
	require.NoError(t, err)
	assert.Equal(t, snap.ID, active.ID)
	require.Len(t, active.Records, 1)
	assert.Equal(t, session.StatusPresent, active.Records[0].Status)

	// The restored actor still takes taps.
	tr, err := reg2.ApplyTap(ctx, "room-101", session.CheckInParams{
		RecordID:  "rec-2",
		StudentID: "student-2",
		At:        engineStart.Add(20 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, session.TransitionLate, tr.Kind)
}

func TestRegistry_RehydratePreservesPolicyOverride(t *testing.T) {
	records := newMemRecordRepo()
	sessions := newMemSessionRepo(records)
	reg, err := NewRegistry(Config{
		Policy:   testPolicy(), // template without dual validation
		Flusher:  syncFlusher{},
		Sessions: sessions,
		Records:  records,
	})
	require.NoError(t, err)
	ctx := context.Background()

	override := dualPolicy()
	snap, err := reg.ScheduleSession(ctx, ScheduleParams{
		ClassroomID:    "room-101",
		SubjectID:      "cs-131",
		ScheduledStart: engineStart,
		ScheduledEnd:   engineStart.Add(time.Hour),
		PolicyOverride: &override,
	})
	require.NoError(t, err)
	require.NoError(t, reg.StartSession(ctx, snap.ID, engineStart))
	reg.Close()

	reg2, err := NewRegistry(Config{
		Policy:   testPolicy(),
		Flusher:  syncFlusher{},
		Sessions: sessions,
		Records:  records,
	})
	require.NoError(t, err)
	t.Cleanup(reg2.Close)

	restored, err := reg2.Rehydrate(ctx, engineStart)
	require.NoError(t, err)
	require.Equal(t, 1, restored)

	// The session keeps the rules it was created with, not the template
	// of the registry that restored it: a bare tap still parks pending.
	tr, err := reg2.ApplyTap(ctx, "room-101", session.CheckInParams{
		RecordID:  "rec-1",
		StudentID: "student-1",
		At:        engineStart.Add(3 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, session.TransitionPending, tr.Kind)
	assert.Equal(t, session.StatusPending, tr.Record.Status)
}
