package messaging

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clirdec/presence-engine/internal/domain/shared"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []shared.Event
}

func (r *eventRecorder) handle(event shared.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func syncBus() *InMemoryEventBus {
	return NewInMemoryEventBus(Config{AsyncMode: false})
}

func TestEventBus_RoutesByType(t *testing.T) {
	bus := syncBus()
	defer bus.Close()

	started := &eventRecorder{}
	ended := &eventRecorder{}
	require.NoError(t, bus.Subscribe(shared.EventSessionStarted, started.handle))
	require.NoError(t, bus.Subscribe(shared.EventSessionEnded, ended.handle))

	require.NoError(t, bus.Publish(shared.NewBaseEvent(shared.EventSessionStarted, "sess-1")))
	require.NoError(t, bus.Publish(shared.NewBaseEvent(shared.EventSessionStarted, "sess-2")))
	require.NoError(t, bus.Publish(shared.NewBaseEvent(shared.EventSessionEnded, "sess-1")))

	assert.Equal(t, 2, started.count())
	assert.Equal(t, 1, ended.count())
}

func TestEventBus_SubscribeAllSeesEverything(t *testing.T) {
	bus := syncBus()
	defer bus.Close()

	all := &eventRecorder{}
	require.NoError(t, bus.SubscribeAll(all.handle))

	require.NoError(t, bus.Publish(shared.NewBaseEvent(shared.EventSessionStarted, "sess-1")))
	require.NoError(t, bus.Publish(shared.NewBaseEvent(shared.EventTapDebounced, "card-1")))

	assert.Equal(t, 2, all.count())
}

func TestEventBus_AsyncDeliveryCompletesBeforeClose(t *testing.T) {
	bus := NewInMemoryEventBus(Config{AsyncMode: true, WorkerPoolSize: 2})

	rec := &eventRecorder{}
	require.NoError(t, bus.Subscribe(shared.EventSessionStarted, func(event shared.Event) error {
		time.Sleep(10 * time.Millisecond)
		return rec.handle(event)
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(shared.NewBaseEvent(shared.EventSessionStarted, "sess-1")))
	}

	// Close waits for in-flight handlers.
	require.NoError(t, bus.Close())
	assert.Equal(t, 5, rec.count())
}

func TestEventBus_HandlerErrorDoesNotStopOthers(t *testing.T) {
	bus := syncBus()
	defer bus.Close()

	rec := &eventRecorder{}
	require.NoError(t, bus.Subscribe(shared.EventSessionStarted, func(shared.Event) error {
		return errors.New("projection broken")
	}))
	require.NoError(t, bus.Subscribe(shared.EventSessionStarted, rec.handle))

	require.NoError(t, bus.Publish(shared.NewBaseEvent(shared.EventSessionStarted, "sess-1")))
	assert.Equal(t, 1, rec.count())

	snap := bus.Metrics().Snapshot()
	assert.Equal(t, int64(1), snap.TotalPublished)
	assert.Equal(t, int64(1), snap.HandlerFailures)
}

func TestEventBus_ClosedBusRefusesWork(t *testing.T) {
	bus := syncBus()
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(shared.NewBaseEvent(shared.EventSessionStarted, "sess-1")), ErrEventBusClosed)
	assert.ErrorIs(t, bus.Subscribe(shared.EventSessionStarted, func(shared.Event) error { return nil }), ErrEventBusClosed)
}
