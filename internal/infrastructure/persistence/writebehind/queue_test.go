package writebehind

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clirdec/presence-engine/pkg/retry"
)

func TestQueue_FlushesEnqueuedOps(t *testing.T) {
	q := NewQueue(Config{QueueSize: 16, Workers: 1, OpTimeout: time.Second})

	var flushed atomic.Int32
	for i := 0; i < 5; i++ {
		q.Enqueue("session.upsert", func(ctx context.Context) error {
			flushed.Add(1)
			return nil
		})
	}

	require.Eventually(t, func() bool { return flushed.Load() == 5 }, time.Second, 5*time.Millisecond)

	stats := q.Stats()
	assert.Equal(t, uint64(5), stats.Enqueued)
	assert.Equal(t, uint64(0), stats.Dropped)
	assert.Equal(t, uint64(0), stats.Failed)

	q.Close()
}

func TestQueue_RetriesTransientFailures(t *testing.T) {
	q := NewQueue(Config{QueueSize: 4, Workers: 1, OpTimeout: 5 * time.Second})
	defer q.Close()

	var attempts atomic.Int32
	done := make(chan struct{})
	q.Enqueue("record.upsert", func(ctx context.Context) error {
		if attempts.Add(1) < 3 {
			return errors.New("connection reset")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("op was not retried to success")
	}
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, uint64(0), q.Stats().Failed)
}

func TestQueue_PermanentFailureCountsOnce(t *testing.T) {
	q := NewQueue(Config{QueueSize: 4, Workers: 1, OpTimeout: time.Second})

	var attempts atomic.Int32
	q.Enqueue("audit.append", func(ctx context.Context) error {
		attempts.Add(1)
		return retry.Permanent(errors.New("constraint violation"))
	})

	require.Eventually(t, func() bool { return q.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())

	q.Close()
}

func TestQueue_FullQueueDropsOldest(t *testing.T) {
	// No workers would ever be idle with size 1 and a blocked flush; hold
	// the single worker hostage while the queue overflows.
	release := make(chan struct{})
	var ran []string
	var mu sync.Mutex

	q := NewQueue(Config{QueueSize: 1, Workers: 1, OpTimeout: 5 * time.Second})

	q.Enqueue("blocker", func(ctx context.Context) error {
		<-release
		return nil
	})

	record := func(name string) Op {
		return func(ctx context.Context) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return nil
		}
	}

	// Give the worker a moment to pick up the blocker, then overflow.
	require.Eventually(t, func() bool { return q.Stats().Pending == 0 }, time.Second, time.Millisecond)
	q.Enqueue("old", record("old"))
	q.Enqueue("new", record("new"))

	close(release)
	q.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"new"}, ran)
	assert.Equal(t, uint64(1), q.Stats().Dropped)
}

func TestQueue_CloseDrainsPending(t *testing.T) {
	q := NewQueue(Config{QueueSize: 64, Workers: 2, OpTimeout: time.Second})

	var flushed atomic.Int32
	for i := 0; i < 20; i++ {
		q.Enqueue("session.upsert", func(ctx context.Context) error {
			flushed.Add(1)
			return nil
		})
	}

	q.Close()
	assert.Equal(t, int32(20), flushed.Load())
}
