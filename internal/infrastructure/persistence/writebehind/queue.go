// Package writebehind implements the asynchronous persistence queue. The
// in-memory registry is authoritative; every state change is enqueued here
// and flushed to storage in the background. A slow or failing database
// never blocks a tap.
package writebehind

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clirdec/presence-engine/pkg/retry"
)

// Op is one deferred persistence operation. Ops must be idempotent: the
// flusher retries on transient failure and a restart may replay the last
// snapshot.
type Op func(ctx context.Context) error

type task struct {
	name string
	op   Op
}

// Config holds queue configuration.
type Config struct {
	// QueueSize bounds the number of pending operations.
	QueueSize int

	// Workers is the number of concurrent flushers.
	Workers int

	// OpTimeout bounds one flush attempt including retries.
	OpTimeout time.Duration

	// Logger for flush failures.
	Logger *slog.Logger
}

// DefaultConfig returns sensible queue defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize: 4096,
		Workers:   2,
		OpTimeout: 30 * time.Second,
	}
}

// Queue is a bounded write-behind queue with retrying workers.
type Queue struct {
	tasks   chan task
	retrier *retry.Retrier
	timeout time.Duration
	logger  *slog.Logger

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup

	enqueued uint64
	dropped  uint64
	failed   uint64
}

// NewQueue creates the queue and starts its workers.
func NewQueue(cfg Config) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	q := &Queue{
		tasks:   make(chan task, cfg.QueueSize),
		retrier: retry.PersistenceRetrier(),
		timeout: cfg.OpTimeout,
		logger:  cfg.Logger,
		closeCh: make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	return q
}

// Enqueue adds an operation without blocking. When the queue is full the
// oldest pending operation is dropped to make room; newer state supersedes
// older state because every op is a full upsert.
func (q *Queue) Enqueue(name string, op Op) {
	select {
	case <-q.closeCh:
		q.logger.Warn("write-behind enqueue after close", "op", name)
		return
	default:
	}

	t := task{name: name, op: op}
	atomic.AddUint64(&q.enqueued, 1)

	for {
		select {
		case q.tasks <- t:
			return
		default:
		}

		select {
		case old := <-q.tasks:
			atomic.AddUint64(&q.dropped, 1)
			q.logger.Warn("write-behind queue full, dropping oldest", "dropped_op", old.name)
		default:
		}
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		select {
		case t := <-q.tasks:
			q.run(t)
		case <-q.closeCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case t := <-q.tasks:
					q.run(t)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) run(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	if err := q.retrier.Do(ctx, t.op); err != nil {
		atomic.AddUint64(&q.failed, 1)
		q.logger.Error("write-behind flush failed", "op", t.name, "error", err)
	}
}

// Stats reports queue counters.
type Stats struct {
	Enqueued uint64
	Dropped  uint64
	Failed   uint64
	Pending  int
}

// Stats returns a point-in-time view of the queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued: atomic.LoadUint64(&q.enqueued),
		Dropped:  atomic.LoadUint64(&q.dropped),
		Failed:   atomic.LoadUint64(&q.failed),
		Pending:  len(q.tasks),
	}
}

// Close stops the workers after draining queued operations.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closeCh)
	})
	q.wg.Wait()
}
