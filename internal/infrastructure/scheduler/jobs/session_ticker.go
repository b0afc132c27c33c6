package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/clirdec/presence-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// SESSION TICKER JOB
// ══════════════════════════════════════════════════════════════════════════════

// Clock is the sweep entry point the engine registry exposes. A tick
// auto-starts sessions inside their buffer, auto-ends sessions past their
// scheduled end, and expires stale pending check-ins.
type Clock interface {
	Tick(ctx context.Context, now time.Time)
}

// SessionTickerJob drives session lifecycle off wall-clock time. The sweep
// itself is cheap: the registry fans the tick out to session actors and
// returns without waiting.
type SessionTickerJob struct {
	clock  Clock
	logger *slog.Logger
}

// NewSessionTickerJob creates the job.
func NewSessionTickerJob(clock Clock, logger *slog.Logger) *SessionTickerJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionTickerJob{
		clock:  clock,
		logger: logger,
	}
}

// Name implements scheduler.Job.
func (j *SessionTickerJob) Name() string {
	return "session_ticker"
}

// Description implements scheduler.Job.
func (j *SessionTickerJob) Description() string {
	return "sweeps sessions for auto-start, auto-end, and pending expiry"
}

// Run implements scheduler.Job.
func (j *SessionTickerJob) Run(ctx context.Context) error {
	j.clock.Tick(ctx, timeutil.Now())
	return nil
}
