// Package jobs contains the scheduled jobs that drive the attendance engine:
// daily timetable materialization, the session clock sweep, and archiving of
// ended sessions.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clirdec/presence-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// LOAD SCHEDULES JOB
// ══════════════════════════════════════════════════════════════════════════════

// ScheduleLoader materializes a day's sessions from the timetable. The
// engine registry implements this.
type ScheduleLoader interface {
	MaterializeDay(ctx context.Context, date time.Time) (created int, err error)
}

// LoadSchedulesJob materializes today's sessions every morning before the
// first class. Materialization is idempotent; re-running after a crash only
// fills in sessions that are missing.
type LoadSchedulesJob struct {
	loader  ScheduleLoader
	logger  *slog.Logger
	timeout time.Duration
}

// NewLoadSchedulesJob creates the job.
func NewLoadSchedulesJob(loader ScheduleLoader, logger *slog.Logger, timeout time.Duration) *LoadSchedulesJob {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &LoadSchedulesJob{
		loader:  loader,
		logger:  logger,
		timeout: timeout,
	}
}

// Name implements scheduler.Job.
func (j *LoadSchedulesJob) Name() string {
	return "load_schedules"
}

// Description implements scheduler.Job.
func (j *LoadSchedulesJob) Description() string {
	return "materializes today's sessions from the weekly timetable"
}

// Run implements scheduler.Job.
func (j *LoadSchedulesJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	today := timeutil.Now()
	created, err := j.loader.MaterializeDay(ctx, today)
	if err != nil {
		return fmt.Errorf("materialize day: %w", err)
	}

	j.logger.Info("timetable materialized",
		"date", timeutil.FormatDateStr(today),
		"sessions_created", created,
	)

	return nil
}
