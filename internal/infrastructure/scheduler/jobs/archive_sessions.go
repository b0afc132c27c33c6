package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// ARCHIVE SESSIONS JOB
// ══════════════════════════════════════════════════════════════════════════════

// Archiver retires ended sessions from the in-memory registry after their
// final state is flushed. The engine registry implements this.
type Archiver interface {
	ArchiveEnded(ctx context.Context) (archived int, err error)
}

// ArchiveSessionsJob periodically drops ended sessions from memory. Ended
// sessions keep serving snapshot queries until archived, so the interval
// trades memory against a short queryable tail.
type ArchiveSessionsJob struct {
	archiver Archiver
	logger   *slog.Logger
	timeout  time.Duration
}

// NewArchiveSessionsJob creates the job.
func NewArchiveSessionsJob(archiver Archiver, logger *slog.Logger, timeout time.Duration) *ArchiveSessionsJob {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &ArchiveSessionsJob{
		archiver: archiver,
		logger:   logger,
		timeout:  timeout,
	}
}

// Name implements scheduler.Job.
func (j *ArchiveSessionsJob) Name() string {
	return "archive_sessions"
}

// Description implements scheduler.Job.
func (j *ArchiveSessionsJob) Description() string {
	return "retires ended sessions from the in-memory registry"
}

// Run implements scheduler.Job.
func (j *ArchiveSessionsJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	archived, err := j.archiver.ArchiveEnded(ctx)
	if err != nil {
		return fmt.Errorf("archive ended sessions: %w", err)
	}

	if archived > 0 {
		j.logger.Info("sessions archived", "count", archived)
	}

	return nil
}
