package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/recaplab/recap-engine/internal/domain"
)

// RunRecovery sweeps for jobs whose lease expired mid-flight and resumes
// them on this worker. Every stage is idempotent, so re-entry is safe. It
// blocks until ctx is cancelled.
func (c *Controller) RunRecovery(ctx context.Context) {
	// Run one sweep immediately so a restarted worker picks up its own
	// orphans without waiting a full interval.
	c.sweep(ctx)
	ticker := time.NewTicker(c.cfg.RecoverySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Controller) sweep(ctx context.Context) {
	stale, err := c.jobs.ListPendingForRecovery(ctx, time.Now().UTC(), c.cfg.MaxConcurrentJobs)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("recovery sweep failed", slog.Any("error", err))
		}
		return
	}
	for _, j := range stale {
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		job, err := c.jobs.Reclaim(ctx, j.ID, c.workerID, c.cfg.Lease())
		if err != nil {
			<-c.sem
			// Conflict means another sweeper got there first.
			if !errors.Is(err, domain.ErrConflict) && ctx.Err() == nil {
				slog.Error("reclaim failed", slog.String("job_id", j.ID), slog.Any("error", err))
			}
			continue
		}
		slog.Info("job reclaimed",
			slog.String("job_id", job.ID),
			slog.String("stage", string(job.Stage)),
			slog.Int("completed_segments", job.CompletedSegments))
		go func() {
			defer func() { <-c.sem }()
			c.RunJob(ctx, job)
		}()
	}
}

// RunRetention deletes terminal jobs past the retention window, along with
// their output blobs. It blocks until ctx is cancelled.
func (c *Controller) RunRetention(ctx context.Context) {
	if c.cfg.DataRetentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -c.cfg.DataRetentionDays)
		n, err := c.jobs.PurgeTerminalBefore(ctx, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("retention purge failed", slog.Any("error", err))
			}
			continue
		}
		if n > 0 {
			slog.Info("retention purge", slog.Int64("jobs_deleted", n))
		}
	}
}
