package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/recaplab/recap-engine/internal/adapter/observability"
	"github.com/recaplab/recap-engine/internal/config"
	"github.com/recaplab/recap-engine/internal/domain"
)

// Progress budget per stage.
type stageBudget struct{ base, span float64 }

var budgets = map[domain.Stage]stageBudget{
	domain.StageReserving:  {0, 2},
	domain.StageIngesting:  {2, 8},
	domain.StagePlanning:   {10, 10},
	domain.StageSegments:   {20, 70},
	domain.StageStitching:  {90, 7},
	domain.StageCommitting: {97, 3},
}

// User-facing step labels per stage.
var stepLabels = map[domain.Stage]string{
	domain.StagePending:    "Queued",
	domain.StageReserving:  "Reserving quota",
	domain.StageIngesting:  "Ingesting source",
	domain.StagePlanning:   "Planning segments",
	domain.StageSegments:   "Narrating segments",
	domain.StageStitching:  "Stitching recap",
	domain.StageCommitting: "Finalizing",
	domain.StageCompleted:  "Complete",
	domain.StageFailed:     "Failed",
	domain.StageCancelled:  "Cancelled",
}

// errCancelRequested distinguishes user cancellation from other context
// cancellation when draining a job.
var errCancelRequested = errors.New("cancel requested")

// Controller drives claimed jobs through the state machine. One Controller
// serves many jobs concurrently; each job runs on its own goroutine with
// its own lease-renewal ticker.
type Controller struct {
	cfg        config.Config
	jobs       domain.JobStore
	segments   domain.SegmentStore
	ledger     domain.Ledger
	blobs      domain.BlobStore
	planner    *Planner
	pool       *Pool
	stitcher   *Stitcher
	transcoder domain.Transcoder
	bus        domain.ProgressPublisher
	billing    domain.BillingSink
	workerID   string
	sem        chan struct{}
}

// NewController wires the state machine. billing may be nil when no sink is
// configured.
func NewController(cfg config.Config, workerID string,
	jobs domain.JobStore, segments domain.SegmentStore, ledger domain.Ledger, blobs domain.BlobStore,
	planner *Planner, pool *Pool, stitcher *Stitcher, transcoder domain.Transcoder,
	bus domain.ProgressPublisher, billing domain.BillingSink) *Controller {
	maxJobs := cfg.MaxConcurrentJobs
	if maxJobs <= 0 {
		maxJobs = 32
	}
	return &Controller{
		cfg: cfg, workerID: workerID,
		jobs: jobs, segments: segments, ledger: ledger, blobs: blobs,
		planner: planner, pool: pool, stitcher: stitcher, transcoder: transcoder,
		bus: bus, billing: billing,
		sem: make(chan struct{}, maxJobs),
	}
}

// Run claims and processes jobs until ctx is cancelled. It blocks.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ClaimPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			select {
			case c.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			job, ok, err := c.jobs.Claim(ctx, c.workerID, c.cfg.Lease())
			if err != nil || !ok {
				<-c.sem
				if err != nil && ctx.Err() == nil {
					slog.Error("claim failed", slog.Any("error", err))
				}
				break
			}
			observability.JobsClaimedTotal.Inc()
			go func() {
				defer func() { <-c.sem }()
				c.RunJob(ctx, job)
			}()
		}
	}
}

// RunJob drives one claimed (or reclaimed) job to a terminal state. It is
// safe to re-enter at any non-terminal stage.
func (c *Controller) RunJob(ctx context.Context, job domain.Job) {
	observability.JobsActive.Inc()
	defer observability.JobsActive.Dec()
	log := slog.With(slog.String("job_id", job.ID), slog.String("worker_id", c.workerID))

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopRenewal := c.startLeaseRenewal(jobCtx, cancel, job.ID)
	defer stopRenewal()

	if job.CancelRequested {
		c.finishCancelled(ctx, job)
		return
	}

	err := c.advance(jobCtx, &job)
	cause := context.Cause(jobCtx)
	switch {
	case err == nil:
		log.Info("job completed", slog.Float64("output_seconds", job.OutputDurationSeconds))
	case errors.Is(err, errCancelRequested) || errors.Is(cause, errCancelRequested):
		c.finishCancelled(context.WithoutCancel(ctx), job)
		log.Info("job cancelled")
	case errors.Is(err, domain.ErrLeaseLost) || errors.Is(cause, domain.ErrLeaseLost):
		// Another worker owns the job now; walk away without touching it.
		log.Warn("lease lost, abandoning job")
	case errors.Is(err, errLeaveInCommitting):
		// Quota commit failed. The job stays in Committing and the next
		// recovery sweep retries the commit.
		log.Warn("commit failed, job parked for retry", slog.Any("error", err))
	case ctx.Err() != nil:
		// Process shutdown. The lease will expire and recovery resumes.
		log.Info("job interrupted by shutdown", slog.String("stage", string(job.Stage)))
	default:
		c.finishFailed(context.WithoutCancel(ctx), job, err)
		log.Error("job failed", slog.Any("error", err), slog.String("stage", string(job.Stage)))
	}
}

// advance runs the state machine from the job's current stage.
func (c *Controller) advance(ctx context.Context, job *domain.Job) error {
	for !job.Stage.Terminal() {
		if err := c.checkCancel(ctx, job); err != nil {
			return err
		}
		var err error
		switch job.Stage {
		case domain.StagePending:
			err = c.enterStage(ctx, job, domain.StageReserving)
		case domain.StageReserving:
			err = c.stageReserve(ctx, job)
		case domain.StageIngesting:
			err = c.stageIngest(ctx, job)
		case domain.StagePlanning:
			err = c.stagePlan(ctx, job)
		case domain.StageSegments:
			err = c.stageSegments(ctx, job)
		case domain.StageStitching:
			err = c.stageStitch(ctx, job)
		case domain.StageCommitting:
			return c.stageCommit(ctx, job)
		default:
			return fmt.Errorf("op=controller.advance: unknown stage %q: %w", job.Stage, domain.ErrInternal)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// checkCancel trips the job context when a cancel request landed since the
// last store read.
func (c *Controller) checkCancel(ctx context.Context, job *domain.Job) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(context.Cause(ctx), errCancelRequested) {
			return errCancelRequested
		}
		return err
	}
	if job.CancelRequested {
		return errCancelRequested
	}
	return nil
}

// enterStage transitions the job and publishes the stage-entry event.
func (c *Controller) enterStage(ctx context.Context, job *domain.Job, next domain.Stage) error {
	b := budgets[next]
	updated, err := c.update(ctx, job, domain.JobPatch{
		Stage:       &next,
		Progress:    &b.base,
		CurrentStep: ptr(stepLabels[next]),
	})
	if err != nil {
		return err
	}
	*job = updated
	c.publish(*job, nil)
	return nil
}

func (c *Controller) stageReserve(ctx context.Context, job *domain.Job) error {
	if job.SourceDurationSeconds <= 0 {
		dur, err := c.transcoder.Probe(ctx, job.SourceHandle)
		if err != nil {
			return fmt.Errorf("probe: %w", err)
		}
		updated, uerr := c.update(ctx, job, domain.JobPatch{SourceDurationSeconds: &dur})
		if uerr != nil {
			return uerr
		}
		*job = updated
	}

	estimate := job.SourceDurationSeconds / 60
	if acc, err := c.ledger.Account(ctx, job.OwnerID, domain.PeriodOf(time.Now())); err == nil {
		if purchased := acc.SubscriptionMinutesLimit + acc.TopUpMinutesRemaining(); purchased < estimate {
			estimate = purchased
		}
	}
	rid, err := c.ledger.Reserve(ctx, job.OwnerID, estimate, job.ID)
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	updated, err := c.update(ctx, job, domain.JobPatch{ReservationID: &rid})
	if err != nil {
		return err
	}
	*job = updated
	return c.enterStage(ctx, job, domain.StageIngesting)
}

func (c *Controller) stageIngest(ctx context.Context, job *domain.Job) error {
	rc, err := c.blobs.Get(ctx, job.SourceHandle)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	_ = rc.Close()
	return c.enterStage(ctx, job, domain.StagePlanning)
}

func (c *Controller) stagePlan(ctx context.Context, job *domain.Job) error {
	segs, err := c.planner.Plan(ctx, *job)
	if err != nil {
		return err
	}
	if err := c.segments.ReplacePlan(ctx, job.ID, segs); err != nil {
		return err
	}
	planned := len(segs)
	updated, err := c.update(ctx, job, domain.JobPatch{PlannedSegments: &planned})
	if err != nil {
		return err
	}
	*job = updated
	return c.enterStage(ctx, job, domain.StageSegments)
}

func (c *Controller) stageSegments(ctx context.Context, job *domain.Job) error {
	stageCtx, cancel := context.WithTimeout(ctx, c.cfg.StageTimeoutSegments)
	defer cancel()

	segs, err := c.segments.ListByJob(stageCtx, job.ID)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		// Plan rows lost between Planning and here (recovery edge). Replan.
		prev := domain.StagePlanning
		updated, uerr := c.update(ctx, job, domain.JobPatch{Stage: &prev})
		if uerr != nil {
			return uerr
		}
		*job = updated
		return nil
	}

	b := budgets[domain.StageSegments]
	onProgress := func(completed int) {
		progress := b.base + b.span*float64(completed)/float64(len(segs))
		updated, uerr := c.update(ctx, job, domain.JobPatch{
			Progress:          &progress,
			CompletedSegments: &completed,
		})
		if uerr != nil {
			return
		}
		*job = updated
		c.publish(*job, nil)
		if updated.CancelRequested {
			// Drain in-flight provider calls promptly.
			cancel()
		}
	}

	if err := c.pool.Run(stageCtx, *job, segs, onProgress); err != nil {
		if job.CancelRequested || errors.Is(context.Cause(ctx), errCancelRequested) {
			return errCancelRequested
		}
		if stageCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("segment processing: %w", domain.ErrStageTimeout)
		}
		return err
	}
	return c.enterStage(ctx, job, domain.StageStitching)
}

func (c *Controller) stageStitch(ctx context.Context, job *domain.Job) error {
	stageCtx, cancel := context.WithTimeout(ctx, c.cfg.StageTimeoutStitch)
	defer cancel()

	segs, err := c.segments.ListByJob(stageCtx, job.ID)
	if err != nil {
		return err
	}
	handle, duration, err := c.stitcher.Stitch(stageCtx, *job, segs)
	if err != nil {
		if stageCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("stitching: %w", domain.ErrStageTimeout)
		}
		return err
	}
	updated, err := c.update(ctx, job, domain.JobPatch{
		OutputHandle:          &handle,
		OutputDurationSeconds: &duration,
	})
	if err != nil {
		return err
	}
	*job = updated
	return c.enterStage(ctx, job, domain.StageCommitting)
}

// stageCommit deducts quota and closes the job. On commit failure the job
// stays in Committing so the recovery sweep retries; the job is never
// Completed without a successful commit.
func (c *Controller) stageCommit(ctx context.Context, job *domain.Job) error {
	minutes := job.OutputDurationSeconds / 60
	if c.cfg.BillSourceMinutes {
		minutes = job.SourceDurationSeconds / 60
	}
	period := domain.PeriodOf(time.Now())
	if err := c.ledger.Commit(ctx, job.ReservationID, minutes, job.ID, period); err != nil {
		observability.QuotaCommitsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("commit: %w", errors.Join(err, errLeaveInCommitting))
	}
	observability.QuotaCommitsTotal.WithLabelValues("ok").Inc()
	observability.MinutesBilledTotal.Add(minutes)

	if err := c.jobs.MarkTerminal(ctx, job.ID, domain.TerminalOutcome{
		Stage:                 domain.StageCompleted,
		OutputHandle:          job.OutputHandle,
		OutputDurationSeconds: job.OutputDurationSeconds,
		CurrentStep:           stepLabels[domain.StageCompleted],
	}); err != nil {
		return err
	}
	observability.JobsTerminalTotal.WithLabelValues(string(domain.StageCompleted)).Inc()
	job.Stage = domain.StageCompleted
	job.Progress = 100
	job.CurrentStep = stepLabels[domain.StageCompleted]
	job.CompletedSegments = job.PlannedSegments
	c.publish(*job, nil)
	c.bus.Close(job.ID)

	if c.billing != nil {
		notice := domain.CompletionNotice{
			JobID:         job.ID,
			UserID:        job.OwnerID,
			BilledMinutes: minutes,
			BillingPeriod: period,
		}
		if err := c.billing.CompletionNotice(ctx, notice); err != nil {
			// Billing consumers reconcile from usage records; losing the
			// notice is observable but not corrupting.
			slog.Error("completion notice failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
	return nil
}

// errLeaveInCommitting marks commit failures that must not move the job to
// Failed; recovery retries the commit.
var errLeaveInCommitting = errors.New("commit retryable")

func (c *Controller) finishFailed(ctx context.Context, job domain.Job, cause error) {
	if errors.Is(cause, errLeaveInCommitting) {
		// Stay in Committing for the next sweep.
		return
	}
	if job.ReservationID != "" {
		if err := c.ledger.Release(ctx, job.ReservationID); err != nil {
			slog.Error("reservation release failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
	kind := domain.KindOf(cause)
	jerr := &domain.JobError{Kind: kind, Message: cause.Error(), Retriable: domain.Retriable(kind)}
	if err := c.jobs.MarkTerminal(ctx, job.ID, domain.TerminalOutcome{
		Stage:       domain.StageFailed,
		Err:         jerr,
		CurrentStep: stepLabels[domain.StageFailed],
	}); err != nil {
		slog.Error("mark failed errored", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.JobsTerminalTotal.WithLabelValues(string(domain.StageFailed)).Inc()
	job.Stage = domain.StageFailed
	job.CurrentStep = stepLabels[domain.StageFailed]
	c.publish(job, jerr)
	c.bus.Close(job.ID)
}

func (c *Controller) finishCancelled(ctx context.Context, job domain.Job) {
	if job.ReservationID != "" {
		if err := c.ledger.Release(ctx, job.ReservationID); err != nil {
			slog.Error("reservation release failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
	if err := c.jobs.MarkTerminal(ctx, job.ID, domain.TerminalOutcome{
		Stage:       domain.StageCancelled,
		CurrentStep: stepLabels[domain.StageCancelled],
	}); err != nil {
		slog.Error("mark cancelled errored", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.JobsTerminalTotal.WithLabelValues(string(domain.StageCancelled)).Inc()
	job.Stage = domain.StageCancelled
	job.CurrentStep = stepLabels[domain.StageCancelled]
	c.publish(job, nil)
	c.bus.Close(job.ID)
}

// update retries the optimistic write once after refreshing on conflict.
// Terminal and lease errors pass through untouched.
func (c *Controller) update(ctx context.Context, job *domain.Job, patch domain.JobPatch) (domain.Job, error) {
	updated, err := c.jobs.Update(ctx, job.ID, job.Revision, patch)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, domain.ErrConflict) {
		return domain.Job{}, err
	}
	fresh, gerr := c.jobs.Get(ctx, job.ID)
	if gerr != nil {
		return domain.Job{}, gerr
	}
	return c.jobs.Update(ctx, fresh.ID, fresh.Revision, patch)
}

func (c *Controller) publish(job domain.Job, terminalErr *domain.JobError) {
	if terminalErr == nil {
		terminalErr = job.Err
	}
	c.bus.Publish(domain.ProgressEvent{
		JobID:             job.ID,
		Stage:             job.Stage,
		Progress:          job.Progress,
		CurrentStep:       job.CurrentStep,
		CompletedSegments: job.CompletedSegments,
		PlannedSegments:   job.PlannedSegments,
		TerminalError:     terminalErr,
	})
}

// startLeaseRenewal renews the job lease every lease/3 and refreshes the
// cancel flag. Losing the lease cancels the job context.
func (c *Controller) startLeaseRenewal(ctx context.Context, cancel context.CancelCauseFunc, jobID string) func() {
	interval := c.cfg.Lease() / 3
	if interval <= 0 {
		interval = 20 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
			}
			if err := c.jobs.RenewLease(ctx, jobID, c.workerID, c.cfg.Lease()); err != nil {
				if ctx.Err() == nil {
					cancel(fmt.Errorf("renew lease: %w", domain.ErrLeaseLost))
				}
				return
			}
			if j, err := c.jobs.Get(ctx, jobID); err == nil && j.CancelRequested {
				cancel(errCancelRequested)
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func ptr[T any](v T) *T { return &v }
