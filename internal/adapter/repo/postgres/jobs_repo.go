package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/recaplab/recap-engine/internal/domain"
)

const jobColumns = `id, owner_id, stage, progress, current_step, planned_segments, completed_segments,
	source_handle, source_duration_seconds, config, output_handle, output_duration_seconds,
	error_kind, error_message, error_retriable, idem_key, retry_of, reservation_id, terminal_committed, cancel_requested,
	priority, revision, lease_owner, lease_expires_at, created_at, updated_at`

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var cfg []byte
	var currentStep, outputHandle, retryOf, reservationID, leaseOwner *string
	var errKind, errMessage *string
	var errRetriable *bool
	var leaseExpires *time.Time
	if err := row.Scan(&j.ID, &j.OwnerID, &j.Stage, &j.Progress, &currentStep, &j.PlannedSegments, &j.CompletedSegments,
		&j.SourceHandle, &j.SourceDurationSeconds, &cfg, &outputHandle, &j.OutputDurationSeconds,
		&errKind, &errMessage, &errRetriable, &j.IdemKey, &retryOf, &reservationID, &j.TerminalCommitted, &j.CancelRequested,
		&j.Priority, &j.Revision, &leaseOwner, &leaseExpires, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return domain.Job{}, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &j.Config); err != nil {
			return domain.Job{}, fmt.Errorf("config decode: %w", err)
		}
	}
	if currentStep != nil {
		j.CurrentStep = *currentStep
	}
	if outputHandle != nil {
		j.OutputHandle = *outputHandle
	}
	if retryOf != nil {
		j.RetryOf = *retryOf
	}
	if reservationID != nil {
		j.ReservationID = *reservationID
	}
	if leaseOwner != nil {
		j.LeaseOwner = *leaseOwner
	}
	if leaseExpires != nil {
		j.LeaseExpiresAt = *leaseExpires
	}
	if errKind != nil {
		j.Err = &domain.JobError{Kind: *errKind}
		if errMessage != nil {
			j.Err.Message = *errMessage
		}
		if errRetriable != nil {
			j.Err.Retriable = *errRetriable
		}
	}
	return j, nil
}

// Create inserts a new job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "jobs"))
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	stage := j.Stage
	if stage == "" {
		stage = domain.StagePending
	}
	cfg, err := json.Marshal(j.Config)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	var retryOf *string
	if j.RetryOf != "" {
		retryOf = &j.RetryOf
	}
	q := `INSERT INTO jobs (id, owner_id, stage, progress, current_step, planned_segments, completed_segments,
		source_handle, source_duration_seconds, config, idem_key, retry_of, priority, revision, created_at, updated_at)
		VALUES ($1,$2,$3,0,'Queued',0,0,$4,$5,$6,$7,$8,$9,1,$10,$10)`
	_, err = r.Pool.Exec(ctx, q, id, j.OwnerID, stage, j.SourceHandle, j.SourceDurationSeconds, cfg, j.IdemKey, retryOf, j.Priority, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// FindByIdemKey returns the job admitted under the idempotency key.
func (r *JobRepo) FindByIdemKey(ctx domain.Context, key string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindByIdemKey")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE idem_key=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", err)
	}
	return j, nil
}

// List returns the owner's jobs, newest first, optionally filtered by stage.
func (r *JobRepo) List(ctx domain.Context, ownerID string, stage domain.Stage, limit, offset int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE owner_id=$1 AND ($2 = '' OR stage=$2)
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`
	rows, err := r.Pool.Query(ctx, q, ownerID, string(stage), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	return out, nil
}

// Claim leases the oldest claimable pending job, priority rows first.
// SKIP LOCKED keeps concurrent claimers from serializing on the same row.
func (r *JobRepo) Claim(ctx domain.Context, workerID string, lease time.Duration) (domain.Job, bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Claim")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET lease_owner=$1, lease_expires_at=$2, revision=revision+1, updated_at=$3
		WHERE id = (
			SELECT id FROM jobs
			WHERE stage='pending' AND (lease_expires_at IS NULL OR lease_expires_at <= $3)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, workerID, now.Add(lease), now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("op=job.claim: %w", err)
	}
	return j, true, nil
}

// RenewLease extends the worker's claim; losing the lease is an error.
func (r *JobRepo) RenewLease(ctx domain.Context, jobID, workerID string, lease time.Duration) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RenewLease")
	defer span.End()
	q := `UPDATE jobs SET lease_expires_at=$3 WHERE id=$1 AND lease_owner=$2`
	tag, err := r.Pool.Exec(ctx, q, jobID, workerID, time.Now().UTC().Add(lease))
	if err != nil {
		return fmt.Errorf("op=job.renew_lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.renew_lease: %w", domain.ErrLeaseLost)
	}
	return nil
}

// Update applies an optimistic-concurrency patch. GREATEST guards keep
// progress and completed_segments monotone regardless of writer races.
func (r *JobRepo) Update(ctx domain.Context, jobID string, revision int64, patch domain.JobPatch) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Update")
	defer span.End()
	q := `UPDATE jobs SET
		stage = COALESCE($3, stage),
		progress = GREATEST(progress, COALESCE($4, progress)),
		current_step = COALESCE($5, current_step),
		planned_segments = COALESCE($6, planned_segments),
		completed_segments = GREATEST(completed_segments, COALESCE($7, completed_segments)),
		source_duration_seconds = COALESCE($8, source_duration_seconds),
		output_handle = COALESCE($9, output_handle),
		output_duration_seconds = COALESCE($10, output_duration_seconds),
		reservation_id = COALESCE($11, reservation_id),
		terminal_committed = COALESCE($12, terminal_committed),
		revision = revision + 1,
		updated_at = $13
		WHERE id=$1 AND revision=$2 AND stage NOT IN ('completed','failed','cancelled')
		RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, jobID, revision,
		(*string)(patch.Stage), patch.Progress, patch.CurrentStep, patch.PlannedSegments, patch.CompletedSegments,
		patch.SourceDurationSeconds, patch.OutputHandle, patch.OutputDurationSeconds,
		patch.ReservationID, patch.TerminalCommitted, time.Now().UTC()))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("op=job.update: %w", err)
	}
	// Disambiguate: missing, terminal, or stale revision.
	cur, gerr := r.Get(ctx, jobID)
	if gerr != nil {
		return domain.Job{}, fmt.Errorf("op=job.update: %w", domain.ErrNotFound)
	}
	if cur.Stage.Terminal() {
		return domain.Job{}, fmt.Errorf("op=job.update: %w", domain.ErrTerminal)
	}
	return domain.Job{}, fmt.Errorf("op=job.update: %w", domain.ErrConflict)
}

// MarkTerminal closes the job. Repeating the same terminal stage is a
// no-op; conflicting terminal stages are rejected.
func (r *JobRepo) MarkTerminal(ctx domain.Context, jobID string, out domain.TerminalOutcome) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkTerminal")
	defer span.End()
	var kind, msg *string
	var retriable *bool
	if out.Err != nil {
		kind, msg, retriable = &out.Err.Kind, &out.Err.Message, &out.Err.Retriable
	}
	completed := out.Stage == domain.StageCompleted
	q := `UPDATE jobs SET
		stage=$2, current_step=$3, error_kind=$4, error_message=$5, error_retriable=$6,
		progress = CASE WHEN $7 THEN 100 ELSE progress END,
		output_handle = CASE WHEN $7 THEN $8 ELSE output_handle END,
		output_duration_seconds = CASE WHEN $7 THEN $9 ELSE output_duration_seconds END,
		terminal_committed = $7,
		lease_owner = NULL, lease_expires_at = NULL,
		revision = revision + 1, updated_at = $10
		WHERE id=$1 AND stage NOT IN ('completed','failed','cancelled')`
	tag, err := r.Pool.Exec(ctx, q, jobID, out.Stage, out.CurrentStep, kind, msg, retriable,
		completed, out.OutputHandle, out.OutputDurationSeconds, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.mark_terminal: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	cur, gerr := r.Get(ctx, jobID)
	if gerr != nil {
		return fmt.Errorf("op=job.mark_terminal: %w", domain.ErrNotFound)
	}
	if cur.Stage == out.Stage {
		return nil
	}
	return fmt.Errorf("op=job.mark_terminal: %w", domain.ErrTerminal)
}

// RequestCancel flags a non-terminal job for cancellation. Terminal jobs
// are untouched and the call stays idempotent.
func (r *JobRepo) RequestCancel(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequestCancel")
	defer span.End()
	q := `UPDATE jobs SET cancel_requested=TRUE, updated_at=$2
		WHERE id=$1 AND stage NOT IN ('completed','failed','cancelled')`
	tag, err := r.Pool.Exec(ctx, q, jobID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.request_cancel: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, gerr := r.Get(ctx, jobID); gerr != nil {
		return fmt.Errorf("op=job.request_cancel: %w", domain.ErrNotFound)
	}
	return nil
}

// ListPendingForRecovery returns in-flight jobs whose lease expired.
func (r *JobRepo) ListPendingForRecovery(ctx domain.Context, now time.Time, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListPendingForRecovery")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE stage NOT IN ('pending','completed','failed','cancelled')
		AND (lease_expires_at IS NULL OR lease_expires_at <= $1)
		ORDER BY updated_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_recovery: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_recovery: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_recovery: %w", err)
	}
	return out, nil
}

// Reclaim takes over an expired-lease job for workerID.
func (r *JobRepo) Reclaim(ctx domain.Context, jobID, workerID string, lease time.Duration) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Reclaim")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET lease_owner=$2, lease_expires_at=$3, revision=revision+1, updated_at=$4
		WHERE id=$1 AND stage NOT IN ('completed','failed','cancelled')
		AND (lease_expires_at IS NULL OR lease_expires_at <= $4)
		RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, jobID, workerID, now.Add(lease), now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.reclaim: %w", domain.ErrConflict)
		}
		return domain.Job{}, fmt.Errorf("op=job.reclaim: %w", err)
	}
	return j, nil
}

// PurgeTerminalBefore removes terminal jobs older than cutoff; segments
// cascade via FK.
func (r *JobRepo) PurgeTerminalBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.PurgeTerminalBefore")
	defer span.End()
	q := `DELETE FROM jobs WHERE stage IN ('completed','failed','cancelled') AND updated_at < $1`
	tag, err := r.Pool.Exec(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=job.purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
