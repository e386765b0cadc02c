package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/recaplab/recap-engine/internal/domain"
)

// SegmentRepo persists the per-job segment plan and results.
type SegmentRepo struct{ Pool PgxPool }

// NewSegmentRepo constructs a SegmentRepo with the given pool.
func NewSegmentRepo(p PgxPool) *SegmentRepo { return &SegmentRepo{Pool: p} }

// ReplacePlan installs the full ordered plan for a job in one transaction.
// Re-planning after recovery writes identical rows, so replace is safe.
func (r *SegmentRepo) ReplacePlan(ctx domain.Context, jobID string, segs []domain.Segment) error {
	tracer := otel.Tracer("repo.segments")
	ctx, span := tracer.Start(ctx, "segments.ReplacePlan")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=segment.replace_plan: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM segments WHERE job_id=$1`, jobID); err != nil {
		return fmt.Errorf("op=segment.replace_plan: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO segments (job_id, idx, start_seconds, end_seconds, fingerprint, paragraph_hash,
		importance, status, text, audio_handle, speed_factor, error_message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)`
	for _, s := range segs {
		if _, err := tx.Exec(ctx, q, jobID, s.Index, s.Start, s.End, s.Fingerprint, s.ParagraphHash,
			s.Importance, s.Status, s.Text, s.AudioHandle, s.SpeedFactor, s.ErrMessage, now); err != nil {
			return fmt.Errorf("op=segment.replace_plan: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=segment.replace_plan: %w", err)
	}
	return nil
}

// ListByJob returns the plan in index order.
func (r *SegmentRepo) ListByJob(ctx domain.Context, jobID string) ([]domain.Segment, error) {
	tracer := otel.Tracer("repo.segments")
	ctx, span := tracer.Start(ctx, "segments.ListByJob")
	defer span.End()
	q := `SELECT job_id, idx, start_seconds, end_seconds, fingerprint, paragraph_hash, importance,
		status, text, audio_handle, speed_factor, error_message
		FROM segments WHERE job_id=$1 ORDER BY idx ASC`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=segment.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Segment
	for rows.Next() {
		var s domain.Segment
		if err := rows.Scan(&s.JobID, &s.Index, &s.Start, &s.End, &s.Fingerprint, &s.ParagraphHash,
			&s.Importance, &s.Status, &s.Text, &s.AudioHandle, &s.SpeedFactor, &s.ErrMessage); err != nil {
			return nil, fmt.Errorf("op=segment.list: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=segment.list: %w", err)
	}
	return out, nil
}

// UpdateStatus moves a segment through its lifecycle.
func (r *SegmentRepo) UpdateStatus(ctx domain.Context, jobID string, index int, st domain.SegmentStatus, errMsg string) error {
	tracer := otel.Tracer("repo.segments")
	ctx, span := tracer.Start(ctx, "segments.UpdateStatus")
	defer span.End()
	q := `UPDATE segments SET status=$3, error_message=$4, updated_at=$5 WHERE job_id=$1 AND idx=$2`
	tag, err := r.Pool.Exec(ctx, q, jobID, index, st, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=segment.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=segment.update_status: %w", domain.ErrNotFound)
	}
	return nil
}

// SetResult records a finished segment.
func (r *SegmentRepo) SetResult(ctx domain.Context, jobID string, index int, res domain.SegmentResult) error {
	tracer := otel.Tracer("repo.segments")
	ctx, span := tracer.Start(ctx, "segments.SetResult")
	defer span.End()
	q := `UPDATE segments SET status=$3, text=$4, audio_handle=$5, speed_factor=$6, error_message='', updated_at=$7
		WHERE job_id=$1 AND idx=$2`
	tag, err := r.Pool.Exec(ctx, q, jobID, index, domain.SegmentDone, res.Text, res.AudioHandle, res.SpeedFactor, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=segment.set_result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=segment.set_result: %w", domain.ErrNotFound)
	}
	return nil
}
