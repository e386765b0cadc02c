package domain

import (
	"context"
	"io"
	"time"
)

// Context aliases the std context so ports read uniformly.
type Context = context.Context

// JobPatch is an optimistic-concurrency update; nil fields are untouched.
// The store never lets Progress or CompletedSegments regress and rejects
// writes against terminal jobs.
type JobPatch struct {
	Stage                 *Stage
	Progress              *float64
	CurrentStep           *string
	PlannedSegments       *int
	CompletedSegments     *int
	SourceDurationSeconds *float64
	OutputHandle          *string
	OutputDurationSeconds *float64
	ReservationID         *string
	TerminalCommitted     *bool
}

// TerminalOutcome closes a job.
type TerminalOutcome struct {
	Stage                 Stage // StageCompleted, StageFailed or StageCancelled
	Err                   *JobError
	OutputHandle          string
	OutputDurationSeconds float64
	CurrentStep           string
}

// JobStore is the durable record of jobs (port A).
type JobStore interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	// FindByIdemKey returns the job previously admitted under the
	// idempotency key, or ErrNotFound.
	FindByIdemKey(ctx Context, key string) (Job, error)
	List(ctx Context, ownerID string, stage Stage, limit, offset int) ([]Job, error)
	// Claim leases the oldest claimable pending job (priority rows first).
	// ok is false when no job is available.
	Claim(ctx Context, workerID string, lease time.Duration) (j Job, ok bool, err error)
	RenewLease(ctx Context, jobID, workerID string, lease time.Duration) error
	// Update applies patch iff the stored revision matches; returns the
	// refreshed job. A stale revision yields ErrConflict, a terminal job
	// ErrTerminal.
	Update(ctx Context, jobID string, revision int64, patch JobPatch) (Job, error)
	MarkTerminal(ctx Context, jobID string, out TerminalOutcome) error
	// RequestCancel flags a non-terminal job for cancellation. The owning
	// controller observes the flag and drains. Terminal jobs are left
	// untouched; the call is idempotent.
	RequestCancel(ctx Context, jobID string) error
	// ListPendingForRecovery returns non-terminal jobs whose lease expired.
	ListPendingForRecovery(ctx Context, now time.Time, limit int) ([]Job, error)
	// Reclaim takes over an expired-lease job for workerID. A still-held
	// lease yields ErrConflict.
	Reclaim(ctx Context, jobID, workerID string, lease time.Duration) (Job, error)
	// PurgeTerminalBefore removes terminal jobs older than cutoff and
	// returns how many were deleted.
	PurgeTerminalBefore(ctx Context, cutoff time.Time) (int64, error)
}

// SegmentStore persists the per-job segment plan and results.
type SegmentStore interface {
	// ReplacePlan installs the full ordered plan for a job. Re-running the
	// deterministic planner writes the identical rows.
	ReplacePlan(ctx Context, jobID string, segs []Segment) error
	ListByJob(ctx Context, jobID string) ([]Segment, error)
	UpdateStatus(ctx Context, jobID string, index int, st SegmentStatus, errMsg string) error
	SetResult(ctx Context, jobID string, index int, res SegmentResult) error
}

// BlobStore is the gateway to object storage (port B). Handles are opaque
// locator strings, never presigned URLs.
type BlobStore interface {
	Put(ctx Context, key string, r io.Reader, contentType string) (handle string, err error)
	Get(ctx Context, handle string) (io.ReadCloser, error)
	PresignGet(ctx Context, handle string, ttl time.Duration) (string, error)
	Delete(ctx Context, handle string) error
}

// Ledger is the quota authority (port D). All operations are atomic and
// serialized per user.
type Ledger interface {
	// Reserve checks available >= estimate without deducting. Idempotent
	// per job: re-reserving the same job returns the prior reservation.
	Reserve(ctx Context, userID string, estimateMinutes float64, jobID string) (reservationID string, err error)
	// Commit deducts actual minutes, subscription first then top-ups
	// oldest-first, and inserts the usage record in the same atomic step.
	// Idempotent by (jobID, billingPeriod).
	Commit(ctx Context, reservationID string, actualMinutes float64, jobID, billingPeriod string) error
	Release(ctx Context, reservationID string) error
	TopUp(ctx Context, userID string, minutes float64, externalRef string) error
	Account(ctx Context, userID, billingPeriod string) (QuotaAccount, error)
}

// CallGate admits outbound provider calls under per-provider rate and
// concurrency limits with retries (port C).
type CallGate interface {
	Do(ctx Context, providerID string, fn func(ctx Context) error) error
}

// ProgressPublisher fans progress events out to subscribers (port E).
type ProgressPublisher interface {
	Publish(ev ProgressEvent)
	// Close signals terminality for the job; subscriber channels close
	// after draining.
	Close(jobID string)
}

// ChapterService returns coarse chapters for a source video.
type ChapterService interface {
	Chapters(ctx Context, sourceHandle string, durationSeconds float64) ([]Chapter, error)
}

// DescribeRequest asks the visual-understanding provider for narration.
type DescribeRequest struct {
	SourceHandle   string
	Start          float64
	End            float64
	TargetWords    int
	SeriesID       string
	CharacterGuide string
}

// VisionDescriber narrates a source interval.
type VisionDescriber interface {
	Describe(ctx Context, req DescribeRequest) (string, error)
}

// Synthesis is rendered narration audio.
type Synthesis struct {
	AudioHandle     string
	DurationSeconds float64
}

// SpeechSynthesizer renders narration text to audio in the blob store.
type SpeechSynthesizer interface {
	Synthesize(ctx Context, jobID string, index int, text string) (Synthesis, error)
}

// Transcoder is the media sub-process contract (ingestion probe + final
// assembly). All muxing, encoding and re-timing happens behind it.
type Transcoder interface {
	Probe(ctx Context, sourceHandle string) (durationSeconds float64, err error)
	Assemble(ctx Context, jobID, sourceHandle string, plan []AssemblyEntry) (outputHandle string, outputDurationSeconds float64, err error)
}

// SegmentCache stores segment results keyed by fingerprint so recovery and
// retries skip completed work.
type SegmentCache interface {
	Get(ctx Context, fingerprint string) (SegmentResult, bool, error)
	Put(ctx Context, fingerprint string, res SegmentResult) error
}

// BillingSink receives signed completion notices. Expected idempotent.
type BillingSink interface {
	CompletionNotice(ctx Context, n CompletionNotice) error
}
