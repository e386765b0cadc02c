// Package domain holds the engine's entities, ports and error taxonomy.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Stage is the job state machine position.
type Stage string

const (
	StagePending    Stage = "pending"
	StageReserving  Stage = "reserving"
	StageIngesting  Stage = "ingesting"
	StagePlanning   Stage = "planning"
	StageSegments   Stage = "segment_processing"
	StageStitching  Stage = "stitching"
	StageCommitting Stage = "committing"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
	StageCancelled  Stage = "cancelled"
)

// Terminal reports whether the stage admits no further transitions.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// JobError is the user-visible terminal failure record.
type JobError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// JobConfig is the admission-time configuration bag. Opaque to the
// controller except where a field drives planning.
type JobConfig struct {
	TargetDurationMinutes float64 `json:"target_duration_minutes,omitempty"`
	Script                string  `json:"script,omitempty"`
	SeriesID              string  `json:"series_id,omitempty"`
	CharacterGuide        string  `json:"character_guide,omitempty"`
	ShortClipMode         bool    `json:"short_clip_mode,omitempty"`
	AISegmentMatching     bool    `json:"ai_segment_matching,omitempty"`
}

// Job is one end-to-end processing request.
//
// Invariants: 0 <= CompletedSegments <= PlannedSegments; Progress never
// decreases; a terminal Stage never changes; OutputDurationSeconds is set
// iff Stage == StageCompleted.
type Job struct {
	ID                    string
	OwnerID               string
	Stage                 Stage
	Progress              float64 // [0,100], monotone
	CurrentStep           string
	PlannedSegments       int
	CompletedSegments     int
	SourceHandle          string
	SourceDurationSeconds float64
	Config                JobConfig
	OutputHandle          string
	OutputDurationSeconds float64
	Err                   *JobError
	IdemKey               *string
	RetryOf               string // id of the failed job this one re-admits
	ReservationID         string
	TerminalCommitted     bool
	CancelRequested       bool
	Priority              bool
	Revision              int64
	LeaseOwner            string
	LeaseExpiresAt        time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// SegmentStatus is the per-segment processing state.
type SegmentStatus string

const (
	SegmentPlanned      SegmentStatus = "planned"
	SegmentDescribing   SegmentStatus = "describing"
	SegmentSynthesizing SegmentStatus = "synthesizing"
	SegmentAligning     SegmentStatus = "aligning"
	SegmentDone         SegmentStatus = "done"
	SegmentFailed       SegmentStatus = "failed"
)

// Segment is one planned narration unit. Segments are created together by
// the planner; order and count are stable for the life of the job.
type Segment struct {
	JobID         string
	Index         int // 0-based, dense
	Start         float64
	End           float64 // seconds, End > Start
	Fingerprint   string
	ParagraphHash string // non-empty when a script override paragraph backs this segment
	Importance    float64
	Status        SegmentStatus
	Text          string
	AudioHandle   string
	SpeedFactor   float64
	ErrMessage    string
}

// Duration returns the segment's source interval length in seconds.
func (s Segment) Duration() float64 { return s.End - s.Start }

// SegmentFingerprint derives the stable identity of a segment's work so
// results can be reused across retries and process restarts.
func SegmentFingerprint(jobID string, index int, start, end float64, paragraphHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%.3f|%.3f", jobID, index, start, end)
	if paragraphHash != "" {
		fmt.Fprintf(h, "|%s", paragraphHash)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashText returns the hex SHA-256 of a script paragraph.
func HashText(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// SegmentResult is the cached outcome of one segment's describe/synthesize/
// align chain, keyed by fingerprint.
type SegmentResult struct {
	Text        string  `json:"text"`
	AudioHandle string  `json:"audio_handle"`
	SpeedFactor float64 `json:"speed_factor"`
}

// TopUpCredit is a purchased pool of minutes, consumed oldest-first after
// subscription minutes are exhausted.
type TopUpCredit struct {
	ID               string
	PurchasedMinutes float64
	RemainingMinutes float64
	ExternalRef      string
	CreatedAt        time.Time
}

// QuotaAccount is the per-user minute balance for one billing period.
type QuotaAccount struct {
	UserID                   string
	BillingPeriod            string
	SubscriptionMinutesLimit float64
	SubscriptionMinutesUsed  float64
	TopUps                   []TopUpCredit
}

// TopUpMinutesRemaining sums remaining minutes across top-up credits.
func (a QuotaAccount) TopUpMinutesRemaining() float64 {
	var sum float64
	for _, t := range a.TopUps {
		sum += t.RemainingMinutes
	}
	return sum
}

// AvailableMinutes is limit - used + remaining top-ups, floored at zero.
func (a QuotaAccount) AvailableMinutes() float64 {
	avail := a.SubscriptionMinutesLimit - a.SubscriptionMinutesUsed + a.TopUpMinutesRemaining()
	if avail < 0 {
		return 0
	}
	return avail
}

// UsageRecord is one billed row per (job, billing period). The uniqueness
// of that pair anchors exactly-once billing.
type UsageRecord struct {
	JobID         string
	UserID        string
	BillingPeriod string
	MinutesBilled float64
	CreatedAt     time.Time
}

// PeriodOf formats t's calendar month as a billing period key.
func PeriodOf(t time.Time) string { return t.UTC().Format("2006-01") }

// ProgressEvent is the live-update payload pushed to subscribers.
// Sequence is strictly increasing per job.
type ProgressEvent struct {
	JobID             string    `json:"job_id"`
	Sequence          uint64    `json:"sequence"`
	Stage             Stage     `json:"stage"`
	Progress          float64   `json:"progress"`
	CurrentStep       string    `json:"current_step"`
	CompletedSegments int       `json:"completed_segments"`
	PlannedSegments   int       `json:"planned_segments"`
	TerminalError     *JobError `json:"terminal_error,omitempty"`
}

// CompletionNotice is emitted to the billing sink when a job completes.
type CompletionNotice struct {
	JobID         string  `json:"job_id"`
	UserID        string  `json:"user_id"`
	BilledMinutes float64 `json:"billed_minutes"`
	BillingPeriod string  `json:"billing_period"`
}

// Chapter is a coarse source interval from the chapter service.
type Chapter struct {
	Title      string
	Start      float64
	End        float64
	Importance float64
}

// AssemblyEntry is one row of the stitcher's plan handed to the transcoder.
type AssemblyEntry struct {
	SourceStart float64 `json:"source_start"`
	SourceEnd   float64 `json:"source_end"`
	AudioHandle string  `json:"audio_handle"`
	SpeedFactor float64 `json:"speed_factor"`
}
