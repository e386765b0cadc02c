package pipeline

import (
	"fmt"

	"github.com/recaplab/recap-engine/internal/domain"
)

// Stitcher orders completed segments into an assembly plan and delegates
// all media work to the transcoder.
type Stitcher struct {
	transcoder domain.Transcoder
}

// NewStitcher constructs a Stitcher.
func NewStitcher(t domain.Transcoder) *Stitcher { return &Stitcher{transcoder: t} }

// Stitch assembles the final recap. The plan is stable for a given segment
// set, so one retry on failure is safe.
func (s *Stitcher) Stitch(ctx domain.Context, job domain.Job, segs []domain.Segment) (string, float64, error) {
	plan := make([]domain.AssemblyEntry, 0, len(segs))
	for _, seg := range segs {
		if seg.Status != domain.SegmentDone {
			return "", 0, fmt.Errorf("op=stitcher.stitch: segment %d not done: %w", seg.Index, domain.ErrInternal)
		}
		plan = append(plan, domain.AssemblyEntry{
			SourceStart: seg.Start,
			SourceEnd:   seg.End,
			AudioHandle: seg.AudioHandle,
			SpeedFactor: seg.SpeedFactor,
		})
	}
	if len(plan) == 0 {
		return "", 0, fmt.Errorf("op=stitcher.stitch: no segments: %w", domain.ErrInternal)
	}

	handle, duration, err := s.transcoder.Assemble(ctx, job.ID, job.SourceHandle, plan)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		handle, duration, err = s.transcoder.Assemble(ctx, job.ID, job.SourceHandle, plan)
	}
	if err != nil {
		return "", 0, fmt.Errorf("op=stitcher.stitch: %w: %w", err, domain.ErrStitcherFailed)
	}
	return handle, duration, nil
}
