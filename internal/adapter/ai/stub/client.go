// Package stub provides fast, deterministic provider implementations for
// local development and tests.
package stub

import (
	"fmt"
	"strings"

	"github.com/recaplab/recap-engine/internal/domain"
)

// Vision produces deterministic narration derived from the interval.
type Vision struct{}

// NewVision returns a stub describer.
func NewVision() *Vision { return &Vision{} }

// Describe returns a short deterministic narration for the interval.
func (v *Vision) Describe(_ domain.Context, req domain.DescribeRequest) (string, error) {
	words := req.TargetWords
	if words <= 0 {
		words = 20
	}
	base := fmt.Sprintf("From %.1fs to %.1fs the scene unfolds.", req.Start, req.End)
	for len(strings.Fields(base)) < words {
		base += " The action continues."
	}
	return base, nil
}

// TTS writes a placeholder audio blob and reports a duration proportional to
// the text length at a typical narration pace.
type TTS struct {
	Blobs domain.BlobStore
}

// NewTTS returns a stub synthesizer backed by the given blob store.
func NewTTS(blobs domain.BlobStore) *TTS { return &TTS{Blobs: blobs} }

// Synthesize stores silence and estimates duration at 2.5 words per second.
func (t *TTS) Synthesize(ctx domain.Context, jobID string, index int, text string) (domain.Synthesis, error) {
	key := fmt.Sprintf("jobs/%s/audio/%04d.wav", jobID, index)
	handle, err := t.Blobs.Put(ctx, key, strings.NewReader("RIFF-stub"), "audio/wav")
	if err != nil {
		return domain.Synthesis{}, fmt.Errorf("op=stub.tts: %w", err)
	}
	duration := float64(len(strings.Fields(text))) / 2.5
	if duration <= 0 {
		duration = 0.4
	}
	return domain.Synthesis{AudioHandle: handle, DurationSeconds: duration}, nil
}

// Transcoder skips real media work: probes report a fixed duration and
// assembly writes a placeholder container.
type Transcoder struct {
	Blobs domain.BlobStore
	// ProbeSeconds is the reported source duration. Zero means 300.
	ProbeSeconds float64
}

// NewTranscoder returns a stub transcoder backed by the given blob store.
func NewTranscoder(blobs domain.BlobStore) *Transcoder { return &Transcoder{Blobs: blobs} }

// Probe reports the configured duration for any source.
func (t *Transcoder) Probe(_ domain.Context, _ string) (float64, error) {
	if t.ProbeSeconds > 0 {
		return t.ProbeSeconds, nil
	}
	return 300, nil
}

// Assemble stores a placeholder output and sums the plan for its duration.
func (t *Transcoder) Assemble(ctx domain.Context, jobID, _ string, plan []domain.AssemblyEntry) (string, float64, error) {
	var total float64
	for _, e := range plan {
		total += e.SourceEnd - e.SourceStart
	}
	key := fmt.Sprintf("jobs/%s/recap.mp4", jobID)
	handle, err := t.Blobs.Put(ctx, key, strings.NewReader("stub-mp4"), "video/mp4")
	if err != nil {
		return "", 0, fmt.Errorf("op=stub.transcoder: %w", err)
	}
	return handle, total, nil
}

// Chapters splits the source into fixed-length chapters with alternating
// importance so planner selection is exercised deterministically.
type Chapters struct {
	// ChapterSeconds controls the synthetic chapter length. Zero means 60.
	ChapterSeconds float64
}

// NewChapters returns a stub chapter service.
func NewChapters() *Chapters { return &Chapters{} }

// Chapters returns evenly sized chapters covering the whole source.
func (c *Chapters) Chapters(_ domain.Context, _ string, durationSeconds float64) ([]domain.Chapter, error) {
	step := c.ChapterSeconds
	if step <= 0 {
		step = 60
	}
	var out []domain.Chapter
	for start := 0.0; start < durationSeconds; start += step {
		end := start + step
		if end > durationSeconds {
			end = durationSeconds
		}
		importance := 0.5
		if len(out)%2 == 0 {
			importance = 0.9
		}
		out = append(out, domain.Chapter{
			Title:      fmt.Sprintf("Chapter %d", len(out)+1),
			Start:      start,
			End:        end,
			Importance: importance,
		})
	}
	return out, nil
}
