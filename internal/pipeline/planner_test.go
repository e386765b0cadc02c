package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recaplab/recap-engine/internal/domain"
	"github.com/recaplab/recap-engine/internal/pipeline"
)

func plannerCfg() pipeline.PlannerConfig {
	return pipeline.PlannerConfig{
		MinSegmentSeconds:   2,
		MaxSegmentSeconds:   30,
		ShortClipMaxSeconds: 3,
		TargetOverrun:       1.10,
	}
}

func newPlanner(chapters []domain.Chapter) *pipeline.Planner {
	return pipeline.NewPlanner(plannerCfg(), &fakeChapters{chapters: chapters}, permissiveGate())
}

func planJob(sourceSeconds float64, cfg domain.JobConfig) domain.Job {
	return domain.Job{ID: "job-1", SourceHandle: "mem://src", SourceDurationSeconds: sourceSeconds, Config: cfg}
}

func TestPlanner_Deterministic(t *testing.T) {
	t.Parallel()
	p := newPlanner(evenChapters(300, 45))
	job := planJob(300, domain.JobConfig{})

	a, err := p.Plan(context.Background(), job)
	require.NoError(t, err)
	b, err := p.Plan(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPlanner_SubdividesLongChapters(t *testing.T) {
	t.Parallel()
	// One 75s chapter must split into pieces inside [2s, 30s].
	p := newPlanner([]domain.Chapter{{Start: 0, End: 75, Importance: 0.8}})
	segs, err := p.Plan(context.Background(), planJob(75, domain.JobConfig{}))
	require.NoError(t, err)
	require.Len(t, segs, 3)
	for i, s := range segs {
		assert.Equal(t, i, s.Index)
		assert.GreaterOrEqual(t, s.Duration(), 2.0)
		assert.LessOrEqual(t, s.Duration(), 30.0)
	}
	assert.InDelta(t, 0, segs[0].Start, 1e-9)
	assert.InDelta(t, 75, segs[len(segs)-1].End, 1e-9)
}

func TestPlanner_MergesRuntChapters(t *testing.T) {
	t.Parallel()
	// A 1s chapter folds into its successor rather than surviving alone.
	p := newPlanner([]domain.Chapter{
		{Start: 0, End: 1, Importance: 0.9},
		{Start: 1, End: 11, Importance: 0.3},
	})
	segs, err := p.Plan(context.Background(), planJob(11, domain.JobConfig{}))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.InDelta(t, 0, segs[0].Start, 1e-9)
	assert.InDelta(t, 11, segs[0].End, 1e-9)
	// The merged segment inherits the higher importance.
	assert.InDelta(t, 0.9, segs[0].Importance, 1e-9)
}

func TestPlanner_ShortClipModeSplits(t *testing.T) {
	t.Parallel()
	p := newPlanner([]domain.Chapter{{Start: 0, End: 10, Importance: 0.5}})
	segs, err := p.Plan(context.Background(), planJob(10, domain.JobConfig{ShortClipMode: true}))
	require.NoError(t, err)
	require.Len(t, segs, 4)
	for _, s := range segs {
		assert.LessOrEqual(t, s.Duration(), 3.0+1e-9)
	}
}

func TestPlanner_TargetSelectionByImportance(t *testing.T) {
	t.Parallel()
	// Four 30s chapters against a 1 minute target.
	p := newPlanner([]domain.Chapter{
		{Start: 0, End: 30, Importance: 0.2},
		{Start: 30, End: 60, Importance: 0.9},
		{Start: 60, End: 90, Importance: 0.1},
		{Start: 90, End: 120, Importance: 0.8},
	})
	segs, err := p.Plan(context.Background(), planJob(120, domain.JobConfig{TargetDurationMinutes: 1}))
	require.NoError(t, err)
	// Budget 66s: the 0.9 and 0.8 chapters fill it, then one more is taken
	// because the cumulative check runs before each pick. The 0.1 chapter at
	// 60s is the only one dropped, and survivors come back in source order.
	require.Len(t, segs, 3)
	assert.InDelta(t, 0, segs[0].Start, 1e-9)
	assert.InDelta(t, 30, segs[1].Start, 1e-9)
	assert.InDelta(t, 90, segs[2].Start, 1e-9)
	// Indexes are dense after selection.
	for i, s := range segs {
		assert.Equal(t, i, s.Index)
	}
}

func TestPlanner_TargetExceedingSourceUnrealizable(t *testing.T) {
	t.Parallel()
	p := newPlanner(evenChapters(5, 5))
	_, err := p.Plan(context.Background(), planJob(5, domain.JobConfig{TargetDurationMinutes: 1}))
	assert.ErrorIs(t, err, domain.ErrPlanUnrealizable)
}

func TestPlanner_TinySourceUnrealizable(t *testing.T) {
	t.Parallel()
	p := newPlanner(nil)
	_, err := p.Plan(context.Background(), planJob(1, domain.JobConfig{}))
	assert.ErrorIs(t, err, domain.ErrPlanUnrealizable)
}

func TestPlanner_ScriptParagraphsDriveSegments(t *testing.T) {
	t.Parallel()
	p := newPlanner(nil)
	script := "First paragraph with six words here.\n\nSecond one.\n\nThird paragraph closes the recap nicely."
	segs, err := p.Plan(context.Background(), planJob(120, domain.JobConfig{Script: script}))
	require.NoError(t, err)
	require.Len(t, segs, 3)

	// Intervals tile the source and carry the paragraph text and hash.
	assert.InDelta(t, 0, segs[0].Start, 1e-9)
	assert.InDelta(t, 120, segs[2].End, 1e-9)
	for i, s := range segs {
		assert.NotEmpty(t, s.Text)
		assert.NotEmpty(t, s.ParagraphHash)
		assert.Equal(t, domain.SegmentFingerprint("job-1", i, s.Start, s.End, s.ParagraphHash), s.Fingerprint)
		if i > 0 {
			assert.InDelta(t, segs[i-1].End, s.Start, 1e-9)
		}
	}
	// Longer paragraphs get proportionally longer intervals.
	assert.Greater(t, segs[0].Duration(), segs[1].Duration())
}

func TestPlanner_BlankScriptFallsBackToChapters(t *testing.T) {
	t.Parallel()
	// Whitespace-only scripts are treated as absent.
	f := &fakeChapters{chapters: evenChapters(60, 20)}
	p := pipeline.NewPlanner(plannerCfg(), f, permissiveGate())
	segs, err := p.Plan(context.Background(), planJob(60, domain.JobConfig{Script: "\n\n  \n\n"}))
	require.NoError(t, err)
	assert.Len(t, segs, 3)
	assert.Equal(t, int64(1), f.calls.Load())
	for _, s := range segs {
		assert.Empty(t, s.Text)
	}
}

func TestPlanner_FingerprintChangesWithScript(t *testing.T) {
	t.Parallel()
	p := newPlanner(nil)
	a, err := p.Plan(context.Background(), planJob(120, domain.JobConfig{Script: "Alpha scene."}))
	require.NoError(t, err)
	b, err := p.Plan(context.Background(), planJob(120, domain.JobConfig{Script: "Beta scene."}))
	require.NoError(t, err)
	assert.NotEqual(t, a[0].Fingerprint, b[0].Fingerprint)
}
