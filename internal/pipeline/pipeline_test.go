package pipeline_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/recaplab/recap-engine/internal/adapter/ai/stub"
	"github.com/recaplab/recap-engine/internal/adapter/blob/memblob"
	"github.com/recaplab/recap-engine/internal/adapter/repo/memory"
	"github.com/recaplab/recap-engine/internal/config"
	"github.com/recaplab/recap-engine/internal/domain"
	"github.com/recaplab/recap-engine/internal/gate"
	"github.com/recaplab/recap-engine/internal/pipeline"
	"github.com/recaplab/recap-engine/internal/progress"
)

// permissiveGate builds a gate whose limits never slow a test down.
func permissiveGate() *gate.Gate {
	table := make(map[string]config.ProviderConfig)
	for _, p := range []string{config.ProviderVision, config.ProviderTTS, config.ProviderChapters} {
		table[p] = config.ProviderConfig{
			RPS:               1000,
			MaxInFlight:       100,
			PerAttemptTimeout: 5 * time.Second,
			MaxAttempts:       3,
			BaseDelay:         time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			RetriableStatuses: []int{408, 429, 500, 502, 503, 504},
		}
	}
	return gate.New(table)
}

// fakeChapters serves a fixed chapter list.
type fakeChapters struct {
	chapters []domain.Chapter
	calls    atomic.Int64
}

func (f *fakeChapters) Chapters(_ domain.Context, _ string, _ float64) ([]domain.Chapter, error) {
	f.calls.Add(1)
	return f.chapters, nil
}

// evenChapters covers [0, total) with equal chapters of the given length.
func evenChapters(total, step float64) []domain.Chapter {
	var out []domain.Chapter
	for start := 0.0; start < total; start += step {
		end := start + step
		if end > total {
			end = total
		}
		out = append(out, domain.Chapter{Start: start, End: end, Importance: 0.5})
	}
	return out
}

// countingVision wraps the stub describer and counts calls.
type countingVision struct {
	inner domain.VisionDescriber
	calls atomic.Int64
}

func (c *countingVision) Describe(ctx domain.Context, req domain.DescribeRequest) (string, error) {
	c.calls.Add(1)
	return c.inner.Describe(ctx, req)
}

// flakyTTS fails specific (index, attempt) pairs with a retriable status,
// then delegates to the stub.
type flakyTTS struct {
	inner    domain.SpeechSynthesizer
	mu       sync.Mutex
	failures map[int]int // index -> remaining failures
	delay    time.Duration
}

func (f *flakyTTS) Synthesize(ctx domain.Context, jobID string, index int, text string) (domain.Synthesis, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.Synthesis{}, ctx.Err()
		}
	}
	f.mu.Lock()
	if f.failures[index] > 0 {
		f.failures[index]--
		f.mu.Unlock()
		return domain.Synthesis{}, &gate.StatusError{Provider: config.ProviderTTS, Status: 503}
	}
	f.mu.Unlock()
	return f.inner.Synthesize(ctx, jobID, index, text)
}

// fakeTranscoder reports a fixed probe duration and sums the plan for the
// assembled output length.
type fakeTranscoder struct {
	probeSeconds  float64
	blobs         domain.BlobStore
	assembleCalls atomic.Int64
	failuresLeft  atomic.Int64
}

func (f *fakeTranscoder) Probe(_ domain.Context, _ string) (float64, error) {
	return f.probeSeconds, nil
}

func (f *fakeTranscoder) Assemble(ctx domain.Context, jobID, _ string, plan []domain.AssemblyEntry) (string, float64, error) {
	f.assembleCalls.Add(1)
	if f.failuresLeft.Add(-1) >= 0 {
		return "", 0, fmt.Errorf("transcoder crashed: %w", domain.ErrStitcherFailed)
	}
	var total float64
	for _, e := range plan {
		total += e.SourceEnd - e.SourceStart
	}
	handle, err := f.blobs.Put(ctx, "jobs/"+jobID+"/recap.mp4", strings.NewReader("mp4"), "video/mp4")
	if err != nil {
		return "", 0, err
	}
	return handle, total, nil
}

// captureSink records completion notices.
type captureSink struct {
	mu      sync.Mutex
	notices []domain.CompletionNotice
}

func (c *captureSink) CompletionNotice(_ domain.Context, n domain.CompletionNotice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, n)
	return nil
}

func (c *captureSink) all() []domain.CompletionNotice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.CompletionNotice(nil), c.notices...)
}

// rig wires a full in-memory engine for controller tests.
type rig struct {
	cfg        config.Config
	jobs       *memory.JobStore
	segs       *memory.SegmentStore
	ledger     *memory.Ledger
	blobs      *memblob.Store
	cache      *memory.SegmentCache
	bus        *progress.Bus
	chapters   *fakeChapters
	vision     *countingVision
	tts        *flakyTTS
	transcoder *fakeTranscoder
	billing    *captureSink
	ctrl       *pipeline.Controller
}

type rigOpts struct {
	sourceSeconds  float64
	chapterStep    float64
	ttsFailures    map[int]int
	ttsDelay       time.Duration
	stitchCrashes  int64
	tolerance      int
	commitFailures int
}

// failingLedger fails the first N commits, then delegates.
type failingLedger struct {
	domain.Ledger
	mu             sync.Mutex
	commitFailures int
}

func (f *failingLedger) Commit(ctx domain.Context, reservationID string, minutes float64, jobID, period string) error {
	f.mu.Lock()
	if f.commitFailures > 0 {
		f.commitFailures--
		f.mu.Unlock()
		return fmt.Errorf("ledger unavailable: %w", domain.ErrInternal)
	}
	f.mu.Unlock()
	return f.Ledger.Commit(ctx, reservationID, minutes, jobID, period)
}

// collect drains a subscription concurrently so the bus never drops the
// test as a slow subscriber. The returned func waits for channel close.
func collect(events <-chan domain.ProgressEvent) func() []domain.ProgressEvent {
	var out []domain.ProgressEvent
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			out = append(out, ev)
		}
	}()
	return func() []domain.ProgressEvent {
		<-done
		return out
	}
}

func newRig(t *testing.T, o rigOpts) *rig {
	t.Helper()
	if o.chapterStep == 0 {
		o.chapterStep = 20
	}
	r := &rig{
		jobs:    memory.NewJobStore(),
		segs:    memory.NewSegmentStore(),
		ledger:  memory.NewLedger(),
		blobs:   memblob.New(),
		cache:   memory.NewSegmentCache(),
		bus:     progress.NewBus(),
		billing: &captureSink{},
	}
	r.cfg = config.Config{
		LeaseSeconds:            60,
		ClaimPollInterval:       10 * time.Millisecond,
		RecoverySweepInterval:   20 * time.Millisecond,
		MaxConcurrentJobs:       8,
		WorkerConcurrencyPerJob: 4,
		StageTimeoutSegments:    10 * time.Second,
		StageTimeoutStitch:      5 * time.Second,
		DataRetentionDays:       30,
		CleanupInterval:         time.Hour,
	}
	r.chapters = &fakeChapters{chapters: evenChapters(o.sourceSeconds, o.chapterStep)}
	r.vision = &countingVision{inner: stub.NewVision()}
	r.tts = &flakyTTS{inner: stub.NewTTS(r.blobs), failures: o.ttsFailures, delay: o.ttsDelay}
	r.transcoder = &fakeTranscoder{probeSeconds: o.sourceSeconds, blobs: r.blobs}
	r.transcoder.failuresLeft.Store(o.stitchCrashes)

	var ledger domain.Ledger = r.ledger
	if o.commitFailures > 0 {
		ledger = &failingLedger{Ledger: r.ledger, commitFailures: o.commitFailures}
	}

	g := permissiveGate()
	planner := pipeline.NewPlanner(pipeline.PlannerConfig{
		MinSegmentSeconds:   2,
		MaxSegmentSeconds:   30,
		ShortClipMaxSeconds: 3,
		TargetOverrun:       1.10,
	}, r.chapters, g)
	pool := pipeline.NewPool(pipeline.PoolConfig{
		Parallelism:      4,
		FailureTolerance: o.tolerance,
		SpeedMin:         0.5,
		SpeedMax:         2.0,
	}, r.segs, r.cache, r.vision, r.tts, g)
	stitcher := pipeline.NewStitcher(r.transcoder)
	r.ctrl = pipeline.NewController(r.cfg, "w1",
		r.jobs, r.segs, ledger, r.blobs,
		planner, pool, stitcher, r.transcoder, r.bus, r.billing)
	return r
}

// newJob uploads a source blob and creates a pending job for it.
func (r *rig) newJob(t *testing.T, owner string, cfg domain.JobConfig) domain.Job {
	t.Helper()
	ctx := context.Background()
	handle, err := r.blobs.Put(ctx, "sources/src.mp4", strings.NewReader("src"), "video/mp4")
	require.NoError(t, err)
	id, err := r.jobs.Create(ctx, domain.Job{OwnerID: owner, SourceHandle: handle, Config: cfg})
	require.NoError(t, err)
	j, err := r.jobs.Get(ctx, id)
	require.NoError(t, err)
	return j
}

// claimAndRun claims the job the way the worker loop would and runs it.
func (r *rig) claimAndRun(t *testing.T, ctx context.Context) domain.Job {
	t.Helper()
	j, ok, err := r.jobs.Claim(ctx, "w1", r.cfg.Lease())
	require.NoError(t, err)
	require.True(t, ok)
	r.ctrl.RunJob(ctx, j)
	final, err := r.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	return final
}

// waitForStage polls until the job reaches a terminal stage or the timeout.
func (r *rig) waitTerminal(t *testing.T, jobID string, timeout time.Duration) domain.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		j, err := r.jobs.Get(context.Background(), jobID)
		require.NoError(t, err)
		if j.Stage.Terminal() {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal stage within %v", jobID, timeout)
	return domain.Job{}
}
