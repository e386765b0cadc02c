package pipeline

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/recaplab/recap-engine/internal/adapter/observability"
	"github.com/recaplab/recap-engine/internal/config"
	"github.com/recaplab/recap-engine/internal/domain"
)

// narrationWordsPerSecond is the pace used to size narration requests.
const narrationWordsPerSecond = 2.5

// PoolConfig bounds the per-job worker pool.
type PoolConfig struct {
	Parallelism int
	// FailureTolerance is how many segment failures the job absorbs before
	// the pool cancels in-flight work and fails.
	FailureTolerance int
	SpeedMin         float64
	SpeedMax         float64
}

// Pool runs describe, synthesize and align for every planned segment with
// bounded parallelism. Completed segments found in the fingerprint cache
// are reused without touching the providers.
type Pool struct {
	cfg      PoolConfig
	segments domain.SegmentStore
	cache    domain.SegmentCache
	vision   domain.VisionDescriber
	tts      domain.SpeechSynthesizer
	gate     domain.CallGate
}

// NewPool constructs a Pool.
func NewPool(cfg PoolConfig, segments domain.SegmentStore, cache domain.SegmentCache,
	vision domain.VisionDescriber, tts domain.SpeechSynthesizer, gate domain.CallGate) *Pool {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Pool{cfg: cfg, segments: segments, cache: cache, vision: vision, tts: tts, gate: gate}
}

// Run processes every segment not already done. onProgress receives the
// cumulative completed count after each segment finishes; calls are
// serialized and the count never regresses.
func (p *Pool) Run(ctx domain.Context, job domain.Job, segs []domain.Segment, onProgress func(completed int)) error {
	var completed atomic.Int64
	for _, s := range segs {
		if s.Status == domain.SegmentDone {
			completed.Add(1)
		}
	}

	var progressMu sync.Mutex
	report := func() {
		n := int(completed.Add(1))
		observability.SegmentsCompletedTotal.Inc()
		if onProgress != nil {
			progressMu.Lock()
			onProgress(n)
			progressMu.Unlock()
		}
	}

	var failures atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Parallelism)
	for _, seg := range segs {
		if seg.Status == domain.SegmentDone {
			continue
		}
		g.Go(func() error {
			if err := p.processSegment(gctx, job, seg); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				_ = p.segments.UpdateStatus(ctx, job.ID, seg.Index, domain.SegmentFailed, err.Error())
				if int(failures.Add(1)) > p.cfg.FailureTolerance {
					return fmt.Errorf("segment %d: %w", seg.Index, err)
				}
				return nil
			}
			report()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("op=pool.run: %w", err)
	}
	return nil
}

// processSegment runs the three provider stages for one segment, consulting
// the fingerprint cache first so recovery skips finished work.
func (p *Pool) processSegment(ctx domain.Context, job domain.Job, seg domain.Segment) error {
	if res, ok, err := p.cache.Get(ctx, seg.Fingerprint); err == nil && ok {
		observability.SegmentCacheHitsTotal.WithLabelValues("hit").Inc()
		return p.segments.SetResult(ctx, job.ID, seg.Index, res)
	}
	observability.SegmentCacheHitsTotal.WithLabelValues("miss").Inc()

	if err := p.segments.UpdateStatus(ctx, job.ID, seg.Index, domain.SegmentDescribing, ""); err != nil {
		return err
	}
	targetWords := int(seg.Duration() * narrationWordsPerSecond)
	if targetWords < 1 {
		targetWords = 1
	}
	var text string
	if seg.Text != "" {
		// Script override already carries the narration.
		text = seg.Text
	} else {
		err := p.gate.Do(ctx, config.ProviderVision, func(ctx domain.Context) error {
			var err error
			text, err = p.vision.Describe(ctx, domain.DescribeRequest{
				SourceHandle:   job.SourceHandle,
				Start:          seg.Start,
				End:            seg.End,
				TargetWords:    targetWords,
				SeriesID:       job.Config.SeriesID,
				CharacterGuide: job.Config.CharacterGuide,
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("describe: %w", err)
		}
		text = clampWords(text, targetWords)
	}

	if err := p.segments.UpdateStatus(ctx, job.ID, seg.Index, domain.SegmentSynthesizing, ""); err != nil {
		return err
	}
	var syn domain.Synthesis
	err := p.gate.Do(ctx, config.ProviderTTS, func(ctx domain.Context) error {
		var err error
		syn, err = p.tts.Synthesize(ctx, job.ID, seg.Index, text)
		return err
	})
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}

	if err := p.segments.UpdateStatus(ctx, job.ID, seg.Index, domain.SegmentAligning, ""); err != nil {
		return err
	}
	speed := 1.0
	if d := seg.Duration(); d > 0 && syn.DurationSeconds > 0 {
		speed = syn.DurationSeconds / d
	}
	if speed < p.cfg.SpeedMin {
		speed = p.cfg.SpeedMin
	}
	if speed > p.cfg.SpeedMax {
		speed = p.cfg.SpeedMax
	}

	res := domain.SegmentResult{Text: text, AudioHandle: syn.AudioHandle, SpeedFactor: speed}
	if err := p.segments.SetResult(ctx, job.ID, seg.Index, res); err != nil {
		return err
	}
	if err := p.cache.Put(ctx, seg.Fingerprint, res); err != nil {
		// Cache misses on recovery cost provider calls, not correctness.
		return nil
	}
	return nil
}

// clampWords truncates text to at most n words.
func clampWords(text string, n int) string {
	fields := strings.Fields(text)
	if len(fields) <= n {
		return text
	}
	return strings.Join(fields[:n], " ")
}
