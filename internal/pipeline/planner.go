// Package pipeline contains the job state machine and the per-job workers
// that drive a recap from admission to completion.
package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/recaplab/recap-engine/internal/config"
	"github.com/recaplab/recap-engine/internal/domain"
)

// PlannerConfig bounds segment durations and target selection.
type PlannerConfig struct {
	MinSegmentSeconds   float64
	MaxSegmentSeconds   float64
	ShortClipMaxSeconds float64
	// TargetOverrun scales the target duration during greedy selection so
	// the recap lands slightly over rather than under.
	TargetOverrun float64
}

// Planner turns a source video into an ordered, fingerprinted segment plan.
// Planning is deterministic: the same job always yields the same plan.
type Planner struct {
	cfg      PlannerConfig
	chapters domain.ChapterService
	gate     domain.CallGate
}

// NewPlanner constructs a Planner. The chapter service is consulted through
// the call gate.
func NewPlanner(cfg PlannerConfig, chapters domain.ChapterService, gate domain.CallGate) *Planner {
	return &Planner{cfg: cfg, chapters: chapters, gate: gate}
}

// Plan produces the segment plan for the job. It fails with
// ErrPlanUnrealizable when no valid plan exists; those failures are
// deterministic and must not be retried.
func (p *Planner) Plan(ctx domain.Context, job domain.Job) ([]domain.Segment, error) {
	d := job.SourceDurationSeconds
	if d < p.cfg.MinSegmentSeconds {
		return nil, fmt.Errorf("op=planner.plan: source %.1fs shorter than minimum segment: %w", d, domain.ErrPlanUnrealizable)
	}

	var intervals []interval
	var err error
	if strings.TrimSpace(job.Config.Script) != "" {
		intervals, err = p.planFromScript(ctx, job, d)
	} else {
		intervals, err = p.planFromChapters(ctx, job, d)
	}
	if err != nil {
		return nil, err
	}
	if len(intervals) == 0 {
		return nil, fmt.Errorf("op=planner.plan: empty plan: %w", domain.ErrPlanUnrealizable)
	}

	if job.Config.ShortClipMode {
		intervals = splitShortClips(intervals, p.cfg.ShortClipMaxSeconds)
	}
	if t := job.Config.TargetDurationMinutes; t > 0 {
		intervals, err = p.selectForTarget(intervals, t*60, d)
		if err != nil {
			return nil, err
		}
	}

	segs := make([]domain.Segment, len(intervals))
	for i, iv := range intervals {
		segs[i] = domain.Segment{
			JobID:         job.ID,
			Index:         i,
			Start:         round3(iv.start),
			End:           round3(iv.end),
			ParagraphHash: iv.paraHash,
			Importance:    iv.importance,
			Status:        domain.SegmentPlanned,
			Text:          iv.text,
		}
		segs[i].Fingerprint = domain.SegmentFingerprint(job.ID, i, segs[i].Start, segs[i].End, iv.paraHash)
	}
	return segs, nil
}

type interval struct {
	start, end float64
	importance float64
	paraHash   string
	text       string
}

// planFromScript allocates one interval per script paragraph. Pass one
// distributes the source proportionally to paragraph length; pass two snaps
// boundaries to chapter edges when segment matching is enabled.
func (p *Planner) planFromScript(ctx domain.Context, job domain.Job, d float64) ([]interval, error) {
	paras := splitParagraphs(job.Config.Script)
	if len(paras) == 0 {
		return nil, fmt.Errorf("op=planner.script: no paragraphs: %w", domain.ErrPlanUnrealizable)
	}

	var totalWords int
	counts := make([]int, len(paras))
	for i, para := range paras {
		counts[i] = len(strings.Fields(para))
		totalWords += counts[i]
	}
	if totalWords == 0 {
		return nil, fmt.Errorf("op=planner.script: empty paragraphs: %w", domain.ErrPlanUnrealizable)
	}

	out := make([]interval, len(paras))
	cursor := 0.0
	for i, para := range paras {
		span := d * float64(counts[i]) / float64(totalWords)
		out[i] = interval{
			start:      cursor,
			end:        cursor + span,
			importance: span / d,
			paraHash:   domain.HashText(para),
			text:       para,
		}
		cursor += span
	}
	out[len(out)-1].end = d

	if job.Config.AISegmentMatching {
		chs, err := p.fetchChapters(ctx, job, d)
		if err != nil {
			return nil, err
		}
		snapToChapterEdges(out, chs)
	}
	return out, nil
}

// planFromChapters asks the chapter service for coarse chapters, merges
// runts forward and subdivides long chapters into the allowed band.
func (p *Planner) planFromChapters(ctx domain.Context, job domain.Job, d float64) ([]interval, error) {
	chs, err := p.fetchChapters(ctx, job, d)
	if err != nil {
		return nil, err
	}
	if len(chs) == 0 {
		chs = []domain.Chapter{{Start: 0, End: d, Importance: 1}}
	}
	chs = mergeSmallChapters(chs, p.cfg.MinSegmentSeconds)

	var out []interval
	for _, ch := range chs {
		span := ch.End - ch.Start
		if span < p.cfg.MinSegmentSeconds {
			continue
		}
		importance := ch.Importance
		if importance <= 0 {
			importance = span / d
		}
		parts := int(math.Ceil(span / p.cfg.MaxSegmentSeconds))
		if parts < 1 {
			parts = 1
		}
		step := span / float64(parts)
		for k := 0; k < parts; k++ {
			start := ch.Start + float64(k)*step
			end := start + step
			if k == parts-1 {
				end = ch.End
			}
			out = append(out, interval{start: start, end: end, importance: importance})
		}
	}
	return out, nil
}

func (p *Planner) fetchChapters(ctx domain.Context, job domain.Job, d float64) ([]domain.Chapter, error) {
	var chs []domain.Chapter
	err := p.gate.Do(ctx, config.ProviderChapters, func(ctx domain.Context) error {
		var err error
		chs, err = p.chapters.Chapters(ctx, job.SourceHandle, d)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("op=planner.chapters: %w", err)
	}
	sort.SliceStable(chs, func(i, j int) bool { return chs[i].Start < chs[j].Start })
	return chs, nil
}

// mergeSmallChapters folds chapters shorter than minSeg into their
// successor so no runt survives on its own.
func mergeSmallChapters(chs []domain.Chapter, minSeg float64) []domain.Chapter {
	var out []domain.Chapter
	var pending *domain.Chapter
	for i := range chs {
		ch := chs[i]
		if pending != nil {
			ch.Start = pending.Start
			if pending.Importance > ch.Importance {
				ch.Importance = pending.Importance
			}
			pending = nil
		}
		if ch.End-ch.Start < minSeg && i < len(chs)-1 {
			pending = &ch
			continue
		}
		out = append(out, ch)
	}
	return out
}

// snapToChapterEdges moves each interior boundary to the nearest chapter
// edge when one lies within a quarter of the interval on either side.
func snapToChapterEdges(ivs []interval, chs []domain.Chapter) {
	if len(chs) == 0 {
		return
	}
	edges := make([]float64, 0, len(chs))
	for _, ch := range chs {
		edges = append(edges, ch.End)
	}
	for i := 0; i < len(ivs)-1; i++ {
		boundary := ivs[i].end
		tolerance := (ivs[i].end - ivs[i].start) / 4
		best := boundary
		bestDist := tolerance
		for _, e := range edges {
			if dist := math.Abs(e - boundary); dist < bestDist && e > ivs[i].start && e < ivs[i+1].end {
				best, bestDist = e, dist
			}
		}
		ivs[i].end = best
		ivs[i+1].start = best
	}
}

// splitShortClips subdivides every interval into equal pieces no longer
// than maxClip.
func splitShortClips(ivs []interval, maxClip float64) []interval {
	var out []interval
	for _, iv := range ivs {
		span := iv.end - iv.start
		parts := int(math.Ceil(span / maxClip))
		if parts <= 1 {
			out = append(out, iv)
			continue
		}
		step := span / float64(parts)
		for k := 0; k < parts; k++ {
			start := iv.start + float64(k)*step
			end := start + step
			if k == parts-1 {
				end = iv.end
			}
			out = append(out, interval{
				start: start, end: end,
				importance: iv.importance,
				paraHash:   iv.paraHash,
				text:       iv.text,
			})
		}
	}
	return out
}

// selectForTarget keeps the most important intervals until the cumulative
// duration reaches the scaled target, then restores source order.
func (p *Planner) selectForTarget(ivs []interval, targetSeconds, sourceSeconds float64) ([]interval, error) {
	if targetSeconds > sourceSeconds {
		return nil, fmt.Errorf("op=planner.target: target %.0fs exceeds source %.0fs: %w",
			targetSeconds, sourceSeconds, domain.ErrPlanUnrealizable)
	}
	budget := targetSeconds * p.cfg.TargetOverrun

	order := make([]int, len(ivs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if ivs[order[a]].importance != ivs[order[b]].importance {
			return ivs[order[a]].importance > ivs[order[b]].importance
		}
		return order[a] < order[b]
	})

	keep := make(map[int]bool, len(ivs))
	var cumulative float64
	for _, idx := range order {
		if cumulative >= budget {
			break
		}
		keep[idx] = true
		cumulative += ivs[idx].end - ivs[idx].start
	}

	var out []interval
	for i, iv := range ivs {
		if keep[i] {
			out = append(out, iv)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("op=planner.target: nothing selected: %w", domain.ErrPlanUnrealizable)
	}
	return out, nil
}

// splitParagraphs splits a script on blank lines.
func splitParagraphs(script string) []string {
	var out []string
	for _, block := range strings.Split(strings.ReplaceAll(script, "\r\n", "\n"), "\n\n") {
		if trimmed := strings.TrimSpace(block); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
