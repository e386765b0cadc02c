package memory

import (
	"fmt"
	"sync"

	"github.com/recaplab/recap-engine/internal/domain"
)

// SegmentStore is an in-memory domain.SegmentStore.
type SegmentStore struct {
	mu    sync.Mutex
	plans map[string][]domain.Segment
}

// NewSegmentStore constructs an empty store.
func NewSegmentStore() *SegmentStore {
	return &SegmentStore{plans: make(map[string][]domain.Segment)}
}

// ReplacePlan installs the full ordered plan for a job.
func (s *SegmentStore) ReplacePlan(_ domain.Context, jobID string, segs []domain.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]domain.Segment, len(segs))
	copy(cp, segs)
	s.plans[jobID] = cp
	return nil
}

// ListByJob returns the plan in index order.
func (s *SegmentStore) ListByJob(_ domain.Context, jobID string) ([]domain.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	segs, ok := s.plans[jobID]
	if !ok {
		return nil, nil
	}
	out := make([]domain.Segment, len(segs))
	copy(out, segs)
	return out, nil
}

func (s *SegmentStore) seg(jobID string, index int) (*domain.Segment, error) {
	segs, ok := s.plans[jobID]
	if !ok || index < 0 || index >= len(segs) {
		return nil, fmt.Errorf("op=segment.get: job %s index %d: %w", jobID, index, domain.ErrNotFound)
	}
	return &segs[index], nil
}

// UpdateStatus moves a segment through its lifecycle.
func (s *SegmentStore) UpdateStatus(_ domain.Context, jobID string, index int, st domain.SegmentStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, err := s.seg(jobID, index)
	if err != nil {
		return err
	}
	seg.Status = st
	seg.ErrMessage = errMsg
	return nil
}

// SetResult records a finished segment.
func (s *SegmentStore) SetResult(_ domain.Context, jobID string, index int, res domain.SegmentResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, err := s.seg(jobID, index)
	if err != nil {
		return err
	}
	seg.Text = res.Text
	seg.AudioHandle = res.AudioHandle
	seg.SpeedFactor = res.SpeedFactor
	seg.Status = domain.SegmentDone
	seg.ErrMessage = ""
	return nil
}
