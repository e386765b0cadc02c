// Package memory holds in-memory implementations of the persistence ports.
// They carry the same semantics as the postgres adapters (terminal guard,
// revision CAS, monotone progress) and back dev mode and engine tests.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recaplab/recap-engine/internal/domain"
)

// JobStore is an in-memory domain.JobStore.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

// NewJobStore constructs an empty store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*domain.Job), now: time.Now}
}

// SetClock overrides the store clock (tests).
func (s *JobStore) SetClock(now func() time.Time) { s.now = now }

// Create inserts a new job and returns its id.
func (s *JobStore) Create(_ domain.Context, j domain.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if _, ok := s.jobs[j.ID]; ok {
		return "", fmt.Errorf("op=job.create: %w", domain.ErrConflict)
	}
	if j.Stage == "" {
		j.Stage = domain.StagePending
	}
	now := s.now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	j.Revision = 1
	cp := j
	s.jobs[j.ID] = &cp
	return j.ID, nil
}

// Get loads a job by id.
func (s *JobStore) Get(_ domain.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return *j, nil
}

// FindByIdemKey returns the job admitted under the idempotency key.
func (s *JobStore) FindByIdemKey(_ domain.Context, key string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.IdemKey != nil && *j.IdemKey == key {
			return *j, nil
		}
	}
	return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", domain.ErrNotFound)
}

// List returns the owner's jobs, newest first, optionally filtered by stage.
func (s *JobStore) List(_ domain.Context, ownerID string, stage domain.Stage, limit, offset int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.OwnerID != ownerID {
			continue
		}
		if stage != "" && j.Stage != stage {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claim leases the oldest claimable pending job, priority rows first.
func (s *JobStore) Claim(_ domain.Context, workerID string, lease time.Duration) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	var pick *domain.Job
	for _, j := range s.jobs {
		if j.Stage != domain.StagePending || j.LeaseExpiresAt.After(now) {
			continue
		}
		if pick == nil ||
			(j.Priority && !pick.Priority) ||
			(j.Priority == pick.Priority && j.CreatedAt.Before(pick.CreatedAt)) {
			pick = j
		}
	}
	if pick == nil {
		return domain.Job{}, false, nil
	}
	pick.LeaseOwner = workerID
	pick.LeaseExpiresAt = now.Add(lease)
	pick.UpdatedAt = now
	pick.Revision++
	return *pick, true, nil
}

// RenewLease extends the worker's claim; losing the lease is an error.
func (s *JobStore) RenewLease(_ domain.Context, jobID, workerID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("op=job.renew_lease: %w", domain.ErrNotFound)
	}
	if j.LeaseOwner != workerID {
		return fmt.Errorf("op=job.renew_lease: %w", domain.ErrLeaseLost)
	}
	j.LeaseExpiresAt = s.now().UTC().Add(lease)
	return nil
}

// Update applies an optimistic-concurrency patch.
func (s *JobStore) Update(_ domain.Context, jobID string, revision int64, patch domain.JobPatch) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.update: %w", domain.ErrNotFound)
	}
	if j.Stage.Terminal() {
		return domain.Job{}, fmt.Errorf("op=job.update: %w", domain.ErrTerminal)
	}
	if j.Revision != revision {
		return domain.Job{}, fmt.Errorf("op=job.update: %w", domain.ErrConflict)
	}
	applyPatch(j, patch)
	j.Revision++
	j.UpdatedAt = s.now().UTC()
	return *j, nil
}

func applyPatch(j *domain.Job, p domain.JobPatch) {
	if p.Stage != nil {
		j.Stage = *p.Stage
	}
	if p.Progress != nil && *p.Progress > j.Progress {
		j.Progress = *p.Progress
	}
	if p.CurrentStep != nil {
		j.CurrentStep = *p.CurrentStep
	}
	if p.PlannedSegments != nil {
		j.PlannedSegments = *p.PlannedSegments
	}
	if p.CompletedSegments != nil && *p.CompletedSegments > j.CompletedSegments {
		j.CompletedSegments = *p.CompletedSegments
	}
	if p.SourceDurationSeconds != nil {
		j.SourceDurationSeconds = *p.SourceDurationSeconds
	}
	if p.OutputHandle != nil {
		j.OutputHandle = *p.OutputHandle
	}
	if p.OutputDurationSeconds != nil {
		j.OutputDurationSeconds = *p.OutputDurationSeconds
	}
	if p.ReservationID != nil {
		j.ReservationID = *p.ReservationID
	}
	if p.TerminalCommitted != nil {
		j.TerminalCommitted = *p.TerminalCommitted
	}
}

// MarkTerminal closes the job. Idempotent for an already-terminal job in
// the same stage; conflicting terminal stages are rejected.
func (s *JobStore) MarkTerminal(_ domain.Context, jobID string, out domain.TerminalOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("op=job.mark_terminal: %w", domain.ErrNotFound)
	}
	if j.Stage.Terminal() {
		if j.Stage == out.Stage {
			return nil
		}
		return fmt.Errorf("op=job.mark_terminal: %w", domain.ErrTerminal)
	}
	j.Stage = out.Stage
	j.Err = out.Err
	j.CurrentStep = out.CurrentStep
	if out.Stage == domain.StageCompleted {
		j.Progress = 100
		j.OutputHandle = out.OutputHandle
		j.OutputDurationSeconds = out.OutputDurationSeconds
		j.TerminalCommitted = true
	}
	j.LeaseOwner = ""
	j.LeaseExpiresAt = time.Time{}
	j.Revision++
	j.UpdatedAt = s.now().UTC()
	return nil
}

// RequestCancel flags a non-terminal job for cancellation.
func (s *JobStore) RequestCancel(_ domain.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("op=job.request_cancel: %w", domain.ErrNotFound)
	}
	if j.Stage.Terminal() {
		return nil
	}
	if !j.CancelRequested {
		j.CancelRequested = true
		j.UpdatedAt = s.now().UTC()
	}
	return nil
}

// ListPendingForRecovery returns non-terminal jobs with an expired lease
// that have left Pending (Pending rows are picked up by Claim).
func (s *JobStore) ListPendingForRecovery(_ domain.Context, now time.Time, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.Stage.Terminal() || j.Stage == domain.StagePending {
			continue
		}
		if j.LeaseExpiresAt.After(now) {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PurgeTerminalBefore removes terminal jobs older than cutoff.
func (s *JobStore) PurgeTerminalBefore(_ domain.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.Stage.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// Reclaim hands an expired-lease job to a new worker (recovery sweep).
func (s *JobStore) Reclaim(_ domain.Context, jobID, workerID string, lease time.Duration) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.reclaim: %w", domain.ErrNotFound)
	}
	now := s.now().UTC()
	if j.Stage.Terminal() {
		return domain.Job{}, fmt.Errorf("op=job.reclaim: %w", domain.ErrTerminal)
	}
	if j.LeaseExpiresAt.After(now) {
		return domain.Job{}, fmt.Errorf("op=job.reclaim: lease still held: %w", domain.ErrConflict)
	}
	j.LeaseOwner = workerID
	j.LeaseExpiresAt = now.Add(lease)
	j.Revision++
	j.UpdatedAt = now
	return *j, nil
}
