package usecase

import (
	"fmt"

	"github.com/recaplab/recap-engine/internal/domain"
)

// CancelService handles user-initiated cancellation.
type CancelService struct {
	Jobs domain.JobStore
	Bus  domain.ProgressPublisher
}

// NewCancelService constructs a CancelService.
func NewCancelService(jobs domain.JobStore, bus domain.ProgressPublisher) CancelService {
	return CancelService{Jobs: jobs, Bus: bus}
}

// Cancel requests cancellation of the owner's job. Terminal jobs are a
// no-op. An unclaimed pending job cancels immediately; anything in flight
// is flagged and the owning worker drains it.
func (s CancelService) Cancel(ctx domain.Context, ownerID, jobID string) error {
	j, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.OwnerID != ownerID {
		return fmt.Errorf("op=cancel: %w", domain.ErrNotFound)
	}
	if j.Stage.Terminal() {
		return nil
	}
	if j.Stage == domain.StagePending && j.LeaseOwner == "" {
		out := domain.TerminalOutcome{
			Stage:       domain.StageCancelled,
			CurrentStep: "Cancelled",
			Err:         &domain.JobError{Kind: domain.KindCancelled, Message: "cancelled before processing"},
		}
		if err := s.Jobs.MarkTerminal(ctx, jobID, out); err != nil {
			return err
		}
		s.Bus.Publish(domain.ProgressEvent{
			JobID:         jobID,
			Stage:         domain.StageCancelled,
			Progress:      j.Progress,
			CurrentStep:   "Cancelled",
			TerminalError: out.Err,
		})
		s.Bus.Close(jobID)
		return nil
	}
	return s.Jobs.RequestCancel(ctx, jobID)
}
