package usecase

import (
	"fmt"
	"time"

	"github.com/recaplab/recap-engine/internal/domain"
)

// StatusService serves job snapshots, listings and output links.
type StatusService struct {
	Jobs  domain.JobStore
	Blobs domain.BlobStore
}

// NewStatusService constructs a StatusService.
func NewStatusService(jobs domain.JobStore, blobs domain.BlobStore) StatusService {
	return StatusService{Jobs: jobs, Blobs: blobs}
}

// Get returns the owner's job. Another owner's job reads as not found so
// job ids stay unguessable.
func (s StatusService) Get(ctx domain.Context, ownerID, jobID string) (domain.Job, error) {
	j, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.OwnerID != ownerID {
		return domain.Job{}, fmt.Errorf("op=status.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

// List returns the owner's jobs newest first.
func (s StatusService) List(ctx domain.Context, ownerID string, stage domain.Stage, limit, offset int) ([]domain.Job, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("op=status.list: %w", domain.ErrUnauthenticated)
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.Jobs.List(ctx, ownerID, stage, limit, offset)
}

// OutputURL presigns the completed recap for direct download.
func (s StatusService) OutputURL(ctx domain.Context, ownerID, jobID string, ttl time.Duration) (string, error) {
	j, err := s.Get(ctx, ownerID, jobID)
	if err != nil {
		return "", err
	}
	if j.Stage != domain.StageCompleted || j.OutputHandle == "" {
		return "", fmt.Errorf("op=status.output: job not completed: %w", domain.ErrConflict)
	}
	return s.Blobs.PresignGet(ctx, j.OutputHandle, ttl)
}
