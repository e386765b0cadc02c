// Package usecase contains application business logic services.
package usecase

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/recaplab/recap-engine/internal/domain"
)

var seriesIDPattern = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)

// AdmitRequest is the admission payload after transport decoding.
type AdmitRequest struct {
	SourceHandle          string  `json:"source_handle" validate:"required"`
	TargetDurationMinutes float64 `json:"target_duration_minutes" validate:"gte=0"`
	Script                string  `json:"script" validate:"max=65536"`
	SeriesID              string  `json:"series_id"`
	CharacterGuide        string  `json:"character_guide" validate:"max=16384"`
	ShortClipMode         bool    `json:"short_clip_mode"`
	AISegmentMatching     bool    `json:"ai_segment_matching"`
	Priority              bool    `json:"priority"`
}

// AdmitService validates admission requests and creates pending jobs.
type AdmitService struct {
	Jobs     domain.JobStore
	Blobs    domain.BlobStore
	validate *validator.Validate
}

// NewAdmitService constructs an AdmitService with its dependencies.
func NewAdmitService(jobs domain.JobStore, blobs domain.BlobStore) AdmitService {
	return AdmitService{Jobs: jobs, Blobs: blobs, validate: validator.New()}
}

// Admit validates the request, resolves the idempotency key and creates a
// pending job. Re-admitting under the same key returns the original job.
func (s AdmitService) Admit(ctx domain.Context, ownerID string, req AdmitRequest, idemKey string) (domain.Job, error) {
	if ownerID == "" {
		return domain.Job{}, fmt.Errorf("op=admit: %w", domain.ErrUnauthenticated)
	}
	if err := s.validate.Struct(req); err != nil {
		return domain.Job{}, fmt.Errorf("op=admit: %w: %v", domain.ErrInvalidInput, err)
	}
	if req.SeriesID != "" && !seriesIDPattern.MatchString(req.SeriesID) {
		return domain.Job{}, fmt.Errorf("op=admit: %w: series_id must match [a-z0-9-]{1,64}", domain.ErrInvalidInput)
	}

	if idemKey != "" {
		if j, err := s.Jobs.FindByIdemKey(ctx, idemKey); err == nil {
			return j, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, err
		}
	}

	// The source must already be uploaded.
	rc, err := s.Blobs.Get(ctx, req.SourceHandle)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, fmt.Errorf("op=admit: unknown source handle: %w", domain.ErrInvalidInput)
		}
		return domain.Job{}, fmt.Errorf("op=admit: %w", err)
	}
	_ = rc.Close()

	j := domain.Job{
		OwnerID:      ownerID,
		SourceHandle: req.SourceHandle,
		Priority:     req.Priority,
		Config: domain.JobConfig{
			TargetDurationMinutes: req.TargetDurationMinutes,
			Script:                req.Script,
			SeriesID:              req.SeriesID,
			CharacterGuide:        req.CharacterGuide,
			ShortClipMode:         req.ShortClipMode,
			AISegmentMatching:     req.AISegmentMatching,
		},
	}
	if idemKey != "" {
		j.IdemKey = &idemKey
	}
	id, err := s.Jobs.Create(ctx, j)
	if err != nil {
		// A concurrent admit under the same key wins the unique index.
		if idemKey != "" && errors.Is(err, domain.ErrConflict) {
			if prior, ferr := s.Jobs.FindByIdemKey(ctx, idemKey); ferr == nil {
				return prior, nil
			}
		}
		return domain.Job{}, err
	}
	return s.Jobs.Get(ctx, id)
}

// Retry re-admits a failed job as a new pending job with the same source
// and configuration, linked back to the original. Only failed jobs
// qualify; anything else is rejected.
func (s AdmitService) Retry(ctx domain.Context, ownerID, jobID string) (domain.Job, error) {
	if ownerID == "" {
		return domain.Job{}, fmt.Errorf("op=retry: %w", domain.ErrUnauthenticated)
	}
	old, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if old.OwnerID != ownerID {
		return domain.Job{}, fmt.Errorf("op=retry: %w", domain.ErrNotFound)
	}
	if old.Stage != domain.StageFailed {
		return domain.Job{}, fmt.Errorf("op=retry: only failed jobs can be retried: %w", domain.ErrInvalidInput)
	}
	id, err := s.Jobs.Create(ctx, domain.Job{
		OwnerID:      ownerID,
		SourceHandle: old.SourceHandle,
		Priority:     old.Priority,
		Config:       old.Config,
		RetryOf:      old.ID,
	})
	if err != nil {
		return domain.Job{}, err
	}
	return s.Jobs.Get(ctx, id)
}
