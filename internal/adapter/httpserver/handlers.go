package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/recaplab/recap-engine/internal/config"
	"github.com/recaplab/recap-engine/internal/domain"
	"github.com/recaplab/recap-engine/internal/usecase"
)

// outputURLTTL bounds how long a presigned recap link stays valid.
const outputURLTTL = 10 * time.Minute

// ProgressSubscriber is the read side of the progress bus.
type ProgressSubscriber interface {
	Subscribe(jobID string, afterSeq uint64) (<-chan domain.ProgressEvent, func())
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Uploads    usecase.UploadService
	Admit      usecase.AdmitService
	Status     usecase.StatusService
	Cancel     usecase.CancelService
	Quota      usecase.QuotaService
	Bus        ProgressSubscriber
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs a Server with all handlers wired.
func NewServer(cfg config.Config, uploads usecase.UploadService, admit usecase.AdmitService,
	status usecase.StatusService, cancel usecase.CancelService, quota usecase.QuotaService,
	bus ProgressSubscriber) *Server {
	return &Server{Cfg: cfg, Uploads: uploads, Admit: admit, Status: status, Cancel: cancel, Quota: quota, Bus: bus}
}

// ownerID reads the identity the fronting gateway established.
func ownerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

// jobView is the public snapshot of a job; lease and concurrency internals
// never leave the server.
type jobView struct {
	ID                    string           `json:"id"`
	Stage                 domain.Stage     `json:"stage"`
	Progress              float64          `json:"progress"`
	CurrentStep           string           `json:"current_step"`
	PlannedSegments       int              `json:"planned_segments"`
	CompletedSegments     int              `json:"completed_segments"`
	SourceDurationSeconds float64          `json:"source_duration_seconds,omitempty"`
	OutputDurationSeconds float64          `json:"output_duration_seconds,omitempty"`
	Error                 *domain.JobError `json:"error,omitempty"`
	RetryOf               string           `json:"retry_of,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

func viewOf(j domain.Job) jobView {
	return jobView{
		ID:                    j.ID,
		Stage:                 j.Stage,
		Progress:              j.Progress,
		CurrentStep:           j.CurrentStep,
		PlannedSegments:       j.PlannedSegments,
		CompletedSegments:     j.CompletedSegments,
		SourceDurationSeconds: j.SourceDurationSeconds,
		OutputDurationSeconds: j.OutputDurationSeconds,
		Error:                 j.Err,
		RetryOf:               j.RetryOf,
		CreatedAt:             j.CreatedAt,
		UpdatedAt:             j.UpdatedAt,
	}
}

// UploadHandler ingests a multipart source video.
func (s *Server) UploadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			writeError(w, r, fmt.Errorf("op=http.upload: %w", domain.ErrUnauthenticated))
			return
		}
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidInput))
			return
		}
		maxBytes := s.Cfg.MaxUploadMB * 1024 * 1024
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1024)
		mr, err := r.MultipartReader()
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
			return
		}
		for {
			part, err := mr.NextPart()
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: file field required", domain.ErrInvalidInput))
				return
			}
			if part.FormName() != "file" {
				_ = part.Close()
				continue
			}
			handle, err := s.Uploads.Ingest(r.Context(), owner, part.FileName(), part)
			_ = part.Close()
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]string{"source_handle": handle})
			return
		}
	}
}

// CreateJobHandler admits a new recap job.
func (s *Server) CreateJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req usecase.AdmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
			return
		}
		j, err := s.Admit.Admit(r.Context(), ownerID(r), req, r.Header.Get("Idempotency-Key"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, viewOf(j))
	}
}

// RetryJobHandler re-admits a failed job as a new one.
func (s *Server) RetryJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, err := s.Admit.Retry(r.Context(), ownerID(r), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, viewOf(j))
	}
}

// ListJobsHandler returns the caller's jobs, newest first.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))
		jobs, err := s.Status.List(r.Context(), ownerID(r), domain.Stage(q.Get("stage")), limit, offset)
		if err != nil {
			writeError(w, r, err)
			return
		}
		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, viewOf(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
	}
}

// GetJobHandler returns one job snapshot.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			writeError(w, r, fmt.Errorf("op=http.get_job: %w", domain.ErrUnauthenticated))
			return
		}
		j, err := s.Status.Get(r.Context(), owner, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(j))
	}
}

// CancelJobHandler requests cancellation; repeating it is harmless.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			writeError(w, r, fmt.Errorf("op=http.cancel: %w", domain.ErrUnauthenticated))
			return
		}
		if err := s.Cancel.Cancel(r.Context(), owner, chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
	}
}

// OutputHandler presigns the finished recap for download.
func (s *Server) OutputHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			writeError(w, r, fmt.Errorf("op=http.output: %w", domain.ErrUnauthenticated))
			return
		}
		url, err := s.Status.OutputURL(r.Context(), owner, chi.URLParam(r, "id"), outputURLTTL)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"url":                url,
			"expires_in_seconds": int(outputURLTTL.Seconds()),
		})
	}
}

// QuotaHandler returns the caller's balance for the current period.
func (s *Server) QuotaHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := s.Quota.Summary(r.Context(), ownerID(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes the hard dependencies.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name string `json:"name"`
		OK   bool   `json:"ok"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		var checks []check
		allOK := true
		for name, probe := range map[string]func(context.Context) error{"db": s.DBCheck, "redis": s.RedisCheck} {
			if probe == nil {
				continue
			}
			ok := probe(ctx) == nil
			allOK = allOK && ok
			checks = append(checks, check{Name: name, OK: ok})
		}
		status := http.StatusOK
		if !allOK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": allOK, "checks": checks})
	}
}
