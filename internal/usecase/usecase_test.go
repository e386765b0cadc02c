package usecase_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recaplab/recap-engine/internal/adapter/blob/memblob"
	"github.com/recaplab/recap-engine/internal/adapter/repo/memory"
	"github.com/recaplab/recap-engine/internal/domain"
	"github.com/recaplab/recap-engine/internal/progress"
	"github.com/recaplab/recap-engine/internal/usecase"
)

func uploadSource(t *testing.T, blobs *memblob.Store) string {
	t.Helper()
	handle, err := blobs.Put(context.Background(), "sources/u1/src.mp4", strings.NewReader("src"), "video/mp4")
	require.NoError(t, err)
	return handle
}

func TestAdmit_CreatesPendingJob(t *testing.T) {
	t.Parallel()
	jobs, blobs := memory.NewJobStore(), memblob.New()
	svc := usecase.NewAdmitService(jobs, blobs)
	handle := uploadSource(t, blobs)

	j, err := svc.Admit(context.Background(), "u1", usecase.AdmitRequest{
		SourceHandle:          handle,
		TargetDurationMinutes: 5,
		SeriesID:              "my-show-2",
	}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, domain.StagePending, j.Stage)
	assert.Equal(t, "u1", j.OwnerID)
	assert.InDelta(t, 5, j.Config.TargetDurationMinutes, 1e-9)
}

func TestAdmit_Validation(t *testing.T) {
	t.Parallel()
	jobs, blobs := memory.NewJobStore(), memblob.New()
	svc := usecase.NewAdmitService(jobs, blobs)
	handle := uploadSource(t, blobs)

	cases := []struct {
		name  string
		owner string
		req   usecase.AdmitRequest
		want  error
	}{
		{"missing owner", "", usecase.AdmitRequest{SourceHandle: handle}, domain.ErrUnauthenticated},
		{"missing handle", "u1", usecase.AdmitRequest{}, domain.ErrInvalidInput},
		{"unknown handle", "u1", usecase.AdmitRequest{SourceHandle: "mem://nope"}, domain.ErrInvalidInput},
		{"negative target", "u1", usecase.AdmitRequest{SourceHandle: handle, TargetDurationMinutes: -1}, domain.ErrInvalidInput},
		{"bad series id", "u1", usecase.AdmitRequest{SourceHandle: handle, SeriesID: "My Show!"}, domain.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Admit(context.Background(), tc.owner, tc.req, "")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestAdmit_IdempotencyKeyReturnsSameJob(t *testing.T) {
	t.Parallel()
	jobs, blobs := memory.NewJobStore(), memblob.New()
	svc := usecase.NewAdmitService(jobs, blobs)
	handle := uploadSource(t, blobs)
	req := usecase.AdmitRequest{SourceHandle: handle}

	first, err := svc.Admit(context.Background(), "u1", req, "idem-1")
	require.NoError(t, err)
	second, err := svc.Admit(context.Background(), "u1", req, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	third, err := svc.Admit(context.Background(), "u1", req, "idem-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestRetry_ReAdmitsFailedJob(t *testing.T) {
	t.Parallel()
	jobs, blobs := memory.NewJobStore(), memblob.New()
	svc := usecase.NewAdmitService(jobs, blobs)
	handle := uploadSource(t, blobs)
	ctx := context.Background()

	old, err := svc.Admit(ctx, "u1", usecase.AdmitRequest{
		SourceHandle:          handle,
		TargetDurationMinutes: 3,
		Priority:              true,
	}, "")
	require.NoError(t, err)
	require.NoError(t, jobs.MarkTerminal(ctx, old.ID, domain.TerminalOutcome{
		Stage:       domain.StageFailed,
		CurrentStep: "Failed",
		Err:         &domain.JobError{Kind: domain.KindProviderTransient, Message: "tts unavailable", Retriable: true},
	}))

	fresh, err := svc.Retry(ctx, "u1", old.ID)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Equal(t, domain.StagePending, fresh.Stage)
	assert.Equal(t, old.ID, fresh.RetryOf)
	assert.Equal(t, old.SourceHandle, fresh.SourceHandle)
	assert.True(t, fresh.Priority)
	assert.InDelta(t, 3, fresh.Config.TargetDurationMinutes, 1e-9)
	assert.Nil(t, fresh.Err)
}

func TestRetry_RejectsNonFailedAndForeignJobs(t *testing.T) {
	t.Parallel()
	jobs, blobs := memory.NewJobStore(), memblob.New()
	svc := usecase.NewAdmitService(jobs, blobs)
	handle := uploadSource(t, blobs)
	ctx := context.Background()

	j, err := svc.Admit(ctx, "u1", usecase.AdmitRequest{SourceHandle: handle}, "")
	require.NoError(t, err)

	_, err = svc.Retry(ctx, "u1", j.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.Retry(ctx, "u2", j.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.Retry(ctx, "u1", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStatus_OwnershipHidesForeignJobs(t *testing.T) {
	t.Parallel()
	jobs, blobs := memory.NewJobStore(), memblob.New()
	admit := usecase.NewAdmitService(jobs, blobs)
	status := usecase.NewStatusService(jobs, blobs)
	handle := uploadSource(t, blobs)

	j, err := admit.Admit(context.Background(), "u1", usecase.AdmitRequest{SourceHandle: handle}, "")
	require.NoError(t, err)

	got, err := status.Get(context.Background(), "u1", j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)

	_, err = status.Get(context.Background(), "u2", j.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStatus_OutputURLRequiresCompletion(t *testing.T) {
	t.Parallel()
	jobs, blobs := memory.NewJobStore(), memblob.New()
	admit := usecase.NewAdmitService(jobs, blobs)
	status := usecase.NewStatusService(jobs, blobs)
	handle := uploadSource(t, blobs)
	ctx := context.Background()

	j, err := admit.Admit(ctx, "u1", usecase.AdmitRequest{SourceHandle: handle}, "")
	require.NoError(t, err)

	_, err = status.OutputURL(ctx, "u1", j.ID, 10*time.Minute)
	assert.ErrorIs(t, err, domain.ErrConflict)

	out, err := blobs.Put(ctx, "jobs/"+j.ID+"/recap.mp4", strings.NewReader("mp4"), "video/mp4")
	require.NoError(t, err)
	require.NoError(t, jobs.MarkTerminal(ctx, j.ID, domain.TerminalOutcome{
		Stage:                 domain.StageCompleted,
		OutputHandle:          out,
		OutputDurationSeconds: 60,
		CurrentStep:           "Complete",
	}))

	url, err := status.OutputURL(ctx, "u1", j.ID, 10*time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, url)
}

func TestCancel_PendingJobCancelsImmediately(t *testing.T) {
	t.Parallel()
	jobs, blobs := memory.NewJobStore(), memblob.New()
	admit := usecase.NewAdmitService(jobs, blobs)
	cancel := usecase.NewCancelService(jobs, progress.NewBus())
	handle := uploadSource(t, blobs)
	ctx := context.Background()

	j, err := admit.Admit(ctx, "u1", usecase.AdmitRequest{SourceHandle: handle}, "")
	require.NoError(t, err)

	require.NoError(t, cancel.Cancel(ctx, "u1", j.ID))
	got, err := jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCancelled, got.Stage)
	require.NotNil(t, got.Err)
	assert.Equal(t, domain.KindCancelled, got.Err.Kind)

	// Repeat cancel is a no-op.
	require.NoError(t, cancel.Cancel(ctx, "u1", j.ID))
}

func TestCancel_InFlightJobIsFlagged(t *testing.T) {
	t.Parallel()
	jobs, blobs := memory.NewJobStore(), memblob.New()
	admit := usecase.NewAdmitService(jobs, blobs)
	cancel := usecase.NewCancelService(jobs, progress.NewBus())
	handle := uploadSource(t, blobs)
	ctx := context.Background()

	j, err := admit.Admit(ctx, "u1", usecase.AdmitRequest{SourceHandle: handle}, "")
	require.NoError(t, err)
	_, ok, err := jobs.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, cancel.Cancel(ctx, "u1", j.ID))
	got, err := jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.False(t, got.Stage.Terminal())
}

func TestUpload_StoresVideo(t *testing.T) {
	t.Parallel()
	blobs := memblob.New()
	svc := usecase.NewUploadService(blobs, 1<<20)

	// Minimal MP4: ftyp box at offset 4.
	body := append([]byte{0, 0, 0, 24, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'}, make([]byte, 64)...)
	handle, err := svc.Ingest(context.Background(), "u1", "clip.mp4", strings.NewReader(string(body)))
	require.NoError(t, err)
	assert.NotEmpty(t, handle)

	rc, err := blobs.Get(context.Background(), handle)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
}

func TestUpload_RejectsNonVideo(t *testing.T) {
	t.Parallel()
	svc := usecase.NewUploadService(memblob.New(), 1<<20)
	_, err := svc.Ingest(context.Background(), "u1", "notes.txt", strings.NewReader("plain text, not a video"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestUpload_RejectsOversizeBody(t *testing.T) {
	t.Parallel()
	svc := usecase.NewUploadService(memblob.New(), 64)
	body := append([]byte{0, 0, 0, 24, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'}, make([]byte, 4096)...)
	_, err := svc.Ingest(context.Background(), "u1", "clip.mp4", strings.NewReader(string(body)))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestQuota_Summary(t *testing.T) {
	t.Parallel()
	ledger := memory.NewLedger()
	ledger.SetSubscription("u1", 60)
	ledger.SetUsed("u1", domain.PeriodOf(time.Now()), 12.5)
	require.NoError(t, ledger.TopUp(context.Background(), "u1", 30, "ref-1"))

	svc := usecase.NewQuotaService(ledger)
	sum, err := svc.Summary(context.Background(), "u1")
	require.NoError(t, err)
	assert.InDelta(t, 60, sum.SubscriptionMinutesLimit, 1e-9)
	assert.InDelta(t, 12.5, sum.SubscriptionMinutesUsed, 1e-9)
	assert.InDelta(t, 30, sum.TopUpMinutesRemaining, 1e-9)
	assert.InDelta(t, 77.5, sum.AvailableMinutes, 1e-9)

	_, err = svc.Summary(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}
