package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recaplab/recap-engine/internal/adapter/repo/memory"
	"github.com/recaplab/recap-engine/internal/domain"
)

func stage(s domain.Stage) *domain.Stage { return &s }
func f64(v float64) *float64             { return &v }
func i(v int) *int                       { return &v }

func TestJobStore_CreateGet(t *testing.T) {
	t.Parallel()
	s := memory.NewJobStore()
	ctx := context.Background()

	id, err := s.Create(ctx, domain.Job{OwnerID: "u1", SourceHandle: "mem://src"})
	require.NoError(t, err)

	j, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StagePending, j.Stage)
	assert.EqualValues(t, 1, j.Revision)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobStore_ClaimPrefersPriorityThenOldest(t *testing.T) {
	t.Parallel()
	s := memory.NewJobStore()
	ctx := context.Background()

	now := time.Now()
	s.SetClock(func() time.Time { return now })
	a, _ := s.Create(ctx, domain.Job{OwnerID: "u1"})
	_ = a
	now = now.Add(time.Second)
	b, _ := s.Create(ctx, domain.Job{OwnerID: "u1", Priority: true})

	j, ok, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b, j.ID, "priority job claimed first")

	j2, ok, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a, j2.ID)

	_, ok, err = s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJobStore_Update_RevisionCASAndMonotonicity(t *testing.T) {
	t.Parallel()
	s := memory.NewJobStore()
	ctx := context.Background()
	id, _ := s.Create(ctx, domain.Job{OwnerID: "u1"})

	j, err := s.Update(ctx, id, 1, domain.JobPatch{Stage: stage(domain.StageReserving), Progress: f64(2)})
	require.NoError(t, err)
	assert.EqualValues(t, 2, j.Revision)
	assert.InDelta(t, 2, j.Progress, 1e-9)

	// Stale revision conflicts.
	_, err = s.Update(ctx, id, 1, domain.JobPatch{Progress: f64(50)})
	assert.ErrorIs(t, err, domain.ErrConflict)

	// Progress never regresses; completed never regresses.
	j, err = s.Update(ctx, id, j.Revision, domain.JobPatch{Progress: f64(40), CompletedSegments: i(7)})
	require.NoError(t, err)
	j, err = s.Update(ctx, id, j.Revision, domain.JobPatch{Progress: f64(30), CompletedSegments: i(3)})
	require.NoError(t, err)
	assert.InDelta(t, 40, j.Progress, 1e-9)
	assert.Equal(t, 7, j.CompletedSegments)
}

func TestJobStore_TerminalGuard(t *testing.T) {
	t.Parallel()
	s := memory.NewJobStore()
	ctx := context.Background()
	id, _ := s.Create(ctx, domain.Job{OwnerID: "u1"})

	require.NoError(t, s.MarkTerminal(ctx, id, domain.TerminalOutcome{
		Stage:                 domain.StageCompleted,
		OutputHandle:          "mem://out",
		OutputDurationSeconds: 360,
		CurrentStep:           "Complete",
	}))

	j, _ := s.Get(ctx, id)
	assert.InDelta(t, 100, j.Progress, 1e-9)
	assert.True(t, j.TerminalCommitted)

	// Further updates are rejected, repeat mark of the same stage is a no-op,
	// conflicting terminal stage is an error.
	_, err := s.Update(ctx, id, j.Revision, domain.JobPatch{Progress: f64(10)})
	assert.ErrorIs(t, err, domain.ErrTerminal)
	assert.NoError(t, s.MarkTerminal(ctx, id, domain.TerminalOutcome{Stage: domain.StageCompleted}))
	assert.ErrorIs(t, s.MarkTerminal(ctx, id, domain.TerminalOutcome{Stage: domain.StageFailed}), domain.ErrTerminal)
}

func TestJobStore_LeaseRecovery(t *testing.T) {
	t.Parallel()
	s := memory.NewJobStore()
	ctx := context.Background()
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	id, _ := s.Create(ctx, domain.Job{OwnerID: "u1"})
	j, ok, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.Update(ctx, id, j.Revision, domain.JobPatch{Stage: stage(domain.StageSegments)})
	require.NoError(t, err)

	// Lease held: nothing to recover, renewal works.
	got, err := s.ListPendingForRecovery(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, s.RenewLease(ctx, id, "w1", time.Minute))
	assert.ErrorIs(t, s.RenewLease(ctx, id, "w2", time.Minute), domain.ErrLeaseLost)

	// Lease expired: job shows up and can be reclaimed by another worker.
	now = now.Add(2 * time.Minute)
	got, err = s.ListPendingForRecovery(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)

	rj, err := s.Reclaim(ctx, id, "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "w2", rj.LeaseOwner)

	// Fresh lease blocks a second reclaim.
	_, err = s.Reclaim(ctx, id, "w3", time.Minute)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestJobStore_ListAndPurge(t *testing.T) {
	t.Parallel()
	s := memory.NewJobStore()
	ctx := context.Background()
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	a, _ := s.Create(ctx, domain.Job{OwnerID: "u1"})
	now = now.Add(time.Second)
	b, _ := s.Create(ctx, domain.Job{OwnerID: "u1"})
	_, _ = s.Create(ctx, domain.Job{OwnerID: "u2"})

	jobs, err := s.List(ctx, "u1", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, b, jobs[0].ID, "newest first")

	jobs, err = s.List(ctx, "u1", "", 1, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, a, jobs[0].ID)

	require.NoError(t, s.MarkTerminal(ctx, a, domain.TerminalOutcome{Stage: domain.StageFailed}))
	now = now.Add(48 * time.Hour)
	n, err := s.PurgeTerminalBefore(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = s.Get(ctx, a)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
