package redisbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recaplab/recap-engine/internal/adapter/bus/redisbus"
	"github.com/recaplab/recap-engine/internal/domain"
	"github.com/recaplab/recap-engine/internal/progress"
)

// bridge is one worker-side tee and one server-side relay sharing a
// miniredis, mirroring the split server/worker deployment.
type bridge struct {
	workerBus *progress.Bus
	serverBus *progress.Bus
	tee       *redisbus.Tee
}

func newBridge(t *testing.T) *bridge {
	t.Helper()
	mr := miniredis.RunT(t)
	b := &bridge{workerBus: progress.NewBus(), serverBus: progress.NewBus()}
	b.tee = redisbus.NewTeeWithClient(b.workerBus, redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	relay := redisbus.NewRelayWithClient(b.serverBus, redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go relay.Run(ctx)
	select {
	case <-relay.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not subscribe")
	}
	return b
}

func recvEvent(t *testing.T, ch <-chan domain.ProgressEvent) domain.ProgressEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed before event arrived")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return domain.ProgressEvent{}
}

func TestTee_DeliversToBothBuses(t *testing.T) {
	t.Parallel()
	b := newBridge(t)
	local, cancelLocal := b.workerBus.Subscribe("j1", 0)
	defer cancelLocal()
	remote, cancelRemote := b.serverBus.Subscribe("j1", 0)
	defer cancelRemote()

	for i := 1; i <= 3; i++ {
		b.tee.Publish(domain.ProgressEvent{
			JobID:       "j1",
			Stage:       domain.StageSegments,
			Progress:    float64(10 * i),
			CurrentStep: "Processing segments",
		})
	}

	for want := uint64(1); want <= 3; want++ {
		assert.Equal(t, want, recvEvent(t, local).Sequence)
	}
	// Relayed events keep the worker-assigned sequence.
	for want := uint64(1); want <= 3; want++ {
		ev := recvEvent(t, remote)
		assert.Equal(t, want, ev.Sequence)
		assert.Equal(t, domain.StageSegments, ev.Stage)
	}
}

func TestTee_CloseClosesRemoteTopic(t *testing.T) {
	t.Parallel()
	b := newBridge(t)
	remote, cancelRemote := b.serverBus.Subscribe("j1", 0)
	defer cancelRemote()

	b.tee.Publish(domain.ProgressEvent{JobID: "j1", Stage: domain.StageStitching, Progress: 90})
	b.tee.Close("j1")

	ev := recvEvent(t, remote)
	assert.Equal(t, domain.StageStitching, ev.Stage)

	select {
	case _, ok := <-remote:
		assert.False(t, ok, "expected remote channel to close")
	case <-time.After(2 * time.Second):
		t.Fatal("remote topic was not closed")
	}
}

func TestRelay_LateSubscriberReplaysRelayedTail(t *testing.T) {
	t.Parallel()
	b := newBridge(t)
	// Prime with a subscriber so relay delivery can be awaited.
	probeCh, cancelProbe := b.serverBus.Subscribe("j1", 0)
	defer cancelProbe()

	for i := 1; i <= 4; i++ {
		b.tee.Publish(domain.ProgressEvent{JobID: "j1", Stage: domain.StageSegments, Progress: float64(i)})
	}
	for i := 0; i < 4; i++ {
		recvEvent(t, probeCh)
	}

	// A reconnect against the server bus replays the relayed ring.
	late, cancelLate := b.serverBus.Subscribe("j1", 2)
	defer cancelLate()
	assert.EqualValues(t, 3, recvEvent(t, late).Sequence)
	assert.EqualValues(t, 4, recvEvent(t, late).Sequence)
}
