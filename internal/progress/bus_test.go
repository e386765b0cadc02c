package progress_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recaplab/recap-engine/internal/domain"
	"github.com/recaplab/recap-engine/internal/progress"
)

func publishN(b *progress.Bus, jobID string, n int) {
	for i := 0; i < n; i++ {
		b.Publish(domain.ProgressEvent{JobID: jobID, Stage: domain.StageSegments, Progress: float64(i)})
	}
}

func TestPublish_SequencesStrictlyIncrease(t *testing.T) {
	t.Parallel()
	b := progress.NewBus()
	ch, cancel := b.Subscribe("j1", 0)
	defer cancel()

	publishN(b, "j1", 5)

	var last uint64
	for i := 0; i < 5; i++ {
		ev := <-ch
		assert.Greater(t, ev.Sequence, last)
		last = ev.Sequence
	}
	assert.EqualValues(t, 5, last)
}

func TestSubscribe_ReplaysRingAfterSeq(t *testing.T) {
	t.Parallel()
	b := progress.NewBus()
	publishN(b, "j1", 10)

	ch, cancel := b.Subscribe("j1", 7)
	defer cancel()

	ev := <-ch
	assert.EqualValues(t, 8, ev.Sequence)
	ev = <-ch
	assert.EqualValues(t, 9, ev.Sequence)
	ev = <-ch
	assert.EqualValues(t, 10, ev.Sequence)
}

func TestSubscribe_RingBounded(t *testing.T) {
	t.Parallel()
	b := progress.NewBus()
	publishN(b, "j1", progress.RingSize+20)

	ch, cancel := b.Subscribe("j1", 0)
	defer cancel()

	// The whole ring replays: oldest surviving event first, nothing older.
	ev := <-ch
	assert.EqualValues(t, 21, ev.Sequence)
	for i := 0; i < progress.RingSize-1; i++ {
		ev = <-ch
	}
	assert.EqualValues(t, progress.RingSize+20, ev.Sequence)
}

func TestSubscribe_ReplaysTailLargerThanLiveBuffer(t *testing.T) {
	t.Parallel()
	b := progress.NewBus()
	publishN(b, "j1", 40)

	// A reconnect with an old after_seq gets every ring-resident event it
	// missed, in order, without reading concurrently.
	ch, cancel := b.Subscribe("j1", 2)
	defer cancel()
	for want := uint64(3); want <= 40; want++ {
		ev := <-ch
		assert.Equal(t, want, ev.Sequence)
	}
}

func TestIngest_PreservesSequenceAndDedupes(t *testing.T) {
	t.Parallel()
	b := progress.NewBus()
	ch, cancel := b.Subscribe("j1", 0)
	defer cancel()

	b.Ingest(domain.ProgressEvent{JobID: "j1", Sequence: 7, Progress: 10})
	b.Ingest(domain.ProgressEvent{JobID: "j1", Sequence: 7, Progress: 10})
	b.Ingest(domain.ProgressEvent{JobID: "j1", Sequence: 8, Progress: 20})

	ev := <-ch
	assert.EqualValues(t, 7, ev.Sequence)
	ev = <-ch
	assert.EqualValues(t, 8, ev.Sequence)

	// Local publishing continues past the ingested high-water mark.
	b.Publish(domain.ProgressEvent{JobID: "j1", Progress: 30})
	ev = <-ch
	assert.EqualValues(t, 9, ev.Sequence)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected event: seq %d", extra.Sequence)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_DropsSlowSubscriber(t *testing.T) {
	t.Parallel()
	b := progress.NewBus()
	ch, cancel := b.Subscribe("j1", 0)
	defer cancel()

	// Never read: overflow the buffer so the bus drops us.
	publishN(b, "j1", 64)

	deadline := time.After(time.Second)
	var closed bool
	for !closed {
		select {
		case _, ok := <-ch:
			if !ok {
				closed = true
			}
		case <-deadline:
			t.Fatal("slow subscriber was not dropped")
		}
	}
}

func TestClose_ClosesSubscribersAndKeepsTail(t *testing.T) {
	t.Parallel()
	b := progress.NewBus()
	ch, cancel := b.Subscribe("j1", 0)
	defer cancel()

	publishN(b, "j1", 3)
	b.Close("j1")

	var got int
	for range ch {
		got++
	}
	assert.Equal(t, 3, got)

	// Late subscriber still sees the tail, then an immediately closed channel.
	late, _ := b.Subscribe("j1", 1)
	var lateEvents []domain.ProgressEvent
	for ev := range late {
		lateEvents = append(lateEvents, ev)
	}
	require.Len(t, lateEvents, 2)
	assert.EqualValues(t, 2, lateEvents[0].Sequence)

	// Publishing after close is a no-op.
	b.Publish(domain.ProgressEvent{JobID: "j1"})
}

func TestForget_RemovesTopic(t *testing.T) {
	t.Parallel()
	b := progress.NewBus()
	ch, _ := b.Subscribe("j1", 0)
	publishN(b, "j1", 2)
	b.Forget("j1")
	// Drain: two events then close.
	var n int
	for range ch {
		n++
	}
	assert.Equal(t, 2, n)
	// New topic starts sequences over.
	ch2, cancel := b.Subscribe("j1", 0)
	defer cancel()
	b.Publish(domain.ProgressEvent{JobID: "j1"})
	ev := <-ch2
	assert.EqualValues(t, 1, ev.Sequence)
}
