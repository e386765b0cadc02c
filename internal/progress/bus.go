// Package progress is the in-process fan-out of job progress events.
//
// Events are not persisted: the Job Store is the source of truth and a
// dropped subscriber resyncs from its snapshot. Each job keeps a bounded
// ring of recent events so reconnecting subscribers can replay the tail.
package progress

import (
	"sync"

	"github.com/recaplab/recap-engine/internal/adapter/observability"
	"github.com/recaplab/recap-engine/internal/domain"
)

const (
	// RingSize bounds the per-job replay tail.
	RingSize = 64
	// subscriberBuffer is each subscriber's channel depth; a subscriber
	// that falls this far behind is dropped rather than backpressuring
	// the controller.
	subscriberBuffer = 16
)

type subscriber struct {
	ch     chan domain.ProgressEvent
	cancel chan struct{}
}

type jobTopic struct {
	seq    uint64
	ring   []domain.ProgressEvent // at most RingSize, oldest first
	subs   map[*subscriber]struct{}
	closed bool
}

// Bus fans events out per job.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*jobTopic
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{topics: make(map[string]*jobTopic)}
}

func (b *Bus) topic(jobID string) *jobTopic {
	t, ok := b.topics[jobID]
	if !ok {
		t = &jobTopic{subs: make(map[*subscriber]struct{})}
		b.topics[jobID] = t
	}
	return t
}

// Publish assigns the next sequence number and fans the event out. Slow
// subscribers are dropped, never waited on.
func (b *Bus) Publish(ev domain.ProgressEvent) {
	b.Emit(ev)
}

// Emit is Publish returning the event with its assigned sequence, for
// publishers that forward events to other processes.
func (b *Bus) Emit(ev domain.ProgressEvent) domain.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(ev.JobID)
	if t.closed {
		return ev
	}
	t.seq++
	ev.Sequence = t.seq
	b.deliver(t, ev)
	return ev
}

// Ingest fans out an event already sequenced by another process, keeping
// the sender's sequence so after_seq replay stays consistent across
// replicas. Sequences at or below the topic's high-water mark are
// duplicates and ignored.
func (b *Bus) Ingest(ev domain.ProgressEvent) {
	if ev.Sequence == 0 {
		b.Emit(ev)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(ev.JobID)
	if t.closed || ev.Sequence <= t.seq {
		return
	}
	t.seq = ev.Sequence
	b.deliver(t, ev)
}

func (b *Bus) deliver(t *jobTopic, ev domain.ProgressEvent) {
	t.ring = append(t.ring, ev)
	if len(t.ring) > RingSize {
		t.ring = t.ring[len(t.ring)-RingSize:]
	}
	for s := range t.subs {
		select {
		case s.ch <- ev:
		default:
			delete(t.subs, s)
			close(s.ch)
			observability.SubscribersDroppedTotal.Inc()
		}
	}
}

// Subscribe registers a subscriber for jobID. Events in the ring newer than
// afterSeq are replayed first, then live events follow. The channel is
// sized to hold the whole qualifying tail plus live headroom, so replay
// never loses ring-resident events. The returned cancel func must be
// called when the subscriber goes away; the channel closes on cancel,
// drop, or Close of the job topic.
func (b *Bus) Subscribe(jobID string, afterSeq uint64) (<-chan domain.ProgressEvent, func()) {
	b.mu.Lock()
	t := b.topic(jobID)

	var replay []domain.ProgressEvent
	for _, ev := range t.ring {
		if ev.Sequence > afterSeq {
			replay = append(replay, ev)
		}
	}
	if t.closed {
		b.mu.Unlock()
		ch := make(chan domain.ProgressEvent, len(replay))
		for _, ev := range replay {
			ch <- ev
		}
		close(ch)
		return ch, func() {}
	}
	s := &subscriber{ch: make(chan domain.ProgressEvent, len(replay)+subscriberBuffer), cancel: make(chan struct{})}
	for _, ev := range replay {
		s.ch <- ev
	}
	t.subs[s] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[s]; ok {
			delete(t.subs, s)
			close(s.ch)
		}
	}
	return s.ch, cancel
}

// Close marks the job topic terminal and closes all subscriber channels.
// The ring survives so late subscribers still see the tail.
func (b *Bus) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[jobID]
	if !ok || t.closed {
		return
	}
	t.closed = true
	for s := range t.subs {
		delete(t.subs, s)
		close(s.ch)
	}
}

// Forget drops all state for a job (retention cleanup).
func (b *Bus) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[jobID]; ok {
		for s := range t.subs {
			delete(t.subs, s)
			close(s.ch)
		}
		delete(b.topics, jobID)
	}
}
