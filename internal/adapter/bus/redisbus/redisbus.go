// Package redisbus bridges job progress events between processes over
// Redis pub/sub. A worker tees its in-process bus onto a per-job channel;
// API replicas relay the frames into their own bus, so websocket
// subscribers stay live no matter which process runs the pipeline.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/recaplab/recap-engine/internal/domain"
	"github.com/recaplab/recap-engine/internal/progress"
)

const (
	channelPrefix  = "recap:progress:"
	publishTimeout = 2 * time.Second

	kindEvent = "event"
	kindClose = "close"
)

// frame is the wire envelope. Close frames carry only the job id.
type frame struct {
	Kind  string                `json:"kind"`
	JobID string                `json:"job_id"`
	Event *domain.ProgressEvent `json:"event,omitempty"`
}

// Tee implements domain.ProgressPublisher. Events hit the local bus first,
// which assigns the sequence, and the sequenced event is then broadcast so
// other processes replay it unchanged.
type Tee struct {
	bus    *progress.Bus
	client *redis.Client
}

// NewTee parses the Redis URL and returns a Tee over the given bus.
func NewTee(bus *progress.Bus, redisURL string) (*Tee, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=redisbus.tee: %w", err)
	}
	return NewTeeWithClient(bus, redis.NewClient(opts)), nil
}

// NewTeeWithClient wraps an existing client. Used by tests.
func NewTeeWithClient(bus *progress.Bus, c *redis.Client) *Tee {
	return &Tee{bus: bus, client: c}
}

// Publish delivers locally and broadcasts the sequenced event. A failed
// broadcast is logged and dropped; subscribers on other replicas resync
// from the store snapshot.
func (t *Tee) Publish(ev domain.ProgressEvent) {
	seqd := t.bus.Emit(ev)
	t.send(frame{Kind: kindEvent, JobID: seqd.JobID, Event: &seqd})
}

// Close closes the local topic and broadcasts terminality.
func (t *Tee) Close(jobID string) {
	t.bus.Close(jobID)
	t.send(frame{Kind: kindClose, JobID: jobID})
}

func (t *Tee) send(f frame) {
	raw, err := json.Marshal(f)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := t.client.Publish(ctx, channelPrefix+f.JobID, raw).Err(); err != nil {
		slog.Warn("progress broadcast failed", slog.String("job_id", f.JobID), slog.Any("error", err))
	}
}

// Relay consumes broadcast frames and feeds them into the local bus.
// Frames this process itself broadcast come back as duplicates and are
// discarded by the bus's sequence high-water mark.
type Relay struct {
	bus    *progress.Bus
	client *redis.Client
	ready  chan struct{}
}

// NewRelay parses the Redis URL and returns a Relay into the given bus.
func NewRelay(bus *progress.Bus, redisURL string) (*Relay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=redisbus.relay: %w", err)
	}
	return NewRelayWithClient(bus, redis.NewClient(opts)), nil
}

// NewRelayWithClient wraps an existing client. Used by tests.
func NewRelayWithClient(bus *progress.Bus, c *redis.Client) *Relay {
	return &Relay{bus: bus, client: c, ready: make(chan struct{})}
}

// Ready closes once the pattern subscription is confirmed.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// Run blocks relaying frames until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	sub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		slog.Error("progress relay subscribe failed", slog.Any("error", err))
		return
	}
	close(r.ready)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var f frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				slog.Warn("progress relay frame decode failed", slog.Any("error", err))
				continue
			}
			switch f.Kind {
			case kindEvent:
				if f.Event != nil {
					r.bus.Ingest(*f.Event)
				}
			case kindClose:
				r.bus.Close(f.JobID)
			}
		}
	}
}
