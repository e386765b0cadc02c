// Package billing publishes signed completion notices to Kafka for the
// downstream billing system.
package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/recaplab/recap-engine/internal/domain"
)

// Producer wraps a Kafka producer and implements domain.BillingSink.
// Records are keyed by job id so the consumer can deduplicate replays.
type Producer struct {
	client *kgo.Client
	topic  string
	secret []byte
}

// NewProducer connects to the brokers. An empty secret disables signing.
func NewProducer(brokers []string, topic, signingSecret string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=billing.new: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=billing.new: %w", err)
	}
	return &Producer{client: client, topic: topic, secret: []byte(signingSecret)}, nil
}

// NewProducerWithClient wraps an existing client. Used by tests.
func NewProducerWithClient(client *kgo.Client, topic, signingSecret string) *Producer {
	return &Producer{client: client, topic: topic, secret: []byte(signingSecret)}
}

// CompletionNotice publishes the notice synchronously. The payload carries
// an HMAC-SHA256 signature header over the JSON body.
func (p *Producer) CompletionNotice(ctx domain.Context, n domain.CompletionNotice) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("op=billing.notice: %w", err)
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(n.JobID),
		Value: body,
	}
	if len(p.secret) > 0 {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{
			Key:   "x-signature",
			Value: []byte(Sign(p.secret, body)),
		})
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=billing.notice job_id=%s: %w", n.JobID, err)
	}
	slog.Info("completion notice published",
		slog.String("job_id", n.JobID),
		slog.String("billing_period", n.BillingPeriod),
		slog.Float64("billed_minutes", n.BilledMinutes))
	return nil
}

// Close flushes and releases the underlying client.
func (p *Producer) Close() { p.client.Close() }

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig matches the body. Consumers use it
// before trusting a notice.
func VerifySignature(secret, body []byte, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
