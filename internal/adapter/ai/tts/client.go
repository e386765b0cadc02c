// Package tts implements the speech-synthesis provider client.
package tts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/recaplab/recap-engine/internal/config"
	"github.com/recaplab/recap-engine/internal/domain"
	"github.com/recaplab/recap-engine/internal/gate"
)

// Client renders narration text to audio and stores it in the blob store.
// Callers go through the call gate for pacing and retries.
type Client struct {
	baseURL string
	apiKey  string
	blobs   domain.BlobStore
	hc      *http.Client
}

// New constructs a tts client.
func New(cfg config.Config, blobs domain.BlobStore) *Client {
	return &Client{
		baseURL: cfg.TTSBaseURL,
		apiKey:  cfg.TTSAPIKey,
		blobs:   blobs,
		hc:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

type synthesizePayload struct {
	Text string `json:"text"`
}

// Synthesize renders text and uploads the audio under the job's namespace.
// The provider reports the rendered duration in a response header.
func (c *Client) Synthesize(ctx domain.Context, jobID string, index int, text string) (domain.Synthesis, error) {
	body, err := json.Marshal(synthesizePayload{Text: text})
	if err != nil {
		return domain.Synthesis{}, fmt.Errorf("op=tts.synthesize: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/synthesize", bytes.NewReader(body))
	if err != nil {
		return domain.Synthesis{}, fmt.Errorf("op=tts.synthesize: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return domain.Synthesis{}, fmt.Errorf("op=tts.synthesize: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Synthesis{}, &gate.StatusError{Provider: config.ProviderTTS, Status: resp.StatusCode, Body: string(snippet)}
	}

	var duration float64
	if v := resp.Header.Get("X-Audio-Duration-Seconds"); v != "" {
		if _, err := fmt.Sscanf(v, "%f", &duration); err != nil {
			duration = 0
		}
	}
	key := fmt.Sprintf("jobs/%s/audio/%04d.wav", jobID, index)
	handle, err := c.blobs.Put(ctx, key, resp.Body, "audio/wav")
	if err != nil {
		return domain.Synthesis{}, fmt.Errorf("op=tts.synthesize: %w", err)
	}
	return domain.Synthesis{AudioHandle: handle, DurationSeconds: duration}, nil
}
