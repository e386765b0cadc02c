// Package vision implements the visual-understanding provider client.
package vision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/recaplab/recap-engine/internal/config"
	"github.com/recaplab/recap-engine/internal/domain"
	"github.com/recaplab/recap-engine/internal/gate"
)

// Client calls the describe endpoint of the vision provider. It performs no
// retries or pacing itself; callers go through the call gate.
type Client struct {
	baseURL string
	apiKey  string
	blobs   domain.BlobStore
	hc      *http.Client
}

// New constructs a vision client. The blob store presigns source handles so
// the provider can fetch the interval.
func New(cfg config.Config, blobs domain.BlobStore) *Client {
	return &Client{
		baseURL: cfg.VisionBaseURL,
		apiKey:  cfg.VisionAPIKey,
		blobs:   blobs,
		hc:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

type describePayload struct {
	SourceURL      string  `json:"source_url"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	TargetWords    int     `json:"target_words"`
	SeriesID       string  `json:"series_id,omitempty"`
	CharacterGuide string  `json:"character_guide,omitempty"`
}

type describeResponse struct {
	Text string `json:"text"`
}

// Describe narrates one source interval.
func (c *Client) Describe(ctx domain.Context, req domain.DescribeRequest) (string, error) {
	srcURL, err := c.blobs.PresignGet(ctx, req.SourceHandle, 15*time.Minute)
	if err != nil {
		return "", fmt.Errorf("op=vision.describe: %w", err)
	}
	body, err := json.Marshal(describePayload{
		SourceURL:      srcURL,
		Start:          req.Start,
		End:            req.End,
		TargetWords:    req.TargetWords,
		SeriesID:       req.SeriesID,
		CharacterGuide: req.CharacterGuide,
	})
	if err != nil {
		return "", fmt.Errorf("op=vision.describe: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/describe", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("op=vision.describe: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("op=vision.describe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &gate.StatusError{Provider: config.ProviderVision, Status: resp.StatusCode, Body: string(snippet)}
	}
	var out describeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("op=vision.describe: decode: %w", err)
	}
	if out.Text == "" {
		return "", fmt.Errorf("op=vision.describe: empty narration: %w", domain.ErrProviderTransient)
	}
	return out.Text, nil
}
