// Package chapters implements the chapter-detection provider client.
package chapters

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

// Client fetches coarse chapter boundaries for a source video.
type Client struct {
	baseURL string
	apiKey  string
	blobs   domain.BlobStore
	hc      *http.Client
}

// New constructs a chapters client.
func New(cfg config.Config, blobs domain.BlobStore) *Client {
	return &Client{
		baseURL: cfg.ChaptersBaseURL,
		apiKey:  cfg.ChaptersAPIKey,
		blobs:   blobs,
		hc:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

type chaptersPayload struct {
	SourceURL       string  `json:"source_url"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type chapterDTO struct {
	Title      string  `json:"title"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Importance float64 `json:"importance"`
}

// Chapters returns the provider's chapter list ordered by start time.
func (c *Client) Chapters(ctx domain.Context, sourceHandle string, durationSeconds float64) ([]domain.Chapter, error) {
	srcURL, err := c.blobs.PresignGet(ctx, sourceHandle, 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("op=chapters.fetch: %w", err)
	}
	body, err := json.Marshal(chaptersPayload{SourceURL: srcURL, DurationSeconds: durationSeconds})
	if err != nil {
		return nil, fmt.Errorf("op=chapters.fetch: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chapters", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("op=chapters.fetch: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("op=chapters.fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &gate.StatusError{Provider: config.ProviderChapters, Status: resp.StatusCode, Body: string(snippet)}
	}
	var out struct {
		Chapters []chapterDTO `json:"chapters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("op=chapters.fetch: decode: %w", err)
	}
	chs := make([]domain.Chapter, 0, len(out.Chapters))
	for _, d := range out.Chapters {
		chs = append(chs, domain.Chapter{Title: d.Title, Start: d.Start, End: d.End, Importance: d.Importance})
	}
	return chs, nil
}
