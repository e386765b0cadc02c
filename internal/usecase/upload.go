package usecase

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/recaplab/recap-engine/internal/domain"
)

// sniffLen is how many leading bytes the content-type detector sees.
const sniffLen = 3072

// UploadService ingests source videos into the blob store.
type UploadService struct {
	Blobs    domain.BlobStore
	MaxBytes int64
}

// NewUploadService constructs an UploadService with the given size cap.
func NewUploadService(blobs domain.BlobStore, maxBytes int64) UploadService {
	return UploadService{Blobs: blobs, MaxBytes: maxBytes}
}

// Ingest sniffs the stream, enforces the video allowlist and size cap, and
// stores the source under a fresh handle.
func (s UploadService) Ingest(ctx domain.Context, ownerID, filename string, r io.Reader) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("op=upload: %w", domain.ErrUnauthenticated)
	}
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("op=upload: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return "", fmt.Errorf("op=upload: empty body: %w", domain.ErrInvalidInput)
	}
	mime := mimetype.Detect(head)
	if !strings.HasPrefix(mime.String(), "video/") {
		return "", fmt.Errorf("op=upload: %s is not a video: %w", mime.String(), domain.ErrInvalidInput)
	}

	body := io.MultiReader(bytes.NewReader(head), r)
	if s.MaxBytes > 0 {
		body = &cappedReader{r: body, remaining: s.MaxBytes}
	}
	ext := path.Ext(filename)
	if ext == "" {
		ext = mime.Extension()
	}
	key := fmt.Sprintf("sources/%s/%s%s", ownerID, uuid.New().String(), ext)
	handle, err := s.Blobs.Put(ctx, key, body, mime.String())
	if err != nil {
		return "", fmt.Errorf("op=upload: %w", err)
	}
	return handle, nil
}

// cappedReader fails the stream once it exceeds the configured cap, so
// oversize uploads abort instead of truncating silently.
type cappedReader struct {
	r         io.Reader
	remaining int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		return 0, fmt.Errorf("op=upload: body exceeds size cap: %w", domain.ErrInvalidInput)
	}
	if int64(len(p)) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, fmt.Errorf("op=upload: body exceeds size cap: %w", domain.ErrInvalidInput)
	}
	return n, err
}
