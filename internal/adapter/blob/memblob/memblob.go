// Package memblob is an in-memory blob store for dev mode and tests.
package memblob

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/recaplab/recap-engine/internal/domain"
)

// Store keeps objects in memory. Handles look like mem://<key>.
type Store struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

// New constructs an empty store.
func New() *Store {
	return &Store{objects: make(map[string][]byte), types: make(map[string]string)}
}

// Put stores the stream under key.
func (s *Store) Put(_ domain.Context, key string, r io.Reader, contentType string) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("op=blob.put: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = b
	s.types[key] = contentType
	return "mem://" + key, nil
}

func (s *Store) key(handle string) (string, error) {
	k, ok := strings.CutPrefix(handle, "mem://")
	if !ok {
		return "", fmt.Errorf("op=blob.handle: malformed handle %q: %w", handle, domain.ErrInvalidInput)
	}
	return k, nil
}

// Get opens the object behind handle.
func (s *Store) Get(_ domain.Context, handle string) (io.ReadCloser, error) {
	k, err := s.key(handle)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[k]
	if !ok {
		return nil, fmt.Errorf("op=blob.get: %s: %w", handle, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// PresignGet fabricates a local pseudo-URL; good enough for dev mode.
func (s *Store) PresignGet(_ domain.Context, handle string, ttl time.Duration) (string, error) {
	k, err := s.key(handle)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[k]; !ok {
		return "", fmt.Errorf("op=blob.presign: %s: %w", handle, domain.ErrNotFound)
	}
	return fmt.Sprintf("http://localhost/dev-blob/%s?ttl=%d", k, int(ttl.Seconds())), nil
}

// Delete removes the object; deleting a missing object is a no-op.
func (s *Store) Delete(_ domain.Context, handle string) error {
	k, err := s.key(handle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, k)
	delete(s.types, k)
	return nil
}
