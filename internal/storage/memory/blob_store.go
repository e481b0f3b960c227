// Package memory keeps job artifacts in process memory. It backs development
// runs and tests where no bucket or disk location is configured.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/JakeFAU/extraction-jobs/internal/storage"
)

type object struct {
	contentType string
	data        []byte
}

// BlobStore stores artifacts in-memory and returns memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]object)}
}

// PutObject copies the content and returns a URI. Writing the same path twice
// replaces the earlier object.
func (s *BlobStore) PutObject(_ context.Context, objectPath, contentType string, r io.Reader) (string, error) {
	if objectPath == "" {
		return "", fmt.Errorf("path is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	s.mu.Lock()
	s.objects[objectPath] = object{contentType: contentType, data: data}
	s.mu.Unlock()
	return "memory://" + objectPath, nil
}

// GetObject returns a reader over a copy of the stored content.
func (s *BlobStore) GetObject(_ context.Context, objectPath string) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[objectPath]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", objectPath, storage.ErrObjectNotFound)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), obj.data...))), nil
}

// ContentType reports the content type recorded for objectPath.
func (s *BlobStore) ContentType(objectPath string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[objectPath].contentType
}

// Paths lists stored object paths in lexical order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
