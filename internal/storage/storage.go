// Package storage defines the blob store contract used to persist job
// artifacts. Implementations live in the memory, local and gcs subpackages.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrObjectNotFound is returned by GetObject when no object exists at a path.
var ErrObjectNotFound = errors.New("object not found")

// BlobStore writes and reads opaque artifacts addressed by a slash separated
// object path.
type BlobStore interface {
	// PutObject stores the reader's content and returns a URI for the object.
	PutObject(ctx context.Context, objectPath, contentType string, r io.Reader) (string, error)
	// GetObject opens a previously stored object. Callers close the reader.
	GetObject(ctx context.Context, objectPath string) (io.ReadCloser, error)
}

// ArtifactPath builds the object path for a job artifact. An empty prefix
// places the artifact at the bucket root.
func ArtifactPath(prefix, appJobID, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Join(appJobID, name)
	}
	return path.Join(prefix, appJobID, name)
}
