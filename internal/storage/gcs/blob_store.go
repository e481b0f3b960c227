// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcstorage "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/JakeFAU/extraction-jobs/internal/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	// Endpoint overrides the API endpoint, e.g. for a local emulator.
	Endpoint string `mapstructure:"endpoint"`
	// CredentialsFile points at a service account key. Application default
	// credentials are used when empty.
	CredentialsFile string `mapstructure:"credentials_file"`
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client *gcstorage.Client
	bucket string
}

// NewClient builds a storage client honoring the endpoint and credential
// overrides in cfg.
func NewClient(ctx context.Context, cfg Config) (*gcstorage.Client, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	} else if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return client, nil
}

// New creates a GCS-backed blob store.
func New(client *gcstorage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, objectPath, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(objectPath) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(objectPath).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, objectPath), nil
}

// GetObject opens a reader on an object in the configured bucket.
func (s *BlobStore) GetObject(ctx context.Context, objectPath string) (io.ReadCloser, error) {
	reader, err := s.client.Bucket(s.bucket).Object(objectPath).NewReader(ctx)
	if errors.Is(err, gcstorage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", objectPath, storage.ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return reader, nil
}

// Close releases the underlying client.
func (s *BlobStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
