package gcs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "artifacts"})
	require.ErrorContains(t, err, "client")

	client, err := NewClient(context.Background(), Config{Endpoint: "http://127.0.0.1:1/storage/v1/"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{Bucket: "  "})
	require.ErrorContains(t, err, "bucket")

	store, err := New(client, Config{Bucket: "artifacts"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "", "text/csv", nil)
	require.ErrorContains(t, err, "path")
}
