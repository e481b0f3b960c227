package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "job-events", map[string]string{"appJobId": "app-1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "job-events-dlq", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "job-events", msgs[0].Topic)
	require.Equal(t, "memory-2", msgs[1].ID)

	msgs[0].Topic = "modified"
	require.Equal(t, "job-events", pub.Messages()[0].Topic)
}

func TestPublisherRejectsAfterClose(t *testing.T) {
	t.Parallel()

	pub := New()
	require.NoError(t, pub.Close())
	_, err := pub.Publish(context.Background(), "job-events", nil)
	require.ErrorIs(t, err, ErrClosed)
}
