package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
)

func TestPublishRequiresClient(t *testing.T) {
	t.Parallel()

	var p *Publisher
	_, err := p.Publish(context.Background(), "jobs", map[string]string{"a": "b"})
	require.ErrorContains(t, err, "not configured")
	require.NoError(t, p.Close())

	_, err = New(nil).Publish(context.Background(), "jobs", nil)
	require.ErrorContains(t, err, "not configured")
}

func TestNewClientRequiresProject(t *testing.T) {
	t.Parallel()

	_, err := NewClient(context.Background(), Config{})
	require.ErrorContains(t, err, "project")
}

func TestCarrierSatisfiesPropagator(t *testing.T) {
	t.Parallel()

	var _ propagation.TextMapCarrier = (*pubsubCarrier)(nil)
	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
