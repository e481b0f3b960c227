package webhook

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "minimal", body: `{"event":"job_start","jobId":"w1"}`},
		{name: "with data", body: `{"event":"progress","jobId":"w1","data":{"rows":[{"a":1}],"current":1,"total":2}}`},
		{name: "null data", body: `{"event":"error","jobId":"w1","data":null,"error":"boom"}`},
		{name: "unknown kind", body: `{"event":"heartbeat","jobId":"w1","extra":true}`},
		{name: "missing event", body: `{"jobId":"w1"}`, wantErr: true},
		{name: "missing job id", body: `{"event":"progress"}`, wantErr: true},
		{name: "empty job id", body: `{"event":"progress","jobId":""}`, wantErr: true},
		{name: "numeric job id", body: `{"event":"progress","jobId":7}`, wantErr: true},
		{name: "unknown kind with array data", body: `{"event":"job_heartbeat","jobId":"w1","data":[1,2,3]}`},
		{name: "unknown kind with odd fields", body: `{"event":"job_paused","jobId":"w1","appJobId":7,"error":{},"data":{"message":42}}`},
		{name: "rows not objects", body: `{"event":"progress","jobId":"w1","data":{"rows":[1,2]}}`, wantErr: true},
		{name: "known kind with array data", body: `{"event":"progress","jobId":"w1","data":[1,2,3]}`, wantErr: true},
		{name: "known kind with numeric message", body: `{"event":"job_start","jobId":"w1","data":{"message":42}}`, wantErr: true},
		{name: "not json", body: `event=progress`, wantErr: true},
		{name: "array body", body: `[]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := Decode([]byte(tt.body))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "w1", p.JobID)
		})
	}
}

func TestDecodeUnknownKindKeepsOnlyEnvelope(t *testing.T) {
	t.Parallel()

	p, err := Decode([]byte(`{"event":"job_heartbeat","jobId":"w9","appJobId":"a1","data":[1,2,3]}`))
	require.NoError(t, err)
	require.Equal(t, Payload{Event: "job_heartbeat", JobID: "w9"}, p)
}

func TestDecodeErrorDoesNotExposeServerPaths(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"event":"progress","jobId":"w1","data":{"rows":[1]}}`))
	require.ErrorIs(t, err, ErrMalformed)
	require.NotContains(t, err.Error(), "file://")
}

func TestEventDataProgress(t *testing.T) {
	t.Parallel()

	p, err := Decode([]byte(`{"event":"progress","jobId":"w1","data":{"current":2,"total":3}}`))
	require.NoError(t, err)
	d, err := p.data()
	require.NoError(t, err)
	got, ok := d.progress()
	require.True(t, ok)
	require.Equal(t, 67, got.Percent())

	d.Total = nil
	_, ok = d.progress()
	require.False(t, ok)
}
