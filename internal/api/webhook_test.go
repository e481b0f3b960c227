package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/extraction-jobs/internal/config"
	"github.com/JakeFAU/extraction-jobs/internal/jobs"
)

func decodeWebhook(t *testing.T, body []byte) webhookResponse {
	t.Helper()
	var resp webhookResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestWebhookLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.createJob(10)

	rr := h.webhook(`{"event":"job_start","jobId":"w1"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, webhookResponse{Success: true, AppJobID: "app-1", Status: jobs.StatusProcessing},
		decodeWebhook(t, rr.Body.Bytes()))

	rows3 := `[{"n":1},{"n":2},{"n":3}]`
	rows7 := `[{"n":4},{"n":5},{"n":6},{"n":7},{"n":8},{"n":9},{"n":10}]`
	require.Equal(t, http.StatusOK,
		h.webhook(`{"event":"progress","jobId":"w1","data":{"rows":`+rows3+`,"current":3,"total":10}}`).Code)
	require.Equal(t, http.StatusOK,
		h.webhook(`{"event":"progress","jobId":"w1","data":{"rows":`+rows7+`,"current":10,"total":10}}`).Code)

	job, err := h.registry.GetJob("app-1")
	require.NoError(t, err)
	require.Len(t, job.Rows, 10)
	require.NotNil(t, job.Progress)
	require.InDelta(t, 10.0, job.Progress.Current, 1e-9)
	require.InDelta(t, 10.0, job.Progress.Total, 1e-9)

	rr = h.webhook(`{"event":"job_complete","jobId":"w1"}`)
	require.Equal(t, jobs.StatusCompleted, decodeWebhook(t, rr.Body.Bytes()).Status)

	rr = h.webhook(`{"event":"data_cleaned","jobId":"w1","data":{"rows":[{"n":1},{"n":2}],"csv":"n\n1\n2"}}`)
	require.Equal(t, jobs.StatusCleaned, decodeWebhook(t, rr.Body.Bytes()).Status)

	rr = h.webhook(`{"event":"error","jobId":"w1","error":"late"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeWebhook(t, rr.Body.Bytes())
	require.True(t, resp.Ignored)
	require.Equal(t, jobs.StatusCleaned, resp.Status)
}

func TestWebhookErrorMapping(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	rr := h.webhook(`{"event":"job_start"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.False(t, decodeWebhook(t, rr.Body.Bytes()).Success)

	rr = h.webhook(`not json`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.webhook(`{"event":"job_start","jobId":"w1"}`)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.JSONEq(t, `{"success":false,"error":"no job matches worker job w1"}`, rr.Body.String())

	h.createJob(5)
	h.createJob(5)
	require.Equal(t, http.StatusOK, h.webhook(`{"event":"job_start","jobId":"w1","appJobId":"app-2"}`).Code)
	rr = h.webhook(`{"event":"job_start","jobId":"w2","appJobId":"app-2"}`)
	require.Equal(t, http.StatusConflict, rr.Code)

	for _, body := range []string{
		`{"event":"heartbeat","jobId":"w9"}`,
		`{"event":"job_heartbeat","jobId":"w9","data":[1,2,3]}`,
		`{"event":"job_paused","jobId":"w1","data":{"message":42}}`,
	} {
		rr = h.webhook(body)
		require.Equal(t, http.StatusOK, rr.Code, body)
		require.True(t, decodeWebhook(t, rr.Body.Bytes()).Ignored, body)
	}

	rr = h.webhook(`{"event":"progress","jobId":"w1","data":[1,2,3]}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.NotContains(t, rr.Body.String(), "file://")

	job, err := h.registry.GetJob("app-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusPending, job.Status)
	require.Empty(t, job.WorkerJobID)
}

func TestWebhookBodyLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ *Deps, cfg *config.Config) { cfg.Webhook.MaxBodyBytes = 64 })
	h.createJob(5)

	big := `{"event":"progress","jobId":"w1","data":{"message":"` + strings.Repeat("x", 128) + `"}}`
	rr := h.webhook(big)
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	job, err := h.registry.GetJob("app-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusPending, job.Status)
}
