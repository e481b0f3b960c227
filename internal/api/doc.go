// Package api hosts the HTTP server, middleware, and handlers of the job
// server. Notable routes:
//   - GET /healthz, /readyz for probes and GET /metrics for Prometheus.
//   - POST/GET /v1/jobs and /v1/jobs/{job_id}/... for job management,
//     cleaning, XLSX export and the activity archive.
//   - GET /v1/jobs/{job_id}/stream (SSE) and /ws (WebSocket) for live events.
//   - POST /v1/webhooks/extraction for extraction worker callbacks.
package api
