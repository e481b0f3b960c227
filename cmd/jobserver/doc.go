// Package main hosts the extraction job server entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, job management, the worker webhook, and per-job
//     live streams over server-sent events and WebSocket.
//   - Registry & bus: jobs live in an in-memory registry guarded by one mutex. Every applied change is published
//     to a per-job bus whose subscribers each own a bounded buffer, so a slow client never stalls ingestion.
//   - Webhook ingestion: worker callbacks are validated against a JSON schema, resolved to an application job
//     (by worker id, explicit appJobId, or FIFO binding to the oldest pending job), applied through the job state
//     machine, and fanned out to stream subscribers.
//   - Dispatch: when worker.base_url is set, jobs created with "dispatch": true are queued and a fixed pool invokes
//     the worker with rate limiting and jittered retries. Synchronous worker answers are replayed as callbacks.
//   - Activity: lifecycle events are batched by the progress hub and delivered to log, Prometheus, Postgres,
//     artifact (memory/local/GCS) and Pub/Sub notification sinks.
//
// Operational notes:
//   - Shutdown: SIGINT/SIGTERM stops accepting requests, releases live streams, drains the dispatch queue, and
//     flushes the activity hub before closing clients.
//   - Authentication: setting auth.jwt_secret requires HS256 bearer tokens on management routes. Streams accept the
//     per-job token returned at creation via ?token=. The webhook stays open for workers.
//   - Cloud Run: the HTTP server listens on JOBSERVER_SERVER_PORT or PORT.
//
// Quick checklist:
//   - Configure env vars (JOBSERVER_ prefix): JOBSERVER_WORKER_BASE_URL, JOBSERVER_WORKER_CALLBACK_URL,
//     JOBSERVER_DATABASE_DSN, JOBSERVER_STORAGE_BACKEND, JOBSERVER_PUBSUB_PROJECT_ID and JOBSERVER_PUBSUB_TOPIC.
//     A .env file in the working directory is loaded first when present.
//   - Run locally: go run ./cmd/jobserver -config config.yaml (or rely solely on env overrides).
package main
