package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-jobs/internal/auth"
	"github.com/JakeFAU/extraction-jobs/internal/bus"
	"github.com/JakeFAU/extraction-jobs/internal/config"
	"github.com/JakeFAU/extraction-jobs/internal/dispatcher"
	"github.com/JakeFAU/extraction-jobs/internal/jobs"
	"github.com/JakeFAU/extraction-jobs/internal/metrics"
	"github.com/JakeFAU/extraction-jobs/internal/progress"
	"github.com/JakeFAU/extraction-jobs/internal/store"
	"github.com/JakeFAU/extraction-jobs/internal/webhook"
)

// Registry is the subset of jobs.Registry the handlers use.
type Registry interface {
	CreateJob(params jobs.CreateParams) (jobs.Job, error)
	GetJob(appJobID string) (jobs.Job, error)
	List(filter jobs.ListFilter) []jobs.Job
	AttachInput(appJobID string, input jobs.Input) (jobs.Job, error)
	Len() int
}

// Streams hands out live subscriptions to job events.
type Streams interface {
	Subscribe(jobID string) (*bus.Subscription, error)
	Unsubscribe(jobID string, sub *bus.Subscription)
}

// Ingestor applies worker callbacks and the cleaning call.
type Ingestor interface {
	Ingest(ctx context.Context, p webhook.Payload) (webhook.Result, error)
	Clean(ctx context.Context, appJobID string, req webhook.CleanRequest) (webhook.Result, error)
	FailJob(ctx context.Context, appJobID, message string) (webhook.Result, error)
}

// Dispatcher queues worker invocations.
type Dispatcher interface {
	Enqueue(ctx context.Context, inv dispatcher.Invocation) error
}

// Archive reads archived job activity.
type Archive interface {
	ListActivity(ctx context.Context, appJobID string, limit, offset int) ([]store.ActivityRecord, error)
	GetOutcome(ctx context.Context, appJobID string) (store.JobOutcome, error)
}

// HubStats reports activity hub throughput for readiness checks.
type HubStats interface {
	Stats() progress.Stats
}

// Deps are the collaborators a Server needs. Registry, Streams and Ingestor
// are required; the rest are optional.
type Deps struct {
	Registry   Registry
	Streams    Streams
	Ingestor   Ingestor
	Dispatcher Dispatcher
	Archive    Archive
	Activity   progress.Emitter
	Hub        HubStats
	Auth       *auth.Service
	Clock      jobs.Clock
	Logger     *zap.Logger
}

// Server wires HTTP handlers to the registry, bus and ingestion pipeline.
type Server struct {
	router     chi.Router
	registry   Registry
	streams    Streams
	ingestor   Ingestor
	dispatcher Dispatcher
	archive    Archive
	activity   progress.Emitter
	hub        HubStats
	auth       *auth.Service
	clock      jobs.Clock
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	cfg        config.Config
}

const (
	archiveTimeout = 3 * time.Second
	enqueueTimeout = 5 * time.Second
)

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = utcClock{}
	}
	s := &Server{
		registry:   deps.Registry,
		streams:    deps.Streams,
		ingestor:   deps.Ingestor,
		dispatcher: deps.Dispatcher,
		archive:    deps.Archive,
		activity:   deps.Activity,
		hub:        deps.Hub,
		auth:       deps.Auth,
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(cfg.CORS.AllowedOrigins, r.Header.Get("Origin"))
		},
	}

	r := chi.NewRouter()
	r.Use(corsHandler(cfg.CORS))
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	timeout := timeoutMiddleware(cfg.Server.RequestTimeout)
	r.Route("/v1", func(r chi.Router) {
		r.With(timeout).Post("/webhooks/extraction", s.handleWebhook)

		r.Route("/jobs", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(timeout)
				if s.auth != nil {
					r.Use(s.auth.Middleware)
				}
				r.Post("/", s.createJob)
				r.Get("/", s.listJobs)
				r.Get("/{job_id}", s.getJob)
				r.Put("/{job_id}/input", s.attachInput)
				r.Post("/{job_id}/clean", s.cleanJob)
				r.Get("/{job_id}/export.xlsx", s.exportJob)
				r.Get("/{job_id}/activity", s.jobActivity)
			})
			// streams are long-lived and must not sit behind the timeout handler
			r.Group(func(r chi.Router) {
				r.Use(s.streamAuthMiddleware)
				r.Get("/{job_id}/stream", s.streamJob)
				r.Get("/{job_id}/ws", s.websocketJob)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status": "ready",
		"jobs":   s.registry.Len(),
	}
	if s.hub != nil {
		resp["progress"] = s.hub.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func corsHandler(cfg config.CORSConfig) func(http.Handler) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         int(cfg.MaxAge.Seconds()),
	})
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
