// Package server provides the application composition root and its
// lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-jobs/internal/api"
	"github.com/JakeFAU/extraction-jobs/internal/auth"
	"github.com/JakeFAU/extraction-jobs/internal/bus"
	"github.com/JakeFAU/extraction-jobs/internal/clock/system"
	"github.com/JakeFAU/extraction-jobs/internal/config"
	"github.com/JakeFAU/extraction-jobs/internal/dispatcher"
	"github.com/JakeFAU/extraction-jobs/internal/extractor"
	"github.com/JakeFAU/extraction-jobs/internal/id/uuid"
	"github.com/JakeFAU/extraction-jobs/internal/jobs"
	"github.com/JakeFAU/extraction-jobs/internal/metrics"
	"github.com/JakeFAU/extraction-jobs/internal/progress"
	progresssinks "github.com/JakeFAU/extraction-jobs/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/extraction-jobs/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/extraction-jobs/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/extraction-jobs/internal/queue/memory"
	"github.com/JakeFAU/extraction-jobs/internal/storage"
	gcsstorage "github.com/JakeFAU/extraction-jobs/internal/storage/gcs"
	localstorage "github.com/JakeFAU/extraction-jobs/internal/storage/local"
	memoryStorage "github.com/JakeFAU/extraction-jobs/internal/storage/memory"
	pgstore "github.com/JakeFAU/extraction-jobs/internal/storage/postgres"
	"github.com/JakeFAU/extraction-jobs/internal/telemetry"
	"github.com/JakeFAU/extraction-jobs/internal/webhook"
)

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	registry       *jobs.Registry
	bus            *bus.Bus
	apiServer      *api.Server
	dispatch       *dispatcher.Dispatcher
	queue          *queueMemory.Queue[dispatcher.Invocation]
	progressHub    *progress.Hub
	activity       progress.Emitter
	pubsubClient   *pubsub.Client
	notifier       interface{ Close() error }
	storage        *gcstorage.Client
	activityStore  *pgstore.ActivityStore
	tracerShutdown telemetry.ShutdownFunc
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("creating application",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("worker_enabled", cfg.Worker.Enabled()),
		zap.Bool("auth_enabled", cfg.Auth.Enabled()),
		zap.Bool("archive_enabled", cfg.Database.DSN != ""),
	)
	return &App{cfg: cfg, logger: logger}, nil
}

// Handler exposes the instrumented HTTP handler.
func (a *App) Handler() http.Handler {
	return telemetry.WrapHandler(a.apiServer.Handler(), "jobserver")
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	if a.dispatch != nil {
		go func() {
			defer close(dispatchDone)
			a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Worker.Concurrency))
			a.dispatch.Run(ctx)
		}()
	} else {
		close(dispatchDone)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	// streams only end once their subscriptions are released
	srv.RegisterOnShutdown(a.bus.Close)

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.queue != nil {
		a.queue.Close()
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("dispatcher did not stop before the shutdown deadline")
	}

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return errors.Join(err, closeErr)
	default:
		return closeErr
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

// closeInfrastructure drains the hub before closing what its sinks write to.
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.logger.Warn("notification publisher close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.activityStore != nil {
		a.activityStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// stderr sync fails on some platforms; nothing to do about it
	_ = a.logger.Sync()
}

// Build creates the application's dependencies. On error every resource
// acquired so far is released.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (app *App, err error) {
	app, err = NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
			app = nil
		}
	}()

	metrics.Init()
	app.tracerShutdown, err = telemetry.Setup(ctx, cfg.Telemetry.Enabled, cfg.Telemetry.ServiceName)
	if err != nil {
		return app, fmt.Errorf("tracer init failed: %w", err)
	}

	app.logger.Info("building application dependencies")
	clock := system.New()
	app.registry = jobs.NewRegistry(clock, uuid.New())
	app.bus = bus.New(bus.Config{
		BufferSize:          cfg.Bus.SubscriberBuffer,
		MaxConsecutiveDrops: cfg.Bus.MaxConsecutiveDrops,
		Logger:              app.logger.Named("bus"),
	})

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return app, err
	}
	if err = setupDatabase(ctx, app); err != nil {
		return app, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return app, err
	}
	if err = setupProgress(ctx, app, blobStore, publisher); err != nil {
		return app, err
	}

	ingestor, err := webhook.NewIngestor(webhook.Config{
		Registry:   app.registry,
		Publisher:  app.bus,
		Activity:   app.activity,
		Clock:      clock,
		Logger:     app.logger.Named("webhook"),
		DedupeRows: cfg.Webhook.DedupeRows,
	})
	if err != nil {
		return app, fmt.Errorf("webhook ingestor init failed: %w", err)
	}

	if err = setupDispatcher(app, ingestor); err != nil {
		return app, err
	}

	deps := api.Deps{
		Registry: app.registry,
		Streams:  app.bus,
		Ingestor: ingestor,
		Activity: app.activity,
		Clock:    clock,
		Logger:   app.logger.Named("api"),
	}
	if app.dispatch != nil {
		deps.Dispatcher = app.dispatch
	}
	if app.activityStore != nil {
		deps.Archive = app.activityStore
	}
	if app.progressHub != nil {
		deps.Hub = app.progressHub
	}
	if cfg.Auth.Enabled() {
		deps.Auth, err = auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		if err != nil {
			return app, fmt.Errorf("auth init failed: %w", err)
		}
		app.logger.Info("bearer authentication enabled", zap.Duration("token_ttl", cfg.Auth.TokenTTL))
	}
	app.apiServer = api.NewServer(deps, *cfg)
	return app, nil
}

func setupStorage(ctx context.Context, app *App) (storage.BlobStore, error) {
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case config.StorageGCS:
		app.logger.Info("using GCS storage backend", zap.String("bucket", cfg.Bucket))
		gcsCfg := gcsstorage.Config{Bucket: cfg.Bucket, Endpoint: cfg.Endpoint, CredentialsFile: cfg.Credentials}
		client, err := gcsstorage.NewClient(ctx, gcsCfg)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsCfg)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case config.StorageLocal:
		app.logger.Info("using local storage backend", zap.String("path", cfg.LocalBaseDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalBaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	dbCfg := app.cfg.Database
	if dbCfg.DSN == "" {
		app.logger.Warn("no database DSN configured, activity archive disabled")
		return nil
	}
	var err error
	app.activityStore, err = pgstore.NewActivityStore(ctx, pgstore.Config{
		DSN:           dbCfg.DSN,
		ActivityTable: dbCfg.ActivityTable,
		OutcomeTable:  dbCfg.OutcomesTable,
		MaxConns:      dbCfg.MaxConns,
		MinConns:      dbCfg.MinConns,
	})
	if err != nil {
		return fmt.Errorf("activity store init failed: %w", err)
	}
	app.logger.Info("activity store initialized",
		zap.String("activity_table", dbCfg.ActivityTable),
		zap.String("outcomes_table", dbCfg.OutcomesTable),
	)
	return nil
}

func setupPublisher(ctx context.Context, app *App) (progresssinks.Publisher, error) {
	psCfg := app.cfg.PubSub
	if psCfg.ProjectID == "" || psCfg.Topic == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory notification publisher")
		p := memorypublisher.New()
		app.notifier = p
		return p, nil
	}
	var err error
	app.pubsubClient, err = gcppublisher.NewClient(ctx, gcppublisher.Config{
		ProjectID: psCfg.ProjectID,
		Endpoint:  psCfg.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	p := gcppublisher.New(app.pubsubClient)
	app.notifier = p
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", psCfg.ProjectID),
		zap.String("topic", psCfg.Topic),
	)
	return p, nil
}

func setupProgress(
	ctx context.Context,
	app *App,
	blobStore storage.BlobStore,
	publisher progresssinks.Publisher,
) error {
	pcfg := app.cfg.Progress
	if !pcfg.Enabled {
		app.logger.Info("activity tracking disabled")
		return nil
	}
	var sinkList []progress.Sink
	var outcomes progresssinks.OutcomeRecorder
	if app.activityStore != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.activityStore, app.logger.Named("activity_store")))
		outcomes = app.activityStore
	}
	if pcfg.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("activity_log")))
	}
	if pcfg.MetricsEnable {
		promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return fmt.Errorf("prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if blobStore != nil {
		sinkList = append(sinkList, progresssinks.NewArtifactSink(
			blobStore, app.cfg.Storage.Prefix, outcomes, app.logger.Named("artifacts"),
		))
	}
	if publisher != nil {
		sinkList = append(sinkList, progresssinks.NewNotifySink(
			publisher, app.cfg.PubSub.Topic, app.logger.Named("notify"),
		))
	}

	hubCfg := progress.Config{
		BufferSize:     pcfg.BufferSize,
		MaxBatchEvents: pcfg.BatchMaxSize,
		MaxBatchWait:   pcfg.BatchMaxWait,
		SinkTimeout:    pcfg.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.activity = app.progressHub
	app.logger.Info("activity hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}

func setupDispatcher(app *App, ingestor *webhook.Ingestor) error {
	wcfg := app.cfg.Worker
	if !wcfg.Enabled() {
		app.logger.Info("no worker base url configured, jobs wait for external invocation")
		return nil
	}
	client, err := extractor.New(extractor.Config{
		BaseURL:      wcfg.BaseURL,
		Timeout:      wcfg.Timeout,
		MaxAttempts:  wcfg.MaxAttempts,
		BaseBackoff:  wcfg.BackoffBase,
		MaxBackoff:   wcfg.BackoffMax,
		RateLimitRPS: wcfg.RateLimitRPS,
		Burst:        wcfg.Burst,
		HTTPClient: &http.Client{
			Timeout:   wcfg.Timeout,
			Transport: telemetry.WrapTransport(nil),
		},
		Logger: app.logger.Named("extractor"),
	})
	if err != nil {
		return fmt.Errorf("extractor client init failed: %w", err)
	}
	app.queue = queueMemory.NewQueue[dispatcher.Invocation](wcfg.QueueDepth)
	app.dispatch, err = dispatcher.New(dispatcher.Config{
		Workers:  wcfg.Concurrency,
		Queue:    app.queue,
		Invoker:  client,
		Ingestor: ingestor,
		Activity: app.activity,
		Logger:   app.logger.Named("dispatcher"),
	})
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}
	app.logger.Info("worker dispatch enabled",
		zap.String("endpoint", client.Endpoint()),
		zap.Int("concurrency", wcfg.Concurrency),
		zap.Int("queue_depth", wcfg.QueueDepth),
		zap.Float64("rate_limit_rps", wcfg.RateLimitRPS),
	)
	return nil
}
