// Package server builds the application container: it turns a Config into a
// running pool with its proxies, progress hub, failed-task log, body storage,
// and control API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchpool/internal/api"
	"github.com/JakeFAU/fetchpool/internal/config"
	"github.com/JakeFAU/fetchpool/internal/failedlog"
	"github.com/JakeFAU/fetchpool/internal/fetch"
	collyfetcher "github.com/JakeFAU/fetchpool/internal/fetcher/colly"
	"github.com/JakeFAU/fetchpool/internal/logging"
	"github.com/JakeFAU/fetchpool/internal/metrics"
	"github.com/JakeFAU/fetchpool/internal/pool"
	"github.com/JakeFAU/fetchpool/internal/progress"
	progresssinks "github.com/JakeFAU/fetchpool/internal/progress/sinks"
	"github.com/JakeFAU/fetchpool/internal/proxy"
	"github.com/JakeFAU/fetchpool/internal/storage"
	gcsstorage "github.com/JakeFAU/fetchpool/internal/storage/gcs"
	localstorage "github.com/JakeFAU/fetchpool/internal/storage/local"
	memorystorage "github.com/JakeFAU/fetchpool/internal/storage/memory"
	pgstore "github.com/JakeFAU/fetchpool/internal/storage/postgres"
)

const shutdownTimeout = 10 * time.Second

// Option overrides a dependency Build would otherwise construct.
type Option func(*buildOptions)

type buildOptions struct {
	logger        *zap.Logger
	fetchers      pool.FetcherFactory
	proxyProvider proxy.Provider
}

// WithLogger skips building a logger from the logging config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) {
		o.logger = logger
	}
}

// WithFetcherFactory replaces the colly fetchers.
func WithFetcherFactory(f pool.FetcherFactory) Option {
	return func(o *buildOptions) {
		o.fetchers = f
	}
}

// WithProxyProvider replaces the HTTP provisioning client.
func WithProxyProvider(p proxy.Provider) Option {
	return func(o *buildOptions) {
		o.proxyProvider = p
	}
}

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collectors

	progressHub *progress.Hub
	failedLog   *failedlog.Log
	failedStore *pgstore.FailedTaskStore
	gcsStore    *gcsstorage.BlobStore
	blobStore   storage.BlobStore
	blobs       *storage.BlobWriter
	rotator     *proxy.Rotator
	pool        *pool.Pool
	apiServer   *api.Server
	stopReport  context.CancelFunc
}

// Build creates the application's dependencies. The proxy pool is loaded
// here, so an unreachable provisioning service fails startup.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}

	app := &App{cfg: cfg, logger: logger}
	if err := app.build(ctx, o); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := app.Close(closeCtx); cerr != nil {
			logger.Warn("cleanup after failed build", zap.Error(cerr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, o buildOptions) error {
	a.logger.Info("building application dependencies",
		zap.Int("workers", a.cfg.Pool.Workers),
		zap.Int("max_retries", a.cfg.Pool.MaxRetries),
		zap.Duration("backoff", a.cfg.Pool.Backoff),
		zap.Duration("attempt_budget", a.cfg.AttemptBudget()),
		zap.Bool("proxy", a.cfg.Proxy.Enabled),
		zap.String("storage", a.cfg.Storage.Backend),
	)
	if err := a.setupMetrics(); err != nil {
		return err
	}
	if err := a.setupProgress(); err != nil {
		return err
	}
	if err := a.setupFailedLog(ctx); err != nil {
		return err
	}
	if err := a.setupStorage(ctx); err != nil {
		return err
	}
	if err := a.setupProxies(ctx, o.proxyProvider); err != nil {
		return err
	}
	if err := a.setupPool(o.fetchers); err != nil {
		return err
	}
	a.apiServer = api.NewServer(api.Deps{
		Pool:          a.pool,
		Handlers:      a.HandlerFor,
		FailedLogPath: a.failedLog.Path(),
		Metrics:       a.metrics,
		Gatherer:      a.registry,
		APIKey:        a.cfg.Server.APIKey,
		Logger:        a.logger.Named("api"),
	})
	return nil
}

func (a *App) setupMetrics() error {
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var err error
	a.metrics, err = metrics.New(a.registry)
	if err != nil {
		return fmt.Errorf("metrics init failed: %w", err)
	}
	return nil
}

func (a *App) setupProgress() error {
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("progress sink init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
		a.logger.Debug("Added progress log sink")
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Int("sinks", len(sinkList)),
	)
	return nil
}

func (a *App) setupFailedLog(ctx context.Context) error {
	var logOpts []failedlog.Option
	logOpts = append(logOpts, failedlog.WithLogger(a.logger.Named("failed_log")))
	if a.cfg.DB.DSN == "" {
		a.logger.Info("No DSN specified for database, failed tasks go to the log file only")
	} else {
		store, err := pgstore.NewFailedTaskStore(ctx, pgstore.FailedTaskStoreConfig{
			DSN:             a.cfg.DB.DSN,
			Table:           a.cfg.DB.FailedTable,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("failed task store init failed: %w", err)
		}
		a.failedStore = store
		if err := store.EnsureTable(ctx); err != nil {
			return fmt.Errorf("failed task table init failed: %w", err)
		}
		logOpts = append(logOpts,
			failedlog.WithMirror(store),
			failedlog.WithMirrorTimeout(a.cfg.DB.InsertTimeout),
		)
		a.logger.Info("failed task store initialized", zap.String("table", a.cfg.DB.FailedTable))
	}
	var err error
	a.failedLog, err = failedlog.Open(a.cfg.FailedLog.Path, logOpts...)
	if err != nil {
		return fmt.Errorf("failed log init failed: %w", err)
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsStore, err = gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobStore = a.gcsStore
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobStore = store
	case "memory":
		a.logger.Warn("using in-memory storage backend, bodies are held until exit")
		a.blobStore = memorystorage.NewBlobStore()
	default:
		a.logger.Info("bodies are fetched but not stored")
		a.blobStore = storage.NoOpStore{}
	}
	a.blobs = storage.NewBlobWriter(a.blobStore, storage.BlobConfig{
		Prefix:      a.cfg.Storage.Prefix,
		ContentType: a.cfg.Storage.ContentType,
	}, a.logger.Named("storage"))
	return nil
}

func (a *App) setupProxies(ctx context.Context, provider proxy.Provider) error {
	if !a.cfg.Proxy.Enabled {
		a.logger.Info("proxy rotation disabled, fetching directly")
		return nil
	}
	if provider == nil {
		httpProvider, err := proxy.NewHTTPProvider(proxy.HTTPProviderConfig{
			Endpoint:  a.cfg.Proxy.Endpoint,
			SecretID:  a.cfg.Proxy.SecretID,
			Signature: a.cfg.Proxy.Signature,
			Timeout:   a.cfg.Proxy.ProvisionTimeout,
			Retries:   a.cfg.Proxy.ProvisionRetries,
		})
		if err != nil {
			return fmt.Errorf("proxy provider init failed: %w", err)
		}
		provider = httpProvider
	}
	a.rotator = proxy.NewRotator(provider, proxy.Config{
		MaxErrors: a.cfg.Proxy.MaxErrors,
		Credentials: proxy.Credentials{
			Username: a.cfg.Proxy.Username,
			Password: a.cfg.Proxy.Password,
		},
	}, proxy.WithLogger(a.logger.Named("proxy")), proxy.WithMetrics(a.metrics))
	if err := a.rotator.Load(ctx, a.cfg.Proxy.PoolSize); err != nil {
		return fmt.Errorf("proxy pool init failed: %w", err)
	}
	return nil
}

func (a *App) setupPool(fetchers pool.FetcherFactory) error {
	if fetchers == nil {
		fetchCfg := collyfetcher.Config{
			Timeout:      a.cfg.HTTP.Timeout,
			MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
		}
		fetchers = func(int) (fetch.Fetcher, error) {
			return collyfetcher.New(fetchCfg), nil
		}
	}
	backoff := a.cfg.Pool.Backoff
	if backoff == 0 {
		// pool.Config treats zero as its default; a configured zero means no wait.
		backoff = -1
	}
	opts := []pool.Option{
		pool.WithFailedLog(a.failedLog),
		pool.WithLogger(a.logger.Named("pool")),
		pool.WithMetrics(a.metrics),
		pool.WithEmitter(a.progressHub),
	}
	if a.rotator != nil {
		opts = append(opts, pool.WithProxies(a.rotator))
	}
	var err error
	a.pool, err = pool.New(pool.Config{
		Workers:    a.cfg.Pool.Workers,
		MaxRetries: a.cfg.Pool.MaxRetries,
		Backoff:    backoff,
	}, fetchers, opts...)
	if err != nil {
		return fmt.Errorf("pool init failed: %w", err)
	}
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Pool returns the worker pool.
func (a *App) Pool() *pool.Pool {
	return a.pool
}

// BlobStore returns the configured body store.
func (a *App) BlobStore() storage.BlobStore {
	return a.blobStore
}

// FailedLogPath returns where exhausted tasks are recorded.
func (a *App) FailedLogPath() string {
	return a.failedLog.Path()
}

// APIHandler returns the control API router.
func (a *App) APIHandler() http.Handler {
	return a.apiServer.Handler()
}

// HandlerFor returns the blob-storing handler for target.
func (a *App) HandlerFor(target string) pool.Handler {
	return a.blobs.HandlerFor(target)
}

// Start launches the workers and the periodic progress report.
func (a *App) Start(ctx context.Context) error {
	if err := a.pool.Start(ctx); err != nil {
		return fmt.Errorf("start pool: %w", err)
	}
	if a.cfg.Progress.ReportInterval > 0 {
		reportCtx, cancel := context.WithCancel(ctx)
		a.stopReport = cancel
		go a.reportProgress(reportCtx, a.cfg.Progress.ReportInterval)
	}
	return nil
}

func (a *App) reportProgress(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var last progress.Snapshot
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := a.pool.Progress()
			if snap.PhaseID == last.PhaseID && snap.Completed == last.Completed && snap.Total == last.Total {
				continue
			}
			last = snap
			a.logger.Info("progress",
				zap.String("phase", snap.Phase),
				zap.Int64("completed", snap.Completed),
				zap.Int64("total", snap.Total),
				zap.String("percent", fmt.Sprintf("%.1f", snap.Percent())),
				zap.Int("pending", a.pool.Pending()),
				zap.Int("busy", a.pool.Busy()),
			)
		}
	}
}

// Fetch submits targets with the blob handler, waits for every one of them
// to reach an outcome, and returns the phase progress.
func (a *App) Fetch(ctx context.Context, targets []string) (progress.Snapshot, error) {
	tasks := make([]pool.Task, 0, len(targets))
	for _, raw := range targets {
		target := strings.TrimSpace(raw)
		if target == "" {
			continue
		}
		tasks = append(tasks, pool.Task{Target: target, Handler: a.HandlerFor(target)})
	}
	if err := a.pool.SubmitMany(tasks); err != nil {
		return progress.Snapshot{}, fmt.Errorf("submit tasks: %w", err)
	}
	a.logger.Info("tasks submitted", zap.Int("count", len(tasks)))
	if err := a.pool.WaitDrain(ctx); err != nil {
		return a.pool.Progress(), fmt.Errorf("wait for tasks: %w", err)
	}
	return a.pool.Progress(), nil
}

// Serve starts the pool and the control API, and blocks until ctx is
// canceled or the process receives SIGINT/SIGTERM.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workers keep draining after the signal; Close stops them.
	if err := a.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.APIHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close stops the pool and releases every resource. Safe to call on a
// partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.stopReport != nil {
		a.stopReport()
	}
	if a.pool != nil {
		if err := a.pool.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop pool: %w", err))
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.failedLog != nil {
		if err := a.failedLog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close failed log: %w", err))
		}
	}
	if a.failedStore != nil {
		a.failedStore.Close()
	}
	if a.gcsStore != nil {
		if err := a.gcsStore.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
