package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"xenoscan/internal/checkpoint"
	"xenoscan/internal/config"
	"xenoscan/internal/extract"
	"xenoscan/internal/features"
	"xenoscan/internal/fetch"
	"xenoscan/internal/pipeline"
	"xenoscan/internal/ratelimit"
	"xenoscan/internal/store"
)

// batch is one fully wired pipeline plus the resources it holds.
type batch struct {
	cfg        *config.Config
	logger     *slog.Logger
	registry   *prometheus.Registry
	metrics    *pipeline.Metrics
	controller *ratelimit.Controller
	cache      *fetch.Cache
	gate       *fetch.Gate
	pool       *extract.Pool
	uploader   store.Uploader
	store      *checkpoint.Store
	lock       checkpoint.Lock
	orch       *pipeline.Orchestrator

	metricsSrv *http.Server
}

func newSource(cfg config.FetchConfig) (fetch.Source, error) {
	switch cfg.Source {
	case "http":
		return fetch.NewHTTPSource(fetch.HTTPSourceOptions{
			BaseURL:   cfg.BaseURL,
			UserAgent: cfg.UserAgent,
		})
	case "synthetic", "":
		return fetch.NewSyntheticSource(), nil
	default:
		return nil, fmt.Errorf("unknown fetch source %q", cfg.Source)
	}
}

// openBatch creates directories, takes the checkpoint lock and connects
// every collaborator. Any error here is fatal for the run.
func openBatch(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *batch, err error) {
	b := &batch{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	if err := checkpoint.Mkdir(cfg.OutputDir); err != nil {
		return nil, err
	}
	if b.store, err = checkpoint.NewStore(cfg.CheckpointDir(), cfg.Batch.CheckpointName); err != nil {
		return nil, err
	}
	if b.lock, err = checkpoint.AcquireLock(b.store.Dir()); err != nil {
		return nil, err
	}
	if b.cache, err = fetch.NewCache(cfg.CacheDir()); err != nil {
		return nil, err
	}

	b.registry = prometheus.NewRegistry()
	b.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	b.metrics = pipeline.NewMetrics(b.registry)

	b.controller = ratelimit.New(ratelimit.Config{
		InitialBackoff:    cfg.RateLimit.InitialBackoff,
		MaxBackoff:        cfg.RateLimit.MaxBackoff,
		Multiplier:        cfg.RateLimit.Multiplier,
		CooldownThreshold: cfg.RateLimit.CooldownThreshold,
	}, ratelimit.WithLogger(logger), ratelimit.WithObserver(b.metrics.RateLimiter))

	src, err := newSource(cfg.Fetch)
	if err != nil {
		return nil, err
	}
	if cfg.Fetch.IOWorkers > fetch.MaxIOWorkers {
		logger.Warn("io workers capped", "requested", cfg.Fetch.IOWorkers, "max", fetch.MaxIOWorkers)
	}
	b.gate = fetch.NewGate(src, b.controller, b.cache, fetch.GateConfig{
		MaxIOWorkers: cfg.Fetch.IOWorkers,
		Timeout:      cfg.Fetch.Timeout,
		Retry: fetch.RetryPolicy{
			Attempts:  cfg.Fetch.RetryAttempts,
			BaseDelay: cfg.Fetch.RetryBaseDelay,
			MaxDelay:  cfg.Fetch.RetryMaxDelay,
		},
		RequestsPerSecond: cfg.Fetch.RequestsPerSecond,
	},
		fetch.WithLogger(logger),
		fetch.WithAttemptHook(b.metrics.FetchAttempt),
		fetch.WithInFlightHook(b.metrics.FetchInFlight),
	)

	if b.pool, err = extract.NewPool(extract.PoolConfig{
		CPUWorkers: cfg.CPUWorkers(),
		Timeout:    cfg.Extract.Timeout,
		Command:    cfg.Extract.WorkerCommand,
	}, logger); err != nil {
		return nil, err
	}

	if b.uploader, err = store.Open(ctx, store.Config{
		Driver:   cfg.Upload.Driver,
		DSN:      cfg.Upload.DSN,
		MaxConns: cfg.Upload.MaxConns,
	}, logger); err != nil {
		return nil, err
	}

	b.orch = pipeline.NewOrchestrator(pipeline.OrchestratorDeps{
		Fetcher:   b.gate,
		Extractor: b.pool,
		Uploader:  b.uploader,
		Cleaner:   b.cache,
		Logger:    logger,
		Metrics:   b.metrics,
	}, pipeline.OrchestratorConfig{
		Query:       fetch.Query{Mission: cfg.Fetch.Mission, Cadence: cfg.Fetch.Cadence},
		Params:      features.Params{Mission: cfg.Fetch.Mission, MinPoints: cfg.Extract.MinPoints},
		PauseEvery:  cfg.Upload.PauseEvery,
		Pause:       cfg.Upload.Pause,
		DeleteLocal: cfg.Batch.DeleteLocal,
	})

	if cfg.Metrics.Addr != "" {
		if err := b.serveMetrics(cfg.Metrics.Addr); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *batch) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{Registry: b.registry}))
	b.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := b.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Warn("metrics server stopped", "error", err)
		}
	}()
	b.logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

// runner builds the batch runner for this invocation.
func (b *batch) runner(runID string, resume bool, opts ...pipeline.RunnerOption) *pipeline.Runner {
	opts = append([]pipeline.RunnerOption{
		pipeline.WithRunnerLogger(b.logger),
		pipeline.WithRunnerMetrics(b.metrics),
	}, opts...)
	if bl, ok := b.uploader.(store.BatchLogger); ok {
		opts = append(opts, pipeline.WithBatchLogger(bl))
	}
	return pipeline.NewRunner(b.orch, pipeline.RunnerConfig{
		Store:         b.store,
		Controller:    b.controller,
		Interval:      b.cfg.Batch.CheckpointInterval,
		ProgressEvery: b.cfg.Batch.ProgressEvery,
		RunID:         runID,
		Resume:        resume,
		ReportPath:    b.cfg.ReportPath(),
	}, opts...)
}

// concurrency keeps both worker pools busy: one target per download slot
// plus one per extraction slot.
func (b *batch) concurrency() int {
	return min(b.cfg.Fetch.IOWorkers, fetch.MaxIOWorkers) + b.cfg.CPUWorkers()
}

func (b *batch) Close() {
	if b.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = b.metricsSrv.Shutdown(ctx)
		cancel()
	}
	if b.uploader != nil {
		b.uploader.Close()
	}
	if err := b.lock.Release(); err != nil {
		b.logger.Warn("release checkpoint lock", "error", err)
	}
}
