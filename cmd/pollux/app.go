package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Yoo1tic/pollux/api/handlers"
	"github.com/Yoo1tic/pollux/config"
	"github.com/Yoo1tic/pollux/executor"
	"github.com/Yoo1tic/pollux/gemini"
	"github.com/Yoo1tic/pollux/internal/clock"
	"github.com/Yoo1tic/pollux/internal/metrics"
	"github.com/Yoo1tic/pollux/internal/server"
	"github.com/Yoo1tic/pollux/oauth"
	"github.com/Yoo1tic/pollux/ratelimit"
	"github.com/Yoo1tic/pollux/registry"
	"github.com/Yoo1tic/pollux/retry"
	"github.com/Yoo1tic/pollux/scheduler"
	"github.com/Yoo1tic/pollux/store"
)

// statsPublishInterval drives the pool-composition gauge refresh.
const statsPublishInterval = 15 * time.Second

// app wires configuration into the running broker.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     *store.Store
	manager   *scheduler.Manager
	pipeline  *scheduler.Pipeline
	collector *metrics.Collector
	front     *server.Manager
	metricsrv *server.Manager
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	collector := metrics.NewCollector("pollux", nil, logger)

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}

	oauthRetryer := retry.New(retry.Policy{
		MaxAttempts: cfg.OAuth.RetryMaxTimes,
		BaseDelay:   cfg.OAuth.BackoffBase,
		MaxDelay:    cfg.OAuth.BackoffMax,
	}, retry.DefaultClassifier, logger.Named("oauth_retry"))
	oauthClient := oauth.NewClient(
		ratelimit.New(cfg.OAuth.TPS),
		oauthRetryer,
		logger.Named("oauth"),
		oauth.WithHTTPClient(&http.Client{Timeout: cfg.OAuth.Timeout}),
	)
	resolver := oauth.NewTierResolver(oauthClient, cfg.Models.DefaultTier, logger.Named("tier"))

	pipeline := scheduler.NewPipeline(oauthClient, resolver, scheduler.PipelineConfig{
		Concurrency: cfg.OAuth.RefreshConcurrency,
		MaxJobAge:   cfg.OAuth.MaxJobAge,
	}, logger.Named("refresh"))

	manager := scheduler.NewManager(scheduler.ManagerConfig{
		CooldownBase:  cfg.Cooldown.Base,
		CooldownCap:   cfg.Cooldown.Cap,
		SweepInterval: cfg.Cooldown.SweepInterval,
		RefreshAhead:  cfg.OAuth.RefreshAhead,
	}, cfg.Models.List, pipeline, st, clock.Real{}, scheduler.MultiSink{
		collector,
		scheduler.ZapSink{Logger: logger.Named("transitions")},
	}, logger.Named("scheduler"))

	rows, err := st.ListActive(context.Background())
	if err != nil {
		return nil, err
	}
	manager.Load(rows)

	geminiRetryer := retry.New(retry.Policy{
		MaxAttempts: cfg.Gemini.RetryMaxTimes,
		BaseDelay:   cfg.Gemini.BackoffBase,
		MaxDelay:    cfg.Gemini.BackoffMax,
	}, retry.DefaultClassifier, logger.Named("gemini_retry"))
	upstream := gemini.NewClient(
		&http.Client{Timeout: cfg.Gemini.Timeout},
		geminiRetryer,
		cfg.Gemini.GenerateURL,
		cfg.Gemini.StreamURL,
		logger.Named("gemini"),
	)

	reg, err := registry.New(cfg.Models.List)
	if err != nil {
		return nil, err
	}
	exec := executor.New(reg, manager, upstream, clock.Real{}, collector, logger.Named("executor"))

	mux := http.NewServeMux()
	handlers.New(exec, manager, logger.Named("api")).Register(mux)
	front := handlers.Chain(mux,
		handlers.Recovery(logger),
		handlers.RequestID(),
		handlers.Logging(logger.Named("http")),
		handlers.Metrics(collector),
		handlers.ClientRateLimit(cfg.Server.ClientRPS, cfg.Server.ClientBurst, logger),
	)

	frontSrv := server.NewManager(front, server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := server.NewManager(metricsMux, server.Config{
		Addr:            cfg.Server.MetricsAddr,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger.Named("metrics_server"))

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		manager:   manager,
		pipeline:  pipeline,
		collector: collector,
		front:     frontSrv,
		metricsrv: metricsSrv,
	}, nil
}

// Run starts the background loops and both HTTP servers, then blocks until
// a shutdown signal arrives.
func (a *app) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pipeline.Run(ctx) })
	g.Go(func() error { return a.manager.Run(ctx) })
	g.Go(func() error { return a.publishStats(ctx) })

	if err := a.front.Start(); err != nil {
		return err
	}
	if err := a.metricsrv.Start(); err != nil {
		return err
	}

	a.front.WaitForShutdown()
	_ = a.metricsrv.Shutdown(context.Background())
	a.store.Close()

	cancel()
	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func (a *app) publishStats(ctx context.Context) error {
	ticker := time.NewTicker(statsPublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.collector.UpdatePoolStats(a.manager.Stats())
		}
	}
}
