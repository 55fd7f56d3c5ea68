package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/leadpulse/toolhub/aggregate"
	"github.com/leadpulse/toolhub/breaker"
	"github.com/leadpulse/toolhub/config"
	"github.com/leadpulse/toolhub/internal/cache"
	"github.com/leadpulse/toolhub/internal/metrics"
	"github.com/leadpulse/toolhub/internal/telemetry"
	"github.com/leadpulse/toolhub/registry"
	"github.com/leadpulse/toolhub/router"
	"github.com/leadpulse/toolhub/tools"
	"github.com/leadpulse/toolhub/types"
	"github.com/leadpulse/toolhub/workflow"
)

// Server assembles the hub and serves /metrics and /healthz.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	registry   *registry.Registry
	router     *router.Router
	engine     *workflow.Engine
	collector  *metrics.Collector
	cache      *cache.ResponseCache
	httpServer *http.Server

	stopGauges chan struct{}
}

// NewServer wires the registry, aggregator, engine, and router from the
// loaded configuration.
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) (*Server, error) {
	collector := metrics.NewCollector(cfg.Metrics.Namespace, logger)

	reg := registry.New(&registry.Config{
		Breaker: &breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			OpenTimeout:      cfg.Breaker.OpenTimeout,
			OnStateChange: func(name string, from, to breaker.State) {
				collector.RecordBreakerTransition(name, from.String(), to.String())
				collector.RecordBreakerState(name, float64(to))
			},
		},
		HealthCheckInterval: cfg.Health.Interval,
		HealthCheckRate:     cfg.Health.RatePerSecond,
		OfflineThreshold:    cfg.Health.OfflineThreshold,
	}, logger)

	agg := aggregate.New(logger)
	if err := tools.RegisterBuiltins(reg, agg); err != nil {
		return nil, fmt.Errorf("failed to register built-in tools: %w", err)
	}

	engine := workflow.New(reg, agg, collector, logger)
	if path := cfg.Workflows.DefinitionsPath; path != "" {
		defs, err := workflow.LoadDefinitions(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load workflow definitions: %w", err)
		}
		for _, def := range defs {
			if err := engine.RegisterWorkflow(def); err != nil {
				return nil, err
			}
		}
		logger.Info("workflow definitions loaded",
			zap.String("path", path),
			zap.Int("count", len(defs)),
		)
	}

	opts := []router.Option{
		router.WithEngine(engine),
		router.WithMetrics(collector),
	}

	var responseCache *cache.ResponseCache
	if cfg.Cache.Enabled {
		var err error
		responseCache, err = cache.New(cache.Config{
			Addr:         cfg.Cache.Addr,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DefaultTTL:   cfg.Cache.DefaultTTL,
			PoolSize:     cfg.Cache.PoolSize,
			MinIdleConns: cfg.Cache.MinIdleConns,
		}, logger)
		if err != nil {
			logger.Warn("response cache unavailable, continuing without it", zap.Error(err))
		} else {
			opts = append(opts, router.WithCache(responseCache))
		}
	}

	rt := router.New(reg, logger, opts...)

	return &Server{
		cfg:        cfg,
		logger:     logger,
		otel:       otelProviders,
		registry:   reg,
		router:     rt,
		engine:     engine,
		collector:  collector,
		cache:      responseCache,
		stopGauges: make(chan struct{}),
	}, nil
}

// Start launches the health checker and the observability HTTP endpoint.
func (s *Server) Start() error {
	s.registry.Start()
	go s.gaugeLoop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		offline := len(s.registry.List(registry.Filter{Health: types.HealthOffline}))
		if offline > 0 && offline == len(s.registry.Names()) {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "all %d tools offline\n", offline)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		Handler:      mux,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	go func() {
		s.logger.Info("metrics server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// gaugeLoop periodically exports tool health states to the collector.
func (s *Server) gaugeLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGauges:
			return
		case <-ticker.C:
			for _, md := range s.registry.List(registry.Filter{}) {
				s.collector.RecordToolHealth(md.Name, healthValue(md.Health))
			}
		}
	}
}

func healthValue(h types.HealthState) float64 {
	switch h {
	case types.HealthDegraded:
		return 1
	case types.HealthOffline:
		return 2
	default:
		return 0
	}
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then tears the hub down.
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	s.logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	close(s.stopGauges)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown failed", zap.Error(err))
		}
	}

	s.registry.Shutdown()

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("cache close failed", zap.Error(err))
		}
	}

	if err := s.otel.Shutdown(ctx); err != nil {
		s.logger.Error("telemetry shutdown failed", zap.Error(err))
	}
}
