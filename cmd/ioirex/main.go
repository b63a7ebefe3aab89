package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"rgehrsitz/ioirex/internal/config"
	"rgehrsitz/ioirex/internal/feed"
	"rgehrsitz/ioirex/internal/logging"
	"rgehrsitz/ioirex/internal/matching"
	"rgehrsitz/ioirex/internal/routing"
	"rgehrsitz/ioirex/internal/rules"
	"rgehrsitz/ioirex/internal/runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", ".env", "optional .env file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading configuration")
	}
	logger := logging.Setup(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("ioirex stopped with an error")
	}
	logger.Info().Msg("ioirex stopped")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine, err := rules.NewEngine(rules.EngineConfig{Logger: &logger, Registerer: reg})
	if err != nil {
		return err
	}
	loop := runtime.NewLoop(engine, runtime.LoopConfig{PollInterval: cfg.Loop.PollInterval, Logger: &logger})

	var router routing.Router = routing.NewLogRouter(logger)
	if cfg.Routing.Async {
		async, err := routing.NewAsyncRouter(router, routing.AsyncConfig{
			Workers:    cfg.Routing.Workers,
			QueueSize:  cfg.Routing.QueueSize,
			Timeout:    cfg.Routing.Timeout,
			Logger:     &logger,
			Registerer: reg,
		})
		if err != nil {
			return err
		}
		async.Start(ctx)
		defer async.Close()
		router = async
	}

	builder, err := matching.NewBuilder(engine, matching.Config{
		InstrumentType:   cfg.Matching.InstrumentType,
		AssetClass:       cfg.Matching.AssetClass,
		MatchTicker:      cfg.Matching.MatchTicker,
		RebuildPurged:    cfg.Matching.RebuildPurged,
		TrackOrderStates: cfg.Matching.TrackOrderStates,
		RouteTimeout:     cfg.Routing.Timeout,
		Logger:           &logger,
	}, router)
	if err != nil {
		return err
	}

	orders, iois := feed.NewOrderFeed(), feed.NewIOIFeed()
	builder.Attach(orders, iois, loop)

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.SeedFile != "" {
		seed, err := feed.LoadSeed(cfg.SeedFile)
		if err != nil {
			return err
		}
		if err := seed.Publish(orders, iois); err != nil {
			return err
		}
		logger.Info().
			Str("file", cfg.SeedFile).
			Int("orders", len(seed.Orders)).
			Int("iois", len(seed.IOIs)).
			Msg("Seed data published")
	}

	return loop.Run(ctx)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return srv
}
