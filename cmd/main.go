// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/absmach/lbproxy"
	"github.com/absmach/lbproxy/examples/simple"
	"github.com/absmach/lbproxy/pkg/health"
	"github.com/absmach/lbproxy/pkg/metrics"
	"github.com/absmach/lbproxy/pkg/proxy"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	envPrefix     = "LB_"
	evictInterval = time.Minute
)

// Config holds process-level settings.
type Config struct {
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// .env file is optional
	envErr := godotenv.Load()

	appCfg := Config{}
	if err := env.Parse(&appCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(appCfg.LogLevel, appCfg.LogFormat)
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	cfg, err := lbproxy.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		logger.Error("invalid load balancer configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	targets, err := cfg.Endpoints()
	if err != nil {
		logger.Error("invalid targets", slog.String("error", err.Error()))
		os.Exit(1)
	}

	m := metrics.New("lbproxy", nil)

	h := NewRateLimitedHandler(simple.New(logger), cfg, logger)
	if h.perClient != nil {
		g.Go(func() error {
			return evictIdleClients(ctx, h, evictInterval)
		})
	}

	lb, err := proxy.NewTCP(proxy.TCPConfig{
		Host:           cfg.Host,
		Port:           cfg.Port,
		Targets:        targets,
		Policy:         cfg.Policy,
		PollTimeout:    cfg.PollTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		BufferSize:     cfg.BufferSize,
		Logger:         logger,
		Metrics:        m,
	}, h)
	if err != nil {
		logger.Error("failed to create load balancer", slog.String("error", err.Error()))
		os.Exit(1)
	}

	checker := health.NewChecker(0, nil)
	lb.HealthChecks(checker)

	logger.Info("starting lbproxy",
		slog.String("policy", cfg.Policy.String()),
		slog.Int("targets", len(targets)),
		slog.Int("metrics_port", appCfg.MetricsPort))

	g.Go(func() error {
		return lb.Listen(ctx)
	})

	g.Go(func() error {
		return startAdminServer(ctx, appCfg.MetricsPort, checker, logger)
	})

	// Signal handler
	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("lbproxy service terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("lbproxy service stopped")
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// startAdminServer serves metrics and health endpoints until ctx is done.
func startAdminServer(ctx context.Context, port int, checker *health.Checker, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	addr := ":" + strconv.Itoa(port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting admin server", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server on %s: %w", addr, err)
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
