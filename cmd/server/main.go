package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/me/gowq/internal/config"
	"github.com/me/gowq/internal/executor"
	"github.com/me/gowq/internal/logging"
	"github.com/me/gowq/internal/metrics"
	"github.com/me/gowq/internal/notify"
	"github.com/me/gowq/internal/scheduler"
	"github.com/me/gowq/internal/server"
	"github.com/me/gowq/internal/store"
	"github.com/me/gowq/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var version = "dev"

func main() {
	cfg := config.DefaultServerConfig()
	if err := config.LoadEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "environment: %v\n", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	flag.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "Database driver (sqlite, postgres)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path or PostgreSQL DSN (default ~/.gowq/gowq.db)")
	flag.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "Scheduler config YAML, re-read every refresh cycle")
	flag.StringVar(&cfg.Host, "host", cfg.Host, "Host identifier (default: hostname)")
	flag.StringVar(&cfg.RedisURL, "redis", cfg.RedisURL, "Redis URL for cross-host wake notifications")
	flag.StringVar(&cfg.OTLPEndpoint, "otlp-endpoint", cfg.OTLPEndpoint, "OTLP/HTTP endpoint for traces")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	host := cfg.ResolveHost()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, "gowq", version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
		os.Exit(1)
	}

	// Resolve database path.
	dsn := cfg.DBPath
	if dsn == "" && cfg.DBDriver == "sqlite" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot determine home directory: %v\n", err)
			os.Exit(1)
		}
		dir := filepath.Join(home, ".gowq")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "cannot create %s: %v\n", dir, err)
			os.Exit(1)
		}
		dsn = filepath.Join(dir, "gowq.db")
	}

	st, err := store.Open(cfg.DBDriver, dsn, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "driver", cfg.DBDriver)

	var notifier notify.Notifier = notify.NewLocal()
	if cfg.RedisURL != "" {
		r, err := notify.NewRedis(ctx, cfg.RedisURL, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "connect redis: %v\n", err)
			os.Exit(1)
		}
		notifier = r
		logger.Info("cross-host wake notifications enabled")
	}
	defer notifier.Close()

	reg := executor.NewRegistry(logger)
	executor.RegisterBuiltins(reg, logger)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sched, err := scheduler.New(scheduler.Options{
		Host:     host,
		Store:    st,
		Registry: reg,
		Source:   config.FileSource{Path: cfg.ConfigFile},
		Notifier: notifier,
		Metrics:  metrics.NewCollector(promReg),
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "create scheduler: %v\n", err)
		os.Exit(1)
	}
	svc := scheduler.NewService(st, notifier, logger)

	srv := server.New(cfg, st, sched, svc, logger,
		server.WithGatherer(promReg),
		server.WithVersion(version))

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "host", host, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// The scheduler drains before the HTTP server stops.
	<-schedDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown error", "error", err)
	}
	logger.Info("server stopped")
}
