package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/edgewatt/plugmon/internal/cloud"
	"github.com/edgewatt/plugmon/internal/config"
	"github.com/edgewatt/plugmon/internal/device"
	"github.com/edgewatt/plugmon/internal/discovery"
	"github.com/edgewatt/plugmon/internal/poller"
	"github.com/edgewatt/plugmon/internal/scheduler"
	"github.com/edgewatt/plugmon/internal/snapshot"
	"github.com/edgewatt/plugmon/internal/web"
)

// Command plugmon exports smart-plug electrical telemetry to Prometheus.
//
// The exporter:
//   - Finds plugs on the local network over UDP broadcast
//   - Optionally merges the vendor cloud account's device directory
//   - Polls every known plug over TCP on a schedule
//   - Serves the latest readings on a pull-based /metrics endpoint
//
// Usage:
//
//	plugmon [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (default "config.yaml")
//	-listen string
//	      address to expose metrics on (overrides config)
func main() {
	configPath, listenOverride := parseFlags()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if listenOverride != "" {
		cfg.Server.ListenAddress = listenOverride
	}

	// Initialize structured logger
	logger := newLogger(cfg.Logging)

	logger.WithFields(logrus.Fields{
		"listen_address": cfg.Server.ListenAddress,
		"broadcast":      cfg.Protocol.BroadcastAddress,
		"poll_interval":  cfg.Polling.Interval.String(),
	}).Info("Starting plugmon")

	// Create a context that will be canceled on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize components
	store := snapshot.NewStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	discoverer := discovery.NewClient(
		cfg.Protocol.BroadcastAddress, cfg.Protocol.DiscoveryWindow, logger)
	querier := device.NewClient(
		cfg.Protocol.ConnectTimeout, cfg.Protocol.ReadTimeout)

	var directory poller.Directory
	if cfg.Cloud.Enabled() {
		directory = cloud.NewClient(
			cfg.Cloud.Endpoint, cfg.Cloud.AppType,
			cfg.Cloud.Username, cfg.Cloud.Password, logger)
		logger.Info("Cloud directory enabled")
	}

	p, err := poller.New(poller.Config{
		Concurrency:          cfg.Polling.Concurrency,
		RateLimit:            cfg.Polling.RateLimit,
		RateLimitBurst:       cfg.Polling.RateLimitBurst,
		UnreachableThreshold: cfg.Polling.UnreachableThreshold,
		StaleAfter:           cfg.Polling.StaleAfter,
		RemoveAfterScans:     cfg.Polling.RemoveAfterScans,
	}, querier, discoverer, directory, store, poller.NewMetrics(registry), logger)
	if err != nil {
		logger.Fatalf("Failed to create poller: %v", err)
	}

	sched := scheduler.NewScheduler(ctx, p, logger,
		cfg.Polling.Interval, cfg.Polling.DiscoveryInterval)

	handler, err := web.NewHandler(web.ServerConfig{
		ListenAddress:  cfg.Server.ListenAddress,
		CacheSize:      cfg.Server.CacheSize,
		RateLimit:      cfg.Server.RateLimit,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	}, store, p, registry, logger)
	if err != nil {
		logger.Fatalf("Failed to setup HTTP handler: %v", err)
	}

	srv := web.NewServer(web.ServerConfig{ListenAddress: cfg.Server.ListenAddress}, handler)

	// Start background services
	errChan := make(chan error, 1)

	if err := sched.Start(); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}

	// Handle shutdown gracefully
	go handleShutdown(ctx, cancel, srv, sched, logger)

	logger.WithFields(logrus.Fields{
		"listen_address": cfg.Server.ListenAddress,
	}).Info("Starting metrics server")

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		logger.Fatalf("Service error: %v", err)
	case <-ctx.Done():
		logger.Info("Shutdown complete")
	}
}

func parseFlags() (configPath, listen string) {
	flag.StringVar(&configPath, "config", "config.yaml", "path to config file")
	flag.StringVar(&listen, "listen", "", "address to expose metrics on (overrides config)")
	flag.Parse()

	return configPath, listen
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	if cfg.Format != "text" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

// Handle graceful shutdown
func handleShutdown(
	ctx context.Context,
	cancel context.CancelFunc,
	srv *http.Server,
	sched *scheduler.Scheduler,
	logger *logrus.Logger,
) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		logger.Println("Context canceled, initiating shutdown")
	case sig := <-sigChan:
		logger.Printf("Received signal %v, initiating shutdown", sig)
	}

	// Perform graceful shutdown
	logger.Println("Gracefully stopping server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown did not finish cleanly")
	}

	sched.Stop()
	cancel()
	logger.Println("Server stopped")
}
