// featurestored is the feature store maintenance host. It owns the data
// directory, runs the background flush and compaction loops and exposes
// Prometheus metrics on /metrics and liveness on /healthz.
//
// It serves no ingest or retrieval endpoints. Programs that ingest and
// read features embed the store through internal/featurestore and put
// their own transport in front of it; this binary is the template for that
// lifecycle. fsctl opens the same data directory and must not run while
// featurestored does.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/featurestore/internal/config"
	"github.com/xtxerr/featurestore/internal/featurestore"
	"github.com/xtxerr/featurestore/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	logJSON := flag.Bool("log-json", false, "log as JSON")
	metricsListen := flag.String("metrics-listen", ":9464", "metrics listen address, empty to disable")
	flag.Parse()

	cfg, found, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		logging.Init(logging.Options{})
		logging.L().Error("load config", "path", *cfgPath, "error", err)
		os.Exit(1)
	}

	// CLI overrides
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logJSON {
		cfg.Logging.JSON = true
	}
	cfg.Registry.DSN = cfg.RegistryPath()

	logging.Init(logging.Options{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})
	log := logging.Component("featurestored")
	log.Info("featurestored starting", "version", Version)
	if !found {
		log.Info("no config file found, using defaults", "path", *cfgPath)
	}

	if err := run(cfg, *metricsListen, log); err != nil {
		log.Error("featurestored failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, metricsListen string, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := featurestore.Open(ctx, cfg, reg)
	if err != nil {
		return err
	}

	if err := store.Start(); err != nil {
		store.Stop()
		return err
	}

	// =========================================================================
	// Metrics endpoint
	// =========================================================================

	var srv *http.Server
	errCh := make(chan error, 1)
	if metricsListen != "" && cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			if !store.Stats().Running {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})

		srv = &http.Server{
			Addr:              metricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("metrics listening", "addr", metricsListen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	// =========================================================================
	// Wait for shutdown
	// =========================================================================

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		log.Error("metrics server failed", "error", runErr)
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown", "error", err)
		}
		cancel()
	}

	// Stop flushes memtables so nothing is left to replay on the next start.
	if err := store.Stop(); err != nil {
		return errors.Join(runErr, err)
	}

	log.Info("featurestored stopped")
	return runErr
}
