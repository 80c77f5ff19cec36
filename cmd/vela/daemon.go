package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/vela/internal/cleanup"
	"github.com/oriys/vela/internal/config"
	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/metrics"
	"github.com/oriys/vela/internal/observability"
	"github.com/oriys/vela/internal/session"
)

func daemonCmd() *cobra.Command {
	var (
		logLevel string
		httpAddr string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the broker's cleanup daemon",
		Long:  "Run the periodic reconciliation loop, with optional HTTP endpoints for metrics, health, and stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
				cfg.Observability.Logging.Level = logLevel
			}
			if cmd.Flags().Changed("http-addr") {
				cfg.Daemon.HTTPAddr = httpAddr
			}

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			coord, err := buildCoordinator(cfg)
			if err != nil {
				return err
			}

			daemon := cleanup.New(coord, cleanup.Config{Interval: cfg.CleanupInterval()})
			daemon.Start()
			defer daemon.Stop()

			var httpSrv *http.Server
			if cfg.Daemon.HTTPAddr != "" {
				httpSrv = newHTTPServer(cfg, coord, daemon)
				go func() {
					logging.Op().Info("http listener started", "addr", cfg.Daemon.HTTPAddr)
					if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("http listener failed", "error", err)
					}
				}()
			}

			logging.Op().Info("vela cleanup daemon started",
				"interval", cfg.CleanupInterval(),
				"port_range", fmt.Sprintf("[%d, %d]", cfg.Broker.PortMin, cfg.Broker.PortMax))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			if httpSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				httpSrv.Shutdown(shutdownCtx)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address for /metrics, /healthz, /stats (empty disables)")
	return cmd
}

func newHTTPServer(cfg *config.Config, coord *session.Coordinator, daemon *cleanup.Daemon) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.PrometheusHandler())
	mux.Handle("/counters", metrics.Global().JSONHandler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !daemon.Healthy() {
			http.Error(w, "cleanup loop stale", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := coord.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"pool":     stats,
			"sessions": coord.List(r.Context()),
			"last_run": daemon.LastRun(),
		})
	})

	return &http.Server{
		Addr:         cfg.Daemon.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
