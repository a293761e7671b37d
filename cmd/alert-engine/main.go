// Command alert-engine runs the alerting core as a standalone process.
// Metric snapshots arrive as newline-delimited JSON objects (metric
// name to value) on stdin or a file; prometheus metrics are served on
// the configured listen address.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsignal/alerting-engine/pkg/alerting"
	"github.com/opsignal/alerting-engine/pkg/config"
	"github.com/opsignal/alerting-engine/pkg/logging"
	"github.com/opsignal/alerting-engine/pkg/notification"
)

func main() {
	var (
		configPath   = flag.String("config", "", "path to YAML configuration")
		snapshotPath = flag.String("snapshots", "-", "NDJSON metric snapshot source ('-' for stdin)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger(cfg.Logging)
	logger.InfoWithContext("Starting alert engine",
		"listen_address", cfg.ListenAddress,
		"evaluation_interval", cfg.EvaluationInterval.String(),
	)

	registry := prometheus.NewRegistry()

	dispatcher, err := buildDispatcher(cfg, registry, logger)
	if err != nil {
		logger.ErrorWithContext("Failed to build notification dispatcher", err)
		os.Exit(1)
	}

	engine := alerting.NewEngine(cfg.Engine, dispatcher, registry, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dispatcher.Start(ctx); err != nil {
		logger.ErrorWithContext("Failed to start dispatcher", err)
		os.Exit(1)
	}
	defer dispatcher.Stop()

	if err := engine.Start(ctx); err != nil {
		logger.ErrorWithContext("Failed to start engine", err)
		os.Exit(1)
	}
	defer engine.Stop()

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorWithContext("Metrics server failed", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := feedSnapshots(ctx, engine, *snapshotPath, cfg.EvaluationInterval, logger); err != nil && ctx.Err() == nil {
		logger.ErrorWithContext("Snapshot feed failed", err)
		os.Exit(1)
	}

	logger.InfoWithContext("Alert engine shutting down")
}

// buildDispatcher wires templates, channel handlers and notification
// configs from the configuration.
func buildDispatcher(cfg *config.Config, reg prometheus.Registerer, logger *logging.StructuredLogger) (*notification.Dispatcher, error) {
	templates := notification.NewTemplateStore()
	metrics := notification.NewDispatcherMetrics(reg)
	dispatcher := notification.NewDispatcher(cfg.Dispatcher, templates, metrics, logger)

	if cfg.Channels.Email != nil {
		dispatcher.RegisterHandler(notification.NewEmailHandler(*cfg.Channels.Email))
	}
	if cfg.Channels.Webhook != nil {
		dispatcher.RegisterHandler(notification.NewWebhookHandler(*cfg.Channels.Webhook))
	}
	if cfg.Channels.SMS != nil {
		dispatcher.RegisterHandler(notification.NewSMSHandler(*cfg.Channels.SMS))
	}
	if cfg.Channels.IM != nil {
		dispatcher.RegisterHandler(notification.NewIMHandler(*cfg.Channels.IM))
	}
	if cfg.Channels.Phone != nil {
		dispatcher.RegisterHandler(notification.NewPhoneHandler(*cfg.Channels.Phone))
	}

	for _, n := range cfg.Notify {
		if err := dispatcher.AddConfig(n); err != nil {
			return nil, fmt.Errorf("add notification config %q: %w", n.Name, err)
		}
	}
	return dispatcher, nil
}

// feedSnapshots reads NDJSON snapshots and evaluates each one, pacing
// reads to the evaluation interval when the source is a regular file.
func feedSnapshots(ctx context.Context, engine *alerting.Engine, path string, interval time.Duration, logger *logging.StructuredLogger) error {
	var in io.Reader
	pace := false
	if path == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open snapshot source: %w", err)
		}
		defer f.Close()
		in = f
		pace = true
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var snapshot map[string]float64
		if err := json.Unmarshal(line, &snapshot); err != nil {
			logger.WarnWithContext("Skipping malformed snapshot line", "error", err.Error())
			continue
		}

		alerts := engine.EvaluateSnapshot(ctx, snapshot)
		if len(alerts) > 0 {
			logger.InfoWithContext("Snapshot evaluated", "metrics", len(snapshot), "alerts", len(alerts))
		}

		if pace {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
		}
	}
	return scanner.Err()
}
