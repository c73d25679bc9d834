package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/devbox-infra/lifecycle/internal/config"
	"github.com/devbox-infra/lifecycle/internal/logger"
	"github.com/devbox-infra/lifecycle/pkg/errors"
	"github.com/devbox-infra/lifecycle/pkg/events"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume lifecycle events from the bus and run the saga handlers",
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}
	if cfg.QueueURL == "" {
		return fmt.Errorf("queue-url is required for the worker")
	}

	logger.Setup(cfg.LogFormat, cfg.LogFile)

	if err := ensureDirectories(cfg.DBPath, ""); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, _, saga, err := buildSaga(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	consumer, err := events.NewConsumer(ctx, cfg.AWSRegion, cfg.QueueURL, events.NewDispatcher(saga))
	if err != nil {
		return errors.Wrap(err, "consumer init failed")
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			slog.Info("metrics_listener_started", "addr", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				slog.Error("metrics_listener_failed", "error", err)
			}
		}()
	}

	slog.Info("worker_started", "queue_url", cfg.QueueURL, "db_path", cfg.DBPath)
	return consumer.Run(ctx)
}
