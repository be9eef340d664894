package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/mixprop/internal/config"
	"github.com/turtacn/mixprop/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/mixprop/internal/worker"
	"github.com/turtacn/mixprop/pkg/errors"
)

const shutdownTimeout = 10 * time.Second

func newWorkerCmd() *cobra.Command {
	var modelID string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve predictions from Kafka request topics",
		Long: "Consume prediction and fingerprint requests from Kafka, evaluate them with the\n" +
			"active checkpoint and publish result events. Failed deliveries are retried and\n" +
			"then dead-lettered. Metrics and a health check are served over HTTP.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cliCtx, modelID)
		},
	}
	cmd.Flags().StringVarP(&modelID, "model", "m", "", "checkpoint id (default: checkpoint.active_id)")
	return cmd
}

// runWorker blocks until ctx is done.
func runWorker(ctx context.Context, cliCtx *CLIContext, modelID string) error {
	cfg := cliCtx.Config
	logger := logging.OrNop(cliCtx.Logger).Named("worker")
	if len(cfg.Kafka.Consumer.Brokers) == 0 {
		return errors.NewConfigError("kafka.consumer.brokers is required for the worker")
	}

	rt, err := newRuntime(ctx, cliCtx)
	if err != nil {
		return err
	}
	defer rt.Close()

	var collector prometheus.MetricsCollector
	if cfg.Metrics.Enabled {
		collector, err = prometheus.NewMetricsCollector(cfg.Metrics.Collector, logger)
		if err != nil {
			return err
		}
		rt.metrics = prometheus.NewAppMetrics(collector)
	}

	serving, activeID, err := rt.serving(ctx, modelID)
	if err != nil {
		return err
	}
	if err := rt.openJobs(ctx); err != nil {
		return err
	}

	if cfg.Kafka.AutoCreateTopics {
		if err := ensureTopics(ctx, cfg, logger); err != nil {
			return err
		}
	}

	producer, err := kafka.NewProducer(cfg.Kafka.Producer, logger)
	if err != nil {
		return err
	}
	defer producer.Close()

	consumer, err := kafka.NewConsumer(cfg.Kafka.Consumer, logger,
		kafka.WithDeadLetterPublisher(producer),
		kafka.WithAppMetrics(rt.metrics),
	)
	if err != nil {
		return err
	}
	defer consumer.Close()

	var opts []worker.Option
	if rt.jobs != nil {
		opts = append(opts, worker.WithRecorder(jobRecorder{jobs: rt.jobs}))
	}
	w, err := worker.New(serving, producer, cfg.Worker, rt.metrics, logger, opts...)
	if err != nil {
		return err
	}
	w.Register(consumer)
	if err := consumer.Start(ctx); err != nil {
		return err
	}
	prometheus.SetHealth(rt.metrics, "worker", true)

	if cliCtx.ConfigPath != "" {
		if err := config.WatchLogLevel(cliCtx.ConfigPath, cliCtx.Logger); err != nil {
			logger.Warn("config watch disabled", logging.Err(err))
		}
	}

	srv := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           newOpsHandler(collector, activeID),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srvErr <- err
		}
		close(srvErr)
	}()

	logger.Info("worker started",
		logging.String("checkpoint_id", activeID),
		logging.String("addr", cfg.Worker.MetricsAddr),
		logging.Any("topics", cfg.Worker.Topics()),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-srvErr:
		if err != nil {
			logger.Error("ops server failed", logging.Err(err))
		}
	}
	prometheus.SetHealth(rt.metrics, "worker", false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown", logging.Err(err))
	}
	logger.Info("worker stopped")
	return nil
}

func ensureTopics(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	tm, err := kafka.NewTopicManager(cfg.Kafka.Consumer.Brokers, logger)
	if err != nil {
		return err
	}
	defer tm.Close()
	return tm.EnsureDefaultTopics(ctx, cfg.Kafka.ReplicationFactor)
}

// newOpsHandler serves /healthz and, when collector is set, /metrics.
func newOpsHandler(collector prometheus.MetricsCollector, checkpointID string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":        "ok",
			"checkpoint_id": checkpointID,
		})
	})
	if collector != nil {
		mux.Handle("/metrics", collector.Handler())
	}
	return mux
}
