package cli

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/turtacn/mixprop/internal/config"
	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/mixprop/internal/intelligence/mixprop"
	grpcapi "github.com/turtacn/mixprop/internal/interfaces/grpc"
	"github.com/turtacn/mixprop/internal/interfaces/grpc/services"
	httpapi "github.com/turtacn/mixprop/internal/interfaces/http"
	"github.com/turtacn/mixprop/internal/interfaces/http/handlers"
	"github.com/turtacn/mixprop/internal/interfaces/http/middleware"
)

func newServeCmd() *cobra.Command {
	var (
		modelID string
		addr    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve predictions over HTTP and gRPC",
		Long: "Start the HTTP API: POST /api/v1/predict and /api/v1/fingerprint evaluate the\n" +
			"active checkpoint and /api/v1/models manages activation and rollback. When\n" +
			"postgres is enabled, /api/v1/jobs looks up recorded worker results. /healthz,\n" +
			"/readyz and /metrics serve operations. With grpc.enabled the same engine is\n" +
			"exposed as mixprop.v1.PredictionService.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cliCtx.Config.HTTP.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cliCtx, modelID)
		},
	}
	cmd.Flags().StringVarP(&modelID, "model", "m", "", "checkpoint id (default: checkpoint.active_id)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: http.addr)")
	return cmd
}

// runServe blocks until ctx is done or the server fails.
func runServe(ctx context.Context, cliCtx *CLIContext, modelID string) error {
	cfg := cliCtx.Config
	logger := logging.OrNop(cliCtx.Logger).Named("http")

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
	if err := rt.openAuth(ctx); err != nil {
		return err
	}

	var limiter *middleware.TokenBucketLimiter
	if cfg.HTTP.EnableRateLimit {
		limiter = middleware.NewTokenBucketLimiter(cfg.HTTP.RateLimit)
		defer limiter.Stop()
	}

	handler := newServeHandler(rt, serving, collector, limiter)
	srv := httpapi.NewServer(cfg.HTTP, handler, logger)

	if cliCtx.ConfigPath != "" {
		if err := config.WatchLogLevel(cliCtx.ConfigPath, cliCtx.Logger); err != nil {
			logger.Warn("config watch disabled", logging.Err(err))
		}
	}

	srvErr := make(chan error, 2)
	go func() { srvErr <- srv.Start() }()
	prometheus.SetHealth(rt.metrics, "http", true)
	logger.Info("http api started",
		logging.String("checkpoint_id", activeID),
		logging.String("addr", cfg.HTTP.Addr),
	)

	var gs *grpcapi.Server
	if cfg.GRPC.Enabled {
		gs, err = newGRPCServer(rt, serving, cfg.GRPC)
		if err != nil {
			_ = srv.Stop(context.Background())
			return err
		}
		go func() { srvErr <- gs.Start() }()
		prometheus.SetHealth(rt.metrics, "grpc", true)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-srvErr:
	}
	prometheus.SetHealth(rt.metrics, "http", false)
	if gs != nil {
		prometheus.SetHealth(rt.metrics, "grpc", false)
		if err := gs.Stop(context.Background()); err != nil {
			logger.Warn("grpc shutdown", logging.Err(err))
		}
	}
	if err := srv.Stop(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// newGRPCServer binds the gRPC listener and registers the prediction
// service over serving.
func newGRPCServer(rt *runtime, serving *mixprop.Serving, cfg grpcapi.ServerConfig) (*grpcapi.Server, error) {
	gs, err := grpcapi.NewServer(cfg, grpcapi.WithLogger(rt.logger), grpcapi.WithMetrics(rt.metrics))
	if err != nil {
		return nil, err
	}
	gs.RegisterService(&services.PredictionServiceDesc, services.NewPredictionService(serving, rt.logger))
	return gs, nil
}

// newServeHandler assembles the router over serving. A nil limiter disables
// rate limiting.
func newServeHandler(rt *runtime, serving *mixprop.Serving, collector prometheus.MetricsCollector, limiter *middleware.TokenBucketLimiter) http.Handler {
	checkers := append([]handlers.HealthChecker{
		handlers.CheckFunc{Component: "model", Fn: func(context.Context) error {
			_, _, err := serving.Active()
			return err
		}},
	}, rt.checks...)

	rc := httpapi.RouterConfig{
		PredictionHandler: handlers.NewPredictionHandler(serving, rt.logger),
		ModelHandler:      handlers.NewModelHandler(serving, rt.store, rt.logger),
		HealthHandler:     handlers.NewHealthHandler(Version, checkers...),
		AdminMiddleware:   rt.admin,
		Logging:           middleware.DefaultLoggingConfig(),
		Logger:            rt.logger,
		Metrics:           rt.metrics,
		MetricsCollector:  collector,
	}
	if limiter != nil {
		rc.RateLimiter = limiter
	}
	if rt.jobs != nil {
		rc.JobHandler = handlers.NewJobHandler(rt.jobs)
	}
	return httpapi.NewRouter(rc)
}
