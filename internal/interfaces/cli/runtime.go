package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/mixprop/internal/config"
	"github.com/turtacn/mixprop/internal/infrastructure/auth/keycloak"
	"github.com/turtacn/mixprop/internal/infrastructure/database/postgres"
	"github.com/turtacn/mixprop/internal/infrastructure/database/redis"
	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/mixprop/internal/infrastructure/storage/minio"
	"github.com/turtacn/mixprop/internal/intelligence/mixprop"
	"github.com/turtacn/mixprop/internal/interfaces/http/handlers"
	"github.com/turtacn/mixprop/internal/interfaces/http/middleware"
	"github.com/turtacn/mixprop/pkg/errors"
)

// checkpointObjectPrefix namespaces checkpoints inside the bucket.
const checkpointObjectPrefix = "checkpoints/"

// runtime bundles the components a command opens from config.
type runtime struct {
	cfg     *config.Config
	logger  logging.Logger
	store   mixprop.CheckpointStore
	metrics *prometheus.AppMetrics
	// jobs is nil unless postgres.enabled is set.
	jobs    *postgres.JobRepository
	closers []func() error
	// checks cover the external dependencies opened so far.
	checks  []handlers.HealthChecker
	// admin guards model management routes when auth.enabled is set.
	admin   []gin.HandlerFunc
}

func newRuntime(ctx context.Context, cliCtx *CLIContext) (*runtime, error) {
	rt := &runtime{cfg: cliCtx.Config, logger: logging.OrNop(cliCtx.Logger)}
	store, err := rt.openStore(ctx)
	if err != nil {
		return nil, err
	}
	rt.store = store
	return rt, nil
}

// openStore returns the checkpoint store selected by checkpoint.backend.
func (rt *runtime) openStore(ctx context.Context) (mixprop.CheckpointStore, error) {
	cc := rt.cfg.Checkpoint
	switch cc.Backend {
	case config.BackendMinIO:
		client, err := minio.NewMinIOClient(ctx, &cc.MinIO, rt.logger)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, client.Close)
		rt.checks = append(rt.checks, handlers.CheckFunc{Component: "minio", Fn: func(ctx context.Context) error {
			_, err := client.HealthCheck(ctx)
			return err
		}})
		repo := minio.NewMinIORepository(client, rt.logger)
		return mixprop.NewObjectCheckpointStore(repo, checkpointObjectPrefix, rt.logger), nil
	default:
		return mixprop.NewFileCheckpointStore(cc.Dir, rt.logger)
	}
}

func (rt *runtime) storeName() string {
	if rt.cfg.Checkpoint.Backend == "" {
		return config.BackendFile
	}
	return rt.cfg.Checkpoint.Backend
}

// registry creates a model registry over the store.
func (rt *runtime) registry() (*mixprop.Registry, error) {
	return mixprop.NewRegistry(rt.store, rt.storeName(), rt.metrics, rt.logger)
}

// serving activates checkpoint id (the configured active id when empty)
// and returns a Serving over it. The Redis cache is attached when enabled.
func (rt *runtime) serving(ctx context.Context, id string) (*mixprop.Serving, string, error) {
	if id == "" {
		id = rt.cfg.Checkpoint.ActiveID
	}
	if id == "" {
		return nil, "", errors.NewInvalidInputError("no model selected").
			WithDetail("pass --model or set checkpoint.active_id")
	}
	reg, err := rt.registry()
	if err != nil {
		return nil, "", err
	}
	if err := reg.Activate(ctx, id); err != nil {
		return nil, "", err
	}

	opts := []mixprop.PredictorOption{
		mixprop.WithPredictorLogger(rt.logger),
		mixprop.WithMetrics(rt.metrics),
		mixprop.WithConcurrency(rt.cfg.Inference.Concurrency),
		mixprop.WithMaxBatchRows(rt.cfg.Inference.MaxBatchRows),
	}
	if rt.cfg.Cache.Enabled {
		cache, err := rt.openCache()
		if err != nil {
			return nil, "", err
		}
		opts = append(opts, mixprop.WithPredictionCache(cache, rt.cfg.Cache.TTL))
	}
	return mixprop.NewServing(reg, opts...), id, nil
}

func (rt *runtime) openCache() (redis.Cache, error) {
	cc := rt.cfg.Cache
	client, err := redis.NewClient(&cc.Redis, rt.logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, client.Close)
	rt.checks = append(rt.checks, handlers.CheckFunc{Component: "redis", Fn: client.Ping})
	return redis.NewRedisCache(client, rt.logger,
		redis.WithPrefix(cc.Prefix),
		redis.WithDefaultTTL(cc.TTL),
	), nil
}

// openJobs connects the job history store when postgres is enabled,
// migrating the schema first if postgres.migrate_on_start is set.
func (rt *runtime) openJobs(ctx context.Context) error {
	pc := rt.cfg.Postgres
	if !pc.Enabled {
		return nil
	}
	if pc.MigrateOnStart {
		if err := postgres.RunMigrations(pc.DSN(), rt.logger); err != nil {
			return err
		}
	}
	conn, err := postgres.NewConnection(ctx, pc, rt.logger)
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, conn.Close)
	rt.checks = append(rt.checks, handlers.CheckFunc{Component: "postgres", Fn: conn.HealthCheck})
	rt.jobs = postgres.NewJobRepository(conn.Pool(), rt.logger)
	return nil
}

// openAuth builds the bearer-token guard for model management. It is a no-op
// unless auth.enabled is set.
func (rt *runtime) openAuth(ctx context.Context) error {
	ac := rt.cfg.Auth
	if !ac.Enabled {
		return nil
	}
	v, err := keycloak.NewVerifier(ctx, ac, rt.logger)
	if err != nil {
		return err
	}
	rt.admin = []gin.HandlerFunc{
		middleware.Authenticate(v, rt.logger),
		middleware.RequireRole(ac.AdminRole),
	}
	return nil
}

// Close releases everything the runtime opened, newest first.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("close failed", logging.Err(err))
		}
	}
	rt.closers = nil
}

// readJSONInput decodes path ("-" for stdin) into v.
func readJSONInput(stdin io.Reader, path string, v interface{}) error {
	var r io.Reader
	switch path {
	case "":
		return errors.NewInvalidInputError("--input is required")
	case "-":
		r = stdin
	default:
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeNotFound, "cannot open input").WithDetail(path)
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return errors.Wrap(err, errors.ErrCodeSerialization, "malformed input").WithDetail(path)
	}
	return nil
}

// commandContext bounds ctx by the global --timeout.
func commandContext(parent context.Context, cliCtx *CLIContext) (context.Context, context.CancelFunc) {
	if cliCtx.Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, cliCtx.Timeout)
}
