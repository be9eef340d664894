package mixprop

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/mixprop/pkg/errors"
)

// Registry loads models from a checkpoint store and tracks which one is
// active. Loaded models are kept in memory by checkpoint id.
type Registry struct {
	store     CheckpointStore
	storeName string
	metrics   *prometheus.AppMetrics
	logger    logging.Logger

	loads singleflight.Group

	mu       sync.RWMutex
	models   map[string]*Model
	active   string
	previous string
}

// NewRegistry creates a registry over store. storeName labels metrics.
func NewRegistry(store CheckpointStore, storeName string, metrics *prometheus.AppMetrics, log logging.Logger) (*Registry, error) {
	if store == nil {
		return nil, errors.NewConfigError("checkpoint store is required")
	}
	return &Registry{
		store:     store,
		storeName: storeName,
		metrics:   metrics,
		logger:    logging.OrNop(log),
		models:    make(map[string]*Model),
	}, nil
}

// Load returns the model of checkpoint id, reading it from the store on
// first use.
func (r *Registry) Load(ctx context.Context, id string) (*Model, error) {
	r.mu.RLock()
	m, ok := r.models[id]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	v, err, _ := r.loads.Do(id, func() (interface{}, error) {
		start := time.Now()
		m, err := r.load(ctx, id)
		prometheus.RecordCheckpointLoad(r.metrics, r.storeName, time.Since(start), err == nil)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.models[id] = m
		r.mu.Unlock()

		total, trainable := m.ParameterCounts()
		prometheus.RecordModelParameters(r.metrics, id, total, trainable)
		r.logger.Info("model loaded",
			logging.String("checkpoint_id", id),
			logging.String("model_id", m.cfg.ModelID),
			logging.Int("parameters", total),
			logging.Duration("took", time.Since(start)),
		)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Model), nil
}

func (r *Registry) load(ctx context.Context, id string) (*Model, error) {
	ckpt, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return ckpt.Restore(WithLogger(r.logger))
}

// Activate loads id and makes it the active model. The previously active
// model becomes the rollback target.
func (r *Registry) Activate(ctx context.Context, id string) error {
	if _, err := r.Load(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == id {
		return nil
	}
	r.previous, r.active = r.active, id
	r.logger.Info("active model set", logging.String("checkpoint_id", id), logging.String("previous", r.previous))
	return nil
}

// Active returns the active model and its checkpoint id.
func (r *Registry) Active() (*Model, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == "" {
		return nil, "", errors.New(errors.ErrCodeModelNotLoaded, "model not loaded").WithDetail("no active model")
	}
	return r.models[r.active], r.active, nil
}

// Rollback reactivates the previously active model.
func (r *Registry) Rollback() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.previous == "" {
		return errors.NewInvalidInputError("no previous model")
	}
	r.active, r.previous = r.previous, r.active
	r.logger.Info("rolled back", logging.String("checkpoint_id", r.active))
	return nil
}

// Loaded lists the ids of the models held in memory.
func (r *Registry) Loaded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Evict drops id from memory. The active model cannot be evicted.
func (r *Registry) Evict(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == r.active {
		return errors.NewInvalidInputError("cannot evict the active model").WithDetail(id)
	}
	delete(r.models, id)
	if r.previous == id {
		r.previous = ""
	}
	return nil
}
