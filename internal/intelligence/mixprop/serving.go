package mixprop

import (
	"context"
	"sync"
)

// Serving answers requests with the registry's active model. Predictors are
// created lazily per checkpoint, so activating or rolling back a model
// takes effect on the next request.
type Serving struct {
	registry *Registry
	opts     []PredictorOption

	mu         sync.Mutex
	predictors map[string]*Predictor
}

// NewServing creates a Serving over reg. opts apply to every predictor.
func NewServing(reg *Registry, opts ...PredictorOption) *Serving {
	return &Serving{
		registry:   reg,
		opts:       opts,
		predictors: make(map[string]*Predictor),
	}
}

// Registry returns the underlying registry.
func (s *Serving) Registry() *Registry { return s.registry }

// Active returns the predictor of the active model and its checkpoint id.
func (s *Serving) Active() (*Predictor, string, error) {
	model, id, err := s.registry.Active()
	if err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.predictors[id]; ok && p.model == model {
		return p, id, nil
	}
	opts := append(append([]PredictorOption(nil), s.opts...), WithCheckpointID(id))
	p, err := NewPredictor(model, opts...)
	if err != nil {
		return nil, "", err
	}
	s.predictors[id] = p
	return p, id, nil
}

// Activate makes checkpoint id the active model.
func (s *Serving) Activate(ctx context.Context, id string) error {
	return s.registry.Activate(ctx, id)
}

// Rollback reactivates the previously active model.
func (s *Serving) Rollback() error {
	return s.registry.Rollback()
}

// Evict drops a non-active model and its predictor.
func (s *Serving) Evict(id string) error {
	if err := s.registry.Evict(id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.predictors, id)
	s.mu.Unlock()
	return nil
}

// Predict serves req with the active model.
func (s *Serving) Predict(ctx context.Context, req *PredictRequest) (*PredictResponse, error) {
	p, _, err := s.Active()
	if err != nil {
		return nil, err
	}
	return p.Predict(ctx, req)
}

// Fingerprint serves req with the active model.
func (s *Serving) Fingerprint(ctx context.Context, req *FingerprintRequest) (*FingerprintResponse, error) {
	p, _, err := s.Active()
	if err != nil {
		return nil, err
	}
	return p.Fingerprint(ctx, req)
}

// Loaded lists the checkpoints held in memory.
func (s *Serving) Loaded() []string { return s.registry.Loaded() }
