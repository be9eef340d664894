package mixprop

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gonum.org/v1/gonum/mat"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/mixprop/internal/intelligence/molgraph"
	"github.com/turtacn/mixprop/internal/intelligence/nn"
	"github.com/turtacn/mixprop/pkg/errors"
)

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// RowInput is one mixture row in wire form.
type RowInput struct {
	// Molecules holds one featurized graph per molecule slot.
	Molecules []*molgraph.MolGraph `json:"molecules,omitempty"`

	// Features is the global descriptors followed by the mole fraction of
	// component A and the temperature.
	Features []float64 `json:"features"`

	// AtomDescriptors holds, per slot, one row per atom.
	AtomDescriptors [][][]float64 `json:"atom_descriptors,omitempty"`

	// ExtraBondFeatures holds, per slot, one row per directed bond. Bond i
	// of a molecule owns rows 2i (first atom to second) and 2i+1.
	ExtraBondFeatures [][][]float64 `json:"extra_bond_features,omitempty"`
}

// PredictRequest asks for predictions on a batch of rows.
type PredictRequest struct {
	Rows []*RowInput `json:"rows"`
}

// PredictResponse carries one prediction row per request row.
type PredictResponse struct {
	ModelID      string      `json:"model_id"`
	ModelVersion string      `json:"model_version"`
	CheckpointID string      `json:"checkpoint_id,omitempty"`
	Task         TaskKind    `json:"task"`
	Predictions  [][]float64 `json:"predictions"`
	Cached       bool        `json:"cached"`
}

// FingerprintRequest asks for latent representations of a batch of rows.
type FingerprintRequest struct {
	Rows []*RowInput     `json:"rows"`
	Type FingerprintType `json:"type"`
}

// FingerprintResponse carries one fingerprint row per request row.
type FingerprintResponse struct {
	ModelID      string          `json:"model_id"`
	CheckpointID string          `json:"checkpoint_id,omitempty"`
	Type         FingerprintType `json:"type"`
	Fingerprints [][]float64     `json:"fingerprints"`
}

// BuildInput batches rows per molecule slot.
func BuildInput(cfg *ModelConfig, rows []*RowInput) (*Input, error) {
	if len(rows) == 0 {
		return nil, errors.NewInvalidInputError("empty input batch")
	}
	in := &Input{Features: make([][]float64, len(rows))}
	for i, r := range rows {
		if r == nil {
			return nil, errors.NewInvalidInputError("nil row").WithDetailf("row=%d", i)
		}
		in.Features[i] = append([]float64(nil), r.Features...)
	}
	if cfg.FeaturesOnly {
		return in, nil
	}

	for i, r := range rows {
		if len(r.Molecules) != cfg.NumMolecules {
			return nil, errors.NewInvalidInputError("molecule slot count mismatch").
				WithDetailf("row %d has %d molecules, want %d", i, len(r.Molecules), cfg.NumMolecules)
		}
	}

	for slot := 0; slot < cfg.NumMolecules; slot++ {
		graphs := make([]*molgraph.MolGraph, len(rows))
		for i, r := range rows {
			graphs[i] = r.Molecules[slot]
		}
		batch, err := molgraph.NewBatchMolGraph(graphs, cfg.AtomFeatureSize, cfg.BondFeatureSize)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeUnknown, "invalid molecule batch").WithDetailf("slot=%d", slot)
		}
		in.Graphs = append(in.Graphs, batch)

		if cfg.AtomDescriptors != AtomDescriptorsNone {
			m, err := stackSlot("atom descriptors", rows, slot, cfg.AtomDescriptorSize,
				func(r *RowInput) [][][]float64 { return r.AtomDescriptors },
				func(g *molgraph.MolGraph) int { return g.NumAtoms() })
			if err != nil {
				return nil, err
			}
			in.AtomDescriptors = append(in.AtomDescriptors, m)
		}
		if cfg.ExtraBondFeatureSize > 0 {
			m, err := stackSlot("extra bond features", rows, slot, cfg.ExtraBondFeatureSize,
				func(r *RowInput) [][][]float64 { return r.ExtraBondFeatures },
				func(g *molgraph.MolGraph) int { return 2 * g.NumBonds() })
			if err != nil {
				return nil, err
			}
			in.ExtraBondFeatures = append(in.ExtraBondFeatures, m)
		}
	}
	return in, nil
}

// stackSlot concatenates the per-row auxiliary arrays of one slot. It returns
// nil when the slot has no rows at all.
func stackSlot(name string, rows []*RowInput, slot, width int,
	pick func(*RowInput) [][][]float64, count func(*molgraph.MolGraph) int) (*mat.Dense, error) {

	total := 0
	for _, r := range rows {
		total += count(r.Molecules[slot])
	}
	if total == 0 {
		return nil, nil
	}

	out := mat.NewDense(total, width, nil)
	next := 0
	for i, r := range rows {
		want := count(r.Molecules[slot])
		aux := pick(r)
		var block [][]float64
		if slot < len(aux) {
			block = aux[slot]
		}
		if len(block) != want {
			return nil, errors.New(errors.ErrCodeRowCountMismatch, "row count mismatch").
				WithDetailf("%s of row %d slot %d have %d rows, want %d", name, i, slot, len(block), want)
		}
		for j, v := range block {
			if len(v) != width {
				return nil, errors.New(errors.ErrCodeFeatureWidthMismatch, "feature width mismatch").
					WithDetailf("%s of row %d slot %d entry %d have %d columns, want %d", name, i, slot, j, len(v), width)
			}
			copy(out.RawRowView(next), v)
			next++
		}
	}
	return out, nil
}

func denseRows(m *mat.Dense) [][]float64 {
	r, _ := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = append([]float64(nil), m.RawRowView(i)...)
	}
	return out
}

// ---------------------------------------------------------------------------
// Predictor
// ---------------------------------------------------------------------------

// PredictionCache stores prediction responses. Get reports a miss with an
// error for which errors.IsNotFound is true.
type PredictionCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// PredictorOption customizes a Predictor.
type PredictorOption func(*Predictor)

// WithPredictionCache enables response caching.
func WithPredictionCache(c PredictionCache, ttl time.Duration) PredictorOption {
	return func(p *Predictor) {
		p.cache = c
		p.cacheTTL = ttl
	}
}

// WithMetrics records prediction metrics.
func WithMetrics(m *prometheus.AppMetrics) PredictorOption {
	return func(p *Predictor) { p.metrics = m }
}

// WithPredictorLogger sets the predictor logger.
func WithPredictorLogger(l logging.Logger) PredictorOption {
	return func(p *Predictor) { p.logger = logging.OrNop(l) }
}

// WithCheckpointID records the checkpoint the model was restored from. It
// is reported in responses and scopes cache entries.
func WithCheckpointID(id string) PredictorOption {
	return func(p *Predictor) { p.checkpointID = id }
}

// WithConcurrency bounds the number of batches PredictBatches evaluates at
// once.
func WithConcurrency(n int) PredictorOption {
	return func(p *Predictor) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithMaxBatchRows splits Predict requests with more than n rows into
// batches of at most n rows, evaluated through PredictBatches. Zero disables
// splitting.
func WithMaxBatchRows(n int) PredictorOption {
	return func(p *Predictor) {
		if n >= 0 {
			p.maxBatchRows = n
		}
	}
}

// Predictor serves eval-mode predictions from a loaded model. It is safe for
// concurrent use.
type Predictor struct {
	model        *Model
	checkpointID string
	cache        PredictionCache
	cacheTTL     time.Duration
	metrics      *prometheus.AppMetrics
	logger       logging.Logger
	concurrency  int
	maxBatchRows int
	inflight     singleflight.Group
}

// NewPredictor wraps model.
func NewPredictor(model *Model, opts ...PredictorOption) (*Predictor, error) {
	if model == nil {
		return nil, errors.New(errors.ErrCodeModelNotLoaded, "model not loaded")
	}
	p := &Predictor{
		model:       model,
		cacheTTL:    15 * time.Minute,
		logger:      logging.NewNopLogger(),
		concurrency: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Model returns the served model.
func (p *Predictor) Model() *Model { return p.model }

func (p *Predictor) modelLabel() string {
	cfg := p.model.cfg
	if cfg.ModelVersion == "" {
		return cfg.ModelID
	}
	return cfg.ModelID + "@" + cfg.ModelVersion
}

// cacheKey hashes the canonical JSON of req together with the model identity.
func (p *Predictor) cacheKey(kind string, req interface{}) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode request")
	}
	h := sha256.New()
	h.Write([]byte(p.model.cfg.ModelID))
	h.Write([]byte{0})
	h.Write([]byte(p.model.cfg.ModelVersion))
	h.Write([]byte{0})
	h.Write([]byte(p.checkpointID))
	h.Write([]byte{0})
	h.Write(body)
	return kind + ":" + hex.EncodeToString(h.Sum(nil)), nil
}

// Predict returns eval-mode predictions for req. Identical concurrent
// requests share one forward pass; with a cache configured, repeated
// requests are answered from it.
func (p *Predictor) Predict(ctx context.Context, req *PredictRequest) (*PredictResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeTimeout, "prediction cancelled")
	}
	if req == nil || len(req.Rows) == 0 {
		return nil, errors.NewInvalidInputError("empty input batch")
	}
	if p.maxBatchRows > 0 && len(req.Rows) > p.maxBatchRows {
		return p.predictSplit(ctx, req.Rows)
	}
	key, err := p.cacheKey("predict", req)
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		var cached PredictResponse
		err := p.cache.Get(ctx, key, &cached)
		switch {
		case err == nil:
			prometheus.RecordCacheAccess(p.metrics, "prediction", true)
			cached.Cached = true
			return &cached, nil
		case errors.IsNotFound(err):
			prometheus.RecordCacheAccess(p.metrics, "prediction", false)
		default:
			p.logger.Warn("prediction cache read failed", logging.String("key", key), logging.Err(err))
		}
	}

	v, err, shared := p.inflight.Do(key, func() (interface{}, error) {
		return p.predict(ctx, key, req)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		p.logger.Debug("prediction shared", logging.String("key", key))
	}
	resp := *v.(*PredictResponse)
	return &resp, nil
}

func (p *Predictor) predict(ctx context.Context, key string, req *PredictRequest) (*PredictResponse, error) {
	start := time.Now()
	cfg := p.model.cfg

	out, err := p.forward(req.Rows)
	prometheus.RecordPrediction(p.metrics, p.modelLabel(), string(cfg.Task), len(req.Rows), time.Since(start), err == nil)
	if err != nil {
		prometheus.RecordError(p.metrics, "predictor", string(errors.GetCode(err)))
		return nil, err
	}

	resp := &PredictResponse{
		ModelID:      cfg.ModelID,
		ModelVersion: cfg.ModelVersion,
		CheckpointID: p.checkpointID,
		Task:         cfg.Task,
		Predictions:  denseRows(out),
	}
	if p.cache != nil {
		if err := p.cache.Set(ctx, key, resp, p.cacheTTL); err != nil {
			p.logger.Warn("prediction cache write failed", logging.String("key", key), logging.Err(err))
		}
	}
	p.logger.Debug("prediction served",
		logging.String("model", p.modelLabel()),
		logging.Int("rows", len(req.Rows)),
		logging.Duration("took", time.Since(start)),
	)
	return resp, nil
}

// predictSplit evaluates rows in batches of maxBatchRows and concatenates the
// predictions in row order.
func (p *Predictor) predictSplit(ctx context.Context, rows []*RowInput) (*PredictResponse, error) {
	var batches [][]*RowInput
	for start := 0; start < len(rows); start += p.maxBatchRows {
		end := min(start+p.maxBatchRows, len(rows))
		batches = append(batches, rows[start:end])
	}
	parts, err := p.PredictBatches(ctx, batches)
	if err != nil {
		return nil, err
	}

	resp := *parts[0]
	resp.Predictions = make([][]float64, 0, len(rows))
	resp.Cached = true
	for _, part := range parts {
		resp.Predictions = append(resp.Predictions, part.Predictions...)
		resp.Cached = resp.Cached && part.Cached
	}
	p.logger.Debug("prediction split",
		logging.String("model", p.modelLabel()),
		logging.Int("rows", len(rows)),
		logging.Int("batches", len(batches)),
	)
	return &resp, nil
}

func (p *Predictor) forward(rows []*RowInput) (*mat.Dense, error) {
	in, err := BuildInput(p.model.cfg, rows)
	if err != nil {
		return nil, err
	}
	return p.model.Forward(in, nn.ModeEval)
}

// Fingerprint returns latent representations for req.
func (p *Predictor) Fingerprint(ctx context.Context, req *FingerprintRequest) (*FingerprintResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeTimeout, "fingerprint cancelled")
	}
	if req == nil {
		return nil, errors.NewInvalidInputError("empty input batch")
	}
	kind := req.Type
	if kind == "" {
		kind = FingerprintMPN
	}

	fp, err := p.fingerprint(req.Rows, kind)
	prometheus.RecordFingerprint(p.metrics, p.modelLabel(), string(kind), err == nil)
	if err != nil {
		return nil, err
	}
	return &FingerprintResponse{
		ModelID:      p.model.cfg.ModelID,
		CheckpointID: p.checkpointID,
		Type:         kind,
		Fingerprints: denseRows(fp),
	}, nil
}

func (p *Predictor) fingerprint(rows []*RowInput, kind FingerprintType) (*mat.Dense, error) {
	in, err := BuildInput(p.model.cfg, rows)
	if err != nil {
		return nil, err
	}
	return p.model.Fingerprint(in, kind)
}

// PredictBatches evaluates independent batches concurrently. Responses are
// in batch order; the first failure cancels the remaining batches.
func (p *Predictor) PredictBatches(ctx context.Context, batches [][]*RowInput) ([]*PredictResponse, error) {
	results := make([]*PredictResponse, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, rows := range batches {
		i, rows := i, rows
		g.Go(func() error {
			resp, err := p.Predict(gctx, &PredictRequest{Rows: rows})
			if err != nil {
				return errors.Wrap(err, errors.CodeUnknown, "batch prediction failed").WithDetailf("batch=%d", i)
			}
			results[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
