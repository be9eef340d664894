// Package mixprop implements the binary mixture property model: a directed
// message-passing encoder per molecule slot, a mixture assembler that builds
// a forward and a swapped view of every row, a shared feed-forward readout
// and a task-specific output normalization. The two views are averaged,
// which makes predictions invariant to swapping the components together
// with their mole fractions.
package mixprop

import (
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/internal/intelligence/nn"
	"github.com/turtacn/mixprop/pkg/errors"
)

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// ModelOption customizes model construction.
type ModelOption func(*Model)

// WithLogger sets the model logger.
func WithLogger(l logging.Logger) ModelOption {
	return func(m *Model) { m.logger = logging.OrNop(l) }
}

// ForwardOption customizes a single forward call.
type ForwardOption func(*nn.ForwardContext)

// WithRand sets the dropout randomness source of a training-mode call. The
// source must not be shared with concurrent calls.
func WithRand(r *rand.Rand) ForwardOption {
	return func(c *nn.ForwardContext) { c.Rand = r }
}

// WithDropoutSeed seeds the dropout randomness of a training-mode call.
func WithDropoutSeed(seed int64) ForwardOption {
	return func(c *nn.ForwardContext) { c.Rand = rand.New(rand.NewSource(seed)) }
}

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

// Model is an assembled MixProp network. Its configuration and parameter
// shapes are fixed at construction; Forward and Fingerprint only read
// parameters and may be called concurrently.
type Model struct {
	cfg       *ModelConfig
	task      Task
	encoder   *MPN
	assembler *MixtureAssembler
	readout   *Readout
	logger    logging.Logger
}

// NewModel validates cfg and builds a randomly initialized model. Freeze
// directives in cfg are applied.
func NewModel(cfg *ModelConfig, opts ...ModelOption) (*Model, error) {
	if cfg == nil {
		return nil, errors.NewConfigError("model config is required")
	}
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	task, err := NewTask(cfg)
	if err != nil {
		return nil, err
	}
	assembler, err := NewMixtureAssembler(cfg.ComponentWidth(), cfg.EncoderOutputWidth())
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &Model{
		cfg:       cfg,
		task:      task,
		encoder:   newMPN(cfg, rng),
		assembler: assembler,
		logger:    logging.NewNopLogger(),
	}
	m.readout = newReadout(cfg, task, assembler.OutputWidth(), rng)
	for _, opt := range opts {
		opt(m)
	}

	if err := m.applyFreeze(); err != nil {
		return nil, err
	}

	total, trainable := nn.CountParameters(m.Parameters())
	m.logger.Debug("model built",
		logging.String("model_id", cfg.ModelID),
		logging.String("task", string(cfg.Task)),
		logging.Int("encoder_width", cfg.EncoderOutputWidth()),
		logging.Int("readout_input", assembler.OutputWidth()),
		logging.Int("parameters", total),
		logging.Int("trainable", trainable),
	)
	return m, nil
}

func (m *Model) applyFreeze() error {
	f := m.cfg.Freeze
	if !f.Enabled {
		return nil
	}
	m.encoder.Freeze(f.FirstEncoderOnly)
	return m.readout.Freeze(f.FFNLayers)
}

// Config returns a copy of the model configuration.
func (m *Model) Config() ModelConfig { return *m.cfg }

// Task returns the task strategy.
func (m *Model) Task() Task { return m.task }

// Encoder returns the message-passing stage.
func (m *Model) Encoder() *MPN { return m.encoder }

// Readout returns the feed-forward stage.
func (m *Model) Readout() *Readout { return m.readout }

// OutputSize is the width of a prediction row.
func (m *Model) OutputSize() int { return m.task.OutputSize() }

// Parameters returns every parameter, encoders first.
func (m *Model) Parameters() []*nn.Parameter {
	return append(m.encoder.Parameters(), m.readout.Parameters()...)
}

// ParameterCounts returns the total and trainable scalar parameter counts.
func (m *Model) ParameterCounts() (total, trainable int) {
	return nn.CountParameters(m.Parameters())
}

// Encode runs the encoder and returns the combined rows.
func (m *Model) Encode(in *Input, ctx *nn.ForwardContext) (*mat.Dense, error) {
	if err := in.Validate(m.cfg); err != nil {
		return nil, err
	}
	return m.encoder.Forward(in, ctx)
}

// Forward predicts one row per mixture. In ModeTrain dropout is active and
// draws from the per-call source (WithRand / WithDropoutSeed), defaulting to
// one seeded with the configured seed.
func (m *Model) Forward(in *Input, mode nn.Mode, opts ...ForwardOption) (*mat.Dense, error) {
	start := time.Now()
	ctx := &nn.ForwardContext{Mode: mode}
	for _, opt := range opts {
		opt(ctx)
	}
	if mode == nn.ModeTrain && ctx.Rand == nil {
		ctx.Rand = rand.New(rand.NewSource(m.cfg.Seed))
	}

	fwd, swp, err := m.forwardViews(in, ctx)
	if err != nil {
		return nil, err
	}
	out := m.task.Normalize(nn.Average(fwd, swp), mode)

	m.logger.Debug("forward",
		logging.Int("rows", in.NumRows()),
		logging.String("mode", mode.String()),
		logging.Duration("took", time.Since(start)),
	)
	return out, nil
}

// forwardViews returns the readout outputs of the forward and swapped views.
func (m *Model) forwardViews(in *Input, ctx *nn.ForwardContext) (fwd, swp *mat.Dense, err error) {
	combined, err := m.Encode(in, ctx)
	if err != nil {
		return nil, nil, err
	}
	fv, sv, err := m.assembler.Assemble(combined)
	if err != nil {
		return nil, nil, err
	}
	return m.readout.Forward(fv, ctx), m.readout.Forward(sv, ctx), nil
}

// Fingerprint returns a latent representation of every row in eval mode.
// FingerprintMPN is the combined encoder row; FingerprintLastFFN is the
// penultimate readout activation of the forward view followed by that of
// the swapped view.
func (m *Model) Fingerprint(in *Input, kind FingerprintType) (*mat.Dense, error) {
	ctx := nn.EvalContext()
	switch kind {
	case FingerprintMPN:
		return m.Encode(in, ctx)
	case FingerprintLastFFN:
		combined, err := m.Encode(in, ctx)
		if err != nil {
			return nil, err
		}
		fv, sv, err := m.assembler.Assemble(combined)
		if err != nil {
			return nil, err
		}
		return nn.HConcat(m.readout.Penultimate(fv, ctx), m.readout.Penultimate(sv, ctx)), nil
	default:
		return nil, errors.New(errors.ErrCodeUnsupportedFingerprint, "unsupported fingerprint type").
			WithDetail(string(kind))
	}
}

// Summary describes the architecture, one line per component.
func (m *Model) Summary() []string {
	lines := []string{
		"task: " + string(m.cfg.Task),
	}
	for i, e := range m.encoder.Encoders() {
		lines = append(lines, formatEncoder(i, e))
	}
	lines = append(lines, "readout:")
	for _, l := range m.readout.Layers() {
		lines = append(lines, "  "+l)
	}
	return lines
}
