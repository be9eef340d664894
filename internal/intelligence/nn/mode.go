package nn

import "math/rand"

// Mode selects training or evaluation behaviour of a forward pass.
type Mode int

const (
	// ModeEval disables dropout and applies output normalization.
	ModeEval Mode = iota
	// ModeTrain enables dropout.
	ModeTrain
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeEval:
		return "eval"
	default:
		return "unknown"
	}
}

// ForwardContext carries the per-call state of a forward pass. Rand is only
// consulted in ModeTrain and must not be shared between concurrent calls.
type ForwardContext struct {
	Mode Mode
	Rand *rand.Rand
}

// EvalContext returns a context for inference.
func EvalContext() *ForwardContext {
	return &ForwardContext{Mode: ModeEval}
}

// TrainContext returns a training context whose dropout masks are drawn from
// a source seeded with seed.
func TrainContext(seed int64) *ForwardContext {
	return &ForwardContext{Mode: ModeTrain, Rand: rand.New(rand.NewSource(seed))}
}

// Training reports whether dropout should be active.
func (c *ForwardContext) Training() bool {
	return c != nil && c.Mode == ModeTrain
}

func (c *ForwardContext) rng() *rand.Rand {
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(1))
	}
	return c.Rand
}
