package mixprop

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/turtacn/mixprop/internal/intelligence/nn"
	"github.com/turtacn/mixprop/pkg/errors"
)

// Readout is the feed-forward network shared by both mixture views.
//
// With one layer it is [dropout, linear(in→out)]. Otherwise it is
// [dropout, linear(in→hidden)], then depth-2 blocks of
// [act, dropout, linear(hidden→hidden)], then [act, dropout, linear(hidden→out)].
// A task output activation, if any, closes the stack.
type Readout struct {
	seq *nn.Sequential
}

func newReadout(cfg *ModelConfig, task Task, inputWidth int, rng *rand.Rand) *Readout {
	var layers []nn.Layer
	drop := nn.Dropout{P: cfg.Dropout}
	act := nn.Activation{Kind: cfg.Activation}
	out := task.OutputSize()

	linear := func(in, o int) *nn.Linear {
		return nn.NewLinear(fmt.Sprintf("readout.%d", len(layers)), in, o, true, rng)
	}

	if cfg.FFNNumLayers == 1 {
		layers = append(layers, drop)
		layers = append(layers, linear(inputWidth, out))
	} else {
		layers = append(layers, drop)
		layers = append(layers, linear(inputWidth, cfg.FFNHiddenSize))
		for i := 0; i < cfg.FFNNumLayers-2; i++ {
			layers = append(layers, act, drop)
			layers = append(layers, linear(cfg.FFNHiddenSize, cfg.FFNHiddenSize))
		}
		layers = append(layers, act, drop)
		layers = append(layers, linear(cfg.FFNHiddenSize, out))
	}
	if kind, ok := task.OutputActivation(); ok {
		layers = append(layers, nn.Activation{Kind: kind})
	}

	return &Readout{seq: nn.NewSequential(layers...)}
}

// Forward evaluates the full readout.
func (r *Readout) Forward(x *mat.Dense, ctx *nn.ForwardContext) *mat.Dense {
	return r.seq.Forward(x, ctx)
}

// Penultimate evaluates every layer before the final affine layer.
func (r *Readout) Penultimate(x *mat.Dense, ctx *nn.ForwardContext) *mat.Dense {
	return r.seq.ForwardPrefix(x, r.seq.LastLinearIndex(), ctx)
}

// NumAffineLayers returns the number of linear layers.
func (r *Readout) NumAffineLayers() int { return len(r.seq.Linears()) }

// Freeze applies a freeze count of n readout layers: the weights and biases
// of the first n-1 affine layers are frozen, so n=1 leaves the readout fully
// trainable and n equal to the depth keeps only the output layer trainable.
func (r *Readout) Freeze(n int) error {
	linears := r.seq.Linears()
	if n > len(linears) {
		return errors.NewConfigError("cannot freeze more readout layers than exist").
			WithDetailf("requested=%d available=%d", n, len(linears))
	}
	if n < 2 {
		return nil
	}
	for _, l := range linears[:n-1] {
		nn.SetFrozen(l.Parameters(), true)
	}
	return nil
}

// Parameters returns the readout parameters in layer order.
func (r *Readout) Parameters() []*nn.Parameter { return r.seq.Parameters() }

// Layers describes the layer stack.
func (r *Readout) Layers() []string { return r.seq.Describe() }
