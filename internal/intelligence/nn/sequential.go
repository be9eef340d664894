package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Layer is one stage of a Sequential stack.
type Layer interface {
	Forward(x *mat.Dense, ctx *ForwardContext) *mat.Dense
	Parameters() []*Parameter
}

// Sequential evaluates its layers in order.
type Sequential struct {
	Layers []Layer
}

// NewSequential builds a stack from layers.
func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{Layers: layers}
}

// Forward runs every layer.
func (s *Sequential) Forward(x *mat.Dense, ctx *ForwardContext) *mat.Dense {
	return s.ForwardPrefix(x, len(s.Layers), ctx)
}

// ForwardPrefix runs the first n layers only.
func (s *Sequential) ForwardPrefix(x *mat.Dense, n int, ctx *ForwardContext) *mat.Dense {
	if n > len(s.Layers) {
		n = len(s.Layers)
	}
	for _, l := range s.Layers[:n] {
		x = l.Forward(x, ctx)
	}
	return x
}

// Parameters returns every parameter in layer order.
func (s *Sequential) Parameters() []*Parameter {
	var ps []*Parameter
	for _, l := range s.Layers {
		ps = append(ps, l.Parameters()...)
	}
	return ps
}

// Linears returns the affine layers in order.
func (s *Sequential) Linears() []*Linear {
	var out []*Linear
	for _, l := range s.Layers {
		if lin, ok := l.(*Linear); ok {
			out = append(out, lin)
		}
	}
	return out
}

// LastLinearIndex returns the position of the final affine layer, or -1.
func (s *Sequential) LastLinearIndex() int {
	for i := len(s.Layers) - 1; i >= 0; i-- {
		if _, ok := s.Layers[i].(*Linear); ok {
			return i
		}
	}
	return -1
}

// Describe renders one line per layer.
func (s *Sequential) Describe() []string {
	out := make([]string, len(s.Layers))
	for i, l := range s.Layers {
		out[i] = fmt.Sprintf("%d: %v", i, l)
	}
	return out
}
