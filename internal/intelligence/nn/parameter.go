package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/turtacn/mixprop/pkg/errors"
)

// Parameter is a named, trainable tensor. Frozen parameters are skipped by
// SGDStep.
type Parameter struct {
	Name   string
	Value  *mat.Dense
	Frozen bool
}

// NewParameter allocates a zero-valued rows x cols parameter.
func NewParameter(name string, rows, cols int) *Parameter {
	return &Parameter{Name: name, Value: mat.NewDense(rows, cols, nil)}
}

// Shape returns the parameter dimensions.
func (p *Parameter) Shape() (int, int) {
	return p.Value.Dims()
}

// Size returns the number of scalar elements.
func (p *Parameter) Size() int {
	r, c := p.Value.Dims()
	return r * c
}

// xavierNormal fills p with N(0, 2/(fanIn+fanOut)) samples.
func xavierNormal(p *Parameter, fanIn, fanOut int, rng *rand.Rand) {
	std := math.Sqrt(2.0 / float64(fanIn+fanOut))
	r, c := p.Value.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			p.Value.Set(i, j, rng.NormFloat64()*std)
		}
	}
}

// SetFrozen marks every parameter in ps as frozen (or not).
func SetFrozen(ps []*Parameter, frozen bool) {
	for _, p := range ps {
		p.Frozen = frozen
	}
}

// CountParameters returns the total and trainable element counts of ps.
func CountParameters(ps []*Parameter) (total, trainable int) {
	for _, p := range ps {
		total += p.Size()
		if !p.Frozen {
			trainable += p.Size()
		}
	}
	return total, trainable
}

// SGDStep applies p -= lr*g to every non-frozen parameter that has a gradient
// in grads (keyed by parameter name). It returns the number of parameters it
// updated. Gradient shapes must match their parameters exactly.
func SGDStep(ps []*Parameter, grads map[string]*mat.Dense, lr float64) (int, error) {
	updated := 0
	for _, p := range ps {
		g, ok := grads[p.Name]
		if !ok || p.Frozen {
			continue
		}
		pr, pc := p.Value.Dims()
		if gr, gc := g.Dims(); gr != pr || gc != pc {
			return updated, errors.NewInvalidInputError("gradient shape mismatch").
				WithDetailf("param=%s want=%dx%d got=%dx%d", p.Name, pr, pc, gr, gc)
		}
		for i := 0; i < pr; i++ {
			for j := 0; j < pc; j++ {
				p.Value.Set(i, j, p.Value.At(i, j)-lr*g.At(i, j))
			}
		}
		updated++
	}
	return updated, nil
}
