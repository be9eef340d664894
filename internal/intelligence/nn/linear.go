package nn

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Linear is an affine layer y = x·Wᵀ + b with W of shape Out x In.
type Linear struct {
	In, Out int
	Weight  *Parameter
	Bias    *Parameter // nil when the layer has no bias
}

// NewLinear creates a Linear layer with Xavier-normal weights and zero bias.
// Parameter names are "<name>.weight" and "<name>.bias".
func NewLinear(name string, in, out int, bias bool, rng *rand.Rand) *Linear {
	l := &Linear{In: in, Out: out, Weight: NewParameter(name+".weight", out, in)}
	xavierNormal(l.Weight, in, out, rng)
	if bias {
		l.Bias = NewParameter(name+".bias", 1, out)
	}
	return l
}

// Forward applies the layer to x (rows x In).
func (l *Linear) Forward(x *mat.Dense, _ *ForwardContext) *mat.Dense {
	rows, _ := x.Dims()
	out := mat.NewDense(rows, l.Out, nil)
	out.Mul(x, l.Weight.Value.T())
	if l.Bias != nil {
		b := l.Bias.Value.RawRowView(0)
		for i := 0; i < rows; i++ {
			row := out.RawRowView(i)
			for j := range row {
				row[j] += b[j]
			}
		}
	}
	return out
}

// Parameters returns the weight followed by the bias, if present.
func (l *Linear) Parameters() []*Parameter {
	if l.Bias == nil {
		return []*Parameter{l.Weight}
	}
	return []*Parameter{l.Weight, l.Bias}
}

func (l *Linear) String() string {
	return fmt.Sprintf("Linear(in=%d, out=%d, bias=%t)", l.In, l.Out, l.Bias != nil)
}
