package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Dropout zeroes each element with probability P during training and scales
// the survivors by 1/(1-P). It is the identity in evaluation mode.
type Dropout struct {
	P float64
}

func (d Dropout) Forward(x *mat.Dense, ctx *ForwardContext) *mat.Dense {
	if !ctx.Training() || d.P <= 0 {
		return x
	}
	rng := ctx.rng()
	keep := 1 - d.P
	out := mat.DenseCopyOf(x)
	out.Apply(func(_, _ int, v float64) float64 {
		if rng.Float64() < d.P {
			return 0
		}
		return v / keep
	}, out)
	return out
}

func (Dropout) Parameters() []*Parameter { return nil }

func (d Dropout) String() string { return fmt.Sprintf("Dropout(p=%g)", d.P) }
