package nn

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/turtacn/mixprop/pkg/errors"
)

// ActivationKind names an element-wise nonlinearity.
type ActivationKind string

const (
	ReLU      ActivationKind = "ReLU"
	LeakyReLU ActivationKind = "LeakyReLU"
	Tanh      ActivationKind = "tanh"
	SELU      ActivationKind = "SELU"
	ELU       ActivationKind = "ELU"
	Softplus  ActivationKind = "softplus"
	Exp       ActivationKind = "exp"
	Sigmoid   ActivationKind = "sigmoid"
)

const (
	leakyReLUSlope = 0.1
	seluAlpha      = 1.6732632423543772848170429916717
	seluScale      = 1.0507009873554804934193349852946
	softplusCutoff = 20.0
)

var activationByName = map[string]ActivationKind{
	"relu":      ReLU,
	"leakyrelu": LeakyReLU,
	"tanh":      Tanh,
	"selu":      SELU,
	"elu":       ELU,
	"softplus":  Softplus,
	"exp":       Exp,
	"sigmoid":   Sigmoid,
}

// ParseActivation resolves a case-insensitive activation name.
func ParseActivation(name string) (ActivationKind, error) {
	if k, ok := activationByName[strings.ToLower(name)]; ok {
		return k, nil
	}
	return "", errors.New(errors.ErrCodeUnsupportedActivation, "unsupported activation").WithDetail(name)
}

// Apply evaluates the activation at v. k must be one of the declared
// constants; names from configuration go through ParseActivation first.
// Apply panics on any other value.
func (k ActivationKind) Apply(v float64) float64 {
	switch k {
	case ReLU:
		return math.Max(0, v)
	case LeakyReLU:
		if v < 0 {
			return leakyReLUSlope * v
		}
		return v
	case Tanh:
		return math.Tanh(v)
	case SELU:
		if v > 0 {
			return seluScale * v
		}
		return seluScale * seluAlpha * math.Expm1(v)
	case ELU:
		if v > 0 {
			return v
		}
		return math.Expm1(v)
	case Softplus:
		return softplus(v)
	case Exp:
		return math.Exp(v)
	case Sigmoid:
		return sigmoid(v)
	default:
		panic(fmt.Sprintf("nn: unknown activation %q", string(k)))
	}
}

func softplus(v float64) float64 {
	if v > softplusCutoff {
		return v
	}
	return math.Log1p(math.Exp(v))
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}

// Activation is the Layer form of an ActivationKind.
type Activation struct {
	Kind ActivationKind
}

func (a Activation) Forward(x *mat.Dense, _ *ForwardContext) *mat.Dense {
	return ApplyActivation(a.Kind, x)
}

func (Activation) Parameters() []*Parameter { return nil }

func (a Activation) String() string { return string(a.Kind) }

// ApplyActivation returns a new matrix holding k applied to every element of x.
func ApplyActivation(k ActivationKind, x mat.Matrix) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, _ int, v float64) float64 { return k.Apply(v) }, x)
	return out
}
