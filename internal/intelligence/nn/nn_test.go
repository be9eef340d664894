package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/turtacn/mixprop/pkg/errors"
)

func TestLinear_ForwardWithBias(t *testing.T) {
	l := NewLinear("fc", 2, 3, true, rand.New(rand.NewSource(1)))
	l.Weight.Value = mat.NewDense(3, 2, []float64{
		1, 0,
		0, 1,
		1, 1,
	})
	l.Bias.Value = mat.NewDense(1, 3, []float64{0.5, -0.5, 0})

	x := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	y := l.Forward(x, EvalContext())

	assert.Equal(t, []float64{1.5, 1.5, 3}, y.RawRowView(0))
	assert.Equal(t, []float64{3.5, 3.5, 7}, y.RawRowView(1))
	assert.Len(t, l.Parameters(), 2)
	assert.Equal(t, "fc.weight", l.Parameters()[0].Name)
}

func TestLinear_NoBias(t *testing.T) {
	l := NewLinear("W_i", 4, 2, false, rand.New(rand.NewSource(1)))
	require.Nil(t, l.Bias)
	assert.Len(t, l.Parameters(), 1)

	y := l.Forward(mat.NewDense(1, 4, nil), EvalContext())
	assert.Equal(t, []float64{0, 0}, y.RawRowView(0))
}

func TestParseActivation(t *testing.T) {
	k, err := ParseActivation("relu")
	require.NoError(t, err)
	assert.Equal(t, ReLU, k)

	k, err = ParseActivation("LeakyReLU")
	require.NoError(t, err)
	assert.Equal(t, LeakyReLU, k)

	_, err = ParseActivation("swish")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnsupportedActivation))
}

func TestActivationKind_Apply(t *testing.T) {
	tests := []struct {
		kind ActivationKind
		in   float64
		want float64
	}{
		{ReLU, -1, 0},
		{ReLU, 2, 2},
		{LeakyReLU, -1, -0.1},
		{Tanh, 0, 0},
		{ELU, 0, 0},
		{SELU, 1, seluScale},
		{Exp, 0, 1},
		{Sigmoid, 0, 0.5},
		{Softplus, 0, math.Log(2)},
		{Softplus, 50, 50},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, tt.kind.Apply(tt.in), 1e-12, string(tt.kind))
	}
}

func TestParseActivation_CanonicalKindMatchesConstant(t *testing.T) {
	for _, name := range []string{"relu", "RELU", "Relu"} {
		k, err := ParseActivation(name)
		require.NoError(t, err)
		assert.Equal(t, ReLU.Apply(-3), k.Apply(-3), name)
		assert.Equal(t, ReLU.Apply(2), k.Apply(2), name)
	}
	k, err := ParseActivation("Tanh")
	require.NoError(t, err)
	assert.InDelta(t, math.Tanh(5), k.Apply(5), 1e-12)
}

func TestActivationKind_UnknownPanics(t *testing.T) {
	assert.Panics(t, func() { ActivationKind("relu").Apply(-3) })
	assert.Panics(t, func() { ApplyActivation(ActivationKind("swish"), mat.NewDense(1, 1, []float64{1})) })
}

func TestSoftplusAndExp_NonNegative(t *testing.T) {
	for _, v := range []float64{-1000, -30, -1, 0, 1, 30} {
		assert.GreaterOrEqual(t, Softplus.Apply(v), 0.0)
		assert.GreaterOrEqual(t, Exp.Apply(v), 0.0)
	}
}

func TestDropout_EvalIsIdentity(t *testing.T) {
	x := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	y := Dropout{P: 0.5}.Forward(x, EvalContext())
	assert.True(t, mat.Equal(x, y))
}

func TestDropout_TrainIsDeterministicPerSeed(t *testing.T) {
	x := OnesLike(mat.NewDense(4, 8, nil))
	a := Dropout{P: 0.5}.Forward(x, TrainContext(7))
	b := Dropout{P: 0.5}.Forward(x, TrainContext(7))
	assert.True(t, mat.Equal(a, b))

	for _, v := range a.RawMatrix().Data {
		assert.Contains(t, []float64{0, 2}, v)
	}
	assert.True(t, mat.Equal(x, OnesLike(x)), "input must not be mutated")
}

func TestSequential_PrefixAndLinears(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	seq := NewSequential(
		Dropout{P: 0.1},
		NewLinear("0", 3, 4, true, rng),
		Activation{Kind: ReLU},
		Dropout{P: 0.1},
		NewLinear("1", 4, 2, true, rng),
	)

	assert.Len(t, seq.Linears(), 2)
	assert.Equal(t, 4, seq.LastLinearIndex())
	assert.Len(t, seq.Parameters(), 4)
	assert.Len(t, seq.Describe(), 5)

	x := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	pen := seq.ForwardPrefix(x, seq.LastLinearIndex(), EvalContext())
	r, c := pen.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 4, c)

	full := seq.Forward(x, EvalContext())
	assert.True(t, mat.EqualApprox(full, seq.Layers[4].Forward(pen, EvalContext()), 1e-12))
}

func TestSGDStep_SkipsFrozen(t *testing.T) {
	a := NewParameter("a", 1, 2)
	b := NewParameter("b", 1, 2)
	b.Frozen = true

	grads := map[string]*mat.Dense{
		"a": mat.NewDense(1, 2, []float64{1, 1}),
		"b": mat.NewDense(1, 2, []float64{1, 1}),
	}
	n, err := SGDStep([]*Parameter{a, b}, grads, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []float64{-0.1, -0.1}, a.Value.RawRowView(0))
	assert.Equal(t, []float64{0, 0}, b.Value.RawRowView(0))
}

func TestSGDStep_ShapeMismatch(t *testing.T) {
	a := NewParameter("a", 1, 2)
	_, err := SGDStep([]*Parameter{a}, map[string]*mat.Dense{"a": mat.NewDense(2, 1, nil)}, 0.1)
	assert.Error(t, err)
}

func TestCountParameters(t *testing.T) {
	a := NewParameter("a", 2, 3)
	b := NewParameter("b", 1, 3)
	b.Frozen = true
	total, trainable := CountParameters([]*Parameter{a, b})
	assert.Equal(t, 9, total)
	assert.Equal(t, 6, trainable)
}

func TestOps(t *testing.T) {
	m := mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6})

	assert.True(t, mat.Equal(mat.NewDense(3, 2, []float64{1, 1, 1, 1, 1, 1}), OnesLike(m)))

	g := GatherRows(m, []int{2, 0})
	assert.Equal(t, []float64{5, 6}, g.RawRowView(0))
	assert.Equal(t, []float64{1, 2}, g.RawRowView(1))

	s := SumGather(m, [][]int{{0, 1}, {}, {2, 2}})
	assert.Equal(t, []float64{4, 6}, s.RawRowView(0))
	assert.Equal(t, []float64{0, 0}, s.RawRowView(1))
	assert.Equal(t, []float64{10, 12}, s.RawRowView(2))

	cat := HConcat(m, nil, ColRange(m, 1, 2))
	_, c := cat.Dims()
	assert.Equal(t, 3, c)
	assert.Equal(t, []float64{3, 4, 4}, cat.RawRowView(1))
	assert.Nil(t, ColRange(m, 1, 1))

	sc := ScaleRows(m, []float64{2, 0, 1})
	assert.Equal(t, []float64{2, 4}, sc.RawRowView(0))
	assert.Equal(t, []float64{0, 0}, sc.RawRowView(1))

	avg := Average(m, OnesLike(m))
	assert.Equal(t, []float64{1, 1.5}, avg.RawRowView(0))
}

func TestSoftmaxGroups(t *testing.T) {
	m := mat.NewDense(1, 6, []float64{1, 2, 3, 1000, 1000, -5})
	sm := SoftmaxGroups(m, 3)
	row := sm.RawRowView(0)
	assert.InDelta(t, 1.0, row[0]+row[1]+row[2], 1e-12)
	assert.InDelta(t, 1.0, row[3]+row[4]+row[5], 1e-12)
	assert.InDelta(t, 0.5, row[3], 1e-12)
}

func TestMode(t *testing.T) {
	assert.Equal(t, "train", ModeTrain.String())
	assert.Equal(t, "eval", ModeEval.String())
	assert.False(t, EvalContext().Training())
	assert.True(t, TrainContext(1).Training())
	var nilCtx *ForwardContext
	assert.False(t, nilCtx.Training())
}
