package mixprop

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/turtacn/mixprop/internal/intelligence/molgraph"
	"github.com/turtacn/mixprop/internal/intelligence/nn"
	"github.com/turtacn/mixprop/pkg/errors"
)

// ---------------------------------------------------------------------------
// fixtures
// ---------------------------------------------------------------------------

func smallConfig() *ModelConfig {
	return &ModelConfig{
		ModelID:         "test",
		ModelVersion:    "0.0.1",
		Task:            TaskRegression,
		NumTasks:        1,
		AtomFeatureSize: 2,
		BondFeatureSize: 1,
		HiddenSize:      4,
		Depth:           3,
		Aggregation:     AggregationMean,
		AggregationNorm: 100,
		NumMolecules:    2,
		SharedEncoder:   true,
		FFNNumLayers:    2,
		FFNHiddenSize:   5,
		Activation:      nn.ReLU,
		Seed:            7,
	}
}

func diatomic() *molgraph.MolGraph {
	return &molgraph.MolGraph{
		AtomFeatures: [][]float64{{1, 0}, {0, 1}},
		BondFeatures: [][]float64{{1}},
		Bonds:        [][2]int{{0, 1}},
	}
}

func triatomic() *molgraph.MolGraph {
	return &molgraph.MolGraph{
		AtomFeatures: [][]float64{{1, 1}, {0.5, 2}, {3, 0}},
		BondFeatures: [][]float64{{0.5}, {2}},
		Bonds:        [][2]int{{0, 1}, {1, 2}},
	}
}

func singleAtom() *molgraph.MolGraph {
	return &molgraph.MolGraph{AtomFeatures: [][]float64{{0.3, 0.7}}}
}

type row struct {
	a, b     *molgraph.MolGraph
	features []float64
}

func buildInput(t *testing.T, cfg *ModelConfig, rows ...row) *Input {
	t.Helper()
	slots := make([][]*molgraph.MolGraph, cfg.NumMolecules)
	in := &Input{}
	for _, r := range rows {
		slots[0] = append(slots[0], r.a)
		slots[1] = append(slots[1], r.b)
		in.Features = append(in.Features, r.features)
	}
	if cfg.FeaturesOnly {
		return in
	}
	for _, s := range slots {
		g, err := molgraph.NewBatchMolGraph(s, cfg.AtomFeatureSize, cfg.BondFeatureSize)
		require.NoError(t, err)
		in.Graphs = append(in.Graphs, g)
	}
	return in
}

func newModel(t *testing.T, cfg *ModelConfig) *Model {
	t.Helper()
	m, err := NewModel(cfg)
	require.NoError(t, err)
	return m
}

// ---------------------------------------------------------------------------
// shape contract
// ---------------------------------------------------------------------------

func TestForward_Shapes(t *testing.T) {
	cfg := smallConfig()
	cfg.NumTasks = 3
	m := newModel(t, cfg)

	in := buildInput(t, cfg,
		row{diatomic(), triatomic(), []float64{0.25, 298}},
		row{triatomic(), diatomic(), []float64{0.6, 310}},
		row{diatomic(), diatomic(), []float64{1, 350}},
	)

	combined, err := m.Encode(in, nn.EvalContext())
	require.NoError(t, err)
	r, c := combined.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 2*4+2, c)
	assert.Equal(t, cfg.EncoderOutputWidth(), c)

	out, err := m.Forward(in, nn.ModeEval)
	require.NoError(t, err)
	r, c = out.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 3, c)

	// frac and T sit at the end of the combined row untouched.
	assert.Equal(t, 0.25, combined.At(0, 8))
	assert.Equal(t, 298.0, combined.At(0, 9))
}

func TestForward_BatchSizeFromInput(t *testing.T) {
	cfg := smallConfig()
	m := newModel(t, cfg)

	one := buildInput(t, cfg, row{diatomic(), triatomic(), []float64{0.25, 298}})
	two := buildInput(t, cfg,
		row{diatomic(), triatomic(), []float64{0.25, 298}},
		row{triatomic(), triatomic(), []float64{0.5, 300}},
	)

	outOne, err := m.Forward(one, nn.ModeEval)
	require.NoError(t, err)
	outTwo, err := m.Forward(two, nn.ModeEval)
	require.NoError(t, err)

	// Rows are independent of the rest of the batch.
	assert.InDelta(t, outOne.At(0, 0), outTwo.At(0, 0), 1e-12)
}

// ---------------------------------------------------------------------------
// mixture symmetry
// ---------------------------------------------------------------------------

func TestForward_SwapInvariance(t *testing.T) {
	cfg := smallConfig()
	m := newModel(t, cfg)

	in := buildInput(t, cfg,
		row{diatomic(), triatomic(), []float64{0.25, 298}},
		row{triatomic(), diatomic(), []float64{0.75, 298}},
	)
	out, err := m.Forward(in, nn.ModeEval)
	require.NoError(t, err)
	assert.InDelta(t, out.At(0, 0), out.At(1, 0), 1e-9)
}

func TestAssemble_SwapInvarianceWithSeparateEncoders(t *testing.T) {
	cfg := smallConfig()
	cfg.SharedEncoder = false
	cfg.FFNNumLayers = 3
	m := newModel(t, cfg)

	h := cfg.HiddenSize
	a := []float64{0.3, -1.2, 2.5, 0.7}
	b := []float64{-0.4, 0.9, 1.1, -2}
	require.Len(t, a, h)
	combinedRow := func(x, y []float64, frac float64) []float64 {
		row := append(append([]float64{}, x...), y...)
		return append(row, frac, 298.15)
	}
	// 0.25 keeps 1-(1-f) exact, so the views can be compared bit for bit.
	combined := mat.NewDense(2, 2*h+2, append(combinedRow(a, b, 0.25), combinedRow(b, a, 0.75)...))

	fv, sv, err := m.assembler.Assemble(combined)
	require.NoError(t, err)
	assert.Equal(t, fv.RawRowView(0), sv.RawRowView(1))
	assert.Equal(t, sv.RawRowView(0), fv.RawRowView(1))

	ctx := nn.EvalContext()
	out := m.Task().Normalize(nn.Average(m.Readout().Forward(fv, ctx), m.Readout().Forward(sv, ctx)), nn.ModeEval)
	assert.InDelta(t, out.At(0, 0), out.At(1, 0), 1e-12)
}

func TestForward_SelfPairViewsCoincide(t *testing.T) {
	cfg := smallConfig()
	m := newModel(t, cfg)

	in := buildInput(t, cfg, row{diatomic(), diatomic(), []float64{0.5, 298}})
	fwd, swp, err := m.forwardViews(in, nn.EvalContext())
	require.NoError(t, err)
	assert.True(t, mat.Equal(fwd, swp))

	out, err := m.Forward(in, nn.ModeEval)
	require.NoError(t, err)
	assert.Equal(t, fwd.At(0, 0), out.At(0, 0))
}

func TestForward_PureComponentIgnoresOther(t *testing.T) {
	cfg := smallConfig()
	m := newModel(t, cfg)

	// With f=1 component B is scaled to zero, so its identity is irrelevant.
	in := buildInput(t, cfg,
		row{diatomic(), triatomic(), []float64{1, 300}},
		row{diatomic(), singleAtom(), []float64{1, 300}},
	)
	out, err := m.Forward(in, nn.ModeEval)
	require.NoError(t, err)
	assert.InDelta(t, out.At(0, 0), out.At(1, 0), 1e-12)
}

// ---------------------------------------------------------------------------
// degenerate graphs
// ---------------------------------------------------------------------------

func TestForward_ZeroBondMolecule(t *testing.T) {
	cfg := smallConfig()
	m := newModel(t, cfg)

	in := buildInput(t, cfg, row{singleAtom(), diatomic(), []float64{0.4, 298}})
	out, err := m.Forward(in, nn.ModeEval)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(out.At(0, 0)))
}

func TestEncode_EmptyMoleculePoolsToZero(t *testing.T) {
	cfg := smallConfig()
	m := newModel(t, cfg)

	in := buildInput(t, cfg, row{&molgraph.MolGraph{}, diatomic(), []float64{0.4, 298}})
	combined, err := m.Encode(in, nn.EvalContext())
	require.NoError(t, err)
	for j := 0; j < cfg.HiddenSize; j++ {
		assert.Zero(t, combined.At(0, j))
	}
}

func TestEncode_Aggregations(t *testing.T) {
	for _, agg := range []AggregationType{AggregationMean, AggregationSum, AggregationNorm} {
		cfg := smallConfig()
		cfg.Aggregation = agg
		m := newModel(t, cfg)
		in := buildInput(t, cfg, row{triatomic(), diatomic(), []float64{0.5, 298}})
		_, err := m.Encode(in, nn.EvalContext())
		assert.NoError(t, err, agg)
	}

	cfg := smallConfig()
	cfg.Aggregation = AggregationSum
	sum := newModel(t, cfg)
	cfg.Aggregation = AggregationNorm
	norm := newModel(t, cfg)
	in := buildInput(t, cfg, row{triatomic(), diatomic(), []float64{0.5, 298}})

	s, err := sum.Encode(in, nn.EvalContext())
	require.NoError(t, err)
	n, err := norm.Encode(in, nn.EvalContext())
	require.NoError(t, err)
	assert.InDelta(t, s.At(0, 0)/100, n.At(0, 0), 1e-12)
}

// ---------------------------------------------------------------------------
// input validation
// ---------------------------------------------------------------------------

func TestForward_MalformedConnectivity(t *testing.T) {
	cfg := smallConfig()
	m := newModel(t, cfg)

	in := buildInput(t, cfg, row{triatomic(), diatomic(), []float64{0.5, 298}})
	in.Graphs[0].B2RevB[1] = 1

	_, err := m.Forward(in, nn.ModeEval)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidGraph))
	assert.False(t, errors.Retryable(err))
}

func TestForward_RowCountMismatch(t *testing.T) {
	cfg := smallConfig()
	m := newModel(t, cfg)

	in := buildInput(t, cfg, row{triatomic(), diatomic(), []float64{0.5, 298}})
	in.Features = append(in.Features, []float64{0.1, 300})

	_, err := m.Forward(in, nn.ModeEval)
	assert.True(t, errors.IsCode(err, errors.ErrCodeRowCountMismatch))
}

func TestForward_FeatureWidthMismatch(t *testing.T) {
	cfg := smallConfig()
	m := newModel(t, cfg)

	in := buildInput(t, cfg, row{triatomic(), diatomic(), []float64{0.5, 298, 1}})
	_, err := m.Forward(in, nn.ModeEval)
	assert.True(t, errors.IsCode(err, errors.ErrCodeFeatureWidthMismatch))
}

func TestForward_EmptyBatch(t *testing.T) {
	m := newModel(t, smallConfig())
	_, err := m.Forward(&Input{}, nn.ModeEval)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}

func TestForward_WrongBatchWidths(t *testing.T) {
	cfg := smallConfig()
	m := newModel(t, cfg)

	g, err := molgraph.NewBatchMolGraph([]*molgraph.MolGraph{{
		AtomFeatures: [][]float64{{1, 0, 0}},
	}}, 3, 1)
	require.NoError(t, err)
	in := &Input{Graphs: []*molgraph.BatchMolGraph{g, g}, Features: [][]float64{{0.5, 298}}}

	_, err = m.Forward(in, nn.ModeEval)
	assert.True(t, errors.IsCode(err, errors.ErrCodeFeatureWidthMismatch))
}

// ---------------------------------------------------------------------------
// tasks
// ---------------------------------------------------------------------------

func TestForward_Spectra(t *testing.T) {
	for _, act := range []nn.ActivationKind{"", nn.Exp, nn.Softplus} {
		cfg := smallConfig()
		cfg.Task = TaskSpectra
		cfg.NumTasks = 6
		cfg.SpectraActivation = act
		m := newModel(t, cfg)

		in := buildInput(t, cfg,
			row{triatomic(), diatomic(), []float64{0.5, 298}},
			row{diatomic(), singleAtom(), []float64{0.1, 320}},
		)
		out, err := m.Forward(in, nn.ModeEval)
		require.NoError(t, err)
		r, c := out.Dims()
		require.Equal(t, 2, r)
		require.Equal(t, 6, c)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				assert.GreaterOrEqual(t, out.At(i, j), 0.0)
			}
		}
	}
}

func TestForward_Classification(t *testing.T) {
	cfg := smallConfig()
	cfg.Task = TaskClassification
	cfg.NumTasks = 2
	cfg.LossFunction = "binary_cross_entropy"
	m := newModel(t, cfg)

	in := buildInput(t, cfg, row{triatomic(), diatomic(), []float64{0.5, 298}})
	probs, err := m.Forward(in, nn.ModeEval)
	require.NoError(t, err)
	for j := 0; j < 2; j++ {
		assert.Greater(t, probs.At(0, j), 0.0)
		assert.Less(t, probs.At(0, j), 1.0)
	}

	// Training with a logit loss returns raw scores.
	logits, err := m.Forward(in, nn.ModeTrain)
	require.NoError(t, err)
	for j := 0; j < 2; j++ {
		assert.InDelta(t, probs.At(0, j), 1/(1+math.Exp(-logits.At(0, j))), 1e-12)
	}
}

func TestForward_Multiclass(t *testing.T) {
	cfg := smallConfig()
	cfg.Task = TaskMulticlass
	cfg.NumTasks = 2
	cfg.MulticlassNumClasses = 3
	m := newModel(t, cfg)
	assert.Equal(t, 6, m.OutputSize())

	in := buildInput(t, cfg,
		row{triatomic(), diatomic(), []float64{0.5, 298}},
		row{diatomic(), triatomic(), []float64{0.2, 350}},
	)
	out, err := m.Forward(in, nn.ModeEval)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		for task := 0; task < 2; task++ {
			sum := 0.0
			for k := 0; k < 3; k++ {
				sum += out.At(i, task*3+k)
			}
			assert.InDelta(t, 1.0, sum, 1e-12)
		}
	}
}

// ---------------------------------------------------------------------------
// readout layout
// ---------------------------------------------------------------------------

func TestReadout_SingleLayer(t *testing.T) {
	cfg := smallConfig()
	cfg.FFNNumLayers = 1
	m := newModel(t, cfg)

	assert.Equal(t, 1, m.Readout().NumAffineLayers())
	assert.Len(t, m.Readout().Layers(), 2)

	in := buildInput(t, cfg, row{triatomic(), diatomic(), []float64{0.5, 298}})
	out, err := m.Forward(in, nn.ModeEval)
	require.NoError(t, err)
	_, c := out.Dims()
	assert.Equal(t, 1, c)
}

func TestReadout_DeepLayout(t *testing.T) {
	cfg := smallConfig()
	cfg.FFNNumLayers = 4
	cfg.Task = TaskSpectra
	m := newModel(t, cfg)

	// dropout,linear + 2x(act,dropout,linear) + act,dropout,linear + exp
	assert.Len(t, m.Readout().Layers(), 2+3*2+3+1)
	assert.Equal(t, 4, m.Readout().NumAffineLayers())
}

// ---------------------------------------------------------------------------
// fingerprints
// ---------------------------------------------------------------------------

func TestFingerprint(t *testing.T) {
	cfg := smallConfig()
	m := newModel(t, cfg)
	in := buildInput(t, cfg,
		row{triatomic(), diatomic(), []float64{0.5, 298}},
		row{diatomic(), diatomic(), []float64{0.3, 298}},
	)

	fp, err := m.Fingerprint(in, FingerprintMPN)
	require.NoError(t, err)
	_, c := fp.Dims()
	assert.Equal(t, cfg.EncoderOutputWidth(), c)

	fp, err = m.Fingerprint(in, FingerprintLastFFN)
	require.NoError(t, err)
	r, c := fp.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 2*cfg.FFNHiddenSize, c)

	_, err = m.Fingerprint(in, FingerprintType("atom"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnsupportedFingerprint))
}

// ---------------------------------------------------------------------------
// freezing
// ---------------------------------------------------------------------------

func TestFreeze_SGDSkipsFrozen(t *testing.T) {
	cfg := smallConfig()
	cfg.SharedEncoder = false
	cfg.FFNNumLayers = 3
	cfg.Freeze = FreezeConfig{Enabled: true, FirstEncoderOnly: true, FFNLayers: 3}
	m := newModel(t, cfg)

	params := m.Parameters()
	before := make(map[string]*mat.Dense, len(params))
	grads := make(map[string]*mat.Dense, len(params))
	for _, p := range params {
		before[p.Name] = mat.DenseCopyOf(p.Value)
		grads[p.Name] = nn.OnesLike(p.Value)
	}

	total, trainable := nn.CountParameters(params)
	assert.Less(t, trainable, total)

	updated, err := nn.SGDStep(params, grads, 0.1)
	require.NoError(t, err)
	assert.Greater(t, updated, 0)

	frozen := map[string]bool{
		"readout.1.weight": true, "readout.1.bias": true,
		"readout.4.weight": true, "readout.4.bias": true,
	}
	for _, p := range params {
		changed := !mat.Equal(before[p.Name], p.Value)
		switch {
		case frozen[p.Name], len(p.Name) > 9 && p.Name[:9] == "encoder.0":
			assert.True(t, p.Frozen, p.Name)
			assert.False(t, changed, p.Name)
		default:
			assert.False(t, p.Frozen, p.Name)
			assert.True(t, changed, p.Name)
		}
	}
}

func TestFreeze_AllEncoders(t *testing.T) {
	cfg := smallConfig()
	cfg.SharedEncoder = false
	cfg.Freeze = FreezeConfig{Enabled: true}
	m := newModel(t, cfg)

	for _, p := range m.Encoder().Parameters() {
		assert.True(t, p.Frozen, p.Name)
	}
	for _, p := range m.Readout().Parameters() {
		assert.False(t, p.Frozen, p.Name)
	}
}

func TestFreeze_LayerCountIncludesOutputLayer(t *testing.T) {
	cfg := smallConfig()
	cfg.FFNNumLayers = 3

	frozenReadout := func(n int) []string {
		c := cfg.Clone()
		c.Freeze = FreezeConfig{Enabled: true, FFNLayers: n}
		var names []string
		for _, p := range newModel(t, c).Readout().Parameters() {
			if p.Frozen {
				names = append(names, p.Name)
			}
		}
		return names
	}

	assert.Empty(t, frozenReadout(0))
	assert.Empty(t, frozenReadout(1))
	assert.Equal(t, []string{"readout.1.weight", "readout.1.bias"}, frozenReadout(2))
	assert.Equal(t, []string{
		"readout.1.weight", "readout.1.bias",
		"readout.4.weight", "readout.4.bias",
	}, frozenReadout(3))
}

func TestFreeze_TooManyLayers(t *testing.T) {
	cfg := smallConfig()
	cfg.Freeze = FreezeConfig{Enabled: true, FFNLayers: 3}
	_, err := NewModel(cfg)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidModelConfig))
}

// ---------------------------------------------------------------------------
// configuration
// ---------------------------------------------------------------------------

func TestNewModel_ActivationNameIsCaseInsensitive(t *testing.T) {
	in := func(cfg *ModelConfig) *Input {
		return buildInput(t, cfg, row{diatomic(), triatomic(), []float64{0.3, 310}})
	}

	canonical := smallConfig()
	canonical.Activation = nn.ReLU
	want, err := newModel(t, canonical).Forward(in(canonical), nn.ModeEval)
	require.NoError(t, err)

	for _, name := range []string{"relu", "RELU"} {
		cfg := smallConfig()
		cfg.Activation = nn.ActivationKind(name)
		m := newModel(t, cfg)
		assert.Equal(t, nn.ReLU, m.Config().Activation, name)
		got, err := m.Forward(in(cfg), nn.ModeEval)
		require.NoError(t, err)
		assert.True(t, mat.Equal(want, got), name)
	}

	cfg := smallConfig()
	cfg.Activation = "Tanh"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, nn.Tanh, cfg.Activation)
}

func TestNewModel_ConfigErrors(t *testing.T) {
	cases := map[string]func(*ModelConfig){
		"descriptor size missing": func(c *ModelConfig) { c.AtomDescriptors = AtomDescriptorsDescriptor },
		"bad aggregation":         func(c *ModelConfig) { c.Aggregation = "max" },
		"one molecule":            func(c *ModelConfig) { c.NumMolecules = 1 },
		"bad activation":          func(c *ModelConfig) { c.Activation = "gelu" },
		"zero depth":              func(c *ModelConfig) { c.Depth = 0 },
		"features only odd":       func(c *ModelConfig) { c.FeaturesOnly = true; c.FeaturesSize = 3 },
		"bad spectra activation":  func(c *ModelConfig) { c.Task = TaskSpectra; c.SpectraActivation = nn.ReLU },
		"dropout one":             func(c *ModelConfig) { c.Dropout = 1 },
	}
	for name, mutate := range cases {
		cfg := smallConfig()
		mutate(cfg)
		_, err := NewModel(cfg)
		assert.Error(t, err, name)
	}

	cfg := smallConfig()
	cfg.Task = "ranking"
	_, err := NewModel(cfg)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnsupportedTask))
}

func TestNewModel_ConfigIsCopied(t *testing.T) {
	cfg := smallConfig()
	m := newModel(t, cfg)
	cfg.HiddenSize = 99
	assert.Equal(t, 4, m.Config().HiddenSize)
}

func TestNewModel_DeterministicInit(t *testing.T) {
	a := newModel(t, smallConfig())
	b := newModel(t, smallConfig())
	for i, p := range a.Parameters() {
		assert.True(t, mat.Equal(p.Value, b.Parameters()[i].Value), p.Name)
	}
}

func TestDefaultModelConfig(t *testing.T) {
	cfg := DefaultModelConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2*300+2, cfg.EncoderOutputWidth())
	assert.Equal(t, 2*300+1, cfg.ReadoutInputWidth())
	assert.Equal(t, 133+14, cfg.EncoderBondFDim())
}

// ---------------------------------------------------------------------------
// auxiliary inputs
// ---------------------------------------------------------------------------

func TestForward_FeaturesOnly(t *testing.T) {
	cfg := smallConfig()
	cfg.FeaturesOnly = true
	cfg.FeaturesSize = 4
	m := newModel(t, cfg)
	assert.Empty(t, m.Encoder().Parameters())

	in := &Input{Features: [][]float64{
		{1, 2, 3, 4, 0.25, 298},
		{3, 4, 1, 2, 0.75, 298},
	}}
	out, err := m.Forward(in, nn.ModeEval)
	require.NoError(t, err)
	assert.InDelta(t, out.At(0, 0), out.At(1, 0), 1e-9)
}

func TestForward_GlobalFeatures(t *testing.T) {
	cfg := smallConfig()
	cfg.FeaturesSize = 3
	m := newModel(t, cfg)

	in := buildInput(t, cfg, row{triatomic(), diatomic(), []float64{1, 2, 3, 0.5, 298}})
	combined, err := m.Encode(in, nn.EvalContext())
	require.NoError(t, err)
	_, c := combined.Dims()
	assert.Equal(t, 2*4+5, c)
	assert.Equal(t, 2.0, combined.At(0, 9))

	_, err = m.Forward(in, nn.ModeEval)
	require.NoError(t, err)
}

func TestForward_AtomDescriptors(t *testing.T) {
	for _, mode := range []AtomDescriptorMode{AtomDescriptorsFeature, AtomDescriptorsDescriptor} {
		cfg := smallConfig()
		cfg.AtomDescriptors = mode
		cfg.AtomDescriptorSize = 2
		m := newModel(t, cfg)

		in := buildInput(t, cfg, row{triatomic(), diatomic(), []float64{0.5, 298}})
		in.AtomDescriptors = []*mat.Dense{
			mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6}),
			mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
		}
		combined, err := m.Encode(in, nn.EvalContext())
		require.NoError(t, err, mode)
		_, c := combined.Dims()
		assert.Equal(t, 2*cfg.ComponentWidth()+2, c, mode)

		_, err = m.Forward(in, nn.ModeEval)
		require.NoError(t, err, mode)

		in.AtomDescriptors[1] = mat.NewDense(3, 2, nil)
		_, err = m.Forward(in, nn.ModeEval)
		assert.True(t, errors.IsCode(err, errors.ErrCodeRowCountMismatch), mode)
	}
}

func TestForward_ExtraBondFeatures(t *testing.T) {
	cfg := smallConfig()
	cfg.ExtraBondFeatureSize = 1
	m := newModel(t, cfg)

	in := buildInput(t, cfg, row{triatomic(), singleAtom(), []float64{0.5, 298}})
	in.ExtraBondFeatures = []*mat.Dense{mat.NewDense(4, 1, []float64{1, 1, 2, 2}), nil}

	_, err := m.Forward(in, nn.ModeEval)
	require.NoError(t, err)

	in.ExtraBondFeatures = nil
	_, err = m.Forward(in, nn.ModeEval)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}

// ---------------------------------------------------------------------------
// training mode
// ---------------------------------------------------------------------------

func TestForward_TrainModeDropoutSeeded(t *testing.T) {
	cfg := smallConfig()
	cfg.Dropout = 0.5
	cfg.HiddenSize = 16
	cfg.FFNHiddenSize = 16
	m := newModel(t, cfg)
	in := buildInput(t, cfg,
		row{triatomic(), diatomic(), []float64{0.5, 298}},
		row{diatomic(), triatomic(), []float64{0.3, 310}},
	)

	a, err := m.Forward(in, nn.ModeTrain, WithDropoutSeed(1))
	require.NoError(t, err)
	b, err := m.Forward(in, nn.ModeTrain, WithDropoutSeed(1))
	require.NoError(t, err)
	assert.True(t, mat.Equal(a, b))

	c, err := m.Forward(in, nn.ModeTrain, WithDropoutSeed(2))
	require.NoError(t, err)
	assert.False(t, mat.Equal(a, c))

	// Default source is seeded with the model seed.
	d, err := m.Forward(in, nn.ModeTrain)
	require.NoError(t, err)
	e, err := m.Forward(in, nn.ModeTrain)
	require.NoError(t, err)
	assert.True(t, mat.Equal(d, e))

	// Eval mode is unaffected by dropout.
	x, err := m.Forward(in, nn.ModeEval)
	require.NoError(t, err)
	y, err := m.Forward(in, nn.ModeEval, WithDropoutSeed(9))
	require.NoError(t, err)
	assert.True(t, mat.Equal(x, y))
}

func TestSummary(t *testing.T) {
	cfg := smallConfig()
	cfg.SharedEncoder = false
	lines := newModel(t, cfg).Summary()
	assert.Equal(t, "task: regression", lines[0])
	assert.Contains(t, lines[1], "encoder.0")
	assert.Contains(t, lines[2], "encoder.1")
	assert.Equal(t, "readout:", lines[3])
}
