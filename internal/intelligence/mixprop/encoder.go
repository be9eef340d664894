package mixprop

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/turtacn/mixprop/internal/intelligence/molgraph"
	"github.com/turtacn/mixprop/internal/intelligence/nn"
	"github.com/turtacn/mixprop/pkg/errors"
)

// ---------------------------------------------------------------------------
// MPNEncoder
// ---------------------------------------------------------------------------

// MPNEncoder is a directed message-passing encoder over the bonds of a
// molecular graph batch. It produces one fixed-width embedding per molecule.
type MPNEncoder struct {
	atomFDim        int
	bondFDim        int
	hidden          int
	depth           int
	undirected      bool
	aggregation     AggregationType
	aggregationNorm float64
	activation      nn.ActivationKind
	dropout         nn.Dropout

	wi     *nn.Linear
	wh     *nn.Linear
	wo     *nn.Linear
	woDesc *nn.Linear // nil unless descriptors are injected after message passing
}

func newMPNEncoder(name string, cfg *ModelConfig, rng *rand.Rand) *MPNEncoder {
	e := &MPNEncoder{
		atomFDim:        cfg.EncoderAtomFDim(),
		bondFDim:        cfg.EncoderBondFDim(),
		hidden:          cfg.HiddenSize,
		depth:           cfg.Depth,
		undirected:      cfg.Undirected,
		aggregation:     cfg.Aggregation,
		aggregationNorm: cfg.AggregationNorm,
		activation:      cfg.Activation,
		dropout:         nn.Dropout{P: cfg.Dropout},
	}
	e.wi = nn.NewLinear(name+".W_i", e.bondFDim, e.hidden, cfg.MessageBias, rng)
	e.wh = nn.NewLinear(name+".W_h", e.hidden, e.hidden, cfg.MessageBias, rng)
	e.wo = nn.NewLinear(name+".W_o", e.atomFDim+e.hidden, e.hidden, true, rng)
	if cfg.AtomDescriptors == AtomDescriptorsDescriptor {
		w := e.hidden + cfg.AtomDescriptorSize
		e.woDesc = nn.NewLinear(name+".atom_descriptors_layer", w, w, true, rng)
	}
	return e
}

// OutputWidth is the per-molecule embedding width.
func (e *MPNEncoder) OutputWidth() int {
	if e.woDesc != nil {
		return e.woDesc.Out
	}
	return e.hidden
}

// Parameters returns the encoder parameters in a fixed order.
func (e *MPNEncoder) Parameters() []*nn.Parameter {
	ps := append(e.wi.Parameters(), e.wh.Parameters()...)
	ps = append(ps, e.wo.Parameters()...)
	if e.woDesc != nil {
		ps = append(ps, e.woDesc.Parameters()...)
	}
	return ps
}

// Forward encodes every molecule of g. descriptors is required when the
// encoder injects atom descriptors and must hold one row per non-padding
// atom. The result has one row per molecule.
func (e *MPNEncoder) Forward(g *molgraph.BatchMolGraph, descriptors *mat.Dense, ctx *nn.ForwardContext) (*mat.Dense, error) {
	if g.AtomFDim() != e.atomFDim || g.BondFDim() != e.bondFDim {
		return nil, errors.New(errors.ErrCodeFeatureWidthMismatch, "feature width mismatch").
			WithDetailf("batch atom/bond widths %d/%d, encoder expects %d/%d",
				g.AtomFDim(), g.BondFDim(), e.atomFDim, e.bondFDim)
	}

	input := e.wi.Forward(g.FBonds, ctx)
	message := nn.ApplyActivation(e.activation, input)
	zeroPadding(message)

	for d := 0; d < e.depth-1; d++ {
		if e.undirected {
			message = nn.Average(message, nn.GatherRows(message, g.B2RevB))
		}
		// Each directed bond a->b receives the sum of messages entering a,
		// minus the message travelling back along b->a.
		aMessage := nn.SumGather(message, g.A2B)
		next := nn.GatherRows(aMessage, g.B2A)
		next.Sub(next, nn.GatherRows(message, g.B2RevB))
		next = e.wh.Forward(next, ctx)
		next.Add(input, next)
		message = e.dropout.Forward(nn.ApplyActivation(e.activation, next), ctx)
		zeroPadding(message)
	}

	aMessage := nn.SumGather(message, g.A2B)
	atomHiddens := nn.ApplyActivation(e.activation, e.wo.Forward(nn.HConcat(g.FAtoms, aMessage), ctx))
	atomHiddens = e.dropout.Forward(atomHiddens, ctx)

	if e.woDesc != nil {
		padded, err := padDescriptors(descriptors, g.NumAtoms(), e.woDesc.In-e.hidden)
		if err != nil {
			return nil, err
		}
		atomHiddens = e.woDesc.Forward(nn.HConcat(atomHiddens, padded), ctx)
		atomHiddens = e.dropout.Forward(atomHiddens, ctx)
	}

	return e.pool(atomHiddens, g.AScope), nil
}

// pool aggregates atom hidden states per molecule. A molecule without atoms
// pools to a zero vector.
func (e *MPNEncoder) pool(atomHiddens *mat.Dense, scopes []molgraph.Scope) *mat.Dense {
	_, width := atomHiddens.Dims()
	out := mat.NewDense(len(scopes), width, nil)
	for i, s := range scopes {
		if s.Size == 0 {
			continue
		}
		dst := out.RawRowView(i)
		for a := s.Start; a < s.Start+s.Size; a++ {
			for k, v := range atomHiddens.RawRowView(a) {
				dst[k] += v
			}
		}
		var div float64
		switch e.aggregation {
		case AggregationMean:
			div = float64(s.Size)
		case AggregationNorm:
			div = e.aggregationNorm
		default:
			div = 1
		}
		for k := range dst {
			dst[k] /= div
		}
	}
	return out
}

// zeroPadding clears row 0 so that padded neighbour slots contribute nothing.
func zeroPadding(m *mat.Dense) {
	row := m.RawRowView(0)
	for i := range row {
		row[i] = 0
	}
}

// padDescriptors prepends the zero padding row to per-atom descriptors.
func padDescriptors(descriptors *mat.Dense, numAtoms, width int) (*mat.Dense, error) {
	out := mat.NewDense(numAtoms+1, width, nil)
	if numAtoms == 0 {
		return out, nil
	}
	if descriptors == nil {
		return nil, errors.NewInvalidInputError("atom descriptors missing")
	}
	r, c := descriptors.Dims()
	if r != numAtoms || c != width {
		return nil, errors.New(errors.ErrCodeFeatureWidthMismatch, "feature width mismatch").
			WithDetailf("atom descriptors are %dx%d, want %dx%d", r, c, numAtoms, width)
	}
	out.Slice(1, numAtoms+1, 0, width).(*mat.Dense).Copy(descriptors)
	return out, nil
}

// ---------------------------------------------------------------------------
// MPN: one encoder per molecule slot
// ---------------------------------------------------------------------------

// MPN runs the configured number of encoders, one per molecule slot (or one
// shared encoder), and concatenates their embeddings with the auxiliary
// features into the combined row [mol_1 | ... | mol_M | globals | frac | T].
type MPN struct {
	cfg      *ModelConfig
	encoders []*MPNEncoder
}

func newMPN(cfg *ModelConfig, rng *rand.Rand) *MPN {
	m := &MPN{cfg: cfg}
	if cfg.FeaturesOnly {
		return m
	}
	n := cfg.NumMolecules
	if cfg.SharedEncoder {
		n = 1
	}
	for i := 0; i < n; i++ {
		m.encoders = append(m.encoders, newMPNEncoder(fmt.Sprintf("encoder.%d", i), cfg, rng))
	}
	return m
}

func (m *MPN) encoderFor(slot int) *MPNEncoder {
	if len(m.encoders) == 1 {
		return m.encoders[0]
	}
	return m.encoders[slot]
}

// Encoders returns the distinct encoders in slot order.
func (m *MPN) Encoders() []*MPNEncoder { return m.encoders }

// Parameters returns every encoder parameter.
func (m *MPN) Parameters() []*nn.Parameter {
	var ps []*nn.Parameter
	for _, e := range m.encoders {
		ps = append(ps, e.Parameters()...)
	}
	return ps
}

// Freeze freezes the first encoder only, or all of them.
func (m *MPN) Freeze(firstOnly bool) {
	for i, e := range m.encoders {
		if firstOnly && i > 0 {
			break
		}
		nn.SetFrozen(e.Parameters(), true)
	}
}

// Forward produces the combined rows for in. in must already be validated.
func (m *MPN) Forward(in *Input, ctx *nn.ForwardContext) (*mat.Dense, error) {
	features := in.featureMatrix()
	if m.cfg.FeaturesOnly {
		return features, nil
	}

	blocks := make([]*mat.Dense, 0, m.cfg.NumMolecules+1)
	for slot, g := range in.Graphs {
		prepared, desc, err := m.prepareSlot(in, slot, g)
		if err != nil {
			return nil, err
		}
		emb, err := m.encoderFor(slot).Forward(prepared, desc, ctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeUnknown, "encoding failed").WithDetailf("slot=%d", slot)
		}
		blocks = append(blocks, emb)
	}
	blocks = append(blocks, features)
	return nn.HConcat(blocks...), nil
}

// prepareSlot applies the auxiliary per-atom and per-bond arrays of a slot.
func (m *MPN) prepareSlot(in *Input, slot int, g *molgraph.BatchMolGraph) (*molgraph.BatchMolGraph, *mat.Dense, error) {
	var desc *mat.Dense
	var err error
	switch m.cfg.AtomDescriptors {
	case AtomDescriptorsFeature:
		g, err = g.WithExtraAtomFeatures(in.AtomDescriptors[slot], m.cfg.AtomDescriptorSize)
		if err != nil {
			return nil, nil, err
		}
	case AtomDescriptorsDescriptor:
		desc = in.AtomDescriptors[slot]
	}
	if m.cfg.ExtraBondFeatureSize > 0 {
		g, err = g.WithExtraBondFeatures(in.ExtraBondFeatures[slot], m.cfg.ExtraBondFeatureSize)
		if err != nil {
			return nil, nil, err
		}
	}
	return g, desc, nil
}

func formatEncoder(i int, e *MPNEncoder) string {
	return fmt.Sprintf("encoder.%d: %v %v %v depth=%d aggregation=%s out=%d",
		i, e.wi, e.wh, e.wo, e.depth, e.aggregation, e.OutputWidth())
}
