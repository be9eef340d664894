package mixprop

import (
	"gonum.org/v1/gonum/mat"

	"github.com/turtacn/mixprop/internal/intelligence/molgraph"
	"github.com/turtacn/mixprop/pkg/errors"
)

// Input is one batch of mixture rows.
type Input struct {
	// Graphs holds one batch per molecule slot. Batch i contains molecule
	// slot i of every row, in row order.
	Graphs []*molgraph.BatchMolGraph

	// Features holds one row per mixture: the global descriptors followed by
	// the mole fraction of component A and the temperature.
	Features [][]float64

	// AtomDescriptors holds, per slot, one row of AtomDescriptorSize values
	// per non-padding atom of that slot's batch.
	AtomDescriptors []*mat.Dense

	// ExtraBondFeatures holds, per slot, one row of ExtraBondFeatureSize
	// values per non-padding directed bond.
	ExtraBondFeatures []*mat.Dense
}

// NumRows returns the batch size.
func (in *Input) NumRows() int { return len(in.Features) }

// Validate checks in against the shape contract of cfg.
func (in *Input) Validate(cfg *ModelConfig) error {
	if in == nil || len(in.Features) == 0 {
		return errors.NewInvalidInputError("empty input batch")
	}
	rows := len(in.Features)
	want := cfg.FeatureRowWidth()
	for i, f := range in.Features {
		if len(f) != want {
			return errors.New(errors.ErrCodeFeatureWidthMismatch, "feature width mismatch").
				WithDetailf("row %d has %d features, want %d", i, len(f), want)
		}
	}
	if cfg.FeaturesOnly {
		return nil
	}

	if len(in.Graphs) != cfg.NumMolecules {
		return errors.NewInvalidInputError("molecule slot count mismatch").
			WithDetailf("got %d graph batches, want %d", len(in.Graphs), cfg.NumMolecules)
	}
	for slot, g := range in.Graphs {
		if err := g.Validate(); err != nil {
			return errors.Wrap(err, errors.CodeUnknown, "invalid graph batch").WithDetailf("slot=%d", slot)
		}
		if g.NumMolecules() != rows {
			return errors.New(errors.ErrCodeRowCountMismatch, "row count mismatch").
				WithDetailf("slot %d has %d molecules for %d feature rows", slot, g.NumMolecules(), rows)
		}
	}

	if cfg.AtomDescriptors != AtomDescriptorsNone {
		if err := checkAux("atom descriptors", in.AtomDescriptors, in.Graphs, cfg.AtomDescriptorSize,
			func(g *molgraph.BatchMolGraph) int { return g.NumAtoms() }); err != nil {
			return err
		}
	}
	if cfg.ExtraBondFeatureSize > 0 {
		if err := checkAux("extra bond features", in.ExtraBondFeatures, in.Graphs, cfg.ExtraBondFeatureSize,
			func(g *molgraph.BatchMolGraph) int { return g.NumBonds() }); err != nil {
			return err
		}
	}
	return nil
}

func checkAux(name string, aux []*mat.Dense, graphs []*molgraph.BatchMolGraph, width int, count func(*molgraph.BatchMolGraph) int) error {
	if len(aux) != len(graphs) {
		return errors.NewInvalidInputError(name+" missing").
			WithDetailf("got %d slots, want %d", len(aux), len(graphs))
	}
	for slot, m := range aux {
		n := count(graphs[slot])
		if m == nil {
			if n == 0 {
				continue
			}
			return errors.NewInvalidInputError(name + " missing").WithDetailf("slot=%d", slot)
		}
		r, c := m.Dims()
		if r != n {
			return errors.New(errors.ErrCodeRowCountMismatch, "row count mismatch").
				WithDetailf("%s slot %d has %d rows, want %d", name, slot, r, n)
		}
		if c != width {
			return errors.New(errors.ErrCodeFeatureWidthMismatch, "feature width mismatch").
				WithDetailf("%s slot %d has %d columns, want %d", name, slot, c, width)
		}
	}
	return nil
}

// featureMatrix returns the features rows as a dense matrix.
func (in *Input) featureMatrix() *mat.Dense {
	rows, cols := len(in.Features), len(in.Features[0])
	m := mat.NewDense(rows, cols, nil)
	for i, f := range in.Features {
		copy(m.RawRowView(i), f)
	}
	return m
}
