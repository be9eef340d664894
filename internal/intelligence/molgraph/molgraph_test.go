package molgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/turtacn/mixprop/pkg/errors"
)

// ethane-like: two atoms, one bond.
func twoAtomGraph() *MolGraph {
	return &MolGraph{
		AtomFeatures: [][]float64{{1, 0}, {0, 1}},
		BondFeatures: [][]float64{{1}},
		Bonds:        [][2]int{{0, 1}},
	}
}

// three-atom chain 0-1-2.
func chainGraph() *MolGraph {
	return &MolGraph{
		AtomFeatures: [][]float64{{1, 1}, {2, 2}, {3, 3}},
		BondFeatures: [][]float64{{0.5}, {0.25}},
		Bonds:        [][2]int{{0, 1}, {1, 2}},
	}
}

func TestNewBatchMolGraph_Layout(t *testing.T) {
	b, err := NewBatchMolGraph([]*MolGraph{twoAtomGraph(), chainGraph()}, 2, 1)
	require.NoError(t, err)

	assert.Equal(t, 2, b.NumMolecules())
	assert.Equal(t, 5, b.NumAtoms())
	assert.Equal(t, 6, b.NumBonds())
	assert.Equal(t, 2, b.AtomFDim())
	assert.Equal(t, 3, b.BondFDim())

	assert.Equal(t, []Scope{{1, 2}, {3, 3}}, b.AScope)
	assert.Equal(t, []Scope{{1, 2}, {3, 4}}, b.BScope)

	// Padding rows are zero.
	assert.Equal(t, []float64{0, 0}, b.FAtoms.RawRowView(0))
	assert.Equal(t, []float64{0, 0, 0}, b.FBonds.RawRowView(0))

	// First molecule: bond 1 = atom1->atom2, bond 2 = atom2->atom1.
	assert.Equal(t, 1, b.B2A[1])
	assert.Equal(t, 2, b.B2A[2])
	assert.Equal(t, 2, b.B2RevB[1])
	assert.Equal(t, 1, b.B2RevB[2])
	assert.Equal(t, []float64{1, 0, 1}, b.FBonds.RawRowView(1))
	assert.Equal(t, []float64{0, 1, 1}, b.FBonds.RawRowView(2))

	// Middle chain atom (global 4) receives two bonds; everything is padded to degree 2.
	for _, nei := range b.A2B {
		assert.Len(t, nei, 2)
	}
	assert.ElementsMatch(t, []int{3, 6}, b.A2B[4])
	assert.Equal(t, []int{2, 0}, b.A2B[1])

	require.NoError(t, b.Validate())
}

func TestNewBatchMolGraph_ZeroBondMolecule(t *testing.T) {
	single := &MolGraph{AtomFeatures: [][]float64{{1, 2}}}
	b, err := NewBatchMolGraph([]*MolGraph{single}, 2, 1)
	require.NoError(t, err)

	assert.Equal(t, 0, b.NumBonds())
	assert.Equal(t, []Scope{{1, 0}}, b.BScope)
	assert.Empty(t, b.A2B[1])
	require.NoError(t, b.Validate())
}

func TestNewBatchMolGraph_Errors(t *testing.T) {
	tests := []struct {
		name   string
		graphs []*MolGraph
		code   errors.ErrorCode
	}{
		{"empty batch", nil, errors.ErrCodeValidation},
		{"nil graph", []*MolGraph{nil}, errors.ErrCodeInvalidGraph},
		{"bond to missing atom", []*MolGraph{{
			AtomFeatures: [][]float64{{1, 0}, {0, 1}},
			BondFeatures: [][]float64{{1}},
			Bonds:        [][2]int{{0, 5}},
		}}, errors.ErrCodeInvalidGraph},
		{"self loop", []*MolGraph{{
			AtomFeatures: [][]float64{{1, 0}},
			BondFeatures: [][]float64{{1}},
			Bonds:        [][2]int{{0, 0}},
		}}, errors.ErrCodeInvalidGraph},
		{"atom width", []*MolGraph{{AtomFeatures: [][]float64{{1, 0, 0}}}}, errors.ErrCodeInvalidGraph},
		{"bond feature rows", []*MolGraph{{
			AtomFeatures: [][]float64{{1, 0}, {0, 1}},
			Bonds:        [][2]int{{0, 1}},
		}}, errors.ErrCodeInvalidGraph},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBatchMolGraph(tt.graphs, 2, 1)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, tt.code), err.Error())
		})
	}
}

func TestValidate_DetectsCorruptedIndices(t *testing.T) {
	b, err := NewBatchMolGraph([]*MolGraph{twoAtomGraph()}, 2, 1)
	require.NoError(t, err)

	b.A2B[1][0] = 99
	err = b.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidGraph))

	b, _ = NewBatchMolGraph([]*MolGraph{twoAtomGraph()}, 2, 1)
	b.B2RevB[1] = 1
	assert.Error(t, b.Validate())

	pair := func() *BatchMolGraph {
		b, err := NewBatchMolGraph([]*MolGraph{twoAtomGraph(), twoAtomGraph()}, 2, 1)
		require.NoError(t, err)
		require.NoError(t, b.Validate())
		return b
	}
	corruptions := map[string]func(b *BatchMolGraph){
		"orphan atoms":          func(b *BatchMolGraph) { b.AScope = b.AScope[:1] },
		"missing bond scope":    func(b *BatchMolGraph) { b.BScope = b.BScope[:1] },
		"short bond scope":      func(b *BatchMolGraph) { b.BScope[1].Size = 1 },
		"gapped bond scope":     func(b *BatchMolGraph) { b.BScope[1].Start = 4 },
		"bond crosses molecule": func(b *BatchMolGraph) { b.B2A[1] = 3 },
	}
	for name, corrupt := range corruptions {
		b := pair()
		corrupt(b)
		err := b.Validate()
		require.Error(t, err, name)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidGraph), name)
	}
}

func TestWithExtraAtomFeatures(t *testing.T) {
	b, err := NewBatchMolGraph([]*MolGraph{twoAtomGraph()}, 2, 1)
	require.NoError(t, err)

	ext, err := b.WithExtraAtomFeatures(mat.NewDense(2, 1, []float64{7, 8}), 1)
	require.NoError(t, err)

	assert.Equal(t, 3, ext.AtomFDim())
	assert.Equal(t, 4, ext.BondFDim())
	assert.Equal(t, []float64{1, 0, 7}, ext.FAtoms.RawRowView(1))
	assert.Equal(t, []float64{0, 1, 8, 1}, ext.FBonds.RawRowView(2))
	require.NoError(t, ext.Validate())

	// Original batch is untouched.
	assert.Equal(t, 2, b.AtomFDim())

	_, err = b.WithExtraAtomFeatures(mat.NewDense(3, 1, nil), 1)
	assert.True(t, errors.IsCode(err, errors.ErrCodeRowCountMismatch))
}

func TestWithExtraBondFeatures(t *testing.T) {
	b, err := NewBatchMolGraph([]*MolGraph{twoAtomGraph()}, 2, 1)
	require.NoError(t, err)

	ext, err := b.WithExtraBondFeatures(mat.NewDense(2, 2, []float64{1, 2, 3, 4}), 2)
	require.NoError(t, err)
	assert.Equal(t, 5, ext.BondFDim())
	assert.Equal(t, []float64{1, 0, 1, 1, 2}, ext.FBonds.RawRowView(1))
	require.NoError(t, ext.Validate())

	_, err = b.WithExtraBondFeatures(mat.NewDense(1, 2, nil), 2)
	assert.Error(t, err)

	_, err = b.WithExtraBondFeatures(mat.NewDense(2, 3, nil), 2)
	assert.True(t, errors.IsCode(err, errors.ErrCodeFeatureWidthMismatch))
}

func TestWithExtraFeatures_NilAllowedForEmptyBatch(t *testing.T) {
	b, err := NewBatchMolGraph([]*MolGraph{{AtomFeatures: [][]float64{{1, 2}}}}, 2, 1)
	require.NoError(t, err)

	ext, err := b.WithExtraBondFeatures(nil, 3)
	require.NoError(t, err)
	assert.Equal(t, 6, ext.BondFDim())

	_, err = b.WithExtraAtomFeatures(nil, 1)
	assert.Error(t, err, "one atom present, descriptors required")
}
