// Package molgraph holds the featurized molecular graphs consumed by the
// message-passing encoder and the padded, index-addressed batch layout built
// from them. Feature extraction itself (SMILES parsing, atom typing) happens
// upstream; this package only validates and lays out what it is given.
package molgraph

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/turtacn/mixprop/pkg/errors"
)

// MolGraph is a single featurized molecule.
type MolGraph struct {
	// AtomFeatures has one row of width atom_fdim per atom.
	AtomFeatures [][]float64 `json:"atom_features"`

	// BondFeatures has one row of width bond_fdim per undirected bond.
	BondFeatures [][]float64 `json:"bond_features"`

	// Bonds lists the atom index pair of each undirected bond, aligned with
	// BondFeatures.
	Bonds [][2]int `json:"bonds"`
}

// NumAtoms returns the atom count.
func (g *MolGraph) NumAtoms() int { return len(g.AtomFeatures) }

// NumBonds returns the undirected bond count.
func (g *MolGraph) NumBonds() int { return len(g.Bonds) }

// Validate checks feature widths and connectivity against the given feature
// dimensions.
func (g *MolGraph) Validate(atomFDim, bondFDim int) error {
	if g == nil {
		return errors.New(errors.ErrCodeInvalidGraph, "invalid molecular graph").WithDetail("nil graph")
	}
	for i, f := range g.AtomFeatures {
		if len(f) != atomFDim {
			return errors.New(errors.ErrCodeInvalidGraph, "invalid molecular graph").
				WithDetailf("atom %d has %d features, want %d", i, len(f), atomFDim)
		}
	}
	if len(g.BondFeatures) != len(g.Bonds) {
		return errors.New(errors.ErrCodeInvalidGraph, "invalid molecular graph").
			WithDetailf("%d bonds but %d bond feature rows", len(g.Bonds), len(g.BondFeatures))
	}
	n := g.NumAtoms()
	for i, b := range g.Bonds {
		if b[0] < 0 || b[0] >= n || b[1] < 0 || b[1] >= n {
			return errors.New(errors.ErrCodeInvalidGraph, "invalid molecular graph").
				WithDetailf("bond %d references atom outside [0,%d): %v", i, n, b)
		}
		if b[0] == b[1] {
			return errors.New(errors.ErrCodeInvalidGraph, "invalid molecular graph").
				WithDetailf("bond %d is a self loop on atom %d", i, b[0])
		}
		if len(g.BondFeatures[i]) != bondFDim {
			return errors.New(errors.ErrCodeInvalidGraph, "invalid molecular graph").
				WithDetailf("bond %d has %d features, want %d", i, len(g.BondFeatures[i]), bondFDim)
		}
	}
	return nil
}

// Scope is the contiguous [Start, Start+Size) range of rows owned by one
// molecule inside a batch.
type Scope struct {
	Start int `json:"start"`
	Size  int `json:"size"`
}

func (s Scope) String() string { return fmt.Sprintf("[%d:+%d]", s.Start, s.Size) }

// BatchMolGraph lays out several molecules as one disconnected graph.
// Row 0 of FAtoms and FBonds is a zero padding entry; index 0 in A2B is the
// padding slot.
type BatchMolGraph struct {
	atomFDim int
	bondFDim int // width of FBonds rows: atom_fdim + raw bond_fdim

	FAtoms *mat.Dense
	FBonds *mat.Dense
	A2B    [][]int
	B2A    []int
	B2RevB []int
	AScope []Scope
	BScope []Scope
}

// NewBatchMolGraph validates graphs and lays them out. atomFDim and bondFDim
// are the raw per-atom and per-bond feature widths; directed bond rows are
// atomFDim+bondFDim wide.
func NewBatchMolGraph(graphs []*MolGraph, atomFDim, bondFDim int) (*BatchMolGraph, error) {
	if len(graphs) == 0 {
		return nil, errors.NewInvalidInputError("empty molecule batch")
	}
	if atomFDim <= 0 || bondFDim < 0 {
		return nil, errors.NewInvalidInputError("feature dimensions must be positive").
			WithDetailf("atom_fdim=%d bond_fdim=%d", atomFDim, bondFDim)
	}

	nAtoms, nBonds := 1, 1
	for i, g := range graphs {
		if err := g.Validate(atomFDim, bondFDim); err != nil {
			return nil, errors.Wrap(err, errors.CodeUnknown, fmt.Sprintf("molecule %d", i))
		}
		nAtoms += g.NumAtoms()
		nBonds += 2 * g.NumBonds()
	}

	fullBond := atomFDim + bondFDim
	b := &BatchMolGraph{
		atomFDim: atomFDim,
		bondFDim: fullBond,
		FAtoms:   mat.NewDense(nAtoms, atomFDim, nil),
		FBonds:   mat.NewDense(nBonds, fullBond, nil),
		A2B:      make([][]int, nAtoms),
		B2A:      make([]int, nBonds),
		B2RevB:   make([]int, nBonds),
		AScope:   make([]Scope, 0, len(graphs)),
		BScope:   make([]Scope, 0, len(graphs)),
	}

	aOff, bOff := 1, 1
	for _, g := range graphs {
		for i, f := range g.AtomFeatures {
			copy(b.FAtoms.RawRowView(aOff+i), f)
		}
		for i, pair := range g.Bonds {
			a1, a2 := aOff+pair[0], aOff+pair[1]
			b1, b2 := bOff+2*i, bOff+2*i+1

			row1 := b.FBonds.RawRowView(b1)
			copy(row1, b.FAtoms.RawRowView(a1))
			copy(row1[atomFDim:], g.BondFeatures[i])

			row2 := b.FBonds.RawRowView(b2)
			copy(row2, b.FAtoms.RawRowView(a2))
			copy(row2[atomFDim:], g.BondFeatures[i])

			// b1 = a1->a2 is incoming to a2; b2 = a2->a1 is incoming to a1.
			b.A2B[a2] = append(b.A2B[a2], b1)
			b.A2B[a1] = append(b.A2B[a1], b2)
			b.B2A[b1], b.B2A[b2] = a1, a2
			b.B2RevB[b1], b.B2RevB[b2] = b2, b1
		}
		b.AScope = append(b.AScope, Scope{Start: aOff, Size: g.NumAtoms()})
		b.BScope = append(b.BScope, Scope{Start: bOff, Size: 2 * g.NumBonds()})
		aOff += g.NumAtoms()
		bOff += 2 * g.NumBonds()
	}

	padA2B(b.A2B)
	return b, nil
}

// padA2B right-pads every neighbour list with the padding index 0 so that
// all lists share the batch-wide maximum in-degree.
func padA2B(a2b [][]int) {
	maxDeg := 0
	for _, nei := range a2b {
		if len(nei) > maxDeg {
			maxDeg = len(nei)
		}
	}
	for i, nei := range a2b {
		for len(nei) < maxDeg {
			nei = append(nei, 0)
		}
		a2b[i] = nei
	}
}

// AtomFDim returns the atom feature width.
func (b *BatchMolGraph) AtomFDim() int { return b.atomFDim }

// BondFDim returns the directed bond row width (atom features + bond features).
func (b *BatchMolGraph) BondFDim() int { return b.bondFDim }

// NumMolecules returns the number of molecules in the batch.
func (b *BatchMolGraph) NumMolecules() int { return len(b.AScope) }

// NumAtoms returns the atom count excluding the padding row.
func (b *BatchMolGraph) NumAtoms() int {
	r, _ := b.FAtoms.Dims()
	return r - 1
}

// NumBonds returns the directed bond count excluding the padding row.
func (b *BatchMolGraph) NumBonds() int {
	r, _ := b.FBonds.Dims()
	return r - 1
}

// Validate re-checks the connectivity of a batch that may have been built
// or modified elsewhere.
func (b *BatchMolGraph) Validate() error {
	if b == nil || b.FAtoms == nil || b.FBonds == nil {
		return errors.New(errors.ErrCodeInvalidGraph, "invalid molecular graph").WithDetail("batch not initialized")
	}
	nAtoms, aw := b.FAtoms.Dims()
	nBonds, bw := b.FBonds.Dims()
	if aw != b.atomFDim || bw != b.bondFDim {
		return errors.New(errors.ErrCodeInvalidGraph, "invalid molecular graph").
			WithDetailf("feature widths %d/%d do not match declared %d/%d", aw, bw, b.atomFDim, b.bondFDim)
	}
	if len(b.A2B) != nAtoms || len(b.B2A) != nBonds || len(b.B2RevB) != nBonds {
		return errors.New(errors.ErrCodeInvalidGraph, "invalid molecular graph").
			WithDetail("index arrays do not match feature row counts")
	}
	for a, nei := range b.A2B {
		for _, bond := range nei {
			if bond < 0 || bond >= nBonds {
				return errors.New(errors.ErrCodeInvalidGraph, "invalid molecular graph").
					WithDetailf("atom %d references bond %d outside [0,%d)", a, bond, nBonds)
			}
		}
	}
	for bond := 1; bond < nBonds; bond++ {
		src, rev := b.B2A[bond], b.B2RevB[bond]
		if src <= 0 || src >= nAtoms {
			return errors.New(errors.ErrCodeInvalidGraph, "invalid molecular graph").
				WithDetailf("bond %d has source atom %d outside [1,%d)", bond, src, nAtoms)
		}
		if rev <= 0 || rev >= nBonds || rev == bond || b.B2RevB[rev] != bond {
			return errors.New(errors.ErrCodeInvalidGraph, "invalid molecular graph").
				WithDetailf("bond %d has inconsistent reverse %d", bond, rev)
		}
	}
	next := 1
	for i, s := range b.AScope {
		if s.Start != next || s.Size < 0 || s.Start+s.Size > nAtoms {
			return errors.New(errors.ErrCodeInvalidGraph, "invalid molecular graph").
				WithDetailf("atom scope %d %v is not contiguous", i, s)
		}
		next += s.Size
	}
	if next != nAtoms {
		return errors.New(errors.ErrCodeInvalidGraph, "invalid molecular graph").
			WithDetailf("atom scopes cover %d atoms, batch has %d", next-1, nAtoms-1)
	}
	if len(b.BScope) != len(b.AScope) {
		return errors.New(errors.ErrCodeInvalidGraph, "invalid molecular graph").
			WithDetailf("%d bond scopes for %d molecules", len(b.BScope), len(b.AScope))
	}
	next = 1
	for i, s := range b.BScope {
		if s.Start != next || s.Size < 0 || s.Start+s.Size > nBonds {
			return errors.New(errors.ErrCodeInvalidGraph, "invalid molecular graph").
				WithDetailf("bond scope %d %v is not contiguous", i, s)
		}
		atoms := b.AScope[i]
		for bond := s.Start; bond < s.Start+s.Size; bond++ {
			if src := b.B2A[bond]; src < atoms.Start || src >= atoms.Start+atoms.Size {
				return errors.New(errors.ErrCodeInvalidGraph, "invalid molecular graph").
					WithDetailf("bond %d of molecule %d starts at atom %d outside %v", bond, i, src, atoms)
			}
		}
		next += s.Size
	}
	if next != nBonds {
		return errors.New(errors.ErrCodeInvalidGraph, "invalid molecular graph").
			WithDetailf("bond scopes cover %d bonds, batch has %d", next-1, nBonds-1)
	}
	return nil
}

// WithExtraAtomFeatures returns a copy of b whose atom features (and the
// source-atom half of every bond row) are extended by width columns taken
// from extra, one row per non-padding atom. extra may be nil only when the
// batch has no atoms.
func (b *BatchMolGraph) WithExtraAtomFeatures(extra *mat.Dense, width int) (*BatchMolGraph, error) {
	if err := checkExtra("extra atom features", extra, width, b.NumAtoms()); err != nil {
		return nil, err
	}
	nAtoms, _ := b.FAtoms.Dims()
	nBonds, _ := b.FBonds.Dims()
	rawBond := b.bondFDim - b.atomFDim
	newAtomFDim := b.atomFDim + width

	out := b.shallowCopy()
	out.atomFDim = newAtomFDim
	out.bondFDim = newAtomFDim + rawBond
	out.FAtoms = mat.NewDense(nAtoms, newAtomFDim, nil)
	for a := 1; a < nAtoms; a++ {
		row := out.FAtoms.RawRowView(a)
		copy(row, b.FAtoms.RawRowView(a))
		copy(row[b.atomFDim:], extra.RawRowView(a-1))
	}
	out.FBonds = mat.NewDense(nBonds, out.bondFDim, nil)
	for bond := 1; bond < nBonds; bond++ {
		row := out.FBonds.RawRowView(bond)
		copy(row, out.FAtoms.RawRowView(b.B2A[bond]))
		copy(row[newAtomFDim:], b.FBonds.RawRowView(bond)[b.atomFDim:])
	}
	return out, nil
}

// WithExtraBondFeatures returns a copy of b whose directed bond rows are
// extended by width columns taken from extra, one row per non-padding
// directed bond. extra may be nil only when the batch has no bonds.
func (b *BatchMolGraph) WithExtraBondFeatures(extra *mat.Dense, width int) (*BatchMolGraph, error) {
	if err := checkExtra("extra bond features", extra, width, b.NumBonds()); err != nil {
		return nil, err
	}
	nBonds, _ := b.FBonds.Dims()
	out := b.shallowCopy()
	out.bondFDim = b.bondFDim + width
	out.FBonds = mat.NewDense(nBonds, out.bondFDim, nil)
	for bond := 1; bond < nBonds; bond++ {
		row := out.FBonds.RawRowView(bond)
		copy(row, b.FBonds.RawRowView(bond))
		copy(row[b.bondFDim:], extra.RawRowView(bond-1))
	}
	return out, nil
}

func checkExtra(name string, extra *mat.Dense, width, rows int) error {
	if width <= 0 {
		return errors.NewInvalidInputError(name + " width must be positive")
	}
	if extra == nil {
		if rows == 0 {
			return nil
		}
		return errors.NewInvalidInputError(name + " missing").WithDetailf("want %d rows", rows)
	}
	r, c := extra.Dims()
	if r != rows {
		return errors.New(errors.ErrCodeRowCountMismatch, "row count mismatch").
			WithDetailf("%s have %d rows, want %d", name, r, rows)
	}
	if c != width {
		return errors.New(errors.ErrCodeFeatureWidthMismatch, "feature width mismatch").
			WithDetailf("%s have %d columns, want %d", name, c, width)
	}
	return nil
}

func (b *BatchMolGraph) shallowCopy() *BatchMolGraph {
	c := *b
	return &c
}
