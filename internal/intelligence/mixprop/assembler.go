package mixprop

import (
	"gonum.org/v1/gonum/mat"

	"github.com/turtacn/mixprop/internal/intelligence/nn"
	"github.com/turtacn/mixprop/pkg/errors"
)

// MixtureParts is a combined row batch split into its named blocks.
type MixtureParts struct {
	A           *mat.Dense // component A embeddings, rows x H
	B           *mat.Dense // component B embeddings, rows x H
	Extras      *mat.Dense // remaining columns before frac, nil when empty
	Frac        *mat.Dense // mole fraction of A, rows x 1
	Temperature *mat.Dense // rows x 1
}

// MixtureAssembler turns combined rows into the forward and swapped views
// evaluated by the readout:
//
//	forward = [A*f | B*(1-f) | extras | T]
//	swapped = [B*(1-f) | A*f | extras | T]
type MixtureAssembler struct {
	componentWidth int
	inputWidth     int
}

// NewMixtureAssembler creates an assembler for combined rows of inputWidth
// columns whose first two blocks are componentWidth wide.
func NewMixtureAssembler(componentWidth, inputWidth int) (*MixtureAssembler, error) {
	if componentWidth <= 0 || inputWidth < 2*componentWidth+2 {
		return nil, errors.NewConfigError("combined row too narrow for two components").
			WithDetailf("component_width=%d input_width=%d", componentWidth, inputWidth)
	}
	return &MixtureAssembler{componentWidth: componentWidth, inputWidth: inputWidth}, nil
}

// OutputWidth is the width of each view: 2H + extras + 1.
func (a *MixtureAssembler) OutputWidth() int { return a.inputWidth - 1 }

// Split slices combined into its blocks. The row count is taken from the
// batch itself; a width other than the configured one is an error.
func (a *MixtureAssembler) Split(combined *mat.Dense) (*MixtureParts, error) {
	_, w := combined.Dims()
	if w != a.inputWidth {
		return nil, errors.New(errors.ErrCodeFeatureWidthMismatch, "feature width mismatch").
			WithDetailf("combined row has %d columns, want %d", w, a.inputWidth)
	}
	h := a.componentWidth
	return &MixtureParts{
		A:           nn.ColRange(combined, 0, h),
		B:           nn.ColRange(combined, h, 2*h),
		Extras:      nn.ColRange(combined, 2*h, w-2),
		Frac:        nn.ColRange(combined, w-2, w-1),
		Temperature: nn.ColRange(combined, w-1, w),
	}, nil
}

// Assemble builds both views from combined rows.
func (a *MixtureAssembler) Assemble(combined *mat.Dense) (forward, swapped *mat.Dense, err error) {
	p, err := a.Split(combined)
	if err != nil {
		return nil, nil, err
	}
	fracA := p.Frac.RawMatrix().Data
	fracB := nn.OnesLike(p.Frac)
	fracB.Sub(fracB, p.Frac)

	scaledA := nn.ScaleRows(p.A, fracA)
	scaledB := nn.ScaleRows(p.B, fracB.RawMatrix().Data)

	forward = nn.HConcat(scaledA, scaledB, p.Extras, p.Temperature)
	swapped = nn.HConcat(scaledB, scaledA, p.Extras, p.Temperature)
	return forward, swapped, nil
}
