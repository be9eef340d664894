package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// OnesLike returns a matrix of ones with the shape of m.
func OnesLike(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	data := make([]float64, r*c)
	for i := range data {
		data[i] = 1
	}
	return mat.NewDense(r, c, data)
}

// HConcat joins matrices column-wise. nil entries are skipped so that empty
// blocks can be passed without special casing. All non-nil inputs must share
// a row count.
func HConcat(ms ...*mat.Dense) *mat.Dense {
	rows, cols := 0, 0
	for _, m := range ms {
		if m == nil {
			continue
		}
		r, c := m.Dims()
		rows = r
		cols += c
	}
	out := mat.NewDense(rows, cols, nil)
	off := 0
	for _, m := range ms {
		if m == nil {
			continue
		}
		_, c := m.Dims()
		out.Slice(0, rows, off, off+c).(*mat.Dense).Copy(m)
		off += c
	}
	return out
}

// ColRange copies columns [from, to) of m. It returns nil for an empty range.
func ColRange(m *mat.Dense, from, to int) *mat.Dense {
	if to <= from {
		return nil
	}
	r, _ := m.Dims()
	return mat.DenseCopyOf(m.Slice(0, r, from, to))
}

// GatherRows returns a matrix whose i-th row is m's row idx[i].
func GatherRows(m *mat.Dense, idx []int) *mat.Dense {
	_, c := m.Dims()
	out := mat.NewDense(len(idx), c, nil)
	for i, j := range idx {
		copy(out.RawRowView(i), m.RawRowView(j))
	}
	return out
}

// SumGather returns a matrix whose i-th row is the sum of m's rows idx[i].
func SumGather(m *mat.Dense, idx [][]int) *mat.Dense {
	_, c := m.Dims()
	out := mat.NewDense(len(idx), c, nil)
	for i, nei := range idx {
		dst := out.RawRowView(i)
		for _, j := range nei {
			src := m.RawRowView(j)
			for k := range dst {
				dst[k] += src[k]
			}
		}
	}
	return out
}

// ScaleRows multiplies row i of m by s[i] into a new matrix.
func ScaleRows(m *mat.Dense, s []float64) *mat.Dense {
	out := mat.DenseCopyOf(m)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		for k := range row {
			row[k] *= s[i]
		}
	}
	return out
}

// Average returns (a+b)/2.
func Average(a, b *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	out.Add(a, b)
	out.Scale(0.5, out)
	return out
}

// SoftmaxGroups applies a numerically stable softmax to each consecutive
// group of width columns within every row.
func SoftmaxGroups(m *mat.Dense, width int) *mat.Dense {
	out := mat.DenseCopyOf(m)
	r, c := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		for g := 0; g+width <= c; g += width {
			grp := row[g : g+width]
			max := math.Inf(-1)
			for _, v := range grp {
				max = math.Max(max, v)
			}
			sum := 0.0
			for k, v := range grp {
				grp[k] = math.Exp(v - max)
				sum += grp[k]
			}
			for k := range grp {
				grp[k] /= sum
			}
		}
	}
	return out
}
