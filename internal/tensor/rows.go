package tensor

// SliceRows returns rows [start, end) of m as a view sharing m's storage.
func SliceRows(m Mat, start, end int) Mat {
	if start < 0 || end < start || end > m.R {
		panic("row range out of bounds")
	}
	if start == end {
		return Mat{R: 0, C: m.C, Stride: m.C}
	}
	return Mat{
		R:      end - start,
		C:      m.C,
		Stride: m.Stride,
		Data:   m.Data[start*m.Stride : (end-1)*m.Stride+m.C],
	}
}

// ChunkRows returns the i-th of n equal row chunks of m as a view.
func ChunkRows(m Mat, n, i int) Mat {
	if n <= 0 || m.R%n != 0 {
		panic("rows not divisible into chunks")
	}
	size := m.R / n
	return SliceRows(m, i*size, (i+1)*size)
}

// ConcatRows stacks the given matrices vertically into a new matrix.
// All inputs must have the same number of columns.
func ConcatRows(ms ...Mat) Mat {
	if len(ms) == 0 {
		return Mat{}
	}
	cols := ms[0].C
	rows := 0
	for _, m := range ms {
		if m.C != cols {
			panic("column mismatch in ConcatRows")
		}
		rows += m.R
	}
	out := NewMat(rows, cols)
	r := 0
	for _, m := range ms {
		for i := 0; i < m.R; i++ {
			copy(out.Row(r), m.Row(i))
			r++
		}
	}
	return out
}

// PadRows returns a copy of m extended with zero rows up to n rows.
func PadRows(m Mat, n int) Mat {
	if n < m.R {
		panic("PadRows target smaller than input")
	}
	out := NewMat(n, m.C)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// SliceCols returns a copy of columns [start, end) of m.
func SliceCols(m Mat, start, end int) Mat {
	if start < 0 || end < start || end > m.C {
		panic("column range out of bounds")
	}
	out := NewMat(m.R, end-start)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i)[start:end])
	}
	return out
}

// ConcatCols joins the given matrices horizontally into a new matrix.
// All inputs must have the same number of rows.
func ConcatCols(ms ...Mat) Mat {
	if len(ms) == 0 {
		return Mat{}
	}
	rows := ms[0].R
	cols := 0
	for _, m := range ms {
		if m.R != rows {
			panic("row mismatch in ConcatCols")
		}
		cols += m.C
	}
	out := NewMat(rows, cols)
	for i := 0; i < rows; i++ {
		dst := out.Row(i)
		off := 0
		for _, m := range ms {
			copy(dst[off:off+m.C], m.Row(i))
			off += m.C
		}
	}
	return out
}

// AddMat adds src into dst element-wise. Shapes must match.
func AddMat(dst, src Mat) {
	if !SameShape(dst, src) {
		panic("shape mismatch in AddMat")
	}
	for i := 0; i < dst.R; i++ {
		Add(dst.Row(i), src.Row(i))
	}
}

// Sum returns a new matrix holding a + b.
func Sum(a, b Mat) Mat {
	out := a.Clone()
	AddMat(out, b)
	return out
}

// Scale multiplies every element of m by s in place.
func Scale(m Mat, s float32) {
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j := range row {
			row[j] *= s
		}
	}
}

// RMSNormRows normalises every row of src into a new matrix.
func RMSNormRows(src Mat, weight []float32, eps float32) Mat {
	if len(weight) != src.C {
		panic("RMSNormRows weight length mismatch")
	}
	out := NewMat(src.R, src.C)
	for i := 0; i < src.R; i++ {
		RMSNorm(out.Row(i), src.Row(i), weight, eps)
	}
	return out
}

// SiluAndMulRows applies SiluAndMul to every row of x, halving the width.
func SiluAndMulRows(x Mat) Mat {
	if x.C%2 != 0 {
		panic("SiluAndMulRows requires even width")
	}
	out := NewMat(x.R, x.C/2)
	for i := 0; i < x.R; i++ {
		SiluAndMul(out.Row(i), x.Row(i))
	}
	return out
}
