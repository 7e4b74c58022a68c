package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Linear computes x·wᵀ where x is (n × in) and w is (out × in), returning an
// (n × out) matrix. Weights use the (out, in) layout of HF checkpoints.
func Linear(x, w Mat) Mat {
	if x.C != w.C {
		panic("Linear inner dimension mismatch")
	}
	out := NewMat(x.R, w.R)
	if x.R == 0 || w.R == 0 || x.C == 0 {
		return out
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(x), general(w), 0, general(out))
	return out
}

func general(m Mat) blas32.General {
	return blas32.General{
		Rows:   m.R,
		Cols:   m.C,
		Stride: max(m.Stride, 1),
		Data:   m.Data,
	}
}
