package model

import "github.com/samcharles93/latentmesh/internal/tensor"

// MLP is a SwiGLU MLP holding a slice of the intermediate dimension. Forward
// returns this shard's partial sum of the down projection; the full output is
// the sum over the group the MLP is sharded across.
type MLP struct {
	w MLPWeights
}

// NewMLP keeps the rank-th of parts intermediate slices of w.
func NewMLP(w MLPWeights, parts, rank int) *MLP {
	if parts <= 1 {
		return &MLP{w: w}
	}
	return &MLP{w: shardMLP(w, parts, rank)}
}

// Intermediate is the local intermediate width.
func (m *MLP) Intermediate() int { return m.w.Intermediate() }

func (m *MLP) Forward(x tensor.Mat) tensor.Mat {
	if m.w.Intermediate() == 0 {
		return tensor.NewMat(x.R, m.w.Down.R)
	}
	return tensor.Linear(tensor.SiluAndMulRows(tensor.Linear(x, m.w.GateUp)), m.w.Down)
}
