package model

import (
	"math"

	"github.com/samcharles93/latentmesh/internal/config"
	"github.com/samcharles93/latentmesh/internal/tensor"
)

// MLPWeights is a SwiGLU MLP with gate and up projections merged as
// [gate; up] (2I × H) and the down projection (H × I).
type MLPWeights struct {
	GateUp tensor.Mat
	Down   tensor.Mat
}

// Intermediate is the MLP hidden width.
func (w MLPWeights) Intermediate() int { return w.Down.C }

// AttentionWeights uses the HF (out, in) layout. QA/QANorm/QB are set when
// q_lora_rank > 0, Q otherwise.
type AttentionWeights struct {
	QA      tensor.Mat
	QANorm  []float32
	QB      tensor.Mat
	Q       tensor.Mat
	KVA     tensor.Mat
	KVANorm []float32
	KVB     tensor.Mat
	O       tensor.Mat
}

// MoEWeights holds the replicated gate and every routed expert.
type MoEWeights struct {
	Gate    tensor.Mat
	Bias    []float32
	Experts []MLPWeights
	Shared  *MLPWeights
}

type LayerWeights struct {
	InputNorm    []float32
	PostAttnNorm []float32
	Attn         AttentionWeights
	MLP          *MLPWeights
	MoE          *MoEWeights
}

// Weights is the full, unsharded parameter set of a model.
type Weights struct {
	Embed     tensor.Mat
	FinalNorm []float32
	Layers    []LayerWeights
}

// weightRNG hands out a distinct deterministic seed per tensor.
type weightRNG struct {
	seed int64
	n    int64
}

func (g *weightRNG) next() int64 {
	g.n++
	return g.seed*1_000_003 + g.n*7919
}

// mat returns an (out × in) matrix uniform in ±1/sqrt(in).
func (g *weightRNG) mat(out, in int) tensor.Mat {
	m := tensor.NewMat(out, in)
	tensor.FillRandScale(&m, g.next(), float32(2/math.Sqrt(float64(max(in, 1)))))
	return m
}

// norm returns RMSNorm weights near one.
func (g *weightRNG) norm(n int) []float32 {
	m := tensor.NewMat(1, n)
	tensor.FillRandScale(&m, g.next(), 0.2)
	for i := range m.Data {
		m.Data[i] += 1
	}
	return m.Data
}

func (g *weightRNG) vec(n int, scale float32) []float32 {
	m := tensor.NewMat(1, n)
	tensor.FillRandScale(&m, g.next(), scale)
	return m.Data
}

func (g *weightRNG) mlp(hidden, inter int) MLPWeights {
	return MLPWeights{
		GateUp: g.mat(2*inter, hidden),
		Down:   g.mat(hidden, inter),
	}
}

// GenerateWeights builds a reproducible random parameter set for cfg.
// Every tensor depends only on seed and its position in the model.
func GenerateWeights(cfg config.Model, seed int64) *Weights {
	g := &weightRNG{seed: seed}
	h := cfg.HiddenSize
	nh := cfg.NumAttentionHeads
	qk := cfg.QKHeadDim()

	w := &Weights{
		Embed:     tensor.NewMat(cfg.VocabSize, h),
		FinalNorm: g.norm(h),
		Layers:    make([]LayerWeights, cfg.NumHiddenLayers),
	}
	tensor.FillRandScale(&w.Embed, g.next(), 2)

	for i := range w.Layers {
		lw := LayerWeights{
			InputNorm:    g.norm(h),
			PostAttnNorm: g.norm(h),
		}
		a := &lw.Attn
		if cfg.QLoraRank > 0 {
			a.QA = g.mat(cfg.QLoraRank, h)
			a.QANorm = g.norm(cfg.QLoraRank)
			a.QB = g.mat(nh*qk, cfg.QLoraRank)
		} else {
			a.Q = g.mat(nh*qk, h)
		}
		a.KVA = g.mat(cfg.KVLoraRank+cfg.QKRopeHeadDim, h)
		a.KVANorm = g.norm(cfg.KVLoraRank)
		a.KVB = g.mat(nh*(cfg.QKNopeHeadDim+cfg.VHeadDim), cfg.KVLoraRank)
		a.O = g.mat(h, nh*cfg.VHeadDim)

		switch {
		case cfg.MoELayer(i):
			moe := &MoEWeights{
				Gate:    g.mat(cfg.NRoutedExperts, h),
				Experts: make([]MLPWeights, cfg.NRoutedExperts),
			}
			if cfg.TopKMethod == config.TopKNoAuxTC {
				moe.Bias = g.vec(cfg.NRoutedExperts, 0.1)
			}
			for e := range moe.Experts {
				moe.Experts[e] = g.mlp(h, cfg.MoEIntermediateSize)
			}
			if cfg.NSharedExperts > 0 {
				shared := g.mlp(h, cfg.SharedIntermediate())
				moe.Shared = &shared
			}
			lw.MoE = moe
		default:
			mlp := g.mlp(h, cfg.IntermediateSize)
			lw.MLP = &mlp
		}
		w.Layers[i] = lw
	}
	return w
}

// span splits n items into parts balanced contiguous ranges and returns the
// i-th. Earlier parts take the remainder.
func span(n, parts, i int) (int, int) {
	base := n / parts
	rem := n % parts
	start := i*base + min(i, rem)
	end := start + base
	if i < rem {
		end++
	}
	return start, end
}

// shardMLP keeps intermediate columns [start, end) of w.
func shardMLP(w MLPWeights, parts, rank int) MLPWeights {
	inter := w.Intermediate()
	start, end := span(inter, parts, rank)
	return MLPWeights{
		GateUp: tensor.ConcatRows(
			tensor.SliceRows(w.GateUp, start, end),
			tensor.SliceRows(w.GateUp, inter+start, inter+end),
		),
		Down: tensor.SliceCols(w.Down, start, end),
	}
}

// headRows keeps the row blocks of heads [h0, h1) of a head-major matrix
// whose heads are width rows each.
func headRows(m tensor.Mat, h0, h1, width int) tensor.Mat {
	return tensor.SliceRows(m, h0*width, h1*width).Clone()
}
