package model

import (
	"math"

	"github.com/samcharles93/latentmesh/internal/config"
	"github.com/samcharles93/latentmesh/internal/tensor"
)

// Rope holds the inverse frequencies of the decoupled rotary subspace and the
// cos/sin magnitude YaRN applies to it.
type Rope struct {
	Dim     int
	InvFreq []float64
	MScale  float32
}

// NewRope builds the rotary table for cfg's qk_rope_head_dim.
func NewRope(cfg config.Model) Rope {
	dim := cfg.QKRopeHeadDim
	base := cfg.RopeTheta
	if base <= 0 {
		base = 10_000
	}
	inv := make([]float64, dim/2)
	for i := range inv {
		inv[i] = 1 / math.Pow(base, float64(2*i)/float64(dim))
	}
	mscale := 1.0
	if rs := cfg.RopeScaling; rs != nil {
		betaFast, betaSlow := rs.BetaFast, rs.BetaSlow
		applyYarnScaling(inv, base, rs.Factor, float64(rs.OriginalMaxPositionEmbeddings), betaFast, betaSlow, true)
		mscale = yarnAttentionFactor(rs.Factor, rs.MScale, rs.MScaleAllDim)
	}
	return Rope{Dim: dim, InvFreq: inv, MScale: float32(mscale)}
}

// Apply rotates one Dim-wide vector in place for position pos.
func (r Rope) Apply(x []float32, pos int) {
	tensor.ApplyRoPEScaled(x, 1, r.Dim, pos, r.InvFreq, r.MScale)
}

func yarnAttentionFactor(factor float64, mscale float64, mscaleAllDim float64) float64 {
	getMScale := func(scale float64, mul float64) float64 {
		if scale <= 1 {
			return 1
		}
		if mul <= 0 {
			mul = 1
		}
		return 0.1*mul*math.Log(scale) + 1
	}

	if mscale > 0 && mscaleAllDim > 0 {
		num := getMScale(factor, mscale)
		den := getMScale(factor, mscaleAllDim)
		if den == 0 {
			return 1
		}
		return num / den
	}

	mul := mscale
	if mul <= 0 {
		mul = 1
	}
	return getMScale(factor, mul)
}

func applyYarnScaling(invFreq []float64, base float64, factor float64, origCtx float64, betaFast float64, betaSlow float64, truncate bool) {
	if len(invFreq) == 0 || factor == 0 || factor == 1 {
		return
	}
	if base <= 1 || origCtx <= 0 {
		for i, f := range invFreq {
			invFreq[i] = f / factor
		}
		return
	}
	if betaFast <= 0 {
		betaFast = 32
	}
	if betaSlow <= 0 {
		betaSlow = 1
	}

	dimHalf := len(invFreq)
	dim := float64(dimHalf * 2)

	findCorrectionDim := func(numRotations float64) float64 {
		numer := origCtx / (numRotations * 2 * math.Pi)
		if numer <= 0 {
			return 0
		}
		return (dim * math.Log(numer)) / (2 * math.Log(base))
	}
	low := findCorrectionDim(betaFast)
	high := findCorrectionDim(betaSlow)
	if truncate {
		low = math.Floor(low)
		high = math.Ceil(high)
	}
	low = max(low, 0)
	high = min(high, dim-1)

	linearRamp := func(lo float64, hi float64, i int) float64 {
		if lo == hi {
			hi += 0.001
		}
		v := (float64(i) - lo) / (hi - lo)
		return min(max(v, 0), 1)
	}

	for i, f := range invFreq {
		ramp := linearRamp(low, high, i)
		invExtrap := f
		invInterp := f / factor
		invFreq[i] = invInterp*ramp + invExtrap*(1-ramp)
	}
}
