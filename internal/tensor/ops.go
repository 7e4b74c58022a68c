package tensor

import (
	"math"

	"gonum.org/v1/gonum/blas/blas32"
)

func vec(x []float32) blas32.Vector {
	return blas32.Vector{N: len(x), Inc: 1, Data: x}
}

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	blas32.Axpy(1, vec(src), vec(dst))
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	return blas32.Dot(vec(a), vec(b))
}

// RMSNorm writes src / rms(src) * weight into dst. The mean square is
// accumulated in float64 so 16-bit-range activations do not lose the sum.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float64
	for _, v := range src {
		sum += float64(v) * float64(v)
	}
	scale := float32(1 / math.Sqrt(sum/float64(len(src))+float64(eps)))
	for i, v := range src {
		dst[i] = v * scale * weight[i]
	}
}

// Softmax normalises x in place. Masked entries set to -Inf come out as 0.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := float32(math.Inf(-1))
	for _, v := range x {
		maxv = max(maxv, v)
	}
	if math.IsInf(float64(maxv), -1) {
		return
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - maxv))
		x[i] = float32(e)
		sum += e
	}
	inv := float32(1 / sum)
	for i := range x {
		x[i] *= inv
	}
}

func Sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(float64(-x))))
}

func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// SiluAndMul writes Silu(gate) * up into dst, where x is [gate | up].
func SiluAndMul(dst, x []float32) {
	d := len(x) / 2
	if len(x)%2 != 0 || len(dst) < d {
		panic("tensor: SiluAndMul needs an even input and a dst of half its length")
	}
	gate, up := x[:d], x[d:]
	for i, g := range gate {
		dst[i] = Silu(g) * up[i]
	}
}

// ApplyRoPEScaled rotates interleaved (2i, 2i+1) pairs of every head in x
// by pos*invFreq[i], with cos and sin multiplied by mscale.
func ApplyRoPEScaled(x []float32, nHead, headDim, pos int, invFreq []float64, mscale float32) {
	half := headDim / 2
	if headDim%2 != 0 || len(invFreq) < half {
		panic("tensor: RoPE needs an even head dim and headDim/2 frequencies")
	}
	for i := 0; i < half; i++ {
		sin, cos := math.Sincos(float64(pos) * invFreq[i])
		c, s := float32(cos)*mscale, float32(sin)*mscale
		for h := 0; h < nHead; h++ {
			i0 := h*headDim + 2*i
			x0, x1 := x[i0], x[i0+1]
			x[i0] = x0*c - x1*s
			x[i0+1] = x0*s + x1*c
		}
	}
}
