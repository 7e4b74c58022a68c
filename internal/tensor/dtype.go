package tensor

import (
	"math"
	"strings"

	"github.com/x448/float16"

	"github.com/samcharles93/latentmesh/internal/faults"
)

// DType is the storage precision of activations between layer states.
// Arithmetic always runs in float32; Round emulates the narrower storage.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return "f32"
	}
}

// ParseDType converts a dtype name to a DType.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "f32", "fp32", "float32":
		return F32, nil
	case "f16", "fp16", "float16", "half":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	default:
		return F32, faults.Configuration("unknown dtype %q (want f32, f16 or bf16)", s)
	}
}

// Round rounds every element of m to the precision of d in place.
// Values beyond the f16 range become ±Inf, matching a real f16 store.
func Round(m Mat, d DType) {
	switch d {
	case F16:
		for i := 0; i < m.R; i++ {
			row := m.Row(i)
			for j, v := range row {
				row[j] = float16.Fromfloat32(v).Float32()
			}
		}
	case BF16:
		for i := 0; i < m.R; i++ {
			row := m.Row(i)
			for j, v := range row {
				row[j] = bf16ToF32(f32ToBF16(v))
			}
		}
	}
}

func f32ToBF16(v float32) uint16 {
	bits := math.Float32bits(v)
	if v != v {
		return uint16(bits>>16) | 0x40
	}
	// round to nearest, ties to even
	bits += 0x7fff + ((bits >> 16) & 1)
	return uint16(bits >> 16)
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// AllFinite reports whether m contains no NaN or ±Inf.
func AllFinite(m Mat) bool {
	for i := 0; i < m.R; i++ {
		for _, v := range m.Row(i) {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return false
			}
		}
	}
	return true
}

// MaxAbs returns the largest absolute value in m.
func MaxAbs(m Mat) float32 {
	var out float32
	for i := 0; i < m.R; i++ {
		for _, v := range m.Row(i) {
			if v < 0 {
				v = -v
			}
			if v > out {
				out = v
			}
		}
	}
	return out
}

// FrobeniusNorm returns the L2 norm of all elements of m.
func FrobeniusNorm(m Mat) float64 {
	var sum float64
	for i := 0; i < m.R; i++ {
		for _, v := range m.Row(i) {
			sum += float64(v) * float64(v)
		}
	}
	return math.Sqrt(sum)
}
