// Package padding computes the per-pass padding plan that lets ranks with
// different token counts take part in fixed-shape collectives.
package padding

import (
	"fmt"
	"strings"

	"github.com/samcharles93/latentmesh/internal/faults"
	"github.com/samcharles93/latentmesh/internal/tensor"
)

// Plan pads every data-parallel rank's batch to one common, tp-divisible
// length. A Plan belongs to exactly one forward pass.
type Plan struct {
	// Lengths is the true token count of every DP rank.
	Lengths []int
	// TP is the tensor-parallel size MaxLength is aligned to.
	TP int
	// MaxLength is max(Lengths) rounded up to a multiple of TP.
	MaxLength int
	// PadSize[i] is MaxLength - Lengths[i].
	PadSize []int
	// KeepMask marks the real rows of the dp·MaxLength padded layout.
	KeepMask []bool

	offsets []int
}

// NewPlan builds the plan for the given per-rank token counts.
func NewPlan(lengths []int, tp int) (*Plan, error) {
	if tp < 1 {
		return nil, faults.Configuration("padding plan: tp must be >= 1, got %d", tp)
	}
	if len(lengths) == 0 {
		return nil, faults.Configuration("padding plan: no data-parallel ranks")
	}
	longest := 0
	for i, n := range lengths {
		if n < 0 {
			return nil, faults.Configuration("padding plan: rank %d has negative length %d", i, n)
		}
		longest = max(longest, n)
	}
	maxLen := (longest + tp - 1) / tp * tp

	p := &Plan{
		Lengths:   append([]int(nil), lengths...),
		TP:        tp,
		MaxLength: maxLen,
		PadSize:   make([]int, len(lengths)),
		KeepMask:  make([]bool, len(lengths)*maxLen),
		offsets:   make([]int, len(lengths)+1),
	}
	for i, n := range lengths {
		p.PadSize[i] = maxLen - n
		for j := 0; j < n; j++ {
			p.KeepMask[i*maxLen+j] = true
		}
		p.offsets[i+1] = p.offsets[i] + n
	}
	return p, nil
}

// FromCumulative builds the plan from cumulative token counts, where cu[i] is
// the number of tokens on ranks 0..i.
func FromCumulative(cu []int, tp int) (*Plan, error) {
	lengths := make([]int, len(cu))
	prev := 0
	for i, c := range cu {
		if c < prev {
			return nil, faults.Configuration("padding plan: cumulative counts decrease at rank %d (%d < %d)", i, c, prev)
		}
		lengths[i] = c - prev
		prev = c
	}
	return NewPlan(lengths, tp)
}

// DP returns the number of data-parallel ranks covered by the plan.
func (p *Plan) DP() int { return len(p.Lengths) }

// Total returns the number of real tokens across all ranks.
func (p *Plan) Total() int { return p.offsets[len(p.Lengths)] }

// Offset returns the first row of rank's block in the unpadded global batch.
func (p *Plan) Offset(rank int) int { return p.offsets[rank] }

// Kept returns the number of true entries in KeepMask.
func (p *Plan) Kept() int {
	n := 0
	for _, keep := range p.KeepMask {
		if keep {
			n++
		}
	}
	return n
}

func (p *Plan) checkRank(rank int) error {
	if rank < 0 || rank >= p.DP() {
		return faults.Shape("padding plan: dp rank %d outside [0,%d)", rank, p.DP())
	}
	return nil
}

// PadToTP extends rank's local rows with zero rows up to MaxLength.
func (p *Plan) PadToTP(rank int, x tensor.Mat) (tensor.Mat, error) {
	if err := p.checkRank(rank); err != nil {
		return tensor.Mat{}, err
	}
	if x.R != p.Lengths[rank] {
		return tensor.Mat{}, faults.Shape("pad to tp: dp rank %d has %d rows, plan expects %d", rank, x.R, p.Lengths[rank])
	}
	return tensor.PadRows(x, p.MaxLength), nil
}

// UnpadFromTP keeps the real rows of a dp·MaxLength gathered batch, giving
// the global batch of Total rows.
func (p *Plan) UnpadFromTP(x tensor.Mat) (tensor.Mat, error) {
	if x.R != len(p.KeepMask) {
		return tensor.Mat{}, faults.Shape("unpad from tp: got %d rows, plan expects %d", x.R, len(p.KeepMask))
	}
	out := tensor.NewMat(p.Total(), x.C)
	r := 0
	for i, keep := range p.KeepMask {
		if keep {
			copy(out.Row(r), x.Row(i))
			r++
		}
	}
	return out, nil
}

// PadToWP inserts PadSize[i] zero rows after every rank's block of the global
// batch, giving dp·MaxLength rows.
func (p *Plan) PadToWP(x tensor.Mat) (tensor.Mat, error) {
	if x.R != p.Total() {
		return tensor.Mat{}, faults.Shape("pad to wp: got %d rows, plan expects %d", x.R, p.Total())
	}
	out := tensor.NewMat(len(p.KeepMask), x.C)
	r := 0
	for i, keep := range p.KeepMask {
		if keep {
			copy(out.Row(i), x.Row(r))
			r++
		}
	}
	return out, nil
}

// UnpadFromWP returns rank's real rows from a dp·MaxLength padded batch.
func (p *Plan) UnpadFromWP(rank int, x tensor.Mat) (tensor.Mat, error) {
	if err := p.checkRank(rank); err != nil {
		return tensor.Mat{}, err
	}
	if x.R != len(p.KeepMask) {
		return tensor.Mat{}, faults.Shape("unpad from wp: got %d rows, plan expects %d", x.R, len(p.KeepMask))
	}
	start := rank * p.MaxLength
	return tensor.SliceRows(x, start, start+p.Lengths[rank]).Clone(), nil
}

// ScatterTP pads rank's local rows to MaxLength and returns the tpRank-th of
// TP equal slices. It re-lays a full residual out like a reduce-scattered
// activation.
func (p *Plan) ScatterTP(rank, tpRank int, x tensor.Mat) (tensor.Mat, error) {
	if tpRank < 0 || tpRank >= p.TP {
		return tensor.Mat{}, faults.Shape("scatter tp: tp rank %d outside [0,%d)", tpRank, p.TP)
	}
	padded, err := p.PadToTP(rank, x)
	if err != nil {
		return tensor.Mat{}, err
	}
	return tensor.ChunkRows(padded, p.TP, tpRank).Clone(), nil
}

// Pack concatenates one block per rank into the global batch.
func (p *Plan) Pack(xs ...tensor.Mat) (tensor.Mat, error) {
	if len(xs) != p.DP() {
		return tensor.Mat{}, faults.Shape("pack: got %d blocks, plan covers %d ranks", len(xs), p.DP())
	}
	for i, x := range xs {
		if x.R != p.Lengths[i] {
			return tensor.Mat{}, faults.Shape("pack: block %d has %d rows, plan expects %d", i, x.R, p.Lengths[i])
		}
	}
	return tensor.ConcatRows(xs...), nil
}

func (p *Plan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "plan{lengths=%v tp=%d max=%d pad=%v kept=%d}", p.Lengths, p.TP, p.MaxLength, p.PadSize, p.Kept())
	return b.String()
}
