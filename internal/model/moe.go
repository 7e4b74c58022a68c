package model

import (
	"context"

	"github.com/samcharles93/latentmesh/internal/config"
	"github.com/samcharles93/latentmesh/internal/faults"
	"github.com/samcharles93/latentmesh/internal/parallel"
	"github.com/samcharles93/latentmesh/internal/tensor"
)

// MoE is a routed-experts block whose experts are split across the
// weight-parallel group. Every rank keeps the replicated router and a WP
// shard of the shared experts.
type MoE struct {
	router   *Router
	experts  []*MLP
	first    int
	shared   *MLP
	hidden   int
	scale    float32
	guard    bool
	nExperts int
}

// NewMoE keeps experts span(E, wp, wpRank) of w. guard selects the FP16
// scaling: shared output is divided by the routed scaling factor instead of
// the routed output being multiplied by it.
func NewMoE(cfg config.Model, w *MoEWeights, tp, wp, wpRank int, guard bool) (*MoE, error) {
	if w == nil {
		return nil, faults.Configuration("moe layer has no expert weights")
	}
	nExp := len(w.Experts)
	if tp > nExp {
		return nil, faults.Configuration("tp %d exceeds the %d routed experts", tp, nExp)
	}
	first, last := span(nExp, wp, wpRank)
	m := &MoE{
		router:   NewRouter(cfg, w),
		experts:  make([]*MLP, 0, last-first),
		first:    first,
		hidden:   cfg.HiddenSize,
		scale:    float32(cfg.RoutedScalingFactor),
		guard:    guard,
		nExperts: nExp,
	}
	for e := first; e < last; e++ {
		m.experts = append(m.experts, NewMLP(w.Experts[e], 1, 0))
	}
	if w.Shared != nil {
		m.shared = NewMLP(*w.Shared, wp, wpRank)
	}
	return m, nil
}

// Owned returns the [first, last) range of experts held by this rank.
func (m *MoE) Owned() (int, int) { return m.first, m.first + len(m.experts) }

// routedPartial sums the weighted outputs of the locally owned experts for
// every row of x.
func (m *MoE) routedPartial(x tensor.Mat, r Routing) tensor.Mat {
	out := tensor.NewMat(x.R, m.hidden)
	for local, expert := range m.experts {
		e := m.first + local
		var rows []int
		var weights []float32
		for i, sel := range r.Experts {
			for j, id := range sel {
				if id == e {
					rows = append(rows, i)
					weights = append(weights, r.Weights[i][j])
				}
			}
		}
		if len(rows) == 0 {
			continue
		}
		in := tensor.NewMat(len(rows), x.C)
		for k, i := range rows {
			copy(in.Row(k), x.Row(i))
		}
		y := expert.Forward(in)
		for k, i := range rows {
			dst := out.Row(i)
			src := y.Row(k)
			w := weights[k]
			for d := range dst {
				dst[d] += w * src[d]
			}
		}
	}
	return out
}

// SharedPartial is this rank's partial of the shared experts, already
// scaled. It is zero when the model has no shared experts.
func (m *MoE) SharedPartial(x tensor.Mat) tensor.Mat {
	if m.shared == nil {
		return tensor.NewMat(x.R, m.hidden)
	}
	y := m.shared.Forward(x)
	if m.guard {
		tensor.Scale(y, 1/m.scale)
	}
	return y
}

func (m *MoE) scaleRouted(y tensor.Mat) {
	if !m.guard {
		tensor.Scale(y, m.scale)
	}
}

// dispatcher moves tokens to the ranks owning their experts and brings the
// weighted expert outputs back.
type dispatcher interface {
	dispatch(ctx context.Context, m *MoE, x tensor.Mat) (tensor.Mat, error)
}

// localDispatcher runs when every WP rank already holds the same rows. The
// result is this rank's partial, to be reduced over WP by the caller.
type localDispatcher struct{}

func (localDispatcher) dispatch(_ context.Context, m *MoE, x tensor.Mat) (tensor.Mat, error) {
	y := m.routedPartial(x, m.router.Route(x))
	m.scaleRouted(y)
	return y, nil
}

// mc2Dispatcher fuses dispatch and combine with the WP collectives: each
// rank contributes its row chunk, experts run on the WP-wide batch, and the
// reduce-scatter returns the finished rows of this rank's chunk.
type mc2Dispatcher struct {
	wp parallel.Group
}

func (d mc2Dispatcher) dispatch(ctx context.Context, m *MoE, x tensor.Mat) (tensor.Mat, error) {
	all, err := d.wp.AllGather(ctx, x, 0)
	if err != nil {
		return tensor.Mat{}, err
	}
	partial := m.routedPartial(all, m.router.Route(all))
	y, err := d.wp.ReduceScatter(ctx, partial, parallel.OpSum, 0)
	if err != nil {
		return tensor.Mat{}, err
	}
	m.scaleRouted(y)
	return y, nil
}

// Forward is the non-combined MoE: routed and shared partials of x summed.
func (m *MoE) Forward(ctx context.Context, x tensor.Mat) (tensor.Mat, error) {
	y, err := localDispatcher{}.dispatch(ctx, m, x)
	if err != nil {
		return tensor.Mat{}, err
	}
	tensor.AddMat(y, m.SharedPartial(x))
	return y, nil
}
