package model

import (
	"context"

	"github.com/samcharles93/latentmesh/internal/config"
	"github.com/samcharles93/latentmesh/internal/faults"
	"github.com/samcharles93/latentmesh/internal/kvcache"
	"github.com/samcharles93/latentmesh/internal/logger"
	"github.com/samcharles93/latentmesh/internal/parallel"
	"github.com/samcharles93/latentmesh/internal/tensor"
)

// Options are the per-model execution settings every layer shares.
type Options struct {
	DType tensor.DType
	// FP16Guard divides the residual stream by the routed scaling factor
	// so fp16 activations stay finite. It is on by default for F16.
	FP16Guard       bool
	GraphMode       bool
	EnableMC2       bool
	GraphBatchSizes []int
}

// Layout says how a residual is distributed over the TP group.
type Layout uint8

const (
	// Full: every TP rank holds all local rows.
	Full Layout = iota
	// Scattered: each TP rank holds its MaxLength/TP slice of the padded
	// local rows.
	Scattered
)

func (l Layout) String() string {
	if l == Scattered {
		return "scattered"
	}
	return "full"
}

// Residual is the skip stream carried between layers.
type Residual struct {
	Layout Layout
	Mat    tensor.Mat
}

// State is what flows into and out of a decoder layer. A nil Residual on
// input marks the first layer; on output it marks the last.
type State struct {
	Hidden   tensor.Mat
	Residual *Residual
	Meta     Meta
}

// Layer is one decoder layer bound to a grid coordinate.
type Layer struct {
	index     int
	cfg       config.Model
	opts      Options
	eps       float32
	scale     float32
	inputNorm []float32
	postNorm  []float32
	attn      *Attention
	mlp       *MLP
	moe       *MoE
}

// NewLayer shards w for coord. Attention and TP-dense MLPs are split over
// TP; MoE experts, shared experts and dense MLPs of later layers over WP.
func NewLayer(cfg config.Model, index int, w LayerWeights, mesh parallel.Mesh, coord parallel.Coord, opts Options) (*Layer, error) {
	attn, err := NewAttention(cfg, w.Attn, mesh.TP, coord.TP, opts.GraphMode)
	if err != nil {
		return nil, err
	}
	l := &Layer{
		index:     index,
		cfg:       cfg,
		opts:      opts,
		eps:       float32(cfg.RMSNormEps),
		scale:     float32(cfg.RoutedScalingFactor),
		inputNorm: w.InputNorm,
		postNorm:  w.PostAttnNorm,
		attn:      attn,
	}
	wp, wpRank := mesh.Size(parallel.WP), mesh.GroupRank(parallel.WP, coord)
	switch {
	case index < cfg.FirstMoELayer():
		if w.MLP == nil {
			return nil, faults.Configuration("layer %d: dense layer without mlp weights", index)
		}
		l.mlp = NewMLP(*w.MLP, mesh.TP, coord.TP)
	case cfg.MoELayer(index):
		l.moe, err = NewMoE(cfg, w.MoE, mesh.TP, wp, wpRank, opts.FP16Guard)
		if err != nil {
			return nil, err
		}
	default:
		if w.MLP == nil {
			return nil, faults.Configuration("layer %d: dense layer without mlp weights", index)
		}
		l.mlp = NewMLP(*w.MLP, wp, wpRank)
	}
	return l, nil
}

// Index is the global layer index.
func (l *Layer) Index() int { return l.index }

// CacheWidth is the row width of this layer's KV cache.
func (l *Layer) CacheWidth() int { return l.attn.CacheWidth() }

type step uint8

const (
	stepPreNorm step = iota
	stepAttention
	stepPostAttention
	stepFFN
	stepPostFFN
	stepDone
)

func (s step) String() string {
	switch s {
	case stepPreNorm:
		return "pre_norm"
	case stepAttention:
		return "attention"
	case stepPostAttention:
		return "post_attention"
	case stepFFN:
		return "ffn"
	case stepPostFFN:
		return "post_ffn"
	default:
		return "done"
	}
}

// layerRun is the working set of one layer invocation.
type layerRun struct {
	l    *Layer
	pass *Pass
	reg  *parallel.Registry
	plan commPlan

	cache *kvcache.Cache
	meta  Meta
	rows  int

	h        tensor.Mat
	r        *Residual
	x        tensor.Mat
	a        tensor.Mat
	f        tensor.Mat
	shared   tensor.Mat
	gathered bool
}

// Forward runs the layer's step sequence for one rank.
func (l *Layer) Forward(ctx context.Context, pass *Pass, reg *parallel.Registry, cache *kvcache.Cache, in State) (State, error) {
	run := &layerRun{
		l:     l,
		pass:  pass,
		reg:   reg,
		plan:  planComm(l.index, l.cfg, pass, reg.Mesh),
		cache: cache,
		meta:  in.Meta,
		rows:  in.Hidden.R,
		h:     in.Hidden,
		r:     in.Residual,
	}
	if err := in.Meta.check(in.Hidden.R); err != nil {
		return State{}, err
	}
	log := logger.FromContext(ctx)
	log.Debug("layer forward", "layer", l.index, "phase", pass.Phase.String(), "mode", pass.Mode.String(), "branch", run.plan.String())
	for st := stepPreNorm; st != stepDone; st++ {
		if err := run.advance(ctx, st); err != nil {
			log.Debug("layer step failed", "layer", l.index, "step", st.String(), "error", err)
			return State{}, err
		}
	}
	return State{Hidden: run.h, Residual: run.r, Meta: in.Meta}, nil
}

func (run *layerRun) advance(ctx context.Context, st step) error {
	switch st {
	case stepPreNorm:
		return run.preNorm()
	case stepAttention:
		return run.attention()
	case stepPostAttention:
		return run.postAttention(ctx)
	case stepFFN:
		return run.ffn(ctx)
	case stepPostFFN:
		return run.postFFN(ctx)
	}
	return nil
}

func (run *layerRun) round(ms ...tensor.Mat) {
	for _, m := range ms {
		tensor.Round(m, run.l.opts.DType)
	}
}

func (run *layerRun) guarded() bool { return run.l.opts.FP16Guard }

func (run *layerRun) preNorm() error {
	if run.r == nil {
		run.r = &Residual{Layout: Full, Mat: run.h.Clone()}
	}
	run.x = tensor.RMSNormRows(run.h, run.l.inputNorm, run.l.eps)
	run.round(run.x)
	return nil
}

func (run *layerRun) attention() error {
	a, err := run.l.attn.Forward(run.x, run.meta, run.cache)
	if err != nil {
		return err
	}
	if run.guarded() {
		tensor.Scale(a, 1/run.l.scale)
		if run.l.index == 0 {
			tensor.Scale(run.r.Mat, 1/run.l.scale)
		}
	}
	run.a = a
	run.round(run.a, run.r.Mat)
	return nil
}

func (run *layerRun) postAttention(ctx context.Context) error {
	if run.plan.postAttn == attnScatterTP {
		return run.scatterAttention(ctx)
	}
	if run.r.Layout != Full {
		return faults.Shape("layer %d: all-reduce path got a %s residual", run.l.index, run.r.Layout)
	}
	a, err := run.reg.TP.AllReduce(ctx, run.a)
	if err != nil {
		return err
	}
	run.r.Mat = tensor.Sum(a, run.r.Mat)
	run.x = tensor.RMSNormRows(run.r.Mat, run.l.postNorm, run.l.eps)
	run.round(run.r.Mat, run.x)
	if run.plan.gatherDP {
		run.x, err = run.reg.DP.AllGather(ctx, run.x, 0)
		if err != nil {
			return err
		}
		run.gathered = true
	}
	return nil
}

// scatterAttention reduce-scatters the padded attention partial over TP so
// each rank adds and norms only its slice, then gathers the normed slices of
// the whole stage into the unpadded global batch.
func (run *layerRun) scatterAttention(ctx context.Context) error {
	plan, err := run.pass.Plan()
	if err != nil {
		return err
	}
	dp, tp := run.reg.Coord.DP, run.reg.Coord.TP
	padded, err := plan.PadToTP(dp, run.a)
	if err != nil {
		return err
	}
	as, err := run.reg.TP.ReduceScatter(ctx, padded, parallel.OpSum, 0)
	if err != nil {
		return err
	}
	if run.r.Layout == Full {
		scattered, err := plan.ScatterTP(dp, tp, run.r.Mat)
		if err != nil {
			return err
		}
		run.r = &Residual{Layout: Scattered, Mat: scattered}
	}
	if !tensor.SameShape(as, run.r.Mat) {
		return faults.Shape("layer %d: scattered residual %dx%d, attention slice %dx%d",
			run.l.index, run.r.Mat.R, run.r.Mat.C, as.R, as.C)
	}
	run.r.Mat = tensor.Sum(as, run.r.Mat)
	xs := tensor.RMSNormRows(run.r.Mat, run.l.postNorm, run.l.eps)
	run.round(run.r.Mat, xs)
	all, err := run.reg.WP.AllGather(ctx, xs, 0)
	if err != nil {
		return err
	}
	run.x, err = plan.UnpadFromTP(all)
	return err
}

func (run *layerRun) ffn(ctx context.Context) error {
	l := run.l
	if l.moe == nil {
		run.f = l.mlp.Forward(run.x)
		if run.guarded() {
			tensor.Scale(run.f, 1/l.scale)
		}
		run.round(run.f)
		return nil
	}
	if run.plan.postFFN != ffnCombined {
		f, err := l.moe.Forward(ctx, run.x)
		if err != nil {
			return err
		}
		run.f = f
		run.round(run.f)
		return nil
	}

	n, tp := run.x.R, run.reg.TP.WorldSize()
	if n%tp != 0 {
		return faults.Shape("layer %d: combined dispatch needs rows divisible by tp, got %d rows for tp %d", l.index, n, tp)
	}
	chunk := tensor.ChunkRows(run.x, tp, run.reg.TP.Rank()).Clone()
	routed, err := mc2Dispatcher{wp: run.reg.WP}.dispatch(ctx, l.moe, chunk)
	if err != nil {
		return err
	}
	all, err := run.reg.DP.AllGather(ctx, run.x, 0)
	if err != nil {
		return err
	}
	shared, err := run.reg.WP.AllReduce(ctx, l.moe.SharedPartial(all))
	if err != nil {
		return err
	}
	dp := run.reg.DP.Rank()
	run.f = routed
	run.shared = tensor.SliceRows(shared, dp*n, (dp+1)*n).Clone()
	run.round(run.f, run.shared)
	return nil
}

func (run *layerRun) postFFN(ctx context.Context) error {
	var err error
	switch run.plan.postFFN {
	case ffnReduceTP:
		err = run.reduceFFN(ctx, run.reg.TP)
	case ffnReduceWP:
		err = run.reduceFFN(ctx, run.reg.WP)
	case ffnScatterWP:
		err = run.scatterFFN(ctx)
	case ffnCombined:
		err = run.combineFFN(ctx)
	}
	if err != nil {
		return err
	}
	if run.plan.last {
		run.r = nil
	}
	return nil
}

func (run *layerRun) reduceFFN(ctx context.Context, g parallel.Group) error {
	f, err := g.AllReduce(ctx, run.f)
	if err != nil {
		return err
	}
	if run.gathered {
		dp := run.reg.DP.Rank()
		f = tensor.SliceRows(f, dp*run.rows, (dp+1)*run.rows)
	}
	if run.r.Layout != Full {
		return faults.Shape("layer %d: reduce path got a %s residual", run.l.index, run.r.Layout)
	}
	run.h = tensor.Sum(f, run.r.Mat)
	run.round(run.h)
	run.r = &Residual{Layout: Full, Mat: run.h.Clone()}
	return nil
}

// scatterFFN pads the global FFN partial, reduce-scatters it over WP so each
// rank adds its residual slice, then gathers and unpads this rank's rows.
func (run *layerRun) scatterFFN(ctx context.Context) error {
	plan, err := run.pass.Plan()
	if err != nil {
		return err
	}
	if run.r.Layout != Scattered {
		return faults.Shape("layer %d: scatter path got a %s residual", run.l.index, run.r.Layout)
	}
	padded, err := plan.PadToWP(run.f)
	if err != nil {
		return err
	}
	shard, err := run.reg.WP.ReduceScatter(ctx, padded, parallel.OpSum, 0)
	if err != nil {
		return err
	}
	if !tensor.SameShape(shard, run.r.Mat) {
		return faults.Shape("layer %d: scattered residual %dx%d, ffn shard %dx%d",
			run.l.index, run.r.Mat.R, run.r.Mat.C, shard.R, shard.C)
	}
	tensor.AddMat(shard, run.r.Mat)
	run.round(shard)
	run.r = &Residual{Layout: Scattered, Mat: shard}
	all, err := run.reg.WP.AllGather(ctx, shard, 0)
	if err != nil {
		return err
	}
	run.h, err = plan.UnpadFromWP(run.reg.Coord.DP, all)
	return err
}

func (run *layerRun) combineFFN(ctx context.Context) error {
	routed, err := run.reg.TP.AllGather(ctx, run.f, 0)
	if err != nil {
		return err
	}
	if run.r.Layout != Full {
		return faults.Shape("layer %d: combined path got a %s residual", run.l.index, run.r.Layout)
	}
	tensor.AddMat(routed, run.shared)
	tensor.AddMat(routed, run.r.Mat)
	run.h = routed
	run.round(run.h)
	run.r = &Residual{Layout: Full, Mat: run.h.Clone()}
	return nil
}
