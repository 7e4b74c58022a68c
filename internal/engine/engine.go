// Package engine runs one decoder forward pass across every rank of a
// pp×dp×tp grid, each rank on its own goroutine.
package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"

	"github.com/samcharles93/latentmesh/internal/config"
	"github.com/samcharles93/latentmesh/internal/faults"
	"github.com/samcharles93/latentmesh/internal/logger"
	"github.com/samcharles93/latentmesh/internal/model"
	"github.com/samcharles93/latentmesh/internal/padding"
	"github.com/samcharles93/latentmesh/internal/parallel"
	"github.com/samcharles93/latentmesh/internal/tensor"
)

// Batch is the token batch of one DP rank. Seqs defaults to sequence 0 for
// every token; Positions defaults to the next cached position of each
// token's sequence.
type Batch struct {
	Tokens    []int
	Seqs      []int
	Positions []int
}

// Request is one forward pass: a batch per DP rank.
type Request struct {
	Phase   model.Phase
	Batches []Batch
}

// Result is the outcome of one pass. Hidden holds the final normed hidden
// states of every DP rank.
type Result struct {
	PassID       string
	Phase        model.Phase
	Mode         model.Mode
	CombinedComm bool
	Lengths      []int
	Plan         *padding.Plan
	Hidden       []tensor.Mat
}

// Engine owns the per-rank layer stacks and their caches. Step calls are
// serialised.
type Engine struct {
	cfg    config.Model
	rt     config.Runtime
	mesh   parallel.Mesh
	opts   model.Options
	log    logger.Logger
	w      *model.Weights
	stacks []*model.Stack

	mu      sync.Mutex
	journal *parallel.Journal
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithWeights supplies weights instead of generating them from the seed.
func WithWeights(w *model.Weights) Option {
	return func(e *Engine) { e.w = w }
}

// WithFP16Guard forces the residual scaling on or off. By default it is on
// exactly when activations are stored as f16.
func WithFP16Guard(on bool) Option {
	return func(e *Engine) { e.opts.FP16Guard = on }
}

// New validates cfg against rt and builds a stack for every rank.
func New(cfg config.Model, rt config.Runtime, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := rt.Validate(cfg); err != nil {
		return nil, err
	}
	dtype, err := rt.ActivationDType()
	if err != nil {
		return nil, err
	}
	mesh, err := parallel.NewMesh(rt.Parallel.PP, rt.Parallel.DP, rt.Parallel.TP)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:  cfg,
		rt:   rt,
		mesh: mesh,
		log:  logger.Default(),
		opts: model.Options{
			DType:           dtype,
			FP16Guard:       dtype == tensor.F16,
			GraphMode:       rt.GraphMode,
			EnableMC2:       rt.EnableMC2,
			GraphBatchSizes: slices.Clone(rt.GraphBatchSizes),
		},
	}
	for _, o := range opts {
		o(e)
	}
	if e.w == nil {
		e.w = model.GenerateWeights(cfg, rt.Seed)
	}

	e.stacks = make([]*model.Stack, mesh.World())
	for rank := range e.stacks {
		s, err := model.NewStack(cfg, e.w, mesh, mesh.Coord(rank), e.opts)
		if err != nil {
			return nil, errors.Wrapf(err, "rank %d", rank)
		}
		e.stacks[rank] = s
	}
	e.log.Info("engine ready",
		"mesh", mesh.String(),
		"layers", cfg.NumHiddenLayers,
		"dtype", dtype.String(),
		"graph_mode", rt.GraphMode,
		"mc2", rt.EnableMC2,
		"fp16_guard", e.opts.FP16Guard,
	)
	return e, nil
}

func (e *Engine) Mesh() parallel.Mesh     { return e.mesh }
func (e *Engine) Model() config.Model     { return e.cfg }
func (e *Engine) Runtime() config.Runtime { return e.rt }
func (e *Engine) Options() model.Options  { return e.opts }

// Plan computes the padding plan for per-DP-rank token counts.
func (e *Engine) Plan(lengths []int) (*padding.Plan, error) {
	return padding.NewPlan(lengths, e.mesh.TP)
}

// Reset clears every rank's KV cache.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.stacks {
		s.Reset()
	}
}

// Journal returns the collective trace of the last pass.
func (e *Engine) Journal() *parallel.Journal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.journal
}

// fill completes b's optional fields against the cache of rank's stack.
func (e *Engine) fill(b Batch, stack *model.Stack) (Batch, error) {
	n := len(b.Tokens)
	if b.Seqs == nil {
		b.Seqs = make([]int, n)
	}
	if len(b.Seqs) != n {
		return Batch{}, faults.Shape("batch has %d tokens and %d seqs", n, len(b.Seqs))
	}
	if b.Positions == nil {
		next := make(map[int]int)
		b.Positions = make([]int, n)
		for i, s := range b.Seqs {
			pos, ok := next[s]
			if !ok {
				pos = stack.CachedLen(s)
			}
			b.Positions[i] = pos
			next[s] = pos + 1
		}
	}
	if len(b.Positions) != n {
		return Batch{}, faults.Shape("batch has %d tokens and %d positions", n, len(b.Positions))
	}
	if err := stack.CheckPositions(model.Meta{Seqs: b.Seqs, Positions: b.Positions}); err != nil {
		return Batch{}, err
	}
	return b, nil
}

// rollback restores every rank's caches to the checkpoints taken before a
// failed pass.
func (e *Engine) rollback(cps []map[int]int) {
	for rank, cp := range cps {
		e.stacks[rank].Rollback(cp)
	}
}

// Step runs one forward pass on every rank and returns the hidden states
// of every DP rank. A failed pass leaves every cache as it was.
func (e *Engine) Step(ctx context.Context, req Request) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(req.Batches) != e.mesh.DP {
		return nil, faults.Configuration("request has %d batches, dp is %d", len(req.Batches), e.mesh.DP)
	}
	batches := make([]Batch, len(req.Batches))
	lengths := make([]int, len(req.Batches))
	for dp, b := range req.Batches {
		// Every stage-0 rank of a DP column shares one cache history.
		filled, err := e.fill(b, e.stacks[e.mesh.Rank(parallel.Coord{DP: dp})])
		if err != nil {
			return nil, errors.Wrapf(err, "dp rank %d", dp)
		}
		batches[dp] = filled
		lengths[dp] = len(filled.Tokens)
	}

	pass, err := model.NewPass(model.PassOptions{
		Phase:     req.Phase,
		GraphMode: e.rt.GraphMode,
		EnableMC2: e.rt.EnableMC2,
		TP:        e.mesh.TP,
		Lengths:   lengths,
	})
	if err != nil {
		return nil, err
	}

	cps := make([]map[int]int, len(e.stacks))
	for rank, s := range e.stacks {
		cps[rank] = s.Checkpoint(batches[e.mesh.Coord(rank).DP].Seqs)
	}

	journal := parallel.NewJournal()
	fabric := parallel.NewFabric(e.mesh, journal)
	links := parallel.NewLinks[*model.IntermediateTensors](e.mesh)
	hidden := make([]tensor.Mat, e.mesh.DP)
	log := e.log.With("pass", pass.ID)

	err = parallel.Launch(ctx, e.mesh, func(ctx context.Context, rank int) error {
		reg := fabric.Registry(rank)
		c := reg.Coord
		ctx = logger.WithContext(ctx, logger.ForRank(log, rank, c))
		b := batches[c.DP]
		in := model.StageInput{
			Tokens: b.Tokens,
			Meta:   model.Meta{Seqs: b.Seqs, Positions: b.Positions},
		}
		if !reg.FirstStage() {
			inter, err := links.In(c).Recv(ctx)
			if err != nil {
				return err
			}
			in.Intermediate = inter
		}
		out, err := e.stacks[rank].Forward(ctx, pass, reg, in)
		if err != nil {
			return errors.Wrapf(err, "rank %d (%s)", rank, c)
		}
		if !reg.LastStage() {
			return links.Out(c).Send(ctx, out.Intermediate)
		}
		if c.TP == 0 {
			hidden[c.DP] = out.Hidden
		}
		return nil
	})
	e.journal = journal
	if err != nil {
		e.rollback(cps)
		log.Error("pass failed", "phase", pass.Phase.String(), "kind", faults.Kind(err), "error", err)
		return nil, err
	}

	res := &Result{
		PassID:       pass.ID,
		Phase:        pass.Phase,
		Mode:         pass.Mode,
		CombinedComm: pass.CombinedComm,
		Lengths:      lengths,
		Hidden:       hidden,
	}
	args := []any{"phase", pass.Phase.String(), "mode", pass.Mode.String(), "lengths", lengths}
	if plan, err := pass.Plan(); err == nil {
		res.Plan = plan
		args = append(args, "plan", plan.String())
	}
	log.Info("pass done", args...)
	return res, nil
}
