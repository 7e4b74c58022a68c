package model

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/samcharles93/latentmesh/internal/config"
	"github.com/samcharles93/latentmesh/internal/faults"
	"github.com/samcharles93/latentmesh/internal/kvcache"
	"github.com/samcharles93/latentmesh/internal/logger"
	"github.com/samcharles93/latentmesh/internal/parallel"
	"github.com/samcharles93/latentmesh/internal/tensor"
)

// LayerRange is the half-open range of global layer indices a stage runs.
type LayerRange struct {
	Start int
	End   int
}

func (r LayerRange) Len() int { return r.End - r.Start }

func (r LayerRange) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End) }

// StageLayers splits layers over pp stages. Earlier stages take the
// remainder.
func StageLayers(layers, pp, stage int) LayerRange {
	start, end := span(layers, pp, stage)
	return LayerRange{Start: start, End: end}
}

// IntermediateTensors is what one pipeline stage hands to the next.
type IntermediateTensors struct {
	Hidden   tensor.Mat
	Residual *Residual
}

// StageInput feeds one stage on one rank. The first stage embeds Tokens;
// later stages continue from Intermediate.
type StageInput struct {
	Tokens       []int
	Meta         Meta
	Intermediate *IntermediateTensors
}

// StageOutput carries Intermediate from non-final stages and the final
// normed Hidden from the last one.
type StageOutput struct {
	Intermediate *IntermediateTensors
	Hidden       tensor.Mat
}

// Stack is the contiguous run of decoder layers owned by one rank.
type Stack struct {
	cfg       config.Model
	opts      Options
	rng       LayerRange
	first     bool
	last      bool
	embed     tensor.Mat
	finalNorm []float32
	layers    []*Layer
	caches    kvcache.Layers
	// graphs holds the decode batch sizes admitted in graph mode.
	graphs    *kernelCache[int]
}

// NewStack binds the layers of coord's stage.
func NewStack(cfg config.Model, w *Weights, mesh parallel.Mesh, coord parallel.Coord, opts Options) (*Stack, error) {
	if len(w.Layers) != cfg.NumHiddenLayers {
		return nil, faults.Configuration("weights have %d layers, config has %d", len(w.Layers), cfg.NumHiddenLayers)
	}
	rng := StageLayers(cfg.NumHiddenLayers, mesh.PP, coord.PP)
	if rng.Len() == 0 {
		return nil, faults.Configuration("stage %d of %d has no layers", coord.PP, mesh.PP)
	}
	s := &Stack{
		cfg:   cfg,
		opts:  opts,
		rng:   rng,
		first: coord.PP == 0,
		last:  coord.PP == mesh.PP-1,
	}
	if s.first {
		s.embed = w.Embed
	}
	if s.last {
		s.finalNorm = w.FinalNorm
	}
	for i := rng.Start; i < rng.End; i++ {
		l, err := NewLayer(cfg, i, w.Layers[i], mesh, coord, opts)
		if err != nil {
			return nil, err
		}
		s.layers = append(s.layers, l)
		s.caches = append(s.caches, kvcache.New(l.CacheWidth()))
	}
	if opts.GraphMode {
		s.graphs = captureKernels(opts.GraphBatchSizes, func(rows int) int { return rows })
	}
	return s, nil
}

// Range returns the global layer indices of this stack.
func (s *Stack) Range() LayerRange { return s.rng }

// Reset clears every layer's cache.
func (s *Stack) Reset() { s.caches.Reset() }

// Drop forgets seq in every layer's cache.
func (s *Stack) Drop(seq int) {
	for _, c := range s.caches {
		c.Drop(seq)
	}
}

// CachedLen is the number of cached positions of seq.
func (s *Stack) CachedLen(seq int) int {
	if len(s.caches) == 0 {
		return 0
	}
	return s.caches[0].Len(seq)
}

// CheckPositions reports whether every sequence in meta continues its cache:
// in batch order, a sequence's positions must run from CachedLen without gaps.
func (s *Stack) CheckPositions(meta Meta) error {
	if err := meta.check(meta.Len()); err != nil {
		return err
	}
	next := make(map[int]int)
	for i, seq := range meta.Seqs {
		want, ok := next[seq]
		if !ok {
			want = s.CachedLen(seq)
		}
		if got := meta.Positions[i]; got != want {
			return faults.Shape("row %d: seq %d at position %d, next position is %d", i, seq, got, want)
		}
		next[seq] = want + 1
	}
	return nil
}

// Checkpoint records the cached length of every sequence in seqs.
func (s *Stack) Checkpoint(seqs []int) map[int]int {
	cp := make(map[int]int, len(seqs))
	for _, seq := range seqs {
		if _, ok := cp[seq]; !ok {
			cp[seq] = s.CachedLen(seq)
		}
	}
	return cp
}

// Rollback cuts every layer's cache back to cp.
func (s *Stack) Rollback(cp map[int]int) {
	for seq, n := range cp {
		s.caches.Truncate(seq, n)
	}
}

func (s *Stack) embedTokens(tokens []int) (tensor.Mat, error) {
	out := tensor.NewMat(len(tokens), s.cfg.HiddenSize)
	for i, id := range tokens {
		if id < 0 || id >= s.embed.R {
			return tensor.Mat{}, faults.Shape("token %d at row %d outside vocab of %d", id, i, s.embed.R)
		}
		copy(out.Row(i), s.embed.Row(id))
	}
	tensor.Round(out, s.opts.DType)
	return out, nil
}

// Forward runs the stage for one rank.
func (s *Stack) Forward(ctx context.Context, pass *Pass, reg *parallel.Registry, in StageInput) (StageOutput, error) {
	rows := in.Meta.Len()
	if err := s.CheckPositions(in.Meta); err != nil {
		return StageOutput{}, err
	}
	if s.graphs != nil && !pass.EagerFlow() {
		if _, err := s.graphs.get(rows); err != nil {
			return StageOutput{}, err
		}
	}

	st := State{Meta: in.Meta}
	if s.first {
		if len(in.Tokens) != rows {
			return StageOutput{}, faults.Shape("stage input has %d tokens and %d positions", len(in.Tokens), rows)
		}
		h, err := s.embedTokens(in.Tokens)
		if err != nil {
			return StageOutput{}, err
		}
		st.Hidden = h
	} else {
		if in.Intermediate == nil || in.Intermediate.Residual == nil {
			return StageOutput{}, faults.Shape("stage %d received no residual from its predecessor", reg.Coord.PP)
		}
		st.Hidden = in.Intermediate.Hidden
		st.Residual = in.Intermediate.Residual
	}

	log := logger.FromContext(ctx)
	log.Debug("stage forward", "pass", pass.ID, "phase", pass.Phase.String(), "layers", s.rng.String(), "rows", rows)

	for i, l := range s.layers {
		var err error
		st, err = l.Forward(ctx, pass, reg, s.caches[i], st)
		if err != nil {
			return StageOutput{}, errors.Wrapf(err, "layer %d", l.Index())
		}
	}

	if !s.last {
		return StageOutput{Intermediate: &IntermediateTensors{Hidden: st.Hidden, Residual: st.Residual}}, nil
	}
	out := tensor.RMSNormRows(st.Hidden, s.finalNorm, float32(s.cfg.RMSNormEps))
	tensor.Round(out, s.opts.DType)
	return StageOutput{Hidden: out}, nil
}
