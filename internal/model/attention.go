package model

import (
	"slices"

	"github.com/samcharles93/latentmesh/internal/config"
	"github.com/samcharles93/latentmesh/internal/faults"
	"github.com/samcharles93/latentmesh/internal/kvcache"
	"github.com/samcharles93/latentmesh/internal/tensor"
)

// Meta locates every row of a rank-local batch in its sequence.
type Meta struct {
	Seqs      []int
	Positions []int
}

func (m Meta) Len() int { return len(m.Seqs) }

func (m Meta) check(rows int) error {
	if len(m.Seqs) != rows || len(m.Positions) != rows {
		return faults.Shape("batch has %d rows but %d seqs and %d positions", rows, len(m.Seqs), len(m.Positions))
	}
	return nil
}

// kvProjection is the shared key/value projection of a batch: the
// normalised latent and the decoupled rotary key.
type kvProjection struct {
	latent tensor.Mat
	pe     tensor.Mat
}

// attentionOps is the step sequence of an attention variant. Variants differ
// in what they cache and when the latent is expanded to per-head keys and
// values.
type attentionOps interface {
	projectQuery(x tensor.Mat) tensor.Mat
	projectKV(x tensor.Mat) kvProjection
	applyRoPE(q tensor.Mat, kv kvProjection, meta Meta)
	attend(q tensor.Mat, kv kvProjection, meta Meta, cache *kvcache.Cache) (tensor.Mat, error)
	projectOutput(o tensor.Mat) tensor.Mat
	cacheWidth() int
}

// mlaProjections holds the TP-local projections of multi-head latent
// attention. Heads are the local slice [h0, h0+heads).
type mlaProjections struct {
	heads  int
	nope   int
	rope   int
	vDim   int
	kvLora int
	scale  float32
	eps    float32

	qa     tensor.Mat
	qaNorm []float32
	qb     tensor.Mat
	q      tensor.Mat
	kva    tensor.Mat
	kvNorm []float32
	kvb    tensor.Mat
	o      tensor.Mat
	rotary Rope
}

func (p *mlaProjections) qkDim() int { return p.nope + p.rope }

func (p *mlaProjections) projectQuery(x tensor.Mat) tensor.Mat {
	if p.qaNorm != nil {
		c := tensor.RMSNormRows(tensor.Linear(x, p.qa), p.qaNorm, p.eps)
		return tensor.Linear(c, p.qb)
	}
	return tensor.Linear(x, p.q)
}

func (p *mlaProjections) projectKV(x tensor.Mat) kvProjection {
	kva := tensor.Linear(x, p.kva)
	latent := tensor.SliceCols(kva, 0, p.kvLora)
	return kvProjection{
		latent: tensor.RMSNormRows(latent, p.kvNorm, p.eps),
		pe:     tensor.SliceCols(kva, p.kvLora, p.kvLora+p.rope),
	}
}

// applyRoPE rotates the rope slice of every query head and the shared key.
func (p *mlaProjections) applyRoPE(q tensor.Mat, kv kvProjection, meta Meta) {
	qk := p.qkDim()
	for i := 0; i < q.R; i++ {
		pos := meta.Positions[i]
		row := q.Row(i)
		for h := 0; h < p.heads; h++ {
			p.rotary.Apply(row[h*qk+p.nope:(h+1)*qk], pos)
		}
		p.rotary.Apply(kv.pe.Row(i), pos)
	}
}

func (p *mlaProjections) projectOutput(o tensor.Mat) tensor.Mat {
	return tensor.Linear(o, p.o)
}

// attendRow computes the context of one query over n cached positions.
// kv rows are per-head [k_nope | v] blocks; pe rows are the shared rotary key.
func (p *mlaProjections) attendRow(dst, q []float32, kv, pe tensor.Mat, n int) {
	qk := p.qkDim()
	block := p.nope + p.vDim
	scores := make([]float32, n)
	for h := 0; h < p.heads; h++ {
		qNope := q[h*qk : h*qk+p.nope]
		qPe := q[h*qk+p.nope : (h+1)*qk]
		for j := 0; j < n; j++ {
			kRow := kv.Row(j)[h*block : h*block+p.nope]
			scores[j] = (tensor.Dot(qNope, kRow) + tensor.Dot(qPe, pe.Row(j))) * p.scale
		}
		tensor.Softmax(scores)
		out := dst[h*p.vDim : (h+1)*p.vDim]
		clear(out)
		for j := 0; j < n; j++ {
			v := kv.Row(j)[h*block+p.nope : (h+1)*block]
			w := scores[j]
			for d := range out {
				out[d] += w * v[d]
			}
		}
	}
}

// attendCached appends rows to the cache, then lets every token attend to its
// sequence up to and including its own position. expand turns a cached
// prefix into per-head [k_nope | v] rows and the rotary key.
func (p *mlaProjections) attendCached(q tensor.Mat, rows tensor.Mat, meta Meta, cache *kvcache.Cache,
	expand func(prefix tensor.Mat) (tensor.Mat, tensor.Mat),
) (tensor.Mat, error) {
	for i := 0; i < rows.R; i++ {
		if err := cache.Append(meta.Seqs[i], meta.Positions[i], rows.Row(i)); err != nil {
			return tensor.Mat{}, err
		}
	}

	out := tensor.NewMat(q.R, p.heads*p.vDim)
	seqs := slices.Clone(meta.Seqs)
	slices.Sort(seqs)
	seqs = slices.Compact(seqs)
	for _, seq := range seqs {
		last := -1
		for i, s := range meta.Seqs {
			if s == seq {
				last = max(last, meta.Positions[i])
			}
		}
		prefix, err := cache.Prefix(seq, last+1)
		if err != nil {
			return tensor.Mat{}, err
		}
		kv, pe := expand(prefix)
		for i, s := range meta.Seqs {
			if s == seq {
				p.attendRow(out.Row(i), q.Row(i), kv, pe, meta.Positions[i]+1)
			}
		}
	}
	return out, nil
}

// latentAttention caches [kv_c | k_pe] per position and expands the latent
// through kv_b when attending.
type latentAttention struct {
	mlaProjections
}

func (a *latentAttention) cacheWidth() int { return a.kvLora + a.rope }

func (a *latentAttention) attend(q tensor.Mat, kv kvProjection, meta Meta, cache *kvcache.Cache) (tensor.Mat, error) {
	rows := tensor.ConcatCols(kv.latent, kv.pe)
	return a.attendCached(q, rows, meta, cache, func(prefix tensor.Mat) (tensor.Mat, tensor.Mat) {
		expanded := tensor.Linear(tensor.SliceCols(prefix, 0, a.kvLora), a.kvb)
		return expanded, tensor.SliceCols(prefix, a.kvLora, a.kvLora+a.rope)
	})
}

// denseHeadAttention expands keys and values before caching and stores the
// per-head [k_nope | v] blocks followed by the shared k_pe.
type denseHeadAttention struct {
	mlaProjections
}

func (a *denseHeadAttention) cacheWidth() int {
	return a.heads*(a.nope+a.vDim) + a.rope
}

func (a *denseHeadAttention) attend(q tensor.Mat, kv kvProjection, meta Meta, cache *kvcache.Cache) (tensor.Mat, error) {
	expanded := tensor.Linear(kv.latent, a.kvb)
	rows := tensor.ConcatCols(expanded, kv.pe)
	width := expanded.C
	return a.attendCached(q, rows, meta, cache, func(prefix tensor.Mat) (tensor.Mat, tensor.Mat) {
		return tensor.SliceCols(prefix, 0, width), tensor.SliceCols(prefix, width, width+a.rope)
	})
}

// Attention is the TP-sharded attention block of one decoder layer. Its
// output is this rank's partial sum of the row-parallel output projection.
type Attention struct {
	ops   attentionOps
	fused *kernelCache[*attnKernel]
}

// NewAttention shards w by heads for tpRank. fused selects the compiled
// path; it is fixed for the lifetime of the block.
func NewAttention(cfg config.Model, w AttentionWeights, tp, tpRank int, fused bool) (*Attention, error) {
	nh := cfg.NumAttentionHeads
	if tp < 1 || nh%tp != 0 {
		return nil, faults.Configuration("num_attention_heads %d not divisible by tp %d", nh, tp)
	}
	local := nh / tp
	h0, h1 := tpRank*local, (tpRank+1)*local
	qk := cfg.QKHeadDim()

	p := mlaProjections{
		heads:  local,
		nope:   cfg.QKNopeHeadDim,
		rope:   cfg.QKRopeHeadDim,
		vDim:   cfg.VHeadDim,
		kvLora: cfg.KVLoraRank,
		scale:  cfg.AttentionScale(),
		eps:    float32(cfg.RMSNormEps),
		kva:    w.KVA,
		kvNorm: w.KVANorm,
		kvb:    headRows(w.KVB, h0, h1, cfg.QKNopeHeadDim+cfg.VHeadDim),
		o:      tensor.SliceCols(w.O, h0*cfg.VHeadDim, h1*cfg.VHeadDim),
		rotary: NewRope(cfg),
	}
	if cfg.QLoraRank > 0 {
		p.qa = w.QA
		p.qaNorm = w.QANorm
		p.qb = headRows(w.QB, h0, h1, qk)
	} else {
		p.q = headRows(w.Q, h0, h1, qk)
	}

	var ops attentionOps
	if cfg.MLA() {
		ops = &latentAttention{p}
	} else {
		ops = &denseHeadAttention{p}
	}
	a := &Attention{ops: ops}
	if fused {
		a.fused = newKernelCache(func(rows int) *attnKernel {
			return compileAttention(ops, rows, local*qk, local*cfg.VHeadDim)
		})
	}
	return a, nil
}

// CacheWidth is the row width this block writes to its cache.
func (a *Attention) CacheWidth() int { return a.ops.cacheWidth() }

// Fused reports whether the block runs compiled kernels.
func (a *Attention) Fused() bool { return a.fused != nil }

// Forward appends the batch to cache and returns the partial output.
func (a *Attention) Forward(x tensor.Mat, meta Meta, cache *kvcache.Cache) (tensor.Mat, error) {
	if err := meta.check(x.R); err != nil {
		return tensor.Mat{}, err
	}
	if a.fused != nil {
		k, err := a.fused.get(x.R)
		if err != nil {
			return tensor.Mat{}, err
		}
		return k.run(x, meta, cache)
	}
	q := a.ops.projectQuery(x)
	kv := a.ops.projectKV(x)
	a.ops.applyRoPE(q, kv, meta)
	o, err := a.ops.attend(q, kv, meta, cache)
	if err != nil {
		return tensor.Mat{}, err
	}
	return a.ops.projectOutput(o), nil
}
