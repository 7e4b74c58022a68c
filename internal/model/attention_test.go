package model

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/latentmesh/internal/config"
	"github.com/samcharles93/latentmesh/internal/faults"
	"github.com/samcharles93/latentmesh/internal/kvcache"
	"github.com/samcharles93/latentmesh/internal/tensor"
)

func randMat(r, c int, seed int64) tensor.Mat {
	m := tensor.NewMat(r, c)
	tensor.FillRandScale(&m, seed, 2)
	return m
}

func maxDiff(a, b tensor.Mat) float64 {
	if !tensor.SameShape(a, b) {
		return math.Inf(1)
	}
	var d float64
	for i := 0; i < a.R; i++ {
		ra, rb := a.Row(i), b.Row(i)
		for j := range ra {
			d = max(d, math.Abs(float64(ra[j]-rb[j])))
		}
	}
	return d
}

func newTestAttention(t *testing.T, cfg config.Model, w AttentionWeights, tp, tpRank int, fused bool) (*Attention, *kvcache.Cache) {
	t.Helper()
	a, err := NewAttention(cfg, w, tp, tpRank, fused)
	require.NoError(t, err)
	return a, kvcache.New(a.CacheWidth())
}

func TestFusedAttentionMatchesEager(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	w := GenerateWeights(cfg, 7).Layers[0].Attn

	eager, eagerCache := newTestAttention(t, cfg, w, 1, 0, false)
	fused, fusedCache := newTestAttention(t, cfg, w, 1, 0, true)
	require.True(t, fused.Fused())

	x := randMat(5, cfg.HiddenSize, 11)
	meta := Meta{Seqs: []int{0, 0, 0, 1, 1}, Positions: []int{0, 1, 2, 0, 1}}
	got, err := fused.Forward(x, meta, fusedCache)
	require.NoError(t, err)
	want, err := eager.Forward(x, meta, eagerCache)
	require.NoError(t, err)
	require.Equal(t, want.Data, got.Data)

	step := randMat(2, cfg.HiddenSize, 12)
	meta = Meta{Seqs: []int{0, 1}, Positions: []int{3, 2}}
	got, err = fused.Forward(step, meta, fusedCache)
	require.NoError(t, err)
	want, err = eager.Forward(step, meta, eagerCache)
	require.NoError(t, err)
	require.Equal(t, want.Data, got.Data)
}

func TestLatentAndDenseHeadAttentionAgree(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	w := GenerateWeights(cfg, 3).Layers[0].Attn
	dense := cfg
	off := false
	dense.UseMLA = &off

	latent, latentCache := newTestAttention(t, cfg, w, 1, 0, false)
	heads, headCache := newTestAttention(t, dense, w, 1, 0, false)
	require.Equal(t, cfg.KVLoraRank+cfg.QKRopeHeadDim, latent.CacheWidth())
	require.Equal(t, cfg.NumAttentionHeads*(cfg.QKNopeHeadDim+cfg.VHeadDim)+cfg.QKRopeHeadDim, heads.CacheWidth())

	x := randMat(4, cfg.HiddenSize, 5)
	meta := Meta{Seqs: []int{0, 0, 0, 0}, Positions: []int{0, 1, 2, 3}}
	a, err := latent.Forward(x, meta, latentCache)
	require.NoError(t, err)
	b, err := heads.Forward(x, meta, headCache)
	require.NoError(t, err)
	if d := maxDiff(a, b); d > 1e-5 {
		t.Fatalf("latent and dense-head outputs differ by %g", d)
	}
}

func TestAttentionHeadShardsSumToFull(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	w := GenerateWeights(cfg, 9).Layers[1].Attn
	x := randMat(3, cfg.HiddenSize, 21)
	meta := Meta{Seqs: []int{4, 4, 4}, Positions: []int{0, 1, 2}}

	full, cache := newTestAttention(t, cfg, w, 1, 0, false)
	want, err := full.Forward(x, meta, cache)
	require.NoError(t, err)

	sum := tensor.NewMat(x.R, cfg.HiddenSize)
	for rank := 0; rank < 2; rank++ {
		a, c := newTestAttention(t, cfg, w, 2, rank, false)
		part, err := a.Forward(x, meta, c)
		require.NoError(t, err)
		tensor.AddMat(sum, part)
	}
	if d := maxDiff(want, sum); d > 1e-5 {
		t.Fatalf("tp shards sum differs from full attention by %g", d)
	}
}

func TestAttentionIsCausal(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	w := GenerateWeights(cfg, 2).Layers[0].Attn
	x := randMat(3, cfg.HiddenSize, 8)

	a, cache := newTestAttention(t, cfg, w, 1, 0, false)
	all, err := a.Forward(x, Meta{Seqs: []int{0, 0, 0}, Positions: []int{0, 1, 2}}, cache)
	require.NoError(t, err)

	b, cache := newTestAttention(t, cfg, w, 1, 0, false)
	first, err := b.Forward(tensor.SliceRows(x, 0, 1).Clone(), Meta{Seqs: []int{0}, Positions: []int{0}}, cache)
	require.NoError(t, err)
	if d := maxDiff(tensor.SliceRows(all, 0, 1), first); d > 1e-6 {
		t.Fatalf("first token sees later positions: diff %g", d)
	}
}

func TestAttentionRejectsPositionGap(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	a, cache := newTestAttention(t, cfg, GenerateWeights(cfg, 1).Layers[0].Attn, 1, 0, false)
	_, err := a.Forward(randMat(1, cfg.HiddenSize, 1), Meta{Seqs: []int{0}, Positions: []int{1}}, cache)
	require.True(t, errors.Is(err, faults.ErrShapeInvariant), "got %v", err)

	_, err = a.Forward(randMat(2, cfg.HiddenSize, 1), Meta{Seqs: []int{0}, Positions: []int{0}}, cache)
	require.True(t, errors.Is(err, faults.ErrShapeInvariant), "got %v", err)
}

func TestNewAttentionRejectsUnevenHeads(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	_, err := NewAttention(cfg, GenerateWeights(cfg, 1).Layers[0].Attn, 3, 0, false)
	require.True(t, errors.Is(err, faults.ErrConfiguration), "got %v", err)
}

func TestAttentionWithoutQueryLora(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.QLoraRank = 0
	w := GenerateWeights(cfg, 4).Layers[0].Attn
	require.Equal(t, cfg.NumAttentionHeads*cfg.QKHeadDim(), w.Q.R)
	require.Zero(t, w.QA.R)
	a, cache := newTestAttention(t, cfg, w, 2, 1, false)
	out, err := a.Forward(randMat(2, cfg.HiddenSize, 3), Meta{Seqs: []int{0, 0}, Positions: []int{0, 1}}, cache)
	require.NoError(t, err)
	require.Equal(t, 2, out.R)
	require.Equal(t, cfg.HiddenSize, out.C)
	require.True(t, tensor.AllFinite(out))
}

func TestKernelCache(t *testing.T) {
	t.Parallel()
	compiled := 0
	lazy := newKernelCache(func(rows int) int {
		compiled++
		return rows * 10
	})
	for range 3 {
		k, err := lazy.get(4)
		require.NoError(t, err)
		require.Equal(t, 40, k)
	}
	require.Equal(t, 1, compiled)

	strict := captureKernels([]int{1, 2, 4}, func(rows int) int { return rows })
	k, err := strict.get(2)
	require.NoError(t, err)
	require.Equal(t, 2, k)
	_, err = strict.get(3)
	require.True(t, errors.Is(err, faults.ErrShapeInvariant), "got %v", err)
}
