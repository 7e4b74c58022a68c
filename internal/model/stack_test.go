package model

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/latentmesh/internal/config"
	"github.com/samcharles93/latentmesh/internal/faults"
	"github.com/samcharles93/latentmesh/internal/kvcache"
	"github.com/samcharles93/latentmesh/internal/parallel"
	"github.com/samcharles93/latentmesh/internal/tensor"
)

var singleRank = parallel.Mesh{PP: 1, DP: 1, TP: 1}

func newSingleStack(t *testing.T, cfg config.Model, w *Weights, opts Options) *Stack {
	t.Helper()
	s, err := NewStack(cfg, w, singleRank, parallel.Coord{}, opts)
	require.NoError(t, err)
	return s
}

func runSingle(s *Stack, phase Phase, opts Options, tokens, seqs, positions []int) (tensor.Mat, error) {
	pass, err := NewPass(PassOptions{
		Phase:     phase,
		GraphMode: opts.GraphMode,
		EnableMC2: opts.EnableMC2,
		TP:        1,
		Lengths:   []int{len(tokens)},
	})
	if err != nil {
		return tensor.Mat{}, err
	}
	reg := parallel.NewFabric(singleRank, nil).Registry(0)
	out, err := s.Forward(context.Background(), pass, reg, StageInput{
		Tokens: tokens,
		Meta:   Meta{Seqs: seqs, Positions: positions},
	})
	return out.Hidden, err
}

func TestSingleRankIsReproducible(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.HiddenSize = 8
	w := GenerateWeights(cfg, 42)
	opts := Options{DType: tensor.F32}

	tokens := []int{1, 7, 19, 63}
	seqs := []int{0, 0, 0, 0}
	positions := []int{0, 1, 2, 3}

	first, err := runSingle(newSingleStack(t, cfg, w, opts), Prefill, opts, tokens, seqs, positions)
	require.NoError(t, err)
	require.Equal(t, 4, first.R)
	require.Equal(t, 8, first.C)
	require.True(t, tensor.AllFinite(first))

	again, err := runSingle(newSingleStack(t, cfg, GenerateWeights(cfg, 42), opts), Prefill, opts, tokens, seqs, positions)
	require.NoError(t, err)
	require.Equal(t, first.Data, again.Data)
}

// denseReference computes one dense decoder layer and the final norm from
// the raw weights: h = mlp(norm(a + r)) + (a + r), with r the embeddings and
// a the attention output.
func denseReference(t *testing.T, cfg config.Model, w *Weights, tokens []int, meta Meta) tensor.Mat {
	t.Helper()
	lw := w.Layers[0]
	eps := float32(cfg.RMSNormEps)

	r := tensor.NewMat(len(tokens), cfg.HiddenSize)
	for i, id := range tokens {
		copy(r.Row(i), w.Embed.Row(id))
	}
	attn, cache := newTestAttention(t, cfg, lw.Attn, 1, 0, false)
	a, err := attn.Forward(tensor.RMSNormRows(r, lw.InputNorm, eps), meta, cache)
	require.NoError(t, err)
	ar := tensor.Sum(a, r)

	x := tensor.RMSNormRows(ar, lw.PostAttnNorm, eps)
	inter := lw.MLP.Intermediate()
	h := tensor.NewMat(x.R, cfg.HiddenSize)
	act := make([]float32, inter)
	for i := 0; i < x.R; i++ {
		for j := 0; j < inter; j++ {
			gate := tensor.Dot(lw.MLP.GateUp.Row(j), x.Row(i))
			up := tensor.Dot(lw.MLP.GateUp.Row(inter+j), x.Row(i))
			act[j] = gate / (1 + float32(math.Exp(float64(-gate)))) * up
		}
		for c := 0; c < cfg.HiddenSize; c++ {
			h.Row(i)[c] = tensor.Dot(lw.MLP.Down.Row(c), act) + ar.Row(i)[c]
		}
	}
	return tensor.RMSNormRows(h, w.FinalNorm, eps)
}

func TestDenseLayerMatchesReference(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.HiddenSize = 8
	cfg.NumHiddenLayers = 1
	require.NoError(t, cfg.Validate())
	w := GenerateWeights(cfg, 42)
	require.NotNil(t, w.Layers[0].MLP)
	opts := Options{DType: tensor.F32}

	tokens := []int{1, 7, 19, 63}
	meta := Meta{Seqs: []int{0, 0, 0, 0}, Positions: []int{0, 1, 2, 3}}
	got, err := runSingle(newSingleStack(t, cfg, w, opts), Prefill, opts, tokens, meta.Seqs, meta.Positions)
	require.NoError(t, err)
	require.Equal(t, 4, got.R)
	require.Equal(t, 8, got.C)

	want := denseReference(t, cfg, w, tokens, meta)
	if d := maxDiff(want, got); d > 1e-4 {
		t.Fatalf("dense stack differs from reference by %g", d)
	}
}

func TestDecodeContinuesPrefill(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	w := GenerateWeights(cfg, 3)
	opts := Options{DType: tensor.F32}
	tokens := []int{5, 9, 2, 33, 17}

	whole, err := runSingle(newSingleStack(t, cfg, w, opts), Prefill, opts, tokens, make([]int, 5), []int{0, 1, 2, 3, 4})
	require.NoError(t, err)

	s := newSingleStack(t, cfg, w, opts)
	_, err = runSingle(s, Prefill, opts, tokens[:4], make([]int, 4), []int{0, 1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, 4, s.CachedLen(0))
	step, err := runSingle(s, Decode, opts, tokens[4:], []int{0}, []int{4})
	require.NoError(t, err)

	if d := maxDiff(tensor.SliceRows(whole, 4, 5), step); d > 1e-4 {
		t.Fatalf("decode differs from prefill by %g", d)
	}
}

func TestGuardPreservesOutput(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	w := GenerateWeights(cfg, 11)
	tokens := []int{3, 1, 4, 1, 5, 9}
	seqs := []int{0, 0, 0, 1, 1, 1}
	positions := []int{0, 1, 2, 0, 1, 2}

	plain := Options{DType: tensor.F32}
	guarded := Options{DType: tensor.F32, FP16Guard: true}
	want, err := runSingle(newSingleStack(t, cfg, w, plain), Prefill, plain, tokens, seqs, positions)
	require.NoError(t, err)
	got, err := runSingle(newSingleStack(t, cfg, w, guarded), Prefill, guarded, tokens, seqs, positions)
	require.NoError(t, err)
	if d := maxDiff(want, got); d > 1e-3 {
		t.Fatalf("guarded output differs by %g", d)
	}
}

func TestFP16StaysFinite(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	w := GenerateWeights(cfg, 5)
	tensor.Scale(w.Embed, 500)
	opts := Options{DType: tensor.F16, FP16Guard: true}

	out, err := runSingle(newSingleStack(t, cfg, w, opts), Prefill, opts,
		[]int{0, 10, 20, 30, 40, 50, 60, 63}, make([]int, 8), []int{0, 1, 2, 3, 4, 5, 6, 7})
	require.NoError(t, err)
	require.True(t, tensor.AllFinite(out))
}

func TestResidualDroppedAfterLastLayer(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	w := GenerateWeights(cfg, 2)
	opts := Options{DType: tensor.F32}
	pass := mustPass(t, Prefill, false, false, 1, 2)
	reg := parallel.NewFabric(singleRank, nil).Registry(0)

	st := State{
		Hidden: randMat(2, cfg.HiddenSize, 1),
		Meta:   Meta{Seqs: []int{0, 0}, Positions: []int{0, 1}},
	}
	for i := 0; i < cfg.NumHiddenLayers; i++ {
		l, err := NewLayer(cfg, i, w.Layers[i], singleRank, parallel.Coord{}, opts)
		require.NoError(t, err)
		st, err = l.Forward(context.Background(), pass, reg, kvcache.New(l.CacheWidth()), st)
		require.NoError(t, err)
		if i < cfg.NumHiddenLayers-1 {
			require.NotNil(t, st.Residual, "layer %d", i)
			require.Equal(t, Full, st.Residual.Layout)
		} else {
			require.Nil(t, st.Residual)
		}
	}
}

func TestGraphDecodeRejectsUncapturedSize(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	opts := Options{DType: tensor.F32, GraphMode: true, GraphBatchSizes: []int{1, 2}}
	s := newSingleStack(t, cfg, GenerateWeights(cfg, 1), opts)

	_, err := runSingle(s, Prefill, opts, []int{1, 2, 3}, []int{0, 1, 2}, []int{0, 0, 0})
	require.NoError(t, err)
	_, err = runSingle(s, Decode, opts, []int{4, 5}, []int{0, 1}, []int{1, 1})
	require.NoError(t, err)
	_, err = runSingle(s, Decode, opts, []int{4, 5, 6}, []int{0, 1, 2}, []int{2, 2, 1})
	require.True(t, errors.Is(err, faults.ErrShapeInvariant), "got %v", err)
}

func TestStackRejectsBadTokens(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	opts := Options{DType: tensor.F32}
	s := newSingleStack(t, cfg, GenerateWeights(cfg, 1), opts)
	_, err := runSingle(s, Prefill, opts, []int{cfg.VocabSize}, []int{0}, []int{0})
	require.True(t, errors.Is(err, faults.ErrShapeInvariant), "got %v", err)
}

func TestStageLayers(t *testing.T) {
	t.Parallel()
	require.Equal(t, LayerRange{0, 2}, StageLayers(3, 2, 0))
	require.Equal(t, LayerRange{2, 3}, StageLayers(3, 2, 1))
	require.Equal(t, LayerRange{4, 7}, StageLayers(10, 3, 1))
	require.Equal(t, "[4,7)", StageLayers(10, 3, 1).String())
}
