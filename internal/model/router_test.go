package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/latentmesh/internal/config"
	"github.com/samcharles93/latentmesh/internal/tensor"
)

// identityRouter returns a router whose logits equal its input rows.
func identityRouter(cfg config.Model, bias []float32) *Router {
	n := cfg.NRoutedExperts
	gate := tensor.NewMat(n, n)
	for i := 0; i < n; i++ {
		gate.Row(i)[i] = 1
	}
	return NewRouter(cfg, &MoEWeights{Gate: gate, Bias: bias})
}

func routingConfig(experts, groups, keepGroups, topK int, method, scoring string) config.Model {
	cfg := config.Default()
	cfg.NRoutedExperts = experts
	cfg.NGroup = groups
	cfg.TopKGroup = keepGroups
	cfg.NumExpertsPerTok = topK
	cfg.TopKMethod = method
	cfg.ScoringFunc = scoring
	cfg.NormTopKProb = false
	return cfg
}

func TestSelectTopKTiesGoToLowerIndex(t *testing.T) {
	t.Parallel()
	idx := make([]int, 2)
	selectTopK([]float32{1, 3, 3, 2}, idx)
	require.Equal(t, []int{1, 2}, idx)

	idx = make([]int, 3)
	selectTopK([]float32{0.5, 0.5, 0.5, 0.5}, idx)
	require.Equal(t, []int{0, 1, 2}, idx)
}

func TestGroupLimitedRoutingKeepsBestGroup(t *testing.T) {
	t.Parallel()
	logits := []float32{5, 4.9, 0, 0, 4.95, 0, 0, 0}
	x := tensor.NewMatFromData(1, 8, logits)

	grouped := identityRouter(routingConfig(8, 4, 1, 2, config.TopKGroupLimited, config.ScoringSoftmax), nil)
	require.Equal(t, []int{0, 1}, grouped.Route(x).Experts[0])

	greedy := identityRouter(routingConfig(8, 4, 1, 2, config.TopKGreedy, config.ScoringSoftmax), nil)
	require.Equal(t, []int{0, 4}, greedy.Route(x).Experts[0])
}

func TestBiasedGroupsScoreTopTwoSum(t *testing.T) {
	t.Parallel()
	// Group 0 has the single best expert, group 1 the best pair.
	logits := []float32{2.2, -10, 1.386, 0.847}
	x := tensor.NewMatFromData(1, 4, logits)
	cfg := routingConfig(4, 2, 1, 1, config.TopKNoAuxTC, config.ScoringSigmoid)

	byMax := identityRouter(cfg, nil)
	require.Equal(t, []int{0}, byMax.Route(x).Experts[0])

	bySum := identityRouter(cfg, make([]float32, 4))
	require.Equal(t, []int{2}, bySum.Route(x).Experts[0])
}

func TestBiasSteersSelectionNotWeights(t *testing.T) {
	t.Parallel()
	logits := []float32{2, 1.9, -1, -1}
	x := tensor.NewMatFromData(1, 4, logits)
	cfg := routingConfig(4, 1, 1, 1, config.TopKNoAuxTC, config.ScoringSigmoid)

	r := identityRouter(cfg, []float32{0, 0.5, 0, 0})
	got := r.Route(x)
	require.Equal(t, []int{1}, got.Experts[0])
	require.InDelta(t, tensor.Sigmoid(1.9), got.Weights[0][0], 1e-7)
}

func TestRoutingNormalisesWeights(t *testing.T) {
	t.Parallel()
	cfg := routingConfig(8, 1, 1, 3, config.TopKGreedy, config.ScoringSoftmax)
	cfg.NormTopKProb = true
	r := identityRouter(cfg, nil)
	got := r.Route(randMat(4, 8, 17))
	for i, ws := range got.Weights {
		var sum float32
		for _, w := range ws {
			require.Positive(t, w)
			sum += w
		}
		require.InDelta(t, 1, sum, 1e-5, "token %d", i)
		requireDistinctExperts(t, got.Experts[i], 3, 8)
	}
}

func requireDistinctExperts(t *testing.T, experts []int, k, n int) {
	t.Helper()
	require.Len(t, experts, k)
	seen := make(map[int]bool, k)
	for _, e := range experts {
		require.True(t, e >= 0 && e < n, "expert %d outside [0,%d)", e, n)
		require.False(t, seen[e], "expert %d selected twice in %v", e, experts)
		seen[e] = true
	}
}

func TestRoutingSurvivesNaN(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  config.Model
		bias []float32
	}{
		{"greedy softmax", routingConfig(8, 1, 1, 2, config.TopKGreedy, config.ScoringSoftmax), nil},
		{"group limited", routingConfig(8, 4, 2, 3, config.TopKGroupLimited, config.ScoringSoftmax), nil},
		{"biased sigmoid", routingConfig(8, 4, 2, 3, config.TopKNoAuxTC, config.ScoringSigmoid), make([]float32, 8)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			x := randMat(3, 8, 5)
			x.Row(0)[0] = float32(math.NaN())
			x.Row(2)[3] = float32(math.NaN())
			r := identityRouter(tc.cfg, tc.bias)
			var got Routing
			require.NotPanics(t, func() { got = r.Route(x) })
			for i := range got.Experts {
				requireDistinctExperts(t, got.Experts[i], tc.cfg.NumExpertsPerTok, 8)
			}
		})
	}
}

func TestSelectTopKRanksNaNLast(t *testing.T) {
	t.Parallel()
	nan := float32(math.NaN())
	idx := make([]int, 3)
	selectTopK([]float32{nan, 1, nan, 2}, idx)
	require.Equal(t, []int{3, 1, 0}, idx)
}
