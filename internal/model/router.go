package model

import (
	"math"

	"github.com/samcharles93/latentmesh/internal/config"
	"github.com/samcharles93/latentmesh/internal/tensor"
)

// Routing is the top-k selection of every token of a batch.
type Routing struct {
	TopK    int
	Experts [][]int
	Weights [][]float32
}

// Router scores tokens against every routed expert and keeps the top k,
// optionally restricted to the best expert groups.
type Router struct {
	gate      tensor.Mat
	bias      []float32
	topK      int
	nGroup    int
	topKGroup int
	grouped   bool
	sigmoid   bool
	normalize bool
}

func NewRouter(cfg config.Model, w *MoEWeights) *Router {
	return &Router{
		gate:      w.Gate,
		bias:      w.Bias,
		topK:      cfg.NumExpertsPerTok,
		nGroup:    max(cfg.NGroup, 1),
		topKGroup: max(cfg.TopKGroup, 1),
		grouped:   cfg.TopKMethod != config.TopKGreedy && cfg.NGroup > 1,
		sigmoid:   cfg.ScoringFunc == config.ScoringSigmoid,
		normalize: cfg.NormTopKProb,
	}
}

// Route selects experts for every row of x. Weights come from the unbiased
// scores; the bias only steers selection.
func (r *Router) Route(x tensor.Mat) Routing {
	logits := tensor.Linear(x, r.gate)
	nExp := logits.C
	out := Routing{
		TopK:    r.topK,
		Experts: make([][]int, x.R),
		Weights: make([][]float32, x.R),
	}
	sel := make([]float32, nExp)
	for i := 0; i < x.R; i++ {
		scores := make([]float32, nExp)
		copy(scores, logits.Row(i))
		if r.sigmoid {
			for e := range scores {
				scores[e] = tensor.Sigmoid(scores[e])
			}
		} else {
			tensor.Softmax(scores)
		}
		copy(sel, scores)
		if r.bias != nil {
			tensor.Add(sel, r.bias)
		}
		if r.grouped {
			r.maskGroups(sel)
		}

		idx := make([]int, r.topK)
		wts := make([]float32, r.topK)
		selectTopK(sel, idx)
		var denom float32
		for j, e := range idx {
			wts[j] = scores[e]
			denom += wts[j]
		}
		if r.normalize && denom > 0 {
			for j := range wts {
				wts[j] /= denom
			}
		}
		out.Experts[i] = idx
		out.Weights[i] = wts
	}
	return out
}

// maskGroups sets the scores of every expert outside the best topKGroup
// groups to -inf. A group scores its max, or the sum of its top two when a
// selection bias is present.
func (r *Router) maskGroups(sel []float32) {
	per := len(sel) / r.nGroup
	groupScores := make([]float32, r.nGroup)
	for g := range groupScores {
		members := sel[g*per : (g+1)*per]
		if r.bias != nil {
			top := make([]int, min(2, per))
			selectTopK(members, top)
			for _, e := range top {
				groupScores[g] += members[e]
			}
		} else {
			best := float32(math.Inf(-1))
			for _, v := range members {
				if v > best {
					best = v
				}
			}
			groupScores[g] = best
		}
	}
	keep := make([]int, r.topKGroup)
	selectTopK(groupScores, keep)
	kept := make([]bool, r.nGroup)
	for _, g := range keep {
		kept[g] = true
	}
	neg := float32(math.Inf(-1))
	for g, ok := range kept {
		if ok {
			continue
		}
		for e := g * per; e < (g+1)*per; e++ {
			sel[e] = neg
		}
	}
}

// selectTopK fills idxOut with the indices of the len(idxOut) highest scores
// in descending order. Ties go to the lower index. NaN ranks as -inf, so every
// slot gets a distinct index whenever len(scores) >= len(idxOut).
func selectTopK(scores []float32, idxOut []int) {
	k := len(idxOut)
	if k == 0 {
		return
	}
	best := make([]float32, k)
	for i := range k {
		idxOut[i] = -1
		best[i] = float32(math.Inf(-1))
	}
	for i, score := range scores {
		if math.IsNaN(float64(score)) {
			score = float32(math.Inf(-1))
		}
		insert := -1
		for j := 0; j < k; j++ {
			if score > best[j] || (score == best[j] && (idxOut[j] == -1 || i < idxOut[j])) {
				insert = j
				break
			}
		}
		if insert == -1 {
			continue
		}
		for j := k - 1; j > insert; j-- {
			best[j] = best[j-1]
			idxOut[j] = idxOut[j-1]
		}
		best[insert] = score
		idxOut[insert] = i
	}
}
