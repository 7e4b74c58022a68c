package model

import (
	"fmt"

	"github.com/samcharles93/latentmesh/internal/config"
	"github.com/samcharles93/latentmesh/internal/parallel"
)

// ffnKind is the feed-forward block of a layer and the group it is sharded
// across.
type ffnKind uint8

const (
	ffnDenseTP ffnKind = iota
	ffnDenseWP
	ffnMoE
)

func (k ffnKind) String() string {
	switch k {
	case ffnDenseWP:
		return "dense_wp"
	case ffnMoE:
		return "moe"
	default:
		return "dense_tp"
	}
}

// attnComm is the collective pattern after attention.
type attnComm uint8

const (
	// attnReduceTP all-reduces the attention partial over TP.
	attnReduceTP attnComm = iota
	// attnScatterTP pads to the TP multiple, reduce-scatters over TP, adds
	// the scattered residual and all-gathers the normed shards over WP.
	attnScatterTP
)

// ffnComm is the collective pattern after the feed-forward block.
type ffnComm uint8

const (
	ffnReduceTP ffnComm = iota
	ffnReduceWP
	// ffnScatterWP pads the global batch, reduce-scatters over WP, adds the
	// scattered residual and all-gathers back.
	ffnScatterWP
	// ffnCombined runs MC2 dispatch/combine on TP row chunks.
	ffnCombined
)

// commPlan is every communication decision of one layer in one pass. It is
// a pure function of pass-wide inputs, so every rank of a group derives the
// same plan.
type commPlan struct {
	ffn      ffnKind
	postAttn attnComm
	// gatherDP all-gathers the normed activations over DP before the FFN
	// and slices this rank's window back out after the WP reduction.
	gatherDP bool
	postFFN  ffnComm
	// last drops the residual: the layer is the final one of the model.
	last bool
}

func (p commPlan) String() string {
	return fmt.Sprintf("ffn=%s attn=%d gather_dp=%t post_ffn=%d last=%t", p.ffn, p.postAttn, p.gatherDP, p.postFFN, p.last)
}

func planComm(layer int, cfg config.Model, pass *Pass, mesh parallel.Mesh) commPlan {
	p := commPlan{last: layer == cfg.NumHiddenLayers-1}
	wpLayer := layer >= cfg.FirstMoELayer()
	switch {
	case !wpLayer:
		p.ffn = ffnDenseTP
	case cfg.MoELayer(layer):
		p.ffn = ffnMoE
	default:
		p.ffn = ffnDenseWP
	}

	if !wpLayer {
		p.postAttn = attnReduceTP
		p.postFFN = ffnReduceTP
		return p
	}

	if pass.EagerFlow() {
		if mesh.DP > 1 {
			p.postAttn = attnScatterTP
			p.postFFN = ffnScatterWP
		} else {
			p.postAttn = attnReduceTP
			p.postFFN = ffnReduceWP
		}
		return p
	}

	p.postAttn = attnReduceTP
	if pass.CombinedComm && p.ffn == ffnMoE {
		p.postFFN = ffnCombined
		return p
	}
	p.postFFN = ffnReduceWP
	p.gatherDP = mesh.DP > 1
	return p
}
