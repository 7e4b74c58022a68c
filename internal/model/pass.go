package model

import (
	"slices"

	"github.com/google/uuid"

	"github.com/samcharles93/latentmesh/internal/faults"
	"github.com/samcharles93/latentmesh/internal/padding"
)

// Phase distinguishes prompt processing from single-token generation.
type Phase uint8

const (
	Prefill Phase = iota
	Decode
)

func (p Phase) String() string {
	if p == Decode {
		return "decode"
	}
	return "prefill"
}

// ParsePhase converts "prefill" or "decode" to a Phase.
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "", "prefill":
		return Prefill, nil
	case "decode":
		return Decode, nil
	default:
		return Prefill, faults.Configuration("unknown phase %q", s)
	}
}

// Mode is the execution mode of a pass.
type Mode uint8

const (
	Eager Mode = iota
	Graph
)

func (m Mode) String() string {
	if m == Graph {
		return "graph"
	}
	return "eager"
}

// PassOptions are the pass-wide inputs every rank shares.
type PassOptions struct {
	Phase     Phase
	GraphMode bool
	EnableMC2 bool
	TP        int
	// Lengths is the token count of every DP rank.
	Lengths []int
}

// Pass is the context of one forward pass. It is built once from pass-wide
// inputs and handed to every rank, so all ranks take the same branches.
type Pass struct {
	ID    string
	Phase Phase
	Mode  Mode
	// CombinedComm is set when MoE dispatch and combine are fused with
	// their collectives.
	CombinedComm bool
	Lengths      []int

	plan *padding.Plan
}

// NewPass computes the pass context. The padding plan exists only when the
// pass runs eager flows (prefill, or eager mode).
func NewPass(opts PassOptions) (*Pass, error) {
	if len(opts.Lengths) == 0 {
		return nil, faults.Configuration("pass needs the token count of every dp rank")
	}
	mode := Eager
	if opts.GraphMode {
		mode = Graph
	}
	p := &Pass{
		ID:           uuid.NewString(),
		Phase:        opts.Phase,
		Mode:         mode,
		CombinedComm: opts.EnableMC2 && mode == Graph && opts.Phase == Decode,
		Lengths:      slices.Clone(opts.Lengths),
	}
	if p.EagerFlow() {
		plan, err := padding.NewPlan(opts.Lengths, opts.TP)
		if err != nil {
			return nil, err
		}
		p.plan = plan
		return p, nil
	}
	// Graph decode gathers whole batches over dp, so every rank must run
	// the same captured size.
	for i, n := range opts.Lengths {
		if n != opts.Lengths[0] {
			return nil, faults.Shape("graph decode: dp rank %d has %d tokens, rank 0 has %d", i, n, opts.Lengths[0])
		}
	}
	return p, nil
}

// EagerFlow reports whether the pass takes the prefill/eager communication
// branches.
func (p *Pass) EagerFlow() bool {
	return p.Phase == Prefill || p.Mode == Eager
}

// Plan returns the padding plan of the pass.
func (p *Pass) Plan() (*padding.Plan, error) {
	if p.plan == nil {
		return nil, faults.Shape("pass %s (%s/%s) has no padding plan", p.ID, p.Phase, p.Mode)
	}
	return p.plan, nil
}
