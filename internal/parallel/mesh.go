// Package parallel provides the process-group layer: the pp×dp×tp device
// mesh, the derived weight-parallel group, an in-process collective transport
// and the pipeline links between stages.
package parallel

import (
	"fmt"

	"github.com/samcharles93/latentmesh/internal/faults"
)

// Kind identifies one of the four process groups every rank belongs to.
type Kind uint8

const (
	// TP groups ranks that share a pipeline stage and a data-parallel index.
	TP Kind = iota
	// DP groups ranks that share a pipeline stage and a tensor-parallel index.
	DP
	// PP groups ranks that share a data-parallel and tensor-parallel index.
	PP
	// WP is every rank of a pipeline stage, ordered dp-major.
	WP
)

func (k Kind) String() string {
	switch k {
	case TP:
		return "tp"
	case DP:
		return "dp"
	case PP:
		return "pp"
	case WP:
		return "wp"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Coord locates a rank in the mesh.
type Coord struct {
	PP, DP, TP int
}

func (c Coord) String() string {
	return fmt.Sprintf("pp%d/dp%d/tp%d", c.PP, c.DP, c.TP)
}

// Mesh is the pp×dp×tp rank grid. Global ranks are laid out tp-fastest:
// rank = (pp·DP + dp)·TP + tp.
type Mesh struct {
	PP, DP, TP int
}

// NewMesh validates the parallel sizes and returns the mesh.
func NewMesh(pp, dp, tp int) (Mesh, error) {
	if pp < 1 || dp < 1 || tp < 1 {
		return Mesh{}, faults.Configuration("parallel sizes must be >= 1, got pp=%d dp=%d tp=%d", pp, dp, tp)
	}
	return Mesh{PP: pp, DP: dp, TP: tp}, nil
}

func (m Mesh) String() string {
	return fmt.Sprintf("pp%d×dp%d×tp%d", m.PP, m.DP, m.TP)
}

// World is the total number of ranks.
func (m Mesh) World() int { return m.PP * m.DP * m.TP }

// Rank converts a coordinate to a global rank.
func (m Mesh) Rank(c Coord) int {
	return (c.PP*m.DP+c.DP)*m.TP + c.TP
}

// Coord converts a global rank to its coordinate.
func (m Mesh) Coord(rank int) Coord {
	tp := rank % m.TP
	rest := rank / m.TP
	return Coord{PP: rest / m.DP, DP: rest % m.DP, TP: tp}
}

// Size returns the world size of the given group kind.
func (m Mesh) Size(k Kind) int {
	switch k {
	case TP:
		return m.TP
	case DP:
		return m.DP
	case PP:
		return m.PP
	case WP:
		return m.DP * m.TP
	default:
		return 0
	}
}

// GroupRank returns c's rank inside its group of kind k.
func (m Mesh) GroupRank(k Kind, c Coord) int {
	switch k {
	case TP:
		return c.TP
	case DP:
		return c.DP
	case PP:
		return c.PP
	case WP:
		return c.DP*m.TP + c.TP
	default:
		return -1
	}
}

// Members lists the global ranks of c's group of kind k, in group-rank order.
func (m Mesh) Members(k Kind, c Coord) []int {
	n := m.Size(k)
	out := make([]int, n)
	for i := 0; i < n; i++ {
		member := c
		switch k {
		case TP:
			member.TP = i
		case DP:
			member.DP = i
		case PP:
			member.PP = i
		case WP:
			member.DP = i / m.TP
			member.TP = i % m.TP
		}
		out[i] = m.Rank(member)
	}
	return out
}

// ReplicaGroups lists every group of kind k as global rank lists. Groups are
// ordered by their lowest member.
func (m Mesh) ReplicaGroups(k Kind) [][]int {
	seen := make(map[int]bool, m.World())
	var groups [][]int
	for r := 0; r < m.World(); r++ {
		if seen[r] {
			continue
		}
		members := m.Members(k, m.Coord(r))
		for _, id := range members {
			seen[id] = true
		}
		groups = append(groups, members)
	}
	return groups
}

// groupKey names c's group of kind k identically on every member.
func (m Mesh) groupKey(k Kind, c Coord) string {
	switch k {
	case TP:
		return fmt.Sprintf("tp[pp%d,dp%d]", c.PP, c.DP)
	case DP:
		return fmt.Sprintf("dp[pp%d,tp%d]", c.PP, c.TP)
	case PP:
		return fmt.Sprintf("pp[dp%d,tp%d]", c.DP, c.TP)
	default:
		return fmt.Sprintf("wp[pp%d]", c.PP)
	}
}
