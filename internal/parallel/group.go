package parallel

import (
	"context"

	"github.com/samcharles93/latentmesh/internal/faults"
	"github.com/samcharles93/latentmesh/internal/tensor"
)

// Group is a handle on one process group as seen by one member. A handle is
// owned by its rank goroutine and must not be shared.
type Group interface {
	Kind() Kind
	Rank() int
	WorldSize() int
	// AllReduce returns the element-wise sum of x over the group.
	AllReduce(ctx context.Context, x tensor.Mat) (tensor.Mat, error)
	// AllGather concatenates x from every member in rank order along dim
	// (0 for rows, 1 for columns).
	AllGather(ctx context.Context, x tensor.Mat, dim int) (tensor.Mat, error)
	// ReduceScatter reduces x over the group and returns this member's
	// equal row chunk.
	ReduceScatter(ctx context.Context, x tensor.Mat, op ReduceOp, dim int) (tensor.Mat, error)
}

type fabricGroup struct {
	fabric *Fabric
	kind   Kind
	key    string
	global int
	rank   int
	size   int
	seq    uint64
}

func (g *fabricGroup) Kind() Kind     { return g.kind }
func (g *fabricGroup) Rank() int      { return g.rank }
func (g *fabricGroup) WorldSize() int { return g.size }

func (g *fabricGroup) AllReduce(ctx context.Context, x tensor.Mat) (tensor.Mat, error) {
	return g.run(ctx, call{verb: verbAllReduce, rows: x.R, cols: x.C}, x)
}

func (g *fabricGroup) AllGather(ctx context.Context, x tensor.Mat, dim int) (tensor.Mat, error) {
	if dim != 0 && dim != 1 {
		return tensor.Mat{}, faults.Shape("all_gather over %s: unsupported dim %d", g.key, dim)
	}
	return g.run(ctx, call{verb: verbAllGather, dim: dim, rows: x.R, cols: x.C}, x)
}

func (g *fabricGroup) ReduceScatter(ctx context.Context, x tensor.Mat, op ReduceOp, dim int) (tensor.Mat, error) {
	if op != OpSum {
		return tensor.Mat{}, faults.Configuration("reduce_scatter over %s: unsupported op %d", g.key, op)
	}
	if dim != 0 {
		return tensor.Mat{}, faults.Shape("reduce_scatter over %s: unsupported dim %d", g.key, dim)
	}
	if x.R%g.size != 0 {
		return tensor.Mat{}, faults.Shape("reduce_scatter over %s: %d rows not divisible by %d members", g.key, x.R, g.size)
	}
	return g.run(ctx, call{verb: verbReduceScatter, rows: x.R, cols: x.C}, x)
}

func (g *fabricGroup) run(ctx context.Context, c call, x tensor.Mat) (tensor.Mat, error) {
	if g.fabric.journal != nil {
		g.fabric.journal.record(g.global, Entry{
			Group: g.kind.String(),
			Verb:  c.verb.String(),
			Dim:   c.dim,
			Rows:  c.rows,
			Cols:  c.cols,
		})
	}
	if err := ctx.Err(); err != nil {
		return tensor.Mat{}, err
	}
	if g.size == 1 {
		return x.Clone(), nil
	}
	key := roundKey{group: g.key, seq: g.seq}
	g.seq++
	return g.fabric.exchange(ctx, key, g.size, g.rank, c, x)
}

// Registry holds the four group handles of one rank.
type Registry struct {
	Mesh   Mesh
	Coord  Coord
	Global int

	TP Group
	DP Group
	PP Group
	WP Group
}

// Registry builds the group handles for a global rank.
func (f *Fabric) Registry(rank int) *Registry {
	c := f.mesh.Coord(rank)
	mk := func(k Kind) Group {
		return &fabricGroup{
			fabric: f,
			kind:   k,
			key:    f.mesh.groupKey(k, c),
			global: rank,
			rank:   f.mesh.GroupRank(k, c),
			size:   f.mesh.Size(k),
		}
	}
	return &Registry{
		Mesh:   f.mesh,
		Coord:  c,
		Global: rank,
		TP:     mk(TP),
		DP:     mk(DP),
		PP:     mk(PP),
		WP:     mk(WP),
	}
}

// Group returns the handle of kind k.
func (r *Registry) Group(k Kind) Group {
	switch k {
	case TP:
		return r.TP
	case DP:
		return r.DP
	case PP:
		return r.PP
	default:
		return r.WP
	}
}

// FirstStage reports whether this rank runs the first pipeline stage.
func (r *Registry) FirstStage() bool { return r.Coord.PP == 0 }

// LastStage reports whether this rank runs the last pipeline stage.
func (r *Registry) LastStage() bool { return r.Coord.PP == r.Mesh.PP-1 }
