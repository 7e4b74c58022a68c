package parallel

import (
	"context"
	"fmt"
	"sync"

	"github.com/samcharles93/latentmesh/internal/faults"
	"github.com/samcharles93/latentmesh/internal/tensor"
)

// ReduceOp is the reduction applied by ReduceScatter.
type ReduceOp uint8

const (
	OpSum ReduceOp = iota
)

type verb uint8

const (
	verbAllReduce verb = iota
	verbAllGather
	verbReduceScatter
)

func (v verb) String() string {
	switch v {
	case verbAllReduce:
		return "all_reduce"
	case verbAllGather:
		return "all_gather"
	default:
		return "reduce_scatter"
	}
}

// call describes one collective as issued by a single member. Members of a
// round must issue identical calls.
type call struct {
	verb verb
	dim  int
	rows int
	cols int
}

func (c call) String() string {
	return fmt.Sprintf("%s(dim=%d, %dx%d)", c.verb, c.dim, c.rows, c.cols)
}

type roundKey struct {
	group string
	seq   uint64
}

type round struct {
	first   call
	inputs  []tensor.Mat
	arrived int
	taken   int
	outputs []tensor.Mat
	err     error
	done    chan struct{}
}

// Fabric is the in-process transport behind every Group of a mesh. Each
// collective is a rendezvous: members block until the whole group arrived.
// Reductions add contributions in group-rank order so every member sees
// bit-identical results.
type Fabric struct {
	mesh    Mesh
	journal *Journal

	mu     sync.Mutex
	rounds map[roundKey]*round
}

// NewFabric returns a transport for mesh. journal may be nil.
func NewFabric(mesh Mesh, journal *Journal) *Fabric {
	return &Fabric{
		mesh:    mesh,
		journal: journal,
		rounds:  make(map[roundKey]*round),
	}
}

// Mesh returns the mesh the fabric serves.
func (f *Fabric) Mesh() Mesh { return f.mesh }

func (f *Fabric) exchange(ctx context.Context, key roundKey, size, member int, c call, x tensor.Mat) (tensor.Mat, error) {
	f.mu.Lock()
	rd, ok := f.rounds[key]
	if !ok {
		rd = &round{
			first:  c,
			inputs: make([]tensor.Mat, size),
			done:   make(chan struct{}),
		}
		f.rounds[key] = rd
	}
	if rd.err == nil && rd.first != c {
		rd.err = faults.Divergence("%s seq %d: member %d issued %s, group expected %s", key.group, key.seq, member, c, rd.first)
	}
	rd.inputs[member] = x
	rd.arrived++
	if rd.arrived == size {
		if rd.err == nil {
			rd.outputs = reduceRound(rd.first, rd.inputs)
		}
		rd.inputs = nil
		close(rd.done)
	}
	f.mu.Unlock()

	select {
	case <-rd.done:
	case <-ctx.Done():
		return tensor.Mat{}, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	rd.taken++
	if rd.taken == size {
		delete(f.rounds, key)
	}
	if rd.err != nil {
		return tensor.Mat{}, rd.err
	}
	return rd.outputs[member], nil
}

func reduceRound(c call, inputs []tensor.Mat) []tensor.Mat {
	n := len(inputs)
	out := make([]tensor.Mat, n)
	switch c.verb {
	case verbAllReduce:
		sum := sumInOrder(inputs)
		for i := range out {
			out[i] = sum.Clone()
		}
	case verbAllGather:
		var all tensor.Mat
		if c.dim == 0 {
			all = tensor.ConcatRows(inputs...)
		} else {
			all = tensor.ConcatCols(inputs...)
		}
		for i := range out {
			out[i] = all.Clone()
		}
	case verbReduceScatter:
		sum := sumInOrder(inputs)
		for i := range out {
			out[i] = tensor.ChunkRows(sum, n, i).Clone()
		}
	}
	return out
}

func sumInOrder(inputs []tensor.Mat) tensor.Mat {
	sum := inputs[0].Clone()
	for _, x := range inputs[1:] {
		tensor.AddMat(sum, x)
	}
	return sum
}
