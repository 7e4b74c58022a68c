package model

import (
	"slices"
	"sync"

	"github.com/samcharles93/latentmesh/internal/faults"
	"github.com/samcharles93/latentmesh/internal/kvcache"
	"github.com/samcharles93/latentmesh/internal/tensor"
)

// kernelCache memoises one compiled value per batch size. A lazy cache
// compiles unseen sizes on first use; a strict cache only serves the sizes it
// was captured with.
type kernelCache[K any] struct {
	mu      sync.Mutex
	compile func(rows int) K
	strict  bool
	byRows  map[int]K
}

func newKernelCache[K any](compile func(rows int) K) *kernelCache[K] {
	return &kernelCache[K]{compile: compile, byRows: make(map[int]K)}
}

// captureKernels compiles sizes up front and refuses any other.
func captureKernels[K any](sizes []int, compile func(rows int) K) *kernelCache[K] {
	c := newKernelCache(compile)
	c.strict = true
	for _, n := range sizes {
		c.byRows[n] = compile(n)
	}
	return c
}

func (c *kernelCache[K]) get(rows int) (K, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.byRows[rows]; ok {
		return k, nil
	}
	if c.strict {
		var zero K
		return zero, faults.Shape("batch size %d was not captured (have %v)", rows, c.sizes())
	}
	k := c.compile(rows)
	c.byRows[rows] = k
	return k, nil
}

func (c *kernelCache[K]) sizes() []int {
	out := make([]int, 0, len(c.byRows))
	for n := range c.byRows {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// attnKernel is attention specialised for one row count. It runs the same
// step functions as the eager path, so the two agree bit for bit.
type attnKernel struct {
	ops      attentionOps
	rows     int
	qWidth   int
	outWidth int
}

func compileAttention(ops attentionOps, rows, qWidth, outWidth int) *attnKernel {
	return &attnKernel{ops: ops, rows: rows, qWidth: qWidth, outWidth: outWidth}
}

func (k *attnKernel) run(x tensor.Mat, meta Meta, cache *kvcache.Cache) (tensor.Mat, error) {
	if x.R != k.rows {
		return tensor.Mat{}, faults.Shape("attention kernel for %d rows called with %d", k.rows, x.R)
	}
	q := k.ops.projectQuery(x)
	if q.C != k.qWidth {
		return tensor.Mat{}, faults.Shape("query width %d, kernel expects %d", q.C, k.qWidth)
	}
	kv := k.ops.projectKV(x)
	k.ops.applyRoPE(q, kv, meta)
	o, err := k.ops.attend(q, kv, meta, cache)
	if err != nil {
		return tensor.Mat{}, err
	}
	if o.C != k.outWidth {
		return tensor.Mat{}, faults.Shape("context width %d, kernel expects %d", o.C, k.outWidth)
	}
	return k.ops.projectOutput(o), nil
}
