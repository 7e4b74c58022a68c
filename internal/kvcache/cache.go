// Package kvcache stores per-sequence attention rows for one layer of one rank.
package kvcache

import (
	"github.com/samcharles93/latentmesh/internal/faults"
	"github.com/samcharles93/latentmesh/internal/tensor"
)

// Cache holds fixed-width rows per sequence, in position order. Row layout is
// owned by the attention variant writing it.
type Cache struct {
	width int
	seqs  map[int][]float32
}

func New(width int) *Cache {
	return &Cache{width: width, seqs: make(map[int][]float32)}
}

// Width is the number of floats per cached position.
func (c *Cache) Width() int { return c.width }

// Len returns the number of cached positions of seq.
func (c *Cache) Len(seq int) int {
	return len(c.seqs[seq]) / c.width
}

// Append stores row at pos. Positions of a sequence must arrive in order
// without gaps.
func (c *Cache) Append(seq, pos int, row []float32) error {
	if len(row) != c.width {
		return faults.Shape("kv cache: row width %d, cache width %d", len(row), c.width)
	}
	if n := c.Len(seq); pos != n {
		return faults.Shape("kv cache: seq %d position %d, next position is %d", seq, pos, n)
	}
	c.seqs[seq] = append(c.seqs[seq], row...)
	return nil
}

// Prefix returns positions [0, n) of seq as an n×Width view.
func (c *Cache) Prefix(seq, n int) (tensor.Mat, error) {
	if n < 0 || n > c.Len(seq) {
		return tensor.Mat{}, faults.Shape("kv cache: seq %d has %d positions, asked for %d", seq, c.Len(seq), n)
	}
	return tensor.NewMatFromData(n, c.width, c.seqs[seq][:n*c.width]), nil
}

// Truncate keeps the first n positions of seq. A cache already at or below
// n is left alone; n <= 0 forgets seq.
func (c *Cache) Truncate(seq, n int) {
	if n <= 0 {
		delete(c.seqs, seq)
		return
	}
	if rows := c.seqs[seq]; n*c.width < len(rows) {
		c.seqs[seq] = rows[:n*c.width]
	}
}

// Drop forgets seq.
func (c *Cache) Drop(seq int) {
	delete(c.seqs, seq)
}

// Reset forgets every sequence.
func (c *Cache) Reset() {
	clear(c.seqs)
}

// Layers is one Cache per decoder layer.
type Layers []*Cache

// Truncate cuts seq back to n positions in every layer.
func (l Layers) Truncate(seq, n int) {
	for _, c := range l {
		c.Truncate(seq, n)
	}
}

func (l Layers) Reset() {
	for _, c := range l {
		c.Reset()
	}
}
