package parallel

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Launch runs fn once per rank of mesh, each on its own goroutine. The first
// failing rank cancels ctx for the others; a panicking rank is reported as an
// error.
func Launch(ctx context.Context, mesh Mesh, fn func(ctx context.Context, rank int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < mesh.World(); rank++ {
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = errors.Errorf("rank %d (%s) panicked: %v", rank, mesh.Coord(rank), p)
				}
			}()
			return fn(ctx, rank)
		})
	}
	return g.Wait()
}

// Link carries values from one pipeline stage to the next. It is buffered
// by one message so a sender never waits on a slow receiver for a single
// pass.
type Link[T any] struct {
	ch chan T
}

func NewLink[T any]() *Link[T] {
	return &Link[T]{ch: make(chan T, 1)}
}

func (l *Link[T]) Send(ctx context.Context, v T) error {
	select {
	case l.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link[T]) Recv(ctx context.Context) (T, error) {
	select {
	case v := <-l.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Links holds one Link per stage boundary for every (dp, tp) column of the
// mesh. Stage s sends on Out and stage s+1 receives on In.
type Links[T any] struct {
	mesh  Mesh
	links []*Link[T]
}

func NewLinks[T any](mesh Mesh) *Links[T] {
	n := 0
	if mesh.PP > 1 {
		n = (mesh.PP - 1) * mesh.DP * mesh.TP
	}
	links := make([]*Link[T], n)
	for i := range links {
		links[i] = NewLink[T]()
	}
	return &Links[T]{mesh: mesh, links: links}
}

func (l *Links[T]) index(stage int, c Coord) int {
	return (stage*l.mesh.DP+c.DP)*l.mesh.TP + c.TP
}

// Out is the link c's stage sends its output on. c must not be on the last stage.
func (l *Links[T]) Out(c Coord) *Link[T] {
	return l.links[l.index(c.PP, c)]
}

// In is the link c's stage receives its input on. c must not be on the first stage.
func (l *Links[T]) In(c Coord) *Link[T] {
	return l.links[l.index(c.PP-1, c)]
}
