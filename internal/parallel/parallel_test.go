package parallel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/latentmesh/internal/faults"
	"github.com/samcharles93/latentmesh/internal/tensor"
)

func TestNewMeshRejectsZero(t *testing.T) {
	t.Parallel()
	_, err := NewMesh(1, 0, 2)
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestMeshRankRoundTrip(t *testing.T) {
	t.Parallel()
	m, err := NewMesh(2, 3, 2)
	require.NoError(t, err)
	require.Equal(t, 12, m.World())
	for r := 0; r < m.World(); r++ {
		if got := m.Rank(m.Coord(r)); got != r {
			t.Fatalf("rank %d round-trips to %d", r, got)
		}
	}
	require.Equal(t, Coord{PP: 1, DP: 0, TP: 1}, m.Coord(7))
}

func TestReplicaGroups(t *testing.T) {
	t.Parallel()
	m, err := NewMesh(1, 2, 2)
	require.NoError(t, err)

	tests := []struct {
		kind Kind
		want [][]int
	}{
		{TP, [][]int{{0, 1}, {2, 3}}},
		{DP, [][]int{{0, 2}, {1, 3}}},
		{PP, [][]int{{0}, {1}, {2}, {3}}},
		{WP, [][]int{{0, 1, 2, 3}}},
	}
	for _, tc := range tests {
		if diff := cmp.Diff(tc.want, m.ReplicaGroups(tc.kind)); diff != "" {
			t.Fatalf("%s groups mismatch (-want +got):\n%s", tc.kind, diff)
		}
	}
	require.Equal(t, 3, m.GroupRank(WP, Coord{DP: 1, TP: 1}))
	require.Equal(t, 4, m.Size(WP))
}

// runGroup runs fn on every rank of mesh with a fresh fabric and returns each
// rank's result.
func runGroup(t *testing.T, m Mesh, fn func(ctx context.Context, reg *Registry) (tensor.Mat, error)) []tensor.Mat {
	t.Helper()
	fabric := NewFabric(m, nil)
	out := make([]tensor.Mat, m.World())
	var mu sync.Mutex
	err := Launch(context.Background(), m, func(ctx context.Context, rank int) error {
		res, err := fn(ctx, fabric.Registry(rank))
		if err != nil {
			return err
		}
		mu.Lock()
		out[rank] = res
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return out
}

func rankMat(rank, rows, cols int) tensor.Mat {
	m := tensor.NewMat(rows, cols)
	for i := range m.Data {
		m.Data[i] = float32(rank*100 + i)
	}
	return m
}

func TestAllReduceSums(t *testing.T) {
	t.Parallel()
	m, _ := NewMesh(1, 1, 3)
	out := runGroup(t, m, func(ctx context.Context, reg *Registry) (tensor.Mat, error) {
		return reg.TP.AllReduce(ctx, rankMat(reg.TP.Rank(), 1, 2))
	})
	want := []float32{300, 303}
	for r, got := range out {
		if diff := cmp.Diff(want, got.Data); diff != "" {
			t.Fatalf("rank %d all-reduce (-want +got):\n%s", r, diff)
		}
	}
}

func TestAllGatherRowsAndCols(t *testing.T) {
	t.Parallel()
	m, _ := NewMesh(1, 2, 1)
	rows := runGroup(t, m, func(ctx context.Context, reg *Registry) (tensor.Mat, error) {
		return reg.DP.AllGather(ctx, rankMat(reg.DP.Rank(), 1, 2), 0)
	})
	require.Equal(t, []float32{0, 1, 100, 101}, rows[1].Data)
	require.Equal(t, 2, rows[1].R)

	cols := runGroup(t, m, func(ctx context.Context, reg *Registry) (tensor.Mat, error) {
		return reg.DP.AllGather(ctx, rankMat(reg.DP.Rank(), 2, 1), 1)
	})
	require.Equal(t, []float32{0, 100, 1, 101}, cols[0].Data)
	require.Equal(t, 2, cols[0].C)
}

func TestReduceScatterChunks(t *testing.T) {
	t.Parallel()
	m, _ := NewMesh(1, 1, 2)
	out := runGroup(t, m, func(ctx context.Context, reg *Registry) (tensor.Mat, error) {
		return reg.TP.ReduceScatter(ctx, rankMat(reg.TP.Rank(), 4, 1), OpSum, 0)
	})
	require.Equal(t, []float32{100, 102}, out[0].Data)
	require.Equal(t, []float32{104, 106}, out[1].Data)
}

func TestReduceScatterIndivisible(t *testing.T) {
	t.Parallel()
	m, _ := NewMesh(1, 1, 2)
	fabric := NewFabric(m, nil)
	_, err := fabric.Registry(0).TP.ReduceScatter(context.Background(), tensor.NewMat(3, 1), OpSum, 0)
	if !errors.Is(err, faults.ErrShapeInvariant) {
		t.Fatalf("expected shape error, got %v", err)
	}
}

func TestDivergentCollectivesFail(t *testing.T) {
	t.Parallel()
	m, _ := NewMesh(1, 1, 2)
	fabric := NewFabric(m, nil)
	err := Launch(context.Background(), m, func(ctx context.Context, rank int) error {
		reg := fabric.Registry(rank)
		if rank == 0 {
			_, err := reg.TP.AllReduce(ctx, tensor.NewMat(2, 2))
			return err
		}
		_, err := reg.TP.AllGather(ctx, tensor.NewMat(2, 2), 0)
		return err
	})
	if !errors.Is(err, faults.ErrCollectiveDivergence) {
		t.Fatalf("expected collective divergence, got %v", err)
	}
}

func TestShapeMismatchIsDivergence(t *testing.T) {
	t.Parallel()
	m, _ := NewMesh(1, 1, 2)
	fabric := NewFabric(m, nil)
	err := Launch(context.Background(), m, func(ctx context.Context, rank int) error {
		_, err := fabric.Registry(rank).TP.AllReduce(ctx, tensor.NewMat(rank+1, 2))
		return err
	})
	if !errors.Is(err, faults.ErrCollectiveDivergence) {
		t.Fatalf("expected collective divergence, got %v", err)
	}
}

func TestBlockedCollectiveHonoursContext(t *testing.T) {
	t.Parallel()
	m, _ := NewMesh(1, 1, 2)
	fabric := NewFabric(m, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := fabric.Registry(0).TP.AllReduce(ctx, tensor.NewMat(1, 1))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSingleMemberGroupCopies(t *testing.T) {
	t.Parallel()
	m, _ := NewMesh(1, 1, 1)
	fabric := NewFabric(m, nil)
	x := tensor.NewMatFromData(1, 2, []float32{1, 2})
	out, err := fabric.Registry(0).WP.AllReduce(context.Background(), x)
	require.NoError(t, err)
	out.Data[0] = 5
	require.Equal(t, float32(1), x.Data[0])
}

func TestJournalRecordsPerRank(t *testing.T) {
	t.Parallel()
	m, _ := NewMesh(1, 2, 2)
	journal := NewJournal()
	fabric := NewFabric(m, journal)
	err := Launch(context.Background(), m, func(ctx context.Context, rank int) error {
		reg := fabric.Registry(rank)
		x := tensor.NewMat(4, 3)
		if _, err := reg.TP.ReduceScatter(ctx, x, OpSum, 0); err != nil {
			return err
		}
		_, err := reg.WP.AllGather(ctx, tensor.NewMat(2, 3), 0)
		return err
	})
	require.NoError(t, err)
	want := journal.Entries(0)
	require.Len(t, want, 2)
	for r := 1; r < m.World(); r++ {
		if diff := cmp.Diff(want, journal.Entries(r)); diff != "" {
			t.Fatalf("rank %d trace differs (-rank0 +rank%d):\n%s", r, r, diff)
		}
	}
}

func TestLaunchRecoversPanic(t *testing.T) {
	t.Parallel()
	m, _ := NewMesh(1, 1, 2)
	err := Launch(context.Background(), m, func(ctx context.Context, rank int) error {
		if rank == 1 {
			panic("boom")
		}
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestLinksCarryBetweenStages(t *testing.T) {
	t.Parallel()
	m, _ := NewMesh(2, 1, 2)
	links := NewLinks[int](m)
	ctx := context.Background()
	src := Coord{PP: 0, DP: 0, TP: 1}
	dst := Coord{PP: 1, DP: 0, TP: 1}
	require.NoError(t, links.Out(src).Send(ctx, 42))
	got, err := links.In(dst).Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, 42, got)
}
