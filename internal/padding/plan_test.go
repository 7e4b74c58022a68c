package padding

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/latentmesh/internal/faults"
	"github.com/samcharles93/latentmesh/internal/tensor"
)

func seqMat(rows, cols int, base float32) tensor.Mat {
	m := tensor.NewMat(rows, cols)
	for i := range m.Data {
		m.Data[i] = base + float32(i)
	}
	return m
}

func TestPlanTwoRanks(t *testing.T) {
	t.Parallel()
	p, err := NewPlan([]int{5, 3}, 2)
	require.NoError(t, err)
	require.Equal(t, 6, p.MaxLength)
	require.Equal(t, []int{1, 3}, p.PadSize)
	require.Len(t, p.KeepMask, 12)
	require.Equal(t, 8, p.Kept())
	want := []bool{
		true, true, true, true, true, false,
		true, true, true, false, false, false,
	}
	if diff := cmp.Diff(want, p.KeepMask); diff != "" {
		t.Fatalf("keep mask (-want +got):\n%s", diff)
	}
}

func TestPlanMaskMatchesLengths(t *testing.T) {
	t.Parallel()
	tests := []struct {
		lengths []int
		tp      int
	}{
		{[]int{1}, 1},
		{[]int{7, 0, 3}, 4},
		{[]int{4, 4}, 2},
		{[]int{0, 0}, 3},
		{[]int{9, 2, 5, 1}, 8},
	}
	for _, tc := range tests {
		p, err := NewPlan(tc.lengths, tc.tp)
		require.NoError(t, err)
		if p.MaxLength%tc.tp != 0 {
			t.Fatalf("%v: max length %d not divisible by %d", tc.lengths, p.MaxLength, tc.tp)
		}
		sum := 0
		for i, n := range tc.lengths {
			sum += n
			if p.PadSize[i] != p.MaxLength-n || p.PadSize[i] < 0 {
				t.Fatalf("%v: pad[%d]=%d", tc.lengths, i, p.PadSize[i])
			}
		}
		if p.Kept() != sum {
			t.Fatalf("%v: kept %d want %d", tc.lengths, p.Kept(), sum)
		}
	}
}

func TestFromCumulative(t *testing.T) {
	t.Parallel()
	p, err := FromCumulative([]int{5, 8}, 2)
	require.NoError(t, err)
	require.Equal(t, []int{5, 3}, p.Lengths)

	_, err = FromCumulative([]int{5, 4}, 2)
	require.True(t, errors.Is(err, faults.ErrConfiguration))
}

func TestNewPlanRejectsBadInput(t *testing.T) {
	t.Parallel()
	_, err := NewPlan([]int{1}, 0)
	require.True(t, errors.Is(err, faults.ErrConfiguration))
	_, err = NewPlan([]int{-1}, 1)
	require.True(t, errors.Is(err, faults.ErrConfiguration))
}

func TestTPRoundTrip(t *testing.T) {
	t.Parallel()
	p, err := NewPlan([]int{5, 3}, 2)
	require.NoError(t, err)
	blocks := []tensor.Mat{seqMat(5, 2, 0), seqMat(3, 2, 100)}

	padded := make([]tensor.Mat, len(blocks))
	for i, b := range blocks {
		padded[i], err = p.PadToTP(i, b)
		require.NoError(t, err)
		require.Equal(t, p.MaxLength, padded[i].R)
	}
	got, err := p.UnpadFromTP(tensor.ConcatRows(padded...))
	require.NoError(t, err)
	want, err := p.Pack(blocks...)
	require.NoError(t, err)
	if diff := cmp.Diff(want.Data, got.Data); diff != "" {
		t.Fatalf("unpad(pad(x)) (-want +got):\n%s", diff)
	}
}

func TestWPRoundTrip(t *testing.T) {
	t.Parallel()
	p, err := NewPlan([]int{5, 3}, 2)
	require.NoError(t, err)
	global := seqMat(8, 3, 0)

	padded, err := p.PadToWP(global)
	require.NoError(t, err)
	require.Equal(t, 12, padded.R)
	for i, keep := range p.KeepMask {
		if keep {
			continue
		}
		for _, v := range padded.Row(i) {
			if v != 0 {
				t.Fatalf("pad row %d not zero", i)
			}
		}
	}
	for rank := range p.Lengths {
		got, err := p.UnpadFromWP(rank, padded)
		require.NoError(t, err)
		want := tensor.SliceRows(global, p.Offset(rank), p.Offset(rank)+p.Lengths[rank])
		if diff := cmp.Diff(want.Data, got.Data); diff != "" {
			t.Fatalf("rank %d unpad(pad(x)) (-want +got):\n%s", rank, diff)
		}
	}
}

func TestScatterTP(t *testing.T) {
	t.Parallel()
	p, err := NewPlan([]int{5, 3}, 2)
	require.NoError(t, err)
	x := seqMat(3, 1, 1)
	lo, err := p.ScatterTP(1, 0, x)
	require.NoError(t, err)
	hi, err := p.ScatterTP(1, 1, x)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3}, lo.Data)
	require.Equal(t, []float32{0, 0, 0}, hi.Data)
}

func TestShapeMismatches(t *testing.T) {
	t.Parallel()
	p, err := NewPlan([]int{5, 3}, 2)
	require.NoError(t, err)

	checks := []struct {
		name string
		fn   func() error
	}{
		{"pad tp rows", func() error { _, err := p.PadToTP(0, tensor.NewMat(4, 1)); return err }},
		{"pad tp rank", func() error { _, err := p.PadToTP(2, tensor.NewMat(5, 1)); return err }},
		{"unpad tp", func() error { _, err := p.UnpadFromTP(tensor.NewMat(11, 1)); return err }},
		{"pad wp", func() error { _, err := p.PadToWP(tensor.NewMat(7, 1)); return err }},
		{"unpad wp", func() error { _, err := p.UnpadFromWP(0, tensor.NewMat(8, 1)); return err }},
		{"pack", func() error { _, err := p.Pack(tensor.NewMat(5, 1)); return err }},
	}
	for _, c := range checks {
		if err := c.fn(); !errors.Is(err, faults.ErrShapeInvariant) {
			t.Fatalf("%s: expected shape invariant error, got %v", c.name, err)
		}
	}
}
