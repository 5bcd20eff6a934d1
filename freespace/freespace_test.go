package freespace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ravendoc/docstore/pager"
)

func newTestManager(t *testing.T, sectionSize uint64) (*Manager, pager.Pager) {
	t.Helper()
	p := pager.NewMemPager(4096)
	require.NoError(t, p.EnsureContinuous(context.Background(), 0, HeaderPages))
	return New(p, sectionSize, 0, nil), p
}

func TestTryAllocateGrowsAndReturnsFirstPage(t *testing.T) {
	m, _ := newTestManager(t, 16)
	ctx := context.Background()

	pg, err := m.TryAllocate(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, m.dataPageOf(0, 0), pg)

	pg2, err := m.TryAllocate(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, m.dataPageOf(0, 1), pg2)
}

func TestTryAllocateContiguousRun(t *testing.T) {
	m, _ := newTestManager(t, 16)
	ctx := context.Background()

	pg, err := m.TryAllocate(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, m.dataPageOf(0, 0), pg)

	free, err := m.AllFreePages()
	require.NoError(t, err)
	require.NotContains(t, free, m.dataPageOf(0, 0))
	require.NotContains(t, free, m.dataPageOf(0, 3))
	require.Contains(t, free, m.dataPageOf(0, 4))
}

func TestFreePageNotReusableUntilDrained(t *testing.T) {
	m, _ := newTestManager(t, 16)
	ctx := context.Background()

	pg, err := m.TryAllocate(ctx, 1)
	require.NoError(t, err)

	m.FreePage(5, pg)

	free, err := m.AllFreePages()
	require.NoError(t, err)
	require.NotContains(t, free, pg)

	require.NoError(t, m.Drain(4)) // oldest reader still older than commit 5
	free, err = m.AllFreePages()
	require.NoError(t, err)
	require.NotContains(t, free, pg)

	require.NoError(t, m.Drain(5)) // now safe
	free, err = m.AllFreePages()
	require.NoError(t, err)
	require.Contains(t, free, pg)
}

func TestFreePageAcrossSections(t *testing.T) {
	m, _ := newTestManager(t, 4)
	ctx := context.Background()

	// exhaust section 0, forcing a new section
	for i := 0; i < 4; i++ {
		_, err := m.TryAllocate(ctx, 1)
		require.NoError(t, err)
	}
	pg, err := m.TryAllocate(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, m.dataPageOf(1, 0), pg)

	m.FreePage(1, pg)
	require.NoError(t, m.Drain(1))

	again, err := m.TryAllocate(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, pg, again)
}

func TestTryAllocateRejectsRunLargerThanSection(t *testing.T) {
	m, _ := newTestManager(t, 4)
	_, err := m.TryAllocate(context.Background(), 5)
	require.ErrorIs(t, err, ErrRunTooLarge)
}
