package txn

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ravendoc/docstore/btree"
	"github.com/ravendoc/docstore/freespace"
	"github.com/ravendoc/docstore/metrics"
	"github.com/ravendoc/docstore/pager"
)

func newTestManager(t *testing.T) (*Manager, uint64) {
	t.Helper()
	pgr := pager.NewMemPager(4096)
	require.NoError(t, pgr.EnsureContinuous(context.Background(), 0, freespace.HeaderPages))
	free := freespace.New(pgr, 64, 0, nil)

	src := &noopPublishSource{pgr: pgr, free: free, pages: map[uint64][]byte{}}
	tr, err := btree.Create(context.Background(), src, "root")
	require.NoError(t, err)
	require.NoError(t, src.flush())

	var published uint64
	mgr := New(pgr, free, tr.State().Root, 0, func(_ context.Context, root uint64, _ uint64) error {
		published = root
		return nil
	}, nil, nil)
	return mgr, published
}

// noopPublishSource lets the test allocate the very first root page
// through the free-space manager, before any Manager exists to hand out
// a Tx. AcquirePage returns copies, so the pages it hands out live in
// pages until flush writes them back to the pager.
type noopPublishSource struct {
	pgr   pager.Pager
	free  *freespace.Manager
	pages map[uint64][]byte
}

func (s *noopPublishSource) PageSize() int { return s.pgr.PageSize() }
func (s *noopPublishSource) Read(_ context.Context, pageNo uint64) ([]byte, error) {
	if b, ok := s.pages[pageNo]; ok {
		return b, nil
	}
	return s.pgr.AcquirePage(pageNo)
}
func (s *noopPublishSource) Touch(ctx context.Context, pageNo uint64) (uint64, []byte, error) {
	b, err := s.Read(ctx, pageNo)
	if err == nil {
		s.pages[pageNo] = b
	}
	return pageNo, b, err
}
func (s *noopPublishSource) Alloc(ctx context.Context, n uint64) (uint64, []byte, error) {
	first, err := s.free.TryAllocate(ctx, n)
	if err != nil {
		return 0, nil, err
	}
	for i := uint64(0); i < n; i++ {
		s.pages[first+i] = make([]byte, s.pgr.PageSize())
	}
	return first, s.pages[first], nil
}
func (s *noopPublishSource) Free(context.Context, uint64) error { return nil }

func (s *noopPublishSource) flush() error {
	for pageNo, b := range s.pages {
		if err := s.pgr.WriteDirect(b, int64(pageNo)*int64(s.pgr.PageSize())); err != nil {
			return err
		}
	}
	return nil
}

func TestWriteTxCommitIsVisibleToNewReaders(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	wtx, err := mgr.Begin(ctx, ReadWrite)
	require.NoError(t, err)

	root, _ := mgr.Snapshot()
	tr := btree.Open(wtx, "root", btree.TreeState{Root: root, LeafPages: 1, Depth: 1})
	require.NoError(t, tr.Put(ctx, []byte("k"), []byte("v")))
	wtx.SetRoot(tr.State().Root)
	require.NoError(t, wtx.Commit(ctx))

	rtx, err := mgr.Begin(ctx, ReadOnly)
	require.NoError(t, err)
	defer rtx.Close()

	root2, _ := mgr.Snapshot()
	tr2 := btree.Open(rtx, "root", btree.TreeState{Root: root2, LeafPages: 1, Depth: 1, Entries: 1})
	v, ok, err := tr2.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

func TestCommitObservesLatencyMetric(t *testing.T) {
	pgr := pager.NewMemPager(4096)
	require.NoError(t, pgr.EnsureContinuous(context.Background(), 0, freespace.HeaderPages))
	free := freespace.New(pgr, 64, 0, nil)

	src := &noopPublishSource{pgr: pgr, free: free, pages: map[uint64][]byte{}}
	tr, err := btree.Create(context.Background(), src, "root")
	require.NoError(t, err)
	require.NoError(t, src.flush())

	const envLabel = "txn-commit-metric-test"
	mgr := New(pgr, free, tr.State().Root, 0, func(context.Context, uint64, uint64) error { return nil }, nil, metrics.ForEnv(envLabel))

	before := commitLatencySampleCount(t, envLabel)

	ctx := context.Background()
	wtx, err := mgr.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	root, _ := mgr.Snapshot()
	tree := btree.Open(wtx, "root", btree.TreeState{Root: root, LeafPages: 1, Depth: 1})
	require.NoError(t, tree.Put(ctx, []byte("k"), []byte("v")))
	wtx.SetRoot(tree.State().Root)
	require.NoError(t, wtx.Commit(ctx))

	require.Equal(t, before+1, commitLatencySampleCount(t, envLabel))
}

func commitLatencySampleCount(t *testing.T, envLabel string) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != "docstore_commit_latency_seconds" {
			continue
		}
		for _, m := range fam.Metric {
			for _, l := range m.Label {
				if l.GetName() == "env" && l.GetValue() == envLabel {
					return m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return 0
}

func TestReaderSnapshotIsolatedFromLaterWriter(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	wtx, err := mgr.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	root, _ := mgr.Snapshot()
	tr := btree.Open(wtx, "root", btree.TreeState{Root: root, LeafPages: 1, Depth: 1})
	require.NoError(t, tr.Put(ctx, []byte("a"), []byte("1")))
	wtx.SetRoot(tr.State().Root)
	require.NoError(t, wtx.Commit(ctx))

	rtx, err := mgr.Begin(ctx, ReadOnly)
	require.NoError(t, err)

	wtx2, err := mgr.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	root2, _ := mgr.Snapshot()
	tr2 := btree.Open(wtx2, "root", btree.TreeState{Root: root2, LeafPages: 1, Depth: 1, Entries: 1})
	require.NoError(t, tr2.Put(ctx, []byte("b"), []byte("2")))
	wtx2.SetRoot(tr2.State().Root)
	require.NoError(t, wtx2.Commit(ctx))

	oldTr := btree.Open(rtx, "root", btree.TreeState{Root: rtx.Root(), LeafPages: 1, Depth: 1, Entries: 1})
	_, ok, err := oldTr.Get(ctx, []byte("b"))
	require.NoError(t, err)
	require.False(t, ok, "reader snapshot must not observe a commit made after it began")
	require.NoError(t, rtx.Close())
}

func TestSecondWriterBlocksUntilFirstFinishes(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	wtx, err := mgr.Begin(ctx, ReadWrite)
	require.NoError(t, err)

	ctx2, cancel := context.WithTimeout(ctx, 0)
	defer cancel()
	_, err = mgr.Begin(ctx2, ReadWrite)
	require.Error(t, err, "a second writer must not begin while the first is open")
	require.ErrorIs(t, err, ErrConcurrent)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, wtx.Rollback())

	wtx2, err := mgr.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	require.NoError(t, wtx2.Rollback())
}

func TestSecondWriterCancellationWithoutDeadlineIsNotErrConcurrent(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	wtx, err := mgr.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	defer wtx.Rollback()

	ctx2, cancel := context.WithCancel(ctx)
	cancel()
	_, err = mgr.Begin(ctx2, ReadWrite)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrConcurrent)
}

func TestRollbackDiscardsAllocatedPages(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	wtx, err := mgr.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	root, _ := mgr.Snapshot()
	tr := btree.Open(wtx, "root", btree.TreeState{Root: root, LeafPages: 1, Depth: 1})
	require.NoError(t, tr.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, wtx.Rollback())

	rootAfter, commitAfter := mgr.Snapshot()
	require.Equal(t, root, rootAfter)
	require.EqualValues(t, 0, commitAfter)
}
