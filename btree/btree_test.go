package btree

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// memSource is a minimal PageSource for exercising a Tree in isolation,
// without a transaction or free-space manager layered underneath. Touch
// mutates in place and reuses the same page number, since these tests
// don't assert anything about copy-on-write page reuse; the pager and
// txn packages test that behavior directly.
type memSource struct {
	pageSize int
	pages    [][]byte
	freed    map[uint64]bool
}

func newMemSource(pageSize int) *memSource {
	return &memSource{pageSize: pageSize, freed: map[uint64]bool{}}
}

func (s *memSource) PageSize() int { return s.pageSize }

func (s *memSource) Read(_ context.Context, pageNo uint64) ([]byte, error) {
	if pageNo >= uint64(len(s.pages)) || s.freed[pageNo] {
		return nil, fmt.Errorf("memSource: bad page %d", pageNo)
	}
	return s.pages[pageNo], nil
}

func (s *memSource) Touch(_ context.Context, pageNo uint64) (uint64, []byte, error) {
	if pageNo >= uint64(len(s.pages)) || s.freed[pageNo] {
		return 0, nil, fmt.Errorf("memSource: bad page %d", pageNo)
	}
	return pageNo, s.pages[pageNo], nil
}

func (s *memSource) Alloc(_ context.Context, n uint64) (uint64, []byte, error) {
	first := uint64(len(s.pages))
	for i := uint64(0); i < n; i++ {
		s.pages = append(s.pages, make([]byte, s.pageSize))
	}
	return first, s.pages[first], nil
}

func (s *memSource) Free(_ context.Context, pageNo uint64) error {
	s.freed[pageNo] = true
	return nil
}

func newTestTree(t *testing.T, pageSize int) (*Tree, *memSource) {
	t.Helper()
	src := newMemSource(pageSize)
	tr, err := Create(context.Background(), src, "test")
	require.NoError(t, err)
	return tr, src
}

func TestPutGetRoundTrip(t *testing.T) {
	tr, _ := newTestTree(t, 4096)
	ctx := context.Background()

	require.NoError(t, tr.Put(ctx, []byte("alpha"), []byte("1")))
	require.NoError(t, tr.Put(ctx, []byte("beta"), []byte("2")))
	require.NoError(t, tr.Put(ctx, []byte("gamma"), []byte("3")))

	v, ok, err := tr.Get(ctx, []byte("beta"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	_, ok, err = tr.Get(ctx, []byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutOverwritesExistingKey(t *testing.T) {
	tr, _ := newTestTree(t, 4096)
	ctx := context.Background()

	require.NoError(t, tr.Put(ctx, []byte("k"), []byte("first")))
	require.NoError(t, tr.Put(ctx, []byte("k"), []byte("second")))
	require.EqualValues(t, 1, tr.State().Entries)

	v, ok, err := tr.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("second"), v)
}

func TestPutRejectsOversizedKey(t *testing.T) {
	tr, _ := newTestTree(t, 4096)
	big := make([]byte, 4096)
	err := tr.Put(context.Background(), big, []byte("v"))
	require.ErrorIs(t, err, ErrKeyTooLarge)
}

func TestPutDrivesLeafSplitAndDeepensTree(t *testing.T) {
	tr, _ := newTestTree(t, 512)
	ctx := context.Background()

	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("value-%04d", i))
		require.NoError(t, tr.Put(ctx, key, val))
	}

	require.Greater(t, tr.State().LeafPages, uint64(1))
	require.Greater(t, tr.State().Depth, uint32(1))

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		want := []byte(fmt.Sprintf("value-%04d", i))
		got, ok, err := tr.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok, "missing %s", key)
		require.Equal(t, want, got)
	}
}

func TestPutOverflowValueRoundTrips(t *testing.T) {
	tr, _ := newTestTree(t, 512)
	ctx := context.Background()

	big := make([]byte, 3000)
	for i := range big {
		big[i] = byte(i % 251)
	}
	require.NoError(t, tr.Put(ctx, []byte("blob"), big))
	require.Greater(t, tr.State().OverflowPages, uint64(0))

	got, ok, err := tr.Get(ctx, []byte("blob"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, big, got)
}

func TestOverflowValueIsStoredAsAContiguousRun(t *testing.T) {
	tr, src := newTestTree(t, 512)
	ctx := context.Background()

	big := make([]byte, 3000)
	for i := range big {
		big[i] = byte(i % 251)
	}
	require.NoError(t, tr.Put(ctx, []byte("blob"), big))

	got, ok, err := tr.Get(ctx, []byte("blob"))
	require.NoError(t, err)
	require.True(t, ok)

	cap := overflowCapacity(512)
	wantPages := (len(big) + cap - 1) / cap

	var firstPage uint64
	found := false
	for pageNo, page := range src.pages {
		hdr := readHeader(page)
		if hdr.Flags&FlagOverflow != 0 && hdr.OverflowSize == uint32(len(big)) {
			firstPage = uint64(pageNo)
			found = true
			break
		}
	}
	require.True(t, found, "expected exactly one page declaring the run's total OverflowSize")

	for i := 0; i < wantPages; i++ {
		hdr := readHeader(src.pages[firstPage+uint64(i)])
		require.NotZero(t, hdr.Flags&FlagOverflow, "page %d should be part of the run", firstPage+uint64(i))
		if i > 0 {
			require.Zero(t, hdr.OverflowSize, "only the first page of a run declares OverflowSize")
		}
	}

	require.Equal(t, big, got)
}

func TestDeleteRemovesKey(t *testing.T) {
	tr, _ := newTestTree(t, 4096)
	ctx := context.Background()

	require.NoError(t, tr.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, tr.Put(ctx, []byte("b"), []byte("2")))

	found, err := tr.Delete(ctx, []byte("a"))
	require.NoError(t, err)
	require.True(t, found)

	_, ok, err := tr.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	found, err = tr.Delete(ctx, []byte("a"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestDeleteFreesOverflowRun(t *testing.T) {
	tr, src := newTestTree(t, 512)
	ctx := context.Background()

	big := make([]byte, 3000)
	require.NoError(t, tr.Put(ctx, []byte("blob"), big))
	pagesBefore := tr.State().OverflowPages
	require.Greater(t, pagesBefore, uint64(0))

	found, err := tr.Delete(ctx, []byte("blob"))
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 0, tr.State().OverflowPages)
	require.NotEmpty(t, src.freed)
}

func TestDeleteTriggersMergeAndShrinksTree(t *testing.T) {
	tr, _ := newTestTree(t, 512)
	ctx := context.Background()

	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		require.NoError(t, tr.Put(ctx, key, []byte("v")))
	}
	leafPagesAtPeak := tr.State().LeafPages
	require.Greater(t, leafPagesAtPeak, uint64(1))

	for i := 0; i < n-2; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		found, err := tr.Delete(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
	}

	require.LessOrEqual(t, tr.State().LeafPages, leafPagesAtPeak)
	require.EqualValues(t, 2, tr.State().Entries)

	for i := n - 2; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		_, ok, err := tr.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestScanReturnsKeysInOrder(t *testing.T) {
	tr, _ := newTestTree(t, 512)
	ctx := context.Background()

	keys := []string{"delta", "alpha", "charlie", "bravo", "echo"}
	for _, k := range keys {
		require.NoError(t, tr.Put(ctx, []byte(k), []byte("v")))
	}

	cur, err := tr.Scan(ctx, nil)
	require.NoError(t, err)

	var got []string
	for {
		k, _, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	require.Equal(t, []string{"alpha", "bravo", "charlie", "delta", "echo"}, got)
}

func TestScanSeeksToStartKey(t *testing.T) {
	tr, _ := newTestTree(t, 512)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, tr.Put(ctx, key, []byte("v")))
	}

	cur, err := tr.Scan(ctx, []byte("key-025"))
	require.NoError(t, err)

	k, _, ok, err := cur.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "key-025", string(k))
}

func TestTreeStateEncodeDecodeRoundTrips(t *testing.T) {
	s := TreeState{Root: 7, BranchPages: 3, LeafPages: 9, OverflowPages: 2, Entries: 1234, Depth: 4}
	got, err := DecodeTreeState(s.Encode())
	require.NoError(t, err)
	require.Equal(t, s, got)
}
