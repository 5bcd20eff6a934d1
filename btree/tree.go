package btree

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ravendoc/docstore/metrics"
)

// TreeState is the persistent record spec.md's root tree keeps for
// every named tree: its root page and the bookkeeping counters needed
// to answer State() without a full scan.
type TreeState struct {
	Root           uint64
	BranchPages    uint64
	LeafPages      uint64
	OverflowPages  uint64
	Entries        uint64
	Depth          uint32
}

// Encode serializes a TreeState for storage as a root-tree value.
func (s TreeState) Encode() []byte {
	buf := make([]byte, 8*5+4)
	binary.LittleEndian.PutUint64(buf[0:8], s.Root)
	binary.LittleEndian.PutUint64(buf[8:16], s.BranchPages)
	binary.LittleEndian.PutUint64(buf[16:24], s.LeafPages)
	binary.LittleEndian.PutUint64(buf[24:32], s.OverflowPages)
	binary.LittleEndian.PutUint64(buf[32:40], s.Entries)
	binary.LittleEndian.PutUint32(buf[40:44], s.Depth)
	return buf
}

// DecodeTreeState parses a value produced by TreeState.Encode.
func DecodeTreeState(buf []byte) (TreeState, error) {
	if len(buf) < 44 {
		return TreeState{}, fmt.Errorf("%w: short tree state", ErrCorrupt)
	}
	return TreeState{
		Root:          binary.LittleEndian.Uint64(buf[0:8]),
		BranchPages:   binary.LittleEndian.Uint64(buf[8:16]),
		LeafPages:     binary.LittleEndian.Uint64(buf[16:24]),
		OverflowPages: binary.LittleEndian.Uint64(buf[24:32]),
		Entries:       binary.LittleEndian.Uint64(buf[32:40]),
		Depth:         binary.LittleEndian.Uint32(buf[40:44]),
	}, nil
}

// minFillFraction is spec.md's "PageMinSpace", the fill ratio below
// which a non-root page attempts to merge or redistribute.
const minFillFraction = 0.33

// Tree is a B+-tree over pages served by a PageSource.
type Tree struct {
	name    string
	src     PageSource
	state   TreeState
	maxKey  int
	metrics *metrics.Env
}

// Create allocates an empty leaf root page and returns a new Tree
// backed by it.
func Create(ctx context.Context, src PageSource, name string) (*Tree, error) {
	pageNo, page, err := src.Alloc(ctx, 1)
	if err != nil {
		return nil, err
	}
	initPage(page, pageNo, FlagLeaf)

	t := &Tree{
		name: name,
		src:  src,
		state: TreeState{
			Root:      pageNo,
			LeafPages: 1,
			Depth:     1,
		},
		maxKey: maxKeySize(src.PageSize()),
	}
	return t, nil
}

// Open wraps an existing tree whose root and counters are state.
func Open(src PageSource, name string, state TreeState) *Tree {
	return &Tree{
		name:   name,
		src:    src,
		state:  state,
		maxKey: maxKeySize(src.PageSize()),
	}
}

// Name returns the tree's name as recorded in the root tree.
func (t *Tree) Name() string { return t.name }

// State returns the tree's current persistent state, for the caller to
// write back into the root tree (or, for the root tree itself, into the
// environment header) at commit.
func (t *Tree) State() TreeState { return t.state }

func (t *Tree) SetMetrics(m *metrics.Env) { t.metrics = m }

// Get looks up key, resolving an overflow value if necessary.
func (t *Tree) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	leafPage, err := t.descendToLeaf(ctx, t.state.Root, key)
	if err != nil {
		return nil, false, err
	}
	entries, err := decodeEntries(leafPage)
	if err != nil {
		return nil, false, err
	}
	idx, found := searchEntries(entries, key)
	if !found {
		return nil, false, nil
	}
	e := entries[idx]
	if !e.isOverflow {
		return append([]byte(nil), e.value...), true, nil
	}
	val, err := t.readOverflow(ctx, e.overflowPage, e.overflowLen)
	return val, true, err
}

func (t *Tree) descendToLeaf(ctx context.Context, pageNo uint64, key []byte) ([]byte, error) {
	page, err := t.src.Read(ctx, pageNo)
	if err != nil {
		return nil, err
	}
	hdr := readHeader(page)
	if hdr.Flags&FlagLeaf != 0 {
		return page, nil
	}
	entries, err := decodeEntries(page)
	if err != nil {
		return nil, err
	}
	child := branchChildFor(entries, key)
	return t.descendToLeaf(ctx, child, key)
}

// searchEntries binary-searches sorted entries for key, returning the
// insertion index and whether an exact match was found.
func searchEntries(entries []entry, key []byte) (int, bool) {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		cmp := bytes.Compare(entries[mid].key, key)
		switch {
		case cmp == 0:
			return mid, true
		case cmp < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// branchChildFor returns the child page for key: the last entry whose
// key is <= the target (entries[0].key is the subtree's -inf bound).
func branchChildFor(entries []entry, key []byte) uint64 {
	return entries[branchChildIndex(entries, key)].child
}
