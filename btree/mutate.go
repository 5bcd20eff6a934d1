package btree

import (
	"context"
	"fmt"
)

// Put inserts or replaces key's value. Values larger than the pager's
// inline capacity are written to an overflow page run first.
func (t *Tree) Put(ctx context.Context, key, value []byte) error {
	if len(key) > t.maxKey {
		return fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(key))
	}

	e, err := t.buildLeafEntry(ctx, key, value)
	if err != nil {
		return err
	}

	newRoot, sibling, err := t.insert(ctx, t.state.Root, e)
	if err != nil {
		return err
	}
	return t.finishRootMutation(ctx, newRoot, sibling)
}

func (t *Tree) buildLeafEntry(ctx context.Context, key, value []byte) (entry, error) {
	if len(value) <= t.inlineValueCap(len(key)) {
		return entry{key: key, value: value}, nil
	}
	firstPage, n, err := t.writeOverflow(ctx, value)
	if err != nil {
		return entry{}, err
	}
	t.state.OverflowPages += uint64(n)
	return entry{key: key, isOverflow: true, overflowPage: firstPage, overflowLen: uint64(len(value))}, nil
}

// inlineValueCap returns the largest value keyLen can carry inline:
// half a page less the key and nodeOverhead. The page header is not
// subtracted, so two entries of exactly this size do not fit together
// in one page.
func (t *Tree) inlineValueCap(keyLen int) int {
	return t.src.PageSize()/2 - keyLen - nodeOverhead
}

func (t *Tree) insert(ctx context.Context, pageNo uint64, e entry) (uint64, *entry, error) {
	page, err := t.src.Read(ctx, pageNo)
	if err != nil {
		return 0, nil, err
	}
	if readHeader(page).Flags&FlagLeaf != 0 {
		return t.insertLeaf(ctx, pageNo, e)
	}

	entries, err := decodeEntries(page)
	if err != nil {
		return 0, nil, err
	}
	childIdx := branchChildIndex(entries, e.key)
	childPageNo := entries[childIdx].child

	newChildPage, sibling, err := t.insert(ctx, childPageNo, e)
	if err != nil {
		return 0, nil, err
	}

	newPageNo, data, err := t.src.Touch(ctx, pageNo)
	if err != nil {
		return 0, nil, err
	}
	entries[childIdx].child = newChildPage
	if sibling != nil {
		entries = insertEntryAt(entries, childIdx+1, *sibling)
	}
	return t.encodeOrSplit(ctx, newPageNo, data, entries, false)
}

func (t *Tree) insertLeaf(ctx context.Context, pageNo uint64, e entry) (uint64, *entry, error) {
	newPageNo, data, err := t.src.Touch(ctx, pageNo)
	if err != nil {
		return 0, nil, err
	}
	entries, err := decodeEntries(data)
	if err != nil {
		return 0, nil, err
	}

	idx, found := searchEntries(entries, e.key)
	if found {
		old := entries[idx]
		if old.isOverflow {
			if err := t.freeOverflowRun(ctx, old.overflowPage, old.overflowLen); err != nil {
				return 0, nil, err
			}
		}
		entries[idx] = e
	} else {
		entries = insertEntryAt(entries, idx, e)
		t.state.Entries++
	}
	return t.encodeOrSplit(ctx, newPageNo, data, entries, true)
}

func (t *Tree) encodeOrSplit(ctx context.Context, pageNo uint64, data []byte, entries []entry, leaf bool) (uint64, *entry, error) {
	if encodePage(data, pageNo, leaf, entries) {
		return pageNo, nil, nil
	}

	mid := t.splitPoint(leaf, entries)
	left, right := entries[:mid], entries[mid:]

	if !encodePage(data, pageNo, leaf, left) {
		return 0, nil, fmt.Errorf("btree: left half of split does not fit")
	}

	rightPageNo, rightData, err := t.src.Alloc(ctx, 1)
	if err != nil {
		return 0, nil, err
	}
	if !encodePage(rightData, rightPageNo, leaf, right) {
		return 0, nil, fmt.Errorf("btree: right half of split does not fit")
	}

	if leaf {
		t.state.LeafPages++
	} else {
		t.state.BranchPages++
	}
	return pageNo, &entry{key: right[0].key, child: rightPageNo}, nil
}

// splitPoint returns the first index at which the accumulated encoded
// size of entries[:i] reaches half a page, so both halves of the split
// end up roughly balanced.
func (t *Tree) splitPoint(leaf bool, entries []entry) int {
	target := t.src.PageSize() / 2
	used := headerSize
	for i, e := range entries {
		if leaf {
			used += len(encodeLeaf(nil, e)) + 2
		} else {
			used += len(encodeBranch(nil, e)) + 2
		}
		if used >= target && i < len(entries)-1 {
			return i + 1
		}
	}
	return len(entries) / 2
}

// finishRootMutation applies the result of a root-to-leaf traversal: if
// the traversal split, a fresh root branch page is created one level
// deeper; otherwise the (possibly COW'd) page becomes the new root.
func (t *Tree) finishRootMutation(ctx context.Context, newRoot uint64, sibling *entry) error {
	if sibling == nil {
		t.state.Root = newRoot
		return nil
	}

	leftPage, err := t.src.Read(ctx, newRoot)
	if err != nil {
		return err
	}
	leftEntries, err := decodeEntries(leftPage)
	if err != nil {
		return err
	}

	rootPageNo, rootData, err := t.src.Alloc(ctx, 1)
	if err != nil {
		return err
	}
	newRootEntries := []entry{
		{key: leftEntries[0].key, child: newRoot},
		{key: sibling.key, child: sibling.child},
	}
	if !encodePage(rootData, rootPageNo, false, newRootEntries) {
		return fmt.Errorf("btree: new root does not fit two entries")
	}

	t.state.Root = rootPageNo
	t.state.BranchPages++
	t.state.Depth++
	return nil
}

func insertEntryAt(entries []entry, idx int, e entry) []entry {
	entries = append(entries, entry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = e
	return entries
}

// branchChildIndex returns the index of the entry whose child subtree
// covers key: the last entry whose key is <= key, or 0 if key precedes
// every entry (entries[0] is the subtree's catch-all lower bound).
func branchChildIndex(entries []entry, key []byte) int {
	idx, found := searchEntries(entries, key)
	if found {
		return idx
	}
	if idx == 0 {
		return 0
	}
	return idx - 1
}
