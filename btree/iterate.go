package btree

import "context"

type cursorFrame struct {
	entries []entry
	idx     int
	leaf    bool
}

// Cursor walks a tree's entries in key order, starting at the position
// established by Tree.Scan.
type Cursor struct {
	t     *Tree
	ctx   context.Context
	stack []cursorFrame
}

// Scan positions a cursor at the first key >= start, or at the
// leftmost key if start is nil.
func (t *Tree) Scan(ctx context.Context, start []byte) (*Cursor, error) {
	c := &Cursor{t: t, ctx: ctx}
	if err := c.seek(t.state.Root, start); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cursor) seek(pageNo uint64, start []byte) error {
	page, err := c.t.src.Read(c.ctx, pageNo)
	if err != nil {
		return err
	}
	hdr := readHeader(page)
	entries, err := decodeEntries(page)
	if err != nil {
		return err
	}
	leaf := hdr.Flags&FlagLeaf != 0

	idx := 0
	if start != nil {
		if leaf {
			idx, _ = searchEntries(entries, start)
		} else {
			idx = branchChildIndex(entries, start)
		}
	}
	c.stack = append(c.stack, cursorFrame{entries: entries, idx: idx, leaf: leaf})
	if leaf {
		return nil
	}
	return c.seek(entries[idx].child, start)
}

func (c *Cursor) descendLeftmost(pageNo uint64) error {
	page, err := c.t.src.Read(c.ctx, pageNo)
	if err != nil {
		return err
	}
	hdr := readHeader(page)
	entries, err := decodeEntries(page)
	if err != nil {
		return err
	}
	leaf := hdr.Flags&FlagLeaf != 0
	c.stack = append(c.stack, cursorFrame{entries: entries, idx: 0, leaf: leaf})
	if leaf {
		return nil
	}
	return c.descendLeftmost(entries[0].child)
}

// Next returns the next key/value pair in order, resolving overflow
// values transparently. ok is false once the cursor is exhausted.
func (c *Cursor) Next() (key, value []byte, ok bool, err error) {
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]

		if top.leaf {
			if top.idx >= len(top.entries) {
				c.stack = c.stack[:len(c.stack)-1]
				continue
			}
			e := top.entries[top.idx]
			top.idx++
			val := e.value
			if e.isOverflow {
				val, err = c.t.readOverflow(c.ctx, e.overflowPage, e.overflowLen)
				if err != nil {
					return nil, nil, false, err
				}
			}
			return append([]byte(nil), e.key...), append([]byte(nil), val...), true, nil
		}

		top.idx++
		if top.idx >= len(top.entries) {
			c.stack = c.stack[:len(c.stack)-1]
			continue
		}
		if err := c.descendLeftmost(top.entries[top.idx].child); err != nil {
			return nil, nil, false, err
		}
	}
	return nil, nil, false, nil
}
