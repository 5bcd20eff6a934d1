package btree

import (
	"bytes"
	"context"
	"encoding/binary"
)

// Multi-valued keys (spec.md §4.4's multi_add/multi_delete) are stored
// as ordinary leaf entries under a composite key: the varint-encoded
// length of the logical key, the key's bytes, then the value's bytes,
// with an empty payload. Every composite key sharing a logical key
// therefore shares the same prefix and sorts contiguously, so MultiGet
// recovers them with a bounded prefix scan. This is the same idea
// behind gdbx's DUPSORT tables (a duplicate value becomes a key in a
// nested structure keyed off the owning key), simplified to a single
// flat tree since this tree has no separate sub-page node type to
// stage a handful of duplicates inline.
//
// Because the value becomes part of the on-disk key, it is bound by
// maxKeySize rather than the page size; MultiAdd with an oversized
// value returns ErrKeyTooLarge instead of falling back to an overflow
// run the way Put does for ordinary values.

// MultiAdd inserts value as one of possibly several values held under
// key. Adding the same (key, value) pair again is a no-op.
func (t *Tree) MultiAdd(ctx context.Context, key, value []byte) error {
	return t.Put(ctx, multiComposite(key, value), nil)
}

// MultiDelete removes one specific value previously added under key,
// reporting whether that exact pair existed.
func (t *Tree) MultiDelete(ctx context.Context, key, value []byte) (bool, error) {
	return t.Delete(ctx, multiComposite(key, value))
}

// MultiGet returns every value held under key, in sorted order.
func (t *Tree) MultiGet(ctx context.Context, key []byte) ([][]byte, error) {
	prefix := multiPrefix(key)
	c, err := t.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var values [][]byte
	for {
		k, _, ok, err := c.Next()
		if err != nil {
			return nil, err
		}
		if !ok || !bytes.HasPrefix(k, prefix) {
			return values, nil
		}
		values = append(values, k[len(prefix):])
	}
}

// multiComposite builds the on-disk key for one (key, value) pair of a
// multi-valued key.
func multiComposite(key, value []byte) []byte {
	return append(multiPrefix(key), value...)
}

// multiPrefix is the length-prefixed encoding shared by every
// composite key stored under the same logical key.
func multiPrefix(key []byte) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(key))
	buf = putUvarint(buf, uint64(len(key)))
	return append(buf, key...)
}
