package docstore

import (
	"encoding/binary"
	"fmt"
)

// docRecord is the Docs tree's value: the document as last written,
// keyed by its case-folded identity so lookups are case-insensitive
// while the originally supplied casing survives for reads.
type docRecord struct {
	originalKey string
	etag        uint64
	collection  string
	body        []byte
}

func encodeDocRecord(r docRecord) []byte {
	buf := make([]byte, 0, 4+len(r.originalKey)+8+4+len(r.collection)+4+len(r.body))
	buf = appendString(buf, r.originalKey)
	buf = appendUint64(buf, r.etag)
	buf = appendString(buf, r.collection)
	buf = appendBytes(buf, r.body)
	return buf
}

func decodeDocRecord(buf []byte) (docRecord, error) {
	var r docRecord
	var err error
	r.originalKey, buf, err = readString(buf)
	if err != nil {
		return docRecord{}, err
	}
	r.etag, buf, err = readUint64(buf)
	if err != nil {
		return docRecord{}, err
	}
	r.collection, buf, err = readString(buf)
	if err != nil {
		return docRecord{}, err
	}
	r.body, _, err = readBytes(buf)
	if err != nil {
		return docRecord{}, err
	}
	return r, nil
}

// tombstoneRecord is the value stored in a collection's Tombstones tree.
type tombstoneRecord struct {
	originalKey string
	etag        uint64
	deletedEtag uint64
	collection  string
}

func encodeTombstone(r tombstoneRecord) []byte {
	buf := make([]byte, 0, 4+len(r.originalKey)+8+8+4+len(r.collection))
	buf = appendString(buf, r.originalKey)
	buf = appendUint64(buf, r.etag)
	buf = appendUint64(buf, r.deletedEtag)
	buf = appendString(buf, r.collection)
	return buf
}

func decodeTombstone(buf []byte) (tombstoneRecord, error) {
	var r tombstoneRecord
	var err error
	r.originalKey, buf, err = readString(buf)
	if err != nil {
		return tombstoneRecord{}, err
	}
	r.etag, buf, err = readUint64(buf)
	if err != nil {
		return tombstoneRecord{}, err
	}
	r.deletedEtag, buf, err = readUint64(buf)
	if err != nil {
		return tombstoneRecord{}, err
	}
	r.collection, _, err = readString(buf)
	if err != nil {
		return tombstoneRecord{}, err
	}
	return r, nil
}

func appendString(buf []byte, s string) []byte { return appendBytes(buf, []byte(s)) }

func appendBytes(buf []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, b...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func readString(buf []byte) (string, []byte, error) {
	b, rest, err := readBytes(buf)
	if err != nil {
		return "", nil, err
	}
	return string(b), rest, nil
}

func readBytes(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("docstore: %w: short length prefix", ErrInvalidData)
	}
	n := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, fmt.Errorf("docstore: %w: truncated record", ErrInvalidData)
	}
	return buf[:n], buf[n:], nil
}

func readUint64(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, fmt.Errorf("docstore: %w: short uint64", ErrInvalidData)
	}
	return binary.LittleEndian.Uint64(buf), buf[8:], nil
}

// etagKey encodes an etag as a big-endian sort key so a btree.Tree's
// natural byte-lexical ordering matches numeric etag order.
func etagKey(etag uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], etag)
	return b[:]
}
