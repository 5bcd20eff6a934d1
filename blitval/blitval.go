// Package blitval implements the document store's opaque document
// value: a self-describing binary blob (JSON on the wire) accessed
// only through a field accessor, never parsed structurally by the
// storage core itself.
package blitval

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var ErrInvalidValue = errors.New("blitval: invalid document value")

// Value wraps a validated JSON document without keeping a parsed tree
// around beyond what gjson lazily computes on access.
type Value struct {
	raw    []byte
	parsed gjson.Result
}

// New validates raw as a JSON object and wraps it.
func New(raw []byte) (Value, error) {
	if !gjson.ValidBytes(raw) {
		return Value{}, fmt.Errorf("%w: not valid json", ErrInvalidValue)
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return Value{}, fmt.Errorf("%w: must be a json object", ErrInvalidValue)
	}
	return Value{raw: raw, parsed: parsed}, nil
}

// From marshals v to JSON and wraps the result.
func From(v any) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return New(raw)
}

// Bytes returns the document's raw wire form.
func (v Value) Bytes() []byte { return v.raw }

// IsZero reports whether v was never assigned a document.
func (v Value) IsZero() bool { return v.raw == nil }

// TryGet resolves a dot-path field, returning its decoded value and
// whether it was present. This is the only structural access the
// storage core is ever allowed to perform on a document.
func (v Value) TryGet(field string) (any, bool) {
	r := v.parsed.Get(escapeGJSONPath(field))
	if !r.Exists() {
		return nil, false
	}
	return r.Value(), true
}

// escapeGJSONPath backslash-escapes a leading '@' in every dotted
// segment, since gjson otherwise treats a segment starting with '@' as
// a path modifier (e.g. "@reverse") rather than a literal field name —
// and RavenDB-style metadata fields are conventionally named "@metadata".
func escapeGJSONPath(field string) string {
	segments := splitDotted(field)
	for i, seg := range segments {
		if strings.HasPrefix(seg, "@") {
			segments[i] = "\\" + seg
		}
	}
	return strings.Join(segments, ".")
}

// TryGetString is a convenience wrapper for the common case of reading
// a metadata string field.
func (v Value) TryGetString(field string) (string, bool) {
	val, ok := v.TryGet(field)
	if !ok {
		return "", false
	}
	s, ok := val.(string)
	return s, ok
}

// WithField returns a copy of v with a dotted field path set to value,
// creating intermediate objects as needed. This is the one place the
// document store steps outside TryGet's read-only contract: stamping
// Raven-Last-Modified into a document's metadata on every write.
func (v Value) WithField(field string, value any) (Value, error) {
	var top map[string]any
	if v.raw != nil {
		if err := json.Unmarshal(v.raw, &top); err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
	}
	if top == nil {
		top = make(map[string]any)
	}
	setDottedField(top, field, value)

	raw, err := json.Marshal(top)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return New(raw)
}

func setDottedField(top map[string]any, field string, value any) {
	parts := splitDotted(field)
	cur := top
	for i, part := range parts {
		if i == len(parts)-1 {
			cur[part] = value
			return
		}
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
}

func splitDotted(field string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(field); i++ {
		if field[i] == '.' {
			parts = append(parts, field[start:i])
			start = i + 1
		}
	}
	return append(parts, field[start:])
}
