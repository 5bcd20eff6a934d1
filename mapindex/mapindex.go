// Package mapindex provides one concrete, in-tree implementation of the
// indexing engine's persistence seam: a single-field inverted index
// backed by a btree.Tree, so the engine can be exercised end-to-end
// without an external search backend.
package mapindex

import (
	"context"
	"fmt"

	"github.com/ravendoc/docstore/docstore"
	"github.com/ravendoc/docstore/env"
	"github.com/ravendoc/docstore/logger"
	"github.com/ravendoc/docstore/metrics"
)

const (
	treePostings  = "Postings"
	treeDocFields = "DocFields"

	postingSep = "\x00"
)

// BTreeIndex indexes one field of every document handed to it,
// maintaining a "field value -> document key" postings tree plus a
// side table remembering each document's last indexed value so a
// later Delete can find and remove exactly the postings it owns.
type BTreeIndex struct {
	env   *env.Environment
	field string
	log   logger.Logger
}

// Open opens or creates a postings store at opts, indexing field on
// every document written to it.
func Open(opts *env.Options, field string, log logger.Logger, m *metrics.Env) (*BTreeIndex, error) {
	e, err := env.Open(opts, log, m)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Noop
	}
	return &BTreeIndex{env: e, field: field, log: log}, nil
}

// Close releases the index's environment resources.
func (idx *BTreeIndex) Close() error { return idx.env.Close() }

// Write indexes doc's configured field, replacing whatever value was
// previously indexed for the same document key.
func (idx *BTreeIndex) Write(doc docstore.Document) error {
	ctx := context.Background()
	wtx, err := idx.env.BeginWrite(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			wtx.Close()
		}
	}()

	postings, err := wtx.Tree(ctx, treePostings)
	if err != nil {
		return err
	}
	docFields, err := wtx.Tree(ctx, treeDocFields)
	if err != nil {
		return err
	}

	if err := removeExistingPosting(ctx, postings, docFields, doc.Key); err != nil {
		return err
	}

	val, ok := doc.Body.TryGet(idx.field)
	if ok {
		strVal := fmt.Sprintf("%v", val)
		if err := postings.Put(ctx, postingKey(strVal, doc.Key), []byte(doc.Key)); err != nil {
			return err
		}
		if err := docFields.Put(ctx, []byte(doc.Key), []byte(strVal)); err != nil {
			return err
		}
	}

	if err := wtx.SaveTree(ctx, postings); err != nil {
		return err
	}
	if err := wtx.SaveTree(ctx, docFields); err != nil {
		return err
	}
	if err := wtx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// Delete removes whatever posting was indexed for key, if any.
func (idx *BTreeIndex) Delete(key string) error {
	ctx := context.Background()
	wtx, err := idx.env.BeginWrite(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			wtx.Close()
		}
	}()

	postings, err := wtx.Tree(ctx, treePostings)
	if err != nil {
		return err
	}
	docFields, err := wtx.Tree(ctx, treeDocFields)
	if err != nil {
		return err
	}

	if err := removeExistingPosting(ctx, postings, docFields, key); err != nil {
		return err
	}

	if err := wtx.SaveTree(ctx, postings); err != nil {
		return err
	}
	if err := wtx.SaveTree(ctx, docFields); err != nil {
		return err
	}
	if err := wtx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// Lookup returns every document key currently indexed under value.
func (idx *BTreeIndex) Lookup(ctx context.Context, value string) ([]string, error) {
	rtx, err := idx.env.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer rtx.Close()

	postings, ok, err := rtx.Tree(ctx, treePostings)
	if err != nil || !ok {
		return nil, err
	}

	prefix := []byte(value + postingSep)
	cur, err := postings.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var out []string
	for {
		key, docKey, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok || !hasPrefix(key, prefix) {
			return out, nil
		}
		out = append(out, string(docKey))
	}
}

func removeExistingPosting(ctx context.Context, postings, docFields interface {
	Get(context.Context, []byte) ([]byte, bool, error)
	Delete(context.Context, []byte) (bool, error)
}, docKey string) error {
	oldVal, ok, err := docFields.Get(ctx, []byte(docKey))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if _, err := postings.Delete(ctx, postingKey(string(oldVal), docKey)); err != nil {
		return err
	}
	if _, err := docFields.Delete(ctx, []byte(docKey)); err != nil {
		return err
	}
	return nil
}

func postingKey(value, docKey string) []byte {
	return []byte(value + postingSep + docKey)
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
