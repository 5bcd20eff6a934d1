// Package docstore layers the document store contract — PUT, DELETE,
// GET, and etag-ordered change feeds — on top of one environment's
// trees. Document bodies are opaque blitval.Value blobs: the store
// itself only ever reads the "@metadata.Raven-Entity-Name" field
// through TryGet to route a document to its collection's indexes.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ravendoc/docstore/blitval"
	"github.com/ravendoc/docstore/env"
	"github.com/ravendoc/docstore/logger"
	"github.com/ravendoc/docstore/metrics"
	"github.com/ravendoc/docstore/multierr"
	"github.com/ravendoc/docstore/watchers"
)

var (
	// ErrConcurrencyConflict is returned by Put/Delete when the caller's
	// expected etag does not match the document's current etag.
	ErrConcurrencyConflict = errors.New("docstore: concurrency conflict")
	// ErrInvalidData is returned for a malformed document body or a
	// corrupt stored record.
	ErrInvalidData = errors.New("docstore: invalid data")
	// ErrNotFound is returned by Delete when the target key does not exist.
	ErrNotFound = errors.New("docstore: not found")
)

const (
	treeDocs        = "Docs"
	treeEtagToKey   = "EtagToKey"
	treeCollections = "Collections"

	fallbackCollection = "@empty"

	metadataEntityName   = "@metadata.Raven-Entity-Name"
	metadataLastModified = "@metadata.Raven-Last-Modified"
)

func collectionEtagTree(collection string) string { return "Collection/" + collection + "/Etag" }
func collectionTombstoneTree(collection string) string {
	return "Collection/" + collection + "/Tombstones"
}

// Document is a stored document as returned to a caller: original
// casing restored, plus the accessor over its body.
type Document struct {
	Key        string
	Etag       uint64
	Collection string
	Body       blitval.Value
}

// Tombstone records that a document was deleted, keeping the etag it
// held at deletion time so indexers can tell whether they had indexed it.
type Tombstone struct {
	Key         string
	Etag        uint64
	DeletedEtag uint64
	Collection  string
}

// Store is the document store: one environment plus the etag- and
// collection-indexed trees layered over it.
type Store struct {
	env     *env.Environment
	log     logger.Logger
	changes *watchers.Hub
}

// Open opens or creates a document store environment at opts.
func Open(opts *env.Options, log logger.Logger, m *metrics.Env) (*Store, error) {
	e, err := env.Open(opts, log, m)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Noop
	}
	return &Store{env: e, log: log, changes: watchers.New(e.GlobalEtag(), 0)}, nil
}

// Environment exposes the underlying storage environment, e.g. for an
// indexing engine that needs its own read transactions against it.
func (s *Store) Environment() *env.Environment { return s.env }

// Changes returns the hub that is advanced to a document's etag every
// time a Put or Delete commits, so an indexing engine can block until
// there is new work rather than polling.
func (s *Store) Changes() *watchers.Hub { return s.changes }

// Close releases the store's environment resources.
func (s *Store) Close() error {
	errs := multierr.New()
	errs.Add(s.changes.Close())
	errs.Add(s.env.Close())
	return errs.Err()
}

// CollectionOf reads a document's collection from its metadata,
// reporting whether the field was actually present.
func CollectionOf(doc blitval.Value) (string, bool) {
	if name, ok := doc.TryGetString(metadataEntityName); ok && name != "" {
		return name, true
	}
	return fallbackCollection, false
}

func foldKey(key string) string { return strings.ToLower(key) }

// Put writes a new version of key. If expectedEtag is non-nil, the
// write fails with ErrConcurrencyConflict unless the document's current
// etag matches it (a value of 0 means "the document must not already
// exist"). The returned etag is the version just written.
func (s *Store) Put(ctx context.Context, key string, expectedEtag *uint64, body []byte) (uint64, error) {
	doc, err := blitval.New(body)
	if err != nil {
		return 0, fmt.Errorf("docstore: %w", err)
	}

	wtx, err := s.env.BeginWrite(ctx)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			wtx.Close()
		}
	}()

	docs, err := wtx.Tree(ctx, treeDocs)
	if err != nil {
		return 0, err
	}
	etagToKey, err := wtx.Tree(ctx, treeEtagToKey)
	if err != nil {
		return 0, err
	}

	folded := foldKey(key)
	existingRaw, exists, err := docs.Get(ctx, []byte(folded))
	if err != nil {
		return 0, err
	}
	var existing docRecord
	if exists {
		existing, err = decodeDocRecord(existingRaw)
		if err != nil {
			return 0, err
		}
	}
	if err := checkExpectedEtag(expectedEtag, exists, existing.etag); err != nil {
		return 0, err
	}

	collection, _ := CollectionOf(doc)
	stamped, err := doc.WithField(metadataLastModified, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("docstore: %w", err)
	}

	newEtag := wtx.NextEtag()

	if exists {
		if _, err := etagToKey.Delete(ctx, etagKey(existing.etag)); err != nil {
			return 0, err
		}
		oldCollTree, err := wtx.Tree(ctx, collectionEtagTree(existing.collection))
		if err != nil {
			return 0, err
		}
		if _, err := oldCollTree.Delete(ctx, etagKey(existing.etag)); err != nil {
			return 0, err
		}
		if err := wtx.SaveTree(ctx, oldCollTree); err != nil {
			return 0, err
		}

		if existing.collection != collection {
			tombTree, err := wtx.Tree(ctx, collectionTombstoneTree(existing.collection))
			if err != nil {
				return 0, err
			}
			tomb := tombstoneRecord{
				originalKey: existing.originalKey,
				etag:        newEtag,
				deletedEtag: existing.etag,
				collection:  existing.collection,
			}
			if err := tombTree.Put(ctx, etagKey(newEtag), encodeTombstone(tomb)); err != nil {
				return 0, err
			}
			if err := wtx.SaveTree(ctx, tombTree); err != nil {
				return 0, err
			}
		}
	}

	rec := docRecord{originalKey: key, etag: newEtag, collection: collection, body: stamped.Bytes()}
	if err := docs.Put(ctx, []byte(folded), encodeDocRecord(rec)); err != nil {
		return 0, err
	}
	if err := etagToKey.Put(ctx, etagKey(newEtag), []byte(folded)); err != nil {
		return 0, err
	}
	collTree, err := wtx.Tree(ctx, collectionEtagTree(collection))
	if err != nil {
		return 0, err
	}
	if err := collTree.Put(ctx, etagKey(newEtag), []byte(folded)); err != nil {
		return 0, err
	}
	if err := wtx.SaveTree(ctx, collTree); err != nil {
		return 0, err
	}

	if err := s.recordCollection(ctx, wtx, collection); err != nil {
		return 0, err
	}
	if err := wtx.SaveTree(ctx, docs); err != nil {
		return 0, err
	}
	if err := wtx.SaveTree(ctx, etagToKey); err != nil {
		return 0, err
	}

	if err := wtx.Commit(ctx); err != nil {
		return 0, err
	}
	committed = true
	if err := s.changes.Advance(newEtag); err != nil {
		s.log.Warningf("docstore: advancing change signal to %d: %v", newEtag, err)
	}
	return newEtag, nil
}

// Delete removes key, leaving a tombstone behind so indexers can catch
// up. expectedEtag is checked the same way as Put.
func (s *Store) Delete(ctx context.Context, key string, expectedEtag *uint64) (uint64, error) {
	wtx, err := s.env.BeginWrite(ctx)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			wtx.Close()
		}
	}()

	docs, err := wtx.Tree(ctx, treeDocs)
	if err != nil {
		return 0, err
	}
	etagToKey, err := wtx.Tree(ctx, treeEtagToKey)
	if err != nil {
		return 0, err
	}

	folded := foldKey(key)
	existingRaw, exists, err := docs.Get(ctx, []byte(folded))
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrNotFound
	}
	existing, err := decodeDocRecord(existingRaw)
	if err != nil {
		return 0, err
	}
	if err := checkExpectedEtag(expectedEtag, true, existing.etag); err != nil {
		return 0, err
	}

	newEtag := wtx.NextEtag()

	if _, err := docs.Delete(ctx, []byte(folded)); err != nil {
		return 0, err
	}
	if _, err := etagToKey.Delete(ctx, etagKey(existing.etag)); err != nil {
		return 0, err
	}
	collTree, err := wtx.Tree(ctx, collectionEtagTree(existing.collection))
	if err != nil {
		return 0, err
	}
	if _, err := collTree.Delete(ctx, etagKey(existing.etag)); err != nil {
		return 0, err
	}
	if err := wtx.SaveTree(ctx, collTree); err != nil {
		return 0, err
	}

	tombTree, err := wtx.Tree(ctx, collectionTombstoneTree(existing.collection))
	if err != nil {
		return 0, err
	}
	tomb := tombstoneRecord{
		originalKey: existing.originalKey,
		etag:        newEtag,
		deletedEtag: existing.etag,
		collection:  existing.collection,
	}
	if err := tombTree.Put(ctx, etagKey(newEtag), encodeTombstone(tomb)); err != nil {
		return 0, err
	}
	if err := wtx.SaveTree(ctx, tombTree); err != nil {
		return 0, err
	}

	if err := wtx.SaveTree(ctx, docs); err != nil {
		return 0, err
	}
	if err := wtx.SaveTree(ctx, etagToKey); err != nil {
		return 0, err
	}

	if err := wtx.Commit(ctx); err != nil {
		return 0, err
	}
	committed = true
	if err := s.changes.Advance(newEtag); err != nil {
		s.log.Warningf("docstore: advancing change signal to %d: %v", newEtag, err)
	}
	return newEtag, nil
}

// Get looks up key by its case-insensitive identity.
func (s *Store) Get(ctx context.Context, key string) (Document, bool, error) {
	rtx, err := s.env.BeginRead(ctx)
	if err != nil {
		return Document{}, false, err
	}
	defer rtx.Close()

	docs, ok, err := rtx.Tree(ctx, treeDocs)
	if err != nil || !ok {
		return Document{}, false, err
	}
	raw, ok, err := docs.Get(ctx, []byte(foldKey(key)))
	if err != nil || !ok {
		return Document{}, false, err
	}
	rec, err := decodeDocRecord(raw)
	if err != nil {
		return Document{}, false, err
	}
	return docFromRecord(rec)
}

// GetDocumentsAfter range-scans the etag-ordered feed for collection
// (or the global feed if collection is nil) starting just after etag,
// returning at most take documents.
func (s *Store) GetDocumentsAfter(ctx context.Context, collection *string, etag uint64, take int) ([]Document, error) {
	rtx, err := s.env.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer rtx.Close()

	treeName := treeEtagToKey
	if collection != nil {
		treeName = collectionEtagTree(*collection)
	}
	feed, ok, err := rtx.Tree(ctx, treeName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	docs, ok, err := rtx.Tree(ctx, treeDocs)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	cur, err := feed.Scan(ctx, etagKey(etag+1))
	if err != nil {
		return nil, err
	}

	var out []Document
	for len(out) < take {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, foldedKey, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		raw, ok, err := docs.Get(ctx, foldedKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // document was superseded and its old etag entry not yet cleaned up
		}
		rec, err := decodeDocRecord(raw)
		if err != nil {
			return nil, err
		}
		doc, _, err := docFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// GetTombstonesAfter range-scans a collection's tombstone feed starting
// just after etag, returning at most take tombstones.
func (s *Store) GetTombstonesAfter(ctx context.Context, collection string, etag uint64, take int) ([]Tombstone, error) {
	rtx, err := s.env.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer rtx.Close()

	tree, ok, err := rtx.Tree(ctx, collectionTombstoneTree(collection))
	if err != nil || !ok {
		return nil, err
	}
	cur, err := tree.Scan(ctx, etagKey(etag+1))
	if err != nil {
		return nil, err
	}

	var out []Tombstone
	for len(out) < take {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, val, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		rec, err := decodeTombstone(val)
		if err != nil {
			return nil, err
		}
		out = append(out, Tombstone{
			Key:         rec.originalKey,
			Etag:        rec.etag,
			DeletedEtag: rec.deletedEtag,
			Collection:  rec.collection,
		})
	}
	return out, nil
}

// Collections returns every collection name observed by a write so far.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rtx, err := s.env.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer rtx.Close()

	tree, ok, err := rtx.Tree(ctx, treeCollections)
	if err != nil || !ok {
		return nil, err
	}
	cur, err := tree.Scan(ctx, nil)
	if err != nil {
		return nil, err
	}
	var out []string
	for {
		key, _, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, string(key))
	}
}

func (s *Store) recordCollection(ctx context.Context, wtx *env.WriteTx, collection string) error {
	tree, err := wtx.Tree(ctx, treeCollections)
	if err != nil {
		return err
	}
	if _, ok, err := tree.Get(ctx, []byte(collection)); err != nil {
		return err
	} else if ok {
		return nil
	}
	if err := tree.Put(ctx, []byte(collection), nil); err != nil {
		return err
	}
	return wtx.SaveTree(ctx, tree)
}

func checkExpectedEtag(expected *uint64, exists bool, currentEtag uint64) error {
	if expected == nil {
		return nil
	}
	if *expected == 0 {
		if exists {
			return ErrConcurrencyConflict
		}
		return nil
	}
	if !exists || currentEtag != *expected {
		return ErrConcurrencyConflict
	}
	return nil
}

func docFromRecord(rec docRecord) (Document, bool, error) {
	body, err := blitval.New(rec.body)
	if err != nil {
		return Document{}, false, fmt.Errorf("docstore: %w", err)
	}
	return Document{
		Key:        rec.originalKey,
		Etag:       rec.etag,
		Collection: rec.collection,
		Body:       body,
	}, true, nil
}
