// Package indexing runs the background worker that keeps a persisted
// projection of a document store's collections up to date: mapping
// newly committed documents in, and cleaning up documents that were
// later deleted.
package indexing

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/ravendoc/docstore/docstore"
	"github.com/ravendoc/docstore/env"
	"github.com/ravendoc/docstore/logger"
	"github.com/ravendoc/docstore/metrics"
)

// ErrCancelled is returned by a map or cleanup pass cut short by the
// worker's context being cancelled.
var ErrCancelled = errors.New("indexing: cancelled")

// ErrResourceExhausted is the sentinel a IndexingPersistence
// implementation returns from Write or Delete to signal that it ran
// out of a resource (memory, disk, an open-file cap) rather than
// rejecting the specific document. Unlike an ordinary per-document
// write error, this aborts the whole pass without advancing past the
// document that triggered it.
var ErrResourceExhausted = errors.New("indexing: persistence resource exhausted")

const (
	treeEtagsMap       = "Etags.Map"
	treeEtagsTombstone = "Etags.Tombstone"
	treeStats          = "Stats"

	defaultBatchSize = 128
)

// IndexingPersistence is the seam an indexing engine writes its
// projection through. It never sees etags or transactions: the engine
// owns all of that bookkeeping and only ever hands over a resolved
// document, or the key of one to remove.
type IndexingPersistence interface {
	Write(doc docstore.Document) error
	Delete(key string) error
}

// Options configures a new Index.
type Options struct {
	// Name identifies the index in logs and metrics.
	Name string
	// Env configures the index's own environment, where it tracks how
	// far it has mapped and cleaned up each collection.
	Env *env.Options
	// Collections lists the document collections this index covers.
	Collections []string
	// DocumentProcessingTimeout bounds how long a single map pass over
	// one collection may run before yielding back to the loop.
	DocumentProcessingTimeout time.Duration
	// TombstoneProcessingTimeout bounds how long a single cleanup pass
	// over one collection may run before yielding back to the loop.
	TombstoneProcessingTimeout time.Duration
	// BatchSize controls how many documents or tombstones are read
	// from the store per underlying call. Defaults to 128.
	BatchSize int
}

// Index runs a single background indexer against a docstore.Store,
// projecting each of its configured collections through a
// IndexingPersistence implementation.
type Index struct {
	name        string
	env         *env.Environment
	store       *docstore.Store
	collections []string
	persistence IndexingPersistence
	log         logger.Logger

	documentTimeout  time.Duration
	tombstoneTimeout time.Duration
	batchSize        int

	metricsByCollection map[string]*metrics.Index

	cancel context.CancelFunc
	done   chan struct{}
}

// Open opens or creates the index's own environment and prepares it to
// run against store, but does not start its worker — call Start.
func Open(opts Options, store *docstore.Store, persistence IndexingPersistence, log logger.Logger, m *metrics.Env) (*Index, error) {
	e, err := env.Open(opts.Env, log, m)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Noop
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	byCollection := make(map[string]*metrics.Index, len(opts.Collections))
	for _, c := range opts.Collections {
		byCollection[c] = metrics.ForIndex(opts.Name, c)
	}

	idx := &Index{
		name:                opts.Name,
		env:                 e,
		store:               store,
		collections:         opts.Collections,
		persistence:         persistence,
		log:                 log,
		documentTimeout:     opts.DocumentProcessingTimeout,
		tombstoneTimeout:    opts.TombstoneProcessingTimeout,
		batchSize:           batchSize,
		metricsByCollection: byCollection,
	}
	if idx.documentTimeout <= 0 {
		idx.documentTimeout = 5 * time.Second
	}
	if idx.tombstoneTimeout <= 0 {
		idx.tombstoneTimeout = 5 * time.Second
	}
	if err := idx.stampStats(context.Background()); err != nil {
		e.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) metricsFor(collection string) *metrics.Index {
	if m, ok := idx.metricsByCollection[collection]; ok {
		return m
	}
	m := metrics.ForIndex(idx.name, collection)
	idx.metricsByCollection[collection] = m
	return m
}

// stampStats records the index's identity in its own environment on
// first open, so an operator inspecting the index's files out of band
// can tell what it is without cross-referencing configuration.
func (idx *Index) stampStats(ctx context.Context) error {
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

	stats, err := wtx.Tree(ctx, treeStats)
	if err != nil {
		return err
	}
	if _, ok, err := stats.Get(ctx, []byte("Name")); err != nil {
		return err
	} else if ok {
		return nil
	}
	if err := stats.Put(ctx, []byte("Name"), []byte(idx.name)); err != nil {
		return err
	}
	if err := wtx.SaveTree(ctx, stats); err != nil {
		return err
	}
	if err := wtx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// Start launches the index's worker goroutine. It runs until ctx is
// cancelled or Close is called.
func (idx *Index) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	idx.cancel = cancel
	idx.done = make(chan struct{})
	go idx.run(workerCtx)
}

// Close cancels the worker and waits for it to exit before releasing
// the index's environment.
func (idx *Index) Close() error {
	if idx.cancel != nil {
		idx.cancel()
		<-idx.done
	}
	return idx.env.Close()
}

// run is the worker's execution loop: for each configured collection,
// clean up tombstones and map new documents, then block until the
// document store signals a further change. Capturing the change
// watermark before the pass, rather than resetting a flag afterward,
// gives the same no-missed-wakeup guarantee: any commit that lands
// during the pass has already advanced the hub past the wait target
// by the time run reaches WaitFor.
func (idx *Index) run(ctx context.Context) {
	defer close(idx.done)
	for {
		if ctx.Err() != nil {
			return
		}
		waitFrom := idx.store.Environment().GlobalEtag()

		progressed := false
		for _, collection := range idx.collections {
			if ctx.Err() != nil {
				return
			}
			cleaned, err := idx.cleanupCollection(ctx, collection)
			if err != nil && !errors.Is(err, ErrCancelled) {
				idx.log.Warningf("indexing[%s]: cleanup %s: %v", idx.name, collection, err)
			}
			mapped, err := idx.mapCollection(ctx, collection)
			if err != nil && !errors.Is(err, ErrCancelled) {
				idx.log.Warningf("indexing[%s]: map %s: %v", idx.name, collection, err)
			}
			progressed = progressed || cleaned || mapped
		}
		if progressed {
			continue
		}

		if err := idx.store.Changes().WaitFor(ctx, waitFrom+1); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			idx.log.Warningf("indexing[%s]: waiting for changes: %v", idx.name, err)
			return
		}
	}
}

// mapCollection advances collection's map watermark past every
// document committed since the last pass, writing each one through
// the persistence layer. It reports whether the watermark moved.
func (idx *Index) mapCollection(ctx context.Context, collection string) (bool, error) {
	lastMapped, err := idx.readEtag(ctx, treeEtagsMap, collection)
	if err != nil {
		return false, err
	}
	idx.metricsFor(collection).SetLag(int64(idx.store.Environment().GlobalEtag()) - int64(lastMapped))

	deadline := time.Now().Add(idx.documentTimeout)
	cur := lastMapped
	for {
		if ctx.Err() != nil {
			return cur != lastMapped, ErrCancelled
		}
		if time.Now().After(deadline) {
			break
		}
		collectionName := collection
		batch, err := idx.store.GetDocumentsAfter(ctx, &collectionName, cur, idx.batchSize)
		if err != nil {
			return cur != lastMapped, err
		}
		if len(batch) == 0 {
			break
		}
		for _, doc := range batch {
			if ctx.Err() != nil {
				return cur != lastMapped, ErrCancelled
			}
			if err := idx.persistence.Write(doc); err != nil {
				if errors.Is(err, ErrResourceExhausted) {
					// TODO: back off and retry the pass instead of giving
					// up on the collection until the next change signal.
					return cur != lastMapped, err
				}
				idx.log.Warningf("indexing[%s]: write %s: %v", idx.name, doc.Key, err)
			} else {
				idx.metricsFor(collection).DocumentMapped()
			}
			cur = doc.Etag
		}
		if len(batch) < idx.batchSize {
			break
		}
	}

	if cur == lastMapped {
		return false, nil
	}
	if err := idx.writeEtag(ctx, treeEtagsMap, collection, cur); err != nil {
		return false, err
	}
	return true, nil
}

// cleanupCollection advances collection's tombstone watermark past
// every tombstone committed since the last pass, deleting from the
// persistence layer any document that had actually been mapped.
// Tombstones for documents this index never mapped in the first place
// still advance the watermark, they just skip the Delete call.
func (idx *Index) cleanupCollection(ctx context.Context, collection string) (bool, error) {
	lastTomb, err := idx.readEtag(ctx, treeEtagsTombstone, collection)
	if err != nil {
		return false, err
	}
	lastMapped, err := idx.readEtag(ctx, treeEtagsMap, collection)
	if err != nil {
		return false, err
	}

	deadline := time.Now().Add(idx.tombstoneTimeout)
	cur := lastTomb
	for {
		if ctx.Err() != nil {
			return cur != lastTomb, ErrCancelled
		}
		if time.Now().After(deadline) {
			break
		}
		batch, err := idx.store.GetTombstonesAfter(ctx, collection, cur, idx.batchSize)
		if err != nil {
			return cur != lastTomb, err
		}
		if len(batch) == 0 {
			break
		}
		for _, tomb := range batch {
			if ctx.Err() != nil {
				return cur != lastTomb, ErrCancelled
			}
			if tomb.DeletedEtag <= lastMapped {
				if err := idx.persistence.Delete(tomb.Key); err != nil {
					if errors.Is(err, ErrResourceExhausted) {
						// TODO: back off and retry the pass instead of giving
						// up on the collection until the next change signal.
						return cur != lastTomb, err
					}
					idx.log.Warningf("indexing[%s]: delete %s: %v", idx.name, tomb.Key, err)
				} else {
					idx.metricsFor(collection).TombstoneCleaned()
				}
			}
			cur = tomb.Etag
		}
		if len(batch) < idx.batchSize {
			break
		}
	}

	if cur == lastTomb {
		return false, nil
	}
	if err := idx.writeEtag(ctx, treeEtagsTombstone, collection, cur); err != nil {
		return false, err
	}
	return true, nil
}

// IsStale reports whether any covered collection has documents or
// tombstones committed to the store that this index has not yet
// caught up to.
func (idx *Index) IsStale(ctx context.Context) (bool, error) {
	for _, collection := range idx.collections {
		lastMapped, err := idx.readEtag(ctx, treeEtagsMap, collection)
		if err != nil {
			return false, err
		}
		collectionName := collection
		pending, err := idx.store.GetDocumentsAfter(ctx, &collectionName, lastMapped, 1)
		if err != nil {
			return false, err
		}
		if len(pending) > 0 {
			return true, nil
		}

		lastTomb, err := idx.readEtag(ctx, treeEtagsTombstone, collection)
		if err != nil {
			return false, err
		}
		tombs, err := idx.store.GetTombstonesAfter(ctx, collection, lastTomb, 1)
		if err != nil {
			return false, err
		}
		if len(tombs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (idx *Index) readEtag(ctx context.Context, tree, collection string) (uint64, error) {
	rtx, err := idx.env.BeginRead(ctx)
	if err != nil {
		return 0, err
	}
	defer rtx.Close()

	t, ok, err := rtx.Tree(ctx, tree)
	if err != nil || !ok {
		return 0, err
	}
	val, ok, err := t.Get(ctx, []byte(collection))
	if err != nil || !ok {
		return 0, err
	}
	if len(val) < 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(val), nil
}

func (idx *Index) writeEtag(ctx context.Context, tree, collection string, etag uint64) error {
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

	t, err := wtx.Tree(ctx, tree)
	if err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], etag)
	if err := t.Put(ctx, []byte(collection), buf[:]); err != nil {
		return err
	}
	if err := wtx.SaveTree(ctx, t); err != nil {
		return err
	}
	if err := wtx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}
