// Package env ties the pager, free-space manager, transaction manager
// and tree together into one document-database core instance: the
// double-buffered header, startup recovery, and the fail-fast faulted
// state a resource-level IO error puts the whole environment into.
package env

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ravendoc/docstore/btree"
	"github.com/ravendoc/docstore/freespace"
	"github.com/ravendoc/docstore/logger"
	"github.com/ravendoc/docstore/metrics"
	"github.com/ravendoc/docstore/pager"
	"github.com/ravendoc/docstore/txn"
)

// ErrFaulted is returned by every public call once the environment has
// hit an unrecoverable IO error and refuses further work.
var ErrFaulted = errors.New("env: environment is faulted")

// Environment is one instance of the storage core: a pager, a
// free-space manager, a transaction manager, and the root tree's
// persisted state. The indexing engine gives each index its own
// Environment rooted at its own directory.
type Environment struct {
	opts    *Options
	pgr     pager.Pager
	free    *freespace.Manager
	txm     *txn.Manager
	log     logger.Logger
	metrics *metrics.Env

	faulted atomic.Bool

	mu          sync.Mutex
	slot        uint64
	generation  uint64
	globalEtag  uint64
	rootState   btree.TreeState
	pendingRoot btree.TreeState
	pendingEtag uint64
}

// Open opens or creates an environment at opts.Path (or a memory-only
// pager if Path is empty), recovering the most recent valid header.
func Open(opts *Options, log logger.Logger, m *metrics.Env) (*Environment, error) {
	if err := validOptions(opts); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Noop
	}
	if m == nil {
		m = metrics.ForEnv(opts.metricsName())
	}

	var pgr pager.Pager
	var err error
	if opts.memoryOnly() {
		pgr = pager.NewMemPager(opts.pageSize)
		if err := pgr.EnsureContinuous(context.Background(), 0, freespace.HeaderPages); err != nil {
			return nil, err
		}
	} else {
		pgr, err = pager.Open(opts.path, opts.pageSize, freespace.HeaderPages, opts.minIncrease, opts.maxIncrease, log, m)
		if err != nil {
			return nil, err
		}
	}

	e := &Environment{opts: opts, pgr: pgr, log: log, metrics: m}

	h0, err0 := e.readHeaderSlot(0)
	h1, err1 := e.readHeaderSlot(1)

	var h header
	var slot uint64
	var free *freespace.Manager

	switch {
	case err0 == nil && err1 == nil:
		if h1.Generation > h0.Generation {
			h, slot = h1, 1
		} else {
			h, slot = h0, 0
		}
		free = freespace.New(pgr, opts.sectionSize, e.recoverNumSections(), m)
	case err0 == nil:
		h, slot = h0, 0
		free = freespace.New(pgr, opts.sectionSize, e.recoverNumSections(), m)
	case err1 == nil:
		h, slot = h1, 1
		free = freespace.New(pgr, opts.sectionSize, e.recoverNumSections(), m)
	default:
		h, slot, free, err = e.bootstrap()
		if err != nil {
			return nil, err
		}
	}

	e.free = free
	e.slot = slot
	e.generation = h.Generation
	e.globalEtag = h.GlobalEtag
	e.rootState = h.RootState
	e.pendingRoot = h.RootState
	e.pendingEtag = h.GlobalEtag

	e.txm = txn.New(pgr, free, h.RootState.Root, h.CommitID, e.publish, log, m)
	return e, nil
}

func (e *Environment) recoverNumSections() uint64 {
	pages := e.pgr.NumAllocatedPages()
	if pages <= freespace.HeaderPages {
		return 0
	}
	return (pages - freespace.HeaderPages) / freespace.SectionPages(e.opts.sectionSize)
}

func (e *Environment) readHeaderSlot(slot uint64) (header, error) {
	buf, err := e.pgr.AcquirePage(slot)
	if err != nil {
		return header{}, err
	}
	return decodeHeader(buf)
}

// bootstrapSource is a raw btree.PageSource used exactly once, to
// allocate and write the very first (empty) root tree page before any
// transaction manager exists to mediate access to the pager.
type bootstrapSource struct {
	pgr       pager.Pager
	free      *freespace.Manager
	allocated map[uint64][]byte
}

func (s *bootstrapSource) PageSize() int { return s.pgr.PageSize() }
func (s *bootstrapSource) Read(_ context.Context, pageNo uint64) ([]byte, error) {
	if buf, ok := s.allocated[pageNo]; ok {
		return buf, nil
	}
	return s.pgr.AcquirePage(pageNo)
}
func (s *bootstrapSource) Touch(context.Context, uint64) (uint64, []byte, error) {
	return 0, nil, fmt.Errorf("env: bootstrap does not support touching pages")
}
func (s *bootstrapSource) Alloc(ctx context.Context, n uint64) (uint64, []byte, error) {
	pageNo, err := s.free.TryAllocate(ctx, n)
	if err != nil {
		return 0, nil, err
	}
	buf := make([]byte, s.pgr.PageSize())
	s.allocated[pageNo] = buf
	return pageNo, buf, nil
}
func (s *bootstrapSource) Free(context.Context, uint64) error {
	return fmt.Errorf("env: bootstrap does not support freeing pages")
}

func (s *bootstrapSource) flush() error {
	for pageNo, buf := range s.allocated {
		if err := s.pgr.WriteDirect(buf, int64(pageNo)*int64(s.pgr.PageSize())); err != nil {
			return err
		}
	}
	return nil
}

func (e *Environment) bootstrap() (header, uint64, *freespace.Manager, error) {
	free := freespace.New(e.pgr, e.opts.sectionSize, 0, e.metrics)
	src := &bootstrapSource{pgr: e.pgr, free: free, allocated: make(map[uint64][]byte)}

	rootTree, err := btree.Create(context.Background(), src, "root")
	if err != nil {
		return header{}, 0, nil, err
	}
	if err := src.flush(); err != nil {
		return header{}, 0, nil, err
	}

	h := header{
		PageSize:      uint32(e.pgr.PageSize()),
		SchemaVersion: e.opts.schemaVersion,
		RootState:     rootTree.State(),
		Generation:    1,
	}
	if err := e.pgr.WriteDirect(encodeHeader(h), 0); err != nil {
		return header{}, 0, nil, err
	}
	if err := e.pgr.Sync(); err != nil {
		return header{}, 0, nil, err
	}
	return h, 0, free, nil
}

// publish is the txn.PublishFunc: it writes the inactive header slot
// with the transaction's finished root state and etag, fsyncs it, then
// flips the active slot — spec.md's commit order of data-fsync, header
// write, header-fsync, slot swap.
func (e *Environment) publish(_ context.Context, root uint64, commitID uint64) error {
	e.mu.Lock()
	state := e.pendingRoot
	etag := e.pendingEtag
	nextSlot := 1 - e.slot
	nextGen := e.generation + 1
	e.mu.Unlock()

	if state.Root != root {
		state.Root = root
	}

	h := header{
		PageSize:      uint32(e.pgr.PageSize()),
		SchemaVersion: e.opts.schemaVersion,
		RootState:     state,
		GlobalEtag:    etag,
		CommitID:      commitID,
		Generation:    nextGen,
	}
	pos := int64(nextSlot) * int64(e.pgr.PageSize())
	if err := e.pgr.WriteDirect(encodeHeader(h), pos); err != nil {
		e.fault(err)
		return err
	}
	if err := e.pgr.Sync(); err != nil {
		e.fault(err)
		return err
	}

	e.mu.Lock()
	e.rootState = state
	e.globalEtag = etag
	e.generation = nextGen
	e.slot = nextSlot
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SetTreeDepth("root", int(state.Depth))
		e.metrics.SetTreeEntries("root", int(state.Entries))
	}
	return nil
}

func (e *Environment) fault(err error) {
	e.faulted.Store(true)
	e.log.Errorf("env: faulted: %v", err)
}

func (e *Environment) checkFaulted() error {
	if e.faulted.Load() {
		return ErrFaulted
	}
	return nil
}

// RootState returns the root tree's most recently published state.
func (e *Environment) RootState() btree.TreeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rootState
}

// GlobalEtag returns the most recently committed global etag counter.
func (e *Environment) GlobalEtag() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.globalEtag
}

// ReadTx is a read-only transaction plus the root tree TreeState as it
// stood at the moment this transaction registered itself with the
// reader registry. Capturing RootState only after Begin has recorded
// this reader's commit id matters: reading it before risks pairing an
// older reader registration with a newer root, which would let the
// free-space manager reclaim a page this snapshot still depends on.
type ReadTx struct {
	*txn.Tx
	rootState btree.TreeState
}

// RootState returns the root tree state this snapshot is pinned to.
func (r *ReadTx) RootState() btree.TreeState { return r.rootState }

// Tree opens a named tree read-only against this transaction's pinned
// snapshot.
func (r *ReadTx) Tree(ctx context.Context, name string) (*btree.Tree, bool, error) {
	return OpenTree(ctx, r.Tx, r.rootState, name)
}

// BeginRead opens a read-only transaction pinned to the last committed
// snapshot at the moment it registers as a reader.
func (e *Environment) BeginRead(ctx context.Context) (*ReadTx, error) {
	if err := e.checkFaulted(); err != nil {
		return nil, err
	}
	tx, err := e.txm.Begin(ctx, txn.ReadOnly)
	if err != nil {
		return nil, err
	}
	return &ReadTx{Tx: tx, rootState: e.RootState()}, nil
}

// WriteTx is a write transaction plus the root tree opened on top of
// it and the etag allocator docstore uses to stamp new document
// versions.
type WriteTx struct {
	*txn.Tx
	env      *Environment
	rootTree *btree.Tree
	etag     uint64
}

// BeginWrite opens the single write transaction slot.
func (e *Environment) BeginWrite(ctx context.Context) (*WriteTx, error) {
	if err := e.checkFaulted(); err != nil {
		return nil, err
	}
	tx, err := e.txm.Begin(ctx, txn.ReadWrite)
	if err != nil {
		return nil, err
	}
	return &WriteTx{Tx: tx, env: e, etag: e.GlobalEtag()}, nil
}

// RootTree returns the root tree opened for mutation within this
// transaction, creating it on first use.
func (w *WriteTx) RootTree() *btree.Tree {
	if w.rootTree == nil {
		w.rootTree = btree.Open(w.Tx, "root", w.env.RootState())
		w.rootTree.SetMetrics(w.env.metrics)
	}
	return w.rootTree
}

// NextEtag allocates the next global etag value for a document write
// within this transaction.
func (w *WriteTx) NextEtag() uint64 {
	w.etag++
	return w.etag
}

// Commit finalizes the root tree's state (if it was opened) and etag
// allocations into the environment header, then commits the
// underlying page transaction.
func (w *WriteTx) Commit(ctx context.Context) error {
	w.env.mu.Lock()
	if w.rootTree != nil {
		w.env.pendingRoot = w.rootTree.State()
	} else {
		w.env.pendingRoot = w.env.rootState
	}
	w.env.pendingEtag = w.etag
	w.env.mu.Unlock()

	if w.rootTree != nil {
		w.Tx.SetRoot(w.rootTree.State().Root)
	}
	return w.Tx.Commit(ctx)
}

// Tree opens a named tree from the root tree's index, or creates one
// if it does not yet exist.
func (w *WriteTx) Tree(ctx context.Context, name string) (*btree.Tree, error) {
	root := w.RootTree()
	if val, ok, err := root.Get(ctx, []byte(name)); err != nil {
		return nil, err
	} else if ok {
		state, err := btree.DecodeTreeState(val)
		if err != nil {
			return nil, err
		}
		t := btree.Open(w.Tx, name, state)
		t.SetMetrics(w.env.metrics)
		return t, nil
	}

	t, err := btree.Create(ctx, w.Tx, name)
	if err != nil {
		return nil, err
	}
	t.SetMetrics(w.env.metrics)
	if err := root.Put(ctx, []byte(name), t.State().Encode()); err != nil {
		return nil, err
	}
	return t, nil
}

// SaveTree persists a named tree's current state back into the root
// tree; callers must call this after mutating any tree they opened via
// Tree, before Commit.
func (w *WriteTx) SaveTree(ctx context.Context, t *btree.Tree) error {
	return w.RootTree().Put(ctx, []byte(t.Name()), t.State().Encode())
}

// OpenTree opens a named tree read-only from a snapshot.
func OpenTree(ctx context.Context, src btree.PageSource, rootState btree.TreeState, name string) (*btree.Tree, bool, error) {
	root := btree.Open(src, "root", rootState)
	val, ok, err := root.Get(ctx, []byte(name))
	if err != nil || !ok {
		return nil, ok, err
	}
	state, err := btree.DecodeTreeState(val)
	if err != nil {
		return nil, false, err
	}
	return btree.Open(src, name, state), true, nil
}

// Check walks every tree reachable from the root tree, verifying that
// every page decodes and every branch's children are reachable. It
// takes no locks beyond a read transaction's snapshot.
func (e *Environment) Check(ctx context.Context) error {
	if err := e.checkFaulted(); err != nil {
		return err
	}
	tx, err := e.BeginRead(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()

	root := btree.Open(tx, "root", tx.RootState())
	if err := checkTree(ctx, root); err != nil {
		return fmt.Errorf("env: root tree: %w", err)
	}

	cur, err := root.Scan(ctx, nil)
	if err != nil {
		return err
	}
	for {
		name, val, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		state, err := btree.DecodeTreeState(val)
		if err != nil {
			return fmt.Errorf("env: tree %q: %w", name, err)
		}
		t := btree.Open(tx, string(name), state)
		if err := checkTree(ctx, t); err != nil {
			return fmt.Errorf("env: tree %q: %w", name, err)
		}
	}
	return nil
}

func checkTree(ctx context.Context, t *btree.Tree) error {
	cur, err := t.Scan(ctx, nil)
	if err != nil {
		return err
	}
	for {
		_, _, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// Close releases the environment's pager resources.
func (e *Environment) Close() error {
	return e.pgr.Dispose()
}
