package vordb

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alexhholmes/vordb/internal/base"
	"github.com/alexhholmes/vordb/internal/btree"
	"github.com/alexhholmes/vordb/internal/cursorcache"
	"github.com/alexhholmes/vordb/internal/diff"
	"github.com/alexhholmes/vordb/internal/journal"
	"github.com/alexhholmes/vordb/internal/pager"
	"github.com/alexhholmes/vordb/internal/pagetable"
)

// Tx represents a transaction on the environment.
//
// CONCURRENCY: Transactions are NOT thread-safe and must only be used by a single
// goroutine at a time.
//
// A read transaction sees the state committed when it began for its whole
// lifetime. Only one write transaction is active at a time; it sees its own
// changes and publishes them atomically on Commit.
type Tx struct {
	env      *Env
	state    base.TxState // Readers: the snapshot, writers: the state being built
	writable bool
	done     bool

	pages   *txPages
	catalog *btree.Tree // nil until the first tree is created
	trees   map[string]*Tree

	unregister func() // Reader slot release, nil for writers
}

func newTx(env *Env, state base.TxState, snapshot uint64, pstate *pager.State, unregister func()) *Tx {
	writable := unregister == nil
	tx := &Tx{
		env:        env,
		state:      state,
		writable:   writable,
		pages:      newTxPages(env, snapshot, pstate, writable),
		trees:      make(map[string]*Tree),
		unregister: unregister,
	}
	if state.Catalog.Root != 0 {
		tx.catalog = btree.Open(tx.pages, state.Catalog, tx.newCache())
	}
	return tx
}

func (tx *Tx) newCache() *cursorcache.Cache {
	return cursorcache.New(tx.env.opts.cursorCacheSize)
}

// ID returns the transaction id: the snapshot for readers, the id the
// commit will publish for writers.
func (tx *Tx) ID() uint64 {
	return tx.state.TxnID
}

// Timestamp returns the commit time of the snapshot a reader sees.
func (tx *Tx) Timestamp() time.Time {
	return time.Unix(0, tx.state.Timestamp)
}

func (tx *Tx) Writable() bool {
	return tx.writable
}

// check verifies the transaction is still usable.
func (tx *Tx) check() error {
	if tx.done {
		return ErrTxDone
	}
	return nil
}

func (tx *Tx) checkWritable() error {
	if err := tx.check(); err != nil {
		return err
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	return nil
}

// lookupHeader finds the committed header of a tree. Read transactions
// share headers through the environment cache; the key includes the
// snapshot so later commits never need to invalidate it.
func (tx *Tx) lookupHeader(name string) (base.TreeHeader, bool, error) {
	key := treeKey{txn: tx.state.TxnID, name: name}
	if !tx.writable {
		if h, ok := tx.env.headers.Get(key); ok {
			return h, true, nil
		}
	}
	if tx.catalog == nil {
		return base.TreeHeader{}, false, nil
	}

	v, ok, err := tx.catalog.Get([]byte(name))
	if err != nil || !ok {
		return base.TreeHeader{}, false, err
	}
	var h base.TreeHeader
	if err := h.Decode(v); err != nil {
		return base.TreeHeader{}, false, fmt.Errorf("%w: tree %q: %w", ErrCorruption, name, err)
	}
	if !tx.writable {
		tx.env.headers.Add(key, h)
	}
	return h, true, nil
}

// ReadTree returns the named tree. Returns ErrTreeNotFound if it does not
// exist.
func (tx *Tx) ReadTree(name string) (*Tree, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if t, ok := tx.trees[name]; ok {
		return t, nil
	}

	h, ok, err := tx.lookupHeader(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTreeNotFound
	}
	if !tx.writable {
		tx.pages.prefetch(h.Root)
	}

	t := &Tree{tx: tx, name: name, bt: btree.Open(tx.pages, h, tx.newCache())}
	tx.trees[name] = t
	return t, nil
}

// CreateTree creates a new, empty tree.
// Returns ErrTreeExists if it already exists.
func (tx *Tx) CreateTree(name string) (*Tree, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, ErrTreeNameInvalid
	}
	if _, ok := tx.trees[name]; ok {
		return nil, ErrTreeExists
	}
	if _, ok, err := tx.lookupHeader(name); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrTreeExists
	}

	if tx.catalog == nil {
		catalog, err := btree.Create(tx.pages, tx.newCache())
		if err != nil {
			return nil, err
		}
		tx.catalog = catalog
	}

	bt, err := btree.Create(tx.pages, tx.newCache())
	if err != nil {
		return nil, err
	}
	if err := tx.putHeader(name, bt.Header()); err != nil {
		return nil, err
	}

	t := &Tree{tx: tx, name: name, bt: bt}
	tx.trees[name] = t
	return t, nil
}

// CreateTreeIfNotExists returns the named tree, creating it if needed.
func (tx *Tx) CreateTreeIfNotExists(name string) (*Tree, error) {
	t, err := tx.ReadTree(name)
	if errors.Is(err, ErrTreeNotFound) {
		return tx.CreateTree(name)
	}
	return t, err
}

// DeleteTree removes the named tree and frees all of its pages.
// Returns ErrTreeNotFound if it does not exist.
func (tx *Tx) DeleteTree(name string) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	t, err := tx.ReadTree(name)
	if err != nil {
		return err
	}

	if _, err := tx.catalog.Delete([]byte(name)); err != nil {
		return err
	}
	if err := t.bt.Drop(); err != nil {
		return err
	}
	t.dropped = true
	delete(tx.trees, name)
	return nil
}

// Trees returns the names of all trees in ascending order.
func (tx *Tx) Trees() ([]string, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if tx.catalog == nil {
		return nil, nil
	}

	var names []string
	it := tx.catalog.Iterator()
	for ok := it.First(); ok; ok = it.Next() {
		names = append(names, string(it.Key()))
	}
	return names, it.Err()
}

func (tx *Tx) putHeader(name string, h base.TreeHeader) error {
	buf := make([]byte, base.TreeHeaderSize)
	h.Encode(buf)
	return tx.catalog.Put([]byte(name), buf)
}

// Commit publishes every change made by the transaction. The transaction
// is done afterwards even when Commit fails; on failure nothing it changed
// is visible.
func (tx *Tx) Commit() error {
	if err := tx.checkWritable(); err != nil {
		return err
	}

	if err := tx.commit(); err != nil {
		tx.env.logger.Error("commit failed", "txn", tx.state.TxnID, "error", err)
		tx.env.pager.Rollback()
		tx.env.rollbacks.Add(1)
		tx.finish()
		return err
	}
	return nil
}

func (tx *Tx) commit() error {
	e := tx.env

	names := make([]string, 0, len(tx.trees))
	for name, t := range tx.trees {
		if t.bt.Dirty() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := tx.putHeader(name, tx.trees[name].bt.Header()); err != nil {
			return fmt.Errorf("tree %q: %w", name, err)
		}
	}
	if tx.catalog != nil {
		tx.state.Catalog = tx.catalog.Header()
	}

	// Nothing to publish: the id is not consumed
	if tx.pages.dirty.Len() == 0 && len(tx.pages.freed) == 0 {
		e.pager.Commit()
		tx.finish()
		return nil
	}

	if err := tx.persistFreelist(); err != nil {
		return fmt.Errorf("freelist: %w", err)
	}
	tx.state.NextPage = e.pager.NextPage()
	tx.state.Timestamp = e.clock.Now().UnixNano()

	entries, runs := tx.encode()
	if _, err := e.journal.Append(tx.state, entries); err != nil {
		if errors.Is(err, journal.ErrClosed) {
			e.fail(err)
		}
		return fmt.Errorf("journal append: %w", err)
	}

	e.table.Add(tx.state, runs)
	e.pager.Freelist().Pending(tx.state.TxnID, tx.pages.freed)
	e.pager.Commit()

	state := tx.state
	e.state.Store(&state)
	e.commits.Add(1)
	tx.finish()

	if !e.opts.manualFlush && e.table.Stats().Bytes >= e.opts.flushThreshold {
		select {
		case e.flushC <- struct{}{}:
		default:
		}
	}
	return nil
}

// persistFreelist writes every free and pending page, plus the pages this
// transaction frees, into the freelist run. A run too small for the list
// is replaced by a larger one.
func (tx *Tx) persistFreelist() error {
	fl := tx.env.pager.Freelist()
	ps := tx.pages.pageSize
	run, runPages := tx.state.FreeList, int(tx.state.FreeListPages)

	for {
		pages := mergePages(fl.Snapshot(), tx.pages.freed)
		if run == 0 && len(pages) == 0 {
			return nil
		}
		if run != 0 && pager.RunPages(len(pages), ps) <= runPages {
			tx.state.FreeList, tx.state.FreeListPages = run, uint32(runPages)
			return pager.EncodeRun(tx.pages.overwrite(run, runPages), run, pages)
		}

		if run != 0 {
			if err := tx.pages.Free(run, runPages); err != nil {
				return err
			}
		}
		// Headroom for the pages the swap itself frees
		runPages = pager.RunPages(len(pages)+len(pages)/4+runPages+16, ps)
		n, _, err := tx.pages.Allocate(runPages)
		if err != nil {
			return err
		}
		run = n
	}
}

// mergePages returns the sorted union of a and b. a is sorted.
func mergePages(a, b []base.PageNumber) []base.PageNumber {
	if len(b) == 0 {
		return a
	}
	out := append(append(make([]base.PageNumber, 0, len(a)+len(b)), a...), b...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// encode stamps every dirty run with the transaction id and diffs it
// against the image it replaces. Runs go to the journal and the page table
// in page order.
func (tx *Tx) encode() ([]journal.Entry, []pagetable.Run) {
	e := tx.env
	dirty := tx.pages.dirty

	total := 0
	dirty.Ascend(func(r *dirtyRun) bool {
		total += len(r.data)
		return true
	})
	if cap(e.diffBuf) < total {
		e.diffBuf = make([]byte, total)
	}
	buf := e.diffBuf[:total]

	entries := make([]journal.Entry, 0, dirty.Len())
	runs := make([]pagetable.Run, 0, dirty.Len())
	off := 0
	dirty.Ascend(func(r *dirtyRun) bool {
		r.data.SetTxnID(tx.state.TxnID)

		out := buf[off : off+len(r.data)]
		var size int
		var ok bool
		if r.orig == nil {
			size, ok = diff.ComputeNew(r.data, out)
		} else {
			size, ok = diff.Compute(r.orig, r.data, out)
		}

		entry := journal.Entry{Page: r.page, Pages: uint32(r.pages)}
		if ok {
			entry.Data = out[:size]
			off += size
		} else {
			entry.Data, entry.Raw = r.data, true
		}
		entries = append(entries, entry)
		runs = append(runs, pagetable.Run{Page: r.page, Version: pagetable.Version{Pages: r.pages, Data: r.data}})
		return true
	})
	return entries, runs
}

// Rollback discards every change made by the transaction and releases it.
// Calling Rollback on a finished transaction does nothing.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	if tx.writable {
		tx.env.pager.Rollback()
		tx.env.rollbacks.Add(1)
	}
	tx.finish()
	return nil
}

// finish releases everything the transaction holds. Writers give up the
// write slot last so the next writer sees a settled pager.
func (tx *Tx) finish() {
	tx.done = true
	for _, t := range tx.trees {
		t.bt.Cache().Clear()
	}
	tx.trees = nil
	tx.catalog = nil
	tx.pages.release()

	if tx.writable {
		<-tx.env.writer
	} else {
		tx.unregister()
	}
}
