package vordb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
	"github.com/google/uuid"

	"github.com/alexhholmes/vordb/internal/base"
	"github.com/alexhholmes/vordb/internal/journal"
	"github.com/alexhholmes/vordb/internal/pager"
	"github.com/alexhholmes/vordb/internal/pagetable"
	"github.com/alexhholmes/vordb/internal/readslots"
	"github.com/alexhholmes/vordb/internal/storage"
)

const (
	dataFileName   = "data"
	journalDirName = "journals"
)

// treeKey identifies a tree header as seen by one committed snapshot.
type treeKey struct {
	txn  uint64
	name string
}

func hashTreeKey(k treeKey) uint32 {
	h := xxhash.Sum64String(k.name) ^ (k.txn * 0x9E3779B97F4A7C15)
	return uint32(h ^ h>>32)
}

// Env is a storage environment: one data file, its journals, and the
// transactions running against them.
type Env struct {
	path   string
	opts   Options
	logger Logger
	clock  Clock
	id     uuid.UUID

	pager   *pager.Pager
	table   *pagetable.Table // Committed page versions not yet in the data file
	journal *journal.Journal
	readers *readslots.ReaderSlots
	headers *freelru.SyncedLRU[treeKey, base.TreeHeader]

	writer chan struct{} // Single writer slot
	snapMu sync.Mutex    // Orders reader registration against the flush horizon
	state  atomic.Pointer[base.TxState]

	flushMu     sync.Mutex
	flushed     base.TxState // Last state written to the data file
	headerSlot  int          // Data file page holding the newest header
	lastJournal uint64

	diffBuf []byte // Writer-owned commit scratch

	flushC chan struct{}
	stopC  chan struct{}
	wg     sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool
	failure atomic.Pointer[error]

	commits   atomic.Uint64
	rollbacks atomic.Uint64
	flushes   atomic.Uint64
}

// Open opens or creates the environment stored in the directory path.
// Journals left by a crash are replayed before Open returns.
func Open(path string, options ...Option) (*Env, error) {
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	if opts.logger == nil {
		opts.logger = DiscardLogger{}
	}
	if opts.clock == nil {
		opts.clock = systemClock{}
	}
	if !base.ValidPageSize(opts.pageSize) {
		return nil, ErrInvalidPageSize
	}

	headers, err := freelru.NewSynced[treeKey, base.TreeHeader](uint32(max(opts.treeCacheSize, 1)), hashTreeKey)
	if err != nil {
		return nil, err
	}

	e := &Env{
		path:    path,
		opts:    opts,
		logger:  opts.logger,
		clock:   opts.clock,
		readers: readslots.New(max(opts.maxReaders, 1)),
		headers: headers,
		writer:  make(chan struct{}, 1),
		flushC:  make(chan struct{}, 1),
		stopC:   make(chan struct{}),
	}

	if opts.inMemory {
		err = e.init(storage.NewMemory(), nil, 0)
	} else {
		err = e.openDir()
	}
	if err != nil {
		return nil, err
	}

	if !opts.manualFlush {
		e.wg.Add(1)
		go e.flusher()
	}
	return e, nil
}

func (e *Env) openDir() error {
	if err := os.MkdirAll(e.path, 0o755); err != nil {
		return err
	}
	dataPath := filepath.Join(e.path, dataFileName)
	hdr, slot, err := readFileHeader(dataPath)
	if err != nil {
		return err
	}
	backend, err := storage.OpenFile(dataPath)
	if err != nil {
		return err
	}
	return e.init(backend, hdr, slot)
}

// readFileHeader returns the newest valid header of the data file and its
// page slot, or nil for a missing or empty file.
func readFileHeader(path string) (*base.FileHeader, int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	if info.Size() == 0 {
		return nil, 0, nil
	}

	var best *base.FileHeader
	slot := 0
	buf := make([]byte, base.FileHeaderSize)
	try := func(off int64, s int) {
		if _, err := f.ReadAt(buf, off); err != nil {
			return
		}
		var h base.FileHeader
		if h.Decode(buf) != nil {
			return
		}
		if s == 1 && off != int64(h.PageSize) {
			return
		}
		if best == nil || h.State.TxnID > best.State.TxnID {
			best, slot = &h, s
		}
	}

	try(0, 0)
	if best != nil {
		try(int64(best.PageSize), 1)
	} else {
		// Page 0 is torn: page 1 sits one page in, whatever the page size
		for size := base.MinPageSize; size <= base.MaxPageSize; size *= 2 {
			try(int64(size), 1)
		}
	}
	if best == nil {
		return nil, 0, fmt.Errorf("%w: %s has no valid header", ErrCorruption, path)
	}
	return best, slot, nil
}

// init brings up the pager, recovers or creates the data file, and starts
// a fresh journal. hdr is nil for a new environment.
func (e *Env) init(backend storage.Backend, hdr *base.FileHeader, slot int) error {
	pageSize := e.opts.pageSize
	if hdr != nil {
		pageSize = int(hdr.PageSize)
	}

	p, err := pager.Open(backend, pageSize, e.logger)
	if err != nil {
		_ = backend.Close()
		return err
	}
	e.pager = p
	e.table = pagetable.New(pageSize)

	if err := e.load(hdr, slot); err != nil {
		_ = p.Close()
		return err
	}

	dir := ""
	if !e.opts.inMemory {
		dir = filepath.Join(e.path, journalDirName)
	}
	j, err := journal.Open(journal.Config{
		Dir:          dir,
		PageSize:     pageSize,
		SyncMode:     e.opts.syncMode,
		BytesPerSync: e.opts.bytesPerSync,
		MaxSize:      e.opts.maxJournalSize,
		Logger:       e.logger,
	}, e.lastJournal+1)
	if err != nil {
		_ = p.Close()
		return err
	}
	e.journal = j
	return nil
}

func (e *Env) load(hdr *base.FileHeader, slot int) error {
	var state base.TxState
	if hdr == nil {
		e.id = uuid.New()
		state = base.TxState{Timestamp: e.clock.Now().UnixNano(), NextPage: base.FirstDataPage}
		// Both slots start out valid so either can be overwritten first
		for s := 0; s < 2; s++ {
			e.headerSlot = 1 - s
			if err := e.writeHeader(state, 0); err != nil {
				return err
			}
		}
		e.logger.Info("environment created", "path", e.path, "id", e.id, "page_size", e.pager.PageSize())
	} else {
		e.id = uuid.UUID(hdr.EnvID)
		e.headerSlot = slot
		e.lastJournal = hdr.LastJournal
		var err error
		if state, err = e.recover(hdr); err != nil {
			return err
		}
	}

	e.pager.SetNextPage(state.NextPage)
	if err := e.loadFreelist(state); err != nil {
		return err
	}
	e.flushed = state
	e.state.Store(&state)
	return nil
}

// loadFreelist reads the persisted freelist run of state.
func (e *Env) loadFreelist(state base.TxState) error {
	if state.FreeList == 0 {
		e.pager.Freelist().Load(nil)
		return nil
	}
	s := e.pager.AcquireState()
	defer s.Release()

	run, err := s.Page(state.FreeList, int(state.FreeListPages))
	if err != nil {
		return err
	}
	pages, err := pager.DecodeRun(run)
	if err != nil {
		return fmt.Errorf("freelist run %d: %w", state.FreeList, err)
	}
	e.pager.Freelist().Load(pages)
	return nil
}

// writeHeader persists state as the newest file header. Headers alternate
// between pages 0 and 1, so a torn write leaves the previous one intact.
func (e *Env) writeHeader(state base.TxState, lastJournal uint64) error {
	h := base.FileHeader{
		Magic:       base.MagicNumber,
		Version:     base.FormatVersion,
		PageSize:    uint32(e.pager.PageSize()),
		EnvID:       e.id,
		State:       state,
		LastJournal: lastJournal,
	}
	buf := make([]byte, e.pager.PageSize())
	h.Encode(buf)

	slot := 1 - e.headerSlot
	if err := e.pager.Write(base.PageNumber(slot), buf); err != nil {
		return err
	}
	if err := e.pager.Sync(); err != nil {
		return err
	}
	e.headerSlot = slot
	e.lastJournal = lastJournal
	return nil
}

// ID returns the environment id assigned at creation.
func (e *Env) ID() uuid.UUID {
	return e.id
}

// Path returns the environment directory, empty for in-memory environments.
func (e *Env) Path() string {
	if e.opts.inMemory {
		return ""
	}
	return e.path
}

func (e *Env) PageSize() int {
	return e.pager.PageSize()
}

// LastCommitted returns the state published by the last commit.
func (e *Env) LastCommitted() (txnID uint64, at time.Time) {
	s := e.state.Load()
	return s.TxnID, time.Unix(0, s.Timestamp)
}

// check reports why the environment cannot start transactions.
func (e *Env) check() error {
	if p := e.failure.Load(); p != nil {
		return fmt.Errorf("%w: %w", ErrEnvClosed, *p)
	}
	if e.closed {
		return ErrEnvClosed
	}
	return nil
}

// fail poisons the environment after an error that left memory and disk
// out of step. Only the first cause is kept.
func (e *Env) fail(err error) {
	if e.failure.CompareAndSwap(nil, &err) {
		e.logger.Error("environment failed", "error", err)
	}
}

// BeginRead starts a read transaction on the last committed state. It
// never waits for the writer.
func (e *Env) BeginRead() (*Tx, error) {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if err := e.check(); err != nil {
		return nil, err
	}

	e.snapMu.Lock()
	state := *e.state.Load()
	release, err := e.readers.Register(state.TxnID)
	e.snapMu.Unlock()
	if err != nil {
		return nil, err
	}

	return newTx(e, state, state.TxnID, e.pager.AcquireState(), release), nil
}

// BeginWrite waits for the write slot until ctx is done. Only one write
// transaction runs at a time; it holds the slot until Commit or Rollback.
// Returns ErrWriteTxTimeout when ctx expires first.
func (e *Env) BeginWrite(ctx context.Context) (*Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWriteTxTimeout, err)
	}
	select {
	case e.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrWriteTxTimeout, ctx.Err())
	}

	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if err := e.check(); err != nil {
		<-e.writer
		return nil, err
	}

	last := *e.state.Load()
	// No commit can publish a newer state while the slot is held, so every
	// reader that registers from here on is at least at last
	horizon := last.TxnID
	if oldest, ok := e.readers.Oldest(); ok && oldest < horizon {
		horizon = oldest
	}
	if n := e.pager.Freelist().Release(horizon); n > 0 {
		e.logger.Debug("pending pages released", "pages", n, "horizon", horizon)
	}
	e.pager.Begin()

	state := last
	state.TxnID++
	return newTx(e, state, last.TxnID, e.pager.AcquireState(), nil), nil
}

// BeginWriteTimeout is BeginWrite with a deadline of d from now.
func (e *Env) BeginWriteTimeout(d time.Duration) (*Tx, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return e.BeginWrite(ctx)
}

// View executes a function within a read-only transaction.
// The transaction is always rolled back.
func (e *Env) View(fn func(*Tx) error) error {
	tx, err := e.BeginRead()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	return fn(tx)
}

// Update executes a function within a read-write transaction.
// If the function returns an error, the transaction is rolled back.
// If the function returns nil, the transaction is committed.
func (e *Env) Update(fn func(*Tx) error) error {
	tx, err := e.BeginWrite(context.Background())
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// Close flushes committed transactions to the data file and releases every
// resource. It waits for a running write transaction to finish. Read
// transactions still open keep their snapshot readable.
func (e *Env) Close() error {
	e.writer <- struct{}{}
	defer func() { <-e.writer }()

	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	e.closeMu.Unlock()

	close(e.stopC)
	e.wg.Wait()

	var errs []error
	if e.failure.Load() == nil {
		e.flushMu.Lock()
		errs = append(errs, e.flush())
		e.flushMu.Unlock()
	}
	errs = append(errs, e.journal.Close(), e.pager.Close())
	e.logger.Info("environment closed", "path", e.path, "txn", e.state.Load().TxnID)
	return errors.Join(errs...)
}

// Stats reports counters from every layer of the environment.
type Stats struct {
	TxnID          uint64
	FlushedTxnID   uint64
	Commits        uint64
	Rollbacks      uint64
	Flushes        uint64
	ActiveReaders  int
	TreeCacheItems int
	Pager          pager.Stats
	PageTable      pagetable.Stats
	Journal        journal.Stats
}

func (e *Env) Stats() Stats {
	e.flushMu.Lock()
	flushed := e.flushed.TxnID
	e.flushMu.Unlock()

	return Stats{
		TxnID:          e.state.Load().TxnID,
		FlushedTxnID:   flushed,
		Commits:        e.commits.Load(),
		Rollbacks:      e.rollbacks.Load(),
		Flushes:        e.flushes.Load(),
		ActiveReaders:  e.readers.Active(),
		TreeCacheItems: e.headers.Len(),
		Pager:          e.pager.Stats(),
		PageTable:      e.table.Stats(),
		Journal:        e.journal.Stats(),
	}
}
