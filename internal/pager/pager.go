package pager

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/alexhholmes/vordb/internal/base"
	"github.com/alexhholmes/vordb/internal/storage"
)

const (
	// Mapping sizes double from minMapSize until maxGrowStep, then grow in
	// maxGrowStep increments.
	minMapSize  = 256 * 1024
	maxGrowStep = 64 * 1024 * 1024
)

var ErrPageOutOfRange = errors.New("page out of mapped range")

// State is an immutable view of the data file: one mapping covering the
// first Pages pages. A grow publishes a new State; the old one is unmapped
// when its last reference is released.
type State struct {
	mapping  *storage.Mapping
	pages    uint64
	pageSize int
	refs     atomic.Int64
}

// Pages is the number of pages the state can resolve.
func (s *State) Pages() uint64 {
	return s.pages
}

// Page returns a bounds-checked view of count pages starting at n. The
// slice is valid until the caller releases its reference.
func (s *State) Page(n base.PageNumber, count int) (base.Page, error) {
	if count <= 0 || uint64(n)+uint64(count) > s.pages {
		return nil, fmt.Errorf("%w: pages [%d, +%d) of %d", ErrPageOutOfRange, n, count, s.pages)
	}
	off := uint64(n) * uint64(s.pageSize)
	end := off + uint64(count*s.pageSize)
	return base.Page(s.mapping.Bytes()[off:end:end]), nil
}

// Prefetch hints that pages are about to be read. Pages outside the state
// are skipped.
func (s *State) Prefetch(pages ...base.PageNumber) error {
	for _, n := range pages {
		if uint64(n) >= s.pages {
			continue
		}
		off := int64(n) * int64(s.pageSize)
		if err := s.mapping.WillNeed(off, int64(s.pageSize)); err != nil {
			return fmt.Errorf("prefetch page %d: %w", n, err)
		}
	}
	return nil
}

// Release drops one reference.
func (s *State) Release() {
	if s.refs.Add(-1) == 0 {
		_ = s.mapping.Close()
	}
}

// Pager maps page numbers onto the data file and grows it on demand. Page
// allocation is only called by the single writer; reads go through States
// and are safe from any goroutine.
type Pager struct {
	backend  storage.Backend
	pageSize int
	logger   base.Logger

	mu    sync.Mutex // serializes grows
	state atomic.Pointer[State]
	grows atomic.Uint64

	// Writer-owned allocation state
	freelist *Freelist
	next     atomic.Uint64
	mark     uint64
}

// Open maps the backend's current contents. An empty backend gets an
// initial mapping of minMapSize bytes.
func Open(backend storage.Backend, pageSize int, logger base.Logger) (*Pager, error) {
	if !base.ValidPageSize(pageSize) {
		return nil, base.ErrInvalidPageSize
	}
	if logger == nil {
		logger = base.DiscardLogger{}
	}

	size, err := backend.Size()
	if err != nil {
		return nil, err
	}
	size = max(size, minMapSize)
	size = (size + int64(pageSize) - 1) / int64(pageSize) * int64(pageSize)

	mapping, err := backend.Map(size)
	if err != nil {
		return nil, err
	}

	p := &Pager{
		backend:  backend,
		pageSize: pageSize,
		logger:   logger,
		freelist: NewFreelist(),
	}
	p.SetNextPage(base.FirstDataPage)
	s := &State{mapping: mapping, pages: uint64(size) / uint64(pageSize), pageSize: pageSize}
	s.refs.Store(1)
	p.state.Store(s)
	return p, nil
}

func (p *Pager) PageSize() int {
	return p.pageSize
}

// AcquireState returns the current State with a reference taken. Callers
// must Release it.
func (p *Pager) AcquireState() *State {
	for {
		s := p.state.Load()
		refs := s.refs.Load()
		// A state at zero references is already retired, the pager holds
		// a newer one
		if refs > 0 && s.refs.CompareAndSwap(refs, refs+1) {
			return s
		}
	}
}

// EnsureMapped grows the data file and its mapping so at least pages pages
// are addressable.
func (p *Pager) EnsureMapped(pages uint64) error {
	if p.state.Load().pages >= pages {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.state.Load()
	if cur.pages >= pages {
		return nil
	}

	size := nextMapSize(int64(cur.pages)*int64(p.pageSize), int64(pages)*int64(p.pageSize))
	mapping, err := p.backend.Map(size)
	if err != nil {
		return err
	}

	s := &State{mapping: mapping, pages: uint64(size) / uint64(p.pageSize), pageSize: p.pageSize}
	s.refs.Store(1)
	p.state.Store(s)
	p.grows.Add(1)
	cur.Release()

	p.logger.Debug("data file grown", "pages", s.pages, "bytes", size)
	return nil
}

// nextMapSize picks the mapping size covering need bytes, doubling small
// files and stepping large ones.
func nextMapSize(cur, need int64) int64 {
	size := max(cur, minMapSize)
	for size < need {
		if size < maxGrowStep {
			size *= 2
		} else {
			size += maxGrowStep
		}
	}
	return size
}

// Allocate reserves count contiguous pages, reusing free pages when a large
// enough run exists and extending the high water mark otherwise.
func (p *Pager) Allocate(count int) (base.PageNumber, error) {
	if n, ok := p.freelist.Allocate(count); ok {
		return n, nil
	}

	n := p.next.Load()
	if err := p.EnsureMapped(n + uint64(count)); err != nil {
		return 0, err
	}
	p.next.Store(n + uint64(count))
	return base.PageNumber(n), nil
}

// Freelist returns the writer-owned freelist.
func (p *Pager) Freelist() *Freelist {
	return p.freelist
}

// NextPage is the high water mark: the first page never allocated.
func (p *Pager) NextPage() base.PageNumber {
	return base.PageNumber(p.next.Load())
}

// SetNextPage resets the high water mark, on open and recovery.
func (p *Pager) SetNextPage(n base.PageNumber) {
	p.next.Store(uint64(n))
	p.mark = uint64(n)
}

// Begin starts tracking allocations so Rollback can undo them.
func (p *Pager) Begin() {
	p.mark = p.next.Load()
	p.freelist.Begin()
}

// Commit keeps every allocation made since Begin.
func (p *Pager) Commit() {
	p.mark = p.next.Load()
	p.freelist.Commit()
}

// Rollback returns every page allocated or freed since Begin to its prior
// state.
func (p *Pager) Rollback() {
	p.next.Store(p.mark)
	p.freelist.Rollback()
}

// Write copies data to the data file at page n, growing it if needed.
// Only flush and recovery write the data file.
func (p *Pager) Write(n base.PageNumber, data []byte) error {
	pages := (len(data) + p.pageSize - 1) / p.pageSize
	if err := p.EnsureMapped(uint64(n) + uint64(pages)); err != nil {
		return err
	}
	return p.backend.WriteAt(data, int64(n)*int64(p.pageSize))
}

func (p *Pager) Sync() error {
	return p.backend.Sync()
}

// Close releases the pager's own state reference and closes the backend.
// States still held by callers stay readable until released.
func (p *Pager) Close() error {
	p.state.Load().Release()
	return p.backend.Close()
}

type Stats struct {
	MappedPages  uint64
	Grows        uint64
	NextPage     base.PageNumber
	FreePages    int
	PendingPages int
	Storage      storage.Stats
}

func (p *Pager) Stats() Stats {
	return Stats{
		MappedPages:  p.state.Load().pages,
		Grows:        p.grows.Load(),
		NextPage:     p.NextPage(),
		FreePages:    p.freelist.Len(),
		PendingPages: p.freelist.PendingLen(),
		Storage:      p.backend.Stats(),
	}
}
