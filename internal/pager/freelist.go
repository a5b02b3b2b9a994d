package pager

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/alexhholmes/vordb/internal/base"
)

// Freelist manages free and pending pages for MVCC transaction isolation.
// Pages are freed in two stages:
// 1. Pending: pages freed by txn T stay untouched while any reader may
// still see the snapshot before T
// 2. Free: pages released from pending are available for reuse
//
// Free pages are kept ordered so multi-page runs can be carved out of
// contiguous free space.
type Freelist struct {
	mu      sync.Mutex
	free    *btree.BTreeG[base.PageNumber]
	pending map[uint64][]base.PageNumber // epoch -> pages freed at that epoch

	// Changes to the free set since Begin, replayed backwards on Rollback
	undo     []change
	tracking bool
}

type change struct {
	start base.PageNumber
	count int
	freed bool // true: pages were added to the free set
}

func NewFreelist() *Freelist {
	return &Freelist{
		free: btree.NewG[base.PageNumber](32, func(a, b base.PageNumber) bool {
			return a < b
		}),
		pending: make(map[uint64][]base.PageNumber),
	}
}

// Allocate removes a run of count contiguous free pages and returns its
// first page, or false when no run is long enough.
func (f *Freelist) Allocate(count int) (base.PageNumber, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if count <= 0 || f.free.Len() < count {
		return 0, false
	}

	var start, prev base.PageNumber
	length := 0
	found := false
	f.free.Ascend(func(n base.PageNumber) bool {
		if length > 0 && n == prev+1 {
			length++
		} else {
			start, length = n, 1
		}
		prev = n
		if length == count {
			found = true
			return false
		}
		return true
	})
	if !found {
		return 0, false
	}

	for i := 0; i < count; i++ {
		f.free.Delete(start + base.PageNumber(i))
	}
	f.record(change{start: start, count: count})
	return start, true
}

// Free makes pages immediately reusable. Only valid for pages no committed
// snapshot references, such as pages allocated by the current writer.
func (f *Freelist) Free(start base.PageNumber, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := 0; i < count; i++ {
		f.free.ReplaceOrInsert(start + base.PageNumber(i))
	}
	f.record(change{start: start, count: count, freed: true})
}

func (f *Freelist) record(c change) {
	if f.tracking {
		f.undo = append(f.undo, c)
	}
}

// Pending adds pages freed by the transaction epoch.
func (f *Freelist) Pending(epoch uint64, pages []base.PageNumber) {
	if len(pages) == 0 {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[epoch] = append(f.pending[epoch], pages...)
}

// Release moves pages from pending to free for all epochs <= horizon and
// returns the number of pages released. horizon is the oldest snapshot any
// reader still holds.
func (f *Freelist) Release(horizon uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	released := 0
	for epoch, pages := range f.pending {
		if epoch > horizon {
			continue
		}
		for _, n := range pages {
			f.free.ReplaceOrInsert(n)
		}
		released += len(pages)
		delete(f.pending, epoch)
	}
	return released
}

// Begin starts recording free set changes for Rollback.
func (f *Freelist) Begin() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.undo = f.undo[:0]
	f.tracking = true
}

// Commit keeps the changes made since Begin.
func (f *Freelist) Commit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.undo = f.undo[:0]
	f.tracking = false
}

// Rollback reverts the free set to its state at Begin.
func (f *Freelist) Rollback() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.undo) - 1; i >= 0; i-- {
		c := f.undo[i]
		for j := 0; j < c.count; j++ {
			n := c.start + base.PageNumber(j)
			if c.freed {
				f.free.Delete(n)
			} else {
				f.free.ReplaceOrInsert(n)
			}
		}
	}
	f.undo = f.undo[:0]
	f.tracking = false
}

// Snapshot returns every free and pending page in ascending order. Pending
// pages are included because after a restart no reader can reference them.
func (f *Freelist) Snapshot() []base.PageNumber {
	f.mu.Lock()
	defer f.mu.Unlock()

	pages := make([]base.PageNumber, 0, f.free.Len()+f.pendingLen())
	f.free.Ascend(func(n base.PageNumber) bool {
		pages = append(pages, n)
		return true
	})
	for _, p := range f.pending {
		pages = append(pages, p...)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return pages
}

// Load replaces the free set with pages and clears pending.
func (f *Freelist) Load(pages []base.PageNumber) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.free.Clear(false)
	for _, n := range pages {
		f.free.ReplaceOrInsert(n)
	}
	f.pending = make(map[uint64][]base.PageNumber)
	f.undo = f.undo[:0]
	f.tracking = false
}

func (f *Freelist) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free.Len()
}

func (f *Freelist) PendingLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLen()
}

func (f *Freelist) pendingLen() int {
	n := 0
	for _, p := range f.pending {
		n += len(p)
	}
	return n
}

// RunPages returns how many pages a persisted freelist run of count page
// numbers takes.
func RunPages(count int, pageSize int) int {
	return base.OverflowPages(count*8, pageSize)
}

// EncodeRun writes pages into run, a freelist page run starting at page n.
func EncodeRun(run base.Page, n base.PageNumber, pages []base.PageNumber) error {
	if need := base.PageHeaderSize + len(pages)*8; need > len(run) {
		return fmt.Errorf("freelist of %d pages needs %d bytes, run has %d", len(pages), need, len(run))
	}
	buf := run.InitFreeList(n, len(pages)*8)
	for i, pn := range pages {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(pn))
	}
	clear(run[base.PageHeaderSize+len(pages)*8:])
	return nil
}

// DecodeRun reads the page numbers stored in a freelist run.
func DecodeRun(run base.Page) ([]base.PageNumber, error) {
	buf, err := run.FreeListValue()
	if err != nil {
		return nil, err
	}
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("%w: freelist size %d", base.ErrCorruptPage, len(buf))
	}
	pages := make([]base.PageNumber, len(buf)/8)
	for i := range pages {
		pages[i] = base.PageNumber(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return pages, nil
}
