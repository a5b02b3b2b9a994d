package vordb

import (
	"github.com/google/btree"

	"github.com/alexhholmes/vordb/internal/base"
	"github.com/alexhholmes/vordb/internal/pager"
)

// dirtyRun is a page run the write transaction has modified. The overlay
// keeps runs ordered by first page so commit diffs them in page order.
type dirtyRun struct {
	page  base.PageNumber
	pages int
	data  base.Page
	orig  base.Page // Committed image data was copied from, nil when journaled against zeros
	fresh bool      // Allocated by this transaction
}

func lessRun(a, b *dirtyRun) bool {
	return a.page < b.page
}

// txPages resolves pages for one transaction. Readers see the page table
// versions visible at their snapshot and the data file beneath; the writer
// additionally sees its own dirty overlay first.
type txPages struct {
	env      *Env
	pageSize int
	snapshot uint64
	state    *pager.State // Data file view pinned for the transaction
	writable bool

	dirty *btree.BTreeG[*dirtyRun]
	freed []base.PageNumber // Committed pages freed by this transaction
}

func newTxPages(env *Env, snapshot uint64, state *pager.State, writable bool) *txPages {
	p := &txPages{
		env:      env,
		pageSize: env.pager.PageSize(),
		snapshot: snapshot,
		state:    state,
		writable: writable,
	}
	if writable {
		p.dirty = btree.NewG[*dirtyRun](32, lessRun)
	}
	return p
}

func (p *txPages) PageSize() int {
	return p.pageSize
}

func (p *txPages) lookupDirty(n base.PageNumber) (*dirtyRun, bool) {
	if p.dirty == nil {
		return nil, false
	}
	return p.dirty.Get(&dirtyRun{page: n})
}

// Read resolves count pages starting at n: dirty overlay, then the newest
// committed version at or below the snapshot, then the data file.
func (p *txPages) Read(n base.PageNumber, count int) (base.Page, error) {
	if r, ok := p.lookupDirty(n); ok && r.pages >= count {
		return r.data[:count*p.pageSize], nil
	}
	return p.committed(n, count)
}

func (p *txPages) committed(n base.PageNumber, count int) (base.Page, error) {
	page, ok, err := p.env.table.Lookup(n, count, p.snapshot)
	if err != nil || ok {
		return page, err
	}

	// Every page of a committed snapshot was mapped before it was published,
	// so the view pinned at begin covers it
	return p.state.Page(n, count)
}

// Modify returns the writable copy of page n, copying the committed image
// on first use.
func (p *txPages) Modify(n base.PageNumber) (base.Page, error) {
	if r, ok := p.lookupDirty(n); ok {
		return r.data[:p.pageSize], nil
	}

	orig, err := p.committed(n, 1)
	if err != nil {
		return nil, err
	}
	data := make(base.Page, p.pageSize)
	copy(data, orig)
	p.dirty.ReplaceOrInsert(&dirtyRun{page: n, pages: 1, data: data, orig: orig})
	return data, nil
}

// Allocate reserves count contiguous pages and returns their zeroed
// writable image.
func (p *txPages) Allocate(count int) (base.PageNumber, base.Page, error) {
	n, err := p.env.pager.Allocate(count)
	if err != nil {
		return 0, nil, err
	}
	data := make(base.Page, count*p.pageSize)
	p.dirty.ReplaceOrInsert(&dirtyRun{page: n, pages: count, data: data, fresh: true})
	return n, data, nil
}

// Free releases count pages starting at n. Pages allocated by this
// transaction are reusable at once; committed pages wait in pending until
// no reader can see them.
func (p *txPages) Free(n base.PageNumber, count int) error {
	if r, ok := p.dirty.Delete(&dirtyRun{page: n}); ok && r.fresh {
		p.env.pager.Freelist().Free(n, count)
		return nil
	}
	for i := 0; i < count; i++ {
		p.freed = append(p.freed, n+base.PageNumber(i))
	}
	return nil
}

// overwrite returns a writable image of the run at n that the caller fully
// rewrites, so it is journaled against zeros instead of its old content.
func (p *txPages) overwrite(n base.PageNumber, count int) base.Page {
	if r, ok := p.lookupDirty(n); ok && r.pages == count {
		r.orig = nil
		return r.data
	}
	data := make(base.Page, count*p.pageSize)
	p.dirty.ReplaceOrInsert(&dirtyRun{page: n, pages: count, data: data})
	return data
}

// prefetch hints the data file pages of n. Failures are only logged.
func (p *txPages) prefetch(n base.PageNumber) {
	if err := p.state.Prefetch(n); err != nil {
		p.env.logger.Warn("prefetch failed", "page", n, "error", err)
	}
}

// release drops the data file view the transaction pinned.
func (p *txPages) release() {
	p.state.Release()
	p.state = nil
	p.dirty = nil
	p.freed = nil
}
