// Package pagetable keeps the committed page images that have not reached
// the data file yet. Each commit adds one version per modified page run;
// readers resolve a page to the newest version visible at their snapshot
// and fall back to the data file when none exists. The flusher copies the
// versions every reader can see into the data file and drops them.
package pagetable

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alexhholmes/vordb/internal/base"
)

// Version is one committed image of a page run. Data is never modified
// after the version is added.
type Version struct {
	TxnID uint64
	Pages int
	Data  []byte
}

// Run is a page run to add or flush.
type Run struct {
	Page base.PageNumber
	Version
}

type Table struct {
	mu       sync.RWMutex
	pageSize int
	pages    map[base.PageNumber][]Version // ascending TxnID
	states   map[uint64]base.TxState
	bytes    int64
	versions int
}

func New(pageSize int) *Table {
	return &Table{
		pageSize: pageSize,
		pages:    make(map[base.PageNumber][]Version),
		states:   make(map[uint64]base.TxState),
	}
}

// Add installs the runs committed by state.TxnID. Transactions must be
// added in commit order.
func (t *Table) Add(state base.TxState, runs []Run) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range runs {
		v := r.Version
		v.TxnID = state.TxnID
		t.pages[r.Page] = append(t.pages[r.Page], v)
		t.bytes += int64(len(v.Data))
		t.versions++
	}
	t.states[state.TxnID] = state
}

// Lookup returns count pages starting at n as of snapshot, and false when
// no version of n is visible and the caller should read the data file.
func (t *Table) Lookup(n base.PageNumber, count int, snapshot uint64) (base.Page, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	versions := t.pages[n]
	i := sort.Search(len(versions), func(i int) bool {
		return versions[i].TxnID > snapshot
	})
	if i == 0 {
		return nil, false, nil
	}

	v := versions[i-1]
	if v.Pages < count {
		return nil, false, fmt.Errorf("%w: page %d version %d has %d pages, want %d",
			base.ErrCorruptPage, n, v.TxnID, v.Pages, count)
	}
	return base.Page(v.Data[:count*t.pageSize]), true, nil
}

// State returns the transaction state committed by txn.
func (t *Table) State(txn uint64) (base.TxState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[txn]
	return s, ok
}

// Flushable returns, for every page with a version at or below horizon, the
// newest such version. Runs are ordered by TxnID so that writing them in
// order leaves the newest image of every page in place, even where an old
// multi-page run overlaps pages reused later.
func (t *Table) Flushable(horizon uint64) []Run {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var runs []Run
	for n, versions := range t.pages {
		i := sort.Search(len(versions), func(i int) bool {
			return versions[i].TxnID > horizon
		})
		if i > 0 {
			runs = append(runs, Run{Page: n, Version: versions[i-1]})
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].TxnID != runs[j].TxnID {
			return runs[i].TxnID < runs[j].TxnID
		}
		return runs[i].Page < runs[j].Page
	})
	return runs
}

// RemoveUpTo drops every version and state at or below horizon. Call only
// after those versions are durable in the data file.
func (t *Table) RemoveUpTo(horizon uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for n, versions := range t.pages {
		i := sort.Search(len(versions), func(i int) bool {
			return versions[i].TxnID > horizon
		})
		for _, v := range versions[:i] {
			t.bytes -= int64(len(v.Data))
		}
		t.versions -= i
		if i == len(versions) {
			delete(t.pages, n)
		} else {
			t.pages[n] = append(versions[:0:0], versions[i:]...)
		}
	}
	for txn := range t.states {
		if txn <= horizon {
			delete(t.states, txn)
		}
	}
}

type Stats struct {
	Pages    int
	Versions int
	Bytes    int64
	Pending  int // committed transactions not yet flushed
}

func (t *Table) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{
		Pages:    len(t.pages),
		Versions: t.versions,
		Bytes:    t.bytes,
		Pending:  len(t.states),
	}
}
