// Package btree implements B+Trees over slotted pages. The tree never
// touches storage directly: every page read, copy-on-write, allocation and
// free goes through the PageSource of the owning transaction.
package btree

import (
	"errors"
	"fmt"

	"github.com/alexhholmes/vordb/internal/base"
	"github.com/alexhholmes/vordb/internal/cursorcache"
)

var (
	ErrKeyEmpty      = errors.New("key cannot be empty")
	ErrKeyTooLarge   = errors.New("key too large")
	ErrValueTooLarge = errors.New("value too large")
)

// MaxValueSize is bounded by the 32 bit value length stored in an entry.
const MaxValueSize = 1<<31 - 1

// PageSource resolves pages for one transaction.
type PageSource interface {
	PageSize() int
	// Read returns count pages starting at n. The result must not be modified.
	Read(n base.PageNumber, count int) (base.Page, error)
	// Modify returns a private writable copy of the page, registered with
	// the transaction. Repeated calls return the same copy.
	Modify(n base.PageNumber) (base.Page, error)
	// Allocate returns count new zeroed writable pages.
	Allocate(count int) (base.PageNumber, base.Page, error)
	// Free releases count pages starting at n.
	Free(n base.PageNumber, count int) error
}

// Tree is a handle on one B+Tree within a transaction.
type Tree struct {
	src    PageSource
	header base.TreeHeader
	cache  *cursorcache.Cache
	dirty  bool
	seq    uint64 // bumped on every mutation, iterators re-seek on change
}

// Create allocates the root leaf of a new, empty tree.
func Create(src PageSource, cache *cursorcache.Cache) (*Tree, error) {
	n, page, err := src.Allocate(1)
	if err != nil {
		return nil, err
	}
	page.Init(n, base.LeafPageFlag)

	t := Open(src, base.TreeHeader{Root: n, Depth: 1, LeafPages: 1}, cache)
	t.dirty = true
	return t, nil
}

// Open returns a handle on the tree described by header.
func Open(src PageSource, header base.TreeHeader, cache *cursorcache.Cache) *Tree {
	if cache == nil {
		cache = cursorcache.New(cursorcache.DefaultSize)
	}
	return &Tree{src: src, header: header, cache: cache}
}

func (t *Tree) Header() base.TreeHeader {
	return t.header
}

// Dirty reports whether the header changed since Open.
func (t *Tree) Dirty() bool {
	return t.dirty
}

func (t *Tree) Cache() *cursorcache.Cache {
	return t.cache
}

func (t *Tree) pageSize() int {
	return t.src.PageSize()
}

// cursor locates a leaf: the branch steps taken to reach it and the key
// range its parent separators assign to it.
type cursor struct {
	leaf  base.PageNumber
	path  []cursorcache.PathElem
	lower []byte
	upper []byte
}

// search finds the leaf whose range contains key, trying the cursor cache
// before descending from the root.
func (t *Tree) search(key []byte) (cursor, base.Page, error) {
	if e, ok := t.cache.Find(key); ok {
		page, err := t.src.Read(e.Page, 1)
		if err == nil && page.IsLeaf() && page.Number() == e.Page {
			return cursor{
				leaf:  e.Page,
				path:  append([]cursorcache.PathElem(nil), e.Path...),
				lower: e.Lower,
				upper: e.Upper,
			}, page, nil
		}
		t.cache.Invalidate(e.Page)
	}

	var cur cursor
	n := t.header.Root
	for {
		page, err := t.src.Read(n, 1)
		if err != nil {
			return cursor{}, nil, err
		}
		if err := page.CheckHeader(); err != nil {
			return cursor{}, nil, err
		}
		if page.IsLeaf() {
			cur.leaf = n
			t.cache.Add(cursorcache.Entry{Page: n, Lower: cur.lower, Upper: cur.upper, Path: cur.path})
			return cur, page, nil
		}
		if page.NumEntries() == 0 {
			return cursor{}, nil, fmt.Errorf("%w: empty branch page %d", base.ErrCorruptPage, n)
		}

		i := page.SearchBranch(key)
		if i > 0 {
			cur.lower = page.Key(i)
		}
		if i+1 < page.NumEntries() {
			cur.upper = page.Key(i + 1)
		}
		cur.path = append(cur.path, cursorcache.PathElem{Page: n, Index: i})
		n = page.Child(i)
	}
}

func (t *Tree) checkKey(key []byte) error {
	if len(key) == 0 {
		return ErrKeyEmpty
	}
	if len(key) > base.MaxKeySize(t.pageSize()) {
		return ErrKeyTooLarge
	}
	return nil
}

// Get returns the value stored under key. The slice aliases page memory
// and is valid for the transaction's lifetime if not modified.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	if err := t.checkKey(key); err != nil {
		return nil, false, err
	}

	_, leaf, err := t.search(key)
	if err != nil {
		return nil, false, err
	}
	i, exact := leaf.SearchLeaf(key)
	if !exact {
		return nil, false, nil
	}
	v, err := t.value(leaf, i)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// value returns the value of leaf entry i, following overflow runs.
func (t *Tree) value(leaf base.Page, i int) ([]byte, error) {
	if !leaf.IsOverflowEntry(i) {
		return leaf.Value(i), nil
	}
	size := leaf.DataSize(i)
	run, err := t.src.Read(leaf.OverflowPage(i), base.OverflowPages(size, t.pageSize()))
	if err != nil {
		return nil, err
	}
	return run.OverflowValue()
}

// Put inserts key or overwrites its value.
func (t *Tree) Put(key, value []byte) error {
	if err := t.checkKey(key); err != nil {
		return err
	}
	if len(value) > MaxValueSize {
		return ErrValueTooLarge
	}

	e, err := t.leafEntry(key, value)
	if err != nil {
		return err
	}

	cur, _, err := t.search(key)
	if err != nil {
		return err
	}
	leaf, err := t.src.Modify(cur.leaf)
	if err != nil {
		return err
	}

	i, exact := leaf.SearchLeaf(key)
	if exact {
		if err := t.freeValue(leaf, i); err != nil {
			return err
		}
		leaf.Remove(i)
	} else {
		t.header.Entries++
	}

	t.dirty = true
	t.seq++
	if err := e.insertInto(leaf, i); err == nil {
		return nil
	} else if !errors.Is(err, base.ErrPageFull) {
		return err
	}
	return t.splitLeaf(cur, leaf, i, e)
}

// leafEntry builds the entry for key/value, moving large values to an
// overflow run.
func (t *Tree) leafEntry(key, value []byte) (entry, error) {
	ps := t.pageSize()
	if base.EntrySize(len(key), len(value))+base.OffsetSize <= base.MaxEntrySize(ps) {
		return entry{key: key, size: len(value), data: value}, nil
	}

	count := base.OverflowPages(len(value), ps)
	n, run, err := t.src.Allocate(count)
	if err != nil {
		return entry{}, err
	}
	copy(run.InitOverflow(n, len(value)), value)
	t.header.OverflowPages += uint64(count)

	data := make([]byte, 8)
	putPageNumber(data, n)
	return entry{key: key, flags: base.EntryOverflowFlag, size: len(value), data: data}, nil
}

// freeValue releases the overflow run of leaf entry i, if any.
func (t *Tree) freeValue(leaf base.Page, i int) error {
	if !leaf.IsOverflowEntry(i) {
		return nil
	}
	count := base.OverflowPages(leaf.DataSize(i), t.pageSize())
	t.header.OverflowPages -= uint64(count)
	return t.src.Free(leaf.OverflowPage(i), count)
}

// Delete removes key and reports whether it was present.
func (t *Tree) Delete(key []byte) (bool, error) {
	if err := t.checkKey(key); err != nil {
		return false, err
	}

	cur, leaf, err := t.search(key)
	if err != nil {
		return false, err
	}
	i, exact := leaf.SearchLeaf(key)
	if !exact {
		return false, nil
	}

	w, err := t.src.Modify(cur.leaf)
	if err != nil {
		return false, err
	}
	if err := t.freeValue(w, i); err != nil {
		return false, err
	}
	w.Remove(i)
	t.header.Entries--
	t.dirty = true
	t.seq++

	return true, t.rebalance(cur.path, w)
}

// Drop frees every page of the tree. The handle must not be used afterwards.
func (t *Tree) Drop() error {
	t.cache.Clear()
	t.dirty = true
	t.seq++
	return t.dropPage(t.header.Root)
}

func (t *Tree) dropPage(n base.PageNumber) error {
	page, err := t.src.Read(n, 1)
	if err != nil {
		return err
	}
	if err := page.CheckHeader(); err != nil {
		return err
	}

	for i := 0; i < page.NumEntries(); i++ {
		switch {
		case page.IsBranch():
			if err := t.dropPage(page.Child(i)); err != nil {
				return err
			}
		case page.IsOverflowEntry(i):
			if err := t.freeValue(page, i); err != nil {
				return err
			}
		}
	}
	return t.freePage(page)
}

// freePage releases a single leaf or branch page.
func (t *Tree) freePage(page base.Page) error {
	if page.IsBranch() {
		t.header.BranchPages--
	} else {
		t.header.LeafPages--
	}
	t.cache.Invalidate(page.Number())
	return t.src.Free(page.Number(), 1)
}

// allocPage allocates and formats a leaf or branch page.
func (t *Tree) allocPage(flags uint8) (base.Page, error) {
	n, page, err := t.src.Allocate(1)
	if err != nil {
		return nil, err
	}
	page.Init(n, flags)
	if flags == base.BranchPageFlag {
		t.header.BranchPages++
	} else {
		t.header.LeafPages++
	}
	return page, nil
}
