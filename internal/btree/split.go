package btree

import (
	"encoding/binary"
	"errors"

	"github.com/alexhholmes/vordb/internal/base"
	"github.com/alexhholmes/vordb/internal/cursorcache"
)

// entry is a detached copy of a page entry, used when pages are rebuilt
// by splits and merges.
type entry struct {
	key   []byte
	flags uint8
	size  int    // logical data size
	data  []byte // bytes stored in the page
}

func branchEntry(key []byte, child base.PageNumber) entry {
	data := make([]byte, 8)
	putPageNumber(data, child)
	return entry{key: key, size: 8, data: data}
}

func putPageNumber(b []byte, n base.PageNumber) {
	binary.LittleEndian.PutUint64(b, uint64(n))
}

// space is the room the entry takes in a page, offset slot included.
func (e entry) space() int {
	return base.EntrySize(len(e.key), len(e.data)) + base.OffsetSize
}

func (e entry) insertInto(p base.Page, i int) error {
	dst, err := p.Insert(i, e.key, e.flags, e.size, len(e.data))
	if err != nil {
		return err
	}
	copy(dst, e.data)
	return nil
}

func entriesOf(p base.Page) []entry {
	entries := make([]entry, p.NumEntries())
	for i := range entries {
		entries[i] = entry{
			key:   append([]byte(nil), p.Key(i)...),
			flags: p.EntryFlags(i),
			size:  p.DataSize(i),
			data:  append([]byte(nil), p.Data(i)...),
		}
	}
	return entries
}

func insertEntry(entries []entry, i int, e entry) []entry {
	entries = append(entries, entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}

// rebuild replaces the contents of p with entries.
func rebuild(p base.Page, entries []entry) error {
	clear(p[base.PageHeaderSize:])
	p.Clear()
	for i, e := range entries {
		if err := e.insertInto(p, i); err != nil {
			return err
		}
	}
	return nil
}

// splitIndex picks where to cut entries, inserted being the position of
// the entry that did not fit. Appends leave the old page full and start a
// new one with the new entry, prepends do the mirror image, and anything
// else splits by bytes so both halves fit comfortably.
func splitIndex(entries []entry, inserted int) int {
	n := len(entries)
	switch inserted {
	case n - 1:
		return n - 1
	case 0:
		return 1
	}

	total := 0
	for _, e := range entries {
		total += e.space()
	}
	cum := 0
	for s, e := range entries {
		cum += e.space()
		if cum >= total/2 {
			return min(max(s+1, 1), n-1)
		}
	}
	return n / 2
}

// splitLeaf splits a full leaf while inserting e at position i.
func (t *Tree) splitLeaf(cur cursor, leaf base.Page, i int, e entry) error {
	entries := insertEntry(entriesOf(leaf), i, e)
	s := splitIndex(entries, i)

	right, err := t.allocPage(base.LeafPageFlag)
	if err != nil {
		return err
	}
	if err := rebuild(leaf, entries[:s]); err != nil {
		return err
	}
	if err := rebuild(right, entries[s:]); err != nil {
		return err
	}

	t.cache.Invalidate(cur.leaf)
	return t.insertSeparator(cur.path, cur.leaf, entries[s].key, right.Number())
}

// insertSeparator links newChild into the parent of child, right after
// child, with sep as its lower bound. path ends at the parent.
func (t *Tree) insertSeparator(path []cursorcache.PathElem, child base.PageNumber, sep []byte, newChild base.PageNumber) error {
	if len(path) == 0 {
		return t.growRoot(child, sep, newChild)
	}

	parent := path[len(path)-1]
	page, err := t.src.Modify(parent.Page)
	if err != nil {
		return err
	}
	t.cache.Invalidate(parent.Page)

	i := parent.Index + 1
	e := branchEntry(sep, newChild)
	if err := e.insertInto(page, i); err == nil {
		return nil
	} else if !errors.Is(err, base.ErrPageFull) {
		return err
	}

	entries := insertEntry(entriesOf(page), i, e)
	s := splitIndex(entries, i)

	right, err := t.allocPage(base.BranchPageFlag)
	if err != nil {
		return err
	}
	// The first key of the right half moves up, its slot becomes the
	// "before all keys" entry of the new page
	promoted := entries[s].key
	entries[s].key = nil

	if err := rebuild(page, entries[:s]); err != nil {
		return err
	}
	if err := rebuild(right, entries[s:]); err != nil {
		return err
	}
	return t.insertSeparator(path[:len(path)-1], parent.Page, promoted, right.Number())
}

// growRoot puts a new branch root above the split root.
func (t *Tree) growRoot(left base.PageNumber, sep []byte, right base.PageNumber) error {
	root, err := t.allocPage(base.BranchPageFlag)
	if err != nil {
		return err
	}
	if err := branchEntry(nil, left).insertInto(root, 0); err != nil {
		return err
	}
	if err := branchEntry(sep, right).insertInto(root, 1); err != nil {
		return err
	}

	t.header.Root = root.Number()
	t.header.Depth++
	t.cache.Clear()
	return nil
}
