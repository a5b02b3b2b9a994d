// Package cursorcache remembers recently found leaf pages together with the
// key range they cover and the branch path used to reach them, so repeated
// lookups near the same keys skip the descent from the root.
//
// The cache is advisory. The tree validates every hit against the entry's
// bounds and invalidates entries whenever a page on their path changes
// shape, so a miss or a dropped entry only costs a full descent.
package cursorcache

import (
	"bytes"

	"github.com/alexhholmes/vordb/internal/base"
)

const DefaultSize = 8

// PathElem is one branch step: the branch page and the child index taken.
type PathElem struct {
	Page  base.PageNumber
	Index int
}

// Entry maps the key range [Lower, Upper) to a leaf page. A nil Lower means
// the range starts before all keys; a nil Upper means it ends after all keys.
type Entry struct {
	Page  base.PageNumber
	Lower []byte
	Upper []byte
	Path  []PathElem
}

// Contains reports whether key falls inside the entry's range.
func (e *Entry) Contains(key []byte) bool {
	if e.Lower != nil && bytes.Compare(key, e.Lower) < 0 {
		return false
	}
	if e.Upper != nil && bytes.Compare(key, e.Upper) >= 0 {
		return false
	}
	return true
}

func (e *Entry) references(n base.PageNumber) bool {
	if e.Page == n {
		return true
	}
	for _, p := range e.Path {
		if p.Page == n {
			return true
		}
	}
	return false
}

// Cache is a fixed-capacity ring of entries. It is not safe for concurrent
// use; each transaction owns its caches.
type Cache struct {
	entries []Entry
	used    []bool
	next    int

	hits   uint64
	misses uint64
}

func New(size int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	return &Cache{
		entries: make([]Entry, size),
		used:    make([]bool, size),
	}
}

// Add records e, replacing an existing entry for the same page if present
// and otherwise the oldest slot. Keys and path are copied.
func (c *Cache) Add(e Entry) {
	e = Entry{
		Page:  e.Page,
		Lower: clone(e.Lower),
		Upper: clone(e.Upper),
		Path:  append([]PathElem(nil), e.Path...),
	}

	for i := range c.entries {
		if c.used[i] && c.entries[i].Page == e.Page {
			c.entries[i] = e
			return
		}
	}

	c.entries[c.next] = e
	c.used[c.next] = true
	c.next = (c.next + 1) % len(c.entries)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}

// Find returns the first entry whose range contains key.
func (c *Cache) Find(key []byte) (*Entry, bool) {
	for i := range c.entries {
		if c.used[i] && c.entries[i].Contains(key) {
			c.hits++
			return &c.entries[i], true
		}
	}
	c.misses++
	return nil, false
}

// Invalidate drops every entry whose leaf or path includes page n.
func (c *Cache) Invalidate(n base.PageNumber) {
	for i := range c.entries {
		if c.used[i] && c.entries[i].references(n) {
			c.entries[i] = Entry{}
			c.used[i] = false
		}
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	clear(c.entries)
	clear(c.used)
	c.next = 0
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	n := 0
	for _, u := range c.used {
		if u {
			n++
		}
	}
	return n
}

type Stats struct {
	Hits   uint64
	Misses uint64
}

func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits, Misses: c.misses}
}
