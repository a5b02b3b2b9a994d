package btree

import (
	"github.com/alexhholmes/vordb/internal/base"
	"github.com/alexhholmes/vordb/internal/cursorcache"
)

// rebalance restores fill after entries were removed from page, the
// writable page at the end of path. Empty pages are unlinked, pages under
// a quarter full are merged into a sibling when both fit in one page, and
// a branch root left with a single child is replaced by that child.
func (t *Tree) rebalance(path []cursorcache.PathElem, page base.Page) error {
	if len(path) == 0 {
		return t.shrinkRoot(page)
	}

	n := page.NumEntries()
	if n > 0 && page.Used() >= t.pageSize()/4 {
		return nil
	}
	parent := path[len(path)-1]
	if n == 0 {
		pp, err := t.src.Modify(parent.Page)
		if err != nil {
			return err
		}
		if err := t.freePage(page); err != nil {
			return err
		}
		t.removeEntry(pp, parent.Index)
		t.cache.Invalidate(parent.Page)
		return t.rebalance(path[:len(path)-1], pp)
	}

	pp, err := t.mergeSibling(parent, page)
	if err != nil || pp == nil {
		return err
	}
	t.cache.Invalidate(parent.Page)
	return t.rebalance(path[:len(path)-1], pp)
}

// mergeSibling merges page, the child at parent.Index, with its right
// sibling, or with its left one when the right is missing or too full.
// Returns the writable parent when a merge happened and nil when neither
// pair fits in one page.
func (t *Tree) mergeSibling(parent cursorcache.PathElem, page base.Page) (base.Page, error) {
	pr, err := t.src.Read(parent.Page, 1)
	if err != nil {
		return nil, err
	}

	i := parent.Index
	if i+1 < pr.NumEntries() {
		sibling, err := t.src.Read(pr.Child(i+1), 1)
		if err != nil {
			return nil, err
		}
		if pp, err := t.merge(parent.Page, pr, page, sibling, i+1); err != nil || pp != nil {
			return pp, err
		}
	}
	if i > 0 {
		sibling, err := t.src.Read(pr.Child(i-1), 1)
		if err != nil {
			return nil, err
		}
		return t.merge(parent.Page, pr, sibling, page, i)
	}
	return nil, nil
}

// merge moves every entry of right into left when they fit, frees right
// and unlinks it from the parent. rightIndex is right's slot in parent.
func (t *Tree) merge(parentPage base.PageNumber, parent, left, right base.Page, rightIndex int) (base.Page, error) {
	entries := entriesOf(right)
	if right.IsBranch() {
		// The separator in the parent becomes the key of right's first child
		entries[0].key = append([]byte(nil), parent.Key(rightIndex)...)
	}
	need := 0
	for _, e := range entries {
		need += e.space()
	}
	if need > left.Free() {
		return nil, nil
	}

	left, err := t.src.Modify(left.Number())
	if err != nil {
		return nil, err
	}
	at := left.NumEntries()
	for j, e := range entries {
		if err := e.insertInto(left, at+j); err != nil {
			return nil, err
		}
	}
	t.cache.Invalidate(left.Number())
	if err := t.freePage(right); err != nil {
		return nil, err
	}

	pp, err := t.src.Modify(parentPage)
	if err != nil {
		return nil, err
	}
	t.removeEntry(pp, rightIndex)
	return pp, nil
}

// removeEntry drops child i from a branch page. When the first child goes,
// the next one takes over the "before all keys" slot.
func (t *Tree) removeEntry(page base.Page, i int) {
	page.Remove(i)
	if i != 0 || page.NumEntries() == 0 {
		return
	}
	first := branchEntry(nil, page.Child(0))
	page.Remove(0)
	// Shorter than the entry it replaces, always fits
	_ = first.insertInto(page, 0)
}

// shrinkRoot collapses branch roots with a single child and turns a root
// branch with no children back into an empty leaf.
func (t *Tree) shrinkRoot(root base.Page) error {
	for root.IsBranch() {
		switch root.NumEntries() {
		case 0:
			w, err := t.src.Modify(root.Number())
			if err != nil {
				return err
			}
			w.Init(w.Number(), base.LeafPageFlag)
			t.header.BranchPages--
			t.header.LeafPages++
			t.header.Depth = 1
			t.cache.Clear()
			return nil
		case 1:
			child := root.Child(0)
			if err := t.freePage(root); err != nil {
				return err
			}
			t.header.Root = child
			t.header.Depth--
			t.cache.Clear()

			next, err := t.src.Read(child, 1)
			if err != nil {
				return err
			}
			root = next
		default:
			return nil
		}
	}
	return nil
}
