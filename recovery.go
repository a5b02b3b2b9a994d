package vordb

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sort"

	"github.com/alexhholmes/vordb/internal/base"
	"github.com/alexhholmes/vordb/internal/journal"
)

// image is a page run rebuilt from the journal.
type image struct {
	data []byte
	txn  uint64
}

// recover replays the journals left behind by the last run on top of the
// data file and returns the state of the last intact transaction. The
// replayed pages and header are made durable before the journals are
// deleted, so a crash here just replays them again.
func (e *Env) recover(hdr *base.FileHeader) (base.TxState, error) {
	dir := filepath.Join(e.path, journalDirName)
	ps := e.pager.PageSize()

	view := e.pager.AcquireState()
	defer view.Release()

	recovered := make(map[base.PageNumber]image)
	// load returns the image of the run at n as of the previous transaction
	load := func(staged map[base.PageNumber]image, n base.PageNumber, count int) []byte {
		dst := make([]byte, count*ps)
		if img, ok := staged[n]; ok {
			copy(dst, img.data)
		} else if img, ok := recovered[n]; ok {
			copy(dst, img.data)
		} else if page, err := view.Page(n, count); err == nil {
			copy(dst, page)
		}
		return dst
	}

	res, err := journal.Recover(dir, ps, hdr.State.TxnID, func(rec journal.Record) error {
		staged := make(map[base.PageNumber]image, len(rec.Entries))
		for _, entry := range rec.Entries {
			dst := load(staged, entry.Page, int(entry.Pages))
			if err := entry.Apply(dst); err != nil {
				return fmt.Errorf("page %d: %w", entry.Page, err)
			}
			staged[entry.Page] = image{data: dst, txn: rec.State.TxnID}
		}
		maps.Copy(recovered, staged)
		return nil
	})
	if err != nil {
		return base.TxState{}, fmt.Errorf("recovery: %w", err)
	}
	if res.Boundary != nil {
		e.logger.Warn("journal replay stopped early, later transactions discarded",
			"boundary", res.Boundary, "last_txn", max(res.Last.TxnID, hdr.State.TxnID))
	}

	lastJournal := hdr.LastJournal
	if len(res.Files) > 0 {
		lastJournal = max(lastJournal, slices.Max(res.Files))
	}

	state := hdr.State
	if res.Records > 0 {
		state = res.Last
		if err := e.writeRecovered(recovered); err != nil {
			return base.TxState{}, fmt.Errorf("recovery: %w", err)
		}
		if err := e.writeHeader(state, lastJournal); err != nil {
			return base.TxState{}, fmt.Errorf("recovery: %w", err)
		}
	}
	e.lastJournal = lastJournal

	if err := journal.Remove(dir, res.Files); err != nil {
		return base.TxState{}, fmt.Errorf("recovery: %w", err)
	}

	e.logger.Info("recovery complete",
		"txn", state.TxnID,
		"records", res.Records,
		"skipped", res.Skipped,
		"journals", len(res.Files),
		"pages", len(recovered))
	return state, nil
}

// writeRecovered writes the replayed runs to the data file in commit order,
// so where runs of different transactions overlap the newest one wins.
func (e *Env) writeRecovered(recovered map[base.PageNumber]image) error {
	pages := make([]base.PageNumber, 0, len(recovered))
	for n := range recovered {
		pages = append(pages, n)
	}
	sort.Slice(pages, func(i, j int) bool {
		a, b := recovered[pages[i]], recovered[pages[j]]
		if a.txn != b.txn {
			return a.txn < b.txn
		}
		return pages[i] < pages[j]
	})

	for _, n := range pages {
		if err := e.pager.Write(n, recovered[n].data); err != nil {
			return err
		}
	}
	return e.pager.Sync()
}
