package pagetable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/vordb/internal/base"
)

const pageSize = base.DefaultPageSize

func image(n base.PageNumber, pages int, txn uint64) []byte {
	buf := make(base.Page, pages*pageSize)
	buf.Init(n, base.LeafPageFlag)
	buf.SetTxnID(txn)
	return buf
}

func commit(tbl *Table, txn uint64, pages ...base.PageNumber) {
	runs := make([]Run, 0, len(pages))
	for _, n := range pages {
		runs = append(runs, Run{Page: n, Version: Version{Pages: 1, Data: image(n, 1, txn)}})
	}
	tbl.Add(base.TxState{TxnID: txn}, runs)
}

func TestLookupRespectsSnapshot(t *testing.T) {
	t.Parallel()

	tbl := New(pageSize)
	commit(tbl, 1, 10, 11)
	commit(tbl, 2, 10)
	commit(tbl, 4, 10, 12)

	tests := []struct {
		page     base.PageNumber
		snapshot uint64
		found    bool
		txn      uint64
	}{
		{10, 0, false, 0},
		{10, 1, true, 1},
		{10, 2, true, 2},
		{10, 3, true, 2},
		{10, 9, true, 4},
		{11, 9, true, 1},
		{12, 3, false, 0},
		{13, 9, false, 0},
	}
	for _, tt := range tests {
		page, ok, err := tbl.Lookup(tt.page, 1, tt.snapshot)
		require.NoError(t, err)
		require.Equal(t, tt.found, ok, "page %d at %d", tt.page, tt.snapshot)
		if ok {
			assert.Equal(t, tt.txn, page.TxnID(), "page %d at %d", tt.page, tt.snapshot)
		}
	}
}

func TestLookupRunLength(t *testing.T) {
	t.Parallel()

	tbl := New(pageSize)
	tbl.Add(base.TxState{TxnID: 1}, []Run{{Page: 20, Version: Version{Pages: 3, Data: image(20, 3, 1)}}})

	run, ok, err := tbl.Lookup(20, 3, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, run, 3*pageSize)

	_, _, err = tbl.Lookup(20, 4, 1)
	assert.ErrorIs(t, err, base.ErrCorruptPage)
}

func TestFlushableAndRemove(t *testing.T) {
	t.Parallel()

	tbl := New(pageSize)
	commit(tbl, 1, 10, 11)
	commit(tbl, 2, 10)
	commit(tbl, 3, 11, 12)

	runs := tbl.Flushable(2)
	require.Len(t, runs, 2)
	assert.Equal(t, base.PageNumber(11), runs[0].Page)
	assert.Equal(t, uint64(1), runs[0].TxnID)
	assert.Equal(t, base.PageNumber(10), runs[1].Page)
	assert.Equal(t, uint64(2), runs[1].TxnID)

	_, ok := tbl.State(2)
	assert.True(t, ok)

	tbl.RemoveUpTo(2)
	stats := tbl.Stats()
	assert.Equal(t, 2, stats.Versions)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, int64(2*pageSize), stats.Bytes)

	_, ok = tbl.State(2)
	assert.False(t, ok)
	_, ok, _ = tbl.Lookup(10, 1, 5)
	assert.False(t, ok, "page 10 must come from the data file now")
	page, ok, _ := tbl.Lookup(11, 1, 5)
	require.True(t, ok)
	assert.Equal(t, uint64(3), page.TxnID())
}

func TestFlushableOrdersOverlappingRuns(t *testing.T) {
	t.Parallel()

	tbl := New(pageSize)
	// A three page run at 30 is later freed and page 31 reused on its own
	tbl.Add(base.TxState{TxnID: 1}, []Run{{Page: 30, Version: Version{Pages: 3, Data: image(30, 3, 1)}}})
	commit(tbl, 5, 31)

	runs := tbl.Flushable(5)
	require.Len(t, runs, 2)
	assert.Equal(t, base.PageNumber(30), runs[0].Page)
	assert.Equal(t, base.PageNumber(31), runs[1].Page)
}
