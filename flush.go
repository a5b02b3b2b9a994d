package vordb

import (
	"fmt"
	"time"
)

// flusher runs flush on a ticker and whenever a commit reports enough
// unflushed bytes, until Close.
func (e *Env) flusher() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopC:
			return
		case <-ticker.C:
		case <-e.flushC:
		}

		e.flushMu.Lock()
		err := e.flush()
		e.flushMu.Unlock()
		if err != nil {
			// flush poisoned the environment, nothing left to do
			return
		}
	}
}

// Flush copies every committed transaction that no reader still needs
// from the page table into the data file, then deletes the journals it
// made redundant. Transactions newer than the oldest reader's snapshot
// stay in the page table.
func (e *Env) Flush() error {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if err := e.check(); err != nil {
		return err
	}

	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	return e.flush()
}

// flush must be called with flushMu held. A failure after the data file
// was touched leaves it ahead of the header, so the environment is failed
// and the next Open recovers from the journals.
func (e *Env) flush() error {
	if p := e.failure.Load(); p != nil {
		return fmt.Errorf("%w: %w", ErrEnvClosed, *p)
	}

	// Readers take their snapshot under snapMu too, so no reader can start
	// below the horizon once it is chosen
	e.snapMu.Lock()
	horizon := e.state.Load().TxnID
	if oldest, ok := e.readers.Oldest(); ok && oldest < horizon {
		horizon = oldest
	}
	e.snapMu.Unlock()

	if horizon <= e.flushed.TxnID {
		return nil
	}
	state, ok := e.table.State(horizon)
	if !ok {
		err := fmt.Errorf("%w: no committed state for txn %d", ErrCorruption, horizon)
		e.fail(err)
		return err
	}

	start := time.Now()
	runs := e.table.Flushable(horizon)
	bytes := 0
	for _, r := range runs {
		if err := e.pager.Write(r.Page, r.Data); err != nil {
			e.fail(fmt.Errorf("flush page %d: %w", r.Page, err))
			return err
		}
		bytes += len(r.Data)
	}
	if err := e.pager.Sync(); err != nil {
		e.fail(fmt.Errorf("flush sync: %w", err))
		return err
	}

	lastJournal := e.journal.Covered(horizon)
	if lastJournal == 0 {
		lastJournal = e.lastJournal
	}
	if err := e.writeHeader(state, lastJournal); err != nil {
		e.fail(fmt.Errorf("flush header: %w", err))
		return err
	}

	e.flushed = state
	e.table.RemoveUpTo(horizon)
	if err := e.journal.Release(horizon); err != nil {
		// Left over journals are skipped by txn on the next recovery
		e.logger.Warn("journal release failed", "txn", horizon, "error", err)
	}
	e.flushes.Add(1)

	e.logger.Info("flushed to data file",
		"txn", horizon,
		"runs", len(runs),
		"bytes", bytes,
		"duration", time.Since(start))
	return nil
}
