package docudb

import (
	"context"
	"errors"

	"github.com/hashicorp/go-multierror"

	"github.com/hupe1980/docudb/internal/store"
)

// Close waits for background splits, flushes the store and releases all
// resources. Close is idempotent.
func (db *DB) Close() error {
	db.bgMu.Lock()
	if !db.closed.CompareAndSwap(false, true) {
		db.bgMu.Unlock()
		return nil
	}
	db.bgMu.Unlock()
	db.wg.Wait()

	var result *multierror.Error
	db.mu.Lock()
	if err := db.saveCatalogLocked(context.Background()); err != nil {
		result = multierror.Append(result, err)
	}
	for _, c := range db.collections {
		c.close()
	}
	db.mu.Unlock()

	if err := db.shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	db.logger.Info("database closed", "dir", db.dir)
	return translateError("close", result.ErrorOrNil())
}

// goBackground runs fn on a tracked goroutine unless the DB is closing.
func (db *DB) goBackground(fn func()) bool {
	db.bgMu.Lock()
	defer db.bgMu.Unlock()
	if db.closed.Load() {
		return false
	}
	db.wg.Add(1)
	go func() {
		defer db.wg.Done()
		fn()
	}()
	return true
}

func (db *DB) shutdown() error {
	db.docs.Close()
	if err := db.store.Close(); err != nil && !errors.Is(err, store.ErrClosed) {
		return err
	}
	return nil
}
