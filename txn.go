package twoskip

import (
	"fmt"

	"github.com/twoskipdb/twoskip/record"
)

// Txn is the single outstanding write transaction of a database
// handle. It owns the exclusive file lock and the handle mutex from
// Begin until Commit or Abort; every mutation made through it is
// invisible to other processes until Commit's header write lands.
type Txn struct {
	db       *DB
	logstart uint64 // logical end when the transaction began
	appends  int    // records appended so far
	done     bool
}

// Begin starts a write transaction, blocking until the exclusive lock
// is available. If the previous lock holder crashed mid-transaction,
// recovery runs here before Begin returns.
func (db *DB) Begin() (*Txn, error) { return db.begin(false) }

// TryBegin is Begin with a non-blocking lock acquire; it returns
// ErrLocked immediately if another process holds any lock.
func (db *DB) TryBegin() (*Txn, error) { return db.begin(true) }

func (db *DB) begin(try bool) (*Txn, error) {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, ErrDBClosed
	}
	if db.opts.ReadOnly {
		db.mu.Unlock()
		return nil, ErrReadOnly
	}
	if err := db.lockExclusive(try); err != nil {
		db.mu.Unlock()
		return nil, err
	}
	t := &Txn{db: db, logstart: db.end}
	db.txn = t
	// db.mu stays held for the life of the transaction.
	return t, nil
}

// release finishes the transaction and gives up both locks.
func (t *Txn) release() {
	db := t.db
	t.done = true
	db.txn = nil
	db.mf.Unlock()
	db.mu.Unlock()
}

// Commit makes the transaction's writes durable: append a COMMIT
// marker referencing the transaction's log start, fsync the data,
// then write and fsync the header with the new current size and the
// dirty flag cleared. A crash between the two fsyncs is repaired by
// the next opener's recovery scan, which rolls the complete
// COMMIT-terminated group forward. A transaction that appended
// nothing just releases its locks.
func (t *Txn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	db := t.db
	if db.txn != t {
		return fmt.Errorf("%w: transaction does not own this database", ErrLocked)
	}
	defer t.release()

	if t.appends == 0 {
		return nil
	}

	crec := record.Record{Type: record.TypeCommit, Level: 0}
	crec.Ptr[0] = t.logstart
	if _, err := db.appendRecord(&crec, nil, nil); err != nil {
		db.abortLocked(t)
		return err
	}
	if !db.opts.NoSync {
		if err := db.mf.Sync(); err != nil {
			db.abortLocked(t)
			return err
		}
	}

	saved := db.hdr
	db.hdr.CurrentSize = db.end
	db.hdr.NumRecords = db.numLive
	db.hdr.Flags &^= record.FlagDirty
	if err := db.writeHeader(); err != nil {
		db.hdr = saved
		db.abortLocked(t)
		return err
	}
	if !db.opts.NoSync {
		if err := db.mf.Sync(); err != nil {
			return err
		}
	}

	if db.opts.Paranoid {
		if err := db.checkLocked(); err != nil {
			db.logger.Error("paranoid check failed after commit", "error", err, "path", db.path)
			return err
		}
	}

	db.maybeCheckpointLocked()
	return nil
}

// Abort throws the transaction away: the file is truncated back to
// the transaction's log start, erasing the appended records, and a
// recovery pass re-derives every forward pointer so that stitching
// already applied to pre-existing records is undone.
func (t *Txn) Abort() error {
	if t.done {
		return ErrTxnDone
	}
	db := t.db
	if db.txn != t {
		return fmt.Errorf("%w: transaction does not own this database", ErrLocked)
	}
	defer t.release()
	return db.abortLocked(t)
}

func (db *DB) abortLocked(t *Txn) error {
	if t.appends == 0 && !db.hdr.Dirty() {
		return nil
	}
	// A commit that failed partway may have advanced the in-memory
	// header past the transaction's log start; only what came before
	// the transaction is trusted.
	if db.hdr.CurrentSize > t.logstart {
		db.hdr.CurrentSize = t.logstart
	}
	if err := db.mf.Truncate(int64(t.logstart)); err != nil {
		return err
	}
	return db.recoverLocked()
}
