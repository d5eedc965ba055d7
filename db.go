// Package twoskip is an embedded, single-writer, crash-consistent
// ordered key-value store over a single append-only file. The index
// is an on-disk skip list: records carry multi-level forward pointers
// and search walks them from the dummy sentinel down. Writes append
// records and patch forward pointers in place; commits are a COMMIT
// marker plus a two-phase fsynced header update; recovery after an
// unclean shutdown re-derives every pointer from one linear scan. The
// data file is its own log.
//
// Concurrency is between processes, via advisory file locks: one
// writer, any number of readers. Within a process a handle serializes
// all operations on one mutex, and opening the same path twice
// returns the same reference-counted handle.
package twoskip

import (
	"bytes"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/twoskipdb/twoskip/mfile"
	"github.com/twoskipdb/twoskip/record"
)

// DB is an open database handle. Safe for concurrent use by multiple
// goroutines; operations are serialized on an internal mutex, which
// an explicit transaction holds from Begin until Commit or Abort.
// Beginning a transaction while the same goroutine already has one
// open will deadlock, exactly like a nested write transaction in
// bbolt.
type DB struct {
	path   string // canonical path, registry key
	opts   *Options
	logger *slog.Logger
	rnd    *rand.Rand

	// The main mutex. Held for the duration of every operation, and
	// for the whole life of an explicit transaction. Coarse, but the
	// engine is single-writer by contract and flock(2) would treat a
	// second descriptor in this process as a conflicting locker
	// anyway.
	mu sync.Mutex

	mf  *mfile.File
	hdr record.Header

	// end is the logical end of valid data: header CurrentSize plus
	// anything appended by the open transaction.
	end uint64
	// numLive tracks the live record count the same way.
	numLive uint64

	txn    *Txn // the outstanding write transaction, nil when none
	refs   int  // registry reference count
	closed bool
}

// openDB opens the file and validates or creates its contents. Called
// by Open with the registry lock held, before the handle is shared.
func openDB(path string, opts *Options) (*DB, error) {
	db := &DB{
		path:   path,
		opts:   opts,
		logger: opts.Logger,
		rnd:    opts.Rand,
	}

	mf, err := mfile.Open(path, opts.Create && !opts.ReadOnly, opts.ReadOnly)
	if err != nil {
		return nil, err
	}
	db.mf = mf

	if mf.Size() == 0 {
		if opts.ReadOnly || !opts.Create {
			mf.Close()
			return nil, fmt.Errorf("%s: %w: empty database file", path, ErrCorrupt)
		}
		if err := db.initFile(); err != nil {
			mf.Close()
			return nil, err
		}
	}

	// Validate the header, running recovery first if a previous
	// writer died mid-transaction.
	if err := db.lockShared(); err != nil {
		mf.Close()
		return nil, err
	}
	gen, n := db.hdr.Generation, db.hdr.NumRecords
	db.mf.Unlock()

	db.logger.Debug("opened database", "path", path, "generation", gen, "records", n)
	return db, nil
}

// initFile writes the initial file: a zeroed header placeholder, the
// dummy sentinel with a full-height empty tower, an initial COMMIT,
// and finally the real header. Racing creators are serialized on the
// exclusive lock; the loser finds a non-empty file and backs off.
func (db *DB) initFile() error {
	if err := db.mf.Lock(); err != nil {
		return fmt.Errorf("lock for create: %w", err)
	}
	defer db.mf.Unlock()
	if _, err := db.mf.Revalidate(); err != nil {
		return err
	}
	if db.mf.Size() > 0 {
		return nil
	}

	dummyLen := record.EncodedLen(record.MaxLevel, 0, 0)
	commitLen := record.EncodedLen(0, 0, 0)
	end := record.HeaderSize + dummyLen + commitLen

	var hbuf [record.HeaderSize]byte
	if _, err := db.mf.Append(hbuf[:]); err != nil {
		return err
	}

	dummy := record.Record{Type: record.TypeDummy, Level: record.MaxLevel}
	buf := make([]byte, dummyLen)
	dummy.Encode(buf, nil, nil)
	if _, err := db.mf.Append(buf); err != nil {
		return err
	}

	commit := record.Record{Type: record.TypeCommit, Level: 0}
	commit.Ptr[0] = record.HeaderSize + dummyLen
	cbuf := make([]byte, commitLen)
	commit.Encode(cbuf, nil, nil)
	if _, err := db.mf.Append(cbuf); err != nil {
		return err
	}

	db.hdr = record.Header{
		Version:     record.Version,
		Generation:  1,
		RepackSize:  end,
		CurrentSize: end,
	}
	if !db.opts.NoSync {
		if err := db.mf.Sync(); err != nil {
			return err
		}
	}
	if err := db.writeHeader(); err != nil {
		return err
	}
	if db.opts.NoSync {
		return nil
	}
	return db.mf.Sync()
}

// loadHeader re-reads and validates the header from the mapping.
// Must be called after every lock acquisition: another process may
// have committed, checkpointed or crashed since our last look.
func (db *DB) loadHeader() error {
	data := db.mf.Data()
	if err := db.hdr.DecodeHeader(data); err != nil {
		return err
	}
	if db.hdr.CurrentSize < record.HeaderSize || db.hdr.CurrentSize > uint64(db.mf.Size()) {
		return fmt.Errorf("%w: current size %d outside file of %d bytes",
			ErrCorrupt, db.hdr.CurrentSize, db.mf.Size())
	}
	db.end = db.hdr.CurrentSize
	db.numLive = db.hdr.NumRecords
	return nil
}

// writeHeader rewrites the 64-byte header in place. Durability is the
// caller's problem; commit orders its fsyncs around this.
func (db *DB) writeHeader() error {
	var buf [record.HeaderSize]byte
	db.hdr.EncodeHeader(buf[:])
	return db.mf.WriteAt(0, buf[:])
}

// setDirty writes the dirty flag before the first append of a
// transaction, so any observer of a crash knows recovery is needed.
func (db *DB) setDirty() error {
	if db.hdr.Dirty() {
		return nil
	}
	db.hdr.Flags |= record.FlagDirty
	return db.writeHeader()
}

// lockShared takes the shared lock and revalidates. If the header is
// dirty a previous writer crashed mid-transaction; the lock is
// upgraded by release-then-acquire (never in place, so no deadlock),
// recovery is run, and the shared lock is retaken.
func (db *DB) lockShared() error {
	for range 5 {
		if err := db.mf.RLock(); err != nil {
			return fmt.Errorf("read lock: %w", err)
		}
		if _, err := db.mf.Revalidate(); err != nil {
			db.mf.Unlock()
			return err
		}
		if err := db.loadHeader(); err != nil {
			db.mf.Unlock()
			return err
		}
		if !db.hdr.Dirty() {
			return nil
		}

		db.mf.Unlock()
		if db.opts.ReadOnly {
			return fmt.Errorf("database needs recovery: %w", ErrReadOnly)
		}
		if err := db.lockExclusive(false); err != nil {
			return err
		}
		db.mf.Unlock()
		// Loop: a writer may dirty the file again before our shared
		// lock lands.
	}
	return fmt.Errorf("file kept changing under shared lock: %w", ErrLocked)
}

// lockExclusive takes the exclusive lock, revalidates, and repairs
// whatever the previous writer left behind: a dirty header triggers
// recovery, a clean header with trailing bytes means a crash whose
// dirty-flag write never reached the disk, so the tail is dropped.
func (db *DB) lockExclusive(try bool) error {
	if try {
		if err := db.mf.TryLock(); err != nil {
			return ErrLocked
		}
	} else if err := db.mf.Lock(); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	if _, err := db.mf.Revalidate(); err != nil {
		db.mf.Unlock()
		return err
	}
	if err := db.loadHeader(); err != nil {
		db.mf.Unlock()
		return err
	}
	if db.hdr.Dirty() {
		if err := db.recoverLocked(); err != nil {
			db.mf.Unlock()
			return err
		}
	} else if uint64(db.mf.Size()) > db.hdr.CurrentSize {
		if err := db.mf.Truncate(int64(db.hdr.CurrentSize)); err != nil {
			db.mf.Unlock()
			return err
		}
	}
	return nil
}

// checkTxn validates that a caller-supplied transaction belongs here
// and is still open. Misuse is a programmer error, hence ErrLocked.
func (db *DB) checkTxn(t *Txn) error {
	if t == nil || t.db != db {
		return fmt.Errorf("%w: transaction belongs to a different database", ErrLocked)
	}
	if t.done {
		return ErrTxnDone
	}
	return nil
}

// Fetch returns the value stored under key. Outside a transaction it
// takes the shared lock for the duration; inside one it sees the
// transaction's own uncommitted writes.
func (db *DB) Fetch(key []byte, txn *Txn) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrInvalidKey
	}
	if txn != nil {
		if err := db.checkTxn(txn); err != nil {
			return nil, err
		}
		return db.fetchLocked(key)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrDBClosed
	}
	if err := db.lockShared(); err != nil {
		return nil, err
	}
	defer db.mf.Unlock()
	return db.fetchLocked(key)
}

func (db *DB) fetchLocked(key []byte) ([]byte, error) {
	loc, err := db.find(key)
	if err != nil {
		return nil, err
	}
	if !loc.exact {
		return nil, ErrNotFound
	}
	var rec record.Record
	if err := rec.Decode(db.data(), loc.match); err != nil {
		return nil, err
	}
	val, err := db.liveValue(&rec)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(val), nil
}

// FetchNext returns the first key/value pair with key strictly
// greater than the given key, or the first pair in the database when
// key is nil. Returns ErrNotFound past the last key.
func (db *DB) FetchNext(key []byte, txn *Txn) ([]byte, []byte, error) {
	if txn != nil {
		if err := db.checkTxn(txn); err != nil {
			return nil, nil, err
		}
		return db.fetchNextLocked(key)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, nil, ErrDBClosed
	}
	if err := db.lockShared(); err != nil {
		return nil, nil, err
	}
	defer db.mf.Unlock()
	return db.fetchNextLocked(key)
}

func (db *DB) fetchNextLocked(key []byte) ([]byte, []byte, error) {
	loc, err := db.find(key)
	if err != nil {
		return nil, nil, err
	}
	off := loc.forward[0]
	if loc.exact {
		var cur record.Record
		if err := cur.Decode(db.data(), loc.match); err != nil {
			return nil, nil, err
		}
		if off, err = db.nextKeyOffset(&cur); err != nil {
			return nil, nil, err
		}
	}
	if off == 0 {
		return nil, nil, ErrNotFound
	}
	var rec record.Record
	if err := rec.Decode(db.data(), off); err != nil {
		return nil, nil, err
	}
	val, err := db.liveValue(&rec)
	if err != nil {
		return nil, nil, err
	}
	return bytes.Clone(rec.Key(db.data())), bytes.Clone(val), nil
}

// Store sets key to value, overwriting any existing value. With a nil
// txn the write runs in its own implicit transaction.
func (db *DB) Store(key, value []byte, txn *Txn) error {
	return db.write(txn, key, func() error {
		return db.storeLocked(key, value, true)
	})
}

// Create sets key to value and fails with ErrExists if the key is
// already present.
func (db *DB) Create(key, value []byte, txn *Txn) error {
	return db.write(txn, key, func() error {
		return db.storeLocked(key, value, false)
	})
}

// Delete removes key. Without force a missing key is ErrNotFound;
// with force the delete is idempotent and a missing key succeeds.
func (db *DB) Delete(key []byte, txn *Txn, force bool) error {
	return db.write(txn, key, func() error {
		return db.deleteLocked(key, force)
	})
}

// write routes a mutation through the supplied transaction, or wraps
// it in an implicit begin/commit with abort on failure.
func (db *DB) write(txn *Txn, key []byte, op func() error) error {
	if len(key) == 0 {
		return ErrInvalidKey
	}
	if txn != nil {
		if err := db.checkTxn(txn); err != nil {
			return err
		}
		return op()
	}

	t, err := db.Begin()
	if err != nil {
		return err
	}
	if err := op(); err != nil {
		t.Abort()
		return err
	}
	return t.Commit()
}

// Foreach visits every live key with the given prefix in key order.
// pred filters under the lock; cb is the caller's visitor and never
// runs with the lock held (outside a transaction both the file lock
// and the handle mutex are released around it), so a slow or
// reentrant callback cannot wedge other processes. If the file
// changed while the callback ran, the cursor relocates with a fresh
// search before advancing. Inside a transaction the locks are kept,
// and the callback may store and delete through that same
// transaction. A non-nil error from cb stops the walk and is
// returned.
func (db *DB) Foreach(prefix []byte, pred func(key, val []byte) bool, cb func(key, val []byte) error, txn *Txn) error {
	inTxn := txn != nil
	locked := false
	if inTxn {
		if err := db.checkTxn(txn); err != nil {
			return err
		}
	} else {
		db.mu.Lock()
		if db.closed {
			db.mu.Unlock()
			return ErrDBClosed
		}
		if err := db.lockShared(); err != nil {
			db.mu.Unlock()
			return err
		}
		locked = true
		defer func() {
			if locked {
				db.mf.Unlock()
				db.mu.Unlock()
			}
		}()
	}

	loc, err := db.find(prefix)
	if err != nil {
		return err
	}
	off := loc.forward[0]

	var keyBuf, valBuf []byte
	for off != 0 {
		var rec record.Record
		if err := rec.Decode(db.data(), off); err != nil {
			return err
		}
		key := rec.Key(db.data())
		if !bytes.HasPrefix(key, prefix) {
			return nil
		}
		val, err := db.liveValue(&rec)
		if err != nil {
			return err
		}

		if pred != nil && !pred(key, val) {
			if off, err = db.nextKeyOffset(&rec); err != nil {
				return err
			}
			continue
		}

		// Copy out: the mapping may be remapped or replaced while the
		// callback runs unlocked.
		keyBuf = append(keyBuf[:0], key...)
		valBuf = append(valBuf[:0], val...)
		gen, end := db.hdr.Generation, db.end

		if !inTxn {
			db.mf.Unlock()
			db.mu.Unlock()
			locked = false
		}
		cbErr := cb(keyBuf, valBuf)
		if !inTxn {
			db.mu.Lock()
			if db.closed {
				db.mu.Unlock()
				return fmt.Errorf("database closed during iteration: %w", ErrDBClosed)
			}
			if err := db.lockShared(); err != nil {
				db.mu.Unlock()
				return err
			}
			locked = true
		}
		if cbErr != nil {
			return cbErr
		}

		if gen != db.hdr.Generation || end != db.end {
			// The file moved underneath; cached pointers are garbage.
			// Relocate from scratch and resume past the visited key.
			loc, err := db.find(keyBuf)
			if err != nil {
				return err
			}
			off = loc.forward[0]
			if loc.exact {
				var cur record.Record
				if err := cur.Decode(db.data(), loc.match); err != nil {
					return err
				}
				if off, err = db.nextKeyOffset(&cur); err != nil {
					return err
				}
			}
			continue
		}
		if off, err = db.nextKeyOffset(&rec); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of live records.
func (db *DB) Count() (uint64, error) {
	return db.headerField(func(h *record.Header) uint64 { return h.NumRecords })
}

// Generation returns the checkpoint generation counter.
func (db *DB) Generation() (uint64, error) {
	return db.headerField(func(h *record.Header) uint64 { return h.Generation })
}

// Size returns the logical size of the committed data.
func (db *DB) Size() (uint64, error) {
	return db.headerField(func(h *record.Header) uint64 { return h.CurrentSize })
}

func (db *DB) headerField(get func(*record.Header) uint64) (uint64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0, ErrDBClosed
	}
	if err := db.lockShared(); err != nil {
		return 0, err
	}
	defer db.mf.Unlock()
	return get(&db.hdr), nil
}

// Path returns the canonical database file path.
func (db *DB) Path() string { return db.path }
