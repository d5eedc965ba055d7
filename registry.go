package twoskip

import (
	"path/filepath"
	"sync"
)

// The process-wide open-file table. One process must never hold two
// descriptors to the same database: flock(2) would treat the second
// descriptor as a different locker and the handle would deadlock
// against itself. Opens are therefore deduplicated by canonical path
// and handles are reference counted. This is deliberate shared
// mutable state, guarded by a single mutex, initialized here and torn
// down only by the final Close of each handle.
var registry = struct {
	sync.Mutex
	open map[string]*DB
}{open: make(map[string]*DB)}

// Open opens the database at opts.Path, creating it when opts.Create
// is set. Opening a path that is already open in this process returns
// the same handle with its reference count bumped; the options of the
// first opener win. If the previous writer of the file crashed
// mid-transaction, recovery runs before Open returns.
func Open(opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	canonical, err := filepath.Abs(filepath.Clean(opts.Path))
	if err != nil {
		return nil, err
	}

	registry.Lock()
	defer registry.Unlock()
	if db := registry.open[canonical]; db != nil {
		db.refs++
		return db, nil
	}
	db, err := openDB(canonical, opts)
	if err != nil {
		return nil, err
	}
	db.refs = 1
	registry.open[canonical] = db
	return db, nil
}

// Close drops one reference to the handle; the final reference
// releases the file, the mapping and the registry entry. Safe to
// call more than once on a fully closed handle.
func (db *DB) Close() error {
	registry.Lock()
	if db.refs > 0 {
		db.refs--
		if db.refs > 0 {
			registry.Unlock()
			return nil
		}
		delete(registry.open, db.path)
	}
	registry.Unlock()

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	db.logger.Debug("closed database", "path", db.path)
	return db.mf.Close()
}
