package twoskip

import (
	"errors"

	"github.com/twoskipdb/twoskip/record"
)

// Error definitions for the database.
// Standard Go practice - define all your errors in one place so they're easy to find.
var (
	// ErrNotFound is returned when a key is not found. This is an
	// ordinary result, not a failure.
	ErrNotFound = errors.New("key not found")

	// ErrExists is returned by Create when the key is already present.
	// Like ErrNotFound it is ordinary control flow.
	ErrExists = errors.New("key already exists")

	// ErrLocked is returned on transaction or lock misuse: a
	// non-blocking lock acquire that lost, or an operation routed
	// through the wrong transaction.
	ErrLocked = errors.New("database is locked")

	// ErrTxnDone is returned when using a transaction after Commit or
	// Abort has finished it.
	ErrTxnDone = errors.New("transaction already finished")

	// ErrDBClosed is returned when operating on a closed database
	ErrDBClosed = errors.New("database is closed")

	// ErrReadOnly is returned when attempting to write to a read-only database
	ErrReadOnly = errors.New("database is read-only")

	// ErrCorrupt is returned when the file fails an integrity check:
	// bad magic, bad version, CRC mismatch, or an impossible record.
	// A corrupt database is never auto-repaired.
	ErrCorrupt = record.ErrCorrupt

	// ErrTruncated is returned when a record extends past the end of
	// the mapped file. During recovery this means "stop scanning here";
	// anywhere else it is an I/O level failure.
	ErrTruncated = record.ErrTruncated

	// ErrIO is returned when a read, write, fsync or mmap syscall fails
	ErrIO = errors.New("I/O error")

	// ErrInternal is returned when a skip-list invariant is found
	// violated, e.g. out-of-order keys detected by a consistency walk.
	ErrInternal = errors.New("internal invariant violated")

	// ErrInvalidKey is returned when a key is empty
	ErrInvalidKey = errors.New("invalid key")

	// ErrDatabaseExists is returned by Restore when it would overwrite
	// an existing database file.
	ErrDatabaseExists = errors.New("database file already exists")

	// Configuration validation errors
	ErrInvalidPath              = errors.New("invalid database path")
	ErrInvalidCheckpointMinSize = errors.New("invalid checkpoint minimum size")
	ErrInvalidCheckpointRatio   = errors.New("invalid checkpoint ratio")
	ErrInvalidBackupLevel       = errors.New("invalid backup compression level")
)
