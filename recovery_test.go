package twoskip

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/twoskipdb/twoskip/record"
)

// Crash simulation: the tests below rewrite the header (or tear the
// tail) of a closed database file the way a crash at a specific point
// of the commit sequence would leave it, then reopen and let recovery
// repair it.

func readHeader(t *testing.T, path string) record.Header {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var h record.Header
	if err := h.DecodeHeader(b); err != nil {
		t.Fatalf("decode header: %v", err)
	}
	return h
}

func writeRawHeader(t *testing.T, path string, h record.Header) {
	t.Helper()
	var buf [record.HeaderSize]byte
	h.EncodeHeader(buf[:])
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(buf[:], 0); err != nil {
		t.Fatalf("write header: %v", err)
	}
}

func patchRawPtr(t *testing.T, path string, off, val uint64) {
	t.Helper()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], val)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(buf[:], int64(off)); err != nil {
		t.Fatalf("patch pointer: %v", err)
	}
}

// Crash after the data fsync of a commit but before the header write:
// the file holds complete COMMIT-terminated groups past the committed
// size, which recovery must roll forward.
func TestRecoveryRollForward(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.db")
	db, err := Open(testOptions(path))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustStore(t, db, "a", "1")
	mustStore(t, db, "b", "2")
	mustStore(t, db, "c", "3")
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	old := readHeader(t, path)

	db, err = Open(&Options{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	txn, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := db.Store([]byte("d"), []byte("4"), txn); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := db.Store([]byte("e"), []byte("5"), txn); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Put back the pre-transaction header with the dirty flag set, as
	// if the machine died between the two commit fsyncs.
	old.Flags |= record.FlagDirty
	writeRawHeader(t, path, old)

	db, err = Open(testOptions(path))
	if err != nil {
		t.Fatalf("open after crash: %v", err)
	}
	defer db.Close()
	for key, want := range map[string]string{"a": "1", "b": "2", "c": "3", "d": "4", "e": "5"} {
		mustFetch(t, db, key, want)
	}
	count, _ := db.Count()
	if count != 5 {
		t.Fatalf("count after roll-forward: %d", count)
	}
	if h := readHeader(t, path); h.Dirty() {
		t.Fatal("header still dirty after recovery")
	}
}

// Crash mid-append: the transaction's tail is torn, so recovery must
// drop it and keep only the last committed state.
func TestRecoveryTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.db")
	db, err := Open(testOptions(path))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustStore(t, db, "a", "1")
	mustStore(t, db, "b", "2")
	mustStore(t, db, "c", "3")
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	old := readHeader(t, path)

	db, err = Open(&Options{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	txn, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := db.Store([]byte("d"), []byte("4"), txn); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := db.Store([]byte("e"), []byte("5"), txn); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Tear the trailing COMMIT marker and restore the old dirty header:
	// the second transaction never completed on disk.
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, fi.Size()-8); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	old.Flags |= record.FlagDirty
	writeRawHeader(t, path, old)

	db, err = Open(testOptions(path))
	if err != nil {
		t.Fatalf("open after crash: %v", err)
	}
	defer db.Close()
	mustFetch(t, db, "a", "1")
	mustFetch(t, db, "b", "2")
	mustFetch(t, db, "c", "3")
	for _, key := range []string{"d", "e"} {
		if _, err := db.Fetch([]byte(key), nil); !errors.Is(err, ErrNotFound) {
			t.Fatalf("torn key %q survived: %v", key, err)
		}
	}
	size, _ := db.Size()
	if size != old.CurrentSize {
		t.Fatalf("size %d after recovery, want committed %d", size, old.CurrentSize)
	}
}

// Crash mid-stitch: a forward pointer was patched to skip a live
// record. Recovery derives every pointer from append order, so the
// skipped record comes back.
func TestRecoveryRelinksPointers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stitch.db")
	db, err := Open(testOptions(path))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustStore(t, db, "a", "1")
	mustStore(t, db, "b", "2")
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var dummy, aRec record.Record
	if err := dummy.Decode(data, record.HeaderSize); err != nil {
		t.Fatalf("decode dummy: %v", err)
	}
	if err := aRec.Decode(data, dummy.Ptr[0]); err != nil {
		t.Fatalf("decode first key: %v", err)
	}
	// Point the dummy's level-0 slot past "a", as a torn unstitch would.
	patchRawPtr(t, path, dummy.SlotPos(0), aRec.Ptr[0])
	h := readHeader(t, path)
	h.Flags |= record.FlagDirty
	writeRawHeader(t, path, h)

	db, err = Open(testOptions(path))
	if err != nil {
		t.Fatalf("open after crash: %v", err)
	}
	defer db.Close()
	mustFetch(t, db, "a", "1")
	mustFetch(t, db, "b", "2")
	if err := db.Check(); err != nil {
		t.Fatalf("consistency: %v", err)
	}
}

// A dirty file whose tail holds amendments and tombstones: the
// inventory must replay them in append order.
func TestRecoveryReplaysAmendments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "amend.db")
	db, err := Open(testOptions(path))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustStore(t, db, "k", "v1")
	mustStore(t, db, "k", "v2")
	mustStore(t, db, "gone", "x")
	if err := db.Delete([]byte("gone"), nil, false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	mustStore(t, db, "gone", "back")
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	h := readHeader(t, path)
	h.Flags |= record.FlagDirty
	writeRawHeader(t, path, h)

	db, err = Open(testOptions(path))
	if err != nil {
		t.Fatalf("open after crash: %v", err)
	}
	defer db.Close()
	mustFetch(t, db, "k", "v2")
	mustFetch(t, db, "gone", "back")
	count, _ := db.Count()
	if count != 2 {
		t.Fatalf("count after recovery: %d", count)
	}
}

// Recovery must write, so a read-only open of a dirty file fails
// instead of silently serving a broken index.
func TestRecoveryRefusedReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.db")
	db, err := Open(testOptions(path))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustStore(t, db, "a", "1")
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	h := readHeader(t, path)
	h.Flags |= record.FlagDirty
	writeRawHeader(t, path, h)

	if _, err := Open(&Options{Path: path, ReadOnly: true}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("read-only open of dirty file: %v", err)
	}

	// A writable open repairs it, after which read-only works.
	db, err = Open(testOptions(path))
	if err != nil {
		t.Fatalf("writable open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ro, err := Open(&Options{Path: path, ReadOnly: true})
	if err != nil {
		t.Fatalf("read-only open after repair: %v", err)
	}
	defer ro.Close()
	mustFetch(t, ro, "a", "1")
}

// A clean header with bytes past the committed size means the crash
// happened before even the dirty flag reached the disk. The stale tail
// is dropped on the next exclusive lock.
func TestStaleTailDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.db")
	db, err := Open(testOptions(path))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustStore(t, db, "a", "1")
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.Write(make([]byte, 64)); err != nil {
		t.Fatalf("append junk: %v", err)
	}
	f.Close()

	db, err = Open(testOptions(path))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	mustStore(t, db, "b", "2")
	mustFetch(t, db, "a", "1")
	mustFetch(t, db, "b", "2")
	if err := db.Check(); err != nil {
		t.Fatalf("consistency: %v", err)
	}
}
