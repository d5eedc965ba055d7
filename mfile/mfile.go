//go:build !windows

// Package mfile owns the database file: the descriptor, a read-only
// memory mapping of its current contents, the advisory file locks, and
// the append / patch / fsync primitives everything above is built on.
// It knows nothing about the record format.
//
// Writes go through the descriptor, reads through the mapping; on
// Linux both sides share the page cache so a patch is visible to the
// mapping as soon as the pwrite returns. Locking uses flock(2) on a
// sidecar "<path>.lock" file rather than the data file itself, so the
// lock survives the data file being atomically replaced by a
// checkpoint. After taking a lock the caller must Revalidate: the
// inode under the path may have changed.
package mfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned by the non-blocking lock acquires when another
// process holds a conflicting lock.
var ErrLocked = errors.New("file is locked")

// LockSuffix is appended to the database path to name the sidecar
// lock file.
const LockSuffix = ".lock"

// File is an open database file. It is not internally synchronized:
// the caller serializes all access (the DB handle holds one mutex
// across every operation).
type File struct {
	path string
	f    *os.File
	fl   *flock.Flock
	data []byte // read-only mapping of the whole file, nil when empty
	size int64  // physical size, always == len(data) once mapped
	ro   bool
}

// Open opens (and with create, creates) the database file and its
// sidecar lock file. The mapping is established immediately if the
// file is non-empty.
func Open(path string, create, readOnly bool) (*File, error) {
	mode := os.O_RDWR
	if readOnly {
		mode = os.O_RDONLY
	}
	if create && !readOnly {
		mode |= os.O_CREATE
	}
	f, err := os.OpenFile(path, mode, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// Touch the sidecar now rather than on first lock acquisition, so
	// it exists for the lifetime of the handle.
	lockPath := path + LockSuffix
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create %s: %w", lockPath, err)
	}
	lf.Close()

	mf := &File{
		path: path,
		f:    f,
		fl:   flock.New(lockPath),
		ro:   readOnly,
	}
	if err := mf.remap(); err != nil {
		f.Close()
		return nil, err
	}
	return mf, nil
}

// Path returns the database file path.
func (mf *File) Path() string { return mf.path }

// Size returns the physical file size.
func (mf *File) Size() int64 { return mf.size }

// Data returns the read-only mapping of the whole file. The slice is
// invalidated by Append, Truncate, Revalidate and Close.
func (mf *File) Data() []byte { return mf.data }

// remap refreshes the mapping to cover the current physical size.
func (mf *File) remap() error {
	st, err := mf.f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", mf.path, err)
	}
	size := st.Size()
	if mf.data != nil && size == mf.size {
		return nil
	}
	if mf.data != nil {
		if err := unix.Munmap(mf.data); err != nil {
			return fmt.Errorf("munmap %s: %w", mf.path, err)
		}
		mf.data = nil
	}
	mf.size = size
	if size == 0 {
		return nil
	}
	data, err := unix.Mmap(int(mf.f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", mf.path, err)
	}
	mf.data = data
	return nil
}

// Append writes b at the physical end of the file and returns the
// offset it was written at. The caller guarantees (by holding the
// exclusive lock and having truncated any stale tail) that the
// physical end is the logical end.
func (mf *File) Append(b []byte) (int64, error) {
	off := mf.size
	if _, err := mf.f.WriteAt(b, off); err != nil {
		return 0, fmt.Errorf("append %s: %w", mf.path, err)
	}
	mf.size = -1 // force remap; it owns the size bookkeeping
	if err := mf.remap(); err != nil {
		return 0, err
	}
	return off, nil
}

// WriteAt patches existing bytes in place. Used only for forward
// pointer slots and the header, never for key or value bytes.
func (mf *File) WriteAt(off int64, b []byte) error {
	if off+int64(len(b)) > mf.size {
		return fmt.Errorf("write at %d past end %d of %s", off, mf.size, mf.path)
	}
	if _, err := mf.f.WriteAt(b, off); err != nil {
		return fmt.Errorf("patch %s at %d: %w", mf.path, off, err)
	}
	return nil
}

// Sync flushes written data to stable storage.
func (mf *File) Sync() error {
	if err := mf.f.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", mf.path, err)
	}
	return nil
}

// Truncate cuts the file back to size and refreshes the mapping.
func (mf *File) Truncate(size int64) error {
	if err := mf.f.Truncate(size); err != nil {
		return fmt.Errorf("truncate %s to %d: %w", mf.path, size, err)
	}
	mf.size = -1 // force remap
	return mf.remap()
}

// RLock takes the shared lock, blocking.
func (mf *File) RLock() error { return mf.fl.RLock() }

// TryRLock takes the shared lock without blocking, returning ErrLocked
// if a writer holds it.
func (mf *File) TryRLock() error {
	ok, err := mf.fl.TryRLock()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// Lock takes the exclusive lock, blocking.
func (mf *File) Lock() error { return mf.fl.Lock() }

// TryLock takes the exclusive lock without blocking, returning
// ErrLocked if anyone else holds any lock.
func (mf *File) TryLock() error {
	ok, err := mf.fl.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// Unlock releases whichever lock is held.
func (mf *File) Unlock() error { return mf.fl.Unlock() }

// Revalidate must be called after every lock acquisition. It detects
// the two things another process can have done in the meantime: grown
// or shrunk the file (remap), or replaced it wholesale via a
// checkpoint rename (reopen the path and map the new inode). Reports
// whether the underlying inode changed.
func (mf *File) Revalidate() (replaced bool, err error) {
	cur, err := mf.f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", mf.path, err)
	}
	onDisk, err := os.Stat(mf.path)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", mf.path, err)
	}
	if sameInode(cur, onDisk) {
		return false, mf.remap()
	}

	mode := os.O_RDWR
	if mf.ro {
		mode = os.O_RDONLY
	}
	f, err := os.OpenFile(mf.path, mode, 0o644)
	if err != nil {
		return false, fmt.Errorf("reopen %s: %w", mf.path, err)
	}
	if mf.data != nil {
		if err := unix.Munmap(mf.data); err != nil {
			f.Close()
			return false, fmt.Errorf("munmap %s: %w", mf.path, err)
		}
		mf.data = nil
	}
	mf.f.Close()
	mf.f = f
	mf.size = -1
	return true, mf.remap()
}

func sameInode(a, b os.FileInfo) bool {
	sa, ok1 := a.Sys().(*syscall.Stat_t)
	sb, ok2 := b.Sys().(*syscall.Stat_t)
	if !ok1 || !ok2 {
		return false
	}
	return sa.Dev == sb.Dev && sa.Ino == sb.Ino
}

// SyncDir fsyncs the directory containing path, making a rename in it
// durable.
func SyncDir(path string) error {
	d, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Close unmaps, closes the descriptor and releases any lock held.
func (mf *File) Close() error {
	var first error
	if mf.data != nil {
		if err := unix.Munmap(mf.data); err != nil && first == nil {
			first = err
		}
		mf.data = nil
	}
	if err := mf.f.Close(); err != nil && first == nil {
		first = err
	}
	if err := mf.fl.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
