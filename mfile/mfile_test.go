package mfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openNew(t *testing.T) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	mf, err := Open(path, true, false)
	require.NoError(t, err)
	t.Cleanup(func() { mf.Close() })
	return mf
}

func TestOpenCreate(t *testing.T) {
	mf := openNew(t)
	require.Equal(t, int64(0), mf.Size())
	require.Nil(t, mf.Data())
	// The sidecar lock file exists beside the data file.
	_, err := os.Stat(mf.Path() + LockSuffix)
	require.NoError(t, err)
}

func TestOpenMissingWithoutCreate(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.db"), false, false)
	require.Error(t, err)
}

func TestAppendAndMap(t *testing.T) {
	mf := openNew(t)

	off, err := mf.Append([]byte("0123456789abcdef"))
	require.NoError(t, err)
	require.Equal(t, int64(0), off)

	off, err = mf.Append([]byte("ghijklmnopqrstuv"))
	require.NoError(t, err)
	require.Equal(t, int64(16), off)

	require.Equal(t, int64(32), mf.Size())
	require.Equal(t, []byte("0123456789abcdefghijklmnopqrstuv"), mf.Data())
}

func TestAppendGrowsMapping(t *testing.T) {
	// Every append must be readable through the mapping immediately,
	// starting from the very first one on an empty file.
	mf := openNew(t)
	var want []byte
	for i := 0; i < 10; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i)}, 8)
		off, err := mf.Append(chunk)
		require.NoError(t, err)
		require.Equal(t, int64(len(want)), off)
		want = append(want, chunk...)
		require.Equal(t, int64(len(want)), mf.Size())
		require.Equal(t, want, mf.Data())
	}
}

func TestWriteAtVisibleThroughMapping(t *testing.T) {
	mf := openNew(t)
	_, err := mf.Append(bytes.Repeat([]byte("x"), 32))
	require.NoError(t, err)

	// A pwrite through the descriptor must be visible in the mapping
	// without a remap: both share the page cache.
	require.NoError(t, mf.WriteAt(8, []byte("PATCHED!")))
	require.Equal(t, []byte("PATCHED!"), mf.Data()[8:16])
}

func TestWriteAtPastEnd(t *testing.T) {
	mf := openNew(t)
	_, err := mf.Append(make([]byte, 16))
	require.NoError(t, err)
	require.Error(t, mf.WriteAt(12, []byte("too long")))
}

func TestTruncate(t *testing.T) {
	mf := openNew(t)
	_, err := mf.Append(bytes.Repeat([]byte("z"), 64))
	require.NoError(t, err)

	require.NoError(t, mf.Truncate(24))
	require.Equal(t, int64(24), mf.Size())
	require.Len(t, mf.Data(), 24)

	require.NoError(t, mf.Truncate(0))
	require.Equal(t, int64(0), mf.Size())
	require.Nil(t, mf.Data())
}

func TestLockConflicts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	a, err := Open(path, true, false)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path, false, false)
	require.NoError(t, err)
	defer b.Close()

	// Shared locks coexist.
	require.NoError(t, a.RLock())
	require.NoError(t, b.TryRLock())
	require.NoError(t, b.Unlock())

	// A reader blocks a writer.
	require.ErrorIs(t, b.TryLock(), ErrLocked)
	require.NoError(t, a.Unlock())

	// A writer blocks everyone.
	require.NoError(t, a.Lock())
	require.ErrorIs(t, b.TryRLock(), ErrLocked)
	require.ErrorIs(t, b.TryLock(), ErrLocked)
	require.NoError(t, a.Unlock())
	require.NoError(t, b.TryLock())
	require.NoError(t, b.Unlock())
}

func TestRevalidateSameInode(t *testing.T) {
	mf := openNew(t)
	_, err := mf.Append([]byte("stable contents!"))
	require.NoError(t, err)

	replaced, err := mf.Revalidate()
	require.NoError(t, err)
	require.False(t, replaced)
	require.Equal(t, []byte("stable contents!"), mf.Data())
}

func TestRevalidateAfterRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")
	mf, err := Open(path, true, false)
	require.NoError(t, err)
	defer mf.Close()
	_, err = mf.Append([]byte("old contents 1234"))
	require.NoError(t, err)

	// Replace the file wholesale, the way a checkpoint does.
	next := filepath.Join(dir, "data.db.NEW")
	require.NoError(t, os.WriteFile(next, []byte("new contents"), 0o644))
	require.NoError(t, os.Rename(next, path))

	replaced, err := mf.Revalidate()
	require.NoError(t, err)
	require.True(t, replaced)
	require.Equal(t, int64(12), mf.Size())
	require.Equal(t, []byte("new contents"), mf.Data())

	// Steady state again after the swap.
	replaced, err = mf.Revalidate()
	require.NoError(t, err)
	require.False(t, replaced)
}

func TestReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	rw, err := Open(path, true, false)
	require.NoError(t, err)
	_, err = rw.Append([]byte("readable"))
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	ro, err := Open(path, false, true)
	require.NoError(t, err)
	defer ro.Close()
	require.Equal(t, []byte("readable"), ro.Data())
	_, err = ro.Append([]byte("nope"))
	require.Error(t, err)
}
