package twoskip

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenDeduplicatesByPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.db")

	a, err := Open(testOptions(path))
	require.NoError(t, err)

	// A second open of the same file, even through a messier spelling
	// of the path, must return the same handle: two descriptors would
	// deadlock on flock.
	b, err := Open(testOptions(filepath.Join(dir, ".", "shared.db")))
	require.NoError(t, err)
	require.Same(t, a, b)

	require.NoError(t, a.Store([]byte("k"), []byte("v"), nil))
	val, err := b.Fetch([]byte("k"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)

	// Dropping one reference keeps the handle alive.
	require.NoError(t, a.Close())
	_, err = b.Fetch([]byte("k"), nil)
	require.NoError(t, err)

	// The last reference closes it for real.
	require.NoError(t, b.Close())
	_, err = b.Fetch([]byte("k"), nil)
	require.ErrorIs(t, err, ErrDBClosed)
}

func TestOpenDistinctPaths(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(testOptions(filepath.Join(dir, "one.db")))
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(testOptions(filepath.Join(dir, "two.db")))
	require.NoError(t, err)
	defer b.Close()
	require.NotSame(t, a, b)

	require.NoError(t, a.Store([]byte("k"), []byte("from-a"), nil))
	_, err = b.Fetch([]byte("k"), nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReopenAfterFullClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cycle.db")
	a, err := Open(testOptions(path))
	require.NoError(t, err)
	require.NoError(t, a.Store([]byte("k"), []byte("v"), nil))
	require.NoError(t, a.Close())

	// A fresh open after the registry entry is gone yields a new,
	// working handle.
	b, err := Open(&Options{Path: path})
	require.NoError(t, err)
	defer b.Close()
	require.NotSame(t, a, b)
	val, err := b.Fetch([]byte("k"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)
}

func TestDoubleCloseIsSafe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbl.db")
	db, err := Open(testOptions(path))
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
}
