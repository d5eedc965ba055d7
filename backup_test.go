package twoskip

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackupRestoreRoundtrip(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(testOptions(filepath.Join(dir, "src.db")))
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 100; i++ {
		require.NoError(t, db.Store([]byte(fmt.Sprintf("key-%03d", i)), []byte(fmt.Sprintf("val-%d", i)), nil))
	}
	// Garbage that must not leak into the snapshot.
	require.NoError(t, db.Store([]byte("key-000"), []byte("val-0-final"), nil))
	require.NoError(t, db.Delete([]byte("key-099"), nil, false))

	snap := filepath.Join(dir, "src.snap")
	require.NoError(t, db.Backup(snap))

	man, err := ReadManifest(snap)
	require.NoError(t, err)
	require.NotEmpty(t, man.ID)
	require.Equal(t, uint64(99), man.Records)
	require.Equal(t, uint64(1), man.Generation)
	require.False(t, man.Created.IsZero())

	restored := filepath.Join(dir, "restored.db")
	require.NoError(t, Restore(snap, restored, nil))

	rdb, err := Open(&Options{Path: restored, Paranoid: true})
	require.NoError(t, err)
	defer rdb.Close()

	want := collect(t, db, "")
	got := collect(t, rdb, "")
	require.Equal(t, want, got)
	require.NoError(t, rdb.Check())

	count, err := rdb.Count()
	require.NoError(t, err)
	require.Equal(t, uint64(99), count)
	gen, err := rdb.Generation()
	require.NoError(t, err)
	require.Equal(t, man.Generation, gen)
}

func TestBackupRefusesExistingTarget(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(testOptions(filepath.Join(dir, "src.db")))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Store([]byte("a"), []byte("1"), nil))

	snap := filepath.Join(dir, "taken.snap")
	require.NoError(t, os.WriteFile(snap, []byte("already here"), 0o644))
	require.Error(t, db.Backup(snap))
}

func TestRestoreRefusesExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(testOptions(filepath.Join(dir, "src.db")))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Store([]byte("a"), []byte("1"), nil))

	snap := filepath.Join(dir, "src.snap")
	require.NoError(t, db.Backup(snap))
	require.ErrorIs(t, Restore(snap, db.Path(), nil), ErrDatabaseExists)
}

func TestRestoreDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(testOptions(filepath.Join(dir, "src.db")))
	require.NoError(t, err)
	defer db.Close()
	for i := 0; i < 20; i++ {
		require.NoError(t, db.Store([]byte(fmt.Sprintf("k%02d", i)), []byte("v"), nil))
	}
	snap := filepath.Join(dir, "src.snap")
	require.NoError(t, db.Backup(snap))

	// Flip a bit in the stored digest: the payload no longer matches.
	tampered := filepath.Join(dir, "bad-digest.snap")
	b, err := os.ReadFile(snap)
	require.NoError(t, err)
	b[digestOffset] ^= 0x01
	require.NoError(t, os.WriteFile(tampered, b, 0o644))
	err = Restore(tampered, filepath.Join(dir, "out1.db"), nil)
	require.ErrorIs(t, err, ErrCorrupt)
	_, statErr := os.Stat(filepath.Join(dir, "out1.db"))
	require.True(t, os.IsNotExist(statErr), "failed restore left a file behind")

	// Damage the compressed payload instead.
	tampered = filepath.Join(dir, "bad-payload.snap")
	b, err = os.ReadFile(snap)
	require.NoError(t, err)
	b[len(b)-3] ^= 0xFF
	require.NoError(t, os.WriteFile(tampered, b, 0o644))
	require.Error(t, Restore(tampered, filepath.Join(dir, "out2.db"), nil))
}

func TestReadManifestRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-snapshot")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a snapshot file"), 0o644))
	_, err := ReadManifest(path)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestBackupEmptyDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(testOptions(filepath.Join(dir, "empty.db")))
	require.NoError(t, err)
	defer db.Close()

	snap := filepath.Join(dir, "empty.snap")
	require.NoError(t, db.Backup(snap))
	man, err := ReadManifest(snap)
	require.NoError(t, err)
	require.Zero(t, man.Records)

	restored := filepath.Join(dir, "restored.db")
	require.NoError(t, Restore(snap, restored, nil))
	rdb, err := Open(&Options{Path: restored})
	require.NoError(t, err)
	defer rdb.Close()
	count, err := rdb.Count()
	require.NoError(t, err)
	require.Zero(t, count)
}
