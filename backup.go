package twoskip

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/twoskipdb/twoskip/mfile"
	"github.com/twoskipdb/twoskip/record"
)

// Snapshot backups: the live record set streamed under a read lock
// into a zstd-compressed archive, with a JSON manifest and a BLAKE3
// digest of the uncompressed payload for end-to-end integrity. The
// snapshot carries key/value pairs only - restore rebuilds a fresh
// skip list around them, so a snapshot taken with one tower layout
// restores to another.
//
// Snapshot layout:
//
//	0   8   magic "TWSKSNAP"
//	8   4   format version, big-endian
//	12  4   manifest length, big-endian
//	16  32  BLAKE3 digest of the uncompressed payload
//	48  ..  manifest JSON
//	..  ..  zstd stream of frames: 4-byte keylen, 4-byte vallen, key, value
var snapshotMagic = []byte("TWSKSNAP")

const (
	snapshotVersion    = 1
	snapshotHeaderSize = 48
	digestOffset       = 16
)

// Manifest describes a snapshot. Serialized as JSON inside the file.
type Manifest struct {
	ID         string    `json:"id"`
	Generation uint64    `json:"generation"`
	Records    uint64    `json:"records"`
	Created    time.Time `json:"created"`
}

func zstdLevel(level int) zstd.EncoderLevel {
	switch level {
	case BackupLevelFastest:
		return zstd.SpeedFastest
	case BackupLevelBetter:
		return zstd.SpeedBetterCompression
	case BackupLevelBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// Backup writes a snapshot of the live record set to path, holding
// the shared lock for the duration. The target must not exist.
func (db *DB) Backup(path string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDBClosed
	}
	if err := db.lockShared(); err != nil {
		return err
	}
	defer db.mf.Unlock()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	man := Manifest{
		ID:         uuid.New().String(),
		Generation: db.hdr.Generation,
		Records:    db.hdr.NumRecords,
		Created:    time.Now().UTC(),
	}
	mb, err := json.Marshal(man)
	if err != nil {
		return err
	}

	var head [snapshotHeaderSize]byte
	copy(head[0:8], snapshotMagic)
	binary.BigEndian.PutUint32(head[8:], snapshotVersion)
	binary.BigEndian.PutUint32(head[12:], uint32(len(mb)))
	// digest written after streaming, once known
	if _, err := f.Write(head[:]); err != nil {
		return err
	}
	if _, err := f.Write(mb); err != nil {
		return err
	}

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstdLevel(db.opts.BackupLevel)))
	if err != nil {
		return err
	}
	hasher := blake3.New()
	payload := io.MultiWriter(hasher, enc)

	// Stream the live set off the level-0 chain.
	data := db.data()
	var dummy record.Record
	if err := dummy.Decode(data, record.HeaderSize); err != nil {
		enc.Close()
		return err
	}
	var frame [8]byte
	var rec record.Record
	var n uint64
	for off := dummy.Ptr[0]; off != 0; {
		if err := rec.Decode(data, off); err != nil {
			enc.Close()
			return err
		}
		val, err := db.liveValue(&rec)
		if err != nil {
			enc.Close()
			return err
		}
		key := rec.Key(data)
		binary.BigEndian.PutUint32(frame[0:], uint32(len(key)))
		binary.BigEndian.PutUint32(frame[4:], uint32(len(val)))
		if _, err := payload.Write(frame[:]); err != nil {
			enc.Close()
			return err
		}
		if _, err := payload.Write(key); err != nil {
			enc.Close()
			return err
		}
		if _, err := payload.Write(val); err != nil {
			enc.Close()
			return err
		}
		n++
		if off, err = db.nextKeyOffset(&rec); err != nil {
			enc.Close()
			return err
		}
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if n != man.Records {
		return fmt.Errorf("%w: streamed %d records, header claims %d",
			ErrInternal, n, man.Records)
	}

	digest := hasher.Sum(nil)
	if _, err := f.WriteAt(digest, digestOffset); err != nil {
		return err
	}
	if !db.opts.NoSync {
		if err := f.Sync(); err != nil {
			return err
		}
	}

	db.logger.Info("backup complete", "path", path, "id", man.ID,
		"records", n, "generation", man.Generation)
	return nil
}

// ReadManifest reads just the manifest from a snapshot file.
func ReadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	man, _, err := readSnapshotHead(f)
	return man, err
}

func readSnapshotHead(f *os.File) (*Manifest, []byte, error) {
	var head [snapshotHeaderSize]byte
	if _, err := io.ReadFull(f, head[:]); err != nil {
		return nil, nil, fmt.Errorf("%w: snapshot header: %v", ErrCorrupt, err)
	}
	if !bytes.Equal(head[0:8], snapshotMagic) {
		return nil, nil, fmt.Errorf("%w: not a snapshot file", ErrCorrupt)
	}
	if v := binary.BigEndian.Uint32(head[8:]); v != snapshotVersion {
		return nil, nil, fmt.Errorf("%w: unsupported snapshot version %d", ErrCorrupt, v)
	}
	mlen := binary.BigEndian.Uint32(head[12:])
	mb := make([]byte, mlen)
	if _, err := io.ReadFull(f, mb); err != nil {
		return nil, nil, fmt.Errorf("%w: snapshot manifest: %v", ErrCorrupt, err)
	}
	var man Manifest
	if err := json.Unmarshal(mb, &man); err != nil {
		return nil, nil, fmt.Errorf("%w: snapshot manifest: %v", ErrCorrupt, err)
	}
	digest := make([]byte, 32)
	copy(digest, head[digestOffset:digestOffset+32])
	return &man, digest, nil
}

// Restore rebuilds a database at dbPath from a snapshot, verifying
// the payload digest. It refuses to overwrite an existing database
// file. The restored file can then be opened normally.
func Restore(snapshotPath, dbPath string, opts *Options) error {
	if opts == nil {
		opts = DefaultOptions()
	}
	opts = opts.withDefaults()

	if _, err := os.Stat(dbPath); err == nil {
		return ErrDatabaseExists
	}

	f, err := os.Open(snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	man, wantDigest, err := readSnapshotHead(f)
	if err != nil {
		return err
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()
	hasher := blake3.New()
	r := io.TeeReader(dec, hasher)

	entries := make([]entryKV, 0, man.Records)
	var frame [8]byte
	var prev []byte
	for {
		if _, err := io.ReadFull(r, frame[:]); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("%w: snapshot payload: %v", ErrCorrupt, err)
		}
		kl := binary.BigEndian.Uint32(frame[0:])
		vl := binary.BigEndian.Uint32(frame[4:])
		key := make([]byte, kl)
		val := make([]byte, vl)
		if _, err := io.ReadFull(r, key); err != nil {
			return fmt.Errorf("%w: snapshot payload: %v", ErrCorrupt, err)
		}
		if _, err := io.ReadFull(r, val); err != nil {
			return fmt.Errorf("%w: snapshot payload: %v", ErrCorrupt, err)
		}
		if prev != nil && bytes.Compare(prev, key) >= 0 {
			return fmt.Errorf("%w: snapshot keys out of order", ErrCorrupt)
		}
		prev = key
		entries = append(entries, entryKV{key: key, val: val})
	}
	if !bytes.Equal(hasher.Sum(nil), wantDigest) {
		return fmt.Errorf("%w: snapshot digest mismatch", ErrCorrupt)
	}
	if uint64(len(entries)) != man.Records {
		return fmt.Errorf("%w: snapshot holds %d records, manifest claims %d",
			ErrCorrupt, len(entries), man.Records)
	}

	if err := buildFile(dbPath, entries, man.Generation, opts.Rand, opts.NoSync); err != nil {
		os.Remove(dbPath)
		return err
	}
	if err := verifyFile(dbPath); err != nil {
		os.Remove(dbPath)
		return fmt.Errorf("restore produced a bad file: %w", err)
	}
	if opts.NoSync {
		return nil
	}
	return mfile.SyncDir(dbPath)
}
