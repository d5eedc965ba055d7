package twoskip

import (
	"bufio"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/twoskipdb/twoskip/bufferpool"
	"github.com/twoskipdb/twoskip/mfile"
	"github.com/twoskipdb/twoskip/record"
)

// Checkpoint rewrites the live data set into a fresh file, reclaiming
// the space held by superseded values, tombstones and commit markers.
// The rewrite happens beside the original at "<path>.NEW" and is
// swapped in with an atomic rename; failure anywhere before the
// rename leaves the original untouched. Readers in other processes
// notice the swap through the generation bump and their post-lock
// inode revalidation.

// NewSuffix names the checkpoint scratch file beside the database.
const NewSuffix = ".NEW"

// Checkpoint forces a compaction now, regardless of thresholds.
func (db *DB) Checkpoint() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDBClosed
	}
	if db.opts.ReadOnly {
		return ErrReadOnly
	}
	if err := db.lockExclusive(false); err != nil {
		return err
	}
	defer db.mf.Unlock()
	return db.checkpointLocked()
}

// maybeCheckpointLocked applies the post-commit heuristic: never
// rewrite a small file, and only rewrite once the log has grown well
// past the last repack. Locks held. A failed automatic checkpoint is
// logged, not surfaced - the commit it follows has already succeeded.
func (db *DB) maybeCheckpointLocked() {
	if db.opts.DisableAutoCheckpoint {
		return
	}
	cur := db.hdr.CurrentSize
	if cur < uint64(db.opts.CheckpointMinSize) {
		return
	}
	if float64(cur) < db.opts.CheckpointRatio*float64(db.hdr.RepackSize) {
		return
	}
	if err := db.checkpointLocked(); err != nil {
		db.logger.Warn("automatic checkpoint failed", "error", err, "path", db.path)
	}
}

// entryKV is one live pair handed to the file builder. During a
// checkpoint both slices alias the source mapping, which is pinned by
// the exclusive lock for the duration.
type entryKV struct {
	key []byte
	val []byte
}

func (db *DB) checkpointLocked() error {
	start := time.Now()
	if err := db.checkLocked(); err != nil {
		return fmt.Errorf("checkpoint refused, source inconsistent: %w", err)
	}

	// Collect the live set in key order off the level-0 chain. Tail
	// CRCs are verified as values are read.
	data := db.data()
	var dummy record.Record
	if err := dummy.Decode(data, record.HeaderSize); err != nil {
		return err
	}
	entries := make([]entryKV, 0, db.numLive)
	var rec record.Record
	for off := dummy.Ptr[0]; off != 0; {
		if err := rec.Decode(data, off); err != nil {
			return err
		}
		val, err := db.liveValue(&rec)
		if err != nil {
			return err
		}
		entries = append(entries, entryKV{key: rec.Key(data), val: val})
		if off, err = db.nextKeyOffset(&rec); err != nil {
			return err
		}
	}

	newPath := db.path + NewSuffix
	os.Remove(newPath) // a stale scratch file from a crashed checkpoint
	gen := db.hdr.Generation + 1
	oldSize := db.hdr.CurrentSize

	if err := buildFile(newPath, entries, gen, db.rnd, db.opts.NoSync); err != nil {
		os.Remove(newPath)
		return err
	}
	if err := verifyFile(newPath); err != nil {
		os.Remove(newPath)
		return fmt.Errorf("checkpoint produced a bad file: %w", err)
	}

	// The point of no return.
	if err := os.Rename(newPath, db.path); err != nil {
		os.Remove(newPath)
		return err
	}
	if !db.opts.NoSync {
		if err := mfile.SyncDir(db.path); err != nil {
			return err
		}
	}

	// Swap the live mapping to the new inode.
	if _, err := db.mf.Revalidate(); err != nil {
		return err
	}
	if err := db.loadHeader(); err != nil {
		return err
	}

	db.logger.Info("checkpoint complete", "path", db.path,
		"generation", db.hdr.Generation, "records", db.hdr.NumRecords,
		"size", db.hdr.CurrentSize, "reclaimed", oldSize-db.hdr.CurrentSize,
		"elapsed", time.Since(start))
	return nil
}

// buildFile writes a complete, clean database file holding entries,
// which must be in strictly increasing key order. Tower heights are
// freshly randomized and every offset is known before the first
// record byte is written, so the whole file goes out in one
// sequential buffered pass with no pointer patching at all.
func buildFile(path string, entries []entryKV, generation uint64, rnd *rand.Rand, nosync bool) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	n := len(entries)
	heights := make([]uint8, n)
	offs := make([]uint64, n)
	dummyLen := record.EncodedLen(record.MaxLevel, 0, 0)
	off := uint64(record.HeaderSize) + dummyLen
	logstart := off
	for i, e := range entries {
		h := uint8(0)
		for h < record.MaxLevel && rnd.Uint64()&1 == 1 {
			h++
		}
		heights[i] = h
		offs[i] = off
		off += record.EncodedLen(h, uint64(len(e.key)), uint64(len(e.val)))
	}
	end := off + record.EncodedLen(0, 0, 0) // trailing COMMIT

	// Walk backwards so each record's forward pointers are known when
	// it is written.
	ptrs := make([][]uint64, n)
	var next [record.MaxLevel + 1]uint64
	for i := n - 1; i >= 0; i-- {
		h := int(heights[i])
		p := make([]uint64, h+1)
		copy(p, next[:h+1])
		ptrs[i] = p
		for l := 0; l <= h; l++ {
			next[l] = offs[i]
		}
	}

	w := bufio.NewWriterSize(f, 1*MiB)

	hdr := record.Header{
		Version:     record.Version,
		Generation:  generation,
		NumRecords:  uint64(n),
		RepackSize:  end,
		CurrentSize: end,
	}
	var hbuf [record.HeaderSize]byte
	hdr.EncodeHeader(hbuf[:])
	if _, err := w.Write(hbuf[:]); err != nil {
		return err
	}

	dummy := record.Record{Type: record.TypeDummy, Level: record.MaxLevel}
	copy(dummy.Ptr[:], next[:])
	buf := bufferpool.GetBuffer(int(dummyLen))
	dummy.Encode(buf, nil, nil)
	_, err = w.Write(buf)
	bufferpool.PutBuffer(buf)
	if err != nil {
		return err
	}

	for i, e := range entries {
		rec := record.Record{Type: record.TypeKey, Level: heights[i]}
		copy(rec.Ptr[:], ptrs[i])
		size := record.EncodedLen(rec.Level, uint64(len(e.key)), uint64(len(e.val)))
		buf := bufferpool.GetBuffer(int(size))
		rec.Encode(buf, e.key, e.val)
		_, err := w.Write(buf)
		bufferpool.PutBuffer(buf)
		if err != nil {
			return err
		}
	}

	commit := record.Record{Type: record.TypeCommit, Level: 0}
	commit.Ptr[0] = logstart
	cbuf := bufferpool.GetBuffer(int(record.EncodedLen(0, 0, 0)))
	commit.Encode(cbuf, nil, nil)
	_, err = w.Write(cbuf)
	bufferpool.PutBuffer(cbuf)
	if err != nil {
		return err
	}

	if err := w.Flush(); err != nil {
		return err
	}
	if nosync {
		return nil
	}
	return f.Sync()
}

// verifyFile re-reads a freshly built file and runs the full
// consistency walk over it before it is allowed to replace anything.
func verifyFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var hdr record.Header
	if err := hdr.DecodeHeader(b); err != nil {
		return err
	}
	if hdr.CurrentSize != uint64(len(b)) {
		return fmt.Errorf("%w: built file is %d bytes, header claims %d",
			ErrInternal, len(b), hdr.CurrentSize)
	}
	return checkBuffer(b, hdr.NumRecords)
}
