package twoskip

import (
	"fmt"
	"sort"
	"time"

	"github.com/twoskipdb/twoskip/record"
)

// Recovery after an unclean shutdown. There is no separate write-ahead
// log to replay: the data file is its own log, and append order is the
// only ground truth. In-file forward pointers are treated as hints at
// best, because a crash mid-stitch leaves some levels patched and some
// not.
//
// The repair is a rebuild, in three phases:
//
//  1. Roll forward. Scan from the committed size to the physical end
//     of file; every complete, CRC-valid, COMMIT-terminated group of
//     records found there is adopted, and the first torn or invalid
//     record ends the scan. Whatever is left past the adopted end is
//     truncated away.
//  2. Inventory. One linear scan of the trusted region replays the
//     append order: KEY records introduce keys, VALUE records amend
//     their owner, DELETE records remove theirs. A CRC failure here is
//     fatal - recovery fixes pointers, never payloads.
//  3. Re-link. The desired forward pointer for every slot of every
//     live record is derived from key order, and only the slots that
//     differ are patched.
//
// The same path serves transaction abort: truncate to the
// transaction's log start, then rebuild.

// liveEntry is one surviving key in the inventory.
type liveEntry struct {
	rec   record.Record
	amend *record.Record // newest VALUE amendment, nil if none
}

// relinkNode carries the desired pointer set for one record during
// phase 3.
type relinkNode struct {
	rec  *record.Record
	want [record.MaxLevel + 1]uint64
}

// recoverLocked repairs the file. Exclusive lock and handle mutex
// held; the header has been loaded and is dirty (or a transaction was
// just truncated away).
func (db *DB) recoverLocked() error {
	start := time.Now()
	phys := uint64(db.mf.Size())
	trusted := db.hdr.CurrentSize
	if trusted < record.HeaderSize || trusted > phys {
		return fmt.Errorf("%w: committed size %d outside file of %d bytes",
			ErrCorrupt, trusted, phys)
	}

	// Phase 1: roll forward through COMMIT-terminated groups.
	data := db.mf.Data()
	end := trusted
	var rec record.Record
	for off := trusted; off < phys; {
		if err := rec.Decode(data[:phys], off); err != nil {
			break // torn tail: the log ends here
		}
		off += rec.Len()
		if rec.Type == record.TypeCommit {
			end = off
		}
	}
	if end != trusted {
		db.logger.Info("rolling forward committed transactions",
			"path", db.path, "from", trusted, "to", end)
	}
	if phys != end {
		if err := db.mf.Truncate(int64(end)); err != nil {
			return err
		}
		data = db.mf.Data()
	}

	// Phase 2: inventory the trusted region in append order.
	live := make(map[string]*liveEntry)
	keyAt := make(map[uint64][]byte)
	for off := uint64(record.HeaderSize); off < end; {
		if err := rec.Decode(data[:end], off); err != nil {
			return fmt.Errorf("recovery scan at offset %d: %w", off, err)
		}
		switch rec.Type {
		case record.TypeDummy:
			if off != record.HeaderSize || rec.Level != record.MaxLevel {
				return fmt.Errorf("%w: stray dummy record at offset %d", ErrCorrupt, off)
			}
		case record.TypeKey:
			if err := rec.VerifyTail(data); err != nil {
				return err
			}
			k := rec.Key(data)
			keyAt[off] = k
			live[string(k)] = &liveEntry{rec: rec}
		case record.TypeValue:
			if err := rec.VerifyTail(data); err != nil {
				return err
			}
			if k, ok := keyAt[rec.Ptr[1]]; ok {
				if e := live[string(k)]; e != nil && e.rec.Offset == rec.Ptr[1] {
					r := rec
					e.amend = &r
				}
			}
		case record.TypeDelete:
			if k, ok := keyAt[rec.Ptr[0]]; ok {
				if e := live[string(k)]; e != nil && e.rec.Offset == rec.Ptr[0] {
					delete(live, string(k))
				}
			}
		case record.TypeCommit:
		}
		off += rec.Len()
	}

	// Phase 3: re-link level by level in key order.
	keys := make([]string, 0, len(live))
	for k := range live {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var dummy record.Record
	if err := dummy.Decode(data[:end], record.HeaderSize); err != nil {
		return err
	}
	if dummy.Type != record.TypeDummy {
		return fmt.Errorf("%w: missing dummy sentinel", ErrCorrupt)
	}

	nodes := make([]*relinkNode, 0, len(keys)+1)
	dummyNode := &relinkNode{rec: &dummy}
	nodes = append(nodes, dummyNode)

	var prev [record.MaxLevel + 1]*relinkNode
	for l := range prev {
		prev[l] = dummyNode
	}
	for _, k := range keys {
		e := live[k]
		n := &relinkNode{rec: &e.rec}
		nodes = append(nodes, n)
		for l := 0; l <= int(e.rec.Level); l++ {
			prev[l].want[l] = e.rec.Offset
		}
		if e.amend != nil {
			a := &relinkNode{rec: e.amend}
			nodes = append(nodes, a)
			n.want[0] = e.amend.Offset
			a.want[1] = e.rec.Offset
			prev[0] = a
		} else {
			prev[0] = n
		}
		for l := 1; l <= int(e.rec.Level); l++ {
			prev[l] = n
		}
	}

	patches := 0
	for _, n := range nodes {
		for l := 0; l <= int(n.rec.Level); l++ {
			if n.rec.Ptr[l] != n.want[l] {
				if err := db.patchPtr(n.rec.SlotPos(l), n.want[l]); err != nil {
					return err
				}
				patches++
			}
		}
	}

	// Finalize: patched pointers must be durable before the header
	// stops claiming the file is dirty.
	db.hdr.CurrentSize = end
	db.hdr.NumRecords = uint64(len(live))
	if db.hdr.RepackSize > end {
		db.hdr.RepackSize = end
	}
	db.hdr.Flags &^= record.FlagDirty
	if !db.opts.NoSync {
		if err := db.mf.Sync(); err != nil {
			return err
		}
	}
	if err := db.writeHeader(); err != nil {
		return err
	}
	if !db.opts.NoSync {
		if err := db.mf.Sync(); err != nil {
			return err
		}
	}
	db.end = end
	db.numLive = db.hdr.NumRecords

	db.logger.Info("recovery complete", "path", db.path,
		"records", db.numLive, "patches", patches, "size", end,
		"elapsed", time.Since(start))

	if db.opts.Paranoid {
		if err := db.checkLocked(); err != nil {
			return err
		}
	}
	return nil
}
