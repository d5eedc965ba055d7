package twoskip

import (
	"bytes"
	"fmt"

	"github.com/twoskipdb/twoskip/record"
)

// Consistency checking: a full walk of the skip list at every level,
// asserting the invariants the engine depends on. Used defensively
// before checkpoints, optionally (Paranoid) after recovery and every
// commit, and exposed for tests and the CLI.

// Check walks the whole skip list and returns the first invariant
// violation found, or nil. Structural damage is ErrInternal, decode
// failures are ErrCorrupt.
func (db *DB) Check() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDBClosed
	}
	if err := db.lockShared(); err != nil {
		return err
	}
	defer db.mf.Unlock()
	return db.checkLocked()
}

// Consistent is the boolean form of Check, for test assertions.
func (db *DB) Consistent() bool { return db.Check() == nil }

func (db *DB) checkLocked() error {
	return checkBuffer(db.data(), db.numLive)
}

// checkBuffer validates a complete file image: data is the mapping
// (or file contents) truncated to the trusted size, numRecords the
// expected live count. Checked invariants:
//
//   - the dummy sentinel sits right after the header at full height
//   - the level-0 chain holds KEY records in strictly increasing key
//     order, each VALUE amendment directly behind its owner with a
//     matching back-reference
//   - the live count matches the header
//   - every higher-level chain visits only KEY records of sufficient
//     height, in strictly increasing key order, each of them present
//     in the level-0 chain
//   - no chain is longer than the live count allows (cycle guard)
func checkBuffer(data []byte, numRecords uint64) error {
	var dummy record.Record
	if err := dummy.Decode(data, record.HeaderSize); err != nil {
		return err
	}
	if dummy.Type != record.TypeDummy || dummy.Level != record.MaxLevel {
		return fmt.Errorf("%w: missing dummy sentinel", ErrCorrupt)
	}

	limit := 2*numRecords + 2 // KEY plus at most one VALUE each

	keyOffsets := make(map[uint64]bool, numRecords)
	var count, steps uint64
	var prevKey []byte
	lastKey := uint64(0)
	var rec record.Record
	for off := dummy.Ptr[0]; off != 0; {
		if steps++; steps > limit {
			return fmt.Errorf("%w: cycle in level 0 chain", ErrInternal)
		}
		if err := rec.Decode(data, off); err != nil {
			return err
		}
		switch rec.Type {
		case record.TypeKey:
			k := rec.Key(data)
			if prevKey != nil && bytes.Compare(prevKey, k) >= 0 {
				return fmt.Errorf("%w: keys out of order at offset %d", ErrInternal, off)
			}
			prevKey = k
			keyOffsets[off] = true
			lastKey = off
			count++
		case record.TypeValue:
			if rec.Ptr[1] != lastKey {
				return fmt.Errorf("%w: amendment at offset %d does not reference its owner",
					ErrInternal, off)
			}
		default:
			return fmt.Errorf("%w: %s record in level 0 chain at offset %d",
				ErrInternal, rec.Type, off)
		}
		off = rec.Ptr[0]
	}
	if count != numRecords {
		return fmt.Errorf("%w: level 0 chain has %d records, header claims %d",
			ErrInternal, count, numRecords)
	}

	for l := 1; l <= record.MaxLevel; l++ {
		prevKey = nil
		steps = 0
		for off := dummy.Ptr[l]; off != 0; {
			if steps++; steps > limit {
				return fmt.Errorf("%w: cycle in level %d chain", ErrInternal, l)
			}
			if err := rec.Decode(data, off); err != nil {
				return err
			}
			if rec.Type != record.TypeKey || int(rec.Level) < l {
				return fmt.Errorf("%w: bad record in level %d chain at offset %d",
					ErrInternal, l, off)
			}
			if !keyOffsets[off] {
				return fmt.Errorf("%w: level %d chain visits offset %d missing from level 0",
					ErrInternal, l, off)
			}
			k := rec.Key(data)
			if prevKey != nil && bytes.Compare(prevKey, k) >= 0 {
				return fmt.Errorf("%w: keys out of order in level %d chain at offset %d",
					ErrInternal, l, off)
			}
			prevKey = k
			off = rec.Ptr[l]
		}
	}
	return nil
}
