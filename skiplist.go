package twoskip

import (
	"encoding/binary"
	"fmt"

	"github.com/twoskipdb/twoskip/bufferpool"
	"github.com/twoskipdb/twoskip/record"
)

// The mutation half of the skip-list engine. Every operation here
// appends first and patches after: on a crash the appended records
// past the committed size are rolled back or forward by recovery, and
// any half-applied pointer patches are re-derived from a full scan.
// All of it runs with the exclusive lock held, inside a transaction.

// randHeight picks a tower height with P=1/2 per extra level, capped
// at MaxLevel. The source is injected through Options so tests can
// pin heights.
func (db *DB) randHeight() uint8 {
	h := uint8(0)
	for h < record.MaxLevel && db.rnd.Uint64()&1 == 1 {
		h++
	}
	return h
}

// appendRecord encodes rec and appends it at the logical end. The
// header's dirty flag is written before the first append of a
// transaction so an unclean shutdown is detectable.
func (db *DB) appendRecord(rec *record.Record, key, value []byte) (uint64, error) {
	if err := db.setDirty(); err != nil {
		return 0, err
	}
	n := record.EncodedLen(rec.Level, uint64(len(key)), uint64(len(value)))
	buf := bufferpool.GetBuffer(int(n))
	rec.Encode(buf, key, value)
	off, err := db.mf.Append(buf)
	bufferpool.PutBuffer(buf)
	if err != nil {
		return 0, err
	}
	if uint64(off) != db.end {
		return 0, fmt.Errorf("%w: append landed at %d, logical end is %d",
			ErrInternal, off, db.end)
	}
	rec.Offset = uint64(off)
	db.end += n
	db.txn.appends++
	return rec.Offset, nil
}

// patchPtr overwrites one forward-pointer slot in place. This is the
// single sanctioned in-place mutation of a written record: one
// aligned 8-byte write.
func (db *DB) patchPtr(slotPos uint64, val uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], val)
	return db.mf.WriteAt(int64(slotPos), b[:])
}

// insert appends a new KEY record for a key that is not present and
// stitches it into every level of its tower, bottom up.
func (db *DB) insert(loc *location, key, value []byte) error {
	h := db.randHeight()
	rec := record.Record{Type: record.TypeKey, Level: h}
	for l := 0; l <= int(h); l++ {
		rec.Ptr[l] = loc.forward[l]
	}
	off, err := db.appendRecord(&rec, key, value)
	if err != nil {
		return err
	}
	for l := 0; l <= int(h); l++ {
		if err := db.patchPtr(loc.backSlot[l], off); err != nil {
			return err
		}
	}
	db.numLive++
	return nil
}

// amend replaces the value of an existing key by appending a VALUE
// record and patching exactly one word: the owner's level-0 slot.
// The key bytes are never rewritten, so this is O(1) in key length.
// A VALUE record carries two slots: slot 0 continues the level-0
// chain, slot 1 back-references the KEY record it amends.
func (db *DB) amend(loc *location, value []byte) error {
	data := db.data()
	var owner record.Record
	if err := owner.Decode(data, loc.match); err != nil {
		return err
	}
	chain := owner.Ptr[0]
	if chain != 0 {
		var cur record.Record
		if err := cur.Decode(data, chain); err != nil {
			return err
		}
		if cur.Type == record.TypeValue {
			// A previous amendment becomes garbage; route past it.
			chain = cur.Ptr[0]
		}
	}

	vrec := record.Record{Type: record.TypeValue, Level: 1}
	vrec.Ptr[0] = chain
	vrec.Ptr[1] = loc.match
	off, err := db.appendRecord(&vrec, nil, value)
	if err != nil {
		return err
	}
	return db.patchPtr(owner.SlotPos(0), off)
}

// storeLocked is Store/Create with the transaction's locks held.
func (db *DB) storeLocked(key, value []byte, overwrite bool) error {
	loc, err := db.find(key)
	if err != nil {
		return err
	}
	if loc.exact {
		if !overwrite {
			return ErrExists
		}
		return db.amend(loc, value)
	}
	return db.insert(loc, key, value)
}

// deleteLocked appends a DELETE tombstone and unstitches the key from
// every level, bottom up. The level-0 patch routes past both the KEY
// record and its VALUE amendment.
func (db *DB) deleteLocked(key []byte, force bool) error {
	loc, err := db.find(key)
	if err != nil {
		return err
	}
	if !loc.exact {
		if force {
			return nil
		}
		return ErrNotFound
	}

	var target record.Record
	if err := target.Decode(db.data(), loc.match); err != nil {
		return err
	}
	next, err := db.nextKeyOffset(&target)
	if err != nil {
		return err
	}

	drec := record.Record{Type: record.TypeDelete, Level: 0}
	drec.Ptr[0] = loc.match
	if _, err := db.appendRecord(&drec, nil, nil); err != nil {
		return err
	}

	if err := db.patchPtr(loc.backSlot[0], next); err != nil {
		return err
	}
	for l := 1; l <= int(target.Level); l++ {
		if err := db.patchPtr(loc.backSlot[l], target.Ptr[l]); err != nil {
			return err
		}
	}
	db.numLive--
	return nil
}
