package twoskip

import (
	"bytes"
	"fmt"

	"github.com/twoskipdb/twoskip/record"
)

// location is the ephemeral result of a skip-list search: where the
// key is (or would go), plus everything insert and delete need to
// stitch around it. back[l] is the offset of the last record visited
// at level l (whose slot l must be patched on insert/delete),
// backSlot[l] is the file position of that slot, and forward[l] is
// the value the slot held at search time.
//
// A location is only good for the file state it was computed against;
// the generation/end stamp detects when the file has moved underneath
// and a fresh search is required.
type location struct {
	exact bool
	match uint64 // offset of the matching KEY record when exact

	back     [record.MaxLevel + 1]uint64
	backSlot [record.MaxLevel + 1]uint64
	forward  [record.MaxLevel + 1]uint64

	generation uint64
	end        uint64
}

// data returns the mapping sliced to the logical end. Records past
// db.end are another transaction's business.
func (db *DB) data() []byte {
	return db.mf.Data()[:db.end]
}

// find walks the skip list from the dummy sentinel down to level 0,
// capturing back and forward pointers at every level. VALUE records
// ride the level-0 chain directly behind the KEY record they amend;
// the walk passes through them as if they carried the owner's key.
func (db *DB) find(key []byte) (*location, error) {
	data := db.data()
	loc := &location{generation: db.hdr.Generation, end: db.end}

	var cur, next record.Record
	if err := cur.Decode(data, record.HeaderSize); err != nil {
		return nil, err
	}
	if cur.Type != record.TypeDummy || cur.Level != record.MaxLevel {
		return nil, fmt.Errorf("%w: missing dummy sentinel", record.ErrCorrupt)
	}

	for l := int(cur.Level); l >= 0; l-- {
		for {
			ptr := cur.Ptr[l]
			if ptr == 0 {
				loc.back[l] = cur.Offset
				loc.backSlot[l] = cur.SlotPos(l)
				loc.forward[l] = 0
				break
			}
			if err := next.Decode(data, ptr); err != nil {
				return nil, err
			}
			if next.Type == record.TypeValue {
				// The owner's key was already passed, so the
				// amendment is passed too.
				cur = next
				continue
			}
			if next.Type != record.TypeKey {
				return nil, fmt.Errorf("%w: %s record in skip chain at offset %d",
					ErrInternal, next.Type, ptr)
			}
			cmp := bytes.Compare(next.Key(data), key)
			if cmp < 0 {
				cur = next
				continue
			}
			loc.back[l] = cur.Offset
			loc.backSlot[l] = cur.SlotPos(l)
			loc.forward[l] = ptr
			if l == 0 && cmp == 0 {
				loc.exact = true
				loc.match = ptr
			}
			break
		}
	}
	return loc, nil
}

// stale reports whether the file has changed since the location was
// computed, invalidating its cached pointers.
func (loc *location) stale(db *DB) bool {
	return loc.generation != db.hdr.Generation || loc.end != db.end
}

// nextKeyOffset returns the offset of the KEY record following rec in
// the level-0 chain, skipping rec's own VALUE amendment if present.
// Returns 0 at the end of the list.
func (db *DB) nextKeyOffset(rec *record.Record) (uint64, error) {
	ptr := rec.Ptr[0]
	if ptr == 0 {
		return 0, nil
	}
	var next record.Record
	if err := next.Decode(db.data(), ptr); err != nil {
		return 0, err
	}
	if next.Type == record.TypeValue {
		return next.Ptr[0], nil
	}
	return ptr, nil
}

// liveValue returns the current value bytes for a KEY record: the
// newest VALUE amendment if one exists, otherwise the record's own
// value. The tail CRC of whichever record supplies the bytes is
// verified here, lazily, so pointer-chasing scans never pay for it.
// The returned slice aliases the file mapping.
func (db *DB) liveValue(rec *record.Record) ([]byte, error) {
	data := db.data()
	if ptr := rec.Ptr[0]; ptr != 0 {
		var next record.Record
		if err := next.Decode(data, ptr); err != nil {
			return nil, err
		}
		if next.Type == record.TypeValue {
			if err := next.VerifyTail(data); err != nil {
				return nil, err
			}
			return next.Val(data), nil
		}
	}
	if err := rec.VerifyTail(data); err != nil {
		return nil, err
	}
	return rec.Val(data), nil
}
