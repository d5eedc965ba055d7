// Package record implements the twoskip on-disk format: the 64-byte
// file header and the variable-length checksummed records the skip
// list is built from. All multi-byte integers are big-endian.
//
// Record layout:
//
//	type    1 byte
//	level   1 byte            tower height, slots = level+1
//	keylen  2 bytes           0xFFFF means an 8-byte extension follows
//	vallen  4 bytes           0xFFFFFFFF means an 8-byte extension follows
//	keylen64  8 bytes         only when the 16-bit field is maxed
//	vallen64  8 bytes         only when the 32-bit field is maxed
//	ptr[0..level]  8 bytes each, forward pointer file offsets, 0 = none
//	head CRC32  4 bytes       over the fixed head and length extensions
//	tail CRC32  4 bytes       over key || value || padding
//	key bytes, value bytes, zero padding to the next 8-byte boundary
//
// The head CRC deliberately does not cover the pointer array: pointer
// slots are the one part of a record that is patched in place after it
// is written, and each patch must stay a single aligned word write.
// A followed pointer is validated instead by decoding (and so
// head-CRC-checking) the record it lands on.
package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
)

// Record types. Zero is deliberately invalid so that scanning into a
// zero-filled or torn region fails fast.
type Type uint8

const (
	TypeDummy  Type = 1 // head-of-list sentinel, one per file
	TypeKey    Type = 2 // a real key and value, a tower in the list
	TypeValue  Type = 3 // value-only amendment of an existing KEY record
	TypeDelete Type = 4 // tombstone marking a KEY record removed
	TypeCommit Type = 5 // transaction commit marker
)

func (t Type) String() string {
	switch t {
	case TypeDummy:
		return "DUMMY"
	case TypeKey:
		return "KEY"
	case TypeValue:
		return "VALUE"
	case TypeDelete:
		return "DELETE"
	case TypeCommit:
		return "COMMIT"
	}
	return fmt.Sprintf("INVALID(%d)", uint8(t))
}

const (
	// MaxLevel is the highest skip level. A record may carry up to
	// MaxLevel+1 forward pointers; the dummy sentinel always carries
	// all of them.
	MaxLevel = 31

	// Align is the record alignment. Every record starts and ends on
	// an 8-byte boundary, which keeps pointer slots word-aligned so an
	// in-place patch is a single atomic-enough write.
	Align = 8

	keyLenSentinel = math.MaxUint16
	valLenSentinel = math.MaxUint32

	fixedHeadLen = 8 // type + level + keylen16 + vallen32
	crcLen       = 8 // head CRC32 + tail CRC32
)

// CRC32 with the 0xEDB88320 polynomial, via the optimized standard
// library tables.
var crcTable = crc32.MakeTable(0xEDB88320)

var (
	// ErrCorrupt means a CRC mismatch, invalid magic or version, or a
	// structurally impossible record. Not repairable by recovery.
	ErrCorrupt = errors.New("corrupt record")

	// ErrTruncated means a record extends past the end of the buffer.
	// Recovery treats this as the end of the usable log.
	ErrTruncated = errors.New("truncated record")
)

// Record is one decoded on-disk record. The key and value bytes are
// not copied out; they are addressed through KeyPos/ValPos into the
// file mapping the record was decoded from.
type Record struct {
	Type   Type
	Level  uint8
	Offset uint64
	KeyLen uint64
	ValLen uint64
	// Ptr holds the forward pointers; only Ptr[0..Level] are meaningful.
	Ptr     [MaxLevel + 1]uint64
	HeadCRC uint32
	TailCRC uint32

	extLen uint64 // bytes of 64-bit length extensions present (0, 8 or 16)
}

func align8(n uint64) uint64 {
	return (n + Align - 1) &^ (Align - 1)
}

func extLenFor(keyLen, valLen uint64) uint64 {
	var n uint64
	if keyLen >= keyLenSentinel {
		n += 8
	}
	if valLen >= valLenSentinel {
		n += 8
	}
	return n
}

// EncodedLen returns the total on-disk length of a record with the
// given shape, padding included.
func EncodedLen(level uint8, keyLen, valLen uint64) uint64 {
	return fixedHeadLen + extLenFor(keyLen, valLen) +
		uint64(level+1)*8 + crcLen + align8(keyLen+valLen)
}

// HeadLen is the number of bytes before the key: fixed head, length
// extensions, pointer array and both CRCs.
func (r *Record) HeadLen() uint64 {
	return fixedHeadLen + r.extLen + uint64(r.Level+1)*8 + crcLen
}

// Len is the full on-disk length of the record including padding.
func (r *Record) Len() uint64 {
	return r.HeadLen() + align8(r.KeyLen+r.ValLen)
}

// SlotPos returns the file offset of the forward-pointer slot for the
// given level. This is the only part of a written record that is ever
// patched in place.
func (r *Record) SlotPos(level int) uint64 {
	return r.Offset + fixedHeadLen + r.extLen + uint64(level)*8
}

// KeyPos returns the file offset of the first key byte.
func (r *Record) KeyPos() uint64 { return r.Offset + r.HeadLen() }

// ValPos returns the file offset of the first value byte.
func (r *Record) ValPos() uint64 { return r.KeyPos() + r.KeyLen }

// Key returns the key bytes, sliced out of the file mapping the
// record was decoded from. Valid only while the mapping is.
func (r *Record) Key(data []byte) []byte {
	p := r.KeyPos()
	return data[p : p+r.KeyLen]
}

// Val returns the value bytes from the file mapping. The tail CRC is
// NOT checked here; call VerifyTail before trusting the bytes.
func (r *Record) Val(data []byte) []byte {
	p := r.ValPos()
	return data[p : p+r.ValLen]
}

// VerifyTail checks the tail CRC32 over key, value and padding. It is
// deliberately not part of Decode so that pointer-chasing scans don't
// pay for payloads they never read.
func (r *Record) VerifyTail(data []byte) error {
	p := r.KeyPos()
	n := align8(r.KeyLen + r.ValLen)
	if crc32.Checksum(data[p:p+n], crcTable) != r.TailCRC {
		return fmt.Errorf("%w: tail CRC mismatch at offset %d", ErrCorrupt, r.Offset)
	}
	return nil
}

// Encode writes the record into buf, which must be at least
// EncodedLen(r.Level, len(key), len(value)) bytes. Type, Level and the
// pointer slots must be set by the caller; the length fields and both
// CRCs are computed here. Returns the encoded length.
func (r *Record) Encode(buf []byte, key, value []byte) uint64 {
	r.KeyLen = uint64(len(key))
	r.ValLen = uint64(len(value))
	r.extLen = extLenFor(r.KeyLen, r.ValLen)

	buf[0] = byte(r.Type)
	buf[1] = r.Level
	off := uint64(fixedHeadLen)
	if r.KeyLen >= keyLenSentinel {
		binary.BigEndian.PutUint16(buf[2:], keyLenSentinel)
		binary.BigEndian.PutUint64(buf[off:], r.KeyLen)
		off += 8
	} else {
		binary.BigEndian.PutUint16(buf[2:], uint16(r.KeyLen))
	}
	if r.ValLen >= valLenSentinel {
		binary.BigEndian.PutUint32(buf[4:], valLenSentinel)
		binary.BigEndian.PutUint64(buf[off:], r.ValLen)
		off += 8
	} else {
		binary.BigEndian.PutUint32(buf[4:], uint32(r.ValLen))
	}

	r.HeadCRC = crc32.Checksum(buf[:off], crcTable)

	for i := 0; i <= int(r.Level); i++ {
		binary.BigEndian.PutUint64(buf[off:], r.Ptr[i])
		off += 8
	}

	binary.BigEndian.PutUint32(buf[off:], r.HeadCRC)
	off += 4
	tailStart := off + 4
	payload := tailStart
	copy(buf[payload:], key)
	payload += r.KeyLen
	copy(buf[payload:], value)
	payload += r.ValLen
	end := tailStart + align8(r.KeyLen+r.ValLen)
	for i := payload; i < end; i++ {
		buf[i] = 0
	}
	r.TailCRC = crc32.Checksum(buf[tailStart:end], crcTable)
	binary.BigEndian.PutUint32(buf[off:], r.TailCRC)

	return end
}

// Decode reads the record at off from data, which is the file mapping
// truncated to the trusted size. The head CRC is verified before any
// decoded length is trusted. ErrTruncated and ErrCorrupt are reported
// distinctly: a truncated record is where a recovery scan stops, a
// corrupt one is fatal outside recovery's roll-forward region.
func (r *Record) Decode(data []byte, off uint64) error {
	size := uint64(len(data))
	if off%Align != 0 {
		return fmt.Errorf("%w: misaligned record offset %d", ErrCorrupt, off)
	}
	if off+fixedHeadLen > size {
		return fmt.Errorf("%w: record head at offset %d", ErrTruncated, off)
	}

	r.Offset = off
	r.Type = Type(data[off])
	r.Level = data[off+1]
	if r.Type < TypeDummy || r.Type > TypeCommit {
		return fmt.Errorf("%w: bad record type %d at offset %d", ErrCorrupt, data[off], off)
	}
	if r.Level > MaxLevel {
		return fmt.Errorf("%w: level %d out of range at offset %d", ErrCorrupt, r.Level, off)
	}

	kl := uint64(binary.BigEndian.Uint16(data[off+2:]))
	vl := uint64(binary.BigEndian.Uint32(data[off+4:]))
	r.extLen = 0
	p := off + fixedHeadLen
	if kl == keyLenSentinel {
		if p+8 > size {
			return fmt.Errorf("%w: keylen extension at offset %d", ErrTruncated, off)
		}
		kl = binary.BigEndian.Uint64(data[p:])
		p += 8
		r.extLen += 8
	}
	if vl == valLenSentinel {
		if p+8 > size {
			return fmt.Errorf("%w: vallen extension at offset %d", ErrTruncated, off)
		}
		vl = binary.BigEndian.Uint64(data[p:])
		p += 8
		r.extLen += 8
	}
	headCRC := crc32.Checksum(data[off:p], crcTable)

	r.KeyLen = kl
	r.ValLen = vl

	// The CRC words sit before the payload, at a position independent
	// of the decoded lengths, so they are checked first: a corrupted
	// length field reports as corruption, not truncation.
	crcPos := p + uint64(r.Level+1)*8
	if crcPos+crcLen > size {
		return fmt.Errorf("%w: record head at offset %d", ErrTruncated, off)
	}
	r.HeadCRC = binary.BigEndian.Uint32(data[crcPos:])
	r.TailCRC = binary.BigEndian.Uint32(data[crcPos+4:])
	if headCRC != r.HeadCRC {
		return fmt.Errorf("%w: head CRC mismatch at offset %d", ErrCorrupt, off)
	}

	total := r.Len()
	if off+total > size || off+total < off {
		return fmt.Errorf("%w: record at offset %d runs past end of file", ErrTruncated, off)
	}

	for i := 0; i <= int(r.Level); i++ {
		r.Ptr[i] = binary.BigEndian.Uint64(data[p:])
		p += 8
	}
	return nil
}

// File header.

const (
	// HeaderSize is the fixed size of the file header. The first
	// record (always the dummy sentinel) sits immediately after it.
	HeaderSize = 64

	// Version is the only file format version this code reads or writes.
	Version = 1

	// FlagDirty is set in the header before the first append of a
	// transaction and cleared only by a completed two-phase commit or
	// by recovery.
	FlagDirty = 1 << 0
)

// Magic identifies a twoskip file.
var Magic = []byte("\xA1\x02\x8B\x0Dtwoskip file")

// Header is the decoded file header. CurrentSize is the logical end
// of committed data; anything past it up to the physical end of file
// is an in-flight or abandoned transaction tail.
type Header struct {
	Version     uint32
	Flags       uint32
	Generation  uint64
	NumRecords  uint64
	RepackSize  uint64
	CurrentSize uint64
}

// Dirty reports whether the dirty flag is set.
func (h *Header) Dirty() bool { return h.Flags&FlagDirty != 0 }

// EncodeHeader writes the header into buf, which must be at least
// HeaderSize bytes, computing the header CRC.
func (h *Header) EncodeHeader(buf []byte) {
	copy(buf[0:16], Magic)
	binary.BigEndian.PutUint32(buf[16:], h.Version)
	binary.BigEndian.PutUint32(buf[20:], h.Flags)
	binary.BigEndian.PutUint64(buf[24:], h.Generation)
	binary.BigEndian.PutUint64(buf[32:], h.NumRecords)
	binary.BigEndian.PutUint64(buf[40:], h.RepackSize)
	binary.BigEndian.PutUint64(buf[48:], h.CurrentSize)
	binary.BigEndian.PutUint32(buf[56:], crc32.Checksum(buf[0:56], crcTable))
	binary.BigEndian.PutUint32(buf[60:], 0)
}

// DecodeHeader reads and validates the header at the start of data.
func (h *Header) DecodeHeader(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("%w: file smaller than header", ErrTruncated)
	}
	if !bytes.Equal(data[0:16], Magic) {
		return fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if got, want := binary.BigEndian.Uint32(data[56:]), crc32.Checksum(data[0:56], crcTable); got != want {
		return fmt.Errorf("%w: header CRC mismatch", ErrCorrupt)
	}
	h.Version = binary.BigEndian.Uint32(data[16:])
	if h.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, h.Version)
	}
	h.Flags = binary.BigEndian.Uint32(data[20:])
	h.Generation = binary.BigEndian.Uint64(data[24:])
	h.NumRecords = binary.BigEndian.Uint64(data[32:])
	h.RepackSize = binary.BigEndian.Uint64(data[40:])
	h.CurrentSize = binary.BigEndian.Uint64(data[48:])
	return nil
}
