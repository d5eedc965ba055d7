package twoskip

import (
	"fmt"
	"io"

	"github.com/twoskipdb/twoskip/record"
)

// Dump writes a human-readable listing of the header and every record
// in file (append) order, live or not. Diagnostic only; the output
// format is not a stable interface.
func (db *DB) Dump(w io.Writer) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDBClosed
	}
	if err := db.lockShared(); err != nil {
		return err
	}
	defer db.mf.Unlock()

	h := &db.hdr
	fmt.Fprintf(w, "HEADER version=%d flags=%#x generation=%d records=%d repack=%d current=%d\n",
		h.Version, h.Flags, h.Generation, h.NumRecords, h.RepackSize, h.CurrentSize)

	data := db.data()
	var rec record.Record
	for off := uint64(record.HeaderSize); off < db.end; {
		if err := rec.Decode(data, off); err != nil {
			fmt.Fprintf(w, "%08d !! %v\n", off, err)
			return err
		}
		fmt.Fprintf(w, "%08d %-6s level=%-2d keylen=%-4d vallen=%-6d ptrs=%v",
			off, rec.Type, rec.Level, rec.KeyLen, rec.ValLen, rec.Ptr[:rec.Level+1])
		if rec.KeyLen > 0 {
			fmt.Fprintf(w, " key=%s", preview(rec.Key(data)))
		}
		if rec.ValLen > 0 {
			fmt.Fprintf(w, " val=%s", preview(rec.Val(data)))
		}
		fmt.Fprintln(w)
		off += rec.Len()
	}
	return nil
}

// preview renders up to 32 bytes of a key or value, quoted.
func preview(b []byte) string {
	const max = 32
	if len(b) <= max {
		return fmt.Sprintf("%q", b)
	}
	return fmt.Sprintf("%q...(%d bytes)", b[:max], len(b))
}
