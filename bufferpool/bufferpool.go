// Package bufferpool provides reusable byte slices for record encode
// scratch and backup framing, so the hot append path doesn't allocate
// per record.
package bufferpool

import (
	"sync"
)

const (
	// Most records are a small head plus a modest key and value.
	smallBufferSize = 1024
	// Large enough for bulky values and backup frames.
	largeBufferSize = 64 * 1024
)

// BufferPool maintains two size classes of reusable byte slices.
// Requests above the large class are allocated directly and never
// pooled.
type BufferPool struct {
	small sync.Pool
	large sync.Pool
}

// NewBufferPool creates a new buffer pool with the two size classes.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		small: sync.Pool{
			New: func() any {
				return make([]byte, 0, smallBufferSize)
			},
		},
		large: sync.Pool{
			New: func() any {
				return make([]byte, 0, largeBufferSize)
			},
		},
	}
}

// Get returns a byte slice of exactly the requested length, reusing a
// pooled buffer when one of the size classes fits.
func (p *BufferPool) Get(size int) []byte {
	var buf []byte
	if size <= smallBufferSize {
		buf = p.small.Get().([]byte)
	} else if size <= largeBufferSize {
		buf = p.large.Get().([]byte)
	} else {
		return make([]byte, size)
	}

	// A foreign buffer put back into the wrong class could be too
	// small; don't trust it.
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

// Put returns a byte slice to the pool it came from. Oversized
// buffers are dropped for the GC.
func (p *BufferPool) Put(buf []byte) {
	c := cap(buf)
	switch {
	case c <= smallBufferSize:
		p.small.Put(buf[:0])
	case c <= largeBufferSize:
		p.large.Put(buf[:0])
	}
}

var global = NewBufferPool()

// GetBuffer returns a buffer from the process-wide pool.
func GetBuffer(size int) []byte { return global.Get(size) }

// PutBuffer returns a buffer to the process-wide pool.
func PutBuffer(buf []byte) { global.Put(buf) }
