package bufferpool

import "testing"

func TestGetSizes(t *testing.T) {
	p := NewBufferPool()
	for _, size := range []int{0, 1, 100, smallBufferSize, smallBufferSize + 1, largeBufferSize, largeBufferSize + 1, 1 << 20} {
		buf := p.Get(size)
		if len(buf) != size {
			t.Fatalf("Get(%d) returned %d bytes", size, len(buf))
		}
		p.Put(buf)
	}
}

func TestReuse(t *testing.T) {
	p := NewBufferPool()
	buf := p.Get(64)
	for i := range buf {
		buf[i] = 0xAA
	}
	p.Put(buf)

	// A recycled buffer keeps its capacity; contents are unspecified
	// but the requested length must hold.
	again := p.Get(128)
	if len(again) != 128 {
		t.Fatalf("recycled Get(128) returned %d bytes", len(again))
	}
	if cap(again) < 128 {
		t.Fatalf("recycled buffer cap %d too small", cap(again))
	}
}

func TestGlobalPool(t *testing.T) {
	buf := GetBuffer(512)
	if len(buf) != 512 {
		t.Fatalf("GetBuffer(512) returned %d bytes", len(buf))
	}
	PutBuffer(buf)
}
