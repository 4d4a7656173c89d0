// Package bufpool hands out reusable byte slabs sized by class, so that the
// frame codec doesn't allocate a fresh buffer for every inbound frame. It is
// a small stand-in for a slab allocator (the style the teacher's own memsys
// package uses for object-transport buffers), sized for ttrpc's much smaller
// message ceiling.
package bufpool

import "sync"

const (
	classSmall  = 4 << 10  // 4 KiB
	classMedium = 64 << 10 // 64 KiB
	classLarge  = 4 << 20  // 4 MiB, the frame payload ceiling
)

var pools = []struct {
	size int
	pool *sync.Pool
}{
	{classSmall, &sync.Pool{New: func() any { return make([]byte, classSmall) }}},
	{classMedium, &sync.Pool{New: func() any { return make([]byte, classMedium) }}},
	{classLarge, &sync.Pool{New: func() any { return make([]byte, classLarge) }}},
}

// Get returns a buffer with capacity at least size, drawn from the smallest
// size class that fits, or a one-off allocation when size exceeds every
// class. The returned slice has length 0; callers reslice it.
func Get(size int) []byte {
	for _, c := range pools {
		if size <= c.size {
			b := c.pool.Get().([]byte)
			return b[:0]
		}
	}
	return make([]byte, 0, size)
}

// Put returns b to its size class's pool. Buffers not drawn from a known
// class (oversized one-offs) are dropped for the GC to collect.
func Put(b []byte) {
	b = b[:cap(b)]
	for _, c := range pools {
		if cap(b) == c.size {
			//nolint:staticcheck // reusing a []byte across goroutines via sync.Pool is the point
			c.pool.Put(b[:c.size])
			return
		}
	}
}
