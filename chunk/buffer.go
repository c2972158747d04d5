package chunk

import "sync"

// BufferPool lends out byte slices for chunk data. Get must return a slice of
// exactly size bytes; Put takes back a slice that is no longer referenced.
type BufferPool interface {
	Get(size int) []byte
	Put(b []byte)
}

// Buffer owns the in-memory bytes of one chunk. It is empty before the chunk
// is read and after it is released. Swaps are done under a lock so a
// concurrent reader sees either the old or the new contents, never a mix.
type Buffer struct {
	mu   sync.RWMutex
	data []byte
	pool BufferPool
}

func newBuffer(pool BufferPool) *Buffer {
	return &Buffer{pool: pool}
}

// Len returns the number of bytes held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// Bytes returns the held bytes. The slice is only valid until the next swap
// or release.
func (b *Buffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.data
}

func (b *Buffer) allocate(size int) []byte {
	if b.pool != nil {
		return b.pool.Get(size)
	}
	return make([]byte, size)
}

// discard gives back a slice obtained from allocate that was never held.
func (b *Buffer) discard(data []byte) {
	if b.pool != nil && cap(data) > 0 {
		b.pool.Put(data)
	}
}

// swap replaces the held bytes and gives the old ones back.
func (b *Buffer) swap(data []byte) {
	b.mu.Lock()
	old := b.data
	b.data = data
	b.mu.Unlock()

	b.recycle(old, data)
}

// release drops the held bytes. It is a no-op on an empty buffer.
func (b *Buffer) release() {
	b.swap(nil)
}

func (b *Buffer) recycle(old, current []byte) {
	if b.pool == nil || cap(old) == 0 {
		return
	}
	if cap(current) > 0 && &old[:cap(old)][0] == &current[:cap(current)][0] {
		return
	}
	b.pool.Put(old)
}

// SizedPool is a BufferPool for chunks of at most maxSize bytes. Slices of
// other capacities are allocated and dropped normally.
type SizedPool struct {
	maxSize int
	pool    sync.Pool
}

// NewSizedPool ...
func NewSizedPool(maxSize int) *SizedPool {
	p := &SizedPool{maxSize: maxSize}
	p.pool.New = func() interface{} {
		b := make([]byte, maxSize)
		return &b
	}
	return p
}

// Get ...
func (p *SizedPool) Get(size int) []byte {
	if size > p.maxSize {
		return make([]byte, size)
	}
	b := p.pool.Get().(*[]byte)
	return (*b)[:size]
}

// Put ...
func (p *SizedPool) Put(b []byte) {
	if cap(b) != p.maxSize {
		return
	}
	b = b[:cap(b)]
	p.pool.Put(&b)
}
