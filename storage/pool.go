package storage

import "sync"

const (
	defaultBufferSize = 1 << 10 // 1kb
	maxPooledBuffer   = 1 << 20
)

// BytesPool recycles record encoding buffers on the write path.
type BytesPool struct {
	pool sync.Pool
}

func NewBytesPool() *BytesPool {
	return &BytesPool{
		pool: sync.Pool{
			New: func() any {
				buf := new([]byte)                         // Attempt to force allocation on heap.
				*buf = make([]byte, 0, defaultBufferSize) // 1kb
				return buf
			},
		},
	}
}

func (p *BytesPool) GetBytes() *[]byte {
	return p.pool.Get().(*[]byte)
}

// PutBytes returns b to the pool. Buffers grown for unusually large records
// are dropped so the pool does not pin them.
func (p *BytesPool) PutBytes(b *[]byte) {
	if cap(*b) > maxPooledBuffer {
		return
	}

	*b = (*b)[:0]

	p.pool.Put(b)
}
