package session

// DefaultJitterCapacity is the number of client chunks coalesced per flush.
const DefaultJitterCapacity = 3

// JitterBuffer is a fixed-capacity FIFO that coalesces small client audio
// chunks before they are forwarded upstream. Chunks below capacity are held;
// the push that fills the buffer drains it.
//
// JitterBuffer is not safe for concurrent use. It lives in volatile memory
// only.
type JitterBuffer struct {
	capacity int
	chunks   [][]byte
	size     int
}

// NewJitterBuffer returns a buffer holding up to capacity chunks. A
// non-positive capacity selects [DefaultJitterCapacity].
func NewJitterBuffer(capacity int) *JitterBuffer {
	if capacity <= 0 {
		capacity = DefaultJitterCapacity
	}
	return &JitterBuffer{
		capacity: capacity,
		chunks:   make([][]byte, 0, capacity),
	}
}

// Push appends chunk. When the buffer reaches capacity it returns the
// buffered chunks concatenated in arrival order and true, leaving the buffer
// empty. Otherwise it returns nil and false.
func (b *JitterBuffer) Push(chunk []byte) ([]byte, bool) {
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
	if len(b.chunks) < b.capacity {
		return nil, false
	}

	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	b.Reset()
	return out, true
}

// Len returns the number of held chunks. It is always below the capacity
// between calls.
func (b *JitterBuffer) Len() int { return len(b.chunks) }

// Capacity returns the flush threshold.
func (b *JitterBuffer) Capacity() int { return b.capacity }

// Reset discards every held chunk.
func (b *JitterBuffer) Reset() {
	clear(b.chunks)
	b.chunks = b.chunks[:0]
	b.size = 0
}
