package codec

import "sync"

// Buffer is a movable byte buffer: ownership of its contents can be handed
// off to a worker and later handed back. Move() detaches the underlying
// slice and leaves the Buffer reporting a zero length until Attach restores
// it, which is the mechanism behind the "neutered buffer" sentinel described
// in the stall detector.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

// NewBuffer wraps data in a movable Buffer. The Buffer takes ownership of
// the slice; callers should not retain other references to it.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Len reports the current length of the buffer's contents. It is zero after
// a Move and before a matching Attach.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Bytes returns the buffer's current contents. The returned slice aliases
// the Buffer's storage and must not be retained past the next Move.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Move detaches and returns the underlying slice, leaving the Buffer
// zero-length until a later Attach call. This models the move-only
// ownership transfer of a buffer across the controller/worker boundary.
func (b *Buffer) Move() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.data
	b.data = nil
	return d
}

// Attach restores ownership of data to the buffer, reversing a prior Move.
func (b *Buffer) Attach(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = data
}

// IsMoved reports whether the buffer currently holds the already-moved
// zero-length sentinel.
func (b *Buffer) IsMoved() bool {
	return b.Len() == 0
}

// NumericArrayView is a typed view over a movable Buffer, e.g. a []float64
// reinterpreted from raw bytes the way a typed array view works over an
// ArrayBuffer.
type NumericArrayView struct {
	Buffer   *Buffer
	ViewKind string // e.g. "float64", "int32", "uint8"
}
