package swarm

import "fmt"

// recordAlignment keeps every record start 8-byte aligned
const recordAlignment = 8

// Arena is a growable buffer of fixed-stride particle records. Particle i
// occupies bytes [i*stride, (i+1)*stride).
type Arena struct {
	buf      []byte
	stride   int
	capacity int
}

func NewArena(stride, capacity int) *Arena {
	stride = alignUp(stride, recordAlignment)
	return &Arena{buf: make([]byte, stride*capacity), stride: stride, capacity: capacity}
}

func (a *Arena) Stride() int   { return a.stride }
func (a *Arena) Capacity() int { return a.capacity }

// Record returns particle i's bytes; the slice is invalidated by Resize and
// Restride
func (a *Arena) Record(i int) []byte {
	lo := i * a.stride
	return a.buf[lo : lo+a.stride : lo+a.stride]
}

// Bytes returns the first count records
func (a *Arena) Bytes(count int) []byte {
	return a.buf[:count*a.stride]
}

// Move copies record src over record dst
func (a *Arena) Move(dst, src int) {
	if dst == src {
		return
	}
	copy(a.Record(dst), a.Record(src))
}

// Resize changes the capacity, keeping the first count records held by the
// current buffer
func (a *Arena) Resize(capacity, count int) error {
	if capacity < count {
		return fmt.Errorf("%w: arena capacity %d below particle count %d", ErrFatal, capacity, count)
	}
	if capacity == a.capacity {
		return nil
	}
	buf := make([]byte, capacity*a.stride)
	copy(buf, a.buf[:min(count*a.stride, len(a.buf))])
	a.buf = buf
	a.capacity = capacity
	return nil
}

// Restride widens every record to stride, keeping the first count records.
// Records are moved from the highest index down so that no record is
// overwritten before it is copied. New trailing bytes are zeroed.
func (a *Arena) Restride(stride, count int) error {
	stride = alignUp(stride, recordAlignment)
	switch {
	case stride == a.stride:
		return nil
	case stride < a.stride:
		return fmt.Errorf("%w: record stride cannot shrink from %d to %d bytes", ErrFatal, a.stride, stride)
	}
	need := stride * a.capacity
	if cap(a.buf) >= need {
		a.buf = a.buf[:need]
	} else {
		buf := make([]byte, need)
		copy(buf, a.buf)
		a.buf = buf
	}
	old := a.stride
	for i := count - 1; i >= 0; i-- {
		copy(a.buf[i*stride:i*stride+old], a.buf[i*old:i*old+old])
		clear(a.buf[i*stride+old : (i+1)*stride])
	}
	clear(a.buf[count*stride:])
	a.stride = stride
	return nil
}
