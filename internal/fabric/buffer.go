package fabric

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// noCopy makes go vet's copylocks check flag copies of a Buffer.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Buffer is a memory region that can be registered with a protection domain.
// The first HeaderBytes bytes are reserved for a submission header; the rest
// holds Size elements of Stride bytes each.
//
// A Buffer must not be copied. Use Move to hand it to a new owner.
type Buffer struct {
	noCopy noCopy

	data   []byte
	mr     *MemoryRegion
	size   int
	stride int
	header int
	owned  bool
	closed bool
}

// NewBuffer allocates a page-aligned anonymous buffer holding size elements of
// stride bytes after header reserved bytes.
func NewBuffer(size, stride, header int) (*Buffer, error) {
	if size < 0 || stride <= 0 || header < 0 {
		return nil, fmt.Errorf("invalid buffer geometry size=%d stride=%d header=%d", size, stride, header)
	}

	length := header + size*stride
	if length == 0 {
		return nil, ErrEmptyRegion
	}

	data, err := allocate(length)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %d byte buffer: %w", length, err)
	}

	return &Buffer{
		data:   data[:length],
		size:   size,
		stride: stride,
		header: header,
		owned:  true,
	}, nil
}

// WrapBuffer wraps caller-owned memory. Closing the buffer deregisters it but
// leaves the memory alone.
func WrapBuffer(data []byte, stride, header int) *Buffer {
	if stride <= 0 {
		stride = 1
	}

	size := 0
	if len(data) > header {
		size = (len(data) - header) / stride
	}

	return &Buffer{
		data:   data,
		size:   size,
		stride: stride,
		header: header,
	}
}

// Register binds the buffer to pd.
func (b *Buffer) Register(pd *ProtectionDomain, access Access) error {
	if b.closed {
		return ErrBufferClosed
	}

	if b.mr != nil {
		return ErrAlreadyRegistered
	}

	mr, err := pd.Register(b.data, access)
	if err != nil {
		return err
	}

	b.mr = mr

	return nil
}

// Deregister drops the registration, keeping the memory.
func (b *Buffer) Deregister() error {
	if b.mr == nil {
		return ErrNotRegistered
	}

	err := b.mr.pd.Deregister(b.mr)
	b.mr = nil

	return err
}

// Registered reports whether the buffer is bound to a protection domain.
func (b *Buffer) Registered() bool { return b.mr != nil }

// Address returns the registered address, or 0 before registration.
func (b *Buffer) Address() uint64 {
	if b.mr == nil {
		return 0
	}

	return b.mr.Addr()
}

// LocalKey returns the local key, or 0 before registration.
func (b *Buffer) LocalKey() uint32 {
	if b.mr == nil {
		return 0
	}

	return b.mr.LKey()
}

// RemoteKey returns the remote key, or 0 before registration.
func (b *Buffer) RemoteKey() uint32 {
	if b.mr == nil {
		return 0
	}

	return b.mr.RKey()
}

// Access returns the registered permissions.
func (b *Buffer) Access() Access {
	if b.mr == nil {
		return 0
	}

	return b.mr.Access()
}

func (b *Buffer) Size() int        { return b.size }
func (b *Buffer) Stride() int      { return b.stride }
func (b *Buffer) HeaderBytes() int { return b.header }

// DataBytes is the payload length, excluding the header.
func (b *Buffer) DataBytes() int { return b.size * b.stride }

// Len is the total length including the header.
func (b *Buffer) Len() int { return len(b.data) }

// Bytes returns the whole buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// Header returns the reserved header bytes.
func (b *Buffer) Header() []byte { return b.data[:b.header] }

// Payload returns the bytes after the header.
func (b *Buffer) Payload() []byte { return b.data[b.header:] }

// Remote describes the whole buffer for a peer.
func (b *Buffer) Remote() RemoteBuffer {
	return RemoteBuffer{
		Addr: b.Address(),
		RKey: b.RemoteKey(),
		Size: uint32(len(b.data)),
	}
}

// SGE describes length bytes starting at offset.
func (b *Buffer) SGE(offset, length int) SGE {
	return SGE{
		Addr:   b.Address() + uint64(offset),
		Length: uint32(length),
		LKey:   b.LocalKey(),
	}
}

// SGL describes the whole buffer as a one-element list.
func (b *Buffer) SGL() ScatterGatherList {
	return ScatterGatherList{b.SGE(0, len(b.data))}
}

// LoadUint64 atomically reads the 8-byte word at off, which must be a
// multiple of 8. Remote atomics on the same word are observed whole.
func (b *Buffer) LoadUint64(off int) uint64 { return atomic.LoadUint64(b.word(off)) }

// SwapUint64 atomically replaces the word at off and returns the old value.
func (b *Buffer) SwapUint64(off int, v uint64) uint64 { return atomic.SwapUint64(b.word(off), v) }

func (b *Buffer) word(off int) *uint64 {
	if off%8 != 0 || off < 0 || off+8 > len(b.data) {
		panic(fmt.Sprintf("fabric: unaligned or out of range word at offset %d", off))
	}

	return (*uint64)(unsafe.Pointer(&b.data[off]))
}

// Move transfers the memory and its registration to a new Buffer. The
// receiver is left empty and closing it is a no-op.
func (b *Buffer) Move() *Buffer {
	moved := &Buffer{
		data:   b.data,
		mr:     b.mr,
		size:   b.size,
		stride: b.stride,
		header: b.header,
		owned:  b.owned,
		closed: b.closed,
	}

	b.data = nil
	b.mr = nil
	b.size = 0
	b.owned = false
	b.closed = true

	return moved
}

// Close deregisters the buffer, then releases owned memory. It is safe to
// call more than once.
func (b *Buffer) Close() error {
	if b.closed {
		return nil
	}

	b.closed = true

	var firstErr error

	if b.mr != nil {
		firstErr = b.Deregister()
	}

	if b.owned {
		if err := release(b.data); err != nil && firstErr == nil {
			firstErr = err
		}

		b.owned = false
	}

	b.data = nil

	return firstErr
}
