package fabric

import (
	"fmt"
	"sync"
	"unsafe"
)

// rkeyBit separates the remote key space from the local key space.
const rkeyBit = 1 << 31

// ProtectionDomain owns a set of memory registrations. Remote keys are only
// valid for queue pairs created in the same domain.
type ProtectionDomain struct {
	regions map[uint32]*MemoryRegion
	nextKey uint32
	nextQPN uint32
	mu      sync.RWMutex
}

// NewProtectionDomain creates an empty protection domain.
func NewProtectionDomain() *ProtectionDomain {
	return &ProtectionDomain{
		regions: make(map[uint32]*MemoryRegion),
		nextKey: 1,
		nextQPN: 1,
	}
}

// MemoryRegion is a registered slice of memory.
type MemoryRegion struct {
	pd     *ProtectionDomain
	buf    []byte
	addr   uint64
	key    uint32
	access Access
}

// Addr returns the virtual address of the first registered byte.
func (mr *MemoryRegion) Addr() uint64 { return mr.addr }

// LKey returns the local key.
func (mr *MemoryRegion) LKey() uint32 { return mr.key }

// RKey returns the remote key.
func (mr *MemoryRegion) RKey() uint32 { return mr.key | rkeyBit }

// Len returns the registered length.
func (mr *MemoryRegion) Len() int { return len(mr.buf) }

// Access returns the granted permissions.
func (mr *MemoryRegion) Access() Access { return mr.access }

func addressOf(buf []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
}

// Register binds buf to the domain with the given permissions.
func (pd *ProtectionDomain) Register(buf []byte, access Access) (*MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, ErrEmptyRegion
	}

	pd.mu.Lock()
	defer pd.mu.Unlock()

	key := pd.nextKey
	pd.nextKey++

	if pd.nextKey >= rkeyBit {
		pd.nextKey = 1
	}

	mr := &MemoryRegion{
		pd:     pd,
		buf:    buf,
		addr:   addressOf(buf),
		key:    key,
		access: access,
	}
	pd.regions[key] = mr

	return mr, nil
}

// Deregister removes the registration. Remote accesses using its key fail
// from this point on.
func (pd *ProtectionDomain) Deregister(mr *MemoryRegion) error {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	if cur, ok := pd.regions[mr.key]; !ok || cur != mr {
		return fmt.Errorf("%w: lkey %d", ErrInvalidKey, mr.key)
	}

	delete(pd.regions, mr.key)

	return nil
}

// Regions returns the number of live registrations.
func (pd *ProtectionDomain) Regions() int {
	pd.mu.RLock()
	defer pd.mu.RUnlock()

	return len(pd.regions)
}

func (pd *ProtectionDomain) allocQPN() uint32 {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	n := pd.nextQPN
	pd.nextQPN++

	return n
}

func (mr *MemoryRegion) slice(addr uint64, length int) ([]byte, error) {
	if length < 0 || addr < mr.addr {
		return nil, ErrOutOfBounds
	}

	off := addr - mr.addr
	if off > uint64(len(mr.buf)) || uint64(length) > uint64(len(mr.buf))-off {
		return nil, ErrOutOfBounds
	}

	return mr.buf[off : off+uint64(length)], nil
}

// withLocal runs fn on the memory named by a local scatter-gather entry.
// The registration cannot be dropped while fn runs.
func (pd *ProtectionDomain) withLocal(sge SGE, need Access, fn func([]byte)) error {
	if sge.LKey&rkeyBit != 0 {
		return fmt.Errorf("%w: lkey %#x", ErrInvalidKey, sge.LKey)
	}

	pd.mu.RLock()
	defer pd.mu.RUnlock()

	mr, ok := pd.regions[sge.LKey]
	if !ok {
		return fmt.Errorf("%w: lkey %d", ErrInvalidKey, sge.LKey)
	}

	if mr.access&need != need {
		return ErrAccessDenied
	}

	buf, err := mr.slice(sge.Addr, int(sge.Length))
	if err != nil {
		return err
	}

	fn(buf)

	return nil
}

// withRemote runs fn on the memory a peer addressed with rkey.
func (pd *ProtectionDomain) withRemote(rkey uint32, addr uint64, length int, need Access, fn func([]byte)) error {
	if rkey&rkeyBit == 0 {
		return fmt.Errorf("%w: rkey %#x", ErrInvalidKey, rkey)
	}

	pd.mu.RLock()
	defer pd.mu.RUnlock()

	mr, ok := pd.regions[rkey&^rkeyBit]
	if !ok {
		return fmt.Errorf("%w: rkey %#x", ErrInvalidKey, rkey)
	}

	if mr.access&need != need {
		return ErrAccessDenied
	}

	buf, err := mr.slice(addr, length)
	if err != nil {
		return err
	}

	fn(buf)

	return nil
}
