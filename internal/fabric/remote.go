package fabric

import (
	"encoding/binary"
	"fmt"
)

// RemoteBufferSize is the encoded size of a RemoteBuffer.
const RemoteBufferSize = 16

// RemoteBuffer identifies a peer's registered region. It carries no
// ownership.
type RemoteBuffer struct {
	Addr uint64
	RKey uint32
	Size uint32
}

// IsZero reports whether the descriptor is unset.
func (r RemoteBuffer) IsZero() bool {
	return r.Addr == 0 && r.RKey == 0
}

// Offset returns the descriptor for the region starting off bytes in.
func (r RemoteBuffer) Offset(off uint32) RemoteBuffer {
	size := uint32(0)
	if off < r.Size {
		size = r.Size - off
	}

	return RemoteBuffer{Addr: r.Addr + uint64(off), RKey: r.RKey, Size: size}
}

// MarshalTo writes the 16-byte encoding into b.
func (r RemoteBuffer) MarshalTo(b []byte) error {
	if len(b) < RemoteBufferSize {
		return fmt.Errorf("remote buffer needs %d bytes, have %d", RemoteBufferSize, len(b))
	}

	binary.LittleEndian.PutUint64(b[0:8], r.Addr)
	binary.LittleEndian.PutUint32(b[8:12], r.RKey)
	binary.LittleEndian.PutUint32(b[12:16], r.Size)

	return nil
}

// ReadRemoteBuffer decodes a descriptor written by MarshalTo.
func ReadRemoteBuffer(b []byte) (RemoteBuffer, error) {
	if len(b) < RemoteBufferSize {
		return RemoteBuffer{}, fmt.Errorf("remote buffer needs %d bytes, have %d", RemoteBufferSize, len(b))
	}

	return RemoteBuffer{
		Addr: binary.LittleEndian.Uint64(b[0:8]),
		RKey: binary.LittleEndian.Uint32(b[8:12]),
		Size: binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

func (r RemoteBuffer) String() string {
	return fmt.Sprintf("%#x/%#x/%d", r.Addr, r.RKey, r.Size)
}
