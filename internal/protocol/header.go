package protocol

import (
	"fmt"

	"github.com/piwi3910/nebulafaas/internal/fabric"
)

// HeaderSize is the submission header at the start of every payload: the
// sender's result buffer descriptor.
const HeaderSize = fabric.RemoteBufferSize

// WriteHeader stores the result buffer descriptor at the start of payload.
func WriteHeader(payload []byte, result fabric.RemoteBuffer) error {
	if len(payload) < HeaderSize {
		return fmt.Errorf("%w: header needs %d bytes", ErrShortBuffer, HeaderSize)
	}

	return result.MarshalTo(payload[:HeaderSize])
}

// ReadHeader loads the result buffer descriptor from the start of payload.
func ReadHeader(payload []byte) (fabric.RemoteBuffer, error) {
	if len(payload) < HeaderSize {
		return fabric.RemoteBuffer{}, fmt.Errorf("%w: header needs %d bytes", ErrShortBuffer, HeaderSize)
	}

	return fabric.ReadRemoteBuffer(payload[:HeaderSize])
}

// Accounting record layout in the lease manager's counter slots. Each slot
// holds two 8-byte counters updated with fetch-and-add.
const (
	AccountingHotOffset  = 0
	AccountingExecOffset = 8
	AccountingRecordSize = 16
)
