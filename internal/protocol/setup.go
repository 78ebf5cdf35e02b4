package protocol

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/piwi3910/nebulafaas/internal/fabric"
)

// SetupMessageSize bounds an encoded setup message.
const SetupMessageSize = 4096

// Setup is sent by the accepting side right after a connection is
// established. Executors advertise their input region and function table;
// the lease manager advertises the accounting counters of a lease.
type Setup struct {
	Remote    fabric.RemoteBuffer
	Functions []string
}

// MarshalTo encodes s into b as
// [16-byte remote buffer][u16 count]{[u16 len][name]} and returns the
// encoded length.
func (s Setup) MarshalTo(b []byte) (int, error) {
	size := fabric.RemoteBufferSize + 2
	for _, name := range s.Functions {
		size += 2 + len(name)
	}

	if size > SetupMessageSize || len(s.Functions) > MaxFunctionID+1 {
		return 0, fmt.Errorf("%w: %d bytes", ErrSetupTooLarge, size)
	}

	if len(b) < size {
		return 0, fmt.Errorf("%w: setup needs %d bytes", ErrShortBuffer, size)
	}

	if err := s.Remote.MarshalTo(b); err != nil {
		return 0, err
	}

	off := fabric.RemoteBufferSize
	binary.LittleEndian.PutUint16(b[off:], uint16(len(s.Functions)))
	off += 2

	for _, name := range s.Functions {
		binary.LittleEndian.PutUint16(b[off:], uint16(len(name)))
		off += 2
		off += copy(b[off:], name)
	}

	return off, nil
}

// UnmarshalSetup decodes a setup message.
func UnmarshalSetup(b []byte) (Setup, error) {
	if len(b) < fabric.RemoteBufferSize+2 {
		return Setup{}, fmt.Errorf("%w: %d bytes", ErrMalformedSetup, len(b))
	}

	remote, err := fabric.ReadRemoteBuffer(b)
	if err != nil {
		return Setup{}, err
	}

	off := fabric.RemoteBufferSize
	count := int(binary.LittleEndian.Uint16(b[off:]))
	off += 2

	s := Setup{Remote: remote, Functions: make([]string, 0, count)}

	for i := 0; i < count; i++ {
		if off+2 > len(b) {
			return Setup{}, fmt.Errorf("%w: truncated function %d", ErrMalformedSetup, i)
		}

		n := int(binary.LittleEndian.Uint16(b[off:]))
		off += 2

		if off+n > len(b) {
			return Setup{}, fmt.Errorf("%w: truncated function %d", ErrMalformedSetup, i)
		}

		s.Functions = append(s.Functions, string(b[off:off+n]))
		off += n
	}

	return s, nil
}

// SendSetup encodes s into buf and sends it on conn, waiting for the send
// completion. The caller must be the only poller of conn's send queue.
func SendSetup(ctx context.Context, conn *fabric.Connection, buf *fabric.Buffer, s Setup) error {
	n, err := s.MarshalTo(buf.Bytes())
	if err != nil {
		return err
	}

	id, err := conn.PostSend(fabric.ScatterGatherList{buf.SGE(0, n)})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}

	wcs := make([]fabric.WorkCompletion, 1)

	for {
		if _, err := conn.PollContext(ctx, fabric.QueueSend, wcs); err != nil {
			return fmt.Errorf("%w: %w", ErrSetupFailed, err)
		}

		if wcs[0].WRID != id {
			continue
		}

		if !wcs[0].Success() {
			return fmt.Errorf("%w: send completed with %s", ErrSetupFailed, wcs[0].Status)
		}

		return nil
	}
}

// PostSetupRecv posts the receive a setup message will land in. It must be
// posted before the peer can send, normally before connecting.
func PostSetupRecv(conn *fabric.Connection, buf *fabric.Buffer) (uint64, error) {
	if buf.Len() < SetupMessageSize {
		return 0, fmt.Errorf("%w: setup receive needs %d bytes", ErrShortBuffer, SetupMessageSize)
	}

	return conn.PostRecv(fabric.ScatterGatherList{buf.SGE(0, SetupMessageSize)})
}

// ReceiveSetup waits for the setup message posted with PostSetupRecv. Entries
// for other queue pairs on a shared queue are a protocol error.
func ReceiveSetup(ctx context.Context, conn *fabric.Connection, buf *fabric.Buffer) (Setup, error) {
	wcs := make([]fabric.WorkCompletion, 1)

	if _, err := conn.PollContext(ctx, fabric.QueueRecv, wcs); err != nil {
		return Setup{}, fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}

	wc := wcs[0]

	switch {
	case wc.QPNum != conn.QPNum():
		return Setup{}, fmt.Errorf("%w: completion for queue pair %d", ErrSetupFailed, wc.QPNum)
	case !wc.Success():
		return Setup{}, fmt.Errorf("%w: receive completed with %s", ErrSetupFailed, wc.Status)
	case wc.Opcode != fabric.WCOpRecv:
		return Setup{}, fmt.Errorf("%w: unexpected %s", ErrSetupFailed, wc.Opcode)
	}

	return UnmarshalSetup(buf.Bytes()[:wc.ByteLen])
}
