//go:build linux

package fabric

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

type eventFD struct {
	fd     int
	closed atomic.Bool
	// held shared by waiters and signalers, exclusively while closing the fd
	mu sync.RWMutex
}

func newEvent() (event, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	return &eventFD{fd: fd}, nil
}

func (e *eventFD) signal() {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.fd < 0 {
		return
	}

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)

	for {
		_, err := unix.Write(e.fd, buf[:])
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}

func (e *eventFD) wait() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed.Load() || e.fd < 0 {
		return ErrClosed
	}

	var buf [8]byte

	for {
		_, err := unix.Read(e.fd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}

		if err != nil {
			return fmt.Errorf("eventfd read: %w", err)
		}

		break
	}

	if e.closed.Load() {
		return ErrClosed
	}

	return nil
}

func (e *eventFD) close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.signal()

	e.mu.Lock()
	defer e.mu.Unlock()

	err := unix.Close(e.fd)
	e.fd = -1

	return err
}
