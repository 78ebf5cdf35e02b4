package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulafaas/internal/fabric"
	"github.com/piwi3910/nebulafaas/internal/protocol"
)

// sinkCloseTimeout bounds how long Close waits for posted flushes.
const sinkCloseTimeout = time.Second

// FabricSink flushes accounting to a lease manager by fetch-and-add on the
// lease's counter record. Workers of the same lease share one sink.
type FabricSink struct {
	conn     *fabric.Connection
	setup    *fabric.Buffer
	scratch  *fabric.Buffer
	counters fabric.RemoteBuffer
	drained  chan struct{}
	pending  atomic.Int64
	once     sync.Once

	// mu keeps Add off the scratch buffer once it is released.
	mu     sync.RWMutex
	closed bool
}

// DialSink connects to the lease manager at addr with the lease's private
// data and waits for it to advertise the counter record.
func DialSink(ctx context.Context, p fabric.Provider, addr string, privateData uint32) (*FabricSink, error) {
	pd := fabric.NewProtectionDomain()

	cfg := fabric.DefaultQPConfig()
	cfg.EventChannel = true

	conn, err := fabric.NewConnection(pd, cfg)
	if err != nil {
		return nil, err
	}

	s := &FabricSink{conn: conn, drained: make(chan struct{})}

	if err := s.connect(ctx, p, addr, privateData); err != nil {
		s.release()

		return nil, fmt.Errorf("failed to reach lease manager at %s: %w", addr, err)
	}

	go s.drain()

	log.Info().
		Str("lease_manager", addr).
		Str("counters", s.counters.String()).
		Msg("Accounting sink connected")

	return s, nil
}

func (s *FabricSink) connect(ctx context.Context, p fabric.Provider, addr string, privateData uint32) error {
	var err error

	if s.setup, err = registered(s.conn.PD(), protocol.SetupMessageSize); err != nil {
		return err
	}

	if s.scratch, err = registered(s.conn.PD(), 8); err != nil {
		return err
	}

	if _, err := protocol.PostSetupRecv(s.conn, s.setup); err != nil {
		return err
	}

	if err := s.conn.Connect(ctx, p, addr, privateData); err != nil {
		return err
	}

	setup, err := protocol.ReceiveSetup(ctx, s.conn, s.setup)
	if err != nil {
		return err
	}

	if setup.Remote.Size < protocol.AccountingRecordSize {
		return fmt.Errorf("%w: counter record of %d bytes", protocol.ErrMalformedSetup, setup.Remote.Size)
	}

	s.counters = setup.Remote

	return nil
}

func registered(pd *fabric.ProtectionDomain, size int) (*fabric.Buffer, error) {
	buf, err := fabric.NewBuffer(size, 1, 0)
	if err != nil {
		return nil, err
	}

	if err := buf.Register(pd, fabric.AccessLocalWrite); err != nil {
		buf.Close()

		return nil, err
	}

	return buf, nil
}

// Add implements AccountingSink. Fetched values land in a scratch buffer
// and are ignored.
func (s *FabricSink) Add(b Bucket, d time.Duration) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fabric.ErrDisconnected
	}

	select {
	case <-s.conn.Done():
		return fabric.ErrDisconnected
	default:
	}

	s.pending.Add(1)

	if _, err := s.conn.PostFetchAdd(s.scratch.SGL(), s.counters.Offset(b.Offset()), uint64(d)); err != nil {
		s.pending.Add(-1)

		return err
	}

	return nil
}

// Counters returns the advertised counter record.
func (s *FabricSink) Counters() fabric.RemoteBuffer { return s.counters }

// Done is closed when the lease manager connection is gone.
func (s *FabricSink) Done() <-chan struct{} { return s.conn.Done() }

// drain is the only poller of the sink's send queue.
func (s *FabricSink) drain() {
	defer close(s.drained)

	wcs := make([]fabric.WorkCompletion, 16)

	for {
		n, err := s.conn.Poll(fabric.QueueSend, false, wcs)
		if err != nil {
			return
		}

		if n > 0 {
			s.pending.Add(-int64(n))

			continue
		}

		if err := s.conn.RequestNotify(fabric.QueueSend, false); err != nil {
			return
		}

		n, err = s.conn.Poll(fabric.QueueSend, false, wcs)
		if err != nil {
			return
		}

		if n > 0 {
			s.pending.Add(-int64(n))

			continue
		}

		if err := s.conn.WaitEvent(fabric.QueueSend); err != nil {
			return
		}
	}
}

// Close waits briefly for posted flushes to complete, then disconnects from
// the lease manager.
func (s *FabricSink) Close() error {
	deadline := time.Now().Add(sinkCloseTimeout)
	for s.pending.Load() > 0 && time.Now().Before(deadline) {
		select {
		case <-s.conn.Done():
			deadline = time.Now()
		case <-time.After(time.Millisecond):
		}
	}

	s.conn.Close()
	<-s.drained
	s.release()

	return nil
}

func (s *FabricSink) release() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.conn.Close()

		if s.setup != nil {
			s.setup.Close()
		}

		if s.scratch != nil {
			s.scratch.Close()
		}
	})
}
