package executor

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/nebulafaas/internal/fabric"
	"github.com/piwi3910/nebulafaas/internal/protocol"
)

type flush struct {
	bucket Bucket
	amount time.Duration
}

type recordingSink struct {
	flushes []flush
	err     error
}

func (s *recordingSink) Add(b Bucket, d time.Duration) error {
	s.flushes = append(s.flushes, flush{bucket: b, amount: d})

	return s.err
}

func TestAccountingFlushesPastGranularity(t *testing.T) {
	sink := &recordingSink{}
	acct := NewAccounting(sink)

	acct.AddExecution(600 * time.Millisecond)
	acct.AddExecution(400 * time.Millisecond)
	assert.Empty(t, sink.flushes, "exactly one granule is not flushed yet")
	assert.Equal(t, time.Second, acct.Pending(BucketExecution))

	acct.AddExecution(time.Millisecond)
	require.Len(t, sink.flushes, 1)
	assert.Equal(t, flush{bucket: BucketExecution, amount: 1001 * time.Millisecond}, sink.flushes[0])
	assert.Zero(t, acct.Pending(BucketExecution))

	acct.AddHotPolling(3 * time.Second)
	require.Len(t, sink.flushes, 2)
	assert.Equal(t, BucketHotPolling, sink.flushes[1].bucket)

	acct.AddHotPolling(-time.Second)
	acct.AddExecution(5 * time.Millisecond)
	acct.Flush()
	require.Len(t, sink.flushes, 3)
	assert.Equal(t, flush{bucket: BucketExecution, amount: 5 * time.Millisecond}, sink.flushes[2])

	acct.Flush()
	assert.Len(t, sink.flushes, 3)
}

func TestAccountingSinkErrorResetsBucket(t *testing.T) {
	sink := &recordingSink{err: errors.New("unreachable")}
	acct := NewAccounting(sink)

	acct.AddHotPolling(2 * time.Second)
	assert.Zero(t, acct.Pending(BucketHotPolling))

	local := NewAccounting(nil)
	local.AddExecution(2 * time.Second)
	assert.Zero(t, local.Pending(BucketExecution))
}

func TestBucketOffsets(t *testing.T) {
	assert.Equal(t, uint32(protocol.AccountingHotOffset), BucketHotPolling.Offset())
	assert.Equal(t, uint32(protocol.AccountingExecOffset), BucketExecution.Offset())
	assert.Equal(t, "execution", BucketExecution.String())
}

// counterHost stands in for a lease manager: it accepts one connection and
// advertises a counter record.
type counterHost struct {
	ln       *fabric.Listener
	counters *fabric.Buffer
	accepted chan *fabric.Connection
}

func newCounterHost(t *testing.T, p fabric.Provider) *counterHost {
	t.Helper()

	pd := fabric.NewProtectionDomain()

	ln, err := fabric.Listen(p, "", pd, fabric.DefaultQPConfig())
	require.NoError(t, err)

	t.Cleanup(func() { _ = ln.Close() })

	h := &counterHost{
		ln:       ln,
		counters: newBuffer(t, pd, protocol.AccountingRecordSize, 0, fabric.AccessAll),
		accepted: make(chan *fabric.Connection, 4),
	}
	setup := newBuffer(t, pd, protocol.SetupMessageSize, 0, fabric.AccessLocalWrite)

	go func() {
		for {
			conn, err := ln.Accept(t.Context())
			if err != nil {
				return
			}

			if err := conn.Establish(); err != nil {
				continue
			}

			if err := protocol.SendSetup(t.Context(), conn, setup, protocol.Setup{Remote: h.counters.Remote()}); err != nil {
				conn.Close()

				continue
			}

			h.accepted <- conn
		}
	}()

	return h
}

func (h *counterHost) counter(b Bucket) time.Duration {
	return time.Duration(binary.NativeEndian.Uint64(h.counters.Bytes()[b.Offset():]))
}

func TestFabricSink(t *testing.T) {
	p := fabric.NewSimProvider()
	host := newCounterHost(t, p)

	sink, err := DialSink(t.Context(), p, host.ln.Addr(), protocol.EncodePrivateData(1, 2))
	require.NoError(t, err)

	conn := <-host.accepted
	defer conn.Close()

	assert.Equal(t, protocol.EncodePrivateData(1, 2), conn.PrivateData())
	assert.Equal(t, host.counters.Remote(), sink.Counters())

	require.NoError(t, sink.Add(BucketExecution, 3*time.Second))
	require.NoError(t, sink.Add(BucketExecution, 2*time.Second))
	require.NoError(t, sink.Add(BucketHotPolling, time.Second))

	require.Eventually(t, func() bool {
		return host.counter(BucketExecution) == 5*time.Second && host.counter(BucketHotPolling) == time.Second
	}, testTimeout, time.Millisecond)

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	assert.ErrorIs(t, sink.Add(BucketExecution, time.Second), fabric.ErrDisconnected)
}

func TestFabricSinkAddDuringClose(t *testing.T) {
	p := fabric.NewSimProvider()
	host := newCounterHost(t, p)

	sink, err := DialSink(t.Context(), p, host.ln.Addr(), protocol.EncodePrivateData(3, 4))
	require.NoError(t, err)

	conn := <-host.accepted
	defer conn.Close()

	var wg sync.WaitGroup

	errs := make(chan error, 4)

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				if err := sink.Add(BucketHotPolling, time.Nanosecond); err != nil {
					errs <- err
					return
				}

				time.Sleep(50 * time.Microsecond)
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, sink.Close())
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.True(t, errors.Is(err, fabric.ErrDisconnected) || errors.Is(err, fabric.ErrQueueFull), err.Error())
	}
}

func TestDialSinkWithoutLeaseManager(t *testing.T) {
	_, err := DialSink(t.Context(), fabric.NewSimProvider(), "sim-missing", 1)
	require.ErrorIs(t, err, fabric.ErrNoListener)
}
