package executor

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/nebulafaas/internal/fabric"
	"github.com/piwi3910/nebulafaas/internal/protocol"
)

func sum64Input(values ...uint64) []byte {
	b := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(b[8*i:], v)
	}

	return b
}

func TestServerEndToEnd(t *testing.T) {
	p := fabric.NewSimProvider()
	srv := startServer(t, p, Config{HotTimeout: 50 * time.Millisecond}, nil)

	client, err := dialExecutor(t, p, srv.Addr(), protocol.EncodePrivateData(1, 7))
	require.NoError(t, err)

	assert.Equal(t, []string{"noop", "echo", "reverse", "sum64"}, client.setup.Functions)
	assert.Equal(t, uint32(protocol.HeaderSize+4096), client.setup.Remote.Size)

	status, out := client.invoke(t, 3, 42, sum64Input(1, 2, 39))
	assert.Equal(t, protocol.StatusOK, status)
	require.Len(t, out, 8)
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(out))

	status, out = client.invoke(t, 2, 43, []byte("abc"))
	assert.Equal(t, protocol.StatusOK, status)
	assert.Equal(t, "cba", string(out))

	status, out = client.invoke(t, 0, 44, []byte("abc"))
	assert.Equal(t, protocol.StatusOK, status)
	assert.Empty(t, out)

	w := onlyWorker(t, srv)
	assert.Equal(t, uint64(3), w.Served())
	assert.Equal(t, 0, srv.FreeCores())
}

func TestServerFaultStatuses(t *testing.T) {
	functions := NewFunctionTable()
	require.NoError(t, RegisterBuiltins(functions))

	_, err := functions.Register("panics", func(_, _ []byte) (int, error) { panic("boom") })
	require.NoError(t, err)

	_, err = functions.Register("lies", func(_, out []byte) (int, error) { return len(out) + 1, nil })
	require.NoError(t, err)

	p := fabric.NewSimProvider()
	srv := startServer(t, p, Config{HotTimeout: -1}, functions)

	client, err := dialExecutor(t, p, srv.Addr(), protocol.EncodePrivateData(1, 7))
	require.NoError(t, err)

	status, _ := client.invoke(t, 99, 1, nil)
	assert.Equal(t, protocol.StatusUnknownFunction, status)

	status, _ = client.invoke(t, 4, 2, nil)
	assert.Equal(t, protocol.StatusFunctionFailed, status)

	status, _ = client.invoke(t, 5, 3, nil)
	assert.Equal(t, protocol.StatusOutputOverflow, status)

	small := client.output.Remote()
	small.Size = 2

	status, out := client.invokeInto(t, 1, 4, []byte("hello"), small)
	assert.Equal(t, protocol.StatusOutputOverflow, status)
	assert.Empty(t, out)

	// The worker survives all of the above.
	status, out = client.invoke(t, 1, 5, []byte("hello"))
	assert.Equal(t, protocol.StatusOK, status)
	assert.Equal(t, "hello", string(out))
}

func TestServerRejectsInitialContact(t *testing.T) {
	p := fabric.NewSimProvider()
	srv := startServer(t, p, Config{HotTimeout: -1}, nil)

	_, err := dialExecutor(t, p, srv.Addr(), protocol.InitialContact)
	require.ErrorIs(t, err, fabric.ErrRejected)
}

func TestServerRejectsWhenCoresExhausted(t *testing.T) {
	p := fabric.NewSimProvider()
	srv := startServer(t, p, Config{Cores: []int{3}, HotTimeout: -1}, nil)

	first, err := dialExecutor(t, p, srv.Addr(), protocol.EncodePrivateData(1, 1))
	require.NoError(t, err)

	_, err = dialExecutor(t, p, srv.Addr(), protocol.EncodePrivateData(1, 1))
	require.ErrorIs(t, err, fabric.ErrRejected)

	require.NoError(t, first.conn.Close())

	require.Eventually(t, func() bool { return srv.FreeCores() == 1 }, testTimeout, time.Millisecond)

	_, err = dialExecutor(t, p, srv.Addr(), protocol.EncodePrivateData(1, 1))
	require.NoError(t, err)
}

func TestWorkerHotFallsBackToWarm(t *testing.T) {
	p := fabric.NewSimProvider()
	srv := startServer(t, p, Config{HotTimeout: 20 * time.Millisecond}, nil)

	client, err := dialExecutor(t, p, srv.Addr(), protocol.EncodePrivateData(1, 1))
	require.NoError(t, err)

	w := onlyWorker(t, srv)

	require.Eventually(t, func() bool { return w.Mode() == ModeWarm }, testTimeout, time.Millisecond)

	// A warm worker is woken by the completion channel.
	status, out := client.invoke(t, 1, 9, []byte("wake"))
	assert.Equal(t, protocol.StatusOK, status)
	assert.Equal(t, "wake", string(out))

	require.Eventually(t, func() bool { return w.Mode() == ModeWarm }, testTimeout, time.Millisecond)
	assert.Equal(t, uint64(1), w.Served())
}

func TestWorkerPinnedModes(t *testing.T) {
	tests := []struct {
		name       string
		hotTimeout time.Duration
		want       PollingMode
	}{
		{name: "hot always", hotTimeout: -1, want: ModeHotAlways},
		{name: "warm always", hotTimeout: 0, want: ModeWarmAlways},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := fabric.NewSimProvider()
			srv := startServer(t, p, Config{HotTimeout: tt.hotTimeout}, nil)

			client, err := dialExecutor(t, p, srv.Addr(), protocol.EncodePrivateData(1, 1))
			require.NoError(t, err)

			w := onlyWorker(t, srv)

			for i := uint16(0); i < 3; i++ {
				status, _ := client.invoke(t, 1, i, []byte("x"))
				require.Equal(t, protocol.StatusOK, status)

				time.Sleep(10 * time.Millisecond)
				assert.Equal(t, tt.want, w.Mode())
			}
		})
	}
}

func TestWorkerRepetitions(t *testing.T) {
	p := fabric.NewSimProvider()
	srv := startServer(t, p, Config{HotTimeout: -1, Repetitions: 2}, nil)

	client, err := dialExecutor(t, p, srv.Addr(), protocol.EncodePrivateData(1, 1))
	require.NoError(t, err)

	client.invoke(t, 0, 1, nil)
	client.invoke(t, 0, 2, nil)

	require.Eventually(t, func() bool { return client.conn.Status() == fabric.StatusDisconnected }, testTimeout, time.Millisecond)
	require.Eventually(t, func() bool { return srv.Workers() == 0 }, testTimeout, time.Millisecond)
}

func TestServerStopDisconnectsClients(t *testing.T) {
	p := fabric.NewSimProvider()
	srv := startServer(t, p, Config{HotTimeout: 0}, nil)

	client, err := dialExecutor(t, p, srv.Addr(), protocol.EncodePrivateData(1, 1))
	require.NoError(t, err)

	onlyWorker(t, srv)

	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())

	assert.Equal(t, 0, srv.Workers())
	require.Eventually(t, func() bool { return client.conn.Status() == fabric.StatusDisconnected }, testTimeout, time.Millisecond)
}

func TestServerDrain(t *testing.T) {
	p := fabric.NewSimProvider()
	srv := startServer(t, p, Config{HotTimeout: 0}, nil)

	client, err := dialExecutor(t, p, srv.Addr(), protocol.EncodePrivateData(1, 1))
	require.NoError(t, err)

	onlyWorker(t, srv)
	assert.Equal(t, int64(1), srv.InFlightCount())

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, srv.WaitForDrain(short), context.DeadlineExceeded)

	require.NoError(t, client.conn.Close())

	ctx, cancelWait := context.WithTimeout(context.Background(), testTimeout)
	defer cancelWait()

	require.NoError(t, srv.WaitForDrain(ctx))
	assert.Zero(t, srv.InFlightCount())
}

func TestServerFlushesAccountingToLeaseManager(t *testing.T) {
	p := fabric.NewSimProvider()
	host := newCounterHost(t, p)

	functions := NewFunctionTable()
	_, err := functions.Register("sleep", func(_, _ []byte) (int, error) {
		time.Sleep(5 * time.Millisecond)

		return 0, nil
	})
	require.NoError(t, err)

	srv := startServer(t, p, Config{HotTimeout: -1, LeaseManager: host.ln.Addr()}, functions)

	client, err := dialExecutor(t, p, srv.Addr(), protocol.EncodePrivateData(3, 9))
	require.NoError(t, err)

	sinkConn := <-host.accepted
	defer sinkConn.Close()

	assert.Equal(t, protocol.EncodePrivateData(3, 9), sinkConn.PrivateData())

	status, _ := client.invoke(t, 0, 1, nil)
	require.Equal(t, protocol.StatusOK, status)

	// Disconnecting ends the worker, which flushes what it accumulated.
	require.NoError(t, client.conn.Close())

	require.Eventually(t, func() bool {
		return host.counter(BucketExecution) >= 5*time.Millisecond && host.counter(BucketHotPolling) > 0
	}, testTimeout, time.Millisecond)
}

func TestServerRejectsWhenLeaseManagerRefuses(t *testing.T) {
	p := fabric.NewSimProvider()
	srv := startServer(t, p, Config{HotTimeout: -1, LeaseManager: "sim-nowhere"}, nil)

	_, err := dialExecutor(t, p, srv.Addr(), protocol.EncodePrivateData(1, 1))
	require.ErrorIs(t, err, fabric.ErrRejected)
}

func TestServerOverSockets(t *testing.T) {
	p := fabric.NewSocketsProvider(fabric.DefaultSocketsConfig())
	srv := startServer(t, p, Config{Address: "127.0.0.1:0", HotTimeout: 10 * time.Millisecond}, nil)

	client, err := dialExecutor(t, p, srv.Addr(), protocol.EncodePrivateData(2, 5))
	require.NoError(t, err)

	status, out := client.invoke(t, 3, 42, sum64Input(40, 2))
	assert.Equal(t, protocol.StatusOK, status)
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(out))
}
