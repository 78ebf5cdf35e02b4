package fabric

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusRecorder struct {
	seen []Status
	mu   sync.Mutex
}

func (r *statusRecorder) observe(from, to Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.seen) == 0 {
		r.seen = append(r.seen, from)
	}

	r.seen = append(r.seen, to)
}

func (r *statusRecorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Status(nil), r.seen...)
}

func TestConnectionStatusIsMonotonic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	p := NewSimProvider()

	ln, err := Listen(p, "", NewProtectionDomain(), DefaultQPConfig())
	require.NoError(t, err)

	defer ln.Close()

	serverRec := &statusRecorder{}
	serverReady := make(chan *Connection, 1)

	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			close(serverReady)

			return
		}

		conn.OnStatusChange(serverRec.observe)
		assert.NoError(t, conn.Establish())
		serverReady <- conn
	}()

	client, err := NewConnection(NewProtectionDomain(), DefaultQPConfig())
	require.NoError(t, err)

	clientRec := &statusRecorder{}
	client.OnStatusChange(clientRec.observe)

	require.NoError(t, client.Connect(ctx, p, ln.Addr(), 1))

	server := <-serverReady
	require.NotNil(t, server)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return len(serverRec.statuses()) == 3 }, testTimeout, time.Millisecond)

	assert.Equal(t, []Status{StatusUnknown, StatusRequested, StatusEstablished, StatusDisconnected}, clientRec.statuses())
	assert.Equal(t, []Status{StatusRequested, StatusEstablished, StatusDisconnected}, serverRec.statuses())

	for _, seq := range [][]Status{clientRec.statuses(), serverRec.statuses()} {
		for i := 1; i < len(seq); i++ {
			assert.Greater(t, seq[i], seq[i-1])
		}
	}
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	client, _ := connectPair(t, NewSimProvider(), "", DefaultQPConfig())

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, int32(1), client.qp.releases.Load())

	select {
	case <-client.Done():
	default:
		t.Fatal("Done should be closed")
	}

	_, err := client.Poll(QueueSend, false, make([]WorkCompletion, 1))
	assert.ErrorIs(t, err, ErrDisconnected)

	_, err = client.PostWrite(nil, RemoteBuffer{})
	assert.ErrorIs(t, err, ErrDisconnected)

	_, err = client.PostRecv(nil)
	assert.ErrorIs(t, err, ErrDisconnected)

	// Closed wins over malformed atomic arguments.
	_, err = client.PostFetchAdd(nil, RemoteBuffer{Addr: 3}, 1)
	assert.ErrorIs(t, err, ErrDisconnected)

	_, err = client.PostCompareSwap(nil, RemoteBuffer{}, 0, 1)
	assert.ErrorIs(t, err, ErrDisconnected)

	assert.ErrorIs(t, client.RequestNotify(QueueRecv, false), ErrDisconnected)
}

func TestPeerCloseDisconnects(t *testing.T) {
	client, server := connectPair(t, NewSimProvider(), "", DefaultQPConfig())

	require.NoError(t, server.Close())

	require.Eventually(t, func() bool { return client.Status() == StatusDisconnected }, testTimeout, time.Millisecond)
}

func TestPostBeforeEstablished(t *testing.T) {
	conn, err := NewConnection(NewProtectionDomain(), DefaultQPConfig())
	require.NoError(t, err)

	defer conn.Close()

	_, err = conn.PostWrite(nil, RemoteBuffer{})
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = conn.PostRecv(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, conn.PostedRecvs())
}

func TestListenerCloseRejectsRequest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	p := NewSimProvider()

	ln, err := Listen(p, "", NewProtectionDomain(), DefaultQPConfig())
	require.NoError(t, err)

	defer ln.Close()

	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}

		assert.Equal(t, uint32(0xabcd0001), conn.PrivateData())
		assert.Equal(t, StatusRequested, conn.Status())
		conn.Close()
	}()

	_, err = Dial(ctx, p, ln.Addr(), NewProtectionDomain(), DefaultQPConfig(), 0xabcd0001)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestDialWithoutListener(t *testing.T) {
	conn, err := NewConnection(NewProtectionDomain(), DefaultQPConfig())
	require.NoError(t, err)

	err = conn.Connect(context.Background(), NewSimProvider(), "sim:404", 0)
	require.ErrorIs(t, err, ErrNoListener)
	assert.Equal(t, StatusDisconnected, conn.Status())

	assert.ErrorIs(t, conn.Connect(context.Background(), NewSimProvider(), "sim:404", 0), ErrInvalidState)
}

func TestSendQueueFullClosesConnection(t *testing.T) {
	cfg := DefaultQPConfig()
	cfg.MaxSendWR = 2

	conn, err := NewConnection(NewProtectionDomain(), cfg)
	require.NoError(t, err)

	link := newStallLink()
	establishOver(t, conn, link)

	for i := 0; i < 2; i++ {
		_, err := conn.PostWrite(nil, RemoteBuffer{Addr: 8, RKey: rkeyBit | 1})
		require.NoError(t, err)
	}

	_, err = conn.PostWrite(nil, RemoteBuffer{Addr: 8, RKey: rkeyBit | 1})
	require.ErrorIs(t, err, ErrQueueFull)

	assert.Equal(t, StatusDisconnected, conn.Status())
	assert.Equal(t, 2, link.packets())

	_, err = conn.PostWrite(nil, RemoteBuffer{})
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestBlockingPollReturnsOnClose(t *testing.T) {
	client, _ := connectPair(t, NewSimProvider(), "", DefaultQPConfig())

	errs := make(chan error, 1)

	go func() {
		_, err := client.Poll(QueueRecv, true, make([]WorkCompletion, 4))
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(testTimeout):
		t.Fatal("blocking poll did not return after close")
	}
}

func TestPollContextHonoursDeadline(t *testing.T) {
	client, _ := connectPair(t, NewSimProvider(), "", DefaultQPConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.PollContext(ctx, QueueRecv, make([]WorkCompletion, 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitEventWakesOnCompletion(t *testing.T) {
	cfg := DefaultQPConfig()
	cfg.EventChannel = true

	client, server := connectPair(t, NewSimProvider(), "", cfg)
	require.NotNil(t, server.Channel())

	target := newRegisteredBuffer(t, server.PD(), 8, AccessAll)
	src := newRegisteredBuffer(t, client.PD(), 8, AccessAll)

	_, err := server.PostRecv(nil)
	require.NoError(t, err)
	require.NoError(t, server.RequestNotify(QueueRecv, false))

	woke := make(chan error, 1)

	go func() { woke <- server.WaitEvent(QueueRecv) }()

	_, err = client.PostWriteImm(src.SGL(), target.Remote(), 9, false)
	require.NoError(t, err)

	select {
	case err := <-woke:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("WaitEvent did not wake")
	}

	wc := pollOne(t, server, QueueRecv)
	assert.Equal(t, uint32(9), wc.ImmData)
}

func TestWaitEventReturnsOnClose(t *testing.T) {
	cfg := DefaultQPConfig()
	cfg.EventChannel = true

	_, server := connectPair(t, NewSimProvider(), "", cfg)

	woke := make(chan error, 1)

	go func() { woke <- server.WaitEvent(QueueRecv) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, server.Close())

	select {
	case err := <-woke:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(testTimeout):
		t.Fatal("WaitEvent did not return after close")
	}
}

func TestWaitEventWithoutChannel(t *testing.T) {
	conn, err := NewConnection(NewProtectionDomain(), DefaultQPConfig())
	require.NoError(t, err)

	defer conn.Close()

	assert.ErrorIs(t, conn.WaitEvent(QueueRecv), ErrInvalidConfig)
}

func TestSharedCompletionQueues(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	p := NewSimProvider()

	ln, err := Listen(p, "", NewProtectionDomain(), DefaultQPConfig())
	require.NoError(t, err)

	defer ln.Close()

	servers := make(chan *Connection, 2)

	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept(ctx)
			if err != nil {
				return
			}

			_, _ = conn.PostRecv(nil)
			assert.NoError(t, conn.Establish())
			servers <- conn
		}
	}()

	pd := NewProtectionDomain()
	shared := NewCompletionQueue(16, nil)
	cfg := DefaultQPConfig()
	cfg.SendCQ = shared
	cfg.RecvCQ = NewCompletionQueue(16, nil)

	a, err := Dial(ctx, p, ln.Addr(), pd, cfg, 1)
	require.NoError(t, err)

	defer a.Close()

	b, err := Dial(ctx, p, ln.Addr(), pd, cfg, 2)
	require.NoError(t, err)

	defer b.Close()

	sa, sb := <-servers, <-servers
	defer sa.Close()
	defer sb.Close()

	ta := newRegisteredBuffer(t, sa.PD(), 8, AccessAll)
	tb := newRegisteredBuffer(t, sb.PD(), 8, AccessAll)
	src := newRegisteredBuffer(t, pd, 8, AccessAll)

	remotes := map[uint32]RemoteBuffer{sa.PrivateData(): ta.Remote(), sb.PrivateData(): tb.Remote()}

	_, err = a.PostWrite(src.SGL(), remotes[a.PrivateData()])
	require.NoError(t, err)
	_, err = b.PostWrite(src.SGL(), remotes[b.PrivateData()])
	require.NoError(t, err)

	seen := map[uint32]bool{}

	require.Eventually(t, func() bool {
		out := make([]WorkCompletion, 4)
		for _, wc := range out[:shared.Poll(out)] {
			assert.True(t, wc.Success())
			seen[wc.QPNum] = true
		}

		return len(seen) == 2
	}, testTimeout, time.Millisecond)

	assert.True(t, seen[a.QPNum()])
	assert.True(t, seen[b.QPNum()])
}
