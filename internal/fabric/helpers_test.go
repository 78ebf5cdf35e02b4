package fabric

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func newRegisteredBuffer(t *testing.T, pd *ProtectionDomain, size int, access Access) *Buffer {
	t.Helper()

	buf, err := NewBuffer(size, 1, 0)
	require.NoError(t, err)
	require.NoError(t, buf.Register(pd, access))

	t.Cleanup(func() { _ = buf.Close() })

	return buf
}

// connectPair returns an established client and server connection.
func connectPair(t *testing.T, p Provider, addr string, cfg QPConfig) (*Connection, *Connection) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	ln, err := Listen(p, addr, NewProtectionDomain(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() { _ = ln.Close() })

	type accepted struct {
		conn *Connection
		err  error
	}

	result := make(chan accepted, 1)

	go func() {
		conn, err := ln.Accept(ctx)
		if err == nil {
			err = conn.Establish()
		}

		result <- accepted{conn: conn, err: err}
	}()

	client, err := Dial(ctx, p, ln.Addr(), NewProtectionDomain(), cfg, 0x00070042)
	require.NoError(t, err)

	res := <-result
	require.NoError(t, res.err)

	t.Cleanup(func() {
		_ = client.Close()
		_ = res.conn.Close()
	})

	return client, res.conn
}

func pollOne(t *testing.T, conn *Connection, q QueueKind) WorkCompletion {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	out := make([]WorkCompletion, 1)
	n, err := conn.PollContext(ctx, q, out)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	return out[0]
}

// stallLink accepts packets and never answers them.
type stallLink struct {
	sent []*Packet
	done chan struct{}
	mu   sync.Mutex
	once sync.Once
}

func newStallLink() *stallLink {
	return &stallLink{done: make(chan struct{})}
}

func (l *stallLink) Send(p *Packet) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-l.done:
		return ErrDisconnected
	default:
	}

	l.sent = append(l.sent, p)

	return nil
}

func (l *stallLink) Start(func(*Packet)) {}

func (l *stallLink) Close() error {
	l.once.Do(func() { close(l.done) })

	return nil
}

func (l *stallLink) Done() <-chan struct{} { return l.done }

func (l *stallLink) packets() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.sent)
}

// establishOver connects conn to a link directly.
func establishOver(t *testing.T, conn *Connection, link Link) {
	t.Helper()

	require.True(t, conn.transition(StatusUnknown, StatusRequested))
	require.NoError(t, conn.establish(link))
}
