package fabric

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecvQueueValidation(t *testing.T) {
	conn, err := NewConnection(NewProtectionDomain(), DefaultQPConfig())
	require.NoError(t, err)

	defer conn.Close()

	tests := []struct {
		name    string
		cfg     RecvQueueConfig
		wantErr bool
	}{
		{name: "default low water", cfg: RecvQueueConfig{Depth: 64}},
		{name: "depth equals low water", cfg: RecvQueueConfig{Depth: 8, LowWater: 8}},
		{name: "depth below low water", cfg: RecvQueueConfig{Depth: 4}, wantErr: true},
		{name: "depth above queue pair limit", cfg: RecvQueueConfig{Depth: DefaultMaxRecvWR + 1}, wantErr: true},
		{name: "negative low water", cfg: RecvQueueConfig{Depth: 16, LowWater: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rq, err := NewRecvQueue(conn, tt.cfg)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidConfig)

				return
			}

			require.NoError(t, err)
			assert.GreaterOrEqual(t, rq.Depth(), rq.LowWater())
		})
	}
}

func TestRecvQueueRefillPolicy(t *testing.T) {
	conn, err := NewConnection(NewProtectionDomain(), DefaultQPConfig())
	require.NoError(t, err)

	defer conn.Close()

	rq, err := NewRecvQueue(conn, RecvQueueConfig{Depth: 100})
	require.NoError(t, err)

	require.NoError(t, rq.Refill())
	assert.Equal(t, 100, rq.Outstanding())
	assert.Equal(t, 100, conn.PostedRecvs())

	// Above the low-water mark nothing is posted.
	rq.Consume(100 - DefaultRecvLowWater)
	require.NoError(t, rq.Refill())
	assert.Equal(t, DefaultRecvLowWater, rq.Outstanding())
	assert.Equal(t, 100, conn.PostedRecvs())

	rq.Consume(1000)
	assert.Zero(t, rq.Outstanding())
}

func TestRecvQueueFullClosesConnection(t *testing.T) {
	cfg := DefaultQPConfig()
	cfg.MaxRecvWR = 16

	conn, err := NewConnection(NewProtectionDomain(), cfg)
	require.NoError(t, err)

	defer conn.Close()

	rq, err := NewRecvQueue(conn, RecvQueueConfig{Depth: 16})
	require.NoError(t, err)

	_, err = conn.PostRecv(nil)
	require.NoError(t, err)

	err = rq.Refill()
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, StatusDisconnected, conn.Status())
}

// After every refill the outstanding count is at least the low-water mark
// and matches what the queue pair actually holds.
func TestRecvQueueRefillInvariant(t *testing.T) {
	client, server := connectPair(t, NewSimProvider(), "", DefaultQPConfig())

	target := newRegisteredBuffer(t, server.PD(), 8, AccessAll)
	src := newRegisteredBuffer(t, client.PD(), 8, AccessAll)

	rq, err := NewRecvQueue(server, RecvQueueConfig{Depth: 48, LowWater: 12})
	require.NoError(t, err)
	require.NoError(t, rq.Refill())

	rng := rand.New(rand.NewSource(7))
	recvs := make([]WorkCompletion, 64)
	sends := make([]WorkCompletion, 64)

	for iter := 0; iter < 60; iter++ {
		k := rng.Intn(rq.Outstanding()) + 1

		for i := 0; i < k; i++ {
			_, err := client.PostWriteImm(src.SGL(), target.Remote(), uint32(i), false)
			require.NoError(t, err)
		}

		got := 0
		for got < k {
			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			n, err := server.PollContext(ctx, QueueRecv, recvs[:k-got])
			cancel()
			require.NoError(t, err)

			for _, wc := range recvs[:n] {
				require.True(t, wc.Success())
			}

			rq.Consume(n)
			got += n
		}

		for drained := 0; drained < k; {
			n, err := client.Poll(QueueSend, true, sends)
			require.NoError(t, err)

			drained += n
		}

		require.NoError(t, rq.Refill())
		assert.GreaterOrEqual(t, rq.Outstanding(), rq.LowWater(), "iteration %d", iter)
		assert.Equal(t, rq.Outstanding(), server.PostedRecvs(), "iteration %d", iter)
	}
}
