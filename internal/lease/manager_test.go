package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/nebulafaas/internal/executor"
	"github.com/piwi3910/nebulafaas/internal/fabric"
	"github.com/piwi3910/nebulafaas/internal/protocol"
)

const testTimeout = 5 * time.Second

var testExecutors = []ExecutorConfig{
	{Name: "exec-a", Address: "sim-a", Cores: 4},
	{Name: "exec-b", Address: "sim-b", Cores: 2},
}

func newManager(t *testing.T, store *Store, p fabric.Provider) *Manager {
	t.Helper()

	m, err := NewManager(context.Background(), Config{
		SyncInterval: time.Hour,
		MaxLeases:    8,
		Executors:    testExecutors,
	}, store, p)
	require.NoError(t, err)

	t.Cleanup(func() { _ = m.Stop() })

	return m
}

func startManager(t *testing.T, store *Store, p fabric.Provider) *Manager {
	t.Helper()

	m := newManager(t, store, p)
	require.NoError(t, m.Start(context.Background()))

	return m
}

func TestNewManagerValidatesExecutors(t *testing.T) {
	store := openStore(t, "")

	tests := []struct {
		name      string
		executors []ExecutorConfig
	}{
		{name: "missing address", executors: []ExecutorConfig{{Name: "a", Cores: 1}}},
		{name: "no cores", executors: []ExecutorConfig{{Name: "a", Address: "x"}}},
		{
			name:      "duplicate name",
			executors: []ExecutorConfig{{Name: "a", Address: "x", Cores: 1}, {Name: "a", Address: "y", Cores: 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(context.Background(), Config{Executors: tt.executors}, store, fabric.NewSimProvider())
			require.ErrorIs(t, err, fabric.ErrInvalidConfig)
		})
	}
}

func TestCreatePicksExecutor(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, openStore(t, ""), fabric.NewSimProvider())

	l, err := m.Create(ctx, CreateRequest{Client: "bench", Cores: 2})
	require.NoError(t, err)

	assert.Equal(t, "exec-a", l.Executor, "most free cores wins")
	assert.Equal(t, "sim-a", l.ExecutorAddress)
	assert.NotZero(t, l.ID)
	assert.NotZero(t, l.Secret)
	assert.True(t, l.Active())
	assert.True(t, l.Detached)

	l2, err := m.Create(ctx, CreateRequest{Client: "bench", Cores: 1, Executor: "exec-b"})
	require.NoError(t, err)
	assert.Equal(t, "exec-b", l2.Executor)
	assert.NotEqual(t, l.ID, l2.ID)
	assert.NotEqual(t, l.Token, l2.Token)

	assert.Equal(t, map[string]int{"exec-a": 2, "exec-b": 1}, m.FreeCores())
	assert.Equal(t, 2, m.Active())

	stored, err := m.store.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, l.Secret, stored.Secret)
}

func TestCreateErrors(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, openStore(t, ""), fabric.NewSimProvider())

	tests := []struct {
		name    string
		req     CreateRequest
		wantErr error
	}{
		{name: "zero cores", req: CreateRequest{Cores: 0}, wantErr: ErrInvalidRequest},
		{name: "too many cores", req: CreateRequest{Cores: 5}, wantErr: ErrNoCapacity},
		{name: "unknown executor", req: CreateRequest{Cores: 1, Executor: "exec-z"}, wantErr: ErrUnknownExecutor},
		{name: "named executor full", req: CreateRequest{Cores: 3, Executor: "exec-b"}, wantErr: ErrNoCapacity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(ctx, tt.req)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Equal(t, map[string]int{"exec-a": 4, "exec-b": 2}, m.FreeCores())
}

func TestCreateRunsOutOfSlots(t *testing.T) {
	ctx := context.Background()

	m, err := NewManager(ctx, Config{
		MaxLeases: 2,
		Executors: []ExecutorConfig{{Name: "big", Address: "sim-big", Cores: 16}},
	}, openStore(t, ""), fabric.NewSimProvider())
	require.NoError(t, err)

	defer m.Stop()

	first, err := m.Create(ctx, CreateRequest{Cores: 1})
	require.NoError(t, err)
	_, err = m.Create(ctx, CreateRequest{Cores: 1})
	require.NoError(t, err)

	_, err = m.Create(ctx, CreateRequest{Cores: 1})
	require.ErrorIs(t, err, ErrTooManyLeases)

	_, err = m.Release(ctx, first.ID)
	require.NoError(t, err)

	_, err = m.Create(ctx, CreateRequest{Cores: 1})
	require.NoError(t, err, "released slots are reused")
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, openStore(t, ""), fabric.NewSimProvider())

	l, err := m.Create(ctx, CreateRequest{Client: "bench", Cores: 3})
	require.NoError(t, err)

	final, err := m.Release(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReleased, final.State)
	require.NotNil(t, final.ReleasedAt)
	assert.Equal(t, 0, m.Active())
	assert.Equal(t, 4, m.FreeCores()["exec-a"])

	got, err := m.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReleased, got.State)

	_, err = m.Release(ctx, l.ID)
	require.ErrorIs(t, err, ErrAlreadyReleased)

	_, err = m.Release(ctx, 999)
	require.ErrorIs(t, err, ErrNotFound)

	leases, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, l.ID, leases[0].ID)
}

func TestExecutorAccounting(t *testing.T) {
	ctx := context.Background()
	p := fabric.NewSimProvider()
	m := startManager(t, openStore(t, ""), p)

	l, err := m.Create(ctx, CreateRequest{Client: "bench", Cores: 1})
	require.NoError(t, err)

	sink, err := executor.DialSink(ctx, p, m.Addr(), protocol.EncodePrivateData(l.ID, l.Secret))
	require.NoError(t, err)

	defer sink.Close()

	assert.Equal(t, uint32(protocol.AccountingRecordSize), sink.Counters().Size)

	require.Eventually(t, func() bool {
		got, err := m.Get(ctx, l.ID)
		return err == nil && !got.Detached
	}, testTimeout, time.Millisecond)

	require.NoError(t, sink.Add(executor.BucketExecution, 3*time.Second))
	require.NoError(t, sink.Add(executor.BucketHotPolling, time.Second))
	require.NoError(t, sink.Add(executor.BucketExecution, time.Second))

	require.Eventually(t, func() bool {
		got, err := m.Get(ctx, l.ID)
		return err == nil && got.ExecutionNs == uint64(4*time.Second) && got.HotPollingNs == uint64(time.Second)
	}, testTimeout, time.Millisecond)

	stored, err := m.store.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.ExecutionNs, "counters persist on sync")

	require.NoError(t, m.Sync(ctx))

	stored, err = m.store.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(4*time.Second), stored.ExecutionNs)

	final, err := m.Release(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(time.Second), final.HotPollingNs)

	select {
	case <-sink.Done():
	case <-time.After(testTimeout):
		t.Fatal("release did not disconnect the executor")
	}
}

func TestExecutorAccountingDetach(t *testing.T) {
	ctx := context.Background()
	p := fabric.NewSimProvider()
	m := startManager(t, openStore(t, ""), p)

	l, err := m.Create(ctx, CreateRequest{Cores: 1})
	require.NoError(t, err)

	sink, err := executor.DialSink(ctx, p, m.Addr(), protocol.EncodePrivateData(l.ID, l.Secret))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := m.Get(ctx, l.ID)
		return got != nil && !got.Detached
	}, testTimeout, time.Millisecond)

	require.NoError(t, sink.Close())

	require.Eventually(t, func() bool {
		got, _ := m.Get(ctx, l.ID)
		return got != nil && got.Detached
	}, testTimeout, time.Millisecond)
}

func TestExecutorAccountingRejected(t *testing.T) {
	ctx := context.Background()
	p := fabric.NewSimProvider()
	m := startManager(t, openStore(t, ""), p)

	l, err := m.Create(ctx, CreateRequest{Cores: 1})
	require.NoError(t, err)

	tests := []struct {
		name        string
		privateData uint32
	}{
		{name: "initial contact", privateData: protocol.InitialContact},
		{name: "wrong secret", privateData: protocol.EncodePrivateData(l.ID, l.Secret^0x5a5a)},
		{name: "unknown lease", privateData: protocol.EncodePrivateData(l.ID+100, l.Secret)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialCtx, cancel := context.WithTimeout(ctx, testTimeout)
			defer cancel()

			_, err := executor.DialSink(dialCtx, p, m.Addr(), tt.privateData)
			require.ErrorIs(t, err, fabric.ErrRejected)
		})
	}
}

func TestRestoreActiveLeases(t *testing.T) {
	ctx := context.Background()
	p := fabric.NewSimProvider()
	store := openStore(t, t.TempDir())

	first, err := NewManager(ctx, Config{MaxLeases: 4, Executors: testExecutors}, store, p)
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))

	kept, err := first.Create(ctx, CreateRequest{Client: "kept", Cores: 3})
	require.NoError(t, err)

	released, err := first.Create(ctx, CreateRequest{Client: "released", Cores: 1})
	require.NoError(t, err)
	_, err = first.Release(ctx, released.ID)
	require.NoError(t, err)

	sink, err := executor.DialSink(ctx, p, first.Addr(), protocol.EncodePrivateData(kept.ID, kept.Secret))
	require.NoError(t, err)
	require.NoError(t, sink.Add(executor.BucketExecution, 2*time.Second))
	require.NoError(t, sink.Close())

	require.Eventually(t, func() bool {
		got, _ := first.Get(ctx, kept.ID)
		return got != nil && got.ExecutionNs == uint64(2*time.Second)
	}, testTimeout, time.Millisecond)

	require.NoError(t, first.Stop())

	second := newManager(t, store, p)

	assert.Equal(t, 1, second.Active())
	assert.Equal(t, map[string]int{"exec-a": 1, "exec-b": 2}, second.FreeCores())

	got, err := second.Get(ctx, kept.ID)
	require.NoError(t, err)
	assert.True(t, got.Active())
	assert.True(t, got.Detached)
	assert.Equal(t, uint64(2*time.Second), got.ExecutionNs, "persisted totals carry over")

	next, err := second.Create(ctx, CreateRequest{Cores: 1})
	require.NoError(t, err)
	assert.NotEqual(t, kept.ID, next.ID)
	assert.NotEqual(t, released.ID, next.ID)
}
