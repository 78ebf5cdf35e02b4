package invoker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/nebulafaas/internal/fabric"
	"github.com/piwi3910/nebulafaas/internal/protocol"
)

func TestPendingTableResolvesAfterEveryPart(t *testing.T) {
	table := newPendingTable()
	f := newFuture(make([]*fabric.Buffer, 2))

	id, err := table.register([]int{3, 1}, f)
	require.NoError(t, err)
	assert.Equal(t, 1, table.len())
	assert.ElementsMatch(t, []int{1, 3}, table.slots(id))
	assert.Equal(t, []uint16{id}, table.awaiting(3))
	assert.Empty(t, table.awaiting(0))

	awaited, inv := table.complete(id, 1, protocol.StatusOK, 8, nil)
	assert.True(t, awaited)
	assert.Nil(t, inv)

	select {
	case <-f.Done():
		t.Fatal("future resolved before its last part")
	default:
	}

	awaited, _ = table.complete(id, 1, protocol.StatusOK, 8, nil)
	assert.False(t, awaited, "a part completes once")

	awaited, inv = table.complete(id, 3, protocol.StatusOutputOverflow, 0, nil)
	assert.True(t, awaited)
	require.NotNil(t, inv)
	assert.Equal(t, id, inv.id)

	<-f.Done()
	assert.Equal(t, protocol.StatusOutputOverflow, f.Status())
	assert.Equal(t, []int{0, 8}, f.lengths, "parts are indexed by submission order")
	assert.Zero(t, table.len())

	awaited, _ = table.complete(id, 3, protocol.StatusOK, 0, nil)
	assert.False(t, awaited, "unknown ids are ignored")
}

func TestPendingTableFirstErrorWins(t *testing.T) {
	table := newPendingTable()
	f := newFuture(make([]*fabric.Buffer, 2))

	id, err := table.register([]int{0, 1}, f)
	require.NoError(t, err)

	first := errors.New("first")

	table.complete(id, 0, protocol.StatusOK, 0, first)
	table.complete(id, 1, protocol.StatusOK, 0, ErrConnectionLost)

	<-f.Done()
	assert.ErrorIs(t, f.Err(), first)
}

func TestPendingTableIDsAreUnique(t *testing.T) {
	table := newPendingTable()
	seen := make(map[uint16]bool)

	for range 1 << 16 {
		id, err := table.register([]int{0}, newFuture(make([]*fabric.Buffer, 1)))
		require.NoError(t, err)
		require.False(t, seen[id], "id %d reused while outstanding", id)
		seen[id] = true
	}

	_, err := table.register([]int{0}, newFuture(make([]*fabric.Buffer, 1)))
	require.ErrorIs(t, err, ErrTooManyInvocations)

	// Freeing one id makes exactly that id available again.
	table.complete(7, 0, protocol.StatusOK, 0, nil)

	id, err := table.register([]int{0}, newFuture(make([]*fabric.Buffer, 1)))
	require.NoError(t, err)
	assert.Equal(t, uint16(7), id)
}

func TestPendingTableSendCompletionOrdering(t *testing.T) {
	table := newPendingTable()
	key := postKey{wrid: 9, qpn: 4}
	ref := postRef{id: 2, slot: 1}

	// Completion after track.
	_, early := table.track(key, ref)
	assert.False(t, early)

	got, ok := table.sent(key, fabric.WCSuccess)
	require.True(t, ok)
	assert.Equal(t, ref, got)

	// Completion before track.
	_, ok = table.sent(key, fabric.WCRemoteAccessErr)
	assert.False(t, ok)

	status, early := table.track(key, ref)
	assert.True(t, early)
	assert.Equal(t, fabric.WCRemoteAccessErr, status)

	// The orphan was consumed, so the next post with the key is tracked.
	_, early = table.track(key, ref)
	assert.False(t, early)

	table.forget(4)

	_, ok = table.sent(key, fabric.WCSuccess)
	assert.False(t, ok, "posts of a forgotten queue pair are dropped")
}

func TestPendingTableResolvesFromAnyID(t *testing.T) {
	table := newPendingTable()
	table.next = 42

	f := newFuture(make([]*fabric.Buffer, 1))

	id, err := table.register([]int{0}, f)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), id)
	assert.Equal(t, []uint16{42}, table.awaiting(0))

	awaited, inv := table.complete(42, 0, protocol.StatusOK, 0, nil)
	assert.True(t, awaited)
	require.NotNil(t, inv)

	<-f.Done()
	assert.Equal(t, protocol.StatusOK, f.Status())
	assert.Zero(t, table.len())
}
