package fabric

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletionQueueFIFOAndOverrun(t *testing.T) {
	cq := NewCompletionQueue(2, nil)

	assert.True(t, cq.push(WorkCompletion{WRID: 1}))
	assert.True(t, cq.push(WorkCompletion{WRID: 2}))
	assert.False(t, cq.push(WorkCompletion{WRID: 3}))

	assert.Equal(t, 2, cq.Len())
	assert.Equal(t, uint64(1), cq.Overruns())

	out := make([]WorkCompletion, 4)
	n := cq.Poll(out)
	require.Equal(t, 2, n)
	assert.Equal(t, uint64(1), out[0].WRID)
	assert.Equal(t, uint64(2), out[1].WRID)

	assert.True(t, cq.push(WorkCompletion{WRID: 4}))
	require.Equal(t, 1, cq.Poll(out[:1]))
	assert.Equal(t, uint64(4), out[0].WRID)
}

func TestCompletionQueueNotifyRequiresChannel(t *testing.T) {
	cq := NewCompletionQueue(4, nil)

	assert.ErrorIs(t, cq.RequestNotify(false), ErrInvalidConfig)
}

func TestCompletionQueueSolicitedNotify(t *testing.T) {
	ch, err := NewCompletionChannel()
	require.NoError(t, err)

	defer ch.Close()

	cq := NewCompletionQueue(8, ch)
	require.NoError(t, cq.RequestNotify(true))

	cq.push(WorkCompletion{Status: WCSuccess})
	assert.Equal(t, notifySolicited, cq.armed, "unsolicited success must not fire")

	cq.push(WorkCompletion{Status: WCSuccess, Flags: WCFlagSolicited})
	assert.Equal(t, notifyNone, cq.armed)

	require.NoError(t, ch.Wait())

	require.NoError(t, cq.RequestNotify(true))
	cq.push(WorkCompletion{Status: WCRemoteAccessErr})
	assert.Equal(t, notifyNone, cq.armed, "errors fire solicited-only notification")
}

func TestCompletionChannelCloseWakesWaiter(t *testing.T) {
	ch, err := NewCompletionChannel()
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() { done <- ch.Wait() }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ch.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(testTimeout):
		t.Fatal("Wait did not return after Close")
	}

	assert.ErrorIs(t, ch.Wait(), ErrClosed)
}

func TestCompletionChannelWake(t *testing.T) {
	ch, err := NewCompletionChannel()
	require.NoError(t, err)

	defer ch.Close()

	ch.Wake()

	done := make(chan error, 1)

	go func() { done <- ch.Wait() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Wait did not return after Wake")
	}
}

func TestWCStatusString(t *testing.T) {
	assert.Equal(t, "success", WCSuccess.String())
	assert.Equal(t, "remote access error", WCRemoteAccessErr.String())
	assert.Equal(t, "unknown", WCStatus(999).String())
}
