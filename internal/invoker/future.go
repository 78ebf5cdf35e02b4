package invoker

import (
	"context"

	"github.com/piwi3910/nebulafaas/internal/fabric"
	"github.com/piwi3910/nebulafaas/internal/protocol"
)

// Future is the pending result of a submitted invocation. Its accessors
// other than Done and Wait are valid once Done is closed.
type Future struct {
	done    chan struct{}
	outputs []*fabric.Buffer
	lengths []int
	status  protocol.Status
	err     error
}

func newFuture(outputs []*fabric.Buffer) *Future {
	return &Future{
		done:    make(chan struct{}),
		outputs: outputs,
		lengths: make([]int, len(outputs)),
	}
}

// Wait blocks until the invocation resolves or ctx is done. Abandoning a
// future is safe; its completion is still drained.
func (f *Future) Wait(ctx context.Context) (protocol.Status, error) {
	select {
	case <-f.done:
		return f.status, f.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Done is closed when every part has completed.
func (f *Future) Done() <-chan struct{} { return f.done }

// Status is the first non-OK part status, or StatusOK.
func (f *Future) Status() protocol.Status { return f.status }

// Err is the first part error.
func (f *Future) Err() error { return f.err }

// Parts returns the fan-out degree.
func (f *Future) Parts() int { return len(f.outputs) }

// Bytes returns the result part i wrote into its output buffer.
func (f *Future) Bytes(i int) []byte {
	return f.outputs[i].Bytes()[:f.lengths[i]]
}

func (f *Future) part(i int, status protocol.Status, length int, err error) {
	f.lengths[i] = length

	if f.status == protocol.StatusOK {
		f.status = status
	}

	if f.err == nil {
		f.err = err
	}
}

func (f *Future) resolve() { close(f.done) }
