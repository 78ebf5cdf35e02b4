// Package invoker is the client side of remote invocation. It multiplexes
// submissions over one connection per leased core and resolves futures from
// a single drainer goroutine that owns the shared completion queues.
package invoker

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulafaas/internal/fabric"
	"github.com/piwi3910/nebulafaas/internal/metrics"
	"github.com/piwi3910/nebulafaas/internal/protocol"
)

// DefaultRecvDepth is the number of result receives kept posted per worker.
const DefaultRecvDepth = 16

const drainBatch = 64

// Config configures an Invoker.
type Config struct {
	// Address is the executor's fabric address.
	Address string
	// LeaseID and Secret identify the lease to the executor.
	LeaseID uint16
	Secret  uint16
	// Cores is the number of worker connections to open.
	Cores int
	// RecvDepth is the number of result receives kept posted per worker.
	RecvDepth int
	// Solicited marks submissions solicited so warm peers wake only for them.
	Solicited bool
	// QP sizes each connection's work queues.
	QP fabric.QPConfig
}

// worker is the client's view of one remote worker.
type worker struct {
	conn   *fabric.Connection
	recv   *fabric.RecvQueue
	setup  *fabric.Buffer
	input  fabric.RemoteBuffer
	handle fabric.Handle
	slot   int
}

// Invoker dispatches invocations to remote workers.
type Invoker struct {
	cfg       Config
	pd        *fabric.ProtectionDomain
	channel   *fabric.CompletionChannel
	sendCQ    *fabric.CompletionQueue
	recvCQ    *fabric.CompletionQueue
	table     *fabric.ConnectionTable
	workers   []*worker
	byHandle  map[fabric.Handle]*worker
	functions []string
	byName    map[string]uint16
	pending   *pendingTable

	idle    chan int
	lost    chan int
	wake    chan struct{}
	done    chan struct{}
	drained chan struct{}
	alive   atomic.Int32
	started bool

	acquireMu sync.Mutex
	closeOnce sync.Once
}

// Dial opens cfg.Cores connections to the executor at cfg.Address and
// starts the drainer.
func Dial(ctx context.Context, p fabric.Provider, cfg Config) (*Invoker, error) {
	if cfg.Cores <= 0 {
		return nil, fmt.Errorf("%w: need at least one core", ErrInvalidArgument)
	}

	if cfg.RecvDepth <= 0 {
		cfg.RecvDepth = DefaultRecvDepth
	}

	channel, err := fabric.NewCompletionChannel()
	if err != nil {
		return nil, err
	}

	maxSend := cfg.QP.MaxSendWR
	if maxSend <= 0 {
		maxSend = fabric.DefaultMaxSendWR
	}

	i := &Invoker{
		cfg:      cfg,
		pd:       fabric.NewProtectionDomain(),
		channel:  channel,
		sendCQ:   fabric.NewCompletionQueue(max(fabric.DefaultCQDepth, cfg.Cores*maxSend), channel),
		recvCQ:   fabric.NewCompletionQueue(max(fabric.DefaultCQDepth, cfg.Cores*(cfg.RecvDepth+1)), channel),
		table:    fabric.NewConnectionTable(),
		byHandle: make(map[fabric.Handle]*worker, cfg.Cores),
		byName:   make(map[string]uint16),
		pending:  newPendingTable(),
		idle:     make(chan int, cfg.Cores),
		lost:     make(chan int, cfg.Cores),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
	}

	qp := cfg.QP
	qp.SendCQ, qp.RecvCQ = i.sendCQ, i.recvCQ
	qp.EventChannel = false

	privateData := protocol.EncodePrivateData(cfg.LeaseID, cfg.Secret)

	for slot := 0; slot < cfg.Cores; slot++ {
		if err := i.connect(ctx, p, qp, slot, privateData); err != nil {
			i.Close()

			return nil, fmt.Errorf("failed to connect worker %d at %s: %w", slot, cfg.Address, err)
		}
	}

	for id, name := range i.functions {
		i.byName[name] = uint16(id)
	}

	i.started = true
	go i.drain()

	log.Info().
		Str("address", cfg.Address).
		Uint16("lease", cfg.LeaseID).
		Int("cores", cfg.Cores).
		Strs("functions", i.functions).
		Msg("Invoker connected")

	return i, nil
}

// connect runs before the drainer starts, so it may poll the shared queues.
func (i *Invoker) connect(ctx context.Context, p fabric.Provider, qp fabric.QPConfig, slot int, privateData uint32) error {
	conn, err := fabric.NewConnection(i.pd, qp)
	if err != nil {
		return err
	}

	w := &worker{conn: conn, slot: slot}
	i.workers = append(i.workers, w)

	if w.setup, err = i.newBuffer(protocol.SetupMessageSize, 0, fabric.AccessLocalWrite); err != nil {
		return err
	}

	if _, err := protocol.PostSetupRecv(conn, w.setup); err != nil {
		return err
	}

	if err := conn.Connect(ctx, p, i.cfg.Address, privateData); err != nil {
		return err
	}

	setup, err := protocol.ReceiveSetup(ctx, conn, w.setup)
	if err != nil {
		return err
	}

	if slot == 0 {
		i.functions = setup.Functions
	} else if !slices.Equal(i.functions, setup.Functions) {
		return ErrFunctionMismatch
	}

	w.input = setup.Remote

	if w.recv, err = fabric.NewRecvQueue(conn, fabric.RecvQueueConfig{Depth: i.cfg.RecvDepth}); err != nil {
		return err
	}

	if err := w.recv.Refill(); err != nil {
		return err
	}

	if w.handle, err = i.table.Insert(conn); err != nil {
		return err
	}

	i.byHandle[w.handle] = w

	conn.OnStatusChange(func(_, to fabric.Status) {
		if to != fabric.StatusDisconnected {
			return
		}

		select {
		case i.lost <- slot:
		default:
		}

		i.channel.Wake()
	})

	if !conn.Established() {
		return ErrConnectionLost
	}

	i.alive.Add(1)
	i.idle <- slot

	metrics.ConnectionOpened("client")

	return nil
}

func (i *Invoker) newBuffer(size, header int, access fabric.Access) (*fabric.Buffer, error) {
	buf, err := fabric.NewBuffer(size, 1, header)
	if err != nil {
		return nil, err
	}

	if err := buf.Register(i.pd, access); err != nil {
		buf.Close()

		return nil, err
	}

	return buf, nil
}

// NewInput allocates an input buffer of size payload bytes registered with
// the invoker.
func (i *Invoker) NewInput(size int) (*fabric.Buffer, error) {
	return i.newBuffer(size, protocol.HeaderSize, fabric.AccessLocalWrite)
}

// NewOutput allocates a result buffer of size bytes the workers can write.
func (i *Invoker) NewOutput(size int) (*fabric.Buffer, error) {
	return i.newBuffer(size, 0, fabric.AccessLocalWrite|fabric.AccessRemoteWrite)
}

// Functions returns the executor's function names indexed by id.
func (i *Invoker) Functions() []string { return slices.Clone(i.functions) }

// Cores returns the number of worker connections opened.
func (i *Invoker) Cores() int { return len(i.workers) }

// Established reports whether worker connection slot is still up.
func (i *Invoker) Established(slot int) bool {
	return slot >= 0 && slot < len(i.workers) && i.workers[slot].conn.Established()
}

// Outstanding returns the number of unresolved invocations.
func (i *Invoker) Outstanding() int { return i.pending.len() }

// MaxInput returns the largest input buffer every worker accepts.
func (i *Invoker) MaxInput() int {
	size := -1
	for _, w := range i.workers {
		if size < 0 || int(w.input.Size) < size {
			size = int(w.input.Size)
		}
	}

	return max(size, 0)
}

// Submit dispatches function over len(inputs) workers. inputs[k] is sent
// whole, header included, and its result lands in outputs[k].
//
// When some parts cannot be posted the returned future still resolves,
// with those parts failed, and the error wraps ErrPartialDispatch.
func (i *Invoker) Submit(ctx context.Context, function string, inputs, outputs []*fabric.Buffer) (*Future, error) {
	select {
	case <-i.done:
		return nil, ErrClosed
	default:
	}

	fn, ok := i.byName[function]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, function)
	}

	if err := i.validate(inputs, outputs); err != nil {
		return nil, err
	}

	slots, err := i.acquire(ctx, len(inputs))
	if err != nil {
		return nil, err
	}

	f := newFuture(outputs)

	id, err := i.pending.register(slots, f)
	if err != nil {
		for _, slot := range slots {
			i.release(slot)
		}

		return nil, err
	}

	imm, err := protocol.EncodeSubmission(fn, id, i.cfg.Solicited)
	if err != nil {
		for _, slot := range slots {
			i.finish(id, slot, protocol.StatusOK, 0, err)
		}

		return nil, err
	}

	var failed error

	for k, slot := range slots {
		if err := i.post(id, slot, imm, inputs[k], outputs[k]); err != nil {
			failed = err
			i.finish(id, slot, protocol.StatusOK, 0, err)
		}
	}

	if failed != nil {
		return f, fmt.Errorf("%w: %w", ErrPartialDispatch, failed)
	}

	return f, nil
}

func (i *Invoker) post(id uint16, slot int, imm uint32, input, output *fabric.Buffer) error {
	w := i.workers[slot]

	if err := protocol.WriteHeader(input.Bytes(), output.Remote()); err != nil {
		return err
	}

	wrid, err := w.conn.PostWriteImm(input.SGL(), w.input, imm, i.cfg.Solicited)
	if err != nil {
		return err
	}

	status, early := i.pending.track(postKey{wrid: wrid, qpn: w.conn.QPNum()}, postRef{id: id, slot: slot})
	if early && status != fabric.WCSuccess {
		return fmt.Errorf("%w: %s", ErrTransport, status)
	}

	return nil
}

func (i *Invoker) validate(inputs, outputs []*fabric.Buffer) error {
	if len(inputs) == 0 || len(inputs) != len(outputs) {
		return fmt.Errorf("%w: %d inputs for %d outputs", ErrInvalidArgument, len(inputs), len(outputs))
	}

	if len(inputs) > len(i.workers) {
		return fmt.Errorf("%w: fan-out %d exceeds %d cores", ErrInvalidArgument, len(inputs), len(i.workers))
	}

	limit := i.MaxInput()

	for k := range inputs {
		switch {
		case inputs[k] == nil || outputs[k] == nil:
			return fmt.Errorf("%w: part %d has no buffer", ErrInvalidArgument, k)
		case inputs[k].HeaderBytes() < protocol.HeaderSize:
			return fmt.Errorf("%w: input %d reserves %d header bytes", ErrInvalidArgument, k, inputs[k].HeaderBytes())
		case !inputs[k].Registered() || !outputs[k].Registered():
			return fmt.Errorf("%w: part %d is not registered", ErrInvalidArgument, k)
		case outputs[k].Access()&fabric.AccessRemoteWrite == 0:
			return fmt.Errorf("%w: output %d is not remotely writable", ErrInvalidArgument, k)
		case inputs[k].Len() > limit:
			return fmt.Errorf("%w: input %d is %d bytes, workers take %d", ErrInputTooLarge, k, inputs[k].Len(), limit)
		}
	}

	return nil
}

// acquire takes k idle worker slots. Acquisitions are serialized so
// concurrent fan-outs cannot each hold part of what the other needs.
func (i *Invoker) acquire(ctx context.Context, k int) ([]int, error) {
	i.acquireMu.Lock()
	defer i.acquireMu.Unlock()

	slots := make([]int, 0, k)

	giveBack := func() {
		for _, slot := range slots {
			i.release(slot)
		}
	}

	for len(slots) < k {
		if int(i.alive.Load()) < k {
			giveBack()

			return nil, fmt.Errorf("%w: %d of %d workers left", ErrConnectionLost, i.alive.Load(), k)
		}

		select {
		case slot := <-i.idle:
			if i.workers[slot].conn.Established() {
				slots = append(slots, slot)
			}
		case <-i.wake:
		case <-ctx.Done():
			giveBack()

			return nil, ctx.Err()
		case <-i.done:
			giveBack()

			return nil, ErrClosed
		}
	}

	return slots, nil
}

// release returns a slot to the idle pool unless its connection is gone.
func (i *Invoker) release(slot int) {
	if i.workers[slot].conn.Established() {
		i.idle <- slot
	}
}

// finish completes one part. It reports whether the part was awaited.
func (i *Invoker) finish(id uint16, slot int, status protocol.Status, length int, err error) bool {
	awaited, inv := i.pending.complete(id, slot, status, length, err)
	if !awaited {
		return false
	}

	i.release(slot)

	if inv != nil {
		metrics.RecordInvocation("client", uint16(inv.future.status), time.Since(inv.started))
	}

	return true
}

// Execute submits and waits for the result.
func (i *Invoker) Execute(ctx context.Context, function string, inputs, outputs []*fabric.Buffer) (protocol.Status, error) {
	f, err := i.Submit(ctx, function, inputs, outputs)
	if f == nil {
		return 0, err
	}

	status, waitErr := f.Wait(ctx)
	if err != nil {
		return status, err
	}

	return status, waitErr
}

// Close disconnects every worker. Unresolved futures fail with ErrClosed.
func (i *Invoker) Close() error {
	i.closeOnce.Do(func() {
		close(i.done)
		i.channel.Wake()

		if i.started {
			<-i.drained
		}

		for _, w := range i.workers {
			if _, ok := i.table.Remove(w.handle); ok {
				metrics.ConnectionClosed("client")
			}

			w.conn.Close()
		}

		for _, id := range i.pending.ids() {
			for _, slot := range i.pending.slots(id) {
				i.pending.complete(id, slot, protocol.StatusOK, 0, ErrClosed)
			}
		}

		i.channel.Close()

		for _, w := range i.workers {
			if w.setup != nil {
				w.setup.Close()
			}
		}
	})

	return nil
}
