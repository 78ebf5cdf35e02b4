package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulafaas/internal/fabric"
	"github.com/piwi3910/nebulafaas/internal/metrics"
	"github.com/piwi3910/nebulafaas/internal/protocol"
)

// WorkerConfig configures a polling worker.
type WorkerConfig struct {
	// HotTimeout selects the polling mode: negative pins hot, zero pins
	// warm, positive falls back to warm after that much idle time.
	HotTimeout time.Duration
	// Repetitions stops the worker after that many invocations. Zero
	// means unlimited.
	Repetitions uint64
	// RecvDepth is the number of receives kept posted.
	RecvDepth int
	// Core is the CPU the worker is pinned to when Pin is set.
	Core int
	Pin  bool
}

// Worker serves invocations arriving on one connection. It owns the
// connection's queues: nothing else may poll them while Run is active.
type Worker struct {
	conn      *fabric.Connection
	recv      *fabric.RecvQueue
	input     *fabric.Buffer
	output    *fabric.Buffer
	functions *FunctionTable
	acct      *Accounting
	cfg       WorkerConfig

	mode    atomic.Int32
	served  atomic.Uint64
	unacked int
}

// NewWorker prepares a worker and posts its receives. input must be
// registered for remote write with protocol.HeaderSize header bytes; output
// holds results.
func NewWorker(conn *fabric.Connection, input, output *fabric.Buffer, functions *FunctionTable, acct *Accounting, cfg WorkerConfig) (*Worker, error) {
	if input.HeaderBytes() < protocol.HeaderSize {
		return nil, fmt.Errorf("%w: input header of %d bytes", protocol.ErrShortBuffer, input.HeaderBytes())
	}

	if acct == nil {
		acct = NewAccounting(nil)
	}

	recv, err := fabric.NewRecvQueue(conn, fabric.RecvQueueConfig{Depth: cfg.RecvDepth})
	if err != nil {
		return nil, err
	}

	if err := recv.Refill(); err != nil {
		return nil, err
	}

	w := &Worker{
		conn:      conn,
		recv:      recv,
		input:     input,
		output:    output,
		functions: functions,
		acct:      acct,
		cfg:       cfg,
	}
	w.mode.Store(int32(ModeFor(cfg.HotTimeout)))

	return w, nil
}

// Mode returns the current polling mode.
func (w *Worker) Mode() PollingMode { return PollingMode(w.mode.Load()) }

// Served returns the number of invocations handled.
func (w *Worker) Served() uint64 { return w.served.Load() }

// Run polls until the repetition budget is spent, ctx is done or the
// connection drops. Both of the latter end the run without error.
func (w *Worker) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if w.cfg.Pin {
		if err := pinThread(w.cfg.Core); err != nil {
			log.Warn().Err(err).Int("core", w.cfg.Core).Msg("Running worker unpinned")
		}
	}

	stop := context.AfterFunc(ctx, func() { w.conn.Close() })
	defer stop()

	defer w.acct.Flush()

	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()

	log.Debug().
		Uint32("qp_num", w.conn.QPNum()).
		Int("core", w.cfg.Core).
		Str("mode", w.Mode().String()).
		Msg("Worker started")

	err := w.loop()

	switch {
	case err == nil:
	case errors.Is(err, fabric.ErrDisconnected):
		err = nil
	default:
		log.Error().Err(err).Uint32("qp_num", w.conn.QPNum()).Msg("Worker failed")
	}

	log.Debug().Uint32("qp_num", w.conn.QPNum()).Uint64("served", w.Served()).Msg("Worker stopped")

	return err
}

func (w *Worker) loop() error {
	wcs := make([]fabric.WorkCompletion, fabric.RecvBatchSize)
	sends := make([]fabric.WorkCompletion, fabric.RecvBatchSize)

	mode := w.Mode()
	lastWork := time.Now()
	hotSince := lastWork
	spins := 0

	for {
		if w.cfg.Repetitions > 0 && w.Served() >= w.cfg.Repetitions {
			// Results must reach the client before the connection goes.
			return w.drainSends(sends, true)
		}

		n, err := w.conn.Poll(fabric.QueueRecv, false, wcs)
		if err != nil {
			if mode.Busy() {
				w.acct.AddHotPolling(time.Since(hotSince))
			}

			return err
		}

		if n == 0 && mode.Busy() {
			spins++
			if spins%HotPollingVerificationPeriod != 0 {
				continue
			}

			now := time.Now()
			w.acct.AddHotPolling(now.Sub(hotSince))
			hotSince = now

			mode = w.setMode(mode, nextMode(mode, now.Sub(lastWork), w.cfg.HotTimeout, false))

			runtime.Gosched()

			continue
		}

		if n == 0 {
			if n, err = w.sleep(wcs); err != nil {
				return err
			}

			if n == 0 {
				continue
			}
		}

		now := time.Now()
		if mode.Busy() {
			w.acct.AddHotPolling(now.Sub(hotSince))
		}

		w.recv.Consume(n)

		for i := range wcs[:n] {
			w.handle(&wcs[i])
		}

		if err := w.recv.Refill(); err != nil {
			return err
		}

		if err := w.drainSends(sends, false); err != nil {
			return err
		}

		lastWork = time.Now()
		hotSince = lastWork
		spins = 0

		mode = w.setMode(mode, nextMode(mode, 0, w.cfg.HotTimeout, true))
	}
}

// sleep arms the receive queue, re-polls to catch completions that raced
// the arming, and blocks on the completion channel if there were none.
func (w *Worker) sleep(wcs []fabric.WorkCompletion) (int, error) {
	if err := w.conn.RequestNotify(fabric.QueueRecv, false); err != nil {
		return 0, err
	}

	n, err := w.conn.Poll(fabric.QueueRecv, false, wcs)
	if err != nil || n > 0 {
		return n, err
	}

	return 0, w.conn.WaitEvent(fabric.QueueRecv)
}

func (w *Worker) setMode(from, to PollingMode) PollingMode {
	if from == to {
		return from
	}

	w.mode.Store(int32(to))
	metrics.RecordModeTransition(from.String(), to.String())

	log.Debug().
		Uint32("qp_num", w.conn.QPNum()).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Worker polling mode changed")

	return to
}

// drainSends reaps result completions. A blocking drain waits until every
// posted result has been acknowledged.
func (w *Worker) drainSends(wcs []fabric.WorkCompletion, blocking bool) error {
	for w.unacked > 0 {
		n, err := w.conn.Poll(fabric.QueueSend, blocking, wcs)
		if err != nil {
			return err
		}

		w.unacked -= n

		if !blocking && n < len(wcs) {
			return nil
		}
	}

	return nil
}

// handle answers one receive completion. Failed completions were already
// logged by Poll.
func (w *Worker) handle(wc *fabric.WorkCompletion) {
	if !wc.Success() {
		return
	}

	if !wc.HasImm() {
		w.violation("missing_immediate", wc)

		return
	}

	fn, inv, solicited := protocol.DecodeSubmission(wc.ImmData)

	payload := w.input.Bytes()[:min(int(wc.ByteLen), w.input.Len())]

	header, err := protocol.ReadHeader(payload)
	if err != nil {
		w.violation("short_submission", wc)

		return
	}

	out := w.output.Bytes()
	if int(header.Size) < len(out) {
		out = out[:header.Size]
	}

	start := time.Now()
	status, n := w.execute(fn, payload[protocol.HeaderSize:], out)
	elapsed := time.Since(start)

	w.acct.AddExecution(elapsed)

	var sgl fabric.ScatterGatherList
	if n > 0 {
		sgl = fabric.ScatterGatherList{w.output.SGE(0, n)}
	}

	w.served.Add(1)
	metrics.RecordInvocation("worker", uint16(status), elapsed)

	if _, err := w.conn.PostWriteImm(sgl, header, protocol.EncodeResult(inv, status), solicited); err != nil {
		log.Warn().Err(err).Uint16("invocation", inv).Msg("Failed to post result")

		return
	}

	w.unacked++
}

// execute runs function fn. Panics and errors become result statuses.
func (w *Worker) execute(fn uint16, in, out []byte) (status protocol.Status, n int) {
	f, ok := w.functions.Lookup(fn)
	if !ok {
		log.Warn().Str("violation", "unknown_function").Uint16("function", fn).Msg("Unknown function requested")
		metrics.RecordProtocolViolation("unknown_function")

		return protocol.StatusUnknownFunction, 0
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Uint16("function", fn).Msg("Function panicked")

			status, n = protocol.StatusFunctionFailed, 0
		}
	}()

	written, err := f(in, out)

	switch {
	case errors.Is(err, ErrOutputOverflow):
		return protocol.StatusOutputOverflow, 0
	case err != nil:
		log.Debug().Err(err).Uint16("function", fn).Msg("Function failed")

		return protocol.StatusFunctionFailed, 0
	case written < 0 || written > len(out):
		return protocol.StatusOutputOverflow, 0
	}

	return protocol.StatusOK, written
}

func (w *Worker) violation(kind string, wc *fabric.WorkCompletion) {
	log.Warn().
		Str("violation", kind).
		Uint32("qp_num", wc.QPNum).
		Uint32("byte_len", wc.ByteLen).
		Msg("Dropping malformed submission")
	metrics.RecordProtocolViolation(kind)
}
