package invoker

import (
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulafaas/internal/fabric"
	"github.com/piwi3910/nebulafaas/internal/metrics"
	"github.com/piwi3910/nebulafaas/internal/protocol"
)

// drain is the only poller of the shared completion queues.
func (i *Invoker) drain() {
	defer close(i.drained)

	recvs := make([]fabric.WorkCompletion, drainBatch)
	sends := make([]fabric.WorkCompletion, drainBatch)
	touched := make([]*worker, 0, len(i.workers))

	for {
		select {
		case <-i.done:
			return
		default:
		}

		sent := i.reapSends(sends)

		if n := i.recvCQ.Poll(recvs); n > 0 {
			touched = i.handleResults(recvs[:n], touched[:0])

			continue
		}

		touched = i.reapLost(recvs, sends, touched)

		if sent {
			continue
		}

		// Arm, then look again so nothing that raced the arming is slept on.
		if err := i.recvCQ.RequestNotify(i.cfg.Solicited); err != nil {
			log.Error().Err(err).Msg("Failed to arm result queue")

			return
		}

		if err := i.sendCQ.RequestNotify(true); err != nil {
			log.Error().Err(err).Msg("Failed to arm submission queue")

			return
		}

		if i.recvCQ.Len() > 0 || i.sendCQ.Len() > 0 || len(i.lost) > 0 {
			continue
		}

		if err := i.channel.Wait(); err != nil {
			return
		}
	}
}

func (i *Invoker) handleResults(wcs []fabric.WorkCompletion, touched []*worker) []*worker {
	fabric.LogFailed(fabric.QueueRecv, wcs)

	for k := range wcs {
		wc := &wcs[k]

		h, _, ok := i.table.LookupQPN(wc.QPNum)
		if !ok {
			violation("unknown_queue_pair", wc)

			continue
		}

		w := i.byHandle[h]
		w.recv.Consume(1)

		if !slices.Contains(touched, w) {
			touched = append(touched, w)
		}

		if !wc.Success() {
			continue
		}

		if !wc.HasImm() {
			violation("missing_immediate", wc)

			continue
		}

		id, status := protocol.DecodeResult(wc.ImmData)

		if !i.finish(id, w.slot, status, int(wc.ByteLen), nil) {
			violation("unknown_invocation", wc)
		}
	}

	for _, w := range touched {
		if err := w.recv.Refill(); err != nil {
			log.Error().Err(err).Int("slot", w.slot).Msg("Failed to refill result receives")
		}
	}

	return touched
}

// reapSends drains submission completions and fails parts whose write
// never reached the worker.
func (i *Invoker) reapSends(wcs []fabric.WorkCompletion) bool {
	n := i.sendCQ.Poll(wcs)
	if n == 0 {
		return false
	}

	fabric.LogFailed(fabric.QueueSend, wcs[:n])

	for k := range wcs[:n] {
		wc := &wcs[k]

		ref, ok := i.pending.sent(postKey{wrid: wc.WRID, qpn: wc.QPNum}, wc.Status)
		if ok && !wc.Success() {
			i.finish(ref.id, ref.slot, protocol.StatusOK, 0, fmt.Errorf("%w: %s", ErrTransport, wc.Status))
		}
	}

	return true
}

// reapLost fails every part pending on a disconnected worker. Results the
// worker delivered before disconnecting are already queued when the loss is
// signalled, so they are drained first.
func (i *Invoker) reapLost(recvs, sends []fabric.WorkCompletion, touched []*worker) []*worker {
	for {
		select {
		case slot := <-i.lost:
			for n := i.recvCQ.Poll(recvs); n > 0; n = i.recvCQ.Poll(recvs) {
				touched = i.handleResults(recvs[:n], touched[:0])
			}

			i.reapSends(sends)
			i.drop(i.workers[slot])
		default:
			return touched
		}
	}
}

func (i *Invoker) drop(w *worker) {
	if _, ok := i.table.Remove(w.handle); !ok {
		return
	}

	i.alive.Add(-1)
	i.pending.forget(w.conn.QPNum())

	failed := 0
	for _, id := range i.pending.awaiting(w.slot) {
		if i.finish(id, w.slot, protocol.StatusOK, 0, ErrConnectionLost) {
			failed++
		}
	}

	select {
	case i.wake <- struct{}{}:
	default:
	}

	metrics.ConnectionClosed("client")

	log.Warn().
		Int("slot", w.slot).
		Uint32("qp_num", w.conn.QPNum()).
		Int("failed_invocations", failed).
		Msg("Worker connection lost")
}

func violation(kind string, wc *fabric.WorkCompletion) {
	log.Warn().
		Str("violation", kind).
		Uint32("qp_num", wc.QPNum).
		Uint32("imm", wc.ImmData).
		Msg("Dropping result completion")
	metrics.RecordProtocolViolation(kind)
}
