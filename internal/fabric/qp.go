package fabric

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog/log"
)

// Queue pair defaults and limits.
const (
	DefaultMaxSendWR = 128
	DefaultMaxRecvWR = 256
	DefaultCQDepth   = 1024
	// MaxWR bounds both work queues so in-flight packets always fit a link's buffers.
	MaxWR = 1024
)

// QPConfig configures a queue pair.
type QPConfig struct {
	// SendCQ and RecvCQ are shared completion queues. When nil the
	// connection creates and owns its own.
	SendCQ *CompletionQueue
	RecvCQ *CompletionQueue
	// MaxSendWR bounds outstanding send-side requests.
	MaxSendWR int
	// MaxRecvWR bounds posted receive requests.
	MaxRecvWR int
	// CQDepth sizes owned completion queues.
	CQDepth int
	// EventChannel binds owned completion queues to a completion channel
	// owned by the connection.
	EventChannel bool
}

// DefaultQPConfig returns the default queue pair configuration.
func DefaultQPConfig() QPConfig {
	return QPConfig{
		MaxSendWR: DefaultMaxSendWR,
		MaxRecvWR: DefaultMaxRecvWR,
		CQDepth:   DefaultCQDepth,
	}
}

func (c *QPConfig) normalize() error {
	if c.MaxSendWR == 0 {
		c.MaxSendWR = DefaultMaxSendWR
	}

	if c.MaxRecvWR == 0 {
		c.MaxRecvWR = DefaultMaxRecvWR
	}

	if c.CQDepth == 0 {
		c.CQDepth = DefaultCQDepth
	}

	if c.MaxSendWR < 0 || c.MaxSendWR > MaxWR || c.MaxRecvWR < 0 || c.MaxRecvWR > MaxWR {
		return fmt.Errorf("%w: work queue depth must be within [1, %d]", ErrInvalidConfig, MaxWR)
	}

	return nil
}

type sendWR struct {
	result   SGE
	id       uint64
	length   uint32
	opcode   WCOpcode
	signaled bool
}

type recvWR struct {
	sgl ScatterGatherList
	id  uint64
}

// recvRing is the FIFO of posted receive requests.
type recvRing struct {
	buf   []recvWR
	head  int
	count int
}

func (r *recvRing) push(wr recvWR) {
	r.buf[(r.head+r.count)%len(r.buf)] = wr
	r.count++
}

func (r *recvRing) pop() recvWR {
	wr := r.buf[r.head]
	r.buf[r.head] = recvWR{}
	r.head = (r.head + 1) % len(r.buf)
	r.count--

	return wr
}

// QueuePair emulates a reliable-connected queue pair on top of a Link.
// One-sided operations are applied by the target queue pair against its
// protection domain without involving the target's application.
type QueuePair struct {
	pd       *ProtectionDomain
	sendCQ   *CompletionQueue
	recvCQ   *CompletionQueue
	link     Link
	inflight map[uint64]sendWR
	recvs    recvRing
	num      uint32
	maxSend  int
	maxRecv  int
	releases atomic.Int32
	mu       sync.Mutex
	closed   bool
}

func newQueuePair(pd *ProtectionDomain, sendCQ, recvCQ *CompletionQueue, maxSend, maxRecv int) *QueuePair {
	return &QueuePair{
		pd:       pd,
		sendCQ:   sendCQ,
		recvCQ:   recvCQ,
		inflight: make(map[uint64]sendWR),
		recvs:    recvRing{buf: make([]recvWR, maxRecv)},
		num:      pd.allocQPN(),
		maxSend:  maxSend,
		maxRecv:  maxRecv,
	}
}

// Num returns the queue pair number reported in completions.
func (qp *QueuePair) Num() uint32 { return qp.num }

func (qp *QueuePair) attach(l Link) {
	qp.mu.Lock()
	qp.link = l
	qp.mu.Unlock()

	l.Start(qp.deliver)
}

func (qp *QueuePair) postRecv(wrs []recvWR) error {
	for _, wr := range wrs {
		for _, sge := range wr.sgl {
			if err := qp.pd.withLocal(sge, AccessLocalWrite, func([]byte) {}); err != nil {
				return fmt.Errorf("invalid receive buffer: %w", err)
			}
		}
	}

	qp.mu.Lock()
	defer qp.mu.Unlock()

	if qp.closed {
		return ErrDisconnected
	}

	if qp.recvs.count+len(wrs) > len(qp.recvs.buf) {
		return ErrQueueFull
	}

	for _, wr := range wrs {
		qp.recvs.push(wr)
	}

	return nil
}

func (qp *QueuePair) postedRecvs() int {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	return qp.recvs.count
}

func (qp *QueuePair) gather(sgl ScatterGatherList) ([]byte, WCStatus) {
	data := make([]byte, 0, sgl.TotalLength())

	for _, sge := range sgl {
		err := qp.pd.withLocal(sge, 0, func(src []byte) {
			data = append(data, src...)
		})
		if err != nil {
			return nil, WCLocalProtErr
		}
	}

	return data, WCSuccess
}

// postSend validates and transmits one send-side request. Local protection
// faults complete the request with an error status, as a NIC would.
func (qp *QueuePair) postSend(wr sendWR, sgl ScatterGatherList, p *Packet) error {
	if p.Kind != PacketCompareSwap && p.Kind != PacketFetchAdd {
		data, status := qp.gather(sgl)
		if status != WCSuccess {
			qp.sendCQ.push(WorkCompletion{WRID: wr.id, Status: status, Opcode: wr.opcode, QPNum: qp.num})

			return nil
		}

		p.Data = data
		wr.length = uint32(len(data))
	} else if err := qp.pd.withLocal(wr.result, AccessLocalWrite, func([]byte) {}); err != nil || wr.result.Length < 8 {
		qp.sendCQ.push(WorkCompletion{WRID: wr.id, Status: WCLocalProtErr, Opcode: wr.opcode, QPNum: qp.num})

		return nil
	}

	qp.mu.Lock()

	if qp.closed || qp.link == nil {
		qp.mu.Unlock()

		return ErrDisconnected
	}

	if len(qp.inflight) >= qp.maxSend {
		qp.mu.Unlock()

		return ErrQueueFull
	}

	qp.inflight[wr.id] = wr
	link := qp.link
	qp.mu.Unlock()

	if err := link.Send(p); err != nil {
		qp.mu.Lock()
		delete(qp.inflight, wr.id)
		qp.mu.Unlock()

		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}

	return nil
}

// deliver runs on the link's delivery goroutine.
func (qp *QueuePair) deliver(p *Packet) {
	if p.Kind == PacketAck {
		qp.complete(p)

		return
	}

	qp.mu.Lock()
	link, closed := qp.link, qp.closed
	qp.mu.Unlock()

	if closed {
		return
	}

	status, value := qp.execute(p)

	ack := &Packet{Kind: PacketAck, WRID: p.WRID, Status: status, Value: value}
	if err := link.Send(ack); err != nil {
		log.Debug().Err(err).Uint32("qp_num", qp.num).Msg("Failed to acknowledge packet")
	}
}

func (qp *QueuePair) popRecv() (recvWR, bool) {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	if qp.closed || qp.recvs.count == 0 {
		return recvWR{}, false
	}

	return qp.recvs.pop(), true
}

func (qp *QueuePair) hasRecv() bool {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	return !qp.closed && qp.recvs.count > 0
}

func (qp *QueuePair) execute(p *Packet) (WCStatus, uint64) {
	switch p.Kind {
	case PacketWrite:
		err := qp.pd.withRemote(p.RKey, p.RAddr, len(p.Data), AccessRemoteWrite, func(dst []byte) {
			copy(dst, p.Data)
		})
		if err != nil {
			return WCRemoteAccessErr, 0
		}

		return WCSuccess, 0

	case PacketWriteImm:
		if !qp.hasRecv() {
			return WCRnrRetryExcErr, 0
		}

		err := qp.pd.withRemote(p.RKey, p.RAddr, len(p.Data), AccessRemoteWrite, func(dst []byte) {
			copy(dst, p.Data)
		})
		if err != nil {
			return WCRemoteAccessErr, 0
		}

		wr, ok := qp.popRecv()
		if !ok {
			return WCRnrRetryExcErr, 0
		}

		flags := WCFlagWithImm
		if p.Flags&PacketFlagSolicited != 0 {
			flags |= WCFlagSolicited
		}

		qp.recvCQ.push(WorkCompletion{
			WRID:    wr.id,
			ByteLen: uint32(len(p.Data)),
			ImmData: p.Imm,
			QPNum:   qp.num,
			Status:  WCSuccess,
			Opcode:  WCOpRecvRDMAWithImm,
			Flags:   flags,
		})

		return WCSuccess, 0

	case PacketSend:
		wr, ok := qp.popRecv()
		if !ok {
			return WCRnrRetryExcErr, 0
		}

		return qp.scatter(wr, p), 0

	case PacketCompareSwap, PacketFetchAdd:
		return qp.atomic(p)

	default:
		return WCRemoteInvalidReqErr, 0
	}
}

func (qp *QueuePair) scatter(wr recvWR, p *Packet) WCStatus {
	wc := WorkCompletion{
		WRID:    wr.id,
		ByteLen: uint32(len(p.Data)),
		QPNum:   qp.num,
		Opcode:  WCOpRecv,
	}

	if p.Flags&PacketFlagImm != 0 {
		wc.ImmData = p.Imm
		wc.Flags |= WCFlagWithImm
	}

	if p.Flags&PacketFlagSolicited != 0 {
		wc.Flags |= WCFlagSolicited
	}

	if wr.sgl.TotalLength() < len(p.Data) {
		wc.Status = WCLocalLenErr
		qp.recvCQ.push(wc)

		return WCRemoteInvalidReqErr
	}

	rest := p.Data
	for _, sge := range wr.sgl {
		if len(rest) == 0 {
			break
		}

		err := qp.pd.withLocal(sge, AccessLocalWrite, func(dst []byte) {
			rest = rest[copy(dst, rest):]
		})
		if err != nil {
			wc.Status = WCLocalProtErr
			qp.recvCQ.push(wc)

			return WCRemoteOpErr
		}
	}

	wc.Status = WCSuccess
	qp.recvCQ.push(wc)

	return WCSuccess
}

// atomic applies compare-and-swap or fetch-and-add. For fetch-and-add the
// addend travels in Compare.
func (qp *QueuePair) atomic(p *Packet) (WCStatus, uint64) {
	if p.RAddr%8 != 0 {
		return WCRemoteInvalidReqErr, 0
	}

	var old uint64

	err := qp.pd.withRemote(p.RKey, p.RAddr, 8, AccessRemoteAtomic, func(target []byte) {
		word := (*uint64)(unsafe.Pointer(unsafe.SliceData(target)))

		if p.Kind == PacketFetchAdd {
			old = atomic.AddUint64(word, p.Compare) - p.Compare

			return
		}

		for {
			old = atomic.LoadUint64(word)
			if old != p.Compare || atomic.CompareAndSwapUint64(word, old, p.Swap) {
				return
			}
		}
	})
	if err != nil {
		return WCRemoteAccessErr, 0
	}

	return WCSuccess, old
}

func (qp *QueuePair) complete(ack *Packet) {
	qp.mu.Lock()
	wr, ok := qp.inflight[ack.WRID]
	delete(qp.inflight, ack.WRID)
	qp.mu.Unlock()

	if !ok {
		log.Debug().Uint64("wr_id", ack.WRID).Uint32("qp_num", qp.num).Msg("Acknowledgement for unknown request")

		return
	}

	if ack.Status == WCSuccess && (wr.opcode == WCOpCompSwap || wr.opcode == WCOpFetchAdd) {
		result := wr.result
		result.Length = 8

		if err := qp.pd.withLocal(result, AccessLocalWrite, func(dst []byte) {
			binary.NativeEndian.PutUint64(dst, ack.Value)
		}); err != nil {
			log.Warn().Err(err).Uint64("wr_id", wr.id).Msg("Atomic result buffer no longer registered")
		}
	}

	if wr.signaled || ack.Status != WCSuccess {
		qp.sendCQ.push(WorkCompletion{
			WRID:    wr.id,
			ByteLen: wr.length,
			QPNum:   qp.num,
			Status:  ack.Status,
			Opcode:  wr.opcode,
		})
	}
}

// close detaches the queue pair from its link. It reports whether this call
// released the queue pair.
func (qp *QueuePair) close() bool {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	if qp.closed {
		return false
	}

	qp.closed = true
	qp.recvs = recvRing{}
	qp.inflight = make(map[uint64]sendWR)
	qp.releases.Add(1)

	return true
}
