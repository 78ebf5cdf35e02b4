package fabric

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulafaas/internal/metrics"
)

// Status is the lifecycle state of a Connection. It only ever advances.
type Status int32

const (
	StatusUnknown Status = iota
	StatusRequested
	StatusEstablished
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusRequested:
		return "requested"
	case StatusEstablished:
		return "established"
	case StatusDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// pollYieldInterval is how many empty spins a blocking poll makes before
// yielding the processor.
const pollYieldInterval = 1024

// Connection wraps one queue pair and its lifecycle.
type Connection struct {
	pd        *ProtectionDomain
	qp        *QueuePair
	sendCQ    *CompletionQueue
	recvCQ    *CompletionQueue
	channel   *CompletionChannel
	link      Link
	request   ConnRequest
	done      chan struct{}
	observers []func(from, to Status)

	nextID      atomic.Uint64
	status      atomic.Int32
	privateData uint32

	mu        sync.Mutex
	obsMu     sync.Mutex
	closeOnce sync.Once
}

// NewConnection creates an unconnected connection in pd. Completion queues
// not supplied in cfg are created and owned by the connection.
func NewConnection(pd *ProtectionDomain, cfg QPConfig) (*Connection, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	c := &Connection{
		pd:     pd,
		sendCQ: cfg.SendCQ,
		recvCQ: cfg.RecvCQ,
		done:   make(chan struct{}),
	}

	if cfg.EventChannel && (c.sendCQ == nil || c.recvCQ == nil) {
		ch, err := NewCompletionChannel()
		if err != nil {
			return nil, err
		}

		c.channel = ch
	}

	if c.sendCQ == nil {
		c.sendCQ = NewCompletionQueue(cfg.CQDepth, c.channel)
	}

	if c.recvCQ == nil {
		c.recvCQ = NewCompletionQueue(cfg.CQDepth, c.channel)
	}

	c.qp = newQueuePair(pd, c.sendCQ, c.recvCQ, cfg.MaxSendWR, cfg.MaxRecvWR)

	return c, nil
}

// Dial creates a connection and connects it to addr.
func Dial(ctx context.Context, p Provider, addr string, pd *ProtectionDomain, cfg QPConfig, privateData uint32) (*Connection, error) {
	c, err := NewConnection(pd, cfg)
	if err != nil {
		return nil, err
	}

	if err := c.Connect(ctx, p, addr, privateData); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect moves the connection from UNKNOWN through REQUESTED to ESTABLISHED.
// On failure the connection is closed.
func (c *Connection) Connect(ctx context.Context, p Provider, addr string, privateData uint32) error {
	if !c.transition(StatusUnknown, StatusRequested) {
		return fmt.Errorf("%w: connect from %s", ErrInvalidState, c.Status())
	}

	c.privateData = privateData

	link, err := p.Dial(ctx, addr, privateData)
	if err != nil {
		c.Close()

		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	return c.establish(link)
}

// Establish accepts a pending inbound connection obtained from a Listener.
func (c *Connection) Establish() error {
	c.mu.Lock()
	req := c.request
	c.request = nil
	c.mu.Unlock()

	if req == nil || c.Status() != StatusRequested {
		return fmt.Errorf("%w: establish from %s", ErrInvalidState, c.Status())
	}

	link, err := req.Accept()
	if err != nil {
		c.Close()

		return fmt.Errorf("failed to accept connection: %w", err)
	}

	return c.establish(link)
}

func (c *Connection) establish(link Link) error {
	c.mu.Lock()
	c.link = link
	c.mu.Unlock()

	c.qp.attach(link)

	if !c.transition(StatusRequested, StatusEstablished) {
		link.Close()

		return ErrDisconnected
	}

	go c.watch(link)

	return nil
}

func (c *Connection) watch(link Link) {
	select {
	case <-link.Done():
		log.Debug().Uint32("qp_num", c.qp.Num()).Msg("Fabric link closed, disconnecting")
		c.Close()
	case <-c.done:
	}
}

// transition performs a single compare-and-swap status change and notifies
// observers while holding obsMu, so observers see changes in order.
func (c *Connection) transition(from, to Status) bool {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()

	if !c.status.CompareAndSwap(int32(from), int32(to)) {
		return false
	}

	for _, fn := range c.observers {
		fn(from, to)
	}

	return true
}

func (c *Connection) advance(to Status) {
	for {
		from := c.Status()
		if from >= to {
			return
		}

		if c.transition(from, to) {
			return
		}
	}
}

// OnStatusChange registers fn to be called on every status change. fn must
// not call back into the connection's lifecycle methods.
func (c *Connection) OnStatusChange(fn func(from, to Status)) {
	c.obsMu.Lock()
	c.observers = append(c.observers, fn)
	c.obsMu.Unlock()
}

// Status returns the current lifecycle state.
func (c *Connection) Status() Status { return Status(c.status.Load()) }

// Established reports whether the connection is usable.
func (c *Connection) Established() bool { return c.Status() == StatusEstablished }

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// PrivateData returns the value exchanged at connect time.
func (c *Connection) PrivateData() uint32 { return c.privateData }

// QPNum returns the queue pair number found in this connection's completions.
func (c *Connection) QPNum() uint32 { return c.qp.Num() }

// PD returns the protection domain the connection belongs to.
func (c *Connection) PD() *ProtectionDomain { return c.pd }

// CQ returns the completion queue for q.
func (c *Connection) CQ(q QueueKind) *CompletionQueue {
	if q == QueueRecv {
		return c.recvCQ
	}

	return c.sendCQ
}

// Channel returns the completion channel owned by the connection, if any.
func (c *Connection) Channel() *CompletionChannel { return c.channel }

// Close is idempotent. It rejects a pending inbound request, releases the
// queue pair, tears down the link and sets DISCONNECTED.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		req, link := c.request, c.link
		c.request = nil
		c.mu.Unlock()

		if req != nil {
			if err := req.Reject(); err != nil {
				log.Debug().Err(err).Msg("Failed to reject connection request")
			}
		}

		c.qp.close()

		if link != nil {
			link.Close()
		}

		c.advance(StatusDisconnected)
		close(c.done)

		if c.channel != nil {
			c.channel.Close()
		}
	})

	return nil
}

func (c *Connection) checkPost() error {
	switch c.Status() {
	case StatusEstablished:
		return nil
	case StatusDisconnected:
		return ErrDisconnected
	default:
		return fmt.Errorf("%w: post on %s connection", ErrInvalidState, c.Status())
	}
}

func (c *Connection) post(sgl ScatterGatherList, result SGE, opcode WCOpcode, p *Packet) (uint64, error) {
	if err := c.checkPost(); err != nil {
		return 0, err
	}

	id := c.nextID.Add(1)
	p.WRID = id

	err := c.qp.postSend(sendWR{id: id, opcode: opcode, result: result, signaled: true}, sgl, p)
	if errors.Is(err, ErrQueueFull) {
		log.Error().Uint32("qp_num", c.qp.Num()).Str("opcode", opcode.String()).Msg("Send queue full, closing connection")
		c.Close()
	}

	if err != nil {
		return 0, err
	}

	return id, nil
}

// PostSend sends sgl to the peer's next posted receive.
func (c *Connection) PostSend(sgl ScatterGatherList) (uint64, error) {
	return c.post(sgl, SGE{}, WCOpSend, &Packet{Kind: PacketSend})
}

// PostWrite writes sgl into remote without involving the peer.
func (c *Connection) PostWrite(sgl ScatterGatherList, remote RemoteBuffer) (uint64, error) {
	return c.post(sgl, SGE{}, WCOpRDMAWrite, &Packet{Kind: PacketWrite, RKey: remote.RKey, RAddr: remote.Addr})
}

// PostWriteImm writes sgl into remote and delivers imm through one of the
// peer's posted receives. solicited controls solicited-only notification.
func (c *Connection) PostWriteImm(sgl ScatterGatherList, remote RemoteBuffer, imm uint32, solicited bool) (uint64, error) {
	p := &Packet{Kind: PacketWriteImm, RKey: remote.RKey, RAddr: remote.Addr, Imm: imm, Flags: PacketFlagImm}
	if solicited {
		p.Flags |= PacketFlagSolicited
	}

	return c.post(sgl, SGE{}, WCOpRDMAWrite, p)
}

// PostCompareSwap atomically replaces the 8-byte word at remote with swap if
// it equals compare. The original value lands in the single SGE of sgl.
func (c *Connection) PostCompareSwap(sgl ScatterGatherList, remote RemoteBuffer, compare, swap uint64) (uint64, error) {
	if err := c.checkPost(); err != nil {
		return 0, err
	}

	if err := checkAtomic(sgl, remote); err != nil {
		return 0, err
	}

	p := &Packet{Kind: PacketCompareSwap, RKey: remote.RKey, RAddr: remote.Addr, Compare: compare, Swap: swap}

	return c.post(sgl, sgl[0], WCOpCompSwap, p)
}

// PostFetchAdd atomically adds add to the 8-byte word at remote. The
// original value lands in the single SGE of sgl.
func (c *Connection) PostFetchAdd(sgl ScatterGatherList, remote RemoteBuffer, add uint64) (uint64, error) {
	if err := c.checkPost(); err != nil {
		return 0, err
	}

	if err := checkAtomic(sgl, remote); err != nil {
		return 0, err
	}

	p := &Packet{Kind: PacketFetchAdd, RKey: remote.RKey, RAddr: remote.Addr, Compare: add}

	return c.post(sgl, sgl[0], WCOpFetchAdd, p)
}

func checkAtomic(sgl ScatterGatherList, remote RemoteBuffer) error {
	if len(sgl) != 1 || sgl[0].Length < 8 {
		return fmt.Errorf("%w: atomics need one SGE of at least 8 bytes", ErrInvalidRequest)
	}

	if remote.Addr%8 != 0 {
		return ErrMisaligned
	}

	return nil
}

// PostRecv posts one receive. Receives may be posted before the connection
// is established.
func (c *Connection) PostRecv(sgl ScatterGatherList) (uint64, error) {
	id := c.nextID.Add(1)
	if err := c.postRecvs([]recvWR{{sgl: sgl, id: id}}); err != nil {
		return 0, err
	}

	return id, nil
}

// postRecvBatch posts n receives sharing the same scatter-gather list in one
// queue pair call.
func (c *Connection) postRecvBatch(sgl ScatterGatherList, n int) error {
	wrs := make([]recvWR, n)
	for i := range wrs {
		wrs[i] = recvWR{sgl: sgl, id: c.nextID.Add(1)}
	}

	return c.postRecvs(wrs)
}

func (c *Connection) postRecvs(wrs []recvWR) error {
	if c.Status() == StatusDisconnected {
		return ErrDisconnected
	}

	err := c.qp.postRecv(wrs)
	if errors.Is(err, ErrQueueFull) {
		log.Error().Uint32("qp_num", c.qp.Num()).Int("batch", len(wrs)).Msg("Receive queue full, closing connection")
		c.Close()
	}

	return err
}

// PostedRecvs returns how many receives are currently posted.
func (c *Connection) PostedRecvs() int { return c.qp.postedRecvs() }

// Poll drains up to len(out) completions from queue q. A blocking poll spins
// until at least one entry arrives or the connection is closed. Failed
// entries are logged and returned; callers skip them by status.
func (c *Connection) Poll(q QueueKind, blocking bool, out []WorkCompletion) (int, error) {
	return c.poll(context.Background(), q, blocking, out)
}

// PollContext is a blocking Poll that also gives up when ctx is done.
func (c *Connection) PollContext(ctx context.Context, q QueueKind, out []WorkCompletion) (int, error) {
	return c.poll(ctx, q, true, out)
}

func (c *Connection) poll(ctx context.Context, q QueueKind, blocking bool, out []WorkCompletion) (int, error) {
	if c.Status() == StatusDisconnected {
		return 0, ErrDisconnected
	}

	cq := c.CQ(q)

	for spins := 1; ; spins++ {
		if n := cq.Poll(out); n > 0 {
			LogFailed(q, out[:n])

			return n, nil
		}

		if !blocking {
			return 0, nil
		}

		if spins%pollYieldInterval == 0 {
			select {
			case <-c.done:
				return 0, ErrDisconnected
			case <-ctx.Done():
				return 0, ctx.Err()
			default:
			}

			runtime.Gosched()
		}
	}
}

// LogFailed logs every unsuccessful completion in wcs and returns how many
// there were.
func LogFailed(q QueueKind, wcs []WorkCompletion) int {
	failed := 0

	for i := range wcs {
		if wcs[i].Success() {
			continue
		}

		failed++

		log.Warn().
			Str("queue", q.String()).
			Str("status", wcs[i].Status.String()).
			Str("opcode", wcs[i].Opcode.String()).
			Uint64("wr_id", wcs[i].WRID).
			Uint32("qp_num", wcs[i].QPNum).
			Msg("Work completion failed")
		metrics.RecordCompletionError(q.String(), wcs[i].Status.String())
	}

	return failed
}

// RequestNotify arms the completion queue for q.
func (c *Connection) RequestNotify(q QueueKind, solicitedOnly bool) error {
	if c.Status() == StatusDisconnected {
		return ErrDisconnected
	}

	return c.CQ(q).RequestNotify(solicitedOnly)
}

// WaitEvent blocks on the completion channel bound to queue q.
func (c *Connection) WaitEvent(q QueueKind) error {
	ch := c.CQ(q).Channel()
	if ch == nil {
		return fmt.Errorf("%w: no completion channel", ErrInvalidConfig)
	}

	if err := ch.Wait(); err != nil {
		if errors.Is(err, ErrClosed) {
			return ErrDisconnected
		}

		return err
	}

	return nil
}

// Listener accepts inbound connections on a provider.
type Listener struct {
	ep  PassiveEndpoint
	pd  *ProtectionDomain
	cfg QPConfig
}

// Listen opens a passive endpoint. Accepted connections are created in pd
// with cfg.
func Listen(p Provider, addr string, pd *ProtectionDomain, cfg QPConfig) (*Listener, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	ep, err := p.Listen(addr)
	if err != nil {
		return nil, err
	}

	return &Listener{ep: ep, pd: pd, cfg: cfg}, nil
}

// Accept waits for an inbound request and returns it as a REQUESTED
// connection. Call Establish to accept it or Close to reject it.
func (l *Listener) Accept(ctx context.Context) (*Connection, error) {
	req, err := l.ep.Accept(ctx)
	if err != nil {
		return nil, err
	}

	c, err := NewConnection(l.pd, l.cfg)
	if err != nil {
		_ = req.Reject()

		return nil, err
	}

	c.request = req
	c.privateData = req.PrivateData()
	c.transition(StatusUnknown, StatusRequested)

	return c, nil
}

// Addr returns the address peers dial.
func (l *Listener) Addr() string { return l.ep.Addr() }

// Close stops accepting. Established connections are unaffected.
func (l *Listener) Close() error { return l.ep.Close() }
