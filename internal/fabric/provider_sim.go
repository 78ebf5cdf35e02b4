package fabric

import (
	"context"
	"fmt"
	"sync"
)

// simQueueDepth holds every packet two queue pairs can have in flight
// towards each other (requests plus acknowledgements).
const simQueueDepth = 4 * MaxWR

// SimProvider is an in-process fabric. Endpoints created from the same
// provider can reach each other; nothing leaves the process.
type SimProvider struct {
	listeners map[string]*simListener
	nextAddr  int
	mu        sync.Mutex
}

// NewSimProvider creates an empty in-process fabric.
func NewSimProvider() *SimProvider {
	return &SimProvider{listeners: make(map[string]*simListener)}
}

func (p *SimProvider) Name() string { return ProviderSim }

// Listen registers a passive endpoint. An empty address picks a fresh one.
func (p *SimProvider) Listen(addr string) (PassiveEndpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if addr == "" {
		p.nextAddr++
		addr = fmt.Sprintf("sim:%d", p.nextAddr)
	}

	if _, exists := p.listeners[addr]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, addr)
	}

	l := &simListener{
		provider: p,
		addr:     addr,
		requests: make(chan *simRequest),
		done:     make(chan struct{}),
	}
	p.listeners[addr] = l

	return l, nil
}

// Dial connects to a listener and blocks until it accepts or rejects.
func (p *SimProvider) Dial(ctx context.Context, addr string, privateData uint32) (Link, error) {
	p.mu.Lock()
	l, ok := p.listeners[addr]
	p.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoListener, addr)
	}

	local, remote := newSimPair()
	req := &simRequest{
		privateData: privateData,
		link:        remote,
		reply:       make(chan error, 1),
	}

	select {
	case l.requests <- req:
	case <-l.done:
		return nil, fmt.Errorf("%w: %s", ErrNoListener, addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case err := <-req.reply:
		if err != nil {
			return nil, err
		}

		return local, nil
	case <-ctx.Done():
		local.Close()

		return nil, ctx.Err()
	}
}

func (p *SimProvider) remove(addr string) {
	p.mu.Lock()
	delete(p.listeners, addr)
	p.mu.Unlock()
}

type simListener struct {
	provider *SimProvider
	requests chan *simRequest
	done     chan struct{}
	addr     string
	once     sync.Once
}

func (l *simListener) Accept(ctx context.Context) (ConnRequest, error) {
	select {
	case req := <-l.requests:
		return req, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *simListener) Addr() string { return l.addr }

func (l *simListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.provider.remove(l.addr)
	})

	return nil
}

type simRequest struct {
	link        *simEnd
	reply       chan error
	privateData uint32
}

func (r *simRequest) PrivateData() uint32 { return r.privateData }

func (r *simRequest) Accept() (Link, error) {
	r.reply <- nil

	return r.link, nil
}

func (r *simRequest) Reject() error {
	r.reply <- ErrRejected

	return r.link.Close()
}

// simEnd is one side of an in-process link. Both ends share done.
type simEnd struct {
	peer  *simEnd
	in    chan *Packet
	done  chan struct{}
	once  *sync.Once
	start sync.Once
}

func newSimPair() (*simEnd, *simEnd) {
	done := make(chan struct{})
	once := &sync.Once{}

	a := &simEnd{in: make(chan *Packet, simQueueDepth), done: done, once: once}
	b := &simEnd{in: make(chan *Packet, simQueueDepth), done: done, once: once}
	a.peer, b.peer = b, a

	return a, b
}

func (e *simEnd) Send(p *Packet) error {
	select {
	case <-e.done:
		return ErrDisconnected
	default:
	}

	select {
	case e.peer.in <- p:
		return nil
	case <-e.done:
		return ErrDisconnected
	}
}

func (e *simEnd) Start(deliver func(*Packet)) {
	e.start.Do(func() {
		go func() {
			for {
				select {
				case p := <-e.in:
					deliver(p)
				case <-e.done:
					return
				}
			}
		}()
	})
}

func (e *simEnd) Close() error {
	e.once.Do(func() { close(e.done) })

	return nil
}

func (e *simEnd) Done() <-chan struct{} { return e.done }
