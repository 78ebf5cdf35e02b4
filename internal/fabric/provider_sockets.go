package fabric

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Sockets wire format. Every packet is a length-prefixed frame:
// [4 len][1 kind][1 flags][2 status][8 wrid][4 imm][4 rkey]
// [8 raddr][8 compare][8 swap][8 value][data].
const (
	socketsMagic      uint32 = 0x4e464153 // "NFAS"
	socketsVersion    uint16 = 1
	socketsHelloSize         = 10
	frameHeaderSize          = 52
	maxFrameSize             = 64 * 1024 * 1024
	handshakeAccepted byte   = 0
	handshakeRejected byte   = 1
)

// SocketsConfig configures the TCP provider.
type SocketsConfig struct {
	DialTimeout      time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	NoDelay          bool          `mapstructure:"no_delay" yaml:"no_delay"`
}

// DefaultSocketsConfig returns the TCP provider defaults.
func DefaultSocketsConfig() SocketsConfig {
	return SocketsConfig{
		DialTimeout:      5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		NoDelay:          true,
	}
}

// SocketsProvider carries fabric packets over TCP. One-sided operations are
// still applied by the target's queue pair, so the semantics match the
// in-process provider; only the transport differs.
type SocketsProvider struct {
	cfg SocketsConfig
}

// NewSocketsProvider creates a TCP provider. Zero timeouts take defaults.
func NewSocketsProvider(cfg SocketsConfig) *SocketsProvider {
	def := DefaultSocketsConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}

	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}

	return &SocketsProvider{cfg: cfg}
}

func (p *SocketsProvider) Name() string { return ProviderSockets }

// Listen opens a TCP passive endpoint.
func (p *SocketsProvider) Listen(addr string) (PassiveEndpoint, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sockets listen: %w", err)
	}

	l := &socketsListener{
		cfg:      p.cfg,
		ln:       ln,
		requests: make(chan *socketsRequest),
		done:     make(chan struct{}),
	}
	go l.acceptLoop()

	return l, nil
}

// Dial connects and performs the handshake carrying privateData.
func (p *SocketsProvider) Dial(ctx context.Context, addr string, privateData uint32) (Link, error) {
	d := net.Dialer{Timeout: p.cfg.DialTimeout}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sockets dial: %w", err)
	}

	p.tune(conn)

	deadline := time.Now().Add(p.cfg.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	_ = conn.SetDeadline(deadline)

	var hello [socketsHelloSize]byte
	binary.BigEndian.PutUint32(hello[0:4], socketsMagic)
	binary.BigEndian.PutUint16(hello[4:6], socketsVersion)
	binary.BigEndian.PutUint32(hello[6:10], privateData)

	if _, err := conn.Write(hello[:]); err != nil {
		conn.Close()

		return nil, fmt.Errorf("sockets handshake: %w", err)
	}

	var reply [1]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		conn.Close()

		return nil, fmt.Errorf("sockets handshake: %w", err)
	}

	if reply[0] != handshakeAccepted {
		conn.Close()

		return nil, ErrRejected
	}

	_ = conn.SetDeadline(time.Time{})

	return newSocketLink(conn), nil
}

func (p *SocketsProvider) tune(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(p.cfg.NoDelay); err != nil {
			log.Debug().Err(err).Msg("Failed to set TCP_NODELAY")
		}
	}
}

type socketsListener struct {
	ln       net.Listener
	requests chan *socketsRequest
	done     chan struct{}
	cfg      SocketsConfig
	once     sync.Once
}

func (l *socketsListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return
			}

			log.Warn().Err(err).Str("addr", l.Addr()).Msg("Sockets accept failed")

			continue
		}

		go l.handshake(conn)
	}
}

func (l *socketsListener) handshake(conn net.Conn) {
	(&SocketsProvider{cfg: l.cfg}).tune(conn)

	_ = conn.SetReadDeadline(time.Now().Add(l.cfg.HandshakeTimeout))

	var hello [socketsHelloSize]byte
	if _, err := io.ReadFull(conn, hello[:]); err != nil {
		log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Sockets handshake failed")
		conn.Close()

		return
	}

	if binary.BigEndian.Uint32(hello[0:4]) != socketsMagic || binary.BigEndian.Uint16(hello[4:6]) != socketsVersion {
		log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("Sockets handshake with unknown magic or version")
		conn.Close()

		return
	}

	_ = conn.SetReadDeadline(time.Time{})

	req := &socketsRequest{conn: conn, privateData: binary.BigEndian.Uint32(hello[6:10])}

	select {
	case l.requests <- req:
	case <-l.done:
		conn.Close()
	}
}

func (l *socketsListener) Accept(ctx context.Context) (ConnRequest, error) {
	select {
	case req := <-l.requests:
		return req, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *socketsListener) Addr() string { return l.ln.Addr().String() }

func (l *socketsListener) Close() error {
	var err error

	l.once.Do(func() {
		close(l.done)
		err = l.ln.Close()
	})

	return err
}

type socketsRequest struct {
	conn        net.Conn
	privateData uint32
}

func (r *socketsRequest) PrivateData() uint32 { return r.privateData }

func (r *socketsRequest) Accept() (Link, error) {
	if _, err := r.conn.Write([]byte{handshakeAccepted}); err != nil {
		r.conn.Close()

		return nil, fmt.Errorf("sockets accept: %w", err)
	}

	return newSocketLink(r.conn), nil
}

func (r *socketsRequest) Reject() error {
	_, err := r.conn.Write([]byte{handshakeRejected})
	r.conn.Close()

	return err
}

// socketLink is a Link over one TCP connection. The reader never blocks on
// delivery: frames are parked in a queue sized for the maximum number of
// packets two queue pairs can have in flight.
type socketLink struct {
	conn    net.Conn
	queue   chan *Packet
	done    chan struct{}
	writeMu sync.Mutex
	once    sync.Once
	start   sync.Once
	closed  atomic.Bool
}

func newSocketLink(conn net.Conn) *socketLink {
	return &socketLink{
		conn:  conn,
		queue: make(chan *Packet, simQueueDepth),
		done:  make(chan struct{}),
	}
}

func (s *socketLink) Send(p *Packet) error {
	if s.closed.Load() {
		return ErrDisconnected
	}

	buf := encodeFrame(p)

	s.writeMu.Lock()
	_, err := s.conn.Write(buf)
	s.writeMu.Unlock()

	if err != nil {
		s.Close()

		return fmt.Errorf("sockets write: %w", err)
	}

	return nil
}

func (s *socketLink) Start(deliver func(*Packet)) {
	s.start.Do(func() {
		go s.readLoop()
		go func() {
			for {
				select {
				case p := <-s.queue:
					deliver(p)
				case <-s.done:
					return
				}
			}
		}()
	})
}

func (s *socketLink) readLoop() {
	defer s.Close()

	var prefix [4]byte

	for {
		if _, err := io.ReadFull(s.conn, prefix[:]); err != nil {
			return
		}

		n := binary.BigEndian.Uint32(prefix[:])
		if n < frameHeaderSize || n > maxFrameSize {
			log.Warn().Uint32("length", n).Msg("Sockets frame length out of range")

			return
		}

		frame := make([]byte, n)
		if _, err := io.ReadFull(s.conn, frame); err != nil {
			return
		}

		select {
		case s.queue <- decodeFrame(frame):
		case <-s.done:
			return
		}
	}
}

func (s *socketLink) Close() error {
	var err error

	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
		err = s.conn.Close()
	})

	return err
}

func (s *socketLink) Done() <-chan struct{} { return s.done }

func encodeFrame(p *Packet) []byte {
	buf := make([]byte, 4+frameHeaderSize+len(p.Data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(frameHeaderSize+len(p.Data)))

	h := buf[4:]
	h[0] = byte(p.Kind)
	h[1] = p.Flags
	binary.BigEndian.PutUint16(h[2:4], uint16(p.Status))
	binary.BigEndian.PutUint64(h[4:12], p.WRID)
	binary.BigEndian.PutUint32(h[12:16], p.Imm)
	binary.BigEndian.PutUint32(h[16:20], p.RKey)
	binary.BigEndian.PutUint64(h[20:28], p.RAddr)
	binary.BigEndian.PutUint64(h[28:36], p.Compare)
	binary.BigEndian.PutUint64(h[36:44], p.Swap)
	binary.BigEndian.PutUint64(h[44:52], p.Value)
	copy(h[frameHeaderSize:], p.Data)

	return buf
}

func decodeFrame(frame []byte) *Packet {
	p := &Packet{
		Kind:    PacketKind(frame[0]),
		Flags:   frame[1],
		Status:  WCStatus(binary.BigEndian.Uint16(frame[2:4])),
		WRID:    binary.BigEndian.Uint64(frame[4:12]),
		Imm:     binary.BigEndian.Uint32(frame[12:16]),
		RKey:    binary.BigEndian.Uint32(frame[16:20]),
		RAddr:   binary.BigEndian.Uint64(frame[20:28]),
		Compare: binary.BigEndian.Uint64(frame[28:36]),
		Swap:    binary.BigEndian.Uint64(frame[36:44]),
		Value:   binary.BigEndian.Uint64(frame[44:52]),
	}

	if len(frame) > frameHeaderSize {
		p.Data = frame[frameHeaderSize:]
	}

	return p
}
