package fabric

import (
	"context"
	"fmt"
	"strings"
)

// PacketKind identifies a fabric packet.
type PacketKind uint8

const (
	PacketSend PacketKind = iota + 1
	PacketWrite
	PacketWriteImm
	PacketCompareSwap
	PacketFetchAdd
	PacketAck
)

// Packet flags.
const (
	PacketFlagSolicited uint8 = 1 << iota
	PacketFlagImm
)

// Packet is the unit a Link carries between two queue pairs. Requests flow
// from initiator to target; every request is answered with a PacketAck
// carrying the same WRID.
type Packet struct {
	Data    []byte
	WRID    uint64
	RAddr   uint64
	Compare uint64
	Swap    uint64
	Value   uint64
	Imm     uint32
	RKey    uint32
	Status  WCStatus
	Kind    PacketKind
	Flags   uint8
}

// Link is an ordered, reliable packet pipe between two queue pairs.
type Link interface {
	// Send queues p for delivery to the peer.
	Send(p *Packet) error
	// Start begins delivering inbound packets to deliver, in order, from a
	// single goroutine. Packets that arrive earlier are held.
	Start(deliver func(*Packet))
	// Close tears the link down on both sides.
	Close() error
	// Done is closed once the link is down.
	Done() <-chan struct{}
}

// ConnRequest is an inbound connection awaiting a decision.
type ConnRequest interface {
	PrivateData() uint32
	Accept() (Link, error)
	Reject() error
}

// PassiveEndpoint produces inbound connection requests.
type PassiveEndpoint interface {
	Accept(ctx context.Context) (ConnRequest, error)
	Addr() string
	Close() error
}

// Provider is a fabric backend. Connection, RecvQueue and everything built on
// them are written against this interface only.
type Provider interface {
	Name() string
	Listen(addr string) (PassiveEndpoint, error)
	Dial(ctx context.Context, addr string, privateData uint32) (Link, error)
}

// Provider names.
const (
	ProviderSim     = "sim"
	ProviderSockets = "sockets"
)

// NewProvider constructs a backend by name.
func NewProvider(name string, cfg SocketsConfig) (Provider, error) {
	switch strings.ToLower(name) {
	case ProviderSim:
		return NewSimProvider(), nil
	case ProviderSockets, "tcp":
		return NewSocketsProvider(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
}
