package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/nebulafaas/internal/fabric"
	"github.com/piwi3910/nebulafaas/internal/metrics"
	"github.com/piwi3910/nebulafaas/internal/protocol"
)

// Default executor sizing.
const (
	DefaultInputSize  = 1 << 20
	DefaultOutputSize = 1 << 20
	DefaultRecvDepth  = 64
)

const drainPollInterval = 10 * time.Millisecond

// Config configures an executor server.
type Config struct {
	// Address is the fabric address to listen on.
	Address string
	// Cores lists the CPUs handed out to connections, one per connection.
	Cores []int
	// HotTimeout, Repetitions and PinThreads configure every worker.
	HotTimeout  time.Duration
	Repetitions uint64
	PinThreads  bool
	// InputSize and OutputSize size each worker's payload regions.
	InputSize  int
	OutputSize int
	// RecvDepth is the number of receives each worker keeps posted.
	RecvDepth int
	// LeaseManager is the lease manager's fabric address. Empty disables
	// accounting.
	LeaseManager string
	// QP configures accepted connections.
	QP fabric.QPConfig
}

type sinkRef struct {
	sink *FabricSink
	refs int
}

// Server accepts client connections and runs one pinned worker per
// connection.
type Server struct {
	cfg       Config
	provider  fabric.Provider
	functions *FunctionTable
	pd        *fabric.ProtectionDomain
	listener  *fabric.Listener
	group     *errgroup.Group
	cancel    context.CancelFunc

	free    []int
	sinks   map[uint32]*sinkRef
	workers map[*Worker]struct{}
	mu      sync.Mutex
	sinkMu  sync.Mutex
	stop    sync.Once
}

// NewServer creates a server. Zero sizes take defaults.
func NewServer(cfg Config, provider fabric.Provider, functions *FunctionTable) (*Server, error) {
	if len(cfg.Cores) == 0 {
		return nil, fmt.Errorf("%w: executor needs at least one core", fabric.ErrInvalidConfig)
	}

	if cfg.InputSize <= 0 {
		cfg.InputSize = DefaultInputSize
	}

	if cfg.OutputSize <= 0 {
		cfg.OutputSize = DefaultOutputSize
	}

	if cfg.RecvDepth <= 0 {
		cfg.RecvDepth = DefaultRecvDepth
	}

	cfg.QP.EventChannel = true
	cfg.QP.SendCQ, cfg.QP.RecvCQ = nil, nil

	return &Server{
		cfg:       cfg,
		provider:  provider,
		functions: functions,
		pd:        fabric.NewProtectionDomain(),
		free:      append([]int(nil), cfg.Cores...),
		sinks:     make(map[uint32]*sinkRef),
		workers:   make(map[*Worker]struct{}),
	}, nil
}

// Start listens and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	ln, err := fabric.Listen(s.provider, s.cfg.Address, s.pd, s.cfg.QP)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}

	s.listener = ln

	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)

	s.group.Go(func() error { return s.acceptLoop(ctx) })

	log.Info().
		Str("address", ln.Addr()).
		Str("provider", s.provider.Name()).
		Int("cores", len(s.cfg.Cores)).
		Strs("functions", s.functions.Names()).
		Msg("Executor listening")

	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string { return s.listener.Addr() }

// Workers returns the number of running workers.
func (s *Server) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.workers)
}

// FreeCores returns the number of cores not bound to a connection.
func (s *Server) FreeCores() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.free)
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, fabric.ErrClosed) {
				return nil
			}

			log.Warn().Err(err).Msg("Failed to accept fabric connection")

			continue
		}

		s.group.Go(func() error {
			if err := s.serve(ctx, conn); err != nil {
				log.Warn().Err(err).Uint32("private_data", conn.PrivateData()).Msg("Client connection failed")
			}

			return nil
		})
	}
}

func (s *Server) serve(ctx context.Context, conn *fabric.Connection) error {
	defer conn.Close()

	privateData := conn.PrivateData()
	if privateData == protocol.InitialContact {
		return ErrInitialContact
	}

	core, ok := s.allocCore()
	if !ok {
		return ErrNoFreeCores
	}

	defer s.freeCore(core)

	sink, err := s.acquireSink(ctx, privateData)
	if err != nil {
		return err
	}

	defer s.releaseSink(privateData)

	var acctSink AccountingSink
	if sink != nil {
		acctSink = sink
	}

	input, err := fabric.NewBuffer(s.cfg.InputSize, 1, protocol.HeaderSize)
	if err != nil {
		return err
	}

	defer input.Close()

	output, err := fabric.NewBuffer(s.cfg.OutputSize, 1, 0)
	if err != nil {
		return err
	}

	defer output.Close()

	setup, err := fabric.NewBuffer(protocol.SetupMessageSize, 1, 0)
	if err != nil {
		return err
	}

	defer setup.Close()

	if err := input.Register(s.pd, fabric.AccessLocalWrite|fabric.AccessRemoteWrite); err != nil {
		return err
	}

	if err := output.Register(s.pd, fabric.AccessLocalWrite); err != nil {
		return err
	}

	if err := setup.Register(s.pd, fabric.AccessLocalWrite); err != nil {
		return err
	}

	// Connection closes before the deferred buffer closes run.
	defer conn.Close()

	w, err := NewWorker(conn, input, output, s.functions, NewAccounting(acctSink), WorkerConfig{
		HotTimeout:  s.cfg.HotTimeout,
		Repetitions: s.cfg.Repetitions,
		RecvDepth:   s.cfg.RecvDepth,
		Core:        core,
		Pin:         s.cfg.PinThreads,
	})
	if err != nil {
		return err
	}

	if err := conn.Establish(); err != nil {
		return err
	}

	if err := protocol.SendSetup(ctx, conn, setup, protocol.Setup{
		Remote:    input.Remote(),
		Functions: s.functions.Names(),
	}); err != nil {
		return err
	}

	lease, _ := protocol.DecodePrivateData(privateData)

	log.Info().
		Uint16("lease", lease).
		Int("core", core).
		Uint32("qp_num", conn.QPNum()).
		Msg("Client connected")

	metrics.ConnectionOpened("worker")
	defer metrics.ConnectionClosed("worker")

	s.track(w, true)
	defer s.track(w, false)

	return w.Run(ctx)
}

func (s *Server) track(w *Worker, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if running {
		s.workers[w] = struct{}{}
	} else {
		delete(s.workers, w)
	}
}

func (s *Server) allocCore() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.free) == 0 {
		return 0, false
	}

	core := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]

	return core, true
}

func (s *Server) freeCore(core int) {
	s.mu.Lock()
	s.free = append(s.free, core)
	s.mu.Unlock()
}

// acquireSink returns the lease's accounting sink, dialing the lease manager
// on first use. It returns nil when accounting is disabled.
func (s *Server) acquireSink(ctx context.Context, privateData uint32) (*FabricSink, error) {
	if s.cfg.LeaseManager == "" {
		return nil, nil
	}

	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	ref, ok := s.sinks[privateData]
	if ok {
		select {
		case <-ref.sink.Done():
		default:
			ref.refs++

			return ref.sink, nil
		}
	}

	sink, err := DialSink(ctx, s.provider, s.cfg.LeaseManager, privateData)
	if err != nil {
		return nil, err
	}

	if ok {
		// Workers still holding the dropped sink release through the new entry.
		ref.sink.Close()
		ref.sink = sink
		ref.refs++
	} else {
		s.sinks[privateData] = &sinkRef{sink: sink, refs: 1}
	}

	return sink, nil
}

func (s *Server) releaseSink(privateData uint32) {
	if s.cfg.LeaseManager == "" {
		return
	}

	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	ref, ok := s.sinks[privateData]
	if !ok {
		return
	}

	ref.refs--
	if ref.refs > 0 {
		return
	}

	delete(s.sinks, privateData)
	ref.sink.Close()
}

// InFlightCount returns the number of connected clients.
func (s *Server) InFlightCount() int64 { return int64(s.Workers()) }

// WaitForDrain waits until every client has disconnected.
func (s *Server) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for s.Workers() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	return nil
}

// Wait blocks until the server has stopped.
func (s *Server) Wait() error {
	return s.group.Wait()
}

// Stop closes the listener, stops every worker and waits for them.
func (s *Server) Stop() error {
	var err error

	s.stop.Do(func() {
		if s.listener == nil {
			return
		}

		s.cancel()
		s.listener.Close()

		err = s.group.Wait()

		s.sinkMu.Lock()
		for key, ref := range s.sinks {
			ref.sink.Close()
			delete(s.sinks, key)
		}
		s.sinkMu.Unlock()

		log.Info().Msg("Executor stopped")
	})

	return err
}
