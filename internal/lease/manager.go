// Package lease hands out executor cores to clients and collects the
// accounting executors report for them.
//
// Each active lease owns one counter slot in a registered buffer. Executors
// connect with the lease's id and secret as private data and fetch-and-add
// polling and execution time straight into that slot; the manager persists
// the totals periodically and on release.
package lease

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/nebulafaas/internal/fabric"
	"github.com/piwi3910/nebulafaas/internal/health"
	"github.com/piwi3910/nebulafaas/internal/metrics"
	"github.com/piwi3910/nebulafaas/internal/protocol"
)

// Manager defaults.
const (
	DefaultSyncInterval = 5 * time.Second
	DefaultMaxLeases    = 1024
)

// ExecutorConfig describes one executor in the pool.
type ExecutorConfig struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Address string `mapstructure:"address" yaml:"address"`
	Cores   int    `mapstructure:"cores" yaml:"cores"`
}

// Config configures a Manager.
type Config struct {
	// FabricAddress is where executors connect to report accounting.
	FabricAddress string
	// SyncInterval is how often live counters are persisted.
	SyncInterval time.Duration
	// MaxLeases bounds concurrently active leases.
	MaxLeases int
	Executors []ExecutorConfig
	QP        fabric.QPConfig
}

// CreateRequest asks for a lease.
type CreateRequest struct {
	Client   string `json:"client"`
	Executor string `json:"executor,omitempty"`
	Cores    int    `json:"cores"`
}

type executorState struct {
	cfg  ExecutorConfig
	free int
}

// activeLease is a lease holding cores. The persisted totals are base plus
// the live counters.
type activeLease struct {
	lease    *Lease
	slot     int
	hotBase  uint64
	execBase uint64
	conns    int
}

// Manager owns the executor pool and the active leases.
type Manager struct {
	cfg      Config
	store    *Store
	provider fabric.Provider
	pd       *fabric.ProtectionDomain
	counters *fabric.Buffer
	conns    *fabric.ConnectionTable
	listener *fabric.Listener
	group    *errgroup.Group
	cancel   context.CancelFunc

	executors []*executorState
	byName    map[string]*executorState
	active    map[uint16]*activeLease
	slots     []int
	mu        sync.Mutex
	stop      sync.Once
}

// NewManager builds a manager over store and restores active leases from
// it. Restored leases are detached until their executors reconnect.
func NewManager(ctx context.Context, cfg Config, store *Store, provider fabric.Provider) (*Manager, error) {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}

	if cfg.MaxLeases <= 0 {
		cfg.MaxLeases = DefaultMaxLeases
	}

	m := &Manager{
		cfg:      cfg,
		store:    store,
		provider: provider,
		pd:       fabric.NewProtectionDomain(),
		conns:    fabric.NewConnectionTable(),
		byName:   make(map[string]*executorState, len(cfg.Executors)),
		active:   make(map[uint16]*activeLease),
	}

	for _, e := range cfg.Executors {
		if e.Name == "" || e.Address == "" || e.Cores <= 0 {
			return nil, fmt.Errorf("%w: executor %q needs a name, an address and cores", fabric.ErrInvalidConfig, e.Name)
		}

		if _, dup := m.byName[e.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate executor %q", fabric.ErrInvalidConfig, e.Name)
		}

		state := &executorState{cfg: e, free: e.Cores}
		m.executors = append(m.executors, state)
		m.byName[e.Name] = state
	}

	counters, err := fabric.NewBuffer(cfg.MaxLeases, protocol.AccountingRecordSize, 0)
	if err != nil {
		return nil, err
	}

	if err := counters.Register(m.pd, fabric.AccessLocalWrite|fabric.AccessRemoteAtomic); err != nil {
		counters.Close()

		return nil, err
	}

	m.counters = counters

	for slot := cfg.MaxLeases - 1; slot >= 0; slot-- {
		m.slots = append(m.slots, slot)
	}

	if err := m.restore(ctx); err != nil {
		counters.Close()

		return nil, err
	}

	return m, nil
}

func (m *Manager) restore(ctx context.Context) error {
	leases, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load leases: %w", err)
	}

	for _, l := range leases {
		if !l.Active() {
			continue
		}

		e, ok := m.byName[l.Executor]
		if !ok || len(m.slots) == 0 {
			log.Warn().Uint16("lease", l.ID).Str("executor", l.Executor).Msg("Releasing lease that can no longer be served")

			now := time.Now()
			l.State, l.ReleasedAt = StateReleased, &now

			if err := m.store.Put(ctx, l); err != nil {
				return err
			}

			continue
		}

		e.free -= l.Cores
		l.Detached = true

		m.active[l.ID] = &activeLease{
			lease:    l,
			slot:     m.takeSlot(),
			hotBase:  l.HotPollingNs,
			execBase: l.ExecutionNs,
		}
	}

	metrics.LeasesActive.Set(float64(len(m.active)))

	if len(m.active) > 0 {
		log.Info().Int("leases", len(m.active)).Msg("Restored active leases")
	}

	return nil
}

// takeSlot pops a zeroed counter slot. The caller holds mu and has checked
// that one is free.
func (m *Manager) takeSlot() int {
	slot := m.slots[len(m.slots)-1]
	m.slots = m.slots[:len(m.slots)-1]

	m.counters.SwapUint64(m.offset(slot, protocol.AccountingHotOffset), 0)
	m.counters.SwapUint64(m.offset(slot, protocol.AccountingExecOffset), 0)

	return slot
}

func (m *Manager) offset(slot, field int) int {
	return slot*protocol.AccountingRecordSize + field
}

// snapshot copies a's lease with the live counters folded in. The caller
// holds mu.
func (m *Manager) snapshot(a *activeLease) *Lease {
	l := *a.lease
	l.HotPollingNs = a.hotBase + m.counters.LoadUint64(m.offset(a.slot, protocol.AccountingHotOffset))
	l.ExecutionNs = a.execBase + m.counters.LoadUint64(m.offset(a.slot, protocol.AccountingExecOffset))

	return &l
}

// Create reserves cores for a client.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Lease, error) {
	if req.Cores <= 0 {
		return nil, fmt.Errorf("%w: cores must be positive", ErrInvalidRequest)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.pick(req)
	if err != nil {
		return nil, err
	}

	if len(m.slots) == 0 {
		return nil, ErrTooManyLeases
	}

	id, err := m.allocateID(ctx)
	if err != nil {
		return nil, err
	}

	l := &Lease{
		ID:              id,
		Secret:          uint16(rand.N(0xffff)) + 1,
		Token:           uuid.New(),
		Client:          req.Client,
		Cores:           req.Cores,
		Executor:        e.cfg.Name,
		ExecutorAddress: e.cfg.Address,
		CreatedAt:       time.Now().UTC(),
		State:           StateActive,
		Detached:        true,
	}

	if err := m.store.Put(ctx, l); err != nil {
		return nil, fmt.Errorf("failed to persist lease: %w", err)
	}

	e.free -= req.Cores

	a := &activeLease{lease: l, slot: m.takeSlot()}
	m.active[id] = a

	metrics.LeasesActive.Inc()

	log.Info().
		Uint16("lease", id).
		Str("client", req.Client).
		Str("executor", e.cfg.Name).
		Int("cores", req.Cores).
		Msg("Lease created")

	return m.snapshot(a), nil
}

// pick chooses the executor with the most free cores that fits req.
func (m *Manager) pick(req CreateRequest) (*executorState, error) {
	if req.Executor != "" {
		e, ok := m.byName[req.Executor]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownExecutor, req.Executor)
		}

		if e.free < req.Cores {
			return nil, fmt.Errorf("%w: %s has %d free", ErrNoCapacity, e.cfg.Name, e.free)
		}

		return e, nil
	}

	var best *executorState

	for _, e := range m.executors {
		if e.free >= req.Cores && (best == nil || e.free > best.free) {
			best = e
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: %d requested", ErrNoCapacity, req.Cores)
	}

	return best, nil
}

func (m *Manager) allocateID(ctx context.Context) (uint16, error) {
	for range 1 << 16 {
		id, err := m.store.NextID(ctx)
		if err != nil {
			return 0, err
		}

		if _, busy := m.active[id]; !busy {
			return id, nil
		}
	}

	return 0, ErrTooManyLeases
}

// Release frees a lease's cores, disconnects its accounting connections and
// persists the final counters.
func (m *Manager) Release(ctx context.Context, id uint16) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.active[id]
	if !ok {
		l, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		if !l.Active() {
			return nil, ErrAlreadyReleased
		}

		return nil, ErrNotFound
	}

	m.disconnect(id)

	final := m.snapshot(a)
	now := time.Now().UTC()
	final.State, final.ReleasedAt, final.Detached = StateReleased, &now, true

	if err := m.store.Put(ctx, final); err != nil {
		return nil, fmt.Errorf("failed to persist lease: %w", err)
	}

	if e, ok := m.byName[final.Executor]; ok {
		e.free += final.Cores
	}

	delete(m.active, id)
	m.slots = append(m.slots, a.slot)

	metrics.LeasesActive.Dec()

	log.Info().
		Uint16("lease", id).
		Uint64("hot_polling_ns", final.HotPollingNs).
		Uint64("execution_ns", final.ExecutionNs).
		Msg("Lease released")

	return final, nil
}

// disconnect closes every accounting connection of lease id.
func (m *Manager) disconnect(id uint16) {
	var handles []fabric.Handle

	m.conns.Range(func(h fabric.Handle, c *fabric.Connection) bool {
		if lease, _ := protocol.DecodePrivateData(c.PrivateData()); lease == id {
			handles = append(handles, h)
		}

		return true
	})

	for _, h := range handles {
		if c, ok := m.conns.Remove(h); ok {
			c.Close()
			metrics.ConnectionClosed("accounting")
		}
	}
}

// Get returns lease id with live counters.
func (m *Manager) Get(ctx context.Context, id uint16) (*Lease, error) {
	m.mu.Lock()
	if a, ok := m.active[id]; ok {
		l := m.snapshot(a)
		m.mu.Unlock()

		return l, nil
	}
	m.mu.Unlock()

	return m.store.Get(ctx, id)
}

// List returns every lease, active ones with live counters.
func (m *Manager) List(ctx context.Context) ([]*Lease, error) {
	stored, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, l := range stored {
		if a, ok := m.active[l.ID]; ok {
			stored[k] = m.snapshot(a)
		}
	}

	sort.Slice(stored, func(i, j int) bool { return stored[i].ID < stored[j].ID })

	return stored, nil
}

// FreeCores returns the free cores per executor.
func (m *Manager) FreeCores() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	free := make(map[string]int, len(m.executors))
	for _, e := range m.executors {
		free[e.cfg.Name] = e.free
	}

	return free
}

// Sync persists the live counters of every active lease.
func (m *Manager) Sync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	for _, a := range m.active {
		if err := m.store.Put(ctx, m.snapshot(a)); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Start listens for executor accounting connections and starts the sync
// loop.
func (m *Manager) Start(ctx context.Context) error {
	ln, err := fabric.Listen(m.provider, m.cfg.FabricAddress, m.pd, m.cfg.QP)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.FabricAddress, err)
	}

	m.listener = ln

	ctx, m.cancel = context.WithCancel(ctx)
	m.group, ctx = errgroup.WithContext(ctx)

	m.group.Go(func() error { return m.acceptLoop(ctx) })
	m.group.Go(func() error { return m.syncLoop(ctx) })

	log.Info().
		Str("address", ln.Addr()).
		Str("provider", m.provider.Name()).
		Int("executors", len(m.executors)).
		Dur("sync_interval", m.cfg.SyncInterval).
		Msg("Lease manager listening")

	return nil
}

// Addr returns the fabric listening address.
func (m *Manager) Addr() string { return m.listener.Addr() }

func (m *Manager) acceptLoop(ctx context.Context) error {
	for {
		conn, err := m.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, fabric.ErrClosed) {
				return nil
			}

			log.Warn().Err(err).Msg("Failed to accept accounting connection")

			continue
		}

		m.group.Go(func() error {
			if err := m.serve(ctx, conn); err != nil {
				conn.Close()
				log.Warn().Err(err).Uint32("private_data", conn.PrivateData()).Msg("Accounting connection refused")
			}

			return nil
		})
	}
}

func (m *Manager) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Sync(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to persist lease counters")
			}
		}
	}
}

// serve attaches an executor accounting connection to its lease.
func (m *Manager) serve(ctx context.Context, conn *fabric.Connection) error {
	privateData := conn.PrivateData()
	if privateData == protocol.InitialContact {
		return fmt.Errorf("%w: initial contact", ErrBadCredentials)
	}

	id, secret := protocol.DecodePrivateData(privateData)

	m.mu.Lock()
	a, ok := m.active[id]
	if !ok || a.lease.Secret != secret {
		m.mu.Unlock()

		return fmt.Errorf("%w: lease %d", ErrBadCredentials, id)
	}

	remote := m.counters.Remote().Offset(uint32(a.slot * protocol.AccountingRecordSize))
	remote.Size = protocol.AccountingRecordSize
	m.mu.Unlock()

	setup, err := fabric.NewBuffer(protocol.SetupMessageSize, 1, 0)
	if err != nil {
		return err
	}

	defer setup.Close()

	if err := setup.Register(m.pd, fabric.AccessLocalWrite); err != nil {
		return err
	}

	if err := conn.Establish(); err != nil {
		return err
	}

	if err := protocol.SendSetup(ctx, conn, setup, protocol.Setup{Remote: remote}); err != nil {
		return err
	}

	h, err := m.conns.Insert(conn)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if a, ok = m.active[id]; !ok {
		m.mu.Unlock()
		m.conns.Remove(h)

		return fmt.Errorf("%w: lease %d released during setup", ErrNotFound, id)
	}

	a.conns++
	a.lease.Detached = false
	m.mu.Unlock()

	metrics.ConnectionOpened("accounting")

	conn.OnStatusChange(func(_, to fabric.Status) {
		if to == fabric.StatusDisconnected {
			go m.detach(id, h)
		}
	})

	if !conn.Established() {
		m.detach(id, h)
	}

	log.Info().Uint16("lease", id).Uint32("qp_num", conn.QPNum()).Msg("Executor accounting attached")

	return nil
}

// detach drops a lost accounting connection. A lease with no connections
// left is marked detached.
func (m *Manager) detach(id uint16, h fabric.Handle) {
	c, ok := m.conns.Remove(h)
	if !ok {
		return
	}

	c.Close()
	metrics.ConnectionClosed("accounting")

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.active[id]
	if !ok {
		return
	}

	a.conns--
	if a.conns == 0 {
		a.lease.Detached = true

		log.Warn().Uint16("lease", id).Str("executor", a.lease.Executor).Msg("Executor accounting detached")
	}
}

// Check reports the store and listener for health checks.
func (m *Manager) Check(ctx context.Context) health.Check {
	if err := m.store.Ping(ctx); err != nil {
		return health.Unhealthy(err)
	}

	return health.Healthy(fmt.Sprintf("%d active leases", m.Active()))
}

// Active returns the number of active leases.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.active)
}

// Name identifies the manager in shutdown logs.
func (m *Manager) Name() string { return "lease_manager" }

// Stop closes the listener and accounting connections, then persists the
// final counters. The store stays open.
func (m *Manager) Stop() error {
	var err error

	m.stop.Do(func() {
		if m.listener != nil {
			m.cancel()
			m.listener.Close()
			err = m.group.Wait()
		}

		m.conns.Range(func(h fabric.Handle, _ *fabric.Connection) bool {
			if c, ok := m.conns.Remove(h); ok {
				c.Close()
				metrics.ConnectionClosed("accounting")
			}

			return true
		})

		if syncErr := m.Sync(context.Background()); syncErr != nil && err == nil {
			err = syncErr
		}

		m.counters.Close()

		log.Info().Msg("Lease manager stopped")
	})

	return err
}
