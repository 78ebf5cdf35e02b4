// Package shutdown stops a NebulaFaaS daemon in ordered phases:
//
//  1. draining: wait for connected clients to finish their invocations
//  2. workers: stop executor workers and lease bookkeeping loops
//  3. http_servers: shut the admin and metrics servers down concurrently
//  4. fabric: close listeners and connection tables
//  5. store: close the lease store
//
// Each phase has its own deadline inside an overall one. A component that
// misses its deadline is recorded as an error and the sequence moves on.
package shutdown

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase represents a shutdown phase.
type Phase string

// Shutdown phases in order of execution.
const (
	PhaseNone           Phase = "none"
	PhaseDraining       Phase = "draining"
	PhaseWorkers        Phase = "workers"
	PhaseHTTPServers    Phase = "http_servers"
	PhaseFabric         Phase = "fabric"
	PhaseStore          Phase = "store"
	PhaseComplete       Phase = "complete"
	PhaseForcedShutdown Phase = "forced_shutdown"
)

// Config holds shutdown deadlines.
type Config struct {
	TotalTimeout  time.Duration `mapstructure:"total_timeout" yaml:"total_timeout"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	WorkerTimeout time.Duration `mapstructure:"worker_timeout" yaml:"worker_timeout"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout" yaml:"http_timeout"`
	FabricTimeout time.Duration `mapstructure:"fabric_timeout" yaml:"fabric_timeout"`
	StoreTimeout  time.Duration `mapstructure:"store_timeout" yaml:"store_timeout"`

	// ForceTimeout is added to TotalTimeout before the phase is reported
	// as forced.
	ForceTimeout time.Duration `mapstructure:"force_timeout" yaml:"force_timeout"`
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:  30 * time.Second,
		DrainTimeout:  10 * time.Second,
		WorkerTimeout: 10 * time.Second,
		HTTPTimeout:   10 * time.Second,
		FabricTimeout: 5 * time.Second,
		StoreTimeout:  10 * time.Second,
		ForceTimeout:  5 * time.Second,
	}
}

// Component is anything with a name for logging.
type Component interface {
	Name() string
}

// Closeable is a component released with Close.
type Closeable interface {
	Component
	Close() error
}

// Stoppable is a component released with Stop.
type Stoppable interface {
	Component
	Stop() error
}

type namedFunc struct {
	name string
	fn   func() error
}

func (n namedFunc) Name() string { return n.name }
func (n namedFunc) Stop() error  { return n.fn() }
func (n namedFunc) Close() error { return n.fn() }

// StopFunc adapts fn into a named Stoppable.
func StopFunc(name string, fn func() error) Stoppable { return namedFunc{name: name, fn: fn} }

// CloseFunc adapts fn into a named Closeable.
func CloseFunc(name string, fn func() error) Closeable { return namedFunc{name: name, fn: fn} }

// ShutdownHook runs at the start of the phase it is registered for.
type ShutdownHook func(ctx context.Context) error

// HTTPServerShutdown wraps an HTTP server for shutdown.
type HTTPServerShutdown interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// InFlightTracker reports work that should finish before workers stop.
type InFlightTracker interface {
	InFlightCount() int64
	WaitForDrain(ctx context.Context) error
}

// ShutdownComponents lists what a daemon hands to the coordinator.
type ShutdownComponents struct {
	InFlightTracker InFlightTracker
	Workers         []Stoppable
	HTTPServers     []HTTPServerShutdown
	Fabric          []Closeable
	Store           Closeable
}

// Coordinator runs the shutdown sequence once.
type Coordinator struct {
	config   Config
	mu       sync.RWMutex
	phase    Phase
	started  time.Time
	errors   []error
	hooks    map[Phase][]ShutdownHook
	doneCh   chan struct{}
	shutdown atomic.Bool
}

// NewCoordinator creates a new shutdown coordinator with the given configuration.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		config: cfg,
		phase:  PhaseNone,
		hooks:  make(map[Phase][]ShutdownHook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook registers a shutdown hook for a specific phase.
func (c *Coordinator) RegisterHook(phase Phase, hook ShutdownHook) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hooks[phase] = append(c.hooks[phase], hook)
}

// Phase returns the current shutdown phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// IsShuttingDown returns true if shutdown has been initiated.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shutdown.Load()
}

// Done is closed when the sequence finishes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Errors returns the errors collected so far, in the order they happened.
func (c *Coordinator) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]error{}, c.errors...)
}

type step struct {
	phase   Phase
	timeout time.Duration
	run     func(ctx context.Context, components ShutdownComponents)
}

func (c *Coordinator) steps() []step {
	return []step{
		{PhaseDraining, c.config.DrainTimeout, c.drain},
		{PhaseWorkers, c.config.WorkerTimeout, c.stopWorkers},
		{PhaseHTTPServers, c.config.HTTPTimeout, c.stopHTTPServers},
		{PhaseFabric, c.config.FabricTimeout, c.closeFabric},
		{PhaseStore, c.config.StoreTimeout, c.closeStore},
	}
}

// Shutdown runs every phase once. Later calls return immediately. Component
// failures are collected in Errors and never abort the sequence.
func (c *Coordinator) Shutdown(ctx context.Context, components ShutdownComponents) error {
	if !c.shutdown.CompareAndSwap(false, true) {
		log.Warn().Msg("Shutdown already in progress")
		return nil
	}

	c.started = time.Now()
	log.Info().Msg("Initiating graceful shutdown")

	ctx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	go c.watchForceTimeout(ctx)

	for _, s := range c.steps() {
		begin := time.Now()

		c.setPhase(s.phase)
		c.runHooks(ctx, s.phase)

		phaseCtx, phaseCancel := context.WithTimeout(ctx, s.timeout)
		s.run(phaseCtx, components)
		phaseCancel()

		observePhaseDuration(s.phase, time.Since(begin))
	}

	c.setPhase(PhaseComplete)
	close(c.doneCh)

	duration := time.Since(c.started)
	shutdownDuration.Set(duration.Seconds())

	if errs := c.Errors(); len(errs) > 0 {
		log.Warn().Int("error_count", len(errs)).Dur("duration", duration).Msg("Shutdown completed with errors")
	} else {
		log.Info().Dur("duration", duration).Msg("Shutdown completed")
	}

	return nil
}

func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	previous := c.phase
	c.phase = phase
	c.mu.Unlock()

	log.Info().
		Str("from_phase", string(previous)).
		Str("to_phase", string(phase)).
		Dur("elapsed", time.Since(c.started)).
		Msg("Shutdown phase transition")

	observePhase(phase)
}

func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()
}

func (c *Coordinator) runHooks(ctx context.Context, phase Phase) {
	c.mu.RLock()
	hooks := c.hooks[phase]
	c.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			log.Error().Err(err).Str("phase", string(phase)).Msg("Shutdown hook failed")
			c.addError(err)
		}
	}
}

func (c *Coordinator) watchForceTimeout(ctx context.Context) {
	deadline := c.config.TotalTimeout + c.config.ForceTimeout
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-timer.C:
		c.setPhase(PhaseForcedShutdown)
		log.Warn().Dur("timeout", deadline).Msg("Force timeout reached, forcing shutdown")
	case <-c.doneCh:
	case <-ctx.Done():
	}
}

func (c *Coordinator) drain(ctx context.Context, components ShutdownComponents) {
	tracker := components.InFlightTracker
	if tracker == nil {
		return
	}

	inFlight := tracker.InFlightCount()
	drainingClients.Set(float64(inFlight))
	defer drainingClients.Set(0)

	if inFlight == 0 {
		return
	}

	log.Info().Int64("in_flight", inFlight).Msg("Waiting for clients to finish")

	if err := tracker.WaitForDrain(ctx); err != nil {
		log.Warn().Err(err).Int64("remaining", tracker.InFlightCount()).Msg("Drain timeout, proceeding with shutdown")
		c.addError(err)
	}
}

func (c *Coordinator) stopWorkers(ctx context.Context, components ShutdownComponents) {
	for _, w := range components.Workers {
		c.stopComponent(ctx, PhaseWorkers, w.Name(), w.Stop)
	}
}

func (c *Coordinator) stopHTTPServers(ctx context.Context, components ShutdownComponents) {
	var wg sync.WaitGroup

	for _, srv := range components.HTTPServers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := srv.Shutdown(ctx)
			observeComponent(PhaseHTTPServers, err)

			if err != nil {
				log.Error().Err(err).Str("server", srv.Name()).Msg("Error shutting down HTTP server")
				c.addError(fmt.Errorf("%s: %w", srv.Name(), err))

				return
			}

			log.Info().Str("server", srv.Name()).Msg("HTTP server shutdown complete")
		}()
	}

	wg.Wait()
}

func (c *Coordinator) closeFabric(ctx context.Context, components ShutdownComponents) {
	for _, f := range components.Fabric {
		c.stopComponent(ctx, PhaseFabric, f.Name(), f.Close)
	}
}

func (c *Coordinator) closeStore(ctx context.Context, components ShutdownComponents) {
	if components.Store != nil {
		c.stopComponent(ctx, PhaseStore, components.Store.Name(), components.Store.Close)
	}
}

// stopComponent runs stop in the background so a hung component only costs
// the phase timeout.
func (c *Coordinator) stopComponent(ctx context.Context, phase Phase, name string, stop func() error) {
	done := make(chan error, 1)

	go func() {
		done <- stop()
	}()

	var err error

	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("timed out: %w", ctx.Err())
	}

	observeComponent(phase, err)

	if err != nil {
		log.Error().Err(err).Str("component", name).Msg("Error stopping component")
		c.addError(fmt.Errorf("%s: %w", name, err))

		return
	}

	log.Info().Str("component", name).Msg("Component stopped")
}
