// Package server assembles the NebulaFaaS processes: an executor node and a
// lease manager node, each with its HTTP surface and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/nebulafaas/internal/config"
	"github.com/piwi3910/nebulafaas/internal/executor"
	"github.com/piwi3910/nebulafaas/internal/fabric"
	"github.com/piwi3910/nebulafaas/internal/hardware"
	"github.com/piwi3910/nebulafaas/internal/health"
	"github.com/piwi3910/nebulafaas/internal/lease"
	"github.com/piwi3910/nebulafaas/internal/metrics"
	"github.com/piwi3910/nebulafaas/internal/shutdown"
)

// Version is the current version of NebulaFaaS
const Version = "0.1.0"

// ErrNoCores is returned when neither config nor hardware yields a core.
var ErrNoCores = errors.New("no cores available for workers")

// httpServer is an http.Server bound to its listener before Start returns so
// callers can read the resolved address.
type httpServer struct {
	*http.Server
	name string
	ln   net.Listener
}

func newHTTPServer(name string, port int, handler http.Handler) *httpServer {
	return &httpServer{
		name: name,
		Server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

func (s *httpServer) Name() string { return s.name }

func (s *httpServer) listen() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("%s listen on %s: %w", s.name, s.Addr, err)
	}

	s.ln = ln

	return nil
}

func (s *httpServer) serve() error {
	if err := s.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s error: %w", s.name, err)
	}

	return nil
}

func (s *httpServer) address() string {
	if s.ln == nil {
		return ""
	}

	return s.ln.Addr().String()
}

// ExecutorNode runs an executor server plus its metrics endpoint.
type ExecutorNode struct {
	cfg         *config.Config
	detector    *hardware.Detector
	functions   *executor.FunctionTable
	loader      *executor.WASMLoader
	executor    *executor.Server
	checker     *health.Checker
	metrics     *httpServer
	coordinator *shutdown.Coordinator
}

// NewExecutor builds an executor node. Builtins are always registered;
// WASM modules are loaded from executor.functions_dir when set.
func NewExecutor(ctx context.Context, cfg *config.Config) (*ExecutorNode, error) {
	provider, err := cfg.Fabric.NewProvider()
	if err != nil {
		return nil, err
	}

	return NewExecutorWithProvider(ctx, cfg, provider)
}

// NewExecutorWithProvider builds an executor node on an existing provider.
func NewExecutorWithProvider(ctx context.Context, cfg *config.Config, provider fabric.Provider) (*ExecutorNode, error) {
	n := &ExecutorNode{
		cfg:         cfg,
		detector:    hardware.NewDetector(),
		functions:   executor.NewFunctionTable(),
		checker:     health.NewChecker(),
		coordinator: shutdown.NewCoordinator(cfg.Shutdown),
	}

	n.detector.Refresh()

	if dev, ok := n.detector.BestDevice(); ok {
		log.Info().
			Str("device", dev.Name).
			Str("link_layer", dev.LinkLayer).
			Uint64("speed_gbps", dev.Speed).
			Msg("RDMA device detected")
	}

	srvCfg := cfg.ServerConfig()
	if len(srvCfg.Cores) == 0 {
		srvCfg.Cores = n.detector.WorkerCores()
	}

	if len(srvCfg.Cores) == 0 {
		return nil, ErrNoCores
	}

	if err := executor.RegisterBuiltins(n.functions); err != nil {
		return nil, err
	}

	if dir := cfg.Executor.FunctionsDir; dir != "" {
		loader, err := executor.NewWASMLoader(ctx, cfg.Executor.WASM)
		if err != nil {
			return nil, fmt.Errorf("failed to create wasm loader: %w", err)
		}

		n.loader = loader

		names, err := loader.LoadDir(ctx, n.functions, dir)
		if err != nil {
			loader.Close(ctx)

			return nil, fmt.Errorf("failed to load functions from %s: %w", dir, err)
		}

		log.Info().Strs("functions", names).Str("dir", dir).Msg("WASM functions loaded")
	}

	srv, err := executor.NewServer(srvCfg, provider, n.functions)
	if err != nil {
		return nil, err
	}

	n.executor = srv

	n.checker.Register("executor", n.checkExecutor)

	if cfg.Metrics.Enabled {
		n.metrics = newHTTPServer("metrics server", cfg.Metrics.Port, metricsRouter(n.checker))
	}

	return n, nil
}

func (n *ExecutorNode) checkExecutor(context.Context) health.Check {
	if n.executor.FreeCores() == 0 {
		return health.Degraded("all cores bound")
	}

	return health.Healthy(fmt.Sprintf("%d cores free", n.executor.FreeCores()))
}

// Server returns the executor server.
func (n *ExecutorNode) Server() *executor.Server { return n.executor }

// Functions returns the function table served to clients.
func (n *ExecutorNode) Functions() *executor.FunctionTable { return n.functions }

// MetricsAddr returns the metrics listener address once started.
func (n *ExecutorNode) MetricsAddr() string {
	if n.metrics == nil {
		return ""
	}

	return n.metrics.address()
}

// Start runs the node until ctx is cancelled, then shuts it down. ready is
// closed once every listener is bound.
func (n *ExecutorNode) Start(ctx context.Context, ready chan<- struct{}) error {
	metrics.Init(n.cfg.NodeID, "executor")

	if err := n.executor.Start(ctx); err != nil {
		return err
	}

	var servers []shutdown.HTTPServerShutdown

	if n.metrics != nil {
		if err := n.metrics.listen(); err != nil {
			n.executor.Stop()

			return err
		}

		servers = append(servers, n.metrics)
	}

	if ready != nil {
		close(ready)
	}

	g, gctx := errgroup.WithContext(ctx)

	if n.metrics != nil {
		g.Go(func() error {
			log.Info().Str("address", n.metrics.address()).Msg("Prometheus metrics available at /metrics")

			return n.metrics.serve()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down executor...")

		if n.loader != nil {
			n.coordinator.RegisterHook(shutdown.PhaseStore, n.loader.Close)
		}

		return n.coordinator.Shutdown(context.Background(), shutdown.ShutdownComponents{
			InFlightTracker: n.executor,
			Workers: []shutdown.Stoppable{
				shutdown.StopFunc("executor", n.executor.Stop),
				shutdown.StopFunc("hardware_detector", func() error { n.detector.Stop(); return nil }),
			},
			HTTPServers: servers,
		})
	})

	return g.Wait()
}

// LeaseNode runs the lease manager, its fabric listener and the admin API.
type LeaseNode struct {
	cfg         *config.Config
	store       *lease.Store
	manager     *lease.Manager
	admin       *httpServer
	coordinator *shutdown.Coordinator
}

// NewLeaseManager opens the lease store and restores the manager.
func NewLeaseManager(ctx context.Context, cfg *config.Config) (*LeaseNode, error) {
	provider, err := cfg.Fabric.NewProvider()
	if err != nil {
		return nil, err
	}

	return NewLeaseManagerWithProvider(ctx, cfg, provider)
}

// NewLeaseManagerWithProvider is NewLeaseManager on an existing provider.
func NewLeaseManagerWithProvider(ctx context.Context, cfg *config.Config, provider fabric.Provider) (*LeaseNode, error) {
	store, err := lease.OpenStore(cfg.Lease.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open lease store: %w", err)
	}

	manager, err := lease.NewManager(ctx, cfg.ManagerConfig(), store, provider)
	if err != nil {
		store.Close()

		return nil, err
	}

	checker := health.NewChecker()
	checker.Register("lease_manager", manager.Check)
	checker.Register("lease_store", func(ctx context.Context) health.Check {
		if err := store.Ping(ctx); err != nil {
			return health.Unhealthy(err)
		}

		return health.Healthy("")
	})

	api := lease.NewAdminAPI(manager, checker)

	return &LeaseNode{
		cfg:         cfg,
		store:       store,
		manager:     manager,
		admin:       newHTTPServer("admin server", cfg.Lease.AdminPort, api.Router()),
		coordinator: shutdown.NewCoordinator(cfg.Shutdown),
	}, nil
}

// Manager returns the lease manager.
func (n *LeaseNode) Manager() *lease.Manager { return n.manager }

// AdminAddr returns the admin API address once started.
func (n *LeaseNode) AdminAddr() string { return n.admin.address() }

// Start runs the node until ctx is cancelled, then shuts it down. ready is
// closed once every listener is bound.
func (n *LeaseNode) Start(ctx context.Context, ready chan<- struct{}) error {
	metrics.Init(n.cfg.NodeID, "lease_manager")

	if err := n.manager.Start(ctx); err != nil {
		n.store.Close()

		return err
	}

	if err := n.admin.listen(); err != nil {
		n.manager.Stop()
		n.store.Close()

		return err
	}

	if ready != nil {
		close(ready)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Str("address", n.admin.address()).
			Str("fabric_address", n.manager.Addr()).
			Msg("Starting lease admin API")

		return n.admin.serve()
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down lease manager...")

		return n.coordinator.Shutdown(context.Background(), shutdown.ShutdownComponents{
			Workers:     []shutdown.Stoppable{n.manager},
			HTTPServers: []shutdown.HTTPServerShutdown{n.admin},
			Store:       n.store,
		})
	})

	return g.Wait()
}

func metricsRouter(checker *health.Checker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	health.NewHandler(checker).Mount(r)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
