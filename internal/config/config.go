// Package config provides configuration management for NebulaFaaS.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (NEBULAFAAS_* prefix)
//  3. Configuration file (nebulafaas.yaml)
//  4. Default values (lowest priority)
//
// One file configures every binary. The executor reads the fabric and
// executor sections, the lease manager the fabric and lease sections, and
// the invoker section seeds client tools.
//
// Example usage:
//
//	cfg, err := config.Load("/etc/nebulafaas/nebulafaas.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/piwi3910/nebulafaas/internal/executor"
	"github.com/piwi3910/nebulafaas/internal/fabric"
	"github.com/piwi3910/nebulafaas/internal/lease"
	"github.com/piwi3910/nebulafaas/internal/shutdown"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all configuration for NebulaFaaS
type Config struct {
	// Node identification
	NodeID   string `mapstructure:"node_id"`
	NodeName string `mapstructure:"node_name"`

	// DataDir holds the node id and, unless overridden, the lease store.
	DataDir string `mapstructure:"data_dir"`

	Log      LogConfig       `mapstructure:"log"`
	Fabric   FabricConfig    `mapstructure:"fabric"`
	Executor ExecutorConfig  `mapstructure:"executor"`
	Invoker  InvokerConfig   `mapstructure:"invoker"`
	Lease    LeaseConfig     `mapstructure:"lease"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Shutdown shutdown.Config `mapstructure:"shutdown"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	// Level is a zerolog level name
	Level string `mapstructure:"level"`
	// Format is json or console
	Format string `mapstructure:"format"`
}

// FabricConfig selects the fabric provider and sizes queue pairs.
type FabricConfig struct {
	// Provider is sim or sockets
	Provider string `mapstructure:"provider"`
	// Address is the executor listen address
	Address string `mapstructure:"address"`

	MaxSendWR int `mapstructure:"max_send_wr"`
	MaxRecvWR int `mapstructure:"max_recv_wr"`
	CQDepth   int `mapstructure:"cq_depth"`

	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	NoDelay          bool          `mapstructure:"no_delay"`
}

// ExecutorConfig configures the executor binary.
type ExecutorConfig struct {
	// Cores handed out to connections. Empty uses every online CPU.
	Cores []int `mapstructure:"cores"`
	// HotTimeout is negative to stay hot, zero to stay warm
	HotTimeout  time.Duration `mapstructure:"hot_timeout"`
	Repetitions uint64        `mapstructure:"repetitions"`
	PinThreads  bool          `mapstructure:"pin_threads"`

	InputSize  int `mapstructure:"input_size"`
	OutputSize int `mapstructure:"output_size"`
	RecvDepth  int `mapstructure:"recv_depth"`

	// LeaseManager is the lease manager's fabric address. Empty disables
	// accounting.
	LeaseManager string `mapstructure:"lease_manager"`

	// FunctionsDir is scanned for .wasm modules at startup
	FunctionsDir string              `mapstructure:"functions_dir"`
	WASM         executor.WASMConfig `mapstructure:"wasm"`
}

// InvokerConfig holds client connection defaults.
type InvokerConfig struct {
	Address      string        `mapstructure:"address"`
	LeaseID      uint16        `mapstructure:"lease_id"`
	Secret       uint16        `mapstructure:"secret"`
	Cores        int           `mapstructure:"cores"`
	RecvDepth    int           `mapstructure:"recv_depth"`
	Solicited    bool          `mapstructure:"solicited"`
	SetupTimeout time.Duration `mapstructure:"setup_timeout"`
}

// LeaseConfig configures the lease manager binary.
type LeaseConfig struct {
	// DataDir holds the lease store. Defaults to <data_dir>/leases.
	DataDir       string                 `mapstructure:"data_dir"`
	FabricAddress string                 `mapstructure:"fabric_address"`
	AdminPort     int                    `mapstructure:"admin_port"`
	SyncInterval  time.Duration          `mapstructure:"sync_interval"`
	MaxLeases     int                    `mapstructure:"max_leases"`
	Executors     []lease.ExecutorConfig `mapstructure:"executors"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Options are command line overrides
type Options struct {
	DataDir       string
	FabricAddress string
	AdminPort     int
	MetricsPort   int
	LogLevel      string
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("nebulafaas")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nebulafaas")
		v.AddConfigPath("$HOME/.nebulafaas")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("NEBULAFAAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.DataDir != "" {
		v.Set("data_dir", opts.DataDir)
	}

	if opts.FabricAddress != "" {
		v.Set("fabric.address", opts.FabricAddress)
	}

	if opts.AdminPort != 0 {
		v.Set("lease.admin_port", opts.AdminPort)
	}

	if opts.MetricsPort != 0 {
		v.Set("metrics.port", opts.MetricsPort)
	}

	if opts.LogLevel != "" {
		v.Set("log.level", opts.LogLevel)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()
	v.SetDefault("node_name", hostname)
	v.SetDefault("data_dir", "./data")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	sockets := fabric.DefaultSocketsConfig()
	v.SetDefault("fabric.provider", fabric.ProviderSockets)
	v.SetDefault("fabric.address", "0.0.0.0:7471")
	v.SetDefault("fabric.max_send_wr", fabric.DefaultMaxSendWR)
	v.SetDefault("fabric.max_recv_wr", fabric.DefaultMaxRecvWR)
	v.SetDefault("fabric.cq_depth", fabric.DefaultCQDepth)
	v.SetDefault("fabric.dial_timeout", sockets.DialTimeout)
	v.SetDefault("fabric.handshake_timeout", sockets.HandshakeTimeout)
	v.SetDefault("fabric.no_delay", sockets.NoDelay)

	wasm := executor.DefaultWASMConfig()
	v.SetDefault("executor.cores", []int{})
	v.SetDefault("executor.hot_timeout", 100*time.Millisecond)
	v.SetDefault("executor.repetitions", 0)
	v.SetDefault("executor.pin_threads", true)
	v.SetDefault("executor.input_size", executor.DefaultInputSize)
	v.SetDefault("executor.output_size", executor.DefaultOutputSize)
	v.SetDefault("executor.recv_depth", executor.DefaultRecvDepth)
	v.SetDefault("executor.lease_manager", "")
	v.SetDefault("executor.functions_dir", "")
	v.SetDefault("executor.wasm.max_memory_mb", wasm.MaxMemoryMB)
	v.SetDefault("executor.wasm.max_execution_time", wasm.MaxExecutionTime)
	v.SetDefault("executor.wasm.max_module_size", wasm.MaxModuleSize)

	v.SetDefault("invoker.address", "127.0.0.1:7471")
	v.SetDefault("invoker.cores", 1)
	v.SetDefault("invoker.recv_depth", 16)
	v.SetDefault("invoker.solicited", false)
	v.SetDefault("invoker.setup_timeout", 5*time.Second)

	v.SetDefault("lease.data_dir", "")
	v.SetDefault("lease.fabric_address", "0.0.0.0:7472")
	v.SetDefault("lease.admin_port", 7480)
	v.SetDefault("lease.sync_interval", lease.DefaultSyncInterval)
	v.SetDefault("lease.max_leases", lease.DefaultMaxLeases)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9464)

	sd := shutdown.DefaultConfig()
	v.SetDefault("shutdown.total_timeout", sd.TotalTimeout)
	v.SetDefault("shutdown.drain_timeout", sd.DrainTimeout)
	v.SetDefault("shutdown.worker_timeout", sd.WorkerTimeout)
	v.SetDefault("shutdown.http_timeout", sd.HTTPTimeout)
	v.SetDefault("shutdown.fabric_timeout", sd.FabricTimeout)
	v.SetDefault("shutdown.store_timeout", sd.StoreTimeout)
	v.SetDefault("shutdown.force_timeout", sd.ForceTimeout)
}

func (c *Config) validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: log.format must be json or console, got %q", ErrInvalid, c.Log.Format)
	}

	if err := c.Fabric.validate(); err != nil {
		return err
	}

	if err := c.Executor.validate(c.Fabric); err != nil {
		return err
	}

	if c.Invoker.Cores < 1 {
		return fmt.Errorf("%w: invoker.cores must be positive", ErrInvalid)
	}

	if err := c.Lease.validate(); err != nil {
		return err
	}

	for _, port := range []int{c.Lease.AdminPort, c.Metrics.Port} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalid, port)
		}
	}

	// Ensure data directory exists with secure permissions
	if err := os.MkdirAll(c.DataDir, 0750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if c.Lease.DataDir == "" {
		c.Lease.DataDir = filepath.Join(c.DataDir, "leases")
	}

	if c.NodeID == "" {
		nodeIDPath := filepath.Join(c.DataDir, "node-id")
		if err := validatePath(c.DataDir, nodeIDPath); err != nil {
			return fmt.Errorf("invalid node ID path: %w", err)
		}

		if data, err := os.ReadFile(nodeIDPath); err == nil { // #nosec G304 - path validated above
			c.NodeID = strings.TrimSpace(string(data))
		} else {
			c.NodeID = generateNodeID()
			if err := os.WriteFile(nodeIDPath, []byte(c.NodeID), 0600); err != nil {
				return fmt.Errorf("failed to write node ID: %w", err)
			}
		}
	}

	return nil
}

func (c *FabricConfig) validate() error {
	if _, err := fabric.NewProvider(c.Provider, c.Sockets()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if c.MaxSendWR < 1 || c.MaxRecvWR < 1 || c.CQDepth < 1 {
		return fmt.Errorf("%w: fabric queue sizes must be positive", ErrInvalid)
	}

	if c.CQDepth < c.MaxSendWR || c.CQDepth < c.MaxRecvWR {
		return fmt.Errorf("%w: fabric.cq_depth %d is smaller than a work queue", ErrInvalid, c.CQDepth)
	}

	return nil
}

func (c *ExecutorConfig) validate(fab FabricConfig) error {
	if c.InputSize < 1 || c.OutputSize < 1 {
		return fmt.Errorf("%w: executor payload sizes must be positive", ErrInvalid)
	}

	if c.RecvDepth < 1 || c.RecvDepth > fab.MaxRecvWR {
		return fmt.Errorf("%w: executor.recv_depth must be in [1, %d]", ErrInvalid, fab.MaxRecvWR)
	}

	seen := make(map[int]bool, len(c.Cores))
	for _, core := range c.Cores {
		if core < 0 {
			return fmt.Errorf("%w: negative core %d", ErrInvalid, core)
		}

		if seen[core] {
			return fmt.Errorf("%w: core %d listed twice", ErrInvalid, core)
		}

		seen[core] = true
	}

	if c.WASM.MaxMemoryMB < 1 {
		return fmt.Errorf("%w: executor.wasm.max_memory_mb must be positive", ErrInvalid)
	}

	return nil
}

func (c *LeaseConfig) validate() error {
	if c.SyncInterval <= 0 {
		return fmt.Errorf("%w: lease.sync_interval must be positive", ErrInvalid)
	}

	if c.MaxLeases < 1 || c.MaxLeases > 1<<16-1 {
		return fmt.Errorf("%w: lease.max_leases must be in [1, 65535]", ErrInvalid)
	}

	names := make(map[string]bool, len(c.Executors))
	for _, e := range c.Executors {
		if e.Name == "" || e.Address == "" || e.Cores < 1 {
			return fmt.Errorf("%w: executor %q needs a name, an address and cores", ErrInvalid, e.Name)
		}

		if names[e.Name] {
			return fmt.Errorf("%w: executor %q listed twice", ErrInvalid, e.Name)
		}

		names[e.Name] = true
	}

	return nil
}

// Sockets returns the TCP provider settings.
func (c FabricConfig) Sockets() fabric.SocketsConfig {
	return fabric.SocketsConfig{
		DialTimeout:      c.DialTimeout,
		HandshakeTimeout: c.HandshakeTimeout,
		NoDelay:          c.NoDelay,
	}
}

// QP returns queue pair sizing without shared completion queues.
func (c FabricConfig) QP() fabric.QPConfig {
	return fabric.QPConfig{
		MaxSendWR: c.MaxSendWR,
		MaxRecvWR: c.MaxRecvWR,
		CQDepth:   c.CQDepth,
	}
}

// NewProvider builds the configured provider.
func (c FabricConfig) NewProvider() (fabric.Provider, error) {
	return fabric.NewProvider(c.Provider, c.Sockets())
}

// ServerConfig maps the executor section onto the server.
func (c *Config) ServerConfig() executor.Config {
	return executor.Config{
		Address:      c.Fabric.Address,
		Cores:        append([]int(nil), c.Executor.Cores...),
		HotTimeout:   c.Executor.HotTimeout,
		Repetitions:  c.Executor.Repetitions,
		PinThreads:   c.Executor.PinThreads,
		InputSize:    c.Executor.InputSize,
		OutputSize:   c.Executor.OutputSize,
		RecvDepth:    c.Executor.RecvDepth,
		LeaseManager: c.Executor.LeaseManager,
		QP:           c.Fabric.QP(),
	}
}

// ManagerConfig maps the lease section onto the manager.
func (c *Config) ManagerConfig() lease.Config {
	return lease.Config{
		FabricAddress: c.Lease.FabricAddress,
		SyncInterval:  c.Lease.SyncInterval,
		MaxLeases:     c.Lease.MaxLeases,
		Executors:     append([]lease.ExecutorConfig(nil), c.Lease.Executors...),
		QP:            c.Fabric.QP(),
	}
}

// validatePath ensures a file path is within a base directory to prevent path traversal attacks.
func validatePath(basePath, filePath string) error {
	cleanBase, err := filepath.Abs(filepath.Clean(basePath))
	if err != nil {
		return fmt.Errorf("failed to resolve base path: %w", err)
	}

	cleanFile, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve file path: %w", err)
	}

	if !strings.HasPrefix(cleanFile, cleanBase) {
		return fmt.Errorf("path traversal detected: %s is outside %s", filePath, basePath) // nolint:err113 // dynamic error with context
	}

	return nil
}

func generateNodeID() string {
	return fmt.Sprintf("node-%s", generateSecret(8))
}

func generateSecret(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	b := make([]byte, length)
	for i := range b {
		b[i] = charset[int(randomByte())%len(charset)]
	}

	return string(b)
}

func randomByte() byte {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("failed to generate random bytes: %v", err))
	}

	return b[0]
}
