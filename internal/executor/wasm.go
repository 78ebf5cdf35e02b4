package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"golang.org/x/sync/singleflight"
)

// WASM runtime constants.
const (
	// WASMPagesPerMB is the number of 64KB WASM pages per megabyte.
	WASMPagesPerMB = 16

	// WASMMaxMemoryPages is the maximum number of WASM memory pages (4GB limit / 64KB).
	WASMMaxMemoryPages = 65535

	// DefaultWASMMaxMemoryMB is the default maximum memory for a module instance.
	DefaultWASMMaxMemoryMB = 64

	// DefaultWASMMaxExecutionTime bounds a single call.
	DefaultWASMMaxExecutionTime = 5 * time.Second

	// DefaultWASMMaxModuleSize is the default maximum module file size (16 MB).
	DefaultWASMMaxModuleSize = 16 * 1024 * 1024
)

// WASMConfig holds limits for WASM functions.
type WASMConfig struct {
	// MaxMemoryMB caps the linear memory of each instance.
	MaxMemoryMB int `mapstructure:"max_memory_mb" yaml:"max_memory_mb"`

	// MaxExecutionTime interrupts calls that run longer.
	MaxExecutionTime time.Duration `mapstructure:"max_execution_time" yaml:"max_execution_time"`

	// MaxModuleSize rejects larger module files.
	MaxModuleSize int64 `mapstructure:"max_module_size" yaml:"max_module_size"`
}

// DefaultWASMConfig returns a WASMConfig with sensible defaults.
func DefaultWASMConfig() WASMConfig {
	return WASMConfig{
		MaxMemoryMB:      DefaultWASMMaxMemoryMB,
		MaxExecutionTime: DefaultWASMMaxExecutionTime,
		MaxModuleSize:    DefaultWASMMaxModuleSize,
	}
}

// WASMLoader compiles WebAssembly modules into Functions.
//
// A module must export its memory, allocate(len) -> ptr,
// deallocate(ptr, len) and a function named like the module taking
// (ptr, len) and returning (ptr, len) of its output. Each call runs in a
// fresh instance.
type WASMLoader struct {
	runtime      wazero.Runtime
	modules      map[string]wazero.CompiledModule
	compileGroup singleflight.Group
	cfg          WASMConfig
	mu           sync.Mutex
	closed       atomic.Bool
}

// NewWASMLoader creates a loader with its own wazero runtime.
func NewWASMLoader(ctx context.Context, cfg WASMConfig) (*WASMLoader, error) {
	defaults := DefaultWASMConfig()
	if cfg.MaxMemoryMB <= 0 {
		cfg.MaxMemoryMB = defaults.MaxMemoryMB
	}

	if cfg.MaxExecutionTime <= 0 {
		cfg.MaxExecutionTime = defaults.MaxExecutionTime
	}

	if cfg.MaxModuleSize <= 0 {
		cfg.MaxModuleSize = defaults.MaxModuleSize
	}

	memoryPages := min(cfg.MaxMemoryMB*WASMPagesPerMB, WASMMaxMemoryPages)

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(uint32(memoryPages)). //nolint:gosec // memoryPages is bounded above
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		if closeErr := runtime.Close(ctx); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Failed to close runtime after WASI instantiation failure")
		}

		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	return &WASMLoader{
		runtime: runtime,
		modules: make(map[string]wazero.CompiledModule),
		cfg:     cfg,
	}, nil
}

// Load compiles code and registers it in t under name.
func (l *WASMLoader) Load(ctx context.Context, t *FunctionTable, name string, code []byte) (uint16, error) {
	compiled, err := l.compile(ctx, name, code)
	if err != nil {
		return 0, err
	}

	return t.Register(name, l.function(name, compiled))
}

// LoadDir registers every *.wasm file in dir, named after the file stem,
// and returns the names in registration order.
func (l *WASMLoader) LoadDir(ctx context.Context, t *FunctionTable, dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("functions directory: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("functions directory %s is not a directory", dir)
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*.wasm"))
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(paths))

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return names, err
		}

		if info.Size() > l.cfg.MaxModuleSize {
			return names, fmt.Errorf("%w: %s is %d bytes, maximum %d",
				ErrInvalidModule, path, info.Size(), l.cfg.MaxModuleSize)
		}

		code, err := os.ReadFile(path)
		if err != nil {
			return names, fmt.Errorf("failed to read %s: %w", path, err)
		}

		name := strings.TrimSuffix(filepath.Base(path), ".wasm")

		if _, err := l.Load(ctx, t, name, code); err != nil {
			return names, fmt.Errorf("failed to load %s: %w", path, err)
		}

		names = append(names, name)

		log.Info().Str("function", name).Str("path", path).Msg("Loaded WASM function")
	}

	return names, nil
}

// compile uses singleflight so concurrent loads of one name compile once.
func (l *WASMLoader) compile(ctx context.Context, name string, code []byte) (wazero.CompiledModule, error) {
	if l.closed.Load() {
		return nil, errors.New("WASM loader is closed")
	}

	result, err, _ := l.compileGroup.Do(name, func() (interface{}, error) {
		l.mu.Lock()
		cached, ok := l.modules[name]
		l.mu.Unlock()

		if ok {
			return cached, nil
		}

		if int64(len(code)) > l.cfg.MaxModuleSize {
			return nil, fmt.Errorf("%w: %d bytes, maximum %d", ErrInvalidModule, len(code), l.cfg.MaxModuleSize)
		}

		compiled, err := l.runtime.CompileModule(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidModule, err)
		}

		if err := checkExports(compiled, name); err != nil {
			compiled.Close(ctx)

			return nil, err
		}

		l.mu.Lock()
		l.modules[name] = compiled
		l.mu.Unlock()

		return compiled, nil
	})
	if err != nil {
		return nil, err
	}

	compiled, ok := result.(wazero.CompiledModule)
	if !ok {
		return nil, errors.New("unexpected type from singleflight: expected CompiledModule")
	}

	return compiled, nil
}

func checkExports(compiled wazero.CompiledModule, name string) error {
	exports := compiled.ExportedFunctions()

	for _, want := range []struct {
		name            string
		params, results int
	}{
		{name: "allocate", params: 1, results: 1},
		{name: "deallocate", params: 2, results: 0},
		{name: name, params: 2, results: 2},
	} {
		def, ok := exports[want.name]
		if !ok {
			return fmt.Errorf("%w: missing export %q", ErrInvalidModule, want.name)
		}

		if len(def.ParamTypes()) != want.params || len(def.ResultTypes()) != want.results {
			return fmt.Errorf("%w: export %q has the wrong signature", ErrInvalidModule, want.name)
		}
	}

	if len(compiled.ExportedMemories()) == 0 {
		return fmt.Errorf("%w: no exported memory", ErrInvalidModule)
	}

	return nil
}

func (l *WASMLoader) function(name string, compiled wazero.CompiledModule) Function {
	return func(in, out []byte) (int, error) {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.MaxExecutionTime)
		defer cancel()

		return l.call(ctx, compiled, name, in, out)
	}
}

func (l *WASMLoader) call(ctx context.Context, compiled wazero.CompiledModule, name string, in, out []byte) (int, error) {
	moduleConfig := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions().
		WithStdout(io.Discard).
		WithStderr(io.Discard)

	instance, err := l.runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		return 0, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	defer func() {
		if closeErr := instance.Close(ctx); closeErr != nil {
			log.Debug().Err(closeErr).Str("function", name).Msg("Failed to close WASM module instance")
		}
	}()

	memory := instance.Memory()
	if memory == nil {
		return 0, fmt.Errorf("%w: no exported memory", ErrInvalidModule)
	}

	inPtr, err := guestAlloc(ctx, instance, len(in))
	if err != nil {
		return 0, err
	}

	if !memory.Write(inPtr, in) {
		return 0, errors.New("failed to write input to WASM memory")
	}

	results, err := instance.ExportedFunction(name).Call(ctx, uint64(inPtr), uint64(len(in)))
	if err != nil {
		return 0, fmt.Errorf("WASM function execution failed: %w", err)
	}

	if _, err := instance.ExportedFunction("deallocate").Call(ctx, uint64(inPtr), uint64(len(in))); err != nil {
		log.Debug().Err(err).Str("function", name).Msg("WASM deallocate failed")
	}

	outPtr, err := safeUint64ToUint32(results[0])
	if err != nil {
		return 0, fmt.Errorf("invalid output pointer: %w", err)
	}

	outLen, err := safeUint64ToUint32(results[1])
	if err != nil {
		return 0, fmt.Errorf("invalid output length: %w", err)
	}

	if int(outLen) > len(out) {
		return 0, ErrOutputOverflow
	}

	data, ok := memory.Read(outPtr, outLen)
	if !ok {
		return 0, errors.New("failed to read output from WASM memory")
	}

	return copy(out, data), nil
}

func guestAlloc(ctx context.Context, instance api.Module, n int) (uint32, error) {
	results, err := instance.ExportedFunction("allocate").Call(ctx, uint64(n))
	if err != nil {
		return 0, fmt.Errorf("WASM allocate failed: %w", err)
	}

	return safeUint64ToUint32(results[0])
}

// safeUint64ToUint32 safely converts a uint64 to uint32, returning an error if overflow would occur.
func safeUint64ToUint32(value uint64) (uint32, error) {
	if value > uint64(^uint32(0)) {
		return 0, fmt.Errorf("value %d exceeds uint32 maximum", value)
	}

	return uint32(value), nil
}

// Close releases compiled modules and the runtime.
func (l *WASMLoader) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	l.mu.Lock()
	l.modules = make(map[string]wazero.CompiledModule)
	l.mu.Unlock()

	return l.runtime.Close(ctx)
}
