package dispatch

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/openfroyo/deployer/pkg/agent/handlers"
	"github.com/openfroyo/deployer/pkg/agent/protocol"
	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/telemetry"
)

// Guest paths of the directories mounted into WebAssembly unit commands.
const (
	WasmPropertiesDir = "/properties"
	WasmStateDir      = "/state"
)

// WasmConfig configures a WasmDispatcher.
type WasmConfig struct {
	Scripts Scripts

	// MemoryLimitPages caps guest memory in 64KiB pages. Default is 256 (16MiB).
	MemoryLimitPages uint32

	// Timeout bounds each module run. Zero leaves it to the caller's context.
	Timeout time.Duration

	// CacheDir persists compiled modules across runs when set.
	CacheDir string

	Logger *telemetry.Logger
}

// WasmDispatcher runs <command>.wasm unit commands as WASI programs. A module sees
// its properties as environment variables and as a file under /properties, and a
// writable state directory under /state. It has no other filesystem or network access.
type WasmDispatcher struct {
	cfg     WasmConfig
	logger  *telemetry.Logger
	runtime wazero.Runtime

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

var _ engine.Dispatcher = (*WasmDispatcher)(nil)

// NewWasmDispatcher creates the WebAssembly runtime.
func NewWasmDispatcher(ctx context.Context, cfg WasmConfig) (*WasmDispatcher, error) {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	if cfg.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache: %w", err)
		}
		runtimeConfig = runtimeConfig.WithCompilationCache(cache)
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	return &WasmDispatcher{
		cfg:      cfg,
		logger:   cfg.Logger.NewComponentLogger("dispatch.wasm"),
		runtime:  runtime,
		compiled: make(map[string]wazero.CompiledModule),
	}, nil
}

// Dispatch runs the unit's WebAssembly module for req.Command.
func (d *WasmDispatcher) Dispatch(ctx context.Context, req *engine.DispatchRequest) (*engine.DispatchResult, error) {
	unit := req.Unit.ID.String()
	script, err := d.cfg.Scripts.resolveRequest(req.Unit, req.Command)
	if err != nil {
		return nil, err
	}
	if script.Kind != KindWasm {
		return nil, fmt.Errorf("unit %s %s is not a WebAssembly module", unit, req.Command)
	}

	compiled, err := d.compile(ctx, script.Path)
	if err != nil {
		return nil, err
	}

	propsDir := filepath.Dir(req.PropertiesFile)
	state := stateDir(req.PropertiesFile)
	if err := os.MkdirAll(state, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	var out bytes.Buffer
	modConfig := wazero.NewModuleConfig().
		WithName("").
		WithArgs(req.Command).
		WithStdout(&out).
		WithStderr(&out).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader).
		WithFSConfig(wazero.NewFSConfig().
			WithReadOnlyDirMount(propsDir, WasmPropertiesDir).
			WithDirMount(state, WasmStateDir))
	for k, v := range wasmEnv(req) {
		modConfig = modConfig.WithEnv(k, v)
	}

	logger := d.logger.WithRunID(req.RunID).WithDeployment(req.Deployment.String()).WithUnit(unit, req.Command)
	logger.Debug().Str("module", script.Path).Msg("Running WebAssembly unit command")

	start := time.Now()
	exitCode := 0
	mod, err := d.runtime.InstantiateModule(ctx, compiled, modConfig)
	if mod != nil {
		_ = mod.Close(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run module %s: %w", script.Path, err)
		}
		exitCode = int(exitErr.ExitCode())
	}

	for _, line := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
		if line != "" {
			logOutput(logger, &protocol.EventMessage{Level: "info", Message: line, Stream: "stdout"})
		}
	}
	logger.Debug().Int("exit_code", exitCode).Dur("duration", time.Since(start)).Msg("WebAssembly unit command finished")

	artifacts, err := handlers.CollectArtifacts(state)
	if err != nil {
		return nil, err
	}
	return unitResult(unit, req.Command, &protocol.UnitRunResult{
		ExitCode:  exitCode,
		Output:    out.String(),
		Artifacts: artifacts,
	})
}

// wasmEnv exports the resolved properties followed by the request environment, with
// paths rewritten to guest paths. Modules without a properties parser read their
// properties straight from the environment.
func wasmEnv(req *engine.DispatchRequest) map[string]string {
	env := make(map[string]string, len(req.Properties)+len(req.Env)+2)
	for k, v := range req.Properties {
		if !strings.ContainsAny(k, "=\x00") {
			env[k] = v
		}
	}
	for k, v := range req.Env {
		env[k] = v
	}
	env["DEPLOYER_PROPERTIES_FILE"] = WasmPropertiesDir + "/" + filepath.Base(req.PropertiesFile)
	env["DEPLOYER_STATE_DIR"] = WasmStateDir
	return env
}

// compile returns the compiled module for path, verifying it against a
// <module>.sha256 file when one exists.
func (d *WasmDispatcher) compile(ctx context.Context, path string) (wazero.CompiledModule, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	sum := sha256.Sum256(bin)
	checksum := hex.EncodeToString(sum[:])

	if want, err := os.ReadFile(path + ".sha256"); err == nil {
		expected, _, _ := strings.Cut(strings.TrimSpace(string(want)), " ")
		if !strings.EqualFold(expected, checksum) {
			return nil, fmt.Errorf("module %s checksum mismatch: expected %s, got %s", path, expected, checksum)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read module checksum: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.compiled[checksum]; ok {
		return c, nil
	}
	c, err := d.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module %s: %w", path, err)
	}
	d.compiled[checksum] = c
	return c, nil
}

// Close releases the runtime and every compiled module.
func (d *WasmDispatcher) Close(ctx context.Context) error {
	return d.runtime.Close(ctx)
}
