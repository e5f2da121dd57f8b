package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/bequest-labs/bequest/pkg/plan"
)

// wasmMemoryPages caps module memory at 16 MiB (64 KiB pages).
const wasmMemoryPages = 256

// SnapshotSource is the read surface the WASM adapter needs to hand
// the released plan to the module.
type SnapshotSource interface {
	Get(ctx context.Context, id plan.ID) (*plan.Snapshot, error)
}

// WASMModule runs an operator-supplied WebAssembly module as the
// release signal, for air-gapped deployments with no endpoint to
// call. The sandbox is deny-by-default WASI: no filesystem, no
// network, no environment, no randomness. The module receives the
// plan snapshot as JSON on stdin and signals success by exiting 0.
type WASMModule struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	plans    SnapshotSource
	timeout  time.Duration
	logger   *slog.Logger
}

// NewWASMModule compiles wasmBytes once; Release instantiates a fresh
// module per call.
func NewWASMModule(ctx context.Context, wasmBytes []byte, plans SnapshotSource, timeout time.Duration) (*WASMModule, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(wasmMemoryPages).
		WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("executor: compiling wasm module: %w", err)
	}

	return &WASMModule{
		runtime:  r,
		compiled: compiled,
		plans:    plans,
		timeout:  timeout,
		logger:   slog.Default().With("component", "executor"),
	}, nil
}

// LoadWASMModule reads a module from disk and compiles it.
func LoadWASMModule(ctx context.Context, path string, plans SnapshotSource, timeout time.Duration) (*WASMModule, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("executor: reading wasm module: %w", err)
	}
	return NewWASMModule(ctx, wasmBytes, plans, timeout)
}

// Release runs the module with the plan's snapshot on stdin. Exit
// code 0 is success; everything else, including a blown deadline, is
// a failed release.
func (m *WASMModule) Release(ctx context.Context, id plan.ID) error {
	snap, err := m.plans.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("executor: loading plan snapshot: %w", err)
	}
	input, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("executor: marshal snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := m.runtime.InstantiateModule(ctx, m.compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.ExitCode() == 0 {
				m.logger.Info("wasm release signal delivered", "plan_id", id)
				return nil
			}
			return fmt.Errorf("executor: wasm module exited with code %d: %s", exitErr.ExitCode(), stderr.String())
		}
		if ctx.Err() != nil {
			return fmt.Errorf("executor: wasm module timed out after %v", m.timeout)
		}
		return fmt.Errorf("executor: running wasm module: %w", err)
	}

	m.logger.Info("wasm release signal delivered", "plan_id", id)
	return nil
}

// Close frees the runtime and every compiled artifact.
func (m *WASMModule) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}
