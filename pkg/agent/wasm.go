package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/danvoulez/logline-motor/pkg/motorerr"
	"github.com/danvoulez/logline-motor/pkg/span"
)

// WASMConfig bounds a sandboxed agent. Deny-by-default: no filesystem, no
// network, no environment, no clock or randomness sources.
type WASMConfig struct {
	MemoryLimitBytes int64
	CPUTimeLimit     time.Duration
}

// WASMAgent runs a compiled WebAssembly module as a Capability. The span is
// written to the module's stdin as JSON; the module writes a JSON object of
// output fields to stdout.
type WASMAgent struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	limits   WASMConfig
}

// NewWASMAgent compiles wasmBytes under a wazero runtime with the configured
// memory ceiling. Close must be called when the agent is retired.
func NewWASMAgent(ctx context.Context, wasmBytes []byte, cfg WASMConfig) (*WASMAgent, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitBytes > 0 {
		// wazero measures memory in 64KB pages.
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(closeCtx)
		return nil, motorerr.Wrap(motorerr.KindValidation, "wasm module compilation failed", err)
	}

	return &WASMAgent{runtime: r, compiled: compiled, limits: cfg}, nil
}

// Invoke implements Capability. The module is instantiated per call so state
// never leaks between spans.
func (a *WASMAgent) Invoke(ctx context.Context, s span.Span) (Result, error) {
	if a.limits.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.limits.CPUTimeLimit)
		defer cancel()
	}

	input, err := json.Marshal(s)
	if err != nil {
		return Result{}, motorerr.Wrap(motorerr.KindValidation, "span encoding failed", err).With("span_id", s.ID)
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("motor-agent").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := a.runtime.InstantiateModule(ctx, a.compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, motorerr.Newf(motorerr.KindTimeout, "agent execution exceeded %v", a.limits.CPUTimeLimit).
				With("span_id", s.ID)
		}
		return Result{}, motorerr.Wrap(motorerr.KindRuleEvaluation, "agent execution failed", err).With("span_id", s.ID)
	}
	defer func() { _ = mod.Close(ctx) }()

	if stderr.Len() > 0 {
		return Result{}, motorerr.Newf(motorerr.KindRuleEvaluation, "agent wrote to stderr: %s", stderr.String()).
			With("span_id", s.ID)
	}

	res := Result{}
	if stdout.Len() > 0 {
		if err := json.Unmarshal(stdout.Bytes(), &res.Output); err != nil {
			return Result{}, motorerr.Wrap(motorerr.KindRuleEvaluation, "agent output is not a JSON object", err).
				With("span_id", s.ID)
		}
	}
	return res, nil
}

// Close releases the runtime and all compiled modules.
func (a *WASMAgent) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.runtime.Close(ctx)
}
