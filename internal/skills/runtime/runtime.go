package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-live/internal/skills/manifest"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// maxResultBytes bounds what a module may hand back through host_result.
const maxResultBytes = 64 << 10

// Runtime wraps a wazero runtime for executing one skill invocation.
type Runtime struct {
	rt   wazero.Runtime
	host HostBindings
}

// New creates a skill runtime. A shared cache avoids recompiling modules on
// every invocation; it may be nil.
func New(ctx context.Context, cache wazero.CompilationCache, host HostBindings) (*Runtime, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		cfg = cfg.WithCompilationCache(cache)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	host = host.ensure()
	if err := instantiateHostModule(ctx, rt, host); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	return &Runtime{rt: rt, host: host}, nil
}

// Close releases resources held by the runtime.
func (r *Runtime) Close(ctx context.Context) error {
	if r == nil || r.rt == nil {
		return nil
	}
	return r.rt.Close(ctx)
}

// Skill represents a loaded skill module.
type Skill struct {
	Manifest manifest.Manifest
	module   api.Module
	entry    api.Function
	compiled wazero.CompiledModule
}

// Close releases resources for the skill.
func (s *Skill) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if s.module != nil {
		if err := s.module.Close(ctx); err != nil {
			return err
		}
	}
	if s.compiled != nil {
		if err := s.compiled.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Load compiles and instantiates a skill from a manifest. Command modules
// whose entrypoint is _start run when invoked, not at instantiation.
func (r *Runtime) Load(ctx context.Context, m manifest.Manifest, env map[string]string) (*Skill, error) {
	if r == nil || r.rt == nil {
		return nil, fmt.Errorf("runtime not initialized")
	}
	if m.Runtime.Mode != "wasm" {
		return nil, fmt.Errorf("unsupported runtime mode %q", m.Runtime.Mode)
	}
	wasmBytes, err := os.ReadFile(m.Runtime.Module)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	compiled, err := r.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	moduleConfig := wazero.NewModuleConfig().
		WithStdout(r.host.Stdout).
		WithStderr(r.host.Stderr).
		WithStartFunctions("_initialize")
	for k, v := range env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}
	module, err := r.rt.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		compiled.Close(ctx)
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	entry := module.ExportedFunction(m.Runtime.Entrypoint)
	if entry == nil {
		module.Close(ctx)
		compiled.Close(ctx)
		return nil, fmt.Errorf("entrypoint %q not found", m.Runtime.Entrypoint)
	}
	return &Skill{
		Manifest: m,
		module:   module,
		entry:    entry,
		compiled: compiled,
	}, nil
}

// Invoke executes the skill entrypoint. A WASI exit with code zero counts as
// success.
func (s *Skill) Invoke(ctx context.Context) error {
	if s == nil || s.entry == nil {
		return fmt.Errorf("skill entrypoint not available")
	}
	_, err := s.entry.Call(ctx)
	var exit *sys.ExitError
	if errors.As(err, &exit) && exit.ExitCode() == 0 {
		return nil
	}
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("skill %s: %w", s.Manifest.Metadata.Name, ctx.Err())
	}
	return err
}

// Run loads and invokes one skill in a fresh runtime and returns its text
// output: the host_result payload when the module reported one, trimmed
// stdout otherwise.
func Run(ctx context.Context, cache wazero.CompilationCache, m manifest.Manifest, env map[string]string, logger *slog.Logger) (string, error) {
	var (
		mu       sync.Mutex
		result   string
		reported bool
		stdout   bytes.Buffer
		stderr   bytes.Buffer
	)
	rt, err := New(ctx, cache, HostBindings{
		Logger: logger,
		Result: func(text string) {
			mu.Lock()
			result, reported = text, true
			mu.Unlock()
		},
		Stdout: &limitedWriter{w: &stdout, n: maxResultBytes},
		Stderr: &limitedWriter{w: &stderr, n: maxResultBytes},
	})
	if err != nil {
		return "", fmt.Errorf("init runtime: %w", err)
	}
	defer rt.Close(context.Background())

	skill, err := rt.Load(ctx, m, env)
	if err != nil {
		return "", fmt.Errorf("load skill: %w", err)
	}
	defer skill.Close(context.Background())

	invokeErr := skill.Invoke(ctx)
	if stderr.Len() > 0 && logger != nil {
		logger.Debug("skill stderr", slog.String("output", strings.TrimSpace(stderr.String())))
	}
	if invokeErr != nil {
		return "", invokeErr
	}

	mu.Lock()
	defer mu.Unlock()
	if reported {
		return result, nil
	}
	return strings.TrimSpace(stdout.String()), nil
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, host HostBindings) error {
	logger := host.Logger

	builder := rt.NewHostModuleBuilder("env")
	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		msg, ok := readString(mod, stack, logger, "host_log")
		if !ok || msg == "" {
			return
		}
		logger.Info("skill log", slog.String("message", msg))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log")

	hostResultFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		if len(stack) >= 2 && api.DecodeU32(stack[1]) > maxResultBytes {
			logger.Warn("host_result: payload too large", slog.Int("bytes", int(api.DecodeU32(stack[1]))))
			return
		}
		text, ok := readString(mod, stack, logger, "host_result")
		if !ok {
			return
		}
		host.Result(text)
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostResultFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_result").
		Export("host_result")

	_, err := builder.Instantiate(ctx)
	return err
}

func readString(mod api.Module, stack []uint64, logger *slog.Logger, fn string) (string, bool) {
	if len(stack) < 2 {
		return "", false
	}
	ptr := api.DecodeU32(stack[0])
	length := api.DecodeU32(stack[1])
	if length == 0 {
		return "", true
	}
	mem := mod.Memory()
	if mem == nil {
		logger.Warn(fn+": module has no memory", slog.Int("ptr", int(ptr)), slog.Int("len", int(length)))
		return "", false
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		logger.Warn(fn+": unable to read memory", slog.Int("ptr", int(ptr)), slog.Int("len", int(length)))
		return "", false
	}
	return string(data), true
}

type HostBindings struct {
	Logger *slog.Logger
	Result func(text string)
	Stdout io.Writer
	Stderr io.Writer
}

func (h HostBindings) ensure() HostBindings {
	if h.Logger == nil {
		h.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if h.Result == nil {
		h.Result = func(string) {}
	}
	if h.Stdout == nil {
		h.Stdout = io.Discard
	}
	if h.Stderr == nil {
		h.Stderr = io.Discard
	}
	return h
}

// limitedWriter keeps the first n bytes and silently drops the rest.
type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	if l.n <= 0 {
		return total, nil
	}
	if len(p) > l.n {
		p = p[:l.n]
	}
	n, err := l.w.Write(p)
	l.n -= n
	if err != nil {
		return n, err
	}
	return total, nil
}
