package runtime_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-live/internal/skills/manifest"
	runtime "github.com/loqalabs/loqa-live/internal/skills/runtime"
	"github.com/tetratelabs/wazero"
)

const sampleManifest = `metadata:
  name: sample
  version: 0.0.1
  description: example skill
  author: test
runtime:
  mode: wasm
  module: %s
  entrypoint: run
  host_version: v1
`

// resultModule exports memory and run(), which calls env.host_result(0, 5)
// over a data segment holding "hello".
var resultModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type: (i32, i32) -> (), () -> ()
	0x01, 0x09, 0x02, 0x60, 0x02, 0x7f, 0x7f, 0x00, 0x60, 0x00, 0x00,
	// import env.host_result
	0x02, 0x13, 0x01,
	0x03, 'e', 'n', 'v',
	0x0b, 'h', 'o', 's', 't', '_', 'r', 'e', 's', 'u', 'l', 't',
	0x00, 0x00,
	// func run: type 1
	0x03, 0x02, 0x01, 0x01,
	// memory: min 1 page
	0x05, 0x03, 0x01, 0x00, 0x01,
	// export memory, run
	0x07, 0x10, 0x02,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x03, 'r', 'u', 'n', 0x00, 0x01,
	// code
	0x0a, 0x0a, 0x01, 0x08, 0x00, 0x41, 0x00, 0x41, 0x05, 0x10, 0x00, 0x0b,
	// data at offset 0
	0x0b, 0x0b, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x05, 'h', 'e', 'l', 'l', 'o',
}

// stdoutModule exports memory and run(), which writes "world" to fd 1 via
// wasi fd_write and reports nothing through host_result.
var stdoutModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type: (i32, i32, i32, i32) -> i32, () -> ()
	0x01, 0x0c, 0x02, 0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f, 0x60, 0x00, 0x00,
	// import wasi_snapshot_preview1.fd_write
	0x02, 0x23, 0x01,
	0x16, 'w', 'a', 's', 'i', '_', 's', 'n', 'a', 'p', 's', 'h', 'o', 't', '_', 'p', 'r', 'e', 'v', 'i', 'e', 'w', '1',
	0x08, 'f', 'd', '_', 'w', 'r', 'i', 't', 'e',
	0x00, 0x00,
	// func run: type 1
	0x03, 0x02, 0x01, 0x01,
	// memory: min 1 page
	0x05, 0x03, 0x01, 0x00, 0x01,
	// export memory, run
	0x07, 0x10, 0x02,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x03, 'r', 'u', 'n', 0x00, 0x01,
	// code: drop(fd_write(1, 0, 1, 8))
	0x0a, 0x0f, 0x01, 0x0d, 0x00,
	0x41, 0x01, 0x41, 0x00, 0x41, 0x01, 0x41, 0x08, 0x10, 0x00, 0x1a, 0x0b,
	// data: iovec{ptr: 16, len: 5}, padding, "world"
	0x0b, 0x1b, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x15,
	0x10, 0x00, 0x00, 0x00, 0x05, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	'w', 'o', 'r', 'l', 'd',
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSkill(t *testing.T, module []byte) manifest.Manifest {
	t.Helper()
	dir := t.TempDir()
	modulePath := filepath.Join(dir, "skill.wasm")
	if err := os.WriteFile(modulePath, module, 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	mf, err := manifest.Parse([]byte(formatManifest(sampleManifest, modulePath)))
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	return mf
}

func TestRuntimeLoadMissingFile(t *testing.T) {
	ctx := context.Background()
	rt, err := runtime.New(ctx, nil, runtime.HostBindings{})
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close(ctx) })

	mfYAML := []byte(formatManifest(sampleManifest, filepath.Join(t.TempDir(), "missing.wasm")))
	manifestPath := filepath.Join(t.TempDir(), "manifest.yaml")
	if err := os.WriteFile(manifestPath, mfYAML, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	mf, err := manifest.Load(manifestPath)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}

	if _, err := rt.Load(ctx, mf, map[string]string{}); err == nil {
		t.Fatalf("expected error for missing module")
	}
}

func TestRunReturnsHostResult(t *testing.T) {
	mf := writeSkill(t, resultModule)
	cache := wazero.NewCompilationCache()
	t.Cleanup(func() { cache.Close(context.Background()) })

	for i := 0; i < 2; i++ {
		out, err := runtime.Run(context.Background(), cache, mf, nil, discardLogger())
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if out != "hello" {
			t.Fatalf("run %d: expected hello, got %q", i, out)
		}
	}
}

func TestRunFallsBackToStdout(t *testing.T) {
	mf := writeSkill(t, stdoutModule)
	out, err := runtime.Run(context.Background(), nil, mf, map[string]string{"LOQA_TOOL_ARGS": "{}"}, discardLogger())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "world" {
		t.Fatalf("expected stdout output, got %q", out)
	}
}

func TestRunMissingEntrypoint(t *testing.T) {
	mf := writeSkill(t, resultModule)
	mf.Runtime.Entrypoint = "handle"
	if _, err := runtime.Run(context.Background(), nil, mf, nil, discardLogger()); err == nil {
		t.Fatalf("expected error for missing entrypoint")
	}
}

func formatManifest(template, modulePath string) string {
	return fmt.Sprintf(template, modulePath)
}
