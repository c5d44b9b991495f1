package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-live/internal/skills/manifest"
	skillrt "github.com/loqalabs/loqa-live/internal/skills/runtime"
	"github.com/loqalabs/loqa-live/internal/skills/service"
)

var version = "0.1.0-dev"

// argList collects repeated -arg name=value flags.
type argList map[string]string

func (a argList) String() string {
	parts := make([]string, 0, len(a))
	for k, v := range a {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (a argList) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("argument %q must look like name=value", s)
	}
	a[strings.TrimSpace(name)] = value
	return nil
}

func main() {
	var manifestPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&manifestPath, "file", "skill.yaml", "Path to skill manifest")

	args := argList{}
	var timeout time.Duration
	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	runCmd.StringVar(&manifestPath, "file", "skill.yaml", "Path to skill manifest")
	runCmd.Var(args, "arg", "Tool argument as name=value (repeatable)")
	runCmd.DurationVar(&timeout, "timeout", 30*time.Second, "Invocation timeout")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'run' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if _, err := load(manifestPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("manifest valid")
	case "run":
		runCmd.Parse(os.Args[2:])
		out, err := runSkill(manifestPath, args, timeout)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(out)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func load(path string) (manifest.Manifest, error) {
	m, err := manifest.Load(path)
	if err != nil {
		return m, err
	}
	return m, manifest.Validate(m)
}

// runSkill invokes a skill once, the same way the daemon does for a tool call.
func runSkill(path string, args map[string]string, timeout time.Duration) (string, error) {
	m, err := load(path)
	if err != nil {
		return "", err
	}
	for _, p := range m.Parameters {
		if p.Required && strings.TrimSpace(args[p.Name]) == "" {
			return "", fmt.Errorf("missing required argument %q", p.Name)
		}
	}
	dir := filepath.Dir(path)
	if !filepath.IsAbs(m.Runtime.Module) {
		m.Runtime.Module = filepath.Join(dir, m.Runtime.Module)
	}
	env, err := service.Env(m, dir, uuid.NewString(), args)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return skillrt.Run(ctx, nil, m, env, logger)
}
