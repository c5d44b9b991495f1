// Package service discovers WASM skills on disk and exposes each one as a
// tool the model can call.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-live/internal/config"
	manifestpkg "github.com/loqalabs/loqa-live/internal/skills/manifest"
	skillrt "github.com/loqalabs/loqa-live/internal/skills/runtime"
	"github.com/loqalabs/loqa-live/internal/tools"
	"github.com/tetratelabs/wazero"
)

const defaultTimeout = 30 * time.Second

// Service owns the compiled module cache shared by all skill invocations.
type Service struct {
	cfg     config.SkillsConfig
	log     *slog.Logger
	cache   wazero.CompilationCache
	timeout time.Duration
	skills  map[string]*binding
}

type binding struct {
	manifest     manifestpkg.Manifest
	manifestPath string
	directory    string
}

// New discovers skills. When cfg.Enabled is false, nil is returned.
func New(cfg config.SkillsConfig, logger *slog.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	svc := &Service{
		cfg:     cfg,
		log:     logger.With(slog.String("component", "skills.service")),
		cache:   wazero.NewCompilationCache(),
		timeout: timeout,
		skills:  make(map[string]*binding),
	}
	if err := svc.loadSkills(); err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

// Close releases the compilation cache.
func (s *Service) Close() {
	if s == nil || s.cache == nil {
		return
	}
	_ = s.cache.Close(context.Background())
}

// Tools returns one tool per discovered skill, ordered by name.
func (s *Service) Tools() []tools.Tool {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.skills))
	for name := range s.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]tools.Tool, 0, len(names))
	for _, name := range names {
		b := s.skills[name]
		out = append(out, tools.Tool{Spec: b.manifest.ToolSpec(), Handler: &handler{svc: s, binding: b}})
	}
	return out
}

func (s *Service) loadSkills() error {
	root := s.cfg.Directory
	if root == "" {
		return errors.New("skills directory not configured")
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(d.Name(), "skill.yaml") {
			if err := s.addSkill(path); err != nil {
				s.log.Error("failed to load skill", slog.String("path", path), slog.String("error", err.Error()))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(s.skills) == 0 {
		s.log.Warn("no skills discovered", slog.String("directory", root))
	} else {
		s.log.Info("skills discovered", slog.Int("count", len(s.skills)))
	}
	return nil
}

func (s *Service) addSkill(manifestPath string) error {
	mf, err := manifestpkg.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	if err := manifestpkg.Validate(mf); err != nil {
		return fmt.Errorf("validate manifest: %w", err)
	}
	name := mf.Metadata.Name
	if _, exists := s.skills[name]; exists {
		return fmt.Errorf("duplicate skill name %s", name)
	}

	baseDir := filepath.Dir(manifestPath)
	if !filepath.IsAbs(mf.Runtime.Module) {
		mf.Runtime.Module = filepath.Join(baseDir, mf.Runtime.Module)
	}
	if _, err := os.Stat(mf.Runtime.Module); err != nil {
		return fmt.Errorf("skill module: %w", err)
	}

	s.skills[name] = &binding{
		manifest:     mf,
		manifestPath: manifestPath,
		directory:    baseDir,
	}
	return nil
}

type handler struct {
	svc     *Service
	binding *binding
}

func (h *handler) Invoke(ctx context.Context, args map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.svc.timeout)
	defer cancel()

	mf := h.binding.manifest
	for _, p := range mf.Parameters {
		if p.Required && strings.TrimSpace(args[p.Name]) == "" {
			return "", fmt.Errorf("missing required argument %q", p.Name)
		}
	}

	invocationID := uuid.NewString()
	env, err := Env(mf, h.binding.directory, invocationID, args)
	if err != nil {
		return "", err
	}
	logger := h.svc.log.With(
		slog.String("skill", mf.Metadata.Name),
		slog.String("invocation_id", invocationID),
	)

	start := time.Now()
	out, err := skillrt.Run(ctx, h.svc.cache, mf, env, logger)
	if err != nil {
		logger.Warn("skill invocation failed", slog.String("error", err.Error()))
		return "", err
	}
	logger.Debug("skill invocation complete", slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	if out == "" {
		out = fmt.Sprintf("%s completed", mf.Metadata.Name)
	}
	return out, nil
}

// Env builds the module environment: invocation metadata, every argument as
// LOQA_TOOL_ARG_<NAME> plus the full set as JSON in LOQA_TOOL_ARGS, and any
// host variables the manifest passes through.
func Env(mf manifestpkg.Manifest, directory, invocationID string, args map[string]string) (map[string]string, error) {
	if args == nil {
		args = map[string]string{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode tool args: %w", err)
	}
	env := map[string]string{
		"LOQA_SKILL_NAME":      mf.Metadata.Name,
		"LOQA_INVOCATION_ID":   invocationID,
		"LOQA_SKILL_DIRECTORY": directory,
		"LOQA_TOOL_ARGS":       string(encoded),
	}
	for _, name := range mf.Env {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	for name, value := range args {
		env["LOQA_TOOL_ARG_"+strings.ToUpper(name)] = value
	}
	return env, nil
}
