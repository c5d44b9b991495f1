// Package runtime wires configuration into a running daemon: telemetry, the
// optional bus, persistence, tools, the transport and one live session, plus
// the HTTP control surface.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/bus"
	"github.com/loqalabs/loqa-live/internal/capability"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/memory"
	"github.com/loqalabs/loqa-live/internal/natsserver"
	"github.com/loqalabs/loqa-live/internal/session"
	skillsvc "github.com/loqalabs/loqa-live/internal/skills/service"
	"github.com/loqalabs/loqa-live/internal/tools"
	"github.com/loqalabs/loqa-live/internal/transport"
	"github.com/loqalabs/loqa-live/internal/transport/gemini"
	"github.com/loqalabs/loqa-live/internal/transport/natsbridge"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

// sessionControl is the part of a session the HTTP surface drives.
type sessionControl interface {
	Mute(bool)
	Exit()
	Status() session.Status
}

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	mu       sync.RWMutex
	control  sessionControl
	bus      *bus.Client
	presence *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// deps are the long-lived resources a session borrows.
type deps struct {
	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	memory   *memory.Store
	events   *eventstore.Store
	skills   *skillsvc.Service
}

func (d *deps) close(logger *slog.Logger) {
	d.skills.Close()
	if d.events != nil {
		if err := d.events.Close(); err != nil {
			logger.Warn("failed to close event store", slog.String("error", err.Error()))
		}
	}
	if d.memory != nil {
		if err := d.memory.Close(); err != nil {
			logger.Warn("failed to close memory store", slog.String("error", err.Error()))
		}
	}
	d.bus.Close()
	d.embedded.Shutdown()
}

// Start runs until ctx is cancelled or the session ends. A session that ends
// in the error state is returned as an error.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	d := &deps{}
	defer d.close(r.logger)
	if err := r.openDeps(ctx, d); err != nil {
		return err
	}

	registry, err := buildRegistry(r.cfg, d.memory, d.skills.Tools(), r.logger)
	if err != nil {
		return fmt.Errorf("build tool registry: %w", err)
	}
	link, err := buildTransport(r.cfg, d.bus, r.logger)
	if err != nil {
		return err
	}
	engine := session.New(r.sessionOptions(registry, link, d))

	var presence *capability.Registry
	if d.bus != nil {
		presence, err = capability.NewRegistry(ctx, capability.Options{
			NodeID:            engine.ID(),
			Role:              capability.RoleSession,
			HeartbeatInterval: time.Duration(r.cfg.Bus.HeartbeatIntervalMS) * time.Millisecond,
			HeartbeatTimeout:  time.Duration(r.cfg.Bus.HeartbeatTimeoutMS) * time.Millisecond,
		}, capability.FromTools(registry.Specs()), d.bus, r.logger)
		if err != nil {
			return fmt.Errorf("start presence: %w", err)
		}
		defer presence.Close()
	}

	r.mu.Lock()
	r.control = engine
	r.bus = d.bus
	r.presence = presence
	r.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           r.routes(tel.metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r.logger.Info("http server listening", slog.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})
	g.Go(func() error {
		// The daemon serves exactly one conversation.
		defer cancel()
		return r.runSession(gctx, engine)
	})
	g.Go(func() error {
		return pruneLoop(gctx, d.events, pruneInterval, r.logger)
	})

	r.logger.Info("runtime started", slog.String("transport", r.cfg.Transport.Mode))
	err = g.Wait()
	r.ready.Store(false)
	r.logger.Info("runtime stopped")
	return err
}

func (r *Runtime) openDeps(ctx context.Context, d *deps) error {
	var err error
	d.embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	if r.cfg.Transport.Mode == "nats" {
		busCfg := r.cfg.Bus
		if url := d.embedded.ClientURL(); url != "" {
			busCfg.Servers = []string{url}
		}
		d.bus, err = bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
	}

	d.memory, err = memory.Open(ctx, r.cfg.Memory, r.logger)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	d.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	d.skills, err = skillsvc.New(r.cfg.Skills, r.logger)
	if err != nil {
		return fmt.Errorf("load skills: %w", err)
	}
	return nil
}

func (r *Runtime) sessionOptions(registry *tools.Registry, link transport.Transport, d *deps) session.Options {
	cfg := r.cfg
	return session.Options{
		Live:        cfg.Live,
		ToolTimeout: time.Duration(cfg.Tools.CallTimeoutMS) * time.Millisecond,
		OpenInput: func() (audio.Input, error) {
			return audio.OpenInput(cfg.Audio.Input, cfg.Live.CaptureSampleRate)
		},
		OpenOutput: func() (audio.Output, error) {
			return audio.OpenOutput(cfg.Audio.Output, cfg.Live.PlaybackSampleRate)
		},
		Transport:     link,
		Registry:      registry,
		Instructions:  d.memory.Instructions,
		Timeline:      d.events,
		TransportName: cfg.Transport.Mode,
		Model:         cfg.Transport.Model,
		Logger:        r.logger,
	}
}

// buildRegistry registers the built-in tools, the web tools when a search key
// is configured, and every discovered skill.
func buildRegistry(cfg config.Config, saver tools.FactSaver, skills []tools.Tool, logger *slog.Logger) (*tools.Registry, error) {
	list := []tools.Tool{tools.Remember(saver)}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	search := tools.NewSearchClient(cfg.Tools.SearchAPIKey, cfg.Tools.SearchEndpoint, httpClient)
	if search.Configured() {
		locator := tools.NewHTTPLocator(cfg.Tools.LocationEndpoint, httpClient)
		locateTimeout := time.Duration(cfg.Tools.LocationTimeoutMS) * time.Millisecond
		list = append(list,
			tools.WebSearch(search, cfg.Tools.SearchMaxResults),
			tools.MapsSearch(locator, search, locateTimeout, cfg.Tools.SearchMaxResults),
		)
	} else {
		logger.Info("search api key not configured; web tools disabled")
	}
	list = append(list, skills...)
	return tools.NewRegistry(logger, list...)
}

func buildTransport(cfg config.Config, client *bus.Client, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport.Mode {
	case "gemini":
		return gemini.New(gemini.OptionsFromConfig(cfg.Transport), logger), nil
	case "nats":
		if client == nil {
			return nil, errors.New("nats transport requires a bus connection")
		}
		return natsbridge.New(client, time.Duration(cfg.Transport.SetupWaitMS)*time.Millisecond, logger), nil
	default:
		return nil, fmt.Errorf("unsupported transport mode %q", cfg.Transport.Mode)
	}
}

func (r *Runtime) runSession(ctx context.Context, engine *session.Engine) error {
	if err := engine.Start(ctx, r.onStatus, r.onTranscript); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	r.ready.Store(true)
	<-engine.Done()
	r.ready.Store(false)

	status := engine.Status()
	if status.State == session.StateError {
		return fmt.Errorf("session %s failed: %w", status.SessionID, status.Cause)
	}
	r.logger.Info("session finished", slog.String("session_id", status.SessionID))
	return nil
}

func (r *Runtime) onStatus(s session.Status) {
	attrs := []any{
		slog.String("session_id", s.SessionID),
		slog.String("state", string(s.State)),
		slog.Bool("speaking", s.Speaking),
		slog.Bool("muted", s.Muted),
	}
	if s.Cause != nil {
		attrs = append(attrs, slog.String("error", s.Cause.Error()))
	}
	r.logger.Debug("session status", attrs...)
}

func (r *Runtime) onTranscript(t session.Transcript) {
	if !t.Final {
		r.logger.Debug("transcript update", slog.String("role", string(t.Role)), slog.String("text", t.Text))
		return
	}
	r.logger.Info("transcript", slog.String("session_id", t.SessionID), slog.String("role", string(t.Role)), slog.String("text", t.Text))
}

func pruneLoop(ctx context.Context, store *eventstore.Store, every time.Duration, logger *slog.Logger) error {
	if store == nil {
		return nil
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := store.Prune(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	mux.HandleFunc("GET /nodes", r.handleNodes)
	mux.HandleFunc("GET /session", r.handleStatus)
	mux.HandleFunc("POST /session/mute", r.handleMute)
	mux.HandleFunc("POST /session/exit", r.handleExit)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	r.mu.RLock()
	client, presence := r.bus, r.presence
	r.mu.RUnlock()
	if r.ready.Load() && (client == nil || client.Healthy()) && presence.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleNodes lists the peers seen on the bus; it is empty without one.
func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	r.mu.RLock()
	presence := r.presence
	r.mu.RUnlock()
	nodes := presence.Query(nil)
	if nodes == nil {
		nodes = []capability.NodeInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(nodes)
}

type statusResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Speaking  bool   `json:"speaking"`
	Muted     bool   `json:"muted"`
	Error     string `json:"error,omitempty"`
}

func (r *Runtime) activeSession(w http.ResponseWriter) (sessionControl, bool) {
	r.mu.RLock()
	control := r.control
	r.mu.RUnlock()
	if control == nil {
		http.Error(w, "no session", http.StatusServiceUnavailable)
		return nil, false
	}
	return control, true
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	control, ok := r.activeSession(w)
	if !ok {
		return
	}
	writeStatus(w, http.StatusOK, control.Status())
}

func (r *Runtime) handleMute(w http.ResponseWriter, req *http.Request) {
	on, err := strconv.ParseBool(req.URL.Query().Get("on"))
	if err != nil {
		http.Error(w, "query parameter on must be true or false", http.StatusBadRequest)
		return
	}
	control, ok := r.activeSession(w)
	if !ok {
		return
	}
	control.Mute(on)
	writeStatus(w, http.StatusOK, control.Status())
}

func (r *Runtime) handleExit(w http.ResponseWriter, _ *http.Request) {
	control, ok := r.activeSession(w)
	if !ok {
		return
	}
	control.Exit()
	writeStatus(w, http.StatusAccepted, control.Status())
}

func writeStatus(w http.ResponseWriter, code int, s session.Status) {
	resp := statusResponse{
		SessionID: s.SessionID,
		State:     string(s.State),
		Speaking:  s.Speaking,
		Muted:     s.Muted,
	}
	if s.Cause != nil {
		resp.Error = s.Cause.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
