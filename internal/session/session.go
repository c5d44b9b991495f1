// Package session runs one live voice conversation: it owns the transport,
// routes inbound events to playback, transcripts and tools, and releases every
// resource exactly once when the conversation ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/capture"
	"github.com/loqalabs/loqa-live/internal/codec"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/playback"
	"github.com/loqalabs/loqa-live/internal/tools"
	"github.com/loqalabs/loqa-live/internal/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrMissingOption  = errors.New("session option missing")

	errExitRequested = errors.New("exit requested while connecting")
)

// Timeline persists what happened during a session. *eventstore.Store
// satisfies it.
type Timeline interface {
	AppendSession(ctx context.Context, sessionID, transport, model string) error
	EndSession(ctx context.Context, sessionID, state string) error
	Record(ctx context.Context, sessionID, typ string, payload any) error
}

type StatusFunc func(Status)

type TranscriptFunc func(Transcript)

type Options struct {
	Live config.LiveConfig
	// ToolTimeout bounds each tool call when positive.
	ToolTimeout time.Duration
	// OpenInput and OpenOutput acquire the devices while connecting; denied
	// microphone access surfaces from OpenInput.
	OpenInput  func() (audio.Input, error)
	OpenOutput func() (audio.Output, error)
	Transport  transport.Transport
	Registry   *tools.Registry
	// Instructions renders the system prompt from the configured base, for
	// example by appending remembered facts. Optional.
	Instructions  func(ctx context.Context, base string) (string, error)
	Timeline      Timeline
	TransportName string
	Model         string
	Logger        *slog.Logger
}

type outbound struct {
	frame  *capture.Frame
	result *tools.Result
}

// Engine is single use: one Start, one conversation.
type Engine struct {
	opts Options
	id   string
	log  *slog.Logger

	// statusMu orders status callbacks so observers never see a stale state
	// after a newer one. Callbacks must not call Mute.
	statusMu sync.Mutex

	mu            sync.Mutex
	state         State
	cause         error
	speaking      bool
	muted         bool
	started       bool
	writerStarted bool
	onStatus      StatusFunc
	onTranscript  TranscriptFunc
	input         audio.Input
	output        audio.Output
	scheduler     *playback.Scheduler
	pipeline      *capture.Pipeline
	dispatcher    *tools.Dispatcher

	ctx        context.Context
	cancel     context.CancelFunc
	events     <-chan transport.Event
	outbound   chan outbound
	fatal      chan error
	exitReq    chan struct{}
	exitOnce   sync.Once
	done       chan struct{}
	writerDone chan struct{}
	finished   chan struct{}

	cleanupOnce sync.Once
	finishOnce  sync.Once

	// Owned by the run goroutine.
	inText  strings.Builder
	outText strings.Builder

	frames     metric.Int64Counter
	interrupts metric.Int64Counter
	sessions   metric.Int64Counter
}

func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	live := &opts.Live
	if live.CaptureSampleRate <= 0 {
		live.CaptureSampleRate = 16000
	}
	if live.PlaybackSampleRate <= 0 {
		live.PlaybackSampleRate = 24000
	}
	if live.FrameSize <= 0 {
		live.FrameSize = 4096
	}
	if live.OutboundQueue <= 0 {
		live.OutboundQueue = 256
	}
	id := uuid.NewString()
	e := &Engine{
		opts:       opts,
		id:         id,
		log:        opts.Logger.With(slog.String("component", "session"), slog.String("session_id", id)),
		state:      StateIdle,
		outbound:   make(chan outbound, live.OutboundQueue),
		fatal:      make(chan error, 1),
		exitReq:    make(chan struct{}),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		finished:   make(chan struct{}),
	}
	if err := e.initMetrics(); err != nil {
		e.log.Warn("failed to initialize metrics", slogError(err))
	}
	return e
}

func (e *Engine) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-live/session")
	frames, err := meter.Int64Counter("loqa.live.audio.frames", metric.WithDescription("Audio frames by direction"))
	if err != nil {
		return err
	}
	interrupts, err := meter.Int64Counter("loqa.live.interrupts", metric.WithDescription("Playback flushes caused by barge-in"))
	if err != nil {
		return err
	}
	sessions, err := meter.Int64Counter("loqa.live.sessions", metric.WithDescription("Finished sessions by final state"))
	if err != nil {
		return err
	}
	e.frames, e.interrupts, e.sessions = frames, interrupts, sessions
	return nil
}

func (e *Engine) ID() string { return e.id }

// Done is closed once the session reached closed or error and released its
// resources.
func (e *Engine) Done() <-chan struct{} { return e.finished }

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Status {
	return Status{
		SessionID: e.id,
		State:     e.state,
		Cause:     e.cause,
		Speaking:  e.speaking,
		Muted:     e.muted,
	}
}

// Start acquires the devices, opens the transport and begins streaming. It
// returns once the session is open or has failed; a failure is also reported
// through onStatus with the error state. Exit or cancelling ctx while
// connecting abandons the handshake and Start returns nil with the session
// closed. Cancelling ctx later closes the session like Exit.
func (e *Engine) Start(ctx context.Context, onStatus StatusFunc, onTranscript TranscriptFunc) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.onStatus = onStatus
	e.onTranscript = onTranscript
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	if e.opts.Transport == nil || e.opts.Registry == nil || e.opts.OpenInput == nil || e.opts.OpenOutput == nil {
		err := fmt.Errorf("%w: transport, registry and devices are required", ErrMissingOption)
		e.terminate(StateError, err)
		return err
	}
	if e.opts.Timeline != nil {
		if err := e.opts.Timeline.AppendSession(ctx, e.id, e.opts.TransportName, e.opts.Model); err != nil {
			e.log.Warn("failed to record session", slogError(err))
		}
	}
	if err := e.transition(StateConnecting, nil); err != nil {
		return err
	}
	if err := e.connect(); err != nil {
		if e.exitRequested() {
			e.log.Info("session exited while connecting", slogError(err))
			e.shutdown()
			return nil
		}
		e.log.Error("session failed to open", slogError(err))
		e.terminate(StateError, err)
		return err
	}
	go e.run()
	return nil
}

func (e *Engine) connect() error {
	ctx, stop := context.WithCancel(e.ctx)
	defer stop()
	go func() {
		select {
		case <-e.exitReq:
			stop()
		case <-ctx.Done():
		}
	}()

	input, err := e.opts.OpenInput()
	if err != nil {
		return fmt.Errorf("open input device: %w", err)
	}
	e.mu.Lock()
	e.input = input
	e.mu.Unlock()
	if e.exitRequested() {
		return errExitRequested
	}

	output, err := e.opts.OpenOutput()
	if err != nil {
		return fmt.Errorf("open output device: %w", err)
	}
	scheduler := playback.New(output, e.setSpeaking, e.log)
	e.mu.Lock()
	e.output = output
	e.scheduler = scheduler
	e.mu.Unlock()

	instructions := e.opts.Live.Instructions
	if e.opts.Instructions != nil {
		rendered, err := e.opts.Instructions(ctx, instructions)
		if err != nil {
			e.log.Warn("failed to render instructions; using base prompt", slogError(err))
		} else {
			instructions = rendered
		}
	}
	events, err := e.opts.Transport.Open(ctx, transport.Setup{
		SessionID:    e.id,
		Instructions: instructions,
		Tools:        e.opts.Registry.Specs(),
	})
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	if e.exitRequested() {
		return errExitRequested
	}

	dispatcher := tools.NewDispatcher(e.ctx, e.opts.Registry, e.opts.ToolTimeout, e.deliver, e.log)
	pipeline := capture.New(input, e.opts.Live.FrameSize, e.enqueueFrame, e.reportFatal, e.log)
	e.mu.Lock()
	e.events = events
	e.dispatcher = dispatcher
	e.pipeline = pipeline
	pipeline.SetMuted(e.muted)
	e.writerStarted = true
	e.mu.Unlock()

	go e.writeLoop()
	if err := pipeline.Start(e.ctx); err != nil {
		return err
	}
	return e.transition(StateOpen, nil)
}

// run is the session's single event loop. It returns once the session ended.
func (e *Engine) run() {
	for {
		select {
		case evt, ok := <-e.events:
			if !ok {
				e.log.Info("transport stream ended")
				e.terminate(StateClosed, nil)
				return
			}
			if e.route(evt) {
				return
			}
		case err := <-e.fatal:
			e.log.Error("session failed", slogError(err))
			e.terminate(StateError, err)
			return
		case <-e.exitReq:
			e.shutdown()
			return
		case <-e.ctx.Done():
			e.shutdown()
			return
		}
	}
}

// route handles one inbound event and reports whether the session ended.
func (e *Engine) route(evt transport.Event) bool {
	switch evt.Kind {
	case transport.KindAudio:
		e.playAudio(evt.Audio)
	case transport.KindInputTranscript:
		e.inText.WriteString(evt.Text)
		e.transcript(RoleUser, e.inText.String(), false)
	case transport.KindOutputTranscript:
		e.outText.WriteString(evt.Text)
		e.transcript(RoleModel, e.outText.String(), false)
	case transport.KindTurnComplete:
		e.completeTurn()
	case transport.KindInterrupted:
		flushed := e.scheduler.Flush()
		if e.interrupts != nil {
			e.interrupts.Add(context.Background(), 1)
		}
		e.log.Debug("playback interrupted", slog.Int("flushed", flushed))
	case transport.KindToolCall:
		for _, call := range evt.Calls {
			e.record(eventstore.TypeToolCall, map[string]any{"call_id": call.ID, "tool": call.Name, "args": call.Args})
			e.dispatcher.Dispatch(call)
		}
	case transport.KindError:
		err := evt.Err
		if err == nil {
			err = errors.New("unknown transport error")
		}
		e.log.Error("transport failed", slogError(err))
		e.terminate(StateError, fmt.Errorf("transport: %w", err))
		return true
	case transport.KindClosed:
		e.log.Info("transport closed by remote")
		e.terminate(StateClosed, nil)
		return true
	default:
		e.log.Warn("dropping unknown transport event", slog.String("kind", evt.Kind.String()))
	}
	return false
}

func (e *Engine) playAudio(blob codec.Blob) {
	// The generation is taken before decoding so a flush that lands in
	// between wins over this frame.
	gen := e.scheduler.Generation()
	pcm, err := codec.Unwrap(blob)
	if err != nil {
		e.log.Warn("dropping malformed audio payload", slogError(err))
		return
	}
	_, scheduled, err := e.scheduler.Schedule(gen, codec.Decode(pcm))
	switch {
	case errors.Is(err, audio.ErrDeviceLost):
		e.reportFatal(fmt.Errorf("playback: %w", err))
	case err != nil:
		e.log.Warn("failed to schedule playback", slogError(err))
	case !scheduled:
		e.log.Debug("dropping audio from before interrupt")
	case e.frames != nil:
		e.frames.Add(context.Background(), 1, metric.WithAttributes(attribute.String("direction", "in")))
	}
}

func (e *Engine) completeTurn() {
	in, out := e.inText.String(), e.outText.String()
	if in != "" {
		e.transcript(RoleUser, in, true)
	}
	if out != "" {
		e.transcript(RoleModel, out, true)
	}
	if in != "" || out != "" {
		e.record(eventstore.TypeTranscriptTurn, map[string]string{"input": in, "output": out})
	}
	e.inText.Reset()
	e.outText.Reset()
}

func (e *Engine) transcript(role Role, text string, final bool) {
	e.mu.Lock()
	fn := e.onTranscript
	e.mu.Unlock()
	if fn != nil {
		fn(Transcript{SessionID: e.id, Role: role, Text: text, Final: final})
	}
}

// enqueueFrame is the capture sink. It waits only while the outbound queue is
// full and gives up once the session ends.
func (e *Engine) enqueueFrame(frame capture.Frame) {
	if !e.enqueue(outbound{frame: &frame}) {
		e.log.Debug("dropping capture frame after session end", slog.Uint64("sequence", frame.Sequence))
	}
}

// deliver receives dispatcher results and hands them to the send path.
func (e *Engine) deliver(result tools.Result) {
	e.record(eventstore.TypeToolResult, map[string]any{"call_id": result.ID, "tool": result.Name, "is_error": result.IsError, "output": result.Output})
	if !e.enqueue(outbound{result: &result}) {
		e.log.Debug("discarding tool result after session end", slog.String("call_id", result.ID))
	}
}

func (e *Engine) enqueue(msg outbound) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.outbound <- msg:
		return true
	case <-e.done:
		return false
	}
}

// writeLoop is the only caller of the transport's send methods, so audio
// frames and tool results leave in the order they were queued.
func (e *Engine) writeLoop() {
	defer close(e.writerDone)
	for {
		select {
		case <-e.done:
			return
		case msg := <-e.outbound:
			select {
			case <-e.done:
				return
			default:
			}
			if err := e.send(msg); err != nil {
				select {
				case <-e.done:
				default:
					e.reportFatal(fmt.Errorf("send: %w", err))
				}
				return
			}
		}
	}
}

func (e *Engine) send(msg outbound) error {
	if msg.result != nil {
		return e.opts.Transport.SendToolResult(e.ctx, *msg.result)
	}
	if err := e.opts.Transport.SendAudio(e.ctx, msg.frame.Blob); err != nil {
		return err
	}
	if e.frames != nil {
		e.frames.Add(context.Background(), 1, metric.WithAttributes(attribute.String("direction", "out")))
	}
	return nil
}

// reportFatal keeps the first fatal error; later ones are logged only.
func (e *Engine) reportFatal(err error) {
	select {
	case e.fatal <- err:
	default:
		e.log.Debug("additional fatal error", slogError(err))
	}
}

// Mute stops forwarding captured audio. Playback keeps running unless
// live.flush_on_mute is set.
func (e *Engine) Mute(muted bool) {
	e.statusMu.Lock()
	e.mu.Lock()
	changed := e.muted != muted
	e.muted = muted
	pipeline, scheduler, onStatus := e.pipeline, e.scheduler, e.onStatus
	snapshot := e.snapshotLocked()
	e.mu.Unlock()
	if pipeline != nil {
		pipeline.SetMuted(muted)
	}
	if changed && onStatus != nil {
		onStatus(snapshot)
	}
	e.statusMu.Unlock()

	if changed {
		e.log.Info("mute changed", slog.Bool("muted", muted))
	}
	if changed && muted && e.opts.Live.FlushOnMute && scheduler != nil {
		scheduler.Flush()
	}
}

// Exit asks the session to close. It returns immediately; use Done to wait.
// While connecting it also abandons the pending handshake.
func (e *Engine) Exit() {
	e.exitOnce.Do(func() { close(e.exitReq) })
}

// exitRequested reports whether Exit was called or the Start context ended.
func (e *Engine) exitRequested() bool {
	select {
	case <-e.exitReq:
		return true
	default:
	}
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	return ctx != nil && ctx.Err() != nil
}

func (e *Engine) shutdown() {
	if err := e.transition(StateClosing, nil); err != nil {
		e.log.Warn("cannot close session", slogError(err))
		e.terminate(StateError, err)
		return
	}
	e.mu.Lock()
	pipeline, scheduler := e.pipeline, e.scheduler
	e.mu.Unlock()
	if pipeline != nil {
		pipeline.Stop()
	}
	if scheduler != nil {
		scheduler.Flush()
	}
	e.terminate(StateClosed, nil)
}

// terminate releases resources, then moves to the final state.
func (e *Engine) terminate(to State, cause error) {
	e.cleanup()
	if err := e.transition(to, cause); err != nil {
		e.log.Warn("final transition rejected", slogError(err))
	}
	final := e.Status().State
	if e.opts.Timeline != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := e.opts.Timeline.EndSession(ctx, e.id, string(final)); err != nil {
			e.log.Warn("failed to record session end", slogError(err))
		}
		cancel()
	}
	if e.sessions != nil {
		e.sessions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", string(final))))
	}
	e.finishOnce.Do(func() { close(e.finished) })
}

// cleanup runs once: it stops capture, discards pending tool results, closes
// the transport and releases both devices. Later calls do nothing.
func (e *Engine) cleanup() {
	e.cleanupOnce.Do(func() {
		e.mu.Lock()
		pipeline, dispatcher, scheduler := e.pipeline, e.dispatcher, e.scheduler
		input, output := e.input, e.output
		writerStarted, cancel := e.writerStarted, e.cancel
		e.mu.Unlock()

		if pipeline != nil {
			pipeline.Stop()
		}
		close(e.done)
		if dispatcher != nil {
			dispatcher.Close()
		}
		if cancel != nil {
			cancel()
		}
		if e.opts.Transport != nil {
			if err := e.opts.Transport.Close(); err != nil {
				e.log.Warn("failed to close transport", slogError(err))
			}
		}
		if writerStarted {
			<-e.writerDone
		}
		if scheduler != nil {
			scheduler.Close()
		}
		if input != nil {
			if err := input.Close(); err != nil {
				e.log.Warn("failed to release input device", slogError(err))
			}
		}
		if output != nil {
			if err := output.Close(); err != nil {
				e.log.Warn("failed to release output device", slogError(err))
			}
		}
		e.log.Info("session resources released")
	})
}

func (e *Engine) transition(to State, cause error) error {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	e.mu.Lock()
	from := e.state
	if !canTransition(from, to) {
		e.mu.Unlock()
		return transitionError{from: from, to: to}
	}
	e.state = to
	if cause != nil {
		e.cause = cause
	}
	snapshot := e.snapshotLocked()
	onStatus := e.onStatus
	e.mu.Unlock()

	attrs := []any{slog.String("from", string(from)), slog.String("to", string(to))}
	if cause != nil {
		attrs = append(attrs, slogError(cause))
	}
	e.log.Info("session state changed", attrs...)
	payload := map[string]string{"from": string(from), "to": string(to)}
	if cause != nil {
		payload["cause"] = cause.Error()
	}
	e.record(eventstore.TypeSessionState, payload)

	if onStatus != nil {
		onStatus(snapshot)
	}
	return nil
}

func (e *Engine) setSpeaking(speaking bool) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	e.mu.Lock()
	if e.speaking == speaking {
		e.mu.Unlock()
		return
	}
	e.speaking = speaking
	snapshot := e.snapshotLocked()
	onStatus := e.onStatus
	e.mu.Unlock()
	if onStatus != nil {
		onStatus(snapshot)
	}
}

func (e *Engine) record(typ string, payload any) {
	if e.opts.Timeline == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.opts.Timeline.Record(ctx, e.id, typ, payload); err != nil {
		e.log.Warn("failed to record timeline event", slog.String("type", typ), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
