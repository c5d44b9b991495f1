package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/codec"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/tools"
	"github.com/loqalabs/loqa-live/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeInput struct {
	mu      sync.Mutex
	onFrame audio.FrameFunc
	onError func(error)
	closes  atomic.Int32
}

func (f *fakeInput) SampleRate() int { return 16000 }

func (f *fakeInput) Start(_ context.Context, _ int, onFrame audio.FrameFunc, onError func(error)) error {
	f.mu.Lock()
	f.onFrame, f.onError = onFrame, onError
	f.mu.Unlock()
	return nil
}

func (f *fakeInput) tick(samples []float32) {
	f.mu.Lock()
	fn := f.onFrame
	f.mu.Unlock()
	fn(samples)
}

func (f *fakeInput) lose() {
	f.mu.Lock()
	fn := f.onError
	f.mu.Unlock()
	fn(audio.ErrDeviceLost)
}

func (f *fakeInput) Close() error {
	f.closes.Add(1)
	return nil
}

type fakeOutput struct {
	mu     sync.Mutex
	now    time.Duration
	voices []*fakeVoice
	lost   error
	closes atomic.Int32
}

func (f *fakeOutput) SampleRate() int { return 24000 }

func (f *fakeOutput) Now() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeOutput) setClock(d time.Duration) {
	f.mu.Lock()
	f.now = d
	f.mu.Unlock()
}

// lose makes every later Play fail the way a dead player does.
func (f *fakeOutput) lose() {
	f.mu.Lock()
	f.lost = fmt.Errorf("%w: player exited", audio.ErrDeviceLost)
	f.mu.Unlock()
}

func (f *fakeOutput) Play(_ []float32, at time.Duration) (audio.Voice, error) {
	v := &fakeVoice{at: at, done: make(chan struct{})}
	f.mu.Lock()
	if f.lost != nil {
		err := f.lost
		f.mu.Unlock()
		return nil, err
	}
	f.voices = append(f.voices, v)
	f.mu.Unlock()
	return v, nil
}

func (f *fakeOutput) played() []*fakeVoice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeVoice(nil), f.voices...)
}

func (f *fakeOutput) Close() error {
	f.closes.Add(1)
	return nil
}

type fakeVoice struct {
	at      time.Duration
	once    sync.Once
	done    chan struct{}
	stopped atomic.Bool
}

func (v *fakeVoice) Stop() {
	v.stopped.Store(true)
	v.finish()
}

func (v *fakeVoice) finish() { v.once.Do(func() { close(v.done) }) }

func (v *fakeVoice) Done() <-chan struct{} { return v.done }

type fakeTransport struct {
	openErr  error
	// block holds Open until it is closed or the context ends.
	block    chan struct{}
	attempts atomic.Int32
	events   chan transport.Event

	mu      sync.Mutex
	setup   transport.Setup
	opened  bool
	audio   []codec.Blob
	results []tools.Result
	closes  atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 32)}
}

func (f *fakeTransport) Open(ctx context.Context, setup transport.Setup) (<-chan transport.Event, error) {
	f.attempts.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.mu.Lock()
	f.setup, f.opened = setup, true
	f.mu.Unlock()
	return f.events, nil
}

func (f *fakeTransport) SendAudio(_ context.Context, blob codec.Blob) error {
	f.mu.Lock()
	f.audio = append(f.audio, blob)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendToolResult(_ context.Context, result tools.Result) error {
	f.mu.Lock()
	f.results = append(f.results, result)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.closes.Add(1)
	return nil
}

func (f *fakeTransport) sentAudio() []codec.Blob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]codec.Blob(nil), f.audio...)
}

func (f *fakeTransport) sentResults() []tools.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tools.Result(nil), f.results...)
}

type recorder struct {
	mu          sync.Mutex
	statuses    []Status
	transcripts []Transcript
}

func (r *recorder) status(s Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *recorder) transcript(t Transcript) {
	r.mu.Lock()
	r.transcripts = append(r.transcripts, t)
	r.mu.Unlock()
}

// states returns the distinct state sequence reported so far.
func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, s := range r.statuses {
		if len(out) == 0 || out[len(out)-1] != s.State {
			out = append(out, s.State)
		}
	}
	return out
}

func (r *recorder) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.transcripts))
	for _, t := range r.transcripts {
		line := fmt.Sprintf("%s:%s", t.Role, t.Text)
		if t.Final {
			line += " (final)"
		}
		out = append(out, line)
	}
	return out
}

type harness struct {
	engine    *Engine
	input     *fakeInput
	output    *fakeOutput
	transport *fakeTransport
	rec       *recorder
}

func newHarness(t *testing.T, toolset ...tools.Tool) *harness {
	t.Helper()
	reg, err := tools.NewRegistry(discardLogger(), toolset...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	h := &harness{
		input:     &fakeInput{},
		output:    &fakeOutput{},
		transport: newFakeTransport(),
		rec:       &recorder{},
	}
	h.engine = New(Options{
		Live:       config.LiveConfig{Instructions: "Be brief.", FrameSize: 1024},
		OpenInput:  func() (audio.Input, error) { return h.input, nil },
		OpenOutput: func() (audio.Output, error) { return h.output, nil },
		Transport:  h.transport,
		Registry:   reg,
		Logger:     discardLogger(),
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.engine.Start(context.Background(), h.rec.status, h.rec.transcript); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		h.engine.Exit()
		<-h.engine.Done()
	})
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.engine.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	if got := h.input.closes.Load(); got != 1 {
		t.Fatalf("expected input released once, got %d", got)
	}
	if got := h.output.closes.Load(); got != 1 {
		t.Fatalf("expected output released once, got %d", got)
	}
	if got := h.transport.closes.Load(); got != 1 {
		t.Fatalf("expected transport closed once, got %d", got)
	}
}

func equalStates(got []State, want ...State) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func frame(n int, value float32) []float32 {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = value
	}
	return samples
}

func TestLifecycleOpenThenExit(t *testing.T) {
	h := newHarness(t, tools.Tool{
		Spec:    tools.Spec{Name: "ping"},
		Handler: tools.HandlerFunc(func(context.Context, map[string]string) (string, error) { return "pong", nil }),
	})
	h.engine.opts.Instructions = func(_ context.Context, base string) (string, error) {
		return base + " Facts: likes tea.", nil
	}
	h.start(t)

	if got := h.engine.Status().State; got != StateOpen {
		t.Fatalf("expected open after start, got %s", got)
	}
	h.transport.mu.Lock()
	setup := h.transport.setup
	h.transport.mu.Unlock()
	if setup.SessionID != h.engine.ID() || setup.Instructions != "Be brief. Facts: likes tea." {
		t.Fatalf("unexpected setup %+v", setup)
	}
	if len(setup.Tools) != 1 || setup.Tools[0].Name != "ping" {
		t.Fatalf("expected tool declarations in setup, got %+v", setup.Tools)
	}

	h.engine.Exit()
	h.waitDone(t)

	if got := h.rec.states(); !equalStates(got, StateConnecting, StateOpen, StateClosing, StateClosed) {
		t.Fatalf("unexpected state sequence %v", got)
	}
	h.assertReleased(t)
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	if err := h.engine.Start(context.Background(), nil, nil); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestPermissionDeniedEntersErrorAndReleases(t *testing.T) {
	h := newHarness(t)
	output := &fakeOutput{}
	h.engine.opts.OpenInput = func() (audio.Input, error) {
		return nil, fmt.Errorf("%w: microphone permission denied", audio.ErrDeviceUnavailable)
	}
	h.engine.opts.OpenOutput = func() (audio.Output, error) { return output, nil }

	err := h.engine.Start(context.Background(), h.rec.status, h.rec.transcript)
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	h.waitDone(t)

	status := h.engine.Status()
	if status.State != StateError || !errors.Is(status.Cause, audio.ErrDeviceUnavailable) {
		t.Fatalf("unexpected status %+v", status)
	}
	if got := h.rec.states(); !equalStates(got, StateConnecting, StateError) {
		t.Fatalf("unexpected state sequence %v", got)
	}
	if h.transport.opened {
		t.Fatalf("transport must not open without a microphone")
	}
	if output.closes.Load() != 0 {
		t.Fatalf("output was never opened and must not be closed")
	}
}

func TestSetupRejectionReleasesDevices(t *testing.T) {
	h := newHarness(t)
	h.transport.openErr = fmt.Errorf("%w: model not found", transport.ErrSetupRejected)

	err := h.engine.Start(context.Background(), h.rec.status, h.rec.transcript)
	if !errors.Is(err, transport.ErrSetupRejected) {
		t.Fatalf("expected ErrSetupRejected, got %v", err)
	}
	h.waitDone(t)
	if h.engine.Status().State != StateError {
		t.Fatalf("expected error state")
	}
	h.assertReleased(t)
}

func TestCleanupIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.engine.Exit()
	h.engine.Exit()
	h.waitDone(t)

	h.engine.cleanup()
	h.engine.cleanup()
	h.assertReleased(t)
	if got := h.engine.Status().State; got != StateClosed {
		t.Fatalf("expected closed, got %s", got)
	}
}

func TestCaptureFramesSentInOrder(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	const n = 20
	var want []codec.Blob
	for i := 0; i < n; i++ {
		samples := frame(1024, float32(i)/100)
		want = append(want, codec.Wrap(codec.Encode(samples), 16000))
		h.input.tick(samples)
	}
	waitFor(t, "all frames sent", func() bool { return len(h.transport.sentAudio()) == n })

	got := h.transport.sentAudio()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d out of order", i)
		}
	}
}

func TestMuteDropsCapturedFramesOnly(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.engine.Mute(true)
	if !h.engine.Status().Muted {
		t.Fatalf("expected muted status")
	}
	h.input.tick(frame(1024, 0.5))

	// Playback continues while muted.
	h.transport.events <- transport.Audio(codec.Wrap(make([]byte, 4800), 24000))
	waitFor(t, "playback while muted", func() bool { return len(h.output.played()) == 1 })

	h.engine.Mute(false)
	unmuted := frame(1024, 0.25)
	h.input.tick(unmuted)
	waitFor(t, "unmuted frame", func() bool { return len(h.transport.sentAudio()) >= 1 })

	got := h.transport.sentAudio()
	if len(got) != 1 || got[0] != codec.Wrap(codec.Encode(unmuted), 16000) {
		t.Fatalf("expected only the unmuted frame, got %d frames", len(got))
	}
	if h.output.played()[0].stopped.Load() {
		t.Fatalf("mute must not flush playback by default")
	}
}

func TestInterruptFlushesQueuedPlayback(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	// 2400 samples at 24 kHz is 100ms.
	chunk := codec.Wrap(make([]byte, 4800), 24000)
	for i := 0; i < 3; i++ {
		h.transport.events <- transport.Audio(chunk)
	}
	waitFor(t, "three queued frames", func() bool { return len(h.output.played()) == 3 })
	queued := h.output.played()
	for i, want := range []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond} {
		if queued[i].at != want {
			t.Fatalf("frame %d starts at %s, want %s", i, queued[i].at, want)
		}
	}

	h.output.setClock(50 * time.Millisecond)
	h.transport.events <- transport.Interrupted()
	h.transport.events <- transport.Audio(chunk)
	waitFor(t, "post-interrupt frame", func() bool { return len(h.output.played()) == 4 })

	for i, v := range queued {
		if !v.stopped.Load() {
			t.Fatalf("queued frame %d not stopped", i)
		}
	}
	if next := h.output.played()[3]; next.at != 50*time.Millisecond {
		t.Fatalf("expected next frame at post-flush clock 50ms, got %s", next.at)
	}
}

func TestSpeakingFollowsPlayback(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.transport.events <- transport.Audio(codec.Wrap(make([]byte, 480), 24000))
	waitFor(t, "speaking", func() bool { return h.engine.Status().Speaking })

	h.output.played()[0].finish()
	waitFor(t, "idle", func() bool { return !h.engine.Status().Speaking })
}

func TestMalformedAudioIsDropped(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.transport.events <- transport.Audio(codec.Blob{MimeType: "audio/pcm;rate=24000", Data: "%%%not-base64"})
	h.transport.events <- transport.Audio(codec.Blob{MimeType: "audio/ogg", Data: "AAAA"})
	h.transport.events <- transport.Audio(codec.Wrap(make([]byte, 480), 24000))
	waitFor(t, "valid frame played", func() bool { return len(h.output.played()) == 1 })
	if got := h.engine.Status().State; got != StateOpen {
		t.Fatalf("malformed audio must not end the session, state %s", got)
	}
}

func TestTranscriptsAccumulateAndResetOnTurnComplete(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	for _, evt := range []transport.Event{
		transport.InputTranscript("Hel"),
		transport.InputTranscript("lo"),
		transport.OutputTranscript("Hi"),
		transport.TurnComplete(),
		transport.OutputTranscript("Again"),
	} {
		h.transport.events <- evt
	}
	want := []string{
		"user:Hel",
		"user:Hello",
		"model:Hi",
		"user:Hello (final)",
		"model:Hi (final)",
		"model:Again",
	}
	waitFor(t, "transcripts", func() bool { return len(h.rec.lines()) == len(want) })
	if got := h.rec.lines(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected transcripts:\n got %v\nwant %v", got, want)
	}
}

type countingSaver struct {
	mu    sync.Mutex
	facts []string
}

func (c *countingSaver) Save(_ context.Context, fact string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.facts = append(c.facts, fact)
	return true, nil
}

func TestToolResultsUseSessionSendPath(t *testing.T) {
	saver := &countingSaver{}
	h := newHarness(t, tools.Remember(saver))
	h.start(t)

	h.transport.events <- transport.ToolCall(
		tools.Call{ID: "c1", Name: "remember", Args: map[string]string{"fact": "user prefers dark mode"}},
		tools.Call{ID: "c2", Name: "launchRocket"},
	)
	waitFor(t, "two results", func() bool { return len(h.transport.sentResults()) == 2 })

	byID := map[string]tools.Result{}
	for _, r := range h.transport.sentResults() {
		byID[r.ID] = r
	}
	if r := byID["c1"]; r.IsError || !strings.Contains(r.Output, "user prefers dark mode") {
		t.Fatalf("unexpected remember result %+v", r)
	}
	if r := byID["c2"]; !r.IsError || !strings.Contains(r.Output, "unknown capability") {
		t.Fatalf("unexpected unknown tool result %+v", r)
	}
	saver.mu.Lock()
	defer saver.mu.Unlock()
	if len(saver.facts) != 1 {
		t.Fatalf("expected exactly one save, got %v", saver.facts)
	}
}

func TestToolResultsDiscardedAfterExit(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	slow := tools.Tool{
		Spec: tools.Spec{Name: "slow"},
		Handler: tools.HandlerFunc(func(context.Context, map[string]string) (string, error) {
			close(started)
			<-release
			return "late", nil
		}),
	}
	h := newHarness(t, slow)
	h.start(t)

	h.transport.events <- transport.ToolCall(tools.Call{ID: "s1", Name: "slow"})
	<-started
	h.engine.Exit()
	h.waitDone(t)

	close(release)
	h.engine.dispatcher.Wait()
	if got := h.transport.sentResults(); len(got) != 0 {
		t.Fatalf("expected late result to be discarded, got %+v", got)
	}
}

func TestTransportErrorEntersError(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.transport.events <- transport.Failure(errors.New("quota exceeded"))
	h.waitDone(t)

	status := h.engine.Status()
	if status.State != StateError || status.Cause == nil || !strings.Contains(status.Cause.Error(), "quota exceeded") {
		t.Fatalf("unexpected status %+v", status)
	}
	h.assertReleased(t)
}

func TestRemoteCloseEndsSession(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.transport.events <- transport.Closed()
	h.waitDone(t)
	if got := h.rec.states(); !equalStates(got, StateConnecting, StateOpen, StateClosed) {
		t.Fatalf("unexpected state sequence %v", got)
	}
	h.assertReleased(t)
}

func TestCaptureDeviceLossEntersError(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.input.lose()
	h.waitDone(t)

	status := h.engine.Status()
	if status.State != StateError || !errors.Is(status.Cause, audio.ErrDeviceLost) {
		t.Fatalf("unexpected status %+v", status)
	}
	h.assertReleased(t)
}

func TestPlaybackDeviceLossEntersError(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.output.lose()
	h.transport.events <- transport.Audio(codec.Wrap(make([]byte, 480), 24000))
	h.waitDone(t)

	status := h.engine.Status()
	if status.State != StateError || !errors.Is(status.Cause, audio.ErrDeviceLost) {
		t.Fatalf("unexpected status %+v", status)
	}
	h.assertReleased(t)
}

func TestExitWhileConnectingAbandonsHandshake(t *testing.T) {
	h := newHarness(t)
	h.transport.block = make(chan struct{})

	started := make(chan error, 1)
	go func() { started <- h.engine.Start(context.Background(), h.rec.status, h.rec.transcript) }()
	waitFor(t, "transport open attempt", func() bool { return h.transport.attempts.Load() == 1 })

	h.engine.Exit()
	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("expected start to return nil after exit, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("start still blocked after exit; state=%s", h.engine.Status().State)
	}
	h.waitDone(t)

	if got := h.rec.states(); !equalStates(got, StateConnecting, StateClosing, StateClosed) {
		t.Fatalf("unexpected states %v", got)
	}
	h.assertReleased(t)
	h.input.mu.Lock()
	captureStarted := h.input.onFrame != nil
	h.input.mu.Unlock()
	if captureStarted {
		t.Fatal("capture started after exit")
	}
	h.transport.mu.Lock()
	defer h.transport.mu.Unlock()
	if h.transport.opened {
		t.Fatal("transport reported open after exit")
	}
}

func TestTimelineRecordsSession(t *testing.T) {
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
		RetentionDays: 30,
		MaxSessions:   100,
	}, discardLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := newHarness(t, tools.Remember(&countingSaver{}))
	h.engine.opts.Timeline = store
	h.engine.opts.TransportName = "fake"
	h.start(t)

	h.transport.events <- transport.InputTranscript("remember tea")
	h.transport.events <- transport.ToolCall(tools.Call{ID: "c1", Name: "remember", Args: map[string]string{"fact": "likes tea"}})
	waitFor(t, "tool result", func() bool { return len(h.transport.sentResults()) == 1 })
	h.transport.events <- transport.TurnComplete()
	waitFor(t, "final transcript", func() bool {
		lines := h.rec.lines()
		return len(lines) > 0 && lines[len(lines)-1] == "user:remember tea (final)"
	})
	h.engine.Exit()
	h.waitDone(t)

	events, err := store.ListSessionEvents(context.Background(), h.engine.ID(), 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	seen := map[string]int{}
	for _, evt := range events {
		seen[evt.Type]++
	}
	if seen[eventstore.TypeSessionState] != 4 || seen[eventstore.TypeToolCall] != 1 || seen[eventstore.TypeToolResult] != 1 || seen[eventstore.TypeTranscriptTurn] != 1 {
		t.Fatalf("unexpected timeline %v", seen)
	}
	sess, err := store.GetSession(context.Background(), h.engine.ID())
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.FinalState != string(StateClosed) || sess.Transport != "fake" {
		t.Fatalf("unexpected session row %+v", sess)
	}
}
