package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-live/internal/codec"
	"github.com/mattn/go-shellwords"
)

// renderChunk is how much audio the exec output writes ahead of the clock.
const renderChunk = 20 * time.Millisecond

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse audio command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("audio command empty")
	}
	return args, nil
}

// ExecInput captures s16le mono PCM from the stdout of an external command
// such as arecord or ffmpeg.
type ExecInput struct {
	cmd        []string
	sampleRate int

	mu      sync.Mutex
	proc    *exec.Cmd
	cancel  context.CancelFunc
	stdout  io.ReadCloser
	closed  bool
	wg      sync.WaitGroup
	errOnce sync.Once
}

func NewExecInput(command string, sampleRate int) (*ExecInput, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, err
	}
	return &ExecInput{cmd: args, sampleRate: sampleRate}, nil
}

func (e *ExecInput) SampleRate() int { return e.sampleRate }

func (e *ExecInput) Start(ctx context.Context, frameSize int, onFrame FrameFunc, onError func(error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("%w: stdout pipe: %v", ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("%w: start %s: %v", ErrDeviceUnavailable, e.cmd[0], err)
	}

	e.proc = cmd
	e.cancel = cancel
	e.stdout = stdout

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		buf := make([]byte, frameSize*2)
		for {
			if _, err := io.ReadFull(stdout, buf); err != nil {
				_ = cmd.Wait()
				if e.isClosed() {
					return
				}
				cause := strings.TrimSpace(stderr.String())
				if cause == "" {
					cause = err.Error()
				}
				e.errOnce.Do(func() {
					if onError != nil {
						onError(fmt.Errorf("%w: %s", ErrDeviceLost, cause))
					}
				})
				return
			}
			onFrame(codec.Decode(buf))
		}
	}()
	return nil
}

func (e *ExecInput) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *ExecInput) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	proc, cancel, stdout := e.proc, e.cancel, e.stdout
	e.mu.Unlock()

	if proc != nil && proc.Process != nil {
		_ = proc.Process.Signal(os.Interrupt)
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1200 * time.Millisecond):
	}
	if cancel != nil {
		cancel()
	}
	if stdout != nil {
		_ = stdout.Close()
	}
	<-done
	return nil
}

// ExecOutput writes s16le mono PCM to the stdin of an external player such
// as aplay, pacing the writes against its own clock so stopped voices are
// cut within one render chunk.
type ExecOutput struct {
	sampleRate int
	opened     time.Time

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	wg     sync.WaitGroup
	exited chan struct{}

	mu      sync.Mutex
	pending []*execVoice
	closed  bool
	lost    error
}

func NewExecOutput(command string, sampleRate int) (*ExecOutput, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start %s: %v", ErrDeviceUnavailable, args[0], err)
	}
	o := &ExecOutput{
		sampleRate: sampleRate,
		opened:     time.Now(),
		cmd:        cmd,
		stdin:      stdin,
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		exited:     make(chan struct{}),
	}
	o.wg.Add(1)
	go o.render()
	go o.watchProcess()
	return o, nil
}

// watchProcess reports the player exiting on its own as device loss.
func (o *ExecOutput) watchProcess() {
	defer close(o.exited)
	err := o.cmd.Wait()
	if err == nil {
		err = errors.New("player exited")
	}
	o.fail(err)
}

// fail marks the device lost, finishes every queued voice and stops the
// render loop. Play reports the loss from then on.
func (o *ExecOutput) fail(cause error) {
	o.mu.Lock()
	if o.closed || o.lost != nil {
		o.mu.Unlock()
		return
	}
	o.lost = fmt.Errorf("%w: %v", ErrDeviceLost, cause)
	pending := o.pending
	o.pending = nil
	o.mu.Unlock()

	for _, v := range pending {
		v.Stop()
	}
	o.cancel()
}

func (o *ExecOutput) SampleRate() int { return o.sampleRate }

func (o *ExecOutput) Now() time.Duration { return time.Since(o.opened) }

func (o *ExecOutput) Play(samples []float32, at time.Duration) (Voice, error) {
	v := &execVoice{
		pcm:  codec.Encode(samples),
		at:   at,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if o.lost != nil {
		err := o.lost
		o.mu.Unlock()
		return nil, err
	}
	o.pending = append(o.pending, v)
	sort.SliceStable(o.pending, func(i, j int) bool { return o.pending[i].at < o.pending[j].at })
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return v, nil
}

func (o *ExecOutput) next() *execVoice {
	for {
		o.mu.Lock()
		if o.closed || o.lost != nil {
			o.mu.Unlock()
			return nil
		}
		if len(o.pending) > 0 {
			v := o.pending[0]
			o.pending = o.pending[1:]
			o.mu.Unlock()
			return v
		}
		o.mu.Unlock()
		select {
		case <-o.ctx.Done():
			return nil
		case <-o.wake:
		}
	}
}

func (o *ExecOutput) render() {
	defer o.wg.Done()
	chunkBytes := int(int64(o.sampleRate)*int64(renderChunk)/int64(time.Second)) * 2
	if chunkBytes <= 0 {
		chunkBytes = 2
	}
	for {
		v := o.next()
		if v == nil {
			return
		}
		for off := 0; off < len(v.pcm); off += chunkBytes {
			chunkAt := v.at + codec.Duration(off/2, o.sampleRate)
			if !o.waitUntil(chunkAt, v) {
				break
			}
			end := off + chunkBytes
			if end > len(v.pcm) {
				end = len(v.pcm)
			}
			if _, err := o.stdin.Write(v.pcm[off:end]); err != nil {
				o.fail(err)
				v.finish()
				return
			}
		}
		o.waitUntil(v.at+codec.Duration(len(v.pcm)/2, o.sampleRate), v)
		v.finish()
	}
}

// waitUntil blocks until the device clock reaches t. It returns false when
// the voice was stopped or the device closed first.
func (o *ExecOutput) waitUntil(t time.Duration, v *execVoice) bool {
	wait := t - o.Now()
	if wait <= 0 {
		select {
		case <-v.stop:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-v.stop:
		return false
	case <-o.ctx.Done():
		return false
	}
}

func (o *ExecOutput) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	pending := o.pending
	o.pending = nil
	o.mu.Unlock()

	for _, v := range pending {
		v.Stop()
	}
	_ = o.stdin.Close()
	o.cancel()
	o.wg.Wait()
	<-o.exited
	return nil
}

type execVoice struct {
	pcm      []byte
	at       time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

func (v *execVoice) Stop() {
	v.stopOnce.Do(func() { close(v.stop) })
	v.finish()
}

func (v *execVoice) finish() {
	v.doneOnce.Do(func() { close(v.done) })
}

func (v *execVoice) Done() <-chan struct{} { return v.done }
