package audio

import (
	"context"
	"sync"
	"time"

	"github.com/loqalabs/loqa-live/internal/codec"
)

// NullInput produces silent frames paced in real time.
type NullInput struct {
	sampleRate int

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func NewNullInput(sampleRate int) *NullInput {
	return &NullInput{sampleRate: sampleRate}
}

func (n *NullInput) SampleRate() int { return n.sampleRate }

func (n *NullInput) Start(ctx context.Context, frameSize int, onFrame FrameFunc, _ func(error)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	interval := codec.Duration(frameSize, n.sampleRate)
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				onFrame(make([]float32, frameSize))
			}
		}
	}()
	return nil
}

func (n *NullInput) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	cancel := n.cancel
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	n.wg.Wait()
	return nil
}

// NullOutput discards audio but keeps an accurate clock, so schedules behave
// exactly as they would on a real device.
type NullOutput struct {
	sampleRate int
	opened     time.Time

	mu     sync.Mutex
	voices map[*timedVoice]struct{}
	closed bool
}

func NewNullOutput(sampleRate int) *NullOutput {
	return &NullOutput{
		sampleRate: sampleRate,
		opened:     time.Now(),
		voices:     make(map[*timedVoice]struct{}),
	}
}

func (n *NullOutput) SampleRate() int { return n.sampleRate }

func (n *NullOutput) Now() time.Duration { return time.Since(n.opened) }

func (n *NullOutput) Play(samples []float32, at time.Duration) (Voice, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	end := at + codec.Duration(len(samples), n.sampleRate)
	v := newTimedVoice(end - n.Now())
	n.voices[v] = struct{}{}
	go func() {
		<-v.Done()
		n.mu.Lock()
		delete(n.voices, v)
		n.mu.Unlock()
	}()
	return v, nil
}

func (n *NullOutput) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	voices := make([]*timedVoice, 0, len(n.voices))
	for v := range n.voices {
		voices = append(voices, v)
	}
	n.mu.Unlock()
	for _, v := range voices {
		v.Stop()
	}
	return nil
}

// timedVoice completes after a fixed wait unless stopped first.
type timedVoice struct {
	done  chan struct{}
	once  sync.Once
	timer *time.Timer
}

func newTimedVoice(wait time.Duration) *timedVoice {
	v := &timedVoice{done: make(chan struct{})}
	if wait < 0 {
		wait = 0
	}
	v.timer = time.AfterFunc(wait, v.finish)
	return v
}

func (v *timedVoice) finish() {
	v.once.Do(func() { close(v.done) })
}

func (v *timedVoice) Stop() {
	v.timer.Stop()
	v.finish()
}

func (v *timedVoice) Done() <-chan struct{} { return v.done }
