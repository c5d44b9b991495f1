// Package capture turns input device frames into ordered outbound audio
// messages.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/codec"
)

// Frame is one encoded capture frame ready for the transport.
type Frame struct {
	Sequence uint64
	Samples  int
	Blob     codec.Blob
}

// Sink receives frames in capture order. It must not retain the pipeline's
// goroutine for longer than it takes to enqueue the frame.
type Sink func(Frame)

// Pipeline forwards frames from an input device while running and not muted.
// Muted ticks are dropped: nothing is sent, not even silence.
type Pipeline struct {
	input     audio.Input
	frameSize int
	sink      Sink
	onFatal   func(error)
	logger    *slog.Logger

	muted   atomic.Bool
	running atomic.Bool
	seq     atomic.Uint64
	// tickMu keeps a tick's encode and submit atomic so frame N is handed to
	// the sink before frame N+1 even if a device delivers concurrently.
	tickMu    sync.Mutex
	fatalOnce sync.Once
	dropped   atomic.Uint64
}

func New(input audio.Input, frameSize int, sink Sink, onFatal func(error), logger *slog.Logger) *Pipeline {
	if frameSize < 256 {
		frameSize = 4096
	}
	return &Pipeline{
		input:     input,
		frameSize: frameSize,
		sink:      sink,
		onFatal:   onFatal,
		logger:    logger.With(slog.String("component", "capture")),
	}
}

// Start asks the device to begin delivering frames.
func (p *Pipeline) Start(ctx context.Context) error {
	p.running.Store(true)
	if err := p.input.Start(ctx, p.frameSize, p.tick, p.fail); err != nil {
		p.running.Store(false)
		return fmt.Errorf("start capture: %w", err)
	}
	p.logger.Info("capture started", slog.Int("frame_size", p.frameSize), slog.Int("sample_rate", p.input.SampleRate()))
	return nil
}

// Stop makes every later tick a no-op. The device itself is released by its
// owner.
func (p *Pipeline) Stop() {
	if p.running.Swap(false) {
		p.logger.Info("capture stopped", slog.Uint64("frames_sent", p.Sent()), slog.Uint64("frames_muted", p.dropped.Load()))
	}
}

func (p *Pipeline) SetMuted(muted bool) { p.muted.Store(muted) }

func (p *Pipeline) Muted() bool { return p.muted.Load() }

// Sent reports how many frames were handed to the sink.
func (p *Pipeline) Sent() uint64 { return p.seq.Load() }

func (p *Pipeline) tick(samples []float32) {
	if !p.running.Load() {
		return
	}
	if p.muted.Load() {
		p.dropped.Add(1)
		return
	}
	p.tickMu.Lock()
	defer p.tickMu.Unlock()
	p.sink(Frame{
		Sequence: p.seq.Add(1),
		Samples:  len(samples),
		Blob:     codec.Wrap(codec.Encode(samples), p.input.SampleRate()),
	})
}

func (p *Pipeline) fail(err error) {
	if !p.running.Swap(false) {
		return
	}
	p.fatalOnce.Do(func() {
		p.logger.Error("capture device failed", slogError(err))
		if p.onFatal != nil {
			p.onFatal(fmt.Errorf("capture: %w", err))
		}
	})
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
