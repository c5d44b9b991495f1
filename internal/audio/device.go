package audio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
)

var (
	// ErrDeviceUnavailable is returned when a device cannot be opened, which
	// includes denied microphone access.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrDeviceLost is reported when an open input device stops producing audio.
	ErrDeviceLost = errors.New("audio device lost")
	ErrClosed     = errors.New("audio device closed")
)

// FrameFunc receives one fixed-size frame of normalized mono samples. The
// slice is owned by the callee once delivered.
type FrameFunc func(samples []float32)

// Input is a callback driven capture device.
type Input interface {
	SampleRate() int
	// Start begins delivering frames of frameSize samples to onFrame. onError
	// is invoked at most once if the device fails after starting.
	Start(ctx context.Context, frameSize int, onFrame FrameFunc, onError func(error)) error
	Close() error
}

// Output plays buffers at absolute positions on its own clock.
type Output interface {
	SampleRate() int
	// Now reports the device clock, measured from when the device opened.
	Now() time.Duration
	// Play schedules samples to begin at the given device time.
	Play(samples []float32, at time.Duration) (Voice, error)
	Close() error
}

// Voice is one scheduled buffer on an Output.
type Voice interface {
	// Stop cancels the voice whether it is pending or playing.
	Stop()
	// Done is closed once the voice finished or was stopped.
	Done() <-chan struct{}
}

// OpenInput builds the configured capture device.
func OpenInput(cfg config.DeviceConfig, sampleRate int) (Input, error) {
	switch cfg.Mode {
	case "", "null":
		return NewNullInput(sampleRate), nil
	case "exec":
		return NewExecInput(cfg.Command, sampleRate)
	default:
		return nil, fmt.Errorf("%w: unsupported input mode %q", ErrDeviceUnavailable, cfg.Mode)
	}
}

// OpenOutput builds the configured playback device.
func OpenOutput(cfg config.DeviceConfig, sampleRate int) (Output, error) {
	switch cfg.Mode {
	case "", "null":
		return NewNullOutput(sampleRate), nil
	case "exec":
		return NewExecOutput(cfg.Command, sampleRate)
	default:
		return nil, fmt.Errorf("%w: unsupported output mode %q", ErrDeviceUnavailable, cfg.Mode)
	}
}
