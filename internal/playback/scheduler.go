// Package playback schedules inbound model audio gaplessly on an output
// device and flushes it on interruption.
package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/codec"
)

// Scheduled describes one buffer placed on the device timeline.
type Scheduled struct {
	Start    time.Duration
	Duration time.Duration
}

type entry struct {
	Scheduled
	voice audio.Voice
}

// Scheduler keeps a single cursor on the output clock. Every buffer starts at
// max(cursor, clock) so consecutive buffers play back-to-back, and a late
// buffer starts immediately instead of in the past.
type Scheduler struct {
	out        audio.Output
	logger     *slog.Logger
	onSpeaking func(speaking bool)

	mu         sync.Mutex
	cursor     time.Duration
	generation uint64
	active     []*entry
	closed     bool

	notifyMu sync.Mutex
	reported bool
}

// New returns a scheduler on out. onSpeaking, when set, is called with true
// when the first buffer is scheduled into an empty set and with false when the
// set drains or is flushed.
func New(out audio.Output, onSpeaking func(bool), logger *slog.Logger) *Scheduler {
	return &Scheduler{
		out:        out,
		onSpeaking: onSpeaking,
		logger:     logger.With(slog.String("component", "playback")),
	}
}

// Generation is read before decoding an inbound frame and handed back to
// Schedule. Frames from a generation older than the latest flush are dropped.
func (s *Scheduler) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Schedule places samples on the timeline. It returns false without error
// when the frame was decoded before the latest flush.
func (s *Scheduler) Schedule(gen uint64, samples []float32) (Scheduled, bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Scheduled{}, false, audio.ErrClosed
	}
	if current := s.generation; gen != current {
		s.mu.Unlock()
		s.logger.Debug("dropping stale playback frame", slog.Uint64("generation", gen), slog.Uint64("current", current))
		return Scheduled{}, false, nil
	}
	if len(samples) == 0 {
		s.mu.Unlock()
		return Scheduled{}, false, nil
	}

	now := s.out.Now()
	start := s.cursor
	if now > start {
		start = now
	}
	voice, err := s.out.Play(samples, start)
	if err != nil {
		s.mu.Unlock()
		return Scheduled{}, false, fmt.Errorf("play: %w", err)
	}
	e := &entry{
		Scheduled: Scheduled{Start: start, Duration: codec.Duration(len(samples), s.out.SampleRate())},
		voice:     voice,
	}
	s.cursor = start + e.Duration
	s.active = append(s.active, e)
	s.mu.Unlock()

	go s.watch(e)
	s.notify()
	return e.Scheduled, true, nil
}

func (s *Scheduler) watch(e *entry) {
	<-e.voice.Done()
	s.mu.Lock()
	for i, a := range s.active {
		if a == e {
			s.active = append(s.active[:i], s.active[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.notify()
}

// notify reports speaking transitions in the order they are observed.
func (s *Scheduler) notify() {
	if s.onSpeaking == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	speaking := s.Speaking()
	if speaking == s.reported {
		return
	}
	s.reported = speaking
	s.onSpeaking(speaking)
}

// Flush stops every pending and playing buffer, resets the cursor to the
// device clock and starts a new generation.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	stopped := s.active
	s.active = nil
	s.cursor = s.out.Now()
	s.generation++
	s.mu.Unlock()

	for _, e := range stopped {
		e.voice.Stop()
	}
	if len(stopped) > 0 {
		s.logger.Info("playback flushed", slog.Int("voices", len(stopped)))
	}
	s.notify()
	return len(stopped)
}

// Close flushes and refuses further scheduling. The output device is released
// by its owner.
func (s *Scheduler) Close() {
	s.Flush()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Cursor reports where the next buffer would start if the clock did not
// advance.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Active returns the buffers that are pending or playing, in schedule order.
func (s *Scheduler) Active() []Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Scheduled, len(s.active))
	for i, e := range s.active {
		out[i] = e.Scheduled
	}
	return out
}

func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) > 0
}
