// Package natsbridge carries a live session over NATS subjects so a remote
// process can host the model connection.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-live/internal/bus"
	"github.com/loqalabs/loqa-live/internal/codec"
	"github.com/loqalabs/loqa-live/internal/protocol"
	"github.com/loqalabs/loqa-live/internal/tools"
	"github.com/loqalabs/loqa-live/internal/transport"
	"github.com/nats-io/nats.go"
)

const eventBuffer = 64

// Bridge is a transport.Transport over the bus.
type Bridge struct {
	bus       *bus.Client
	setupWait time.Duration
	log       *slog.Logger

	mu        sync.Mutex
	sessionID string
	sub       *nats.Subscription
	opened    bool
	ready     chan struct{}
	readyOnce sync.Once
	setupErr  error
	seq       atomic.Uint64

	emitMu    sync.Mutex
	events    chan transport.Event
	ended     bool
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func New(client *bus.Client, setupWait time.Duration, log *slog.Logger) *Bridge {
	if setupWait <= 0 {
		setupWait = 10 * time.Second
	}
	return &Bridge{
		bus:       client,
		setupWait: setupWait,
		log:       log.With(slog.String("component", "nats-transport")),
	}
}

func (b *Bridge) Open(ctx context.Context, setup transport.Setup) (<-chan transport.Event, error) {
	if setup.SessionID == "" {
		return nil, errors.New("session id required")
	}
	b.mu.Lock()
	if b.opened {
		b.mu.Unlock()
		return nil, transport.ErrAlreadyOpen
	}
	b.opened = true
	b.sessionID = setup.SessionID
	b.ready = make(chan struct{})
	b.events = make(chan transport.Event, eventBuffer)
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.mu.Unlock()

	sub, err := b.bus.Conn().Subscribe(protocol.SubjectServerEvent(setup.SessionID), b.handle)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("subscribe server events: %w", err)
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	if err := b.bus.Conn().Flush(); err != nil {
		b.Close()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}

	if err := b.bus.PublishJSON(protocol.SubjectClientSetup(setup.SessionID), setupMessage(setup)); err != nil {
		b.Close()
		return nil, err
	}

	timer := time.NewTimer(b.setupWait)
	defer timer.Stop()
	select {
	case <-b.ready:
		b.mu.Lock()
		setupErr := b.setupErr
		b.mu.Unlock()
		if setupErr != nil {
			b.Close()
			return nil, setupErr
		}
	case <-timer.C:
		b.Close()
		return nil, fmt.Errorf("%w: no setup acknowledgement within %s", transport.ErrSetupRejected, b.setupWait)
	case <-ctx.Done():
		b.Close()
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, fmt.Errorf("%w: bridge closed during setup", transport.ErrSetupRejected)
	}
	b.log.Info("bridged session open", slog.String("session_id", setup.SessionID))
	return b.events, nil
}

func setupMessage(setup transport.Setup) protocol.Setup {
	msg := protocol.Setup{
		SessionID:    setup.SessionID,
		Instructions: setup.Instructions,
		Timestamp:    time.Now().UTC(),
	}
	for _, spec := range setup.Tools {
		decl := protocol.ToolDecl{Name: spec.Name, Description: spec.Description}
		for _, p := range spec.Params {
			decl.Params = append(decl.Params, protocol.ToolParam{Name: p.Name, Description: p.Description, Required: p.Required})
		}
		msg.Tools = append(msg.Tools, decl)
	}
	return msg
}

func (b *Bridge) handle(msg *nats.Msg) {
	var evt protocol.ServerEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		b.log.Warn("dropping malformed server event", slogError(err))
		return
	}

	select {
	case <-b.ready:
	default:
		if evt.Type == protocol.EventSetupComplete {
			b.readyOnce.Do(func() { close(b.ready) })
			return
		}
		if evt.Type == protocol.EventError {
			b.mu.Lock()
			b.setupErr = fmt.Errorf("%w: %s", transport.ErrSetupRejected, evt.Error)
			b.mu.Unlock()
			b.readyOnce.Do(func() { close(b.ready) })
			return
		}
		b.log.Warn("dropping server event before setup complete", slog.String("type", evt.Type))
		return
	}

	switch evt.Type {
	case protocol.EventAudio:
		b.emit(transport.Audio(codec.Blob{MimeType: evt.MimeType, Data: evt.Data}), false)
	case protocol.EventInputTranscript:
		b.emit(transport.InputTranscript(evt.Text), false)
	case protocol.EventOutputTranscript:
		b.emit(transport.OutputTranscript(evt.Text), false)
	case protocol.EventTurnComplete:
		b.emit(transport.TurnComplete(), false)
	case protocol.EventInterrupted:
		b.emit(transport.Interrupted(), false)
	case protocol.EventToolCall:
		calls := make([]tools.Call, 0, len(evt.Calls))
		for _, c := range evt.Calls {
			calls = append(calls, tools.Call{ID: c.ID, Name: c.Name, Args: c.Args})
		}
		b.emit(transport.ToolCall(calls...), false)
	case protocol.EventError:
		b.emit(transport.Failure(fmt.Errorf("remote session error: %s", evt.Error)), true)
	case protocol.EventClosed:
		b.emit(transport.Closed(), true)
	case protocol.EventSetupComplete:
	default:
		b.log.Warn("dropping unknown server event", slog.String("type", evt.Type))
	}
}

// emit delivers evt unless the bridge is closing. A terminal event closes the
// stream after delivery.
func (b *Bridge) emit(evt transport.Event, terminal bool) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	if b.ended {
		return
	}
	select {
	case b.events <- evt:
	case <-b.ctx.Done():
		return
	}
	if terminal {
		b.ended = true
		close(b.events)
	}
}

func (b *Bridge) sessionSubject(subject func(string) string) (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.opened || b.sub == nil || b.ctx.Err() != nil {
		return "", "", transport.ErrNotOpen
	}
	return subject(b.sessionID), b.sessionID, nil
}

func (b *Bridge) SendAudio(_ context.Context, blob codec.Blob) error {
	subject, id, err := b.sessionSubject(protocol.SubjectClientAudio)
	if err != nil {
		return err
	}
	return b.bus.PublishJSON(subject, protocol.AudioChunk{
		SessionID: id,
		Sequence:  b.seq.Add(1),
		MimeType:  blob.MimeType,
		Data:      blob.Data,
	})
}

func (b *Bridge) SendToolResult(_ context.Context, result tools.Result) error {
	subject, id, err := b.sessionSubject(protocol.SubjectClientToolResult)
	if err != nil {
		return err
	}
	return b.bus.PublishJSON(subject, protocol.ToolResult{
		SessionID: id,
		CallID:    result.ID,
		Name:      result.Name,
		Output:    result.Output,
		IsError:   result.IsError,
	})
}

func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		sub, cancel := b.sub, b.cancel
		b.mu.Unlock()
		if cancel == nil {
			return
		}
		if sub != nil {
			_ = sub.Unsubscribe()
		}
		cancel()

		b.emitMu.Lock()
		if !b.ended {
			b.ended = true
			close(b.events)
		}
		b.emitMu.Unlock()
		b.log.Info("bridged session closed", slog.String("session_id", b.sessionID))
	})
	return nil
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
