package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-live/internal/bus"
	"github.com/loqalabs/loqa-live/internal/codec"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/natsserver"
	"github.com/loqalabs/loqa-live/internal/protocol"
	"github.com/loqalabs/loqa-live/internal/tools"
	"github.com/loqalabs/loqa-live/internal/transport"
	"github.com/nats-io/nats.go"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, discardLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, discardLogger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// remote plays the model side of the bridge.
type remote struct {
	t       *testing.T
	client  *bus.Client
	setups  chan protocol.Setup
	audio   chan protocol.AudioChunk
	results chan protocol.ToolResult
}

func newRemote(t *testing.T, client *bus.Client, ack func(sessionID string) protocol.ServerEvent) *remote {
	r := &remote{
		t:       t,
		client:  client,
		setups:  make(chan protocol.Setup, 1),
		audio:   make(chan protocol.AudioChunk, 8),
		results: make(chan protocol.ToolResult, 8),
	}
	conn := client.Conn()
	subs := []*nats.Subscription{}
	sub, err := conn.Subscribe("live.*.client.setup", func(msg *nats.Msg) {
		var s protocol.Setup
		if err := json.Unmarshal(msg.Data, &s); err != nil {
			t.Errorf("decode setup: %v", err)
			return
		}
		r.setups <- s
		if ack != nil {
			r.publish(s.SessionID, ack(s.SessionID))
		}
	})
	if err != nil {
		t.Fatalf("subscribe setup: %v", err)
	}
	subs = append(subs, sub)
	sub, err = conn.Subscribe("live.*.client.audio", func(msg *nats.Msg) {
		var a protocol.AudioChunk
		_ = json.Unmarshal(msg.Data, &a)
		r.audio <- a
	})
	if err != nil {
		t.Fatalf("subscribe audio: %v", err)
	}
	subs = append(subs, sub)
	sub, err = conn.Subscribe("live.*.client.tool_result", func(msg *nats.Msg) {
		var res protocol.ToolResult
		_ = json.Unmarshal(msg.Data, &res)
		r.results <- res
	})
	if err != nil {
		t.Fatalf("subscribe tool results: %v", err)
	}
	subs = append(subs, sub)
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	t.Cleanup(func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	})
	return r
}

func (r *remote) publish(sessionID string, evt protocol.ServerEvent) {
	evt.SessionID = sessionID
	if err := r.client.PublishJSON(protocol.SubjectServerEvent(sessionID), evt); err != nil {
		r.t.Errorf("publish server event: %v", err)
	}
}

func ackSetup(string) protocol.ServerEvent {
	return protocol.ServerEvent{Type: protocol.EventSetupComplete}
}

func next(t *testing.T, events <-chan transport.Event) transport.Event {
	t.Helper()
	select {
	case evt, ok := <-events:
		if !ok {
			t.Fatal("event stream closed")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return transport.Event{}
}

func TestBridgeRoundTrip(t *testing.T) {
	client := startBus(t)
	r := newRemote(t, client, ackSetup)

	b := New(client, 2*time.Second, discardLogger())
	events, err := b.Open(context.Background(), transport.Setup{
		SessionID:    "sess-1",
		Instructions: "be kind",
		Tools:        []tools.Spec{{Name: "remember", Params: []tools.Param{{Name: "fact", Required: true}}}},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	setup := <-r.setups
	if setup.Instructions != "be kind" || len(setup.Tools) != 1 || setup.Tools[0].Params[0].Name != "fact" {
		t.Fatalf("unexpected setup %+v", setup)
	}

	for i := 0; i < 2; i++ {
		if err := b.SendAudio(context.Background(), codec.Wrap(make([]byte, 8), 16000)); err != nil {
			t.Fatalf("send audio: %v", err)
		}
	}
	for want := uint64(1); want <= 2; want++ {
		select {
		case a := <-r.audio:
			if a.Sequence != want || a.MimeType != "audio/pcm;rate=16000" || a.SessionID != "sess-1" {
				t.Fatalf("unexpected chunk %+v", a)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("audio not received")
		}
	}

	if err := b.SendToolResult(context.Background(), tools.Result{ID: "c1", Name: "remember", Output: "saved"}); err != nil {
		t.Fatalf("send tool result: %v", err)
	}
	select {
	case res := <-r.results:
		if res.CallID != "c1" || res.Output != "saved" {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tool result not received")
	}

	r.publish("sess-1", protocol.ServerEvent{Type: protocol.EventOutputTranscript, Text: "hello"})
	if err := client.Conn().Publish(protocol.SubjectServerEvent("sess-1"), []byte("{broken")); err != nil {
		t.Fatalf("publish malformed: %v", err)
	}
	r.publish("sess-1", protocol.ServerEvent{Type: protocol.EventToolCall, Calls: []protocol.ToolCall{{ID: "c2", Name: "webSearch", Args: map[string]string{"query": "go"}}}})
	r.publish("sess-1", protocol.ServerEvent{Type: protocol.EventClosed})

	if evt := next(t, events); evt.Kind != transport.KindOutputTranscript || evt.Text != "hello" {
		t.Fatalf("unexpected event %+v", evt)
	}
	evt := next(t, events)
	if evt.Kind != transport.KindToolCall || evt.Calls[0].Args["query"] != "go" {
		t.Fatalf("expected tool call after malformed event, got %+v", evt)
	}
	if evt := next(t, events); evt.Kind != transport.KindClosed {
		t.Fatalf("expected closed, got %s", evt.Kind)
	}
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected stream to end after closed event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
}

func TestBridgeSetupTimeout(t *testing.T) {
	client := startBus(t)
	newRemote(t, client, nil)

	b := New(client, 100*time.Millisecond, discardLogger())
	if _, err := b.Open(context.Background(), transport.Setup{SessionID: "sess-2"}); !errors.Is(err, transport.ErrSetupRejected) {
		t.Fatalf("expected ErrSetupRejected, got %v", err)
	}
	if err := b.SendAudio(context.Background(), codec.Blob{}); !errors.Is(err, transport.ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestBridgeSetupError(t *testing.T) {
	client := startBus(t)
	newRemote(t, client, func(string) protocol.ServerEvent {
		return protocol.ServerEvent{Type: protocol.EventError, Error: "no such model"}
	})

	b := New(client, 2*time.Second, discardLogger())
	_, err := b.Open(context.Background(), transport.Setup{SessionID: "sess-3"})
	if !errors.Is(err, transport.ErrSetupRejected) {
		t.Fatalf("expected ErrSetupRejected, got %v", err)
	}
}

func TestBridgeCloseEndsStream(t *testing.T) {
	client := startBus(t)
	newRemote(t, client, ackSetup)

	b := New(client, 2*time.Second, discardLogger())
	events, err := b.Open(context.Background(), transport.Setup{SessionID: "sess-4"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, ok := <-events; ok {
		t.Fatal("expected closed stream")
	}
	if err := b.SendToolResult(context.Background(), tools.Result{ID: "x"}); !errors.Is(err, transport.ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}
