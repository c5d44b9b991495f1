// Package gemini implements the live transport over the Gemini Live
// bidirectional websocket API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-live/internal/codec"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/tools"
	"github.com/loqalabs/loqa-live/internal/transport"
)

const (
	maxMessageSize = 16 * 1024 * 1024
	writeTimeout   = 5 * time.Second
	pingInterval   = 20 * time.Second
	eventBuffer    = 64
)

type Options struct {
	Endpoint  string
	APIKey    string
	Model     string
	Voice     string
	SetupWait time.Duration
	Dialer    *websocket.Dialer
}

func OptionsFromConfig(cfg config.TransportConfig) Options {
	return Options{
		Endpoint:  cfg.Endpoint,
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		Voice:     cfg.Voice,
		SetupWait: time.Duration(cfg.SetupWaitMS) * time.Millisecond,
	}
}

type writeRequest struct {
	payload any
	done    chan error
}

// Client is a transport.Transport backed by one websocket connection.
type Client struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	opened  bool
	closing bool

	writes    chan writeRequest
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(opts Options, log *slog.Logger) *Client {
	if opts.SetupWait <= 0 {
		opts.SetupWait = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 45 * time.Second}
	}
	return &Client{opts: opts, log: log.With(slog.String("component", "gemini-transport"))}
}

// Open dials the service, sends the setup message and waits for it to be
// acknowledged before returning the event stream.
func (c *Client) Open(ctx context.Context, setup transport.Setup) (<-chan transport.Event, error) {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return nil, transport.ErrAlreadyOpen
	}
	c.opened = true
	c.mu.Unlock()

	if strings.TrimSpace(c.opts.Endpoint) == "" {
		return nil, errors.New("gemini endpoint not configured")
	}
	headers := http.Header{}
	if c.opts.APIKey != "" {
		headers.Set("x-goog-api-key", c.opts.APIKey)
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.Endpoint, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial gemini (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial gemini: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	if err := c.handshake(ctx, conn, setup); err != nil {
		_ = conn.Close()
		return nil, err
	}

	events := make(chan transport.Event, eventBuffer)
	c.mu.Lock()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.writes = make(chan writeRequest)
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(2)
	go c.writeLoop(conn)
	go c.readLoop(conn, events)

	c.log.Info("gemini session open",
		slog.String("session_id", setup.SessionID),
		slog.String("model", modelPath(c.opts.Model)),
		slog.Int("tools", len(setup.Tools)))
	return events, nil
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn, setup transport.Setup) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(buildSetup(c.opts.Model, c.opts.Voice, setup.Instructions, setup.Tools)); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}

	deadline := time.Now().Add(c.opts.SetupWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	// Cancelling ctx unblocks the pending read.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("await setup complete: %w", ctxErr)
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("%w: %s", transport.ErrSetupRejected, closeReason(ce))
			}
			return fmt.Errorf("await setup complete: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("dropping malformed message during setup", slogError(err))
			continue
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

func closeReason(ce *websocket.CloseError) string {
	if ce.Text != "" {
		return fmt.Sprintf("%s (code %d)", ce.Text, ce.Code)
	}
	return fmt.Sprintf("code %d", ce.Code)
}

func (c *Client) writeLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.log.Warn("ping failed", slogError(err))
			}
		case req := <-c.writes:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteJSON(req.payload)
			req.done <- err
		}
	}
}

func (c *Client) send(ctx context.Context, payload any) error {
	c.mu.Lock()
	open := c.conn != nil && !c.closing
	c.mu.Unlock()
	if !open {
		return transport.ErrNotOpen
	}
	req := writeRequest{payload: payload, done: make(chan error, 1)}
	select {
	case c.writes <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return transport.ErrNotOpen
	}
	select {
	case err := <-req.done:
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) SendAudio(ctx context.Context, blob codec.Blob) error {
	return c.send(ctx, realtimeInputMessage{RealtimeInput: realtimeInput{MediaChunks: []codec.Blob{blob}}})
}

func (c *Client) SendToolResult(ctx context.Context, result tools.Result) error {
	return c.send(ctx, toolResult(result))
}

func (c *Client) readLoop(conn *websocket.Conn, events chan<- transport.Event) {
	defer c.wg.Done()
	defer close(events)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.emit(events, c.terminal(err))
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("dropping malformed server message", slogError(err))
			continue
		}
		for _, evt := range decode(msg, c.log) {
			if !c.emit(events, evt) {
				return
			}
		}
	}
}

func (c *Client) terminal(err error) transport.Event {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return transport.Closed()
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return transport.Failure(fmt.Errorf("gemini closed the session: %s", closeReason(ce)))
	}
	return transport.Failure(fmt.Errorf("read: %w", err))
}

func (c *Client) emit(events chan<- transport.Event, evt transport.Event) bool {
	select {
	case events <- evt:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// decode maps one server message to events in the order the session must
// handle them: an interruption first, turn completion last.
func decode(msg serverMessage, log *slog.Logger) []transport.Event {
	var out []transport.Event
	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			out = append(out, transport.Interrupted())
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			out = append(out, transport.InputTranscript(sc.InputTranscription.Text))
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil {
					continue
				}
				if !strings.HasPrefix(p.InlineData.MimeType, "audio/pcm") {
					log.Warn("dropping non-pcm inline data", slog.String("mime_type", p.InlineData.MimeType))
					continue
				}
				out = append(out, transport.Audio(*p.InlineData))
			}
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			out = append(out, transport.OutputTranscript(sc.OutputTranscription.Text))
		}
		if sc.TurnComplete {
			out = append(out, transport.TurnComplete())
		}
	}
	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		calls := make([]tools.Call, 0, len(tc.FunctionCalls))
		for _, fc := range tc.FunctionCalls {
			calls = append(calls, tools.Call{ID: fc.ID, Name: fc.Name, Args: stringArgs(fc.Args)})
		}
		out = append(out, transport.ToolCall(calls...))
	}
	if msg.GoAway != nil {
		log.Warn("gemini requested disconnect", slog.String("time_left", msg.GoAway.TimeLeft))
	}
	return out
}

// Close ends the session. Pending sends fail with ErrNotOpen.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.cancel()
		_ = conn.Close()
		c.wg.Wait()
		c.log.Info("gemini session closed")
	})
	return nil
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
