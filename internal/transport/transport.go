// Package transport defines the duplex link between a live session and a
// realtime model service.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-live/internal/codec"
	"github.com/loqalabs/loqa-live/internal/tools"
)

var (
	ErrNotOpen       = errors.New("transport not open")
	ErrAlreadyOpen   = errors.New("transport already open")
	ErrSetupRejected = errors.New("session setup rejected")
)

type Kind int

const (
	KindAudio Kind = iota + 1
	KindInputTranscript
	KindOutputTranscript
	KindTurnComplete
	KindInterrupted
	KindToolCall
	KindError
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindInputTranscript:
		return "input_transcript"
	case KindOutputTranscript:
		return "output_transcript"
	case KindTurnComplete:
		return "turn_complete"
	case KindInterrupted:
		return "interrupted"
	case KindToolCall:
		return "tool_call"
	case KindError:
		return "error"
	case KindClosed:
		return "closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one inbound message from the model service. Only the fields that
// belong to Kind are set.
type Event struct {
	Kind  Kind
	Audio codec.Blob
	Text  string
	Calls []tools.Call
	Err   error
}

func Audio(b codec.Blob) Event { return Event{Kind: KindAudio, Audio: b} }
func InputTranscript(text string) Event { return Event{Kind: KindInputTranscript, Text: text} }
func OutputTranscript(text string) Event { return Event{Kind: KindOutputTranscript, Text: text} }
func TurnComplete() Event { return Event{Kind: KindTurnComplete} }
func Interrupted() Event { return Event{Kind: KindInterrupted} }
func ToolCall(calls ...tools.Call) Event { return Event{Kind: KindToolCall, Calls: calls} }
func Failure(err error) Event { return Event{Kind: KindError, Err: err} }
func Closed() Event { return Event{Kind: KindClosed} }

// Setup is sent once when the session opens.
type Setup struct {
	SessionID    string
	Instructions string
	Tools        []tools.Spec
}

// Transport is owned by exactly one session. Implementations deliver events
// in arrival order and close the channel after a terminal Error or Closed
// event. Send methods are called from a single goroutine.
type Transport interface {
	Open(ctx context.Context, setup Setup) (<-chan Event, error)
	SendAudio(ctx context.Context, blob codec.Blob) error
	SendToolResult(ctx context.Context, result tools.Result) error
	Close() error
}
