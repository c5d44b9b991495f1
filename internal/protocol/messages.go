// Package protocol defines the JSON messages exchanged over the bus for live
// sessions bridged through NATS.
package protocol

import (
	"fmt"
	"time"
)

// Setup opens a bridged session.
type Setup struct {
	SessionID    string     `json:"session_id"`
	Instructions string     `json:"instructions,omitempty"`
	Tools        []ToolDecl `json:"tools,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

type ToolDecl struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Params      []ToolParam `json:"params,omitempty"`
}

type ToolParam struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// AudioChunk carries one base64 PCM capture frame.
type AudioChunk struct {
	SessionID string `json:"session_id"`
	Sequence  uint64 `json:"sequence"`
	MimeType  string `json:"mime_type"`
	Data      string `json:"data"`
}

type ToolResult struct {
	SessionID string `json:"session_id"`
	CallID    string `json:"call_id"`
	Name      string `json:"name,omitempty"`
	Output    string `json:"output"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Server event types.
const (
	EventAudio            = "audio"
	EventInputTranscript  = "input_transcript"
	EventOutputTranscript = "output_transcript"
	EventTurnComplete     = "turn_complete"
	EventInterrupted      = "interrupted"
	EventToolCall         = "tool_call"
	EventSetupComplete    = "setup_complete"
	EventError            = "error"
	EventClosed           = "closed"
)

type ToolCall struct {
	ID   string            `json:"id"`
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// ServerEvent is published by the remote model bridge.
type ServerEvent struct {
	SessionID string     `json:"session_id"`
	Type      string     `json:"type"`
	MimeType  string     `json:"mime_type,omitempty"`
	Data      string     `json:"data,omitempty"`
	Text      string     `json:"text,omitempty"`
	Calls     []ToolCall `json:"calls,omitempty"`
	Error     string     `json:"error,omitempty"`
}

const subjectPrefix = "live"

func SubjectClientSetup(sessionID string) string {
	return fmt.Sprintf("%s.%s.client.setup", subjectPrefix, sessionID)
}

func SubjectClientAudio(sessionID string) string {
	return fmt.Sprintf("%s.%s.client.audio", subjectPrefix, sessionID)
}

func SubjectClientToolResult(sessionID string) string {
	return fmt.Sprintf("%s.%s.client.tool_result", subjectPrefix, sessionID)
}

func SubjectServerEvent(sessionID string) string {
	return fmt.Sprintf("%s.%s.server.event", subjectPrefix, sessionID)
}

// SubjectServerEventAll matches server events of every session.
const SubjectServerEventAll = subjectPrefix + ".*.server.event"
