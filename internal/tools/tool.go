// Package tools holds the capabilities the model may invoke during a live
// session and the dispatcher that runs them.
package tools

import (
	"context"
	"errors"
)

var ErrUnknownTool = errors.New("unknown capability")

// Call is one model-initiated tool invocation.
type Call struct {
	ID   string
	Name string
	Args map[string]string
}

// Result answers exactly one Call.
type Result struct {
	ID      string
	Name    string
	Output  string
	IsError bool
}

// Param declares one string argument of a tool.
type Param struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	Required    bool   `json:"required,omitempty" yaml:"required"`
}

// Spec is the declaration advertised to the model at session setup.
type Spec struct {
	Name        string
	Description string
	Params      []Param
}

// Handler executes a call. A returned error becomes an error result; handlers
// should honor ctx cancellation where their work allows it.
type Handler interface {
	Invoke(ctx context.Context, args map[string]string) (string, error)
}

type HandlerFunc func(ctx context.Context, args map[string]string) (string, error)

func (f HandlerFunc) Invoke(ctx context.Context, args map[string]string) (string, error) {
	return f(ctx, args)
}

type Tool struct {
	Spec    Spec
	Handler Handler
}
