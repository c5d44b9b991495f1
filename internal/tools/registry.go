package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Registry maps tool names to handlers. It is fixed at construction, so
// lookups need no locking.
type Registry struct {
	tools map[string]Tool
	order []string
	log   *slog.Logger
}

func NewRegistry(log *slog.Logger, tools ...Tool) (*Registry, error) {
	r := &Registry{
		tools: make(map[string]Tool, len(tools)),
		log:   log.With(slog.String("component", "tool-registry")),
	}
	for _, t := range tools {
		name := strings.TrimSpace(t.Spec.Name)
		if name == "" {
			return nil, fmt.Errorf("tool name required")
		}
		if t.Handler == nil {
			return nil, fmt.Errorf("tool %q has no handler", name)
		}
		if _, exists := r.tools[name]; exists {
			return nil, fmt.Errorf("tool %q registered twice", name)
		}
		t.Spec.Name = name
		r.tools[name] = t
		r.order = append(r.order, name)
	}
	sort.Strings(r.order)

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}
	return r, nil
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	t, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return t.Handler, true
}

// Specs returns the declarations sent to the model, sorted by name.
func (r *Registry) Specs() []Spec {
	specs := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].Spec)
	}
	return specs
}

func (r *Registry) Len() int { return len(r.tools) }

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-live/tools")
	gauge, err := meter.Int64ObservableGauge("loqa.live.tools.registered", metric.WithDescription("Number of tools offered to the model"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(len(r.tools)))
		return nil
	}, gauge)
	return err
}
