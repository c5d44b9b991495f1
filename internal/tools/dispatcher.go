package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher runs each call on its own goroutine and delivers exactly one
// Result per call until it is closed. Results that complete after Close are
// discarded.
type Dispatcher struct {
	registry *Registry
	deliver  func(Result)
	timeout  time.Duration
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	// delivering is held shared while a result is handed over, so Close can
	// wait until no delivery is in flight.
	delivering sync.RWMutex

	tracer   trace.Tracer
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

// NewDispatcher returns a dispatcher whose handlers run under ctx. A zero
// timeout means handlers are only bounded by their own deadlines.
func NewDispatcher(ctx context.Context, registry *Registry, timeout time.Duration, deliver func(Result), log *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{
		registry: registry,
		deliver:  deliver,
		timeout:  timeout,
		log:      log.With(slog.String("component", "tool-dispatcher")),
		ctx:      ctx,
		cancel:   cancel,
		tracer:   otel.Tracer("github.com/loqalabs/loqa-live/tools"),
	}
	if err := d.initMetrics(); err != nil {
		d.log.Warn("failed to initialize metrics", slogError(err))
	}
	return d
}

func (d *Dispatcher) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-live/tools")
	calls, err := meter.Int64Counter("loqa.live.tool.calls", metric.WithDescription("Tool calls by tool and outcome"))
	if err != nil {
		return err
	}
	duration, err := meter.Float64Histogram("loqa.live.tool.duration", metric.WithDescription("Tool call latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	d.calls = calls
	d.duration = duration
	return nil
}

// Dispatch starts call and returns immediately.
func (d *Dispatcher) Dispatch(call Call) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Debug("dropping tool call after close", slog.String("tool", call.Name), slog.String("call_id", call.ID))
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	handler, ok := d.registry.Lookup(call.Name)
	if !ok {
		d.log.Warn("unknown tool requested", slog.String("tool", call.Name), slog.String("call_id", call.ID))
		go func() {
			defer d.wg.Done()
			d.finish(call, "", fmt.Errorf("%w %q", ErrUnknownTool, call.Name), 0)
		}()
		return
	}
	go func() {
		defer d.wg.Done()
		start := time.Now()
		out, err := d.invoke(handler, call)
		d.finish(call, out, err, time.Since(start))
	}()
}

func (d *Dispatcher) invoke(handler Handler, call Call) (out string, err error) {
	ctx := d.ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	ctx, span := d.tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if d.timeout <= 0 {
		return safeInvoke(ctx, handler, call.Args)
	}

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		o, e := safeInvoke(ctx, handler, call.Args)
		done <- outcome{o, e}
	}()
	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("tool %q timed out after %s", call.Name, d.timeout)
		}
		return "", ctx.Err()
	}
}

func safeInvoke(ctx context.Context, handler Handler, args map[string]string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	if args == nil {
		args = map[string]string{}
	}
	return handler.Invoke(ctx, args)
}

func (d *Dispatcher) finish(call Call, out string, err error, elapsed time.Duration) {
	result := Result{ID: call.ID, Name: call.Name, Output: out}
	outcome := "ok"
	if err != nil {
		result.Output = err.Error()
		result.IsError = true
		outcome = "error"
	}

	d.delivering.RLock()
	defer d.delivering.RUnlock()
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		outcome = "discarded"
	}
	if d.calls != nil {
		d.calls.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("tool", call.Name),
			attribute.String("outcome", outcome),
		))
	}
	if d.duration != nil && elapsed > 0 {
		d.duration.Record(context.Background(), float64(elapsed.Milliseconds()), metric.WithAttributes(attribute.String("tool", call.Name)))
	}
	if closed {
		d.log.Debug("discarding tool result after close", slog.String("tool", call.Name), slog.String("call_id", call.ID))
		return
	}
	if result.IsError {
		d.log.Warn("tool call failed", slog.String("tool", call.Name), slog.String("call_id", call.ID), slogError(err))
	} else {
		d.log.Info("tool call completed", slog.String("tool", call.Name), slog.String("call_id", call.ID), slog.Duration("elapsed", elapsed))
	}
	d.deliver(result)
}

// Close cancels in-flight handlers and discards their results. It waits for a
// delivery already in progress, so no result is delivered once it returns, but
// it does not wait for handlers that ignore cancellation.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.delivering.Lock()
	d.delivering.Unlock()
}

// Wait blocks until every dispatched call has finished. Tests use it; the
// session never waits on handlers.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
