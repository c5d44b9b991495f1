// Package capability announces this daemon and the tools it offers on the
// bus, and tracks the peers that announce themselves there, such as a remote
// model bridge.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-live/internal/bus"
	"github.com/loqalabs/loqa-live/internal/tools"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	subjectAnnounce  = "live.presence.announce"
	subjectHeartbeat = "live.presence.heartbeat"
	subjectLeave     = "live.presence.leave"
)

// RoleSession is the role this daemon announces.
const RoleSession = "live-session"

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type Options struct {
	NodeID            string
	Role              string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Registry struct {
	opts   Options
	local  []Capability
	log    *slog.Logger
	bus    *bus.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	nodes map[string]*NodeInfo
	subs  []*nats.Subscription

	closeOnce  sync.Once
	metricsReg metric.Registration
}

// FromTools describes each tool as a capability carrying its description and
// parameter names.
func FromTools(specs []tools.Spec) []Capability {
	out := make([]Capability, 0, len(specs))
	for _, spec := range specs {
		attrs := map[string]string{}
		if spec.Description != "" {
			attrs["description"] = spec.Description
		}
		if len(spec.Params) > 0 {
			names := make([]string, 0, len(spec.Params))
			for _, p := range spec.Params {
				names = append(names, p.Name)
			}
			attrs["params"] = strings.Join(names, ",")
		}
		out = append(out, Capability{Name: spec.Name, Attributes: attrs})
	}
	return out
}

// NewRegistry subscribes to presence traffic, announces the local node and
// starts heartbeating. Close publishes a leave message.
func NewRegistry(ctx context.Context, opts Options, local []Capability, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	if opts.NodeID == "" {
		return nil, errors.New("presence node id is required")
	}
	if opts.Role == "" {
		opts.Role = RoleSession
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.HeartbeatTimeout <= opts.HeartbeatInterval {
		opts.HeartbeatTimeout = 3 * opts.HeartbeatInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		opts:   opts,
		local:  local,
		log:    log.With(slog.String("component", "presence"), slog.String("node_id", opts.NodeID)),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		r.drain()
		return nil, err
	}
	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.run(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
		if err := r.bus.PublishJSON(subjectLeave, heartbeatMessage{NodeID: r.opts.NodeID, Timestamp: time.Now().UTC()}); err != nil {
			r.log.Warn("failed to publish leave", slog.String("error", err.Error()))
		}
		r.drain()
		if r.metricsReg != nil {
			_ = r.metricsReg.Unregister()
		}
	})
}

func (r *Registry) drain() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	for subject, handler := range map[string]nats.MsgHandler{
		subjectAnnounce:         r.handleAnnounce,
		subjectHeartbeat + ".*": r.handleHeartbeat,
		subjectLeave:            r.handleLeave,
	} {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()
	}
	// Announcements must reach the server before anyone replies to them.
	return conn.Flush()
}

// run heartbeats on the configured interval and marks silent peers unhealthy.
func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(r.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.opts.NodeID,
		Role:         r.opts.Role,
		Capabilities: r.local,
		Timestamp:    time.Now().UTC(),
	}
	if err := r.bus.PublishJSON(subjectAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{NodeID: r.opts.NodeID, Timestamp: time.Now().UTC()}
	return r.bus.PublishJSON(subjectHeartbeat+"."+r.opts.NodeID, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.NodeID == "" {
		r.log.Warn("dropping invalid announce message")
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	known := r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp)
	// Answer newcomers so they learn about us without waiting for a heartbeat.
	if !known && announcement.NodeID != r.opts.NodeID {
		if err := r.announce(); err != nil {
			r.log.Warn("failed to answer announce", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("dropping invalid heartbeat message")
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

func (r *Registry) handleLeave(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		return
	}
	r.mu.Lock()
	delete(r.nodes, hb.NodeID)
	r.mu.Unlock()
	r.log.Info("node left", slog.String("peer", hb.NodeID))
}

// updateNode records a sighting and reports whether the node was known.
func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, seen time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if capabilities != nil {
		node.Capabilities = capabilities
	}
	node.LastSeen = seen
	node.Healthy = true
	return ok
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > r.opts.HeartbeatTimeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether the local node still sees its own presence.
func (r *Registry) Healthy() bool {
	if r == nil {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.opts.NodeID]
	return ok && node.Healthy
}

// Query returns the known nodes accepted by filter, ordered by id.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	results := make([]NodeInfo, 0, len(r.nodes))
	for _, node := range r.nodes {
		info := *node
		if filter == nil || filter(info) {
			results = append(results, info)
		}
	}
	r.mu.RUnlock()
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func WithRole(role string) func(NodeInfo) bool {
	return func(node NodeInfo) bool { return node.Role == role }
}

func Offering(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-live/capability")
	nodes, err := meter.Int64ObservableGauge("loqa.live.presence.nodes", metric.WithDescription("Number of known bus nodes"))
	if err != nil {
		return err
	}
	caps, err := meter.Int64ObservableGauge("loqa.live.presence.capabilities", metric.WithDescription("Total capabilities advertised on the bus"))
	if err != nil {
		return err
	}
	r.metricsReg, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		n, c := r.snapshotCounts()
		obs.ObserveInt64(nodes, n)
		obs.ObserveInt64(caps, c)
		return nil
	}, nodes, caps)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var nodes, caps int64
	for _, node := range r.nodes {
		nodes++
		caps += int64(len(node.Capabilities))
	}
	return nodes, caps
}
