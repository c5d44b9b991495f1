package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-live/internal/bus"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/natsserver"
	"github.com/loqalabs/loqa-live/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T) *natsserver.EmbeddedServer {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, discardLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func connect(t *testing.T, srv *natsserver.EmbeddedServer) *bus.Client {
	t.Helper()
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

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newNode(t *testing.T, client *bus.Client, id, role string, caps []Capability) *Registry {
	t.Helper()
	reg, err := NewRegistry(context.Background(), Options{
		NodeID:            id,
		Role:              role,
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  200 * time.Millisecond,
	}, caps, client, discardLogger())
	if err != nil {
		t.Fatalf("new registry %s: %v", id, err)
	}
	t.Cleanup(reg.Close)
	return reg
}

func TestPeersDiscoverEachOther(t *testing.T) {
	srv := startServer(t)
	caps := FromTools([]tools.Spec{tools.Remember(nil).Spec})

	session := newNode(t, connect(t, srv), "session-1", RoleSession, caps)
	bridge := newNode(t, connect(t, srv), "bridge-1", "model-bridge", nil)

	eventually(t, "session sees bridge", func() bool {
		return len(session.Query(WithRole("model-bridge"))) == 1
	})
	eventually(t, "bridge sees session tools", func() bool {
		found := bridge.Query(Offering("remember"))
		return len(found) == 1 && found[0].ID == "session-1"
	})
	if !session.Healthy() {
		t.Fatalf("expected local node to be healthy")
	}
}

func TestLeaveRemovesNode(t *testing.T) {
	srv := startServer(t)
	session := newNode(t, connect(t, srv), "session-1", RoleSession, nil)
	bridge := newNode(t, connect(t, srv), "bridge-1", "model-bridge", nil)

	eventually(t, "bridge discovered", func() bool { return len(session.Query(WithRole("model-bridge"))) == 1 })
	bridge.Close()
	bridge.Close()
	eventually(t, "bridge removed", func() bool { return len(session.Query(WithRole("model-bridge"))) == 0 })
}

func TestInvalidPresenceMessagesAreDropped(t *testing.T) {
	srv := startServer(t)
	client := connect(t, srv)
	session := newNode(t, client, "session-1", RoleSession, nil)

	if err := client.Conn().Publish(subjectAnnounce, []byte("{not json")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.PublishJSON(subjectHeartbeat+".ghost", map[string]string{"node_id": ""}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if nodes := session.Query(nil); len(nodes) != 1 || nodes[0].ID != "session-1" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
}

func TestSilentNodeBecomesUnhealthy(t *testing.T) {
	r := &Registry{opts: Options{NodeID: "self", HeartbeatTimeout: time.Second}, nodes: map[string]*NodeInfo{}}
	now := time.Now()
	r.updateNode("self", RoleSession, nil, now)
	r.updateNode("peer", "model-bridge", nil, now.Add(-2*time.Second))

	r.evaluateHealth(now)
	for _, node := range r.Query(nil) {
		if want := node.ID == "self"; node.Healthy != want {
			t.Fatalf("node %s healthy=%v, want %v", node.ID, node.Healthy, want)
		}
	}
	if !r.Healthy() {
		t.Fatalf("expected local node healthy")
	}
}

func TestFromTools(t *testing.T) {
	caps := FromTools([]tools.Spec{
		{Name: "startTimer", Description: "Start a timer", Params: []tools.Param{{Name: "duration_seconds"}, {Name: "label"}}},
		{Name: "ping"},
	})
	if len(caps) != 2 {
		t.Fatalf("expected two capabilities, got %d", len(caps))
	}
	if caps[0].Attributes["params"] != "duration_seconds,label" || caps[0].Attributes["description"] != "Start a timer" {
		t.Fatalf("unexpected attributes %v", caps[0].Attributes)
	}
	if len(caps[1].Attributes) != 0 {
		t.Fatalf("expected no attributes for ping, got %v", caps[1].Attributes)
	}
}
