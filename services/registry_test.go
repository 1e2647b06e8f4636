package services

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Yash-Swaminathan/ChatterBox-sub002/models"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/utils"
)

type fakeConn struct {
	mu      sync.Mutex
	events  []models.Event
	alive   bool
	pingErr error
	kind    string
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{alive: true, kind: "test"}
}

func (c *fakeConn) Send(event models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return errors.New("connection gone")
	}
	c.events = append(c.events, event)
	return nil
}

func (c *fakeConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *fakeConn) Kind() string {
	return c.kind
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
	c.closed = true
	return nil
}

func (c *fakeConn) eventTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, len(c.events))
	for i, ev := range c.events {
		types[i] = ev.Type
	}
	return types
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestRegistry() *Registry {
	return NewRegistry(utils.NewLogger(), 10*time.Millisecond)
}

func session(userID, sessionID string) models.Session {
	return models.Session{ID: sessionID, UserID: userID, ConnectedAt: time.Now()}
}

func TestRegisterFirstAndLastSignals(t *testing.T) {
	r := newTestRegistry()

	if first := r.Register(session("alice", "s1"), newFakeConn()); !first {
		t.Fatal("expected first connection signal")
	}
	if first := r.Register(session("alice", "s2"), newFakeConn()); first {
		t.Fatal("expected no first-connection signal for second session")
	}

	if last := r.Unregister("alice", "s1"); last {
		t.Fatal("expected no last-connection signal while a session remains")
	}
	if last := r.Unregister("alice", "s2"); !last {
		t.Fatal("expected last-connection signal")
	}

	if sessions := r.SessionsFor("alice"); len(sessions) != 0 {
		t.Fatalf("expected empty session set, got %d", len(sessions))
	}
}

func TestRegisterIdempotent(t *testing.T) {
	r := newTestRegistry()

	r.Register(session("alice", "s1"), newFakeConn())
	if first := r.Register(session("alice", "s1"), newFakeConn()); first {
		t.Fatal("re-registering the same session must not signal first connection")
	}
	if sessions := r.SessionsFor("alice"); len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
}

func TestUnregisterUnknown(t *testing.T) {
	r := newTestRegistry()

	if last := r.Unregister("ghost", "s1"); last {
		t.Fatal("unknown user must not signal last connection")
	}
	if sessions := r.SessionsFor("ghost"); sessions == nil || len(sessions) != 0 {
		t.Fatalf("expected empty slice for unknown user, got %v", sessions)
	}
}

func TestForceDisconnect(t *testing.T) {
	r := newTestRegistry()
	c1 := newFakeConn()
	c2 := newFakeConn()
	r.Register(session("alice", "s1"), c1)
	r.Register(session("alice", "s2"), c2)

	if n := r.ForceDisconnect("alice", "policy violation"); n != 2 {
		t.Fatalf("expected 2 terminated sessions, got %d", n)
	}
	if sessions := r.SessionsFor("alice"); len(sessions) != 0 {
		t.Fatalf("expected no sessions after force disconnect, got %d", len(sessions))
	}

	for _, c := range []*fakeConn{c1, c2} {
		types := c.eventTypes()
		if len(types) != 1 || types[0] != models.EventForceDisconnect {
			t.Fatalf("expected force:disconnect notice, got %v", types)
		}
	}

	// Transports close after the grace period
	time.Sleep(50 * time.Millisecond)
	if !c1.isClosed() || !c2.isClosed() {
		t.Fatal("expected transports closed after grace period")
	}

	if n := r.ForceDisconnect("nobody", "x"); n != 0 {
		t.Fatalf("expected 0 for unknown user, got %d", n)
	}
}

func TestAllowStatusUpdateWindow(t *testing.T) {
	r := newTestRegistry()
	r.Register(session("alice", "s1"), newFakeConn())

	window := 50 * time.Millisecond
	if allowed, known := r.AllowStatusUpdate("alice", window); !allowed || !known {
		t.Fatal("first update should be accepted")
	}
	if allowed, known := r.AllowStatusUpdate("alice", window); allowed || !known {
		t.Fatal("second update inside the window should be rejected as rate limited")
	}

	time.Sleep(60 * time.Millisecond)
	if allowed, _ := r.AllowStatusUpdate("alice", window); !allowed {
		t.Fatal("update after the window reopens should be accepted")
	}

	if allowed, known := r.AllowStatusUpdate("ghost", window); allowed || known {
		t.Fatal("user without a registry entry should read as unknown, not rate limited")
	}
}

func TestSweepStale(t *testing.T) {
	r := newTestRegistry()

	dead := newFakeConn()
	dead.alive = false
	r.Register(session("alice", "s1"), dead)

	live := newFakeConn()
	r.Register(session("bob", "s2"), live)

	unresponsive := newFakeConn()
	unresponsive.pingErr = errors.New("timeout")
	old := models.Session{ID: "s3", UserID: "carol", ConnectedAt: time.Now().Add(-2 * time.Hour)}
	r.Register(old, unresponsive)

	if removed := r.SweepStale(time.Hour); removed != 2 {
		t.Fatalf("expected 2 swept sessions, got %d", removed)
	}
	if len(r.SessionsFor("alice")) != 0 {
		t.Fatal("dead transport should be swept")
	}
	if len(r.SessionsFor("carol")) != 0 {
		t.Fatal("old unresponsive transport should be swept")
	}
	if len(r.SessionsFor("bob")) != 1 {
		t.Fatal("live session should survive the sweep")
	}
}

func TestMetricsCounters(t *testing.T) {
	r := newTestRegistry()

	r.Register(session("alice", "s1"), newFakeConn())
	r.Register(session("bob", "s2"), newFakeConn())
	r.Unregister("bob", "s2")

	snap := r.Metrics().Snapshot()
	if snap["total_connections"].(uint64) != 2 {
		t.Fatalf("expected total 2, got %v", snap["total_connections"])
	}
	if snap["active_connections"].(int64) != 1 {
		t.Fatalf("expected active 1, got %v", snap["active_connections"])
	}
	byKind := snap["connections_by_transport"].(map[string]int64)
	if byKind["test"] != 1 {
		t.Fatalf("expected 1 test-transport connection, got %d", byKind["test"])
	}
}

func TestBroadcast(t *testing.T) {
	r := newTestRegistry()
	c1 := newFakeConn()
	c2 := newFakeConn()
	r.Register(session("alice", "s1"), c1)
	r.Register(session("bob", "s2"), c2)

	r.Broadcast(models.NewEvent(models.EventServerShutdown, models.DisconnectPayload{
		Message:   "bye",
		Timestamp: time.Now(),
	}))

	for _, c := range []*fakeConn{c1, c2} {
		types := c.eventTypes()
		if len(types) != 1 || types[0] != models.EventServerShutdown {
			t.Fatalf("expected shutdown event, got %v", types)
		}
	}
}
