package services

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Yash-Swaminathan/ChatterBox-sub002/models"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/utils"
)

// SessionConn is the abstract bidirectional channel for one session. The
// transport library (WebSocket in production, fakes in tests) provides it;
// nothing in the registry knows about framing or reconnection.
type SessionConn interface {
	// Send delivers one event to the client. Best effort; an error means
	// the transport is unusable, not that the client rejected the event.
	Send(event models.Event) error
	// Ping probes the transport without delivering anything visible
	Ping() error
	// Alive reports whether the transport object still exists
	Alive() bool
	// Kind names the transport ("websocket", ...) for metrics
	Kind() string
	Close() error
}

const registryShardCount = 32

type sessionEntry struct {
	session models.Session
	conn    SessionConn
}

// userEntry holds everything that must share one lock per user: the live
// session set and the status-update rate-limiter timestamp. Two concurrent
// requests from the same user must not both observe a stale last-update time.
type userEntry struct {
	sessions         map[string]*sessionEntry
	lastStatusUpdate time.Time
}

type registryShard struct {
	mu    sync.Mutex
	users map[string]*userEntry
}

// RegistryMetrics are running connection counters, exposed read-only
type RegistryMetrics struct {
	totalConns  atomic.Uint64
	activeConns atomic.Int64

	mu     sync.Mutex
	byKind map[string]int64
}

func (m *RegistryMetrics) record(kind string) {
	m.totalConns.Add(1)
	m.activeConns.Add(1)
	m.mu.Lock()
	m.byKind[kind]++
	m.mu.Unlock()
}

func (m *RegistryMetrics) release(kind string) {
	m.activeConns.Add(-1)
	m.mu.Lock()
	if m.byKind[kind] > 0 {
		m.byKind[kind]--
	}
	m.mu.Unlock()
}

// Snapshot returns a point-in-time copy of all counters
func (m *RegistryMetrics) Snapshot() map[string]interface{} {
	m.mu.Lock()
	byKind := make(map[string]int64, len(m.byKind))
	for kind, count := range m.byKind {
		byKind[kind] = count
	}
	m.mu.Unlock()

	return map[string]interface{}{
		"total_connections":  m.totalConns.Load(),
		"active_connections": m.activeConns.Load(),
		"connections_by_transport": byKind,
	}
}

// Registry is the in-process map from user identity to live sessions on
// this instance. Mutation is serialized per user key via sharded locks.
type Registry struct {
	shards  [registryShardCount]registryShard
	metrics RegistryMetrics
	grace   time.Duration
	logger  *utils.Logger
}

func NewRegistry(logger *utils.Logger, disconnectGrace time.Duration) *Registry {
	r := &Registry{
		grace:  disconnectGrace,
		logger: logger,
	}
	for i := range r.shards {
		r.shards[i].users = make(map[string]*userEntry)
	}
	r.metrics.byKind = make(map[string]int64)
	return r
}

func (r *Registry) shardFor(userID string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &r.shards[h.Sum32()%registryShardCount]
}

// Register adds a session to the user's set, creating the set if absent.
// It is idempotent for a repeated session ID and returns true when the set
// transitioned from empty to non-empty (the user's first connection).
func (r *Registry) Register(session models.Session, conn SessionConn) bool {
	shard := r.shardFor(session.UserID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.users[session.UserID]
	if !ok {
		entry = &userEntry{sessions: make(map[string]*sessionEntry)}
		shard.users[session.UserID] = entry
	}

	if _, exists := entry.sessions[session.ID]; exists {
		return false
	}

	entry.sessions[session.ID] = &sessionEntry{session: session, conn: conn}
	r.metrics.record(conn.Kind())

	return len(entry.sessions) == 1
}

// Unregister removes a session and returns true when the user's set became
// empty (the last connection is gone). Unknown users and sessions are no-ops.
func (r *Registry) Unregister(userID, sessionID string) bool {
	shard := r.shardFor(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.users[userID]
	if !ok {
		return false
	}

	se, exists := entry.sessions[sessionID]
	if !exists {
		return false
	}

	delete(entry.sessions, sessionID)
	r.metrics.release(se.conn.Kind())

	if len(entry.sessions) == 0 {
		delete(shard.users, userID)
		return true
	}
	return false
}

// SessionsFor returns a snapshot of the user's current sessions. Never
// blocks beyond the shard lock; unknown users yield an empty slice.
func (r *Registry) SessionsFor(userID string) []models.Session {
	shard := r.shardFor(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.users[userID]
	if !ok {
		return []models.Session{}
	}

	sessions := make([]models.Session, 0, len(entry.sessions))
	for _, se := range entry.sessions {
		sessions = append(sessions, se.session)
	}
	return sessions
}

// ConnsFor returns a snapshot of the user's live transport channels
func (r *Registry) ConnsFor(userID string) []SessionConn {
	shard := r.shardFor(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.users[userID]
	if !ok {
		return nil
	}

	conns := make([]SessionConn, 0, len(entry.sessions))
	for _, se := range entry.sessions {
		conns = append(conns, se.conn)
	}
	return conns
}

// AllowStatusUpdate enforces the one-accepted-update-per-window limit for a
// user, tracked by last-accepted timestamp under the same lock as the
// session set. known reports whether the user has a registry entry at all;
// a user without one (evicted while the handle is still live) is not rate
// limited, the update just has no session behind it.
func (r *Registry) AllowStatusUpdate(userID string, window time.Duration) (allowed, known bool) {
	shard := r.shardFor(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.users[userID]
	if !ok {
		return false, false
	}

	now := time.Now()
	if now.Sub(entry.lastStatusUpdate) < window {
		return false, true
	}
	entry.lastStatusUpdate = now
	return true, true
}

// ForceDisconnect delivers a disconnect notice to every session of the user,
// then tears the transports down after the grace period. Returns the number
// of sessions terminated, 0 when the user has none.
func (r *Registry) ForceDisconnect(userID, reason string) int {
	shard := r.shardFor(userID)
	shard.mu.Lock()
	entry, ok := shard.users[userID]
	if !ok {
		shard.mu.Unlock()
		return 0
	}

	victims := make([]*sessionEntry, 0, len(entry.sessions))
	for _, se := range entry.sessions {
		victims = append(victims, se)
	}
	delete(shard.users, userID)
	shard.mu.Unlock()

	notice := models.NewEvent(models.EventForceDisconnect, models.DisconnectPayload{
		Reason:    reason,
		Timestamp: time.Now(),
	})

	for _, se := range victims {
		r.metrics.release(se.conn.Kind())
		r.teardown(se.conn, notice)
	}

	r.logger.Info("Forced disconnect", "user_id", userID, "reason", reason, "sessions", len(victims))
	return len(victims)
}

// teardown sends a final notice and closes the transport after the grace
// period. A transport that is already gone is closed immediately.
func (r *Registry) teardown(conn SessionConn, notice models.Event) {
	if !conn.Alive() {
		_ = conn.Close()
		return
	}

	if err := conn.Send(notice); err != nil {
		_ = conn.Close()
		return
	}

	grace := r.grace
	go func() {
		time.Sleep(grace)
		_ = conn.Close()
	}()
}

// SweepStale removes sessions whose transport no longer exists, or whose
// age exceeds maxAge while the transport is unresponsive. This guards
// against entries orphaned by crashes or missed disconnect events.
func (r *Registry) SweepStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for i := range r.shards {
		shard := &r.shards[i]
		shard.mu.Lock()
		for userID, entry := range shard.users {
			for sessionID, se := range entry.sessions {
				stale := !se.conn.Alive()
				if !stale && se.session.ConnectedAt.Before(cutoff) {
					stale = se.conn.Ping() != nil
				}
				if stale {
					delete(entry.sessions, sessionID)
					r.metrics.release(se.conn.Kind())
					_ = se.conn.Close()
					removed++
				}
			}
			if len(entry.sessions) == 0 {
				delete(shard.users, userID)
			}
		}
		shard.mu.Unlock()
	}

	if removed > 0 {
		r.logger.Info("Swept stale sessions", "removed", removed)
	}
	return removed
}

// RunSweeper sweeps on a ticker until the context is cancelled
func (r *Registry) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepStale(maxAge)
		}
	}
}

// Broadcast sends an event to every tracked session on this instance.
// Used for server:shutdown; delivery failures are ignored.
func (r *Registry) Broadcast(event models.Event) {
	for i := range r.shards {
		shard := &r.shards[i]
		shard.mu.Lock()
		conns := make([]SessionConn, 0, len(shard.users))
		for _, entry := range shard.users {
			for _, se := range entry.sessions {
				conns = append(conns, se.conn)
			}
		}
		shard.mu.Unlock()

		for _, conn := range conns {
			if conn.Alive() {
				_ = conn.Send(event)
			}
		}
	}
}

// CloseAll tears down every tracked session with a final notice, used
// during shutdown after the grace period has been announced
func (r *Registry) CloseAll() {
	for i := range r.shards {
		shard := &r.shards[i]
		shard.mu.Lock()
		for userID, entry := range shard.users {
			for _, se := range entry.sessions {
				r.metrics.release(se.conn.Kind())
				_ = se.conn.Close()
			}
			delete(shard.users, userID)
		}
		shard.mu.Unlock()
	}
}

// Metrics exposes the read-only connection counters
func (r *Registry) Metrics() *RegistryMetrics {
	return &r.metrics
}
