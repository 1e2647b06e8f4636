package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Yash-Swaminathan/ChatterBox-sub002/config"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/middleware"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/models"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/services"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/utils"
)

const testSecret = "test-secret"

type fakeConn struct {
	mu     sync.Mutex
	events []models.Event
	alive  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{alive: true}
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

func (c *fakeConn) Ping() error { return nil }

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *fakeConn) Kind() string { return "test" }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
	return nil
}

func (c *fakeConn) snapshot() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Event(nil), c.events...)
}

func (c *fakeConn) lastOfType(eventType string) *models.Event {
	events := c.snapshot()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == eventType {
			return &events[i]
		}
	}
	return nil
}

func (c *fakeConn) countOfType(eventType string) int {
	count := 0
	for _, ev := range c.snapshot() {
		if ev.Type == eventType {
			count++
		}
	}
	return count
}

func (c *fakeConn) waitForType(t *testing.T, eventType string) *models.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ev := c.lastOfType(eventType); ev != nil {
			return ev
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, got %v", eventType, c.snapshot())
	return nil
}

type countingLastSeen struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *countingLastSeen) RecordLastSeen(userID string, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[userID]++
}

func (r *countingLastSeen) count(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[userID]
}

type testEnv struct {
	handler  *SessionHandler
	registry *services.Registry
	presence *services.PresenceStore
	mr       *miniredis.Miniredis
	db       *gorm.DB
	lastSeen *countingLastSeen
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Contact{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := utils.NewLogger()
	cfg := &config.Config{
		JWTSecret:          testSecret,
		PresenceTTL:        60 * time.Second,
		ContactCacheTTL:    300 * time.Second,
		StatusUpdateWindow: 100 * time.Millisecond,
		DisconnectGrace:    10 * time.Millisecond,
	}

	registry := services.NewRegistry(logger, cfg.DisconnectGrace)
	presence := services.NewPresenceStore(client, db, logger, cfg.PresenceTTL, cfg.ContactCacheTTL)
	fanout := services.NewFanout(client, registry, logger, 2, 16)
	fanout.Start()
	t.Cleanup(fanout.Stop)

	lastSeen := &countingLastSeen{}
	handler := NewSessionHandler(cfg, middleware.NewVerifier(testSecret), registry, presence, fanout, lastSeen, logger)

	return &testEnv{
		handler:  handler,
		registry: registry,
		presence: presence,
		mr:       mr,
		db:       db,
		lastSeen: lastSeen,
	}
}

func makeToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  userID,
		"username": userID,
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (env *testEnv) connect(t *testing.T, userID string) (*ClientSession, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	cs, err := env.handler.Authenticate(context.Background(), makeToken(t, userID), conn)
	if err != nil {
		t.Fatalf("Authenticate %s: %v", userID, err)
	}
	// Let the fan-out subscription settle before events flow
	time.Sleep(50 * time.Millisecond)
	return cs, conn
}

func statusUpdate(status string) models.Event {
	return models.NewEvent(models.EventPresenceUpdate, map[string]string{"status": status})
}

func TestAuthenticateSuccess(t *testing.T) {
	env := newTestEnv(t)
	cs, conn := env.connect(t, "alice")

	events := conn.snapshot()
	if len(events) < 2 || events[0].Type != models.EventAuthSuccess || events[1].Type != models.EventPresenceBulk {
		t.Fatalf("expected auth:success then presence:bulk, got %v", events)
	}

	var auth models.AuthSuccessPayload
	if err := json.Unmarshal(events[0].Data, &auth); err != nil {
		t.Fatalf("unmarshal auth payload: %v", err)
	}
	if auth.UserID != "alice" {
		t.Fatalf("expected alice, got %q", auth.UserID)
	}

	if sessions := env.registry.SessionsFor("alice"); len(sessions) != 1 {
		t.Fatalf("expected 1 registered session, got %d", len(sessions))
	}
	if record := env.presence.Get(context.Background(), "alice"); record == nil || record.Status != models.StatusOnline {
		t.Fatalf("expected online presence, got %+v", record)
	}

	cs.Disconnect()
}

func TestAuthenticateRejections(t *testing.T) {
	env := newTestEnv(t)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "alice",
		"exp":     time.Now().Add(-time.Hour).Unix(),
	})
	expiredToken, _ := expired.SignedString([]byte(testSecret))

	noSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	noSubjectToken, _ := noSubject.SignedString([]byte(testSecret))

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"missing", "", middleware.ErrTokenMissing},
		{"expired", expiredToken, middleware.ErrTokenExpired},
		{"malformed", "not-a-jwt", middleware.ErrTokenMalformed},
		{"invalid payload", noSubjectToken, middleware.ErrTokenInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn()
			_, err := env.handler.Authenticate(context.Background(), tt.token, conn)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}

			// The distinct rejection message is delivered before teardown
			ev := conn.lastOfType(models.EventError)
			if ev == nil {
				t.Fatal("expected error event")
			}
			var payload models.ErrorPayload
			if err := json.Unmarshal(ev.Data, &payload); err != nil {
				t.Fatalf("unmarshal error payload: %v", err)
			}
			if payload.Message != tt.wantErr.Error() {
				t.Fatalf("expected %q, got %q", tt.wantErr.Error(), payload.Message)
			}
		})
	}
}

func TestStatusUpdateValidation(t *testing.T) {
	env := newTestEnv(t)
	cs, conn := env.connect(t, "alice")
	defer cs.Disconnect()

	// Missing status field
	cs.HandleEvent(models.Event{Type: models.EventPresenceUpdate})
	if conn.countOfType(models.EventError) != 1 {
		t.Fatal("expected error for missing status")
	}

	// Offline is never settable directly
	cs.HandleEvent(statusUpdate("offline"))
	if conn.countOfType(models.EventError) != 2 {
		t.Fatal("expected error for offline status")
	}

	// Unknown status
	cs.HandleEvent(statusUpdate("invisible"))
	if conn.countOfType(models.EventError) != 3 {
		t.Fatal("expected error for unknown status")
	}

	// Validation failures must not consume the rate-limit window: a valid
	// update straight after still succeeds
	cs.HandleEvent(statusUpdate("away"))
	ev := conn.lastOfType(models.EventPresenceUpdated)
	if ev == nil {
		t.Fatalf("expected presence:updated, got %v", conn.snapshot())
	}

	var change models.PresenceChangePayload
	if err := json.Unmarshal(ev.Data, &change); err != nil {
		t.Fatalf("unmarshal change payload: %v", err)
	}
	if change.Status != models.StatusAway {
		t.Fatalf("expected away, got %s", change.Status)
	}
}

func TestStatusUpdateRateLimit(t *testing.T) {
	env := newTestEnv(t)
	cs, conn := env.connect(t, "alice")
	defer cs.Disconnect()

	cs.HandleEvent(statusUpdate("away"))
	cs.HandleEvent(statusUpdate("busy"))

	if got := conn.countOfType(models.EventPresenceUpdated); got != 1 {
		t.Fatalf("expected exactly 1 accepted update inside the window, got %d", got)
	}
	if got := conn.countOfType(models.EventError); got != 1 {
		t.Fatalf("expected 1 rate-limit error, got %d", got)
	}

	// The second request was dropped with no partial state change
	if record := env.presence.Get(context.Background(), "alice"); record == nil || record.Status != models.StatusAway {
		t.Fatalf("expected away after rejected update, got %+v", record)
	}

	// A third request after the window reopens succeeds
	time.Sleep(120 * time.Millisecond)
	cs.HandleEvent(statusUpdate("busy"))
	if got := conn.countOfType(models.EventPresenceUpdated); got != 2 {
		t.Fatalf("expected 2 accepted updates after window reopened, got %d", got)
	}
}

func TestStatusUpdateAfterEviction(t *testing.T) {
	env := newTestEnv(t)
	cs, conn := env.connect(t, "alice")
	defer cs.Disconnect()

	// The sweeper removed the registry entry while the handle is still live
	env.registry.Unregister("alice", cs.Session().ID)

	cs.HandleEvent(statusUpdate("away"))

	ev := conn.lastOfType(models.EventError)
	if ev == nil {
		t.Fatal("expected update-failed error")
	}
	var payload models.ErrorPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Message != "failed to update status" {
		t.Fatalf("eviction must not read as rate limiting, got %q", payload.Message)
	}
}

func TestStatusBroadcastReachesContactsOnly(t *testing.T) {
	env := newTestEnv(t)

	// bob is a contact of alice; carol is not
	if err := env.db.Create(&models.Contact{UserID: "alice", ContactUserID: "bob"}).Error; err != nil {
		t.Fatalf("seed contact: %v", err)
	}

	aliceSess, _ := env.connect(t, "alice")
	defer aliceSess.Disconnect()
	bobSess, bobConn := env.connect(t, "bob")
	defer bobSess.Disconnect()
	carolSess, carolConn := env.connect(t, "carol")
	defer carolSess.Disconnect()

	aliceSess.HandleEvent(statusUpdate("away"))

	ev := bobConn.waitForType(t, models.EventPresenceChanged)
	var change models.PresenceChangePayload
	if err := json.Unmarshal(ev.Data, &change); err != nil {
		t.Fatalf("unmarshal change payload: %v", err)
	}
	if change.UserID != "alice" || change.Status != models.StatusAway {
		t.Fatalf("expected alice/away, got %+v", change)
	}

	time.Sleep(100 * time.Millisecond)
	if got := carolConn.countOfType(models.EventPresenceChanged); got != 0 {
		t.Fatalf("non-contact must receive nothing, got %d events", got)
	}
}

func TestHeartbeatKeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	cs, _ := env.connect(t, "alice")
	defer cs.Disconnect()

	cs.HandleEvent(statusUpdate("busy"))
	env.mr.FastForward(30 * time.Second)

	cs.HandleEvent(models.Event{Type: models.EventHeartbeat})

	record := env.presence.Get(context.Background(), "alice")
	if record == nil || record.Status != models.StatusBusy {
		t.Fatalf("heartbeat must not change status, got %+v", record)
	}

	// TTL extended past the original expiry
	env.mr.FastForward(45 * time.Second)
	if record := env.presence.Get(context.Background(), "alice"); record == nil {
		t.Fatal("expected record alive after refreshed TTL")
	}
}

func TestTwoSessionsDisconnect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, _ := env.connect(t, "alice")
	second, _ := env.connect(t, "alice")

	first.Disconnect()
	if record := env.presence.Get(ctx, "alice"); record == nil || record.Status != models.StatusOnline {
		t.Fatalf("expected still online with one session left, got %+v", record)
	}
	if env.lastSeen.count("alice") != 0 {
		t.Fatal("last-seen must not fire while sessions remain")
	}

	second.Disconnect()
	if record := env.presence.Get(ctx, "alice"); record == nil || record.Status != models.StatusOffline {
		t.Fatalf("expected offline after last disconnect, got %+v", record)
	}
	if env.lastSeen.count("alice") != 1 {
		t.Fatalf("expected exactly one last-seen update, got %d", env.lastSeen.count("alice"))
	}

	// Disconnect is idempotent
	second.Disconnect()
	if env.lastSeen.count("alice") != 1 {
		t.Fatal("repeated disconnect must not fire last-seen again")
	}
}

func TestStatusUpdateAfterRecordLost(t *testing.T) {
	env := newTestEnv(t)
	cs, conn := env.connect(t, "alice")
	defer cs.Disconnect()

	// The store lost track of the session (TTL expiry without heartbeat)
	env.mr.FastForward(2 * time.Minute)

	cs.HandleEvent(statusUpdate("away"))

	ev := conn.lastOfType(models.EventError)
	if ev == nil {
		t.Fatal("expected update-failed error")
	}
	var payload models.ErrorPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Message != "failed to update status" {
		t.Fatalf("expected update failure message, got %q", payload.Message)
	}
}
