package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Yash-Swaminathan/ChatterBox-sub002/config"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/middleware"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/models"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/services"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/utils"
)

// LastSeenRecorder is notified when a user's last session disconnects.
// The users table belongs to another service, so the default just logs.
type LastSeenRecorder interface {
	RecordLastSeen(userID string, at time.Time)
}

type loggingLastSeen struct {
	logger *utils.Logger
}

func NewLoggingLastSeen(logger *utils.Logger) LastSeenRecorder {
	return &loggingLastSeen{logger: logger}
}

func (r *loggingLastSeen) RecordLastSeen(userID string, at time.Time) {
	r.logger.Info("User went offline", "user_id", userID, "last_seen", at)
}

// Session states. Each connected session moves CONNECTING → AUTHENTICATED →
// ACTIVE → DISCONNECTED; events are processed in receipt order by the
// transport's single read loop.
const (
	stateConnecting int32 = iota
	stateActive
	stateDisconnected
)

// SessionHandler builds per-connection sessions and holds their shared
// collaborators
type SessionHandler struct {
	cfg      *config.Config
	verifier *middleware.Verifier
	registry *services.Registry
	presence *services.PresenceStore
	fanout   *services.Fanout
	lastSeen LastSeenRecorder
	logger   *utils.Logger
}

func NewSessionHandler(cfg *config.Config, verifier *middleware.Verifier, registry *services.Registry,
	presence *services.PresenceStore, fanout *services.Fanout, lastSeen LastSeenRecorder, logger *utils.Logger) *SessionHandler {
	return &SessionHandler{
		cfg:      cfg,
		verifier: verifier,
		registry: registry,
		presence: presence,
		fanout:   fanout,
		lastSeen: lastSeen,
		logger:   logger,
	}
}

// ClientSession is the protocol state machine for one connected session
type ClientSession struct {
	handler  *SessionHandler
	session  models.Session
	identity *middleware.Identity
	conn     services.SessionConn
	ctx      context.Context
	state    atomic.Int32
}

// Authenticate verifies the token and, on success, registers the session,
// marks the user online, pushes the initial presence snapshot of online
// contacts and joins the broadcast group. On failure the distinct rejection
// message is delivered before the handshake completes and the connection
// is refused.
func (h *SessionHandler) Authenticate(ctx context.Context, token string, conn services.SessionConn) (*ClientSession, error) {
	identity, err := h.verifier.Verify(token)
	if err != nil {
		_ = conn.Send(models.NewEvent(models.EventError, models.ErrorPayload{Message: err.Error()}))
		return nil, err
	}

	session := models.Session{
		ID:          uuid.NewString(),
		UserID:      identity.UserID,
		ConnectedAt: time.Now(),
	}

	cs := &ClientSession{
		handler:  h,
		session:  session,
		identity: identity,
		conn:     conn,
		ctx:      ctx,
	}

	first := h.registry.Register(session, conn)
	if first {
		h.logger.Debug("First connection for user", "user_id", identity.UserID)
	}

	// Presence is best effort: a degraded store never gates the connection
	if !h.presence.SetOnline(ctx, identity.UserID, session.ID) {
		h.logger.Warn("Presence not recorded, continuing", "user_id", identity.UserID)
	}

	h.fanout.JoinGroup(identity.UserID)

	_ = conn.Send(models.NewEvent(models.EventAuthSuccess, models.AuthSuccessPayload{
		UserID:      identity.UserID,
		Username:    identity.Username,
		ConnectedAt: session.ConnectedAt,
	}))

	cs.sendPresenceSnapshot()
	cs.state.Store(stateActive)

	return cs, nil
}

// sendPresenceSnapshot pushes the currently-online contacts; offline
// contacts are omitted entirely
func (cs *ClientSession) sendPresenceSnapshot() {
	h := cs.handler
	contacts := h.presence.GetContacts(cs.ctx, cs.session.UserID)
	records := h.presence.GetBulk(cs.ctx, contacts)

	presences := make([]models.PresenceRecord, 0, len(records))
	for _, record := range records {
		if record.Status != models.StatusOffline {
			presences = append(presences, record)
		}
	}

	_ = cs.conn.Send(models.NewEvent(models.EventPresenceBulk, models.PresenceBulkPayload{
		Presences: presences,
	}))
}

// HandleEvent dispatches one inbound event. The transport read loop calls
// this sequentially, so per-session ordering is receipt order.
func (cs *ClientSession) HandleEvent(event models.Event) {
	if cs.state.Load() != stateActive {
		return
	}

	switch event.Type {
	case models.EventPresenceUpdate:
		cs.handleStatusUpdate(event)
	case models.EventHeartbeat:
		cs.handleHeartbeat()
	default:
		cs.sendError(fmt.Sprintf("unknown event type: %s", event.Type))
	}
}

func (cs *ClientSession) handleStatusUpdate(event models.Event) {
	h := cs.handler

	var req models.StatusUpdateRequest
	if len(event.Data) > 0 {
		if err := json.Unmarshal(event.Data, &req); err != nil {
			cs.sendError("status is required")
			return
		}
	}
	if req.Status == nil {
		cs.sendError("status is required")
		return
	}

	status := *req.Status
	if !status.Settable() {
		if status == models.StatusOffline {
			cs.sendError("invalid status: offline is not settable, disconnect instead")
		} else {
			cs.sendError(fmt.Sprintf("invalid status: %s", status))
		}
		return
	}

	// One accepted update per user per window; violations drop the request
	// with no partial state change
	allowed, known := h.registry.AllowStatusUpdate(cs.session.UserID, h.cfg.StatusUpdateWindow)
	if !known {
		// Evicted (force-disconnect, sweep) while the handle is still live;
		// not a rate-limit violation
		cs.sendError("failed to update status")
		return
	}
	if !allowed {
		cs.sendError(fmt.Sprintf("rate limited: one status update per %s", h.cfg.StatusUpdateWindow))
		return
	}

	record, err := h.presence.UpdateStatus(cs.ctx, cs.session.UserID, status)
	if err != nil {
		h.logger.Warn("Status update failed", "user_id", cs.session.UserID, "status", status, "error", err)
		cs.sendError("failed to update status")
		return
	}

	change := models.PresenceChangePayload{
		UserID:    cs.session.UserID,
		Status:    record.Status,
		Timestamp: record.UpdatedAt,
	}

	_ = cs.conn.Send(models.NewEvent(models.EventPresenceUpdated, change))

	// Fire-and-forget fan-out to cached contacts; partial delivery failures
	// are never surfaced to the sender
	broadcast := models.NewEvent(models.EventPresenceChanged, change)
	for _, contactID := range h.presence.GetContacts(cs.ctx, cs.session.UserID) {
		h.fanout.Publish(contactID, broadcast)
	}
}

func (cs *ClientSession) handleHeartbeat() {
	h := cs.handler
	if !h.presence.RefreshHeartbeat(cs.ctx, cs.session.UserID, cs.session.ID) {
		// Not surfaced; the client's reconnect logic is the backstop
		h.logger.Debug("Heartbeat refresh failed", "user_id", cs.session.UserID, "session_id", cs.session.ID)
	}
}

// Disconnect tears the session down. Idempotent; only the call that wins
// the state transition performs cleanup.
func (cs *ClientSession) Disconnect() {
	if !cs.state.CompareAndSwap(stateActive, stateDisconnected) {
		return
	}

	h := cs.handler
	h.registry.Unregister(cs.session.UserID, cs.session.ID)
	h.fanout.LeaveGroup(cs.session.UserID)

	if h.presence.SetOffline(cs.ctx, cs.session.UserID, cs.session.ID) {
		h.lastSeen.RecordLastSeen(cs.session.UserID, time.Now())
	}
}

// Session exposes the session record for the transport layer
func (cs *ClientSession) Session() models.Session {
	return cs.session
}

func (cs *ClientSession) sendError(message string) {
	_ = cs.conn.Send(models.NewEvent(models.EventError, models.ErrorPayload{Message: message}))
}
