package models

import (
	"encoding/json"
	"time"
)

// PresenceStatus is a user's availability state
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

// Settable reports whether clients may request this status directly.
// Offline is a derived state, only reachable by disconnecting.
func (s PresenceStatus) Settable() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy:
		return true
	}
	return false
}

// PresenceRecord is the per-user presence value kept in Redis under a TTL.
// Absence of the record means offline.
type PresenceRecord struct {
	UserID          string         `json:"user_id"`
	Status          PresenceStatus `json:"status"`
	UpdatedAt       time.Time      `json:"updated_at"`
	OriginSessionID string         `json:"origin_session_id,omitempty"`
}

// Session is one live connection from a client instance of a user.
// It is never persisted; the registry owns it for the life of the connection.
type Session struct {
	ID          string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// DeliveryStatus is the per-recipient progression of a message
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
)

// Contact is a row of the contacts relation
type Contact struct {
	UserID        string `json:"user_id" gorm:"primaryKey"`
	ContactUserID string `json:"contact_user_id" gorm:"primaryKey"`
	IsBlocked     bool   `json:"is_blocked" gorm:"default:false"`
}

func (Contact) TableName() string {
	return "contacts"
}

// Message carries the columns the delivery tracker needs; message bodies
// live with the messaging collaborator, not here
type Message struct {
	ID             string     `json:"id" gorm:"primaryKey"`
	ConversationID string     `json:"conversation_id" gorm:"index"`
	SenderID       string     `json:"sender_id"`
	DeletedAt      *time.Time `json:"deleted_at"`
}

func (Message) TableName() string {
	return "messages"
}

// MessageStatus is one delivery-state row per (message, recipient) pair
type MessageStatus struct {
	MessageID   string         `json:"message_id" gorm:"primaryKey"`
	UserID      string         `json:"user_id" gorm:"primaryKey"`
	Status      DeliveryStatus `json:"status" gorm:"default:sent"`
	DeliveredAt *time.Time     `json:"delivered_at"`
	ReadAt      *time.Time     `json:"read_at"`
}

func (MessageStatus) TableName() string {
	return "message_status"
}

// StatusCounts aggregates delivery progression for one message
type StatusCounts struct {
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Read      int64 `json:"read"`
}

// Event types exchanged on the per-session channel
const (
	EventAuthSuccess     = "auth:success"
	EventPresenceBulk    = "presence:bulk"
	EventPresenceUpdated = "presence:updated"
	EventPresenceChanged = "presence:changed"
	EventError           = "error"
	EventForceDisconnect = "force:disconnect"
	EventServerShutdown  = "server:shutdown"

	EventPresenceUpdate = "presence:update"
	EventHeartbeat      = "heartbeat"
)

// Event is the envelope for everything sent or received on a session channel
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals payload into an event envelope. Payloads are plain
// structs under our control, so a marshal failure is a programmer error
// and yields an empty body rather than a panic.
func NewEvent(eventType string, payload interface{}) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{Type: eventType}
	}
	return Event{Type: eventType, Data: data}
}

// AuthSuccessPayload confirms authentication to the connecting client
type AuthSuccessPayload struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	ConnectedAt time.Time `json:"connected_at"`
}

// PresenceBulkPayload is the initial snapshot of online contacts
type PresenceBulkPayload struct {
	Presences []PresenceRecord `json:"presences"`
}

// PresenceChangePayload is the compact broadcast sent to contacts and
// the confirmation echoed to the sender
type PresenceChangePayload struct {
	UserID    string         `json:"user_id"`
	Status    PresenceStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
}

// ErrorPayload carries a client-facing failure message
type ErrorPayload struct {
	Message string `json:"message"`
}

// DisconnectPayload accompanies force:disconnect and server:shutdown
type DisconnectPayload struct {
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusUpdateRequest is the inbound presence:update payload. Status is a
// pointer so a missing field can be told apart from an empty one.
type StatusUpdateRequest struct {
	Status *PresenceStatus `json:"status"`
}
