package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/Yash-Swaminathan/ChatterBox-sub002/models"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/utils"
)

const (
	presenceKeyPrefix = "presence:"
	socketsKeyPrefix  = "sockets:"
	contactsKeyPrefix = "contacts:"
)

var (
	// ErrStatusNotSettable rejects statuses clients may not request
	// directly (offline is derived from disconnecting)
	ErrStatusNotSettable = errors.New("status is not settable")
	// ErrNotPresent rejects status updates for users with no live
	// presence record
	ErrNotPresent = errors.New("no presence record for user")
)

// PresenceStore owns the per-user presence record and socket-ID set in the
// shared state store. Presence is soft state: records expire on TTL as the
// backstop against crashes, while explicit writes give low-latency
// transitions in the common case. Read paths fail soft — a degraded store
// reads as "everyone offline", never as an error to the caller.
type PresenceStore struct {
	redis      *redis.Client
	db         *gorm.DB
	logger     *utils.Logger
	ttl        time.Duration
	contactTTL time.Duration
}

func NewPresenceStore(redisClient *redis.Client, db *gorm.DB, logger *utils.Logger, ttl, contactTTL time.Duration) *PresenceStore {
	return &PresenceStore{
		redis:      redisClient,
		db:         db,
		logger:     logger,
		ttl:        ttl,
		contactTTL: contactTTL,
	}
}

func presenceKey(userID string) string { return presenceKeyPrefix + userID }
func socketsKey(userID string) string  { return socketsKeyPrefix + userID }
func contactsKey(userID string) string { return contactsKeyPrefix + userID }

// SetOnline writes an online presence record under TTL and adds the session
// to the user's socket set. Returns false only when the shared store is
// unavailable; callers accept the connection anyway, presence is best-effort.
func (ps *PresenceStore) SetOnline(ctx context.Context, userID, sessionID string) bool {
	record := models.PresenceRecord{
		UserID:          userID,
		Status:          models.StatusOnline,
		UpdatedAt:       time.Now(),
		OriginSessionID: sessionID,
	}

	data, err := json.Marshal(record)
	if err != nil {
		ps.logger.Error("Failed to marshal presence record", "user_id", userID, "error", err)
		return false
	}

	// Pipeline so record and socket set move together
	pipe := ps.redis.Pipeline()
	pipe.Set(ctx, presenceKey(userID), data, ps.ttl)
	pipe.SAdd(ctx, socketsKey(userID), sessionID)
	pipe.Expire(ctx, socketsKey(userID), ps.ttl*2)

	if _, err := pipe.Exec(ctx); err != nil {
		ps.logger.Warn("Failed to set user online", "user_id", userID, "error", err)
		return false
	}
	return true
}

// setOfflineScript removes the session from the socket set and, only when
// the removal left the set empty, writes the explicit offline record and
// drops the set in the same atomic step. Scripted so two sessions of one
// user disconnecting concurrently cannot both observe an empty set, and a
// racing reconnect cannot have its fresh socket entry deleted underneath it.
// Returns 2 on the offline transition, 1 while other sessions remain, 0 when
// the session was already absent.
var setOfflineScript = redis.NewScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[1])
if removed == 0 then
  return 0
end
if redis.call('SCARD', KEYS[1]) > 0 then
  return 1
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
redis.call('DEL', KEYS[1])
return 2
`)

// SetOffline removes the session from the socket set. Only the call that
// drains the set writes an explicit offline record, so peers observe the
// transition before the TTL would expire it silently. Returns whether this
// call actually transitioned the user to offline; exactly one caller gets
// true per transition.
func (ps *PresenceStore) SetOffline(ctx context.Context, userID, sessionID string) bool {
	record := models.PresenceRecord{
		UserID:    userID,
		Status:    models.StatusOffline,
		UpdatedAt: time.Now(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		ps.logger.Error("Failed to marshal presence record", "user_id", userID, "error", err)
		return false
	}

	res, err := setOfflineScript.Run(ctx, ps.redis,
		[]string{socketsKey(userID), presenceKey(userID)},
		sessionID, data, ps.ttl.Milliseconds()).Int()
	if err != nil {
		ps.logger.Warn("Failed to set user offline", "user_id", userID, "error", err)
		return false
	}
	return res == 2
}

// UpdateStatus overwrites the user's status in place, preserving the
// remaining TTL window. Offline is rejected (disconnect instead), as is a
// user with no current record — you cannot "be away" while not connected.
func (ps *PresenceStore) UpdateStatus(ctx context.Context, userID string, status models.PresenceStatus) (*models.PresenceRecord, error) {
	if !status.Settable() {
		return nil, ErrStatusNotSettable
	}

	record, err := ps.getRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	if record == nil || record.Status == models.StatusOffline {
		return nil, ErrNotPresent
	}

	record.Status = status
	record.UpdatedAt = time.Now()

	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}

	// KeepTTL preserves the heartbeat-maintained expiry window
	if err := ps.redis.Set(ctx, presenceKey(userID), data, redis.KeepTTL).Err(); err != nil {
		return nil, err
	}
	return record, nil
}

// Get returns the user's presence record, or nil when the user is offline.
// Store failures read as offline rather than propagating.
func (ps *PresenceStore) Get(ctx context.Context, userID string) *models.PresenceRecord {
	record, err := ps.getRecord(ctx, userID)
	if err != nil {
		ps.logger.Warn("Failed to read presence", "user_id", userID, "error", err)
		return nil
	}
	return record
}

func (ps *PresenceStore) getRecord(ctx context.Context, userID string) (*models.PresenceRecord, error) {
	data, err := ps.redis.Get(ctx, presenceKey(userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var record models.PresenceRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// GetBulk returns the presence records that exist for the given users.
// Users with no record (offline) are omitted; a degraded store yields an
// empty map.
func (ps *PresenceStore) GetBulk(ctx context.Context, userIDs []string) map[string]models.PresenceRecord {
	result := make(map[string]models.PresenceRecord, len(userIDs))
	if len(userIDs) == 0 {
		return result
	}

	keys := make([]string, len(userIDs))
	for i, userID := range userIDs {
		keys[i] = presenceKey(userID)
	}

	values, err := ps.redis.MGet(ctx, keys...).Result()
	if err != nil {
		ps.logger.Warn("Failed to read bulk presence", "users", len(userIDs), "error", err)
		return result
	}

	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var record models.PresenceRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			ps.logger.Warn("Corrupt presence record", "user_id", userIDs[i], "error", err)
			continue
		}
		result[userIDs[i]] = record
	}
	return result
}

// RefreshHeartbeat extends the presence TTL without altering status. The
// session must still be a member of the socket set; heartbeats from evicted
// sessions are ignored.
func (ps *PresenceStore) RefreshHeartbeat(ctx context.Context, userID, sessionID string) bool {
	member, err := ps.redis.SIsMember(ctx, socketsKey(userID), sessionID).Result()
	if err != nil || !member {
		return false
	}

	pipe := ps.redis.Pipeline()
	refreshed := pipe.Expire(ctx, presenceKey(userID), ps.ttl)
	pipe.Expire(ctx, socketsKey(userID), ps.ttl*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return false
	}
	return refreshed.Val()
}

// GetContacts is a cache-through read of the user's contact list. The
// authoritative relation lives in the relational store; the cached copy is
// bounded by TTL and explicitly invalidated on contact mutation.
func (ps *PresenceStore) GetContacts(ctx context.Context, userID string) []string {
	if data, err := ps.redis.Get(ctx, contactsKey(userID)).Result(); err == nil {
		var contacts []string
		if err := json.Unmarshal([]byte(data), &contacts); err == nil {
			return contacts
		}
	}

	var contacts []string
	err := ps.db.WithContext(ctx).Model(&models.Contact{}).
		Where("user_id = ? AND is_blocked = ?", userID, false).
		Pluck("contact_user_id", &contacts).Error
	if err != nil {
		if isMissingTable(err) {
			// Schema not migrated yet: no contacts, not an error
			return []string{}
		}
		ps.logger.Warn("Failed to load contacts", "user_id", userID, "error", err)
		return []string{}
	}

	if data, err := json.Marshal(contacts); err == nil {
		if err := ps.redis.Set(ctx, contactsKey(userID), data, ps.contactTTL).Err(); err != nil {
			ps.logger.Debug("Failed to cache contacts", "user_id", userID, "error", err)
		}
	}
	return contacts
}

// InvalidateContacts drops the cached contact list. Called by the
// contact-management collaborator on add/remove/block.
func (ps *PresenceStore) InvalidateContacts(ctx context.Context, userID string) {
	if err := ps.redis.Del(ctx, contactsKey(userID)).Err(); err != nil {
		ps.logger.Debug("Failed to invalidate contact cache", "user_id", userID, "error", err)
	}
}

// CleanupStale deletes socket sets whose presence record already expired,
// meaning every session went stale without a clean disconnect. Purely
// corrective; the happy path never needs it.
func (ps *PresenceStore) CleanupStale(ctx context.Context) int {
	removed := 0
	iter := ps.redis.Scan(ctx, 0, socketsKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		userID := strings.TrimPrefix(key, socketsKeyPrefix)

		exists, err := ps.redis.Exists(ctx, presenceKey(userID)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			if err := ps.redis.Del(ctx, key).Err(); err == nil {
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		ps.logger.Warn("Socket set scan failed", "error", err)
	}

	if removed > 0 {
		ps.logger.Info("Cleaned up orphaned socket sets", "removed", removed)
	}
	return removed
}

// RunCleaner reconciles socket sets against presence records on a ticker
func (ps *PresenceStore) RunCleaner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ps.CleanupStale(ctx)
		}
	}
}
