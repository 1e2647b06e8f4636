package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Yash-Swaminathan/ChatterBox-sub002/models"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/utils"
)

// StatusTracker owns per-recipient delivery state in the relational store.
// Status is monotonic per (message, recipient): sent → delivered → read,
// never backwards; rows already read are immutable.
type StatusTracker struct {
	db     *gorm.DB
	logger *utils.Logger

	// blockingAffectsGroups extends block filtering to conversation-wide
	// reads: messages from blocked senders stay unread
	blockingAffectsGroups bool
}

func NewStatusTracker(db *gorm.DB, logger *utils.Logger, blockingAffectsGroups bool) *StatusTracker {
	return &StatusTracker{db: db, logger: logger, blockingAffectsGroups: blockingAffectsGroups}
}

// CreateInitial inserts one sent entry per recipient. Duplicate recipient
// IDs and repeat calls for the same (message, user) pair are ignored, not
// overwritten. No-op for an empty recipient list.
func (st *StatusTracker) CreateInitial(ctx context.Context, messageID string, recipientIDs []string) error {
	if len(recipientIDs) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(recipientIDs))
	entries := make([]models.MessageStatus, 0, len(recipientIDs))
	for _, userID := range recipientIDs {
		if seen[userID] {
			continue
		}
		seen[userID] = true
		entries = append(entries, models.MessageStatus{
			MessageID: messageID,
			UserID:    userID,
			Status:    models.DeliverySent,
		})
	}

	err := st.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entries).Error
	if err != nil {
		return fmt.Errorf("failed to create status entries: %w", err)
	}
	return nil
}

// Advance bulk-transitions the user's entries among the given messages to
// delivered or read, stamping the matching timestamp. Entries already read
// are excluded from the update set. Returns the number of rows changed.
func (st *StatusTracker) Advance(ctx context.Context, messageIDs []string, userID string, status models.DeliveryStatus) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	updates, err := transitionUpdates(status)
	if err != nil {
		return 0, err
	}

	query := st.db.WithContext(ctx).Model(&models.MessageStatus{}).
		Where("message_id IN ? AND user_id = ?", messageIDs, userID)
	if status == models.DeliveryDelivered {
		// delivered only advances from sent; it must never regress read
		query = query.Where("status = ?", models.DeliverySent)
	} else {
		query = query.Where("status <> ?", models.DeliveryRead)
	}

	result := query.Updates(updates)
	if result.Error != nil {
		if isMissingTable(result.Error) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to advance message status: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// MarkConversationRead transitions every not-yet-read entry belonging to
// non-deleted messages in the conversation for the user. With block
// filtering extended to groups, messages from senders the user has blocked
// are left untouched. Returns the number of rows changed.
func (st *StatusTracker) MarkConversationRead(ctx context.Context, conversationID, userID string) (int64, error) {
	updates, err := transitionUpdates(models.DeliveryRead)
	if err != nil {
		return 0, err
	}

	messageIDs := st.db.Model(&models.Message{}).
		Select("id").
		Where("conversation_id = ? AND deleted_at IS NULL", conversationID)

	if st.blockingAffectsGroups {
		blockedSenders := st.db.Model(&models.Contact{}).
			Select("contact_user_id").
			Where("user_id = ? AND is_blocked = ?", userID, true)
		messageIDs = messageIDs.Where("sender_id NOT IN (?)", blockedSenders)
	}

	result := st.db.WithContext(ctx).Model(&models.MessageStatus{}).
		Where("user_id = ? AND status <> ?", userID, models.DeliveryRead).
		Where("message_id IN (?)", messageIDs).
		Updates(updates)
	if result.Error != nil {
		if isMissingTable(result.Error) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to mark conversation read: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func transitionUpdates(status models.DeliveryStatus) (map[string]interface{}, error) {
	now := time.Now()
	switch status {
	case models.DeliveryDelivered:
		return map[string]interface{}{"status": status, "delivered_at": &now}, nil
	case models.DeliveryRead:
		return map[string]interface{}{"status": status, "read_at": &now}, nil
	}
	return nil, fmt.Errorf("invalid delivery transition target: %s", status)
}

// CountsFor returns the sent/delivered/read counts for one message, each
// defaulting to 0 when absent
func (st *StatusTracker) CountsFor(ctx context.Context, messageID string) (models.StatusCounts, error) {
	var rows []struct {
		Status models.DeliveryStatus
		Count  int64
	}

	err := st.db.WithContext(ctx).Model(&models.MessageStatus{}).
		Select("status, count(*) as count").
		Where("message_id = ?", messageID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		if isMissingTable(err) {
			return models.StatusCounts{}, nil
		}
		return models.StatusCounts{}, fmt.Errorf("failed to count message status: %w", err)
	}

	var counts models.StatusCounts
	for _, row := range rows {
		switch row.Status {
		case models.DeliverySent:
			counts.Sent = row.Count
		case models.DeliveryDelivered:
			counts.Delivered = row.Count
		case models.DeliveryRead:
			counts.Read = row.Count
		}
	}
	return counts, nil
}

// SendersFor returns the distinct sender identities for a batch of
// messages, used to know whom to notify of a status change
func (st *StatusTracker) SendersFor(ctx context.Context, messageIDs []string) ([]string, error) {
	if len(messageIDs) == 0 {
		return []string{}, nil
	}

	var senders []string
	err := st.db.WithContext(ctx).Model(&models.Message{}).
		Distinct("sender_id").
		Where("id IN ?", messageIDs).
		Pluck("sender_id", &senders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to resolve message senders: %w", err)
	}
	return senders, nil
}

// isMissingTable matches the undefined-table errors of PostgreSQL (42P01)
// and SQLite so a partially migrated schema reads as "no data yet" during
// rolling deployments.
func isMissingTable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "no such table")
}
