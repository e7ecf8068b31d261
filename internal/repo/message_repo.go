// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model.
//
// Error semantics:
//   - InsertMessageIfAbsent treats a duplicate external message id as
//     success and returns the existing row (idempotent insert).
//   - AdvanceStatus performs a guarded UPDATE; zero rows affected means the
//     guard rejected the transition (or the message does not exist) and is
//     not an error. The ledger decides what to count.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/watsoncrm/whatsapp-backend/internal/domain"
)

// GetMessage fetches a message by primary key.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessageByWaID fetches a message by organization and external message id.
func GetMessageByWaID(ctx context.Context, db *gorm.DB, orgID, waMessageID string) (*domain.Message, error) {
	var m domain.Message
	err := db.WithContext(ctx).
		Where("organization_id = ? AND wa_message_id = ?", orgID, waMessageID).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMessageIfAbsent inserts the message unless a row with the same
// (organization_id, wa_message_id) already exists. It returns the stored
// row and whether this call created it. Messages without an external id
// (outbound, not yet acknowledged) always insert.
func InsertMessageIfAbsent(ctx context.Context, db *gorm.DB, m *domain.Message) (*domain.Message, bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "organization_id"}, {Name: "wa_message_id"}},
			DoNothing: true,
		}).
		Create(m)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return m, true, nil
	}
	existing, err := GetMessageByWaID(ctx, db, m.OrganizationID, *m.WaMessageID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// InsertMessage inserts a message row unconditionally. Used for outbound
// messages, which have no external id until the provider acknowledges them.
func InsertMessage(ctx context.Context, db *gorm.DB, m *domain.Message) error {
	return db.WithContext(ctx).Create(m).Error
}

// AdvanceStatus updates a message's status only while its current status is
// in allowedCurrent. When alsoUnrecognized is set, a stored value outside
// the canonical set is overwritable too, so a verbatim-kept provider status
// cannot freeze the row against later documented updates. deliveredAt/readAt
// are stamped when non-nil. It returns the number of rows changed: zero
// means the guard rejected the transition or the message is unknown.
func AdvanceStatus(ctx context.Context, db *gorm.DB, orgID, waMessageID, newStatus string, allowedCurrent []string, alsoUnrecognized bool, deliveredAt, readAt *time.Time) (int64, error) {
	if len(allowedCurrent) == 0 && !alsoUnrecognized {
		return 0, nil
	}
	updates := map[string]any{"status": newStatus}
	if deliveredAt != nil {
		updates["delivered_at"] = *deliveredAt
	}
	if readAt != nil {
		updates["read_at"] = *readAt
	}
	q := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("organization_id = ? AND wa_message_id = ?", orgID, waMessageID)
	if alsoUnrecognized {
		q = q.Where("status IN ? OR status NOT IN ?", allowedCurrent, domain.CanonicalStatuses())
	} else {
		q = q.Where("status IN ?", allowedCurrent)
	}
	res := q.Updates(updates)
	return res.RowsAffected, res.Error
}

// AttachWaMessageID stores the provider-assigned external id on a PENDING
// outbound message and advances it to SENT. A no-op when the message has
// already moved past PENDING.
func AttachWaMessageID(ctx context.Context, db *gorm.DB, messageID, waMessageID string) error {
	return db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ? AND status = ?", messageID, domain.MessagePending).
		Updates(map[string]any{
			"wa_message_id": waMessageID,
			"status":        domain.MessageSent,
		}).Error
}

// MarkMessageFailed moves a message to the terminal FAILED status unless it
// has already been READ.
func MarkMessageFailed(ctx context.Context, db *gorm.DB, messageID string) error {
	return db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ? AND status NOT IN ?", messageID, []string{domain.MessageRead, domain.MessageFailed}).
		Update("status", domain.MessageFailed).Error
}

// CountMessages returns the number of messages within a conversation.
func CountMessages(ctx context.Context, db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&total).Error
	return total, err
}

// ListMessagesPage returns a page of a conversation's messages in
// chronological order.
func ListMessagesPage(ctx context.Context, db *gorm.DB, conversationID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
