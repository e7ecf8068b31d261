// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model.
//
// The "one open conversation per contact" invariant is enforced by the
// partial unique index ux_conversations_open (see AutoMigrate), not by
// application-level checks. CreateConversationIfAbsent leans on that index
// for insert-or-get semantics under concurrent webhook delivery.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/watsoncrm/whatsapp-backend/internal/domain"
)

// GetOpenConversation returns the contact's single non-terminal conversation,
// or ErrNotFound when every conversation is RESOLVED/CLOSED (or none exists).
func GetOpenConversation(ctx context.Context, db *gorm.DB, orgID, contactID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := db.WithContext(ctx).
		Where("organization_id = ? AND contact_id = ? AND status NOT IN ?",
			orgID, contactID, []string{domain.ConversationResolved, domain.ConversationClosed}).
		First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateConversationIfAbsent inserts a new open conversation for the contact
// unless one already exists. It returns the stored row and whether this call
// created it.
//
// The insert is attempted first; if the partial unique index rejects it
// (another request created an open conversation concurrently), the existing
// open conversation is read and returned instead.
func CreateConversationIfAbsent(ctx context.Context, db *gorm.DB, conv *domain.Conversation) (*domain.Conversation, bool, error) {
	err := db.WithContext(ctx).Create(conv).Error
	if err == nil {
		return conv, true, nil
	}
	existing, getErr := GetOpenConversation(ctx, db, conv.OrganizationID, conv.ContactID)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		// Not a uniqueness race; surface the original insert error.
		return nil, false, err
	}
	return nil, false, getErr
}

// GetConversation fetches a conversation by id within an organization.
func GetConversation(ctx context.Context, db *gorm.DB, orgID, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := db.WithContext(ctx).
		Preload("Contact").
		Where("id = ? AND organization_id = ?", id, orgID).
		First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// BumpConversation applies the per-message side effects on the parent
// conversation: message_count increment, last_message_at, and a status
// change when newStatus is non-empty.
func BumpConversation(ctx context.Context, db *gorm.DB, id string, at time.Time, newStatus string) error {
	updates := map[string]any{
		"message_count":   gorm.Expr("message_count + 1"),
		"last_message_at": at,
	}
	if newStatus != "" {
		updates["status"] = newStatus
	}
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// CountConversations returns the number of conversations in an organization.
func CountConversations(ctx context.Context, db *gorm.DB, orgID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("organization_id = ?", orgID).
		Count(&total).Error
	return total, err
}

// ListConversationsPage returns a page of an organization's conversations,
// most recently active first. Use CountConversations for pagination totals.
func ListConversationsPage(ctx context.Context, db *gorm.DB, orgID string, offset, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Preload("Contact").
		Where("organization_id = ?", orgID).
		Order("last_message_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateConversation applies agent-initiated field changes (status, mode)
// scoped to the organization. Returns ErrNotFound when no row matches.
func UpdateConversation(ctx context.Context, db *gorm.DB, orgID, id string, updates map[string]any) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND organization_id = ?", id, orgID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
