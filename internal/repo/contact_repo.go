// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Contact
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Concurrency note: contact creation races under concurrent webhook
// delivery for a brand-new chat id. CreateContactIfAbsent therefore relies
// on the (organization_id, wa_id) unique index plus ON CONFLICT DO NOTHING
// and a follow-up read, never on a check-then-create sequence.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/watsoncrm/whatsapp-backend/internal/domain"
)

// GetContact fetches a contact by organization and external chat id.
// Returns ErrNotFound when no such contact exists.
func GetContact(ctx context.Context, db *gorm.DB, orgID, waID string) (*domain.Contact, error) {
	var c domain.Contact
	err := db.WithContext(ctx).
		Where("organization_id = ? AND wa_id = ?", orgID, waID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetContactByID fetches a contact by primary key within an organization.
func GetContactByID(ctx context.Context, db *gorm.DB, orgID, id string) (*domain.Contact, error) {
	var c domain.Contact
	err := db.WithContext(ctx).
		Where("id = ? AND organization_id = ?", id, orgID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateContactIfAbsent inserts the contact unless one already exists for
// its (organization_id, wa_id) pair. It returns the stored row, whether the
// fresh insert or the pre-existing one, and whether this call created it.
//
// The insert uses ON CONFLICT DO NOTHING against the unique index, so two
// concurrent first-contact events cannot both create a row; the loser of
// the race reads the winner's record.
func CreateContactIfAbsent(ctx context.Context, db *gorm.DB, c *domain.Contact) (*domain.Contact, bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "organization_id"}, {Name: "wa_id"}},
			DoNothing: true,
		}).
		Create(c)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return c, true, nil
	}
	existing, err := GetContact(ctx, db, c.OrganizationID, c.WaID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// BackfillPushName stores the provider push name on a contact that has no
// user-entered name. A user-entered name is authoritative and is never
// overwritten from a webhook.
func BackfillPushName(ctx context.Context, db *gorm.DB, contactID, pushName string) error {
	return db.WithContext(ctx).
		Model(&domain.Contact{}).
		Where("id = ? AND (name IS NULL OR name = '')", contactID).
		Update("push_name", pushName).Error
}

// TouchLastInteraction records the time of the latest inbound activity.
func TouchLastInteraction(ctx context.Context, db *gorm.DB, contactID string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Contact{}).
		Where("id = ?", contactID).
		Update("last_interaction_at", at).Error
}
