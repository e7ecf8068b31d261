// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Connection model, the only record in the system requiring exclusive
// write discipline (one row per organization, guarded upstream by the
// connection state machine's per-organization single-flight).
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/watsoncrm/whatsapp-backend/internal/domain"
)

// GetConnection fetches the organization's connection record.
// Returns ErrNotFound when the organization has never provisioned one.
func GetConnection(ctx context.Context, db *gorm.DB, orgID string) (*domain.Connection, error) {
	var c domain.Connection
	err := db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConnectionByID fetches a connection by primary key. The webhook handler
// uses it to resolve the connectionId path segment to an organization.
func GetConnectionByID(ctx context.Context, db *gorm.DB, id string) (*domain.Connection, error) {
	var c domain.Connection
	err := db.WithContext(ctx).First(&c, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertConnection inserts the connection or, when the organization already
// has one, replaces its provider-facing fields. The organization unique
// index makes the operation race-safe under concurrent setup calls.
func UpsertConnection(ctx context.Context, db *gorm.DB, c *domain.Connection) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "organization_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "instance_id", "token", "phone_number", "display_name", "updated_at",
			}),
		}).
		Create(c).Error
}

// UpdateConnection applies a partial field update to a connection row.
// Returns ErrNotFound when no row was touched.
func UpdateConnection(ctx context.Context, db *gorm.DB, id string, updates map[string]any) error {
	res := db.WithContext(ctx).
		Model(&domain.Connection{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
