// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides read helpers for funnels; the pipeline
// only ever reads funnel data (assignment of new contacts), management is
// owned by the CRUD API layer.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/watsoncrm/whatsapp-backend/internal/domain"
)

// DefaultFunnelWithFirstStage returns the organization's default funnel and
// its first stage (lowest position). Either value may be nil: organizations
// without a default funnel, or with an empty funnel, are valid; the
// resolver treats assignment as best effort.
func DefaultFunnelWithFirstStage(ctx context.Context, db *gorm.DB, orgID string) (*domain.Funnel, *domain.FunnelStage, error) {
	var f domain.Funnel
	err := db.WithContext(ctx).
		Where("organization_id = ? AND is_default = ?", orgID, true).
		First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var s domain.FunnelStage
	err = db.WithContext(ctx).
		Where("funnel_id = ?", f.ID).
		Order("position asc").
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &f, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return &f, &s, nil
}
