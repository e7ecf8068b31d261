// Identity Resolver.
//
// This file implements the resolver that anchors every inbound event to a
// Contact and an open Conversation, creating either on first contact. All
// creation paths go through insert-or-get repository calls backed by unique
// indexes: two near-simultaneous events for a brand-new chat id cannot
// produce two contacts or two open conversations, whichever request wins
// the store-level race.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/watsoncrm/whatsapp-backend/internal/domain"
	"github.com/watsoncrm/whatsapp-backend/internal/repo"
)

// Resolver finds or creates the Contact and open Conversation for an
// external chat id within an organization.
type Resolver struct {
	DB *gorm.DB
}

// NewResolver constructs a Resolver bound to the given GORM handle.
func NewResolver(db *gorm.DB) *Resolver {
	return &Resolver{DB: db}
}

// Resolve returns the contact and non-terminal conversation for
// (orgID, waID), creating whichever is missing.
//
// New contacts are assigned to the organization's default funnel and its
// first stage when one exists; assignment is best effort and a missing
// default funnel is not an error. A non-empty pushName backfills the
// contact's push name only while the contact has no user-entered name.
// New conversations start OPEN in AI_ASSISTED mode.
func (r *Resolver) Resolve(ctx context.Context, orgID, waID, pushName string) (*domain.Contact, *domain.Conversation, error) {
	tr := otel.Tracer("ingest/Resolver")
	ctx, span := tr.Start(ctx, "Resolve",
		trace.WithAttributes(
			attribute.String("org.id", orgID),
			attribute.String("contact.wa_id", waID),
		),
	)
	defer span.End()

	contact, created, err := r.resolveContact(ctx, orgID, waID, pushName)
	if err != nil {
		return nil, nil, err
	}

	if !created && pushName != "" && contact.Name == "" && contact.PushName != pushName {
		if err := repo.BackfillPushName(ctx, r.DB, contact.ID, pushName); err != nil {
			// Cosmetic; the event still counts.
			log.Warn().Err(err).Str("contact_id", contact.ID).Msg("push name backfill failed")
		} else {
			contact.PushName = pushName
		}
	}

	conv, _, err := repo.CreateConversationIfAbsent(ctx, r.DB, &domain.Conversation{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		ContactID:      contact.ID,
		Status:         domain.ConversationOpen,
		Mode:           domain.ModeAIAssisted,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, nil, err
	}

	return contact, conv, nil
}

// resolveContact performs the insert-or-get for the contact, attaching the
// default-funnel assignment to the candidate row before the insert so a
// winning insert carries it atomically.
func (r *Resolver) resolveContact(ctx context.Context, orgID, waID, pushName string) (*domain.Contact, bool, error) {
	candidate := &domain.Contact{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		WaID:           waID,
		PushName:       pushName,
		Phone:          waID,
		CreatedAt:      time.Now().UTC(),
	}

	funnel, stage, err := repo.DefaultFunnelWithFirstStage(ctx, r.DB, orgID)
	if err != nil {
		log.Warn().Err(err).Str("org_id", orgID).Msg("default funnel lookup failed")
	}
	if funnel != nil {
		candidate.FunnelID = &funnel.ID
	}
	if stage != nil {
		candidate.FunnelStageID = &stage.ID
	}

	contact, created, err := repo.CreateContactIfAbsent(ctx, r.DB, candidate)
	if err != nil {
		return nil, false, err
	}
	if created {
		log.Info().
			Str("org_id", orgID).
			Str("contact_id", contact.ID).
			Str("wa_id", waID).
			Msg("contact created")
	}
	return contact, created, nil
}
