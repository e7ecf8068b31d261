// Webhook pipeline.
//
// This file wires the normalizer, resolver, and ledger into the single
// entry point the webhook handler calls, and publishes the resulting
// domain events to the fanout hub. Business failures on this path are
// logged and counted, never surfaced to the provider: the provider does
// not interpret semantic response codes, and a payload that failed once
// will fail identically on retry.
package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/watsoncrm/whatsapp-backend/internal/domain"
	"github.com/watsoncrm/whatsapp-backend/internal/fanout"
	"github.com/watsoncrm/whatsapp-backend/internal/repo"
)

// connStateMap translates provider session states into connection statuses.
var connStateMap = map[string]string{
	"open":       domain.ConnectionConnected,
	"close":      domain.ConnectionDisconnected,
	"connecting": domain.ConnectionConnecting,
}

// Pipeline processes webhook payloads for a resolved connection.
type Pipeline struct {
	DB       *gorm.DB
	Resolver *Resolver
	Ledger   *Ledger
	Hub      *fanout.Hub
}

// NewPipeline constructs the ingestion pipeline.
func NewPipeline(db *gorm.DB, hub *fanout.Hub) *Pipeline {
	return &Pipeline{
		DB:       db,
		Resolver: NewResolver(db),
		Ledger:   NewLedger(db),
		Hub:      hub,
	}
}

// Process normalizes one webhook body and applies it. The returned error is
// for operational logging only; callers on the webhook path respond 200
// regardless once the connection id has been resolved.
func (p *Pipeline) Process(ctx context.Context, conn *domain.Connection, body []byte) error {
	tr := otel.Tracer("ingest/Pipeline")
	ctx, span := tr.Start(ctx, "Process",
		trace.WithAttributes(
			attribute.String("org.id", conn.OrganizationID),
			attribute.String("connection.id", conn.ID),
		),
	)
	defer span.End()

	ev, err := Normalize(body)
	if err != nil {
		var rej *RejectedError
		if errors.As(err, &rej) {
			ingestRejected.Inc()
			log.Warn().
				Str("org_id", conn.OrganizationID).
				Str("reason", rej.Reason).
				Msg("webhook payload rejected")
			return nil
		}
		return err
	}
	ingestEvents.WithLabelValues(ev.eventKind()).Inc()

	switch e := ev.(type) {
	case InboundMessage:
		return p.handleInbound(ctx, conn.OrganizationID, e)
	case StatusUpdate:
		return p.handleStatus(ctx, conn.OrganizationID, e)
	case ConnectionStateChanged:
		return p.handleConnectionState(ctx, conn, e)
	case Unrecognized:
		log.Info().
			Str("org_id", conn.OrganizationID).
			Str("event_type", e.EventType).
			Msg("unhandled webhook event type")
		return nil
	default:
		return nil
	}
}

func (p *Pipeline) handleInbound(ctx context.Context, orgID string, ev InboundMessage) error {
	contact, conv, err := p.Resolver.Resolve(ctx, orgID, ev.WaID, ev.PushName)
	if err != nil {
		return err
	}

	msg, created, err := p.Ledger.RecordInbound(ctx, conv, ev)
	if err != nil {
		return err
	}
	if !created {
		log.Debug().
			Str("org_id", orgID).
			Str("wa_message_id", ev.WaMessageID).
			Msg("duplicate inbound message skipped")
		return nil
	}

	p.Hub.Publish(fanout.Event{
		Kind:  fanout.EventMessageNew,
		OrgID: orgID,
		Payload: fanout.MessagePayload{
			ConversationID: conv.ID,
			Message:        msg,
		},
	})

	log.Info().
		Str("org_id", orgID).
		Str("contact_id", contact.ID).
		Str("conversation_id", conv.ID).
		Str("message_id", msg.ID).
		Msg("inbound message recorded")
	return nil
}

func (p *Pipeline) handleStatus(ctx context.Context, orgID string, ev StatusUpdate) error {
	applied, err := p.Ledger.ApplyStatusUpdate(ctx, orgID, ev)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			log.Warn().
				Str("org_id", orgID).
				Str("wa_message_id", ev.WaMessageID).
				Str("raw_status", ev.RawStatus).
				Msg("status update for unknown message")
			return nil
		}
		return err
	}
	if !applied {
		log.Debug().
			Str("org_id", orgID).
			Str("wa_message_id", ev.WaMessageID).
			Str("raw_status", ev.RawStatus).
			Msg("regressive status update dropped")
	}
	return nil
}

func (p *Pipeline) handleConnectionState(ctx context.Context, conn *domain.Connection, ev ConnectionStateChanged) error {
	state := strings.ToLower(strings.TrimSpace(ev.RawState))
	status, ok := connStateMap[state]
	if !ok {
		log.Warn().
			Str("org_id", conn.OrganizationID).
			Str("raw_state", ev.RawState).
			Msg("unknown provider connection state")
		return nil
	}

	now := time.Now().UTC()
	updates := map[string]any{"status": status}
	switch status {
	case domain.ConnectionConnected:
		updates["last_connected_at"] = now
	case domain.ConnectionDisconnected:
		updates["last_disconnected_at"] = now
	}
	if err := repo.UpdateConnection(ctx, p.DB, conn.ID, updates); err != nil {
		return err
	}

	p.Hub.Publish(fanout.Event{
		Kind:  fanout.EventConnectionUpdate,
		OrgID: conn.OrganizationID,
		Payload: map[string]any{
			"connectionId": conn.ID,
			"status":       status,
		},
	})
	return nil
}
