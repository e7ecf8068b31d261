// Message Ledger.
//
// This file implements the append-mostly message ledger. Inserts are
// idempotent on the external message id, and status reconciliation is
// monotonic: PENDING < SENT < DELIVERED < READ, with FAILED as an absorbing
// terminal unreachable from READ. The provider retries and reorders
// callbacks freely, so correctness rests on these two properties rather
// than on processing order: a duplicate insert and a regressive update are
// both successful no-ops, visible only as metrics.
package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/watsoncrm/whatsapp-backend/internal/domain"
	"github.com/watsoncrm/whatsapp-backend/internal/repo"
)

// Ledger owns message persistence and delivery-status reconciliation.
type Ledger struct {
	DB *gorm.DB
}

// NewLedger constructs a Ledger bound to the given GORM handle.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{DB: db}
}

// MapRawStatus converts a provider status string into the canonical enum.
// The second return reports whether the value was in the documented set;
// unknown values come back uppercased verbatim so they remain inspectable
// in the store (the provider's event catalog has grown before).
func MapRawStatus(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sent":
		return domain.MessageSent, true
	case "delivered":
		return domain.MessageDelivered, true
	case "read", "played":
		return domain.MessageRead, true
	case "failed":
		return domain.MessageFailed, true
	default:
		return strings.ToUpper(strings.TrimSpace(raw)), false
	}
}

// RecordInbound inserts the inbound message with status DELIVERED (an
// inbound message has, by definition, already been delivered to us) and
// applies the conversation side effects: message count, last-message
// timestamp, last-interaction timestamp on the contact, and a transition
// to WAITING_AGENT, suppressed only while an agent is actively handling a
// HUMAN_ONLY conversation.
//
// A duplicate external message id is a success: the previously stored row
// is returned, no side effects run, and the duplicate counter increments.
func (l *Ledger) RecordInbound(ctx context.Context, conv *domain.Conversation, ev InboundMessage) (*domain.Message, bool, error) {
	tr := otel.Tracer("ingest/Ledger")
	ctx, span := tr.Start(ctx, "RecordInbound",
		trace.WithAttributes(
			attribute.String("conversation.id", conv.ID),
			attribute.String("message.wa_id", ev.WaMessageID),
		),
	)
	defer span.End()

	now := time.Now().UTC()
	waID := ev.WaMessageID
	msg, created, err := repo.InsertMessageIfAbsent(ctx, l.DB, &domain.Message{
		ID:             uuid.NewString(),
		OrganizationID: conv.OrganizationID,
		ConversationID: conv.ID,
		WaMessageID:    &waID,
		Direction:      domain.DirectionInbound,
		Type:           "TEXT",
		Content:        ev.Content,
		Status:         domain.MessageDelivered,
		DeliveredAt:    &now,
		CreatedAt:      ev.Timestamp,
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		ingestDuplicates.Inc()
		return msg, false, nil
	}

	newStatus := domain.ConversationWaitingAgent
	if conv.Mode == domain.ModeHumanOnly && conv.Status == domain.ConversationInProgress {
		newStatus = ""
	}
	if err := repo.BumpConversation(ctx, l.DB, conv.ID, now, newStatus); err != nil {
		return nil, false, err
	}
	if err := repo.TouchLastInteraction(ctx, l.DB, conv.ContactID, now); err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

// RecordOutbound inserts an agent/API-originated message with status
// PENDING and no external id; the id is attached once the provider
// acknowledges the send. The conversation moves to WAITING_CLIENT.
func (l *Ledger) RecordOutbound(ctx context.Context, conv *domain.Conversation, content, msgType string) (*domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if msgType == "" {
		msgType = "TEXT"
	}

	now := time.Now().UTC()
	msg := &domain.Message{
		ID:             uuid.NewString(),
		OrganizationID: conv.OrganizationID,
		ConversationID: conv.ID,
		Direction:      domain.DirectionOutbound,
		Type:           msgType,
		Content:        content,
		Status:         domain.MessagePending,
		CreatedAt:      now,
	}
	if err := repo.InsertMessage(ctx, l.DB, msg); err != nil {
		return nil, err
	}
	if err := repo.BumpConversation(ctx, l.DB, conv.ID, now, domain.ConversationWaitingClient); err != nil {
		return nil, err
	}
	return msg, nil
}

// ConfirmSend attaches the provider-assigned external id to a pending
// outbound message and advances it to SENT.
func (l *Ledger) ConfirmSend(ctx context.Context, messageID, waMessageID string) error {
	return repo.AttachWaMessageID(ctx, l.DB, messageID, waMessageID)
}

// FailSend moves an outbound message to FAILED after a provider send error.
func (l *Ledger) FailSend(ctx context.Context, messageID string) error {
	return repo.MarkMessageFailed(ctx, l.DB, messageID)
}

// ApplyStatusUpdate reconciles a provider status callback with the stored
// message, applying it only when it advances the monotonic order. The
// returned bool reports whether the update was applied: a regressive or
// duplicate update returns (false, nil) and increments a counter; only an
// unknown external message id is an error.
//
// Unmapped provider statuses are stored verbatim but flagged; they are
// treated like FAILED for ordering purposes (appliable until the message
// reaches READ or FAILED) so junk can never clobber a terminal state. A
// documented status in turn may always overwrite a stored unrecognized
// value, so junk can never freeze a row against the real delivery trail.
func (l *Ledger) ApplyStatusUpdate(ctx context.Context, orgID string, ev StatusUpdate) (bool, error) {
	status, known := MapRawStatus(ev.RawStatus)
	if !known {
		ingestUnknownStatuses.Inc()
	}

	var allowed []string
	var deliveredAt, readAt *time.Time
	now := time.Now().UTC()
	switch {
	case status == domain.MessageFailed || !known:
		allowed = []string{domain.MessagePending, domain.MessageSent, domain.MessageDelivered}
	default:
		allowed = domain.StatusesBelow(status)
		if status == domain.MessageDelivered {
			deliveredAt = &now
		}
		if status == domain.MessageRead {
			readAt = &now
		}
	}

	rows, err := repo.AdvanceStatus(ctx, l.DB, orgID, ev.WaMessageID, status, allowed, known, deliveredAt, readAt)
	if err != nil {
		return false, err
	}
	if rows > 0 {
		return true, nil
	}

	// Zero rows: either the guard rejected the transition or the message
	// was never recorded. Only the latter is an error.
	if _, err := repo.GetMessageByWaID(ctx, l.DB, orgID, ev.WaMessageID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrMessageNotFound
		}
		return false, err
	}
	ingestStatusRegressions.Inc()
	return false, nil
}
