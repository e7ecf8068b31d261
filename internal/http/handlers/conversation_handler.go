// Conversation HTTP handlers.
//
// This file exposes the agent-facing conversation API:
//   - GET   /conversations                 (paginated, most recently active first)
//   - PATCH /conversations/{id}            (update status/mode)
//   - GET   /conversations/{id}/messages   (paginated, oldest first)
//   - POST  /conversations/{id}/messages   (send an outbound message)
//
// Outbound sends follow the ledger's two-phase shape: the message is stored
// PENDING before the gateway call, then promoted to SENT with the gateway's
// message id on success or marked FAILED on error. The PENDING row survives a
// gateway failure so the agent can see what did not go out.
//
// Idempotency: when the client supplies an Idempotency-Key header and a
// previous successful send exists for the same (org, conversation, key), the
// handler replays the stored message and sets `Idempotency-Replayed: true`
// instead of delivering the text to the contact a second time.
package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/watsoncrm/whatsapp-backend/internal/domain"
	"github.com/watsoncrm/whatsapp-backend/internal/fanout"
	"github.com/watsoncrm/whatsapp-backend/internal/http/middleware"
	"github.com/watsoncrm/whatsapp-backend/internal/ingest"
	"github.com/watsoncrm/whatsapp-backend/internal/repo"
	"github.com/watsoncrm/whatsapp-backend/internal/utils"
)

//
// DTOs
//

// SendMessageRequest is the JSON payload for an outbound message.
type SendMessageRequest struct {
	Content string `json:"content" binding:"required,min=1"`
	Type    string `json:"type"`
}

// UpdateConversationRequest carries agent-initiated conversation changes.
// Both fields are optional; at least one must be present.
type UpdateConversationRequest struct {
	Status *string `json:"status"`
	Mode   *string `json:"mode"`
}

// ListConversationsResponse contains a page of conversations and pagination
// metadata.
type ListConversationsResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
	Pagination    Pagination            `json:"pagination"`
}

// ListMessagesResponse contains a page of messages and pagination metadata.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// SendMessageResponse is the envelope for a newly sent message.
type SendMessageResponse struct {
	Message *domain.Message `json:"message"`
}

//
// Helpers
//

// clampPagination parses page/page_size query parameters with sane defaults.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPageSize = 20
		maxPageSize     = 100
	)
	return utils.ClampPage(
		utils.AtoiDefault(c.Query("page"), 1),
		utils.AtoiDefault(c.Query("page_size"), defaultPageSize),
		defaultPageSize, maxPageSize,
	)
}

var validConversationStatuses = map[string]struct{}{
	domain.ConversationOpen:          {},
	domain.ConversationWaitingClient: {},
	domain.ConversationWaitingAgent:  {},
	domain.ConversationInProgress:    {},
	domain.ConversationResolved:      {},
	domain.ConversationClosed:        {},
}

var validConversationModes = map[string]struct{}{
	domain.ModeAIAssisted: {},
	domain.ModeHumanOnly:  {},
	domain.ModeAIOnly:     {},
}

//
// Handlers
//

// ListConversations handles GET /conversations.
func (h *Handlers) ListConversations(c *gin.Context) {
	ctx := c.Request.Context()
	org := orgID(c)
	page, pageSize := clampPagination(c)

	total, err := repo.CountConversations(ctx, h.db, org)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "failed to count conversations")
		return
	}
	items, err := repo.ListConversationsPage(ctx, h.db, org, (page-1)*pageSize, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "failed to list conversations")
		return
	}
	if items == nil {
		items = []domain.Conversation{}
	}

	ok(c, http.StatusOK, ListConversationsResponse{
		Conversations: items,
		Pagination:    Pagination{Page: page, PageSize: pageSize, Total: total},
	})
}

// UpdateConversation handles PATCH /conversations/:id.
func (h *Handlers) UpdateConversation(c *gin.Context) {
	ctx := c.Request.Context()
	org := orgID(c)
	convID := c.Param("id")

	if _, err := uuid.Parse(convID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return
	}

	var req UpdateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Status == nil && req.Mode == nil) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status or mode required")
		return
	}

	updates := map[string]any{}
	if req.Status != nil {
		if _, valid := validConversationStatuses[*req.Status]; !valid {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown conversation status")
			return
		}
		updates["status"] = *req.Status
	}
	if req.Mode != nil {
		if _, valid := validConversationModes[*req.Mode]; !valid {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown conversation mode")
			return
		}
		updates["mode"] = *req.Mode
	}

	if err := repo.UpdateConversation(ctx, h.db, org, convID, updates); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to update conversation")
		return
	}

	h.hub.Publish(fanout.Event{
		Kind:  fanout.EventConversationUpdate,
		OrgID: org,
		Payload: fanout.ConversationPayload{
			ConversationID: convID,
			Updates:        updates,
		},
	})

	conv, err := repo.GetConversation(ctx, h.db, org, convID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to reload conversation")
		return
	}
	ok(c, http.StatusOK, conv)
}

// ListMessages handles GET /conversations/:id/messages.
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	org := orgID(c)
	convID := c.Param("id")

	if _, err := uuid.Parse(convID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return
	}
	if _, err := repo.GetConversation(ctx, h.db, org, convID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to load conversation")
		return
	}

	page, pageSize := clampPagination(c)
	total, err := repo.CountMessages(ctx, h.db, convID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "failed to count messages")
		return
	}
	items, err := repo.ListMessagesPage(ctx, h.db, convID, (page-1)*pageSize, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "failed to list messages")
		return
	}
	if items == nil {
		items = []domain.Message{}
	}

	ok(c, http.StatusOK, ListMessagesResponse{
		Messages:   items,
		Pagination: Pagination{Page: page, PageSize: pageSize, Total: total},
	})
}

// SendMessage handles POST /conversations/:id/messages.
func (h *Handlers) SendMessage(c *gin.Context) {
	ctx := c.Request.Context()
	org := orgID(c)
	convID := c.Param("id")

	if _, err := uuid.Parse(convID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	msgType := strings.ToUpper(strings.TrimSpace(req.Type))

	conv, err := repo.GetConversation(ctx, h.db, org, convID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to load conversation")
		return
	}

	// Replay path: a retried send with a known key returns the message the
	// first attempt stored instead of delivering the text again.
	idemKey, _ := middleware.GetIdempotencyKey(c)
	if idemKey != "" {
		if rec, err := repo.GetIdempotency(ctx, h.db, org, convID, idemKey, time.Now().UTC()); err == nil && rec != nil {
			if prev, err2 := repo.GetMessage(ctx, h.db, rec.MessageID); err2 == nil {
				c.Header("Idempotency-Replayed", "true")
				ok(c, http.StatusOK, SendMessageResponse{Message: prev})
				return
			}
		}
	}

	conn, err := repo.GetConnection(ctx, h.db, org)
	if err != nil || conn.Token == "" {
		fail(c, http.StatusBadRequest, ErrCodeNotConfigured, "whatsapp connection not configured")
		return
	}

	msg, err := h.ledger.RecordOutbound(ctx, conv, content, msgType)
	if err != nil {
		if errors.Is(err, ingest.ErrEmptyContent) {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to store message")
		return
	}

	waMessageID, err := h.sender.SendText(ctx, conn.Token, conv.Contact.WaID, content)
	if err != nil {
		_ = h.ledger.FailSend(ctx, msg.ID)
		msg.Status = domain.MessageFailed
		fail(c, http.StatusBadGateway, ErrCodeSendFailed, "gateway rejected the message")
		return
	}
	if err := h.ledger.ConfirmSend(ctx, msg.ID, waMessageID); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to record send confirmation")
		return
	}
	msg.Status = domain.MessageSent
	msg.WaMessageID = &waMessageID

	// Store path, best effort: a lost record only means a retry re-sends.
	if idemKey != "" {
		_, _ = repo.CreateIdempotency(ctx, h.db, org, convID, idemKey, msg.ID, http.StatusOK, h.idemTTL)
	}

	h.hub.Publish(fanout.Event{
		Kind:  fanout.EventMessageNew,
		OrgID: org,
		Payload: fanout.MessagePayload{
			ConversationID: conv.ID,
			Message:        msg,
		},
	})

	ok(c, http.StatusOK, SendMessageResponse{Message: msg})
}
