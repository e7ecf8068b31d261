// Provider webhook handler.
//
// The WhatsApp gateway posts session events here: inbound messages, delivery
// receipt updates, and connection state changes. The URL carries the
// connection id the gateway was registered with; an unknown id gets a 404 so
// a misconfigured gateway notices. Everything else is acknowledged with 200
// regardless of processing outcome, since the gateway retries on non-2xx and
// a semantically bad payload will never succeed on retry.
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/watsoncrm/whatsapp-backend/internal/http/middleware"
	"github.com/watsoncrm/whatsapp-backend/internal/repo"
)

// ProviderWebhook handles POST /webhooks/provider/:connectionId.
func (h *Handlers) ProviderWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	connectionID := c.Param("connectionId")

	conn, err := repo.GetConnectionByID(ctx, h.db, connectionID)
	if errors.Is(err, repo.ErrNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "connection not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to resolve connection")
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}

	if err := h.pipeline.Process(ctx, conn, body); err != nil {
		lg := middleware.LoggerFrom(c)
		lg.Error().Err(err).
			Str("connection_id", connectionID).
			Msg("webhook processing failed")
	}

	ok(c, http.StatusOK, gin.H{"success": true})
}
