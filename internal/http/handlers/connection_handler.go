// WhatsApp connection HTTP handlers.
//
// This file exposes the session lifecycle endpoints:
//   - GET  /whatsapp/status          (local state refreshed against the gateway)
//   - POST /whatsapp/connect/qrcode  (pairing via QR code)
//   - POST /whatsapp/connect/code    (pairing via numeric code for a phone)
//   - POST /whatsapp/disconnect      (teardown; local state always ends DISCONNECTED)
//   - POST /whatsapp/setup           (bind an externally provisioned instance token)
//
// Handlers are transport-thin: validate inputs, delegate to the connection
// state machine, map its errors onto the HTTP taxonomy.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/watsoncrm/whatsapp-backend/internal/connection"
	"github.com/watsoncrm/whatsapp-backend/internal/domain"
	"github.com/watsoncrm/whatsapp-backend/internal/provider"
)

// SetupRequest binds an instance token to the organization.
type SetupRequest struct {
	Token        string `json:"token" binding:"required"`
	InstanceName string `json:"instanceName"`
}

// ConnectCodeRequest asks for a numeric pairing code for the given phone.
type ConnectCodeRequest struct {
	Phone string `json:"phone" binding:"required"`
}

// WhatsAppStatus handles GET /whatsapp/status.
func (h *Handlers) WhatsAppStatus(c *gin.Context) {
	view, err := h.machine.Snapshot(c.Request.Context(), orgID(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to read connection state")
		return
	}
	ok(c, http.StatusOK, view)
}

// ConnectQRCode handles POST /whatsapp/connect/qrcode. No phone number means
// the gateway issues a QR code for the operator to scan.
func (h *Handlers) ConnectQRCode(c *gin.Context) {
	art, err := h.machine.Connect(c.Request.Context(), orgID(c), "")
	if err != nil {
		failConnection(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{
		"qrcode": art.QRCode,
		"status": domain.ConnectionConnecting,
	})
}

// ConnectCode handles POST /whatsapp/connect/code. The phone number is
// reduced to digits before it reaches the gateway.
func (h *Handlers) ConnectCode(c *gin.Context) {
	var req ConnectCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "phone required")
		return
	}
	phone := connection.SanitizePhone(req.Phone)
	if phone == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "phone must contain digits")
		return
	}

	art, err := h.machine.Connect(c.Request.Context(), orgID(c), phone)
	if err != nil {
		failConnection(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{
		"pairingCode": art.PairingCode,
		"status":      domain.ConnectionConnecting,
	})
}

// DisconnectWhatsApp handles POST /whatsapp/disconnect.
func (h *Handlers) DisconnectWhatsApp(c *gin.Context) {
	err := h.machine.Disconnect(c.Request.Context(), orgID(c))
	if errors.Is(err, connection.ErrNotConfigured) {
		fail(c, http.StatusBadRequest, ErrCodeNotConfigured, "whatsapp connection not configured")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to disconnect")
		return
	}
	ok(c, http.StatusOK, gin.H{"status": domain.ConnectionDisconnected})
}

// SetupWhatsApp handles POST /whatsapp/setup. The token is validated against
// the gateway before being stored.
func (h *Handlers) SetupWhatsApp(c *gin.Context) {
	var req SetupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "token required")
		return
	}

	conn, err := h.machine.Setup(c.Request.Context(), orgID(c), req.Token, req.InstanceName)
	if err != nil {
		if errors.Is(err, provider.ErrUnauthorized) {
			fail(c, http.StatusBadRequest, ErrCodeInvalidToken, "instance token rejected by gateway")
			return
		}
		failConnection(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{
		"status":       conn.Status,
		"instanceName": conn.InstanceID,
		"phoneNumber":  conn.PhoneNumber,
		"displayName":  conn.DisplayName,
	})
}

// failConnection maps state machine and gateway errors onto HTTP responses.
func failConnection(c *gin.Context, err error) {
	var apiErr *provider.APIError
	switch {
	case errors.Is(err, connection.ErrNotConfigured):
		fail(c, http.StatusBadRequest, ErrCodeNotConfigured, "whatsapp connection not configured")
	case errors.Is(err, provider.ErrUnauthorized):
		fail(c, http.StatusBadRequest, ErrCodeInvalidToken, "instance token rejected by gateway")
	case errors.As(err, &apiErr):
		fail(c, http.StatusBadGateway, ErrCodeProviderFailed, "gateway request failed")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
