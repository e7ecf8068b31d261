package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/watsoncrm/whatsapp-backend/internal/connection"
	"github.com/watsoncrm/whatsapp-backend/internal/fanout"
	"github.com/watsoncrm/whatsapp-backend/internal/ingest"
)

// Sender is the slice of the provider client the conversation handlers need
// for outbound delivery.
type Sender interface {
	SendText(ctx context.Context, token, waID, content string) (string, error)
}

// Handlers aggregates the dependencies shared by all HTTP endpoints.
// Construct with New.
type Handlers struct {
	db       *gorm.DB
	machine  *connection.Machine
	ledger   *ingest.Ledger
	pipeline *ingest.Pipeline
	sender   Sender
	hub      *fanout.Hub
	idemTTL  time.Duration
}

// New wires the handler set. idemTTL bounds how long a stored
// Idempotency-Key result stays replayable; non-positive falls back to 24h.
func New(db *gorm.DB, machine *connection.Machine, pipeline *ingest.Pipeline, sender Sender, hub *fanout.Hub, idemTTL time.Duration) *Handlers {
	if idemTTL <= 0 {
		idemTTL = 24 * time.Hour
	}
	return &Handlers{
		db:       db,
		machine:  machine,
		ledger:   ingest.NewLedger(db),
		pipeline: pipeline,
		sender:   sender,
		hub:      hub,
		idemTTL:  idemTTL,
	}
}

// orgID returns the authenticated organization id placed in the context by
// the org auth middleware. Empty means the middleware did not run.
func orgID(c *gin.Context) string {
	return c.GetString("orgID")
}
