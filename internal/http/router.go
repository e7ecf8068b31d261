// Package httpapi wires the HTTP transport (Gin) to the ingestion pipeline,
// connection state machine, and fanout hub. It centralizes cross-cutting
// concerns such as tracing, correlation IDs, logging/redaction, panic
// recovery, metrics, CORS, security headers, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Webhook path stays outside org auth: the gateway authenticates by
//     knowing the per-connection URL, not by carrying a tenant header
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/watsoncrm/whatsapp-backend/internal/config"
	"github.com/watsoncrm/whatsapp-backend/internal/connection"
	"github.com/watsoncrm/whatsapp-backend/internal/fanout"
	"github.com/watsoncrm/whatsapp-backend/internal/http/handlers"
	"github.com/watsoncrm/whatsapp-backend/internal/http/middleware"
	"github.com/watsoncrm/whatsapp-backend/internal/ingest"
	"github.com/watsoncrm/whatsapp-backend/internal/repo"
)

// Deps bundles the externally constructed dependencies the router needs.
type Deps struct {
	DB       *gorm.DB
	Machine  *connection.Machine
	Pipeline *ingest.Pipeline
	Sender   handlers.Sender
	Hub      *fanout.Hub
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Idempotency validator (before the rate limiter to allow bypass on
//     replay)
//  8. Rate limiter (per org/IP; the webhook route carries its own limiter
//     keyed by connection id)
//  9. CORS, gzip, and security headers
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction (wa ids are phone numbers)
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{middleware.HeaderOrgID},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Idempotency validation (before rate limiting, so a replayed send
	//    is served without consuming tokens)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, orgID, conversationID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, deps.DB, orgID, conversationID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))

	// 8) Token-bucket rate limiter per org/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByOrgOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	corsHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderOrgID, middleware.HeaderIdempotencyKey}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Compress API responses; QR codes are large base64 blobs.
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	h := handlers.New(deps.DB, deps.Machine, deps.Pipeline, deps.Sender, deps.Hub, cfg.IdempotencyTTL)

	// Gateway webhook: authenticated by the per-connection URL, not a tenant
	// header, so it sits outside the org-scoped group. A second limiter keys
	// on the connection id so one noisy instance cannot starve the rest.
	wrl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByParam("connectionId"))
	r.POST("/webhooks/provider/:connectionId", wrl.Handler(), h.ProviderWebhook)

	// Realtime stream (org comes from the "org" query parameter for browser
	// WebSocket clients).
	r.GET("/ws", middleware.OrgAuth(), fanout.WSHandler(deps.Hub))

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(middleware.OrgAuth())
	{
		// Conversations
		api.GET("/conversations", h.ListConversations)
		api.PATCH("/conversations/:id", h.UpdateConversation)
		api.GET("/conversations/:id/messages", h.ListMessages)
		api.POST("/conversations/:id/messages", h.SendMessage)

		// WhatsApp connection lifecycle
		api.GET("/whatsapp/status", h.WhatsAppStatus)
		api.POST("/whatsapp/connect/qrcode", h.ConnectQRCode)
		api.POST("/whatsapp/connect/code", h.ConnectCode)
		api.POST("/whatsapp/disconnect", h.DisconnectWhatsApp)
		api.POST("/whatsapp/setup", h.SetupWhatsApp)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
