package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/watsoncrm/whatsapp-backend/internal/config"
	"github.com/watsoncrm/whatsapp-backend/internal/connection"
	"github.com/watsoncrm/whatsapp-backend/internal/fanout"
	"github.com/watsoncrm/whatsapp-backend/internal/http/middleware"
	"github.com/watsoncrm/whatsapp-backend/internal/ingest"
	"github.com/watsoncrm/whatsapp-backend/internal/provider"
	"github.com/watsoncrm/whatsapp-backend/internal/repo"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newHandlerDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// stubSender scripts outbound send results.
type stubSender struct {
	id      string
	err     error
	lastWa  string
	lastTxt string
	calls   int
}

func (s *stubSender) SendText(ctx context.Context, token, waID, content string) (string, error) {
	s.calls++
	s.lastWa = waID
	s.lastTxt = content
	if s.err != nil {
		return "", s.err
	}
	return s.id, nil
}

// stubGateway backs the connection machine in handler tests.
type stubGateway struct {
	status    *provider.InstanceStatus
	statusErr error
	artifact  *provider.PairingArtifact
}

func (g *stubGateway) Status(ctx context.Context, token string) (*provider.InstanceStatus, error) {
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	st := *g.status
	return &st, nil
}

func (g *stubGateway) Connect(ctx context.Context, token, phone string) (*provider.PairingArtifact, error) {
	art := *g.artifact
	return &art, nil
}

func (g *stubGateway) Disconnect(ctx context.Context, token string) error { return nil }

func (g *stubGateway) InitInstance(ctx context.Context, name string) (string, string, error) {
	return "tok-test", name, nil
}

type testEnv struct {
	db      *gorm.DB
	hub     *fanout.Hub
	machine *connection.Machine
	sender  *stubSender
	router  *gin.Engine
}

// newEnv wires handlers behind a minimal router that injects the org id the
// way the auth middleware would.
func newEnv(t *testing.T, gw connection.Gateway) *testEnv {
	t.Helper()
	db := newHandlerDB(t)
	hub := fanout.NewHub()
	cfg := config.ProviderConfig{
		BaseURL:        "http://gateway.test",
		RequestTimeout: 2 * time.Second,
		PollInterval:   time.Hour,
		PairingWindow:  time.Minute,
	}
	machine := connection.NewMachine(db, gw, hub, cfg)
	t.Cleanup(machine.Close)

	sender := &stubSender{id: "wamid.SENT"}
	h := New(db, machine, ingest.NewPipeline(db, hub), sender, hub, time.Hour)

	r := gin.New()
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{},
		func(ctx context.Context, orgID, convID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, orgID, convID, key, now)
			return err == nil && rec != nil, nil
		},
	))
	r.POST("/webhooks/provider/:connectionId", h.ProviderWebhook)
	auth := r.Group("/", func(c *gin.Context) { c.Set("orgID", "org1") })
	{
		auth.GET("/conversations", h.ListConversations)
		auth.PATCH("/conversations/:id", h.UpdateConversation)
		auth.GET("/conversations/:id/messages", h.ListMessages)
		auth.POST("/conversations/:id/messages", h.SendMessage)
		auth.GET("/whatsapp/status", h.WhatsAppStatus)
		auth.POST("/whatsapp/connect/qrcode", h.ConnectQRCode)
		auth.POST("/whatsapp/connect/code", h.ConnectCode)
		auth.POST("/whatsapp/disconnect", h.DisconnectWhatsApp)
		auth.POST("/whatsapp/setup", h.SetupWhatsApp)
	}

	return &testEnv{db: db, hub: hub, machine: machine, sender: sender, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) doWithHeader(t *testing.T, method, path string, body any, header, value string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(header, value)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	decodeJSON(t, w, &resp)
	return resp.Code
}

var errGatewayDown = errors.New("gateway down")
