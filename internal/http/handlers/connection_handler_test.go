package handlers

import (
	"net/http"
	"testing"

	"github.com/watsoncrm/whatsapp-backend/internal/connection"
	"github.com/watsoncrm/whatsapp-backend/internal/domain"
	"github.com/watsoncrm/whatsapp-backend/internal/provider"
)

func TestWhatsAppStatus_NoConnection(t *testing.T) {
	env := newEnv(t, &stubGateway{})

	w := env.do(t, http.MethodGet, "/whatsapp/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var view connection.StatusView
	decodeJSON(t, w, &view)
	if view.HasConnection {
		t.Error("HasConnection = true, want false")
	}
	if view.Status != domain.ConnectionDisconnected {
		t.Errorf("Status = %q, want DISCONNECTED", view.Status)
	}
}

func TestConnectQRCode(t *testing.T) {
	env := newEnv(t, &stubGateway{
		status:   &provider.InstanceStatus{State: "connecting"},
		artifact: &provider.PairingArtifact{QRCode: "data:image/png;base64,QR"},
	})

	w := env.do(t, http.MethodPost, "/whatsapp/connect/qrcode", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	decodeJSON(t, w, &resp)
	if resp["qrcode"] == "" {
		t.Error("qrcode missing from response")
	}
	if resp["status"] != domain.ConnectionConnecting {
		t.Errorf("status = %q, want CONNECTING", resp["status"])
	}
}

func TestConnectCode(t *testing.T) {
	env := newEnv(t, &stubGateway{
		status:   &provider.InstanceStatus{State: "connecting"},
		artifact: &provider.PairingArtifact{PairingCode: "ABCD-1234"},
	})

	w := env.do(t, http.MethodPost, "/whatsapp/connect/code", map[string]any{
		"phone": "+55 (11) 99999-0000",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	decodeJSON(t, w, &resp)
	if resp["pairingCode"] != "ABCD-1234" {
		t.Errorf("pairingCode = %q", resp["pairingCode"])
	}
}

func TestConnectCode_Validation(t *testing.T) {
	env := newEnv(t, &stubGateway{})

	for name, body := range map[string]map[string]any{
		"missing phone": {},
		"no digits":     {"phone": "abc"},
	} {
		t.Run(name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/whatsapp/connect/code", body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestDisconnect_NotConfigured(t *testing.T) {
	env := newEnv(t, &stubGateway{})

	w := env.do(t, http.MethodPost, "/whatsapp/disconnect", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if code := errCode(t, w); code != ErrCodeNotConfigured {
		t.Errorf("code = %q, want %q", code, ErrCodeNotConfigured)
	}
}

func TestDisconnect(t *testing.T) {
	env := newEnv(t, &stubGateway{})
	conn := &domain.Connection{ID: "conn1", OrganizationID: "org1", Status: domain.ConnectionConnected, Token: "tok"}
	if err := env.db.Create(conn).Error; err != nil {
		t.Fatalf("seed connection: %v", err)
	}

	w := env.do(t, http.MethodPost, "/whatsapp/disconnect", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	decodeJSON(t, w, &resp)
	if resp["status"] != domain.ConnectionDisconnected {
		t.Errorf("status = %q, want DISCONNECTED", resp["status"])
	}
}

func TestSetupWhatsApp(t *testing.T) {
	env := newEnv(t, &stubGateway{
		status: &provider.InstanceStatus{
			State:       "connected",
			PhoneNumber: "5511999990000",
			DisplayName: "Acme Sales",
		},
	})

	w := env.do(t, http.MethodPost, "/whatsapp/setup", map[string]any{
		"token":        "tok-ext",
		"instanceName": "inst-ext",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	decodeJSON(t, w, &resp)
	if resp["status"] != domain.ConnectionConnected {
		t.Errorf("status = %q, want CONNECTED", resp["status"])
	}
	if resp["phoneNumber"] != "5511999990000" {
		t.Errorf("phoneNumber = %q", resp["phoneNumber"])
	}
}

func TestSetupWhatsApp_InvalidToken(t *testing.T) {
	env := newEnv(t, &stubGateway{statusErr: provider.ErrUnauthorized})

	w := env.do(t, http.MethodPost, "/whatsapp/setup", map[string]any{"token": "bad"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if code := errCode(t, w); code != ErrCodeInvalidToken {
		t.Errorf("code = %q, want %q", code, ErrCodeInvalidToken)
	}
}
