// Package provider implements the HTTP client for the WhatsApp gateway
// (a Uazapi-compatible instance API). Each organization owns one instance,
// identified by an instance token sent as a Bearer credential. The admin
// token is only used to provision new instances.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/watsoncrm/whatsapp-backend/internal/config"
)

// ErrUnauthorized is returned when the gateway rejects the instance token.
var ErrUnauthorized = errors.New("provider: invalid instance token")

// APIError is returned for non-2xx gateway responses other than auth failures.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider: gateway returned %d: %s", e.StatusCode, e.Body)
}

// InstanceStatus is the gateway's view of one WhatsApp session.
type InstanceStatus struct {
	State         string
	InstanceName  string
	PhoneNumber   string
	DisplayName   string
	ProfilePicURL string
	QRCode        string
	PairingCode   string
}

// Connected reports whether the gateway considers the session live.
func (s *InstanceStatus) Connected() bool {
	return strings.EqualFold(s.State, "connected")
}

// PairingArtifact is what the operator scans or types to link a device.
// Exactly one of the fields is set depending on the connect mode.
type PairingArtifact struct {
	QRCode      string `json:"qrcode,omitempty"`
	PairingCode string `json:"pairingCode,omitempty"`
}

// instanceEnvelope mirrors the gateway's response layout for status and
// connect calls.
type instanceEnvelope struct {
	Instance struct {
		Status        string `json:"status"`
		Name          string `json:"name"`
		ProfileName   string `json:"profileName"`
		ProfilePicURL string `json:"profilePicUrl"`
		QRCode        string `json:"qrcode"`
		PairingCode   string `json:"paircode"`
		Token         string `json:"token"`
	} `json:"instance"`
	Status struct {
		JID struct {
			User string `json:"user"`
		} `json:"jid"`
	} `json:"status"`
}

// sendEnvelope mirrors the gateway's response for outbound text sends.
type sendEnvelope struct {
	ID  string `json:"id"`
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
}

// Client talks to the WhatsApp gateway.
type Client struct {
	http       *resty.Client
	adminToken string
}

// NewClient builds a gateway client from the provider configuration.
func NewClient(cfg config.ProviderConfig) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.RequestTimeout).
			SetHeader("Content-Type", "application/json"),
		adminToken: cfg.AdminToken,
	}
}

// Status fetches the current session state for an instance token.
func (c *Client) Status(ctx context.Context, token string) (*InstanceStatus, error) {
	var env instanceEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&env).
		Get("/instance/status")
	if err != nil {
		return nil, fmt.Errorf("provider: status request failed: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	return &InstanceStatus{
		State:         env.Instance.Status,
		InstanceName:  env.Instance.Name,
		PhoneNumber:   env.Status.JID.User,
		DisplayName:   env.Instance.ProfileName,
		ProfilePicURL: env.Instance.ProfilePicURL,
		QRCode:        env.Instance.QRCode,
		PairingCode:   env.Instance.PairingCode,
	}, nil
}

// Connect starts a pairing attempt. With an empty phone the gateway issues
// a QR code; with a phone (digits only) it issues a numeric pairing code.
func (c *Client) Connect(ctx context.Context, token, phone string) (*PairingArtifact, error) {
	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(token)
	if phone != "" {
		req.SetBody(map[string]string{"phone": phone})
	}

	var env instanceEnvelope
	resp, err := req.SetResult(&env).Post("/instance/connect")
	if err != nil {
		return nil, fmt.Errorf("provider: connect request failed: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	return &PairingArtifact{
		QRCode:      env.Instance.QRCode,
		PairingCode: env.Instance.PairingCode,
	}, nil
}

// Disconnect tears down the gateway session for an instance token.
func (c *Client) Disconnect(ctx context.Context, token string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		Post("/instance/disconnect")
	if err != nil {
		return fmt.Errorf("provider: disconnect request failed: %w", err)
	}
	return checkResponse(resp)
}

// InitInstance provisions a fresh instance under the admin account and
// returns its token and name.
func (c *Client) InitInstance(ctx context.Context, name string) (token, instanceName string, err error) {
	var env instanceEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("admintoken", c.adminToken).
		SetBody(map[string]string{"name": name}).
		SetResult(&env).
		Post("/instance/init")
	if err != nil {
		return "", "", fmt.Errorf("provider: init request failed: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return "", "", err
	}
	if env.Instance.Token == "" {
		return "", "", &APIError{StatusCode: resp.StatusCode(), Body: "init response carried no token"}
	}
	return env.Instance.Token, env.Instance.Name, nil
}

// SendText delivers an outbound text message and returns the provider's
// message id for later status correlation.
func (c *Client) SendText(ctx context.Context, token, waID, content string) (string, error) {
	var env sendEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]string{"number": waID, "text": content}).
		SetResult(&env).
		Post("/send/text")
	if err != nil {
		return "", fmt.Errorf("provider: send request failed: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return "", err
	}

	id := env.ID
	if id == "" {
		id = env.Key.ID
	}
	if id == "" {
		return "", &APIError{StatusCode: resp.StatusCode(), Body: "send response carried no message id"}
	}
	return id, nil
}

func checkResponse(resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}
	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		return ErrUnauthorized
	}
	log.Warn().
		Int("status_code", resp.StatusCode()).
		Str("path", resp.Request.URL).
		Msg("gateway request failed")
	return &APIError{StatusCode: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
}
