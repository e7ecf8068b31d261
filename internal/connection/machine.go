// Package connection manages the per-organization WhatsApp session lifecycle:
// provisioning an instance at the gateway, pairing (QR code or numeric code),
// reconciling local state against the gateway, and teardown.
//
// The local row is the source of truth for what the UI shows; the gateway is
// only consulted to move it. A single flaky poll never downgrades a live
// session, the downgrade requires consecutive corroborating observations.
package connection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/watsoncrm/whatsapp-backend/internal/config"
	"github.com/watsoncrm/whatsapp-backend/internal/domain"
	"github.com/watsoncrm/whatsapp-backend/internal/fanout"
	"github.com/watsoncrm/whatsapp-backend/internal/provider"
	"github.com/watsoncrm/whatsapp-backend/internal/repo"
)

// downgradeStreak is how many consecutive non-connected observations are
// required before a CONNECTED session is marked down.
const downgradeStreak = 2

// ErrNotConfigured is returned when an operation needs a provisioned
// instance and the organization has none.
var ErrNotConfigured = errors.New("connection: whatsapp instance not configured")

// Gateway is the slice of the provider client the machine depends on.
type Gateway interface {
	Status(ctx context.Context, token string) (*provider.InstanceStatus, error)
	Connect(ctx context.Context, token, phone string) (*provider.PairingArtifact, error)
	Disconnect(ctx context.Context, token string) error
	InitInstance(ctx context.Context, name string) (token, instanceName string, err error)
}

// StatusView is the connection state reported to API consumers.
type StatusView struct {
	Status        string `json:"status"`
	HasConnection bool   `json:"hasConnection"`
	PhoneNumber   string `json:"phoneNumber,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
	QRCode        string `json:"qrcode,omitempty"`
	PairingCode   string `json:"pairingCode,omitempty"`
}

// Machine drives connection state transitions for all organizations.
type Machine struct {
	db  *gorm.DB
	gw  Gateway
	hub *fanout.Hub
	cfg config.ProviderConfig

	provision singleflight.Group
	pairings  *cache.Cache

	mu      sync.Mutex
	polls   map[string]*pollHandle
	streaks map[string]int
}

// pollHandle identifies one pairing poll so a finished goroutine only
// removes its own registration, never a successor's.
type pollHandle struct {
	cancel context.CancelFunc
}

// NewMachine constructs the state machine. Pairing artifacts expire with the
// pairing window so a stale QR code is never served.
func NewMachine(db *gorm.DB, gw Gateway, hub *fanout.Hub, cfg config.ProviderConfig) *Machine {
	return &Machine{
		db:       db,
		gw:       gw,
		hub:      hub,
		cfg:      cfg,
		pairings: cache.New(cfg.PairingWindow, cfg.PairingWindow),
		polls:    make(map[string]*pollHandle),
		streaks:  make(map[string]int),
	}
}

// Setup validates an externally provisioned instance token and binds it to
// the organization. Returns provider.ErrUnauthorized when the gateway
// rejects the token.
func (m *Machine) Setup(ctx context.Context, orgID, token, instanceName string) (*domain.Connection, error) {
	st, err := m.gw.Status(ctx, token)
	if err != nil {
		return nil, err
	}

	status := domain.ConnectionDisconnected
	if st.Connected() {
		status = domain.ConnectionConnected
	}
	if st.InstanceName != "" {
		instanceName = st.InstanceName
	}

	conn := &domain.Connection{
		OrganizationID: orgID,
		Status:         status,
		Token:          token,
		InstanceID:     instanceName,
		PhoneNumber:    st.PhoneNumber,
		DisplayName:    st.DisplayName,
	}
	if status == domain.ConnectionConnected {
		now := time.Now().UTC()
		conn.LastConnectedAt = &now
	}
	if err := repo.UpsertConnection(ctx, m.db, conn); err != nil {
		return nil, err
	}
	m.resetStreak(orgID)

	stored, err := repo.GetConnection(ctx, m.db, orgID)
	if err != nil {
		return nil, err
	}
	m.publishState(orgID, stored.ID, stored.Status)
	return stored, nil
}

// Snapshot returns the current connection state, refreshed against the
// gateway when a token is bound. A gateway failure falls back to the stored
// state; a live session is only downgraded after corroboration.
func (m *Machine) Snapshot(ctx context.Context, orgID string) (*StatusView, error) {
	conn, err := repo.GetConnection(ctx, m.db, orgID)
	if errors.Is(err, repo.ErrNotFound) {
		return &StatusView{Status: domain.ConnectionDisconnected}, nil
	}
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		Status:        conn.Status,
		HasConnection: true,
		PhoneNumber:   conn.PhoneNumber,
		DisplayName:   conn.DisplayName,
	}
	if art, ok := m.Pairing(orgID); ok {
		view.QRCode = art.QRCode
		view.PairingCode = art.PairingCode
	}
	if conn.Token == "" {
		return view, nil
	}

	st, err := m.gw.Status(ctx, conn.Token)
	if err != nil || !st.Connected() {
		if conn.Status == domain.ConnectionConnected && m.observeDown(orgID) {
			if derr := m.markDisconnected(ctx, conn); derr != nil {
				return nil, derr
			}
			view.Status = domain.ConnectionDisconnected
		}
		if err != nil {
			log.Warn().Err(err).Str("org_id", orgID).Msg("gateway status check failed, serving stored state")
		}
		return view, nil
	}

	m.resetStreak(orgID)
	now := time.Now().UTC()
	updates := map[string]any{
		"status":            domain.ConnectionConnected,
		"last_connected_at": now,
	}
	if st.PhoneNumber != "" {
		updates["phone_number"] = st.PhoneNumber
		view.PhoneNumber = st.PhoneNumber
	}
	if st.DisplayName != "" {
		updates["display_name"] = st.DisplayName
		view.DisplayName = st.DisplayName
	}
	if err := repo.UpdateConnection(ctx, m.db, conn.ID, updates); err != nil {
		return nil, err
	}
	if conn.Status != domain.ConnectionConnected {
		m.publishState(orgID, conn.ID, domain.ConnectionConnected)
	}
	view.Status = domain.ConnectionConnected
	return view, nil
}

// Connect starts pairing. With an empty phone the artifact is a QR code,
// otherwise a numeric pairing code for the given number (digits only).
// An organization without an instance gets one provisioned first; concurrent
// calls share a single provisioning flight.
func (m *Machine) Connect(ctx context.Context, orgID, phone string) (*provider.PairingArtifact, error) {
	conn, err := m.ensureInstance(ctx, orgID)
	if err != nil {
		return nil, err
	}

	art, err := m.gw.Connect(ctx, conn.Token, phone)
	if err != nil {
		return nil, err
	}

	if err := repo.UpdateConnection(ctx, m.db, conn.ID, map[string]any{
		"status": domain.ConnectionConnecting,
	}); err != nil {
		return nil, err
	}
	m.pairings.Set(orgID, art, m.cfg.PairingWindow)
	m.publishState(orgID, conn.ID, domain.ConnectionConnecting)
	m.startPairingPoll(orgID, conn.ID, conn.Token)
	return art, nil
}

// Disconnect tears the session down. The stored row always ends
// DISCONNECTED, even when the gateway call fails: the operator asked to
// disconnect and the local state must reflect that.
func (m *Machine) Disconnect(ctx context.Context, orgID string) error {
	conn, err := repo.GetConnection(ctx, m.db, orgID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotConfigured
	}
	if err != nil {
		return err
	}

	m.stopPoll(orgID)
	if conn.Token != "" {
		if gerr := m.gw.Disconnect(ctx, conn.Token); gerr != nil {
			log.Warn().Err(gerr).Str("org_id", orgID).Msg("gateway disconnect failed, marking disconnected locally")
		}
	}
	return m.markDisconnected(ctx, conn)
}

// Pairing returns the cached pairing artifact, if the window is still open.
func (m *Machine) Pairing(orgID string) (*provider.PairingArtifact, bool) {
	v, ok := m.pairings.Get(orgID)
	if !ok {
		return nil, false
	}
	return v.(*provider.PairingArtifact), true
}

// Close cancels all in-flight pairing polls. Called on shutdown.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for org, h := range m.polls {
		h.cancel()
		delete(m.polls, org)
	}
}

// ensureInstance returns the organization's connection, provisioning a fresh
// gateway instance when none exists. Concurrent callers for the same
// organization collapse into one provisioning call.
func (m *Machine) ensureInstance(ctx context.Context, orgID string) (*domain.Connection, error) {
	conn, err := repo.GetConnection(ctx, m.db, orgID)
	if err == nil && conn.Token != "" {
		return conn, nil
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	v, err, _ := m.provision.Do(orgID, func() (any, error) {
		// Re-check inside the flight: a racing caller may have finished
		// provisioning while this one waited for the lock.
		if c, gerr := repo.GetConnection(ctx, m.db, orgID); gerr == nil && c.Token != "" {
			return c, nil
		}
		token, name, ierr := m.gw.InitInstance(ctx, "org-"+orgID)
		if ierr != nil {
			return nil, ierr
		}
		c := &domain.Connection{
			OrganizationID: orgID,
			Status:         domain.ConnectionDisconnected,
			Token:          token,
			InstanceID:     name,
		}
		if uerr := repo.UpsertConnection(ctx, m.db, c); uerr != nil {
			return nil, uerr
		}
		return repo.GetConnection(ctx, m.db, orgID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Connection), nil
}

// startPairingPoll watches the gateway until the session comes up or the
// pairing window closes. At most one poll runs per organization.
func (m *Machine) startPairingPoll(orgID, connID, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PairingWindow)
	h := &pollHandle{cancel: cancel}

	m.mu.Lock()
	if prev, ok := m.polls[orgID]; ok {
		prev.cancel()
	}
	m.polls[orgID] = h
	m.mu.Unlock()

	go func() {
		defer m.clearPoll(orgID, h)
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					m.expirePairing(orgID)
				}
				return
			case <-ticker.C:
				st, err := m.gw.Status(ctx, token)
				if err != nil {
					log.Debug().Err(err).Str("org_id", orgID).Msg("pairing poll failed")
					continue
				}
				if !st.Connected() {
					continue
				}
				m.promoteConnected(orgID, connID, st)
				return
			}
		}
	}()
}

func (m *Machine) clearPoll(orgID string, h *pollHandle) {
	h.cancel()
	m.mu.Lock()
	if m.polls[orgID] == h {
		delete(m.polls, orgID)
	}
	m.mu.Unlock()
}

func (m *Machine) stopPoll(orgID string) {
	m.mu.Lock()
	if h, ok := m.polls[orgID]; ok {
		h.cancel()
		delete(m.polls, orgID)
	}
	m.mu.Unlock()
}

func (m *Machine) promoteConnected(orgID, connID string, st *provider.InstanceStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
	defer cancel()

	now := time.Now().UTC()
	updates := map[string]any{
		"status":            domain.ConnectionConnected,
		"last_connected_at": now,
	}
	if st.PhoneNumber != "" {
		updates["phone_number"] = st.PhoneNumber
	}
	if st.DisplayName != "" {
		updates["display_name"] = st.DisplayName
	}
	if err := repo.UpdateConnection(ctx, m.db, connID, updates); err != nil {
		log.Error().Err(err).Str("org_id", orgID).Msg("failed to persist connected state")
		return
	}
	m.pairings.Delete(orgID)
	m.resetStreak(orgID)
	m.publishState(orgID, connID, domain.ConnectionConnected)
	log.Info().Str("org_id", orgID).Str("phone", st.PhoneNumber).Msg("whatsapp session connected")
}

// expirePairing abandons a pairing attempt whose window elapsed without the
// session coming up.
func (m *Machine) expirePairing(orgID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
	defer cancel()

	conn, err := repo.GetConnection(ctx, m.db, orgID)
	if err != nil || conn.Status != domain.ConnectionConnecting {
		return
	}
	m.pairings.Delete(orgID)
	if err := m.markDisconnected(ctx, conn); err != nil {
		log.Error().Err(err).Str("org_id", orgID).Msg("failed to expire pairing attempt")
		return
	}
	log.Info().Str("org_id", orgID).Msg("pairing window expired")
}

func (m *Machine) markDisconnected(ctx context.Context, conn *domain.Connection) error {
	now := time.Now().UTC()
	err := repo.UpdateConnection(ctx, m.db, conn.ID, map[string]any{
		"status":               domain.ConnectionDisconnected,
		"last_disconnected_at": now,
	})
	if err != nil {
		return err
	}
	m.pairings.Delete(conn.OrganizationID)
	m.resetStreak(conn.OrganizationID)
	m.publishState(conn.OrganizationID, conn.ID, domain.ConnectionDisconnected)
	return nil
}

// observeDown records one non-connected observation and reports whether the
// streak is long enough to downgrade.
func (m *Machine) observeDown(orgID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streaks[orgID]++
	return m.streaks[orgID] >= downgradeStreak
}

func (m *Machine) resetStreak(orgID string) {
	m.mu.Lock()
	delete(m.streaks, orgID)
	m.mu.Unlock()
}

func (m *Machine) publishState(orgID, connID, status string) {
	m.hub.Publish(fanout.Event{
		Kind:  fanout.EventConnectionUpdate,
		OrgID: orgID,
		Payload: map[string]any{
			"connectionId": connID,
			"status":       status,
		},
	})
}

// SanitizePhone strips everything but digits from an operator-supplied
// phone number before it reaches the gateway.
func SanitizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
