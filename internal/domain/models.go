// Package domain defines the persistence models for contacts, conversations,
// messages, funnels, and WhatsApp connections. These types are mapped with
// GORM and form the core data layer of the ingestion pipeline.
package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Conversation lifecycle statuses. RESOLVED and CLOSED are terminal: a
// contact may have at most one conversation outside these two states.
const (
	ConversationOpen          = "OPEN"
	ConversationWaitingClient = "WAITING_CLIENT"
	ConversationWaitingAgent  = "WAITING_AGENT"
	ConversationInProgress    = "IN_PROGRESS"
	ConversationResolved      = "RESOLVED"
	ConversationClosed        = "CLOSED"
)

// Conversation handling modes.
const (
	ModeAIAssisted = "AI_ASSISTED"
	ModeHumanOnly  = "HUMAN_ONLY"
	ModeAIOnly     = "AI_ONLY"
)

// Message directions.
const (
	DirectionInbound  = "INBOUND"
	DirectionOutbound = "OUTBOUND"
)

// Message delivery statuses, totally ordered PENDING < SENT < DELIVERED <
// READ. FAILED is terminal and reachable from every state except READ.
const (
	MessagePending   = "PENDING"
	MessageSent      = "SENT"
	MessageDelivered = "DELIVERED"
	MessageRead      = "READ"
	MessageFailed    = "FAILED"
)

// Connection statuses for the per-organization provider session.
const (
	ConnectionDisconnected = "DISCONNECTED"
	ConnectionConnecting   = "CONNECTING"
	ConnectionConnected    = "CONNECTED"
)

// statusRank positions each ordered message status on the monotonic order.
// FAILED is handled separately (absorbing terminal), so it has no rank here.
var statusRank = map[string]int{
	MessagePending:   0,
	MessageSent:      1,
	MessageDelivered: 2,
	MessageRead:      3,
}

// StatusRank returns the position of a message status on the monotonic
// delivery order, and whether the status participates in that order at all.
func StatusRank(status string) (int, bool) {
	r, ok := statusRank[status]
	return r, ok
}

// StatusesBelow returns every ordered status strictly below the given one.
// The ledger uses the returned set to guard status updates at the store
// level: an update only applies while the current status is in the set.
func StatusesBelow(status string) []string {
	target, ok := statusRank[status]
	if !ok {
		return nil
	}
	out := make([]string, 0, target)
	for s, r := range statusRank {
		if r < target {
			out = append(out, s)
		}
	}
	return out
}

// CanonicalStatuses lists every documented message status, ordered and
// terminal. A stored value outside this set is a provider status the mapper
// did not recognize, kept verbatim for inspection.
func CanonicalStatuses() []string {
	return []string{MessagePending, MessageSent, MessageDelivered, MessageRead, MessageFailed}
}

// IsTerminalConversation reports whether a conversation status admits no
// further inbound traffic into the same session.
func IsTerminalConversation(status string) bool {
	return status == ConversationResolved || status == ConversationClosed
}

// Contact is the identity anchor for an external chat participant. There is
// at most one Contact per (organization, external chat id); the ingestion
// pipeline creates it on first inbound event and never deletes it.
//
// Name is user-entered and authoritative; PushName is the provider-supplied
// fallback and is only backfilled while Name is empty.
type Contact struct {
	ID                string     `json:"id"                   gorm:"type:char(36);primaryKey"`
	OrganizationID    string     `json:"organization_id"      gorm:"type:char(36);not null;uniqueIndex:ux_contacts_org_wa,priority:1"`
	WaID              string     `json:"wa_id"                gorm:"type:varchar(64);not null;uniqueIndex:ux_contacts_org_wa,priority:2"`
	Name              string     `json:"name"                 gorm:"type:varchar(255)"`
	PushName          string     `json:"push_name"            gorm:"type:varchar(255)"`
	Phone             string     `json:"phone"                gorm:"type:varchar(32)"`
	LeadScore         int        `json:"lead_score"           gorm:"not null;default:0"`
	FunnelID          *string    `json:"funnel_id,omitempty"       gorm:"type:char(36)"`
	FunnelStageID     *string    `json:"funnel_stage_id,omitempty" gorm:"type:char(36)"`
	LastInteractionAt *time.Time `json:"last_interaction_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Contact.
func (Contact) TableName() string { return "contacts" }

// DisplayName returns the best available name for the contact: the
// user-entered name when present, otherwise the provider push name.
func (c Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.PushName
}

// Conversation is a bounded dialogue session between an organization and a
// contact. At most one non-terminal conversation exists per contact at any
// time; the partial unique index backing that invariant is created in
// repo.AutoMigrate (GORM tags cannot express it).
type Conversation struct {
	ID             string     `json:"id"              gorm:"type:char(36);primaryKey"`
	OrganizationID string     `json:"organization_id" gorm:"type:char(36);not null;index:idx_conversations_org"`
	ContactID      string     `json:"contact_id"      gorm:"type:char(36);not null;index"`
	Status         string     `json:"status"          gorm:"type:varchar(16);not null;default:'OPEN'"`
	Mode           string     `json:"mode"            gorm:"type:varchar(16);not null;default:'AI_ASSISTED'"`
	MessageCount   int        `json:"message_count"   gorm:"not null;default:0"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	Contact Contact `json:"contact" gorm:"foreignKey:ContactID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Message is an immutable ledger entry. Rows keyed by an external message id
// are unique per organization; inserting a duplicate is a no-op upstream.
// Only the delivery status (and its timestamps) ever mutates, and only
// forward along the monotonic order.
type Message struct {
	ID             string     `json:"id"              gorm:"type:char(36);primaryKey"`
	OrganizationID string     `json:"organization_id" gorm:"type:char(36);not null;uniqueIndex:ux_messages_org_wa,priority:1"`
	ConversationID string     `json:"conversation_id" gorm:"type:char(36);not null;index:idx_conv_msgs,priority:1"`
	WaMessageID    *string    `json:"wa_message_id,omitempty" gorm:"type:varchar(128);uniqueIndex:ux_messages_org_wa,priority:2"`
	Direction      string     `json:"direction"       gorm:"type:varchar(8);not null;check:direction IN ('INBOUND','OUTBOUND')"`
	Type           string     `json:"type"            gorm:"type:varchar(16);not null;default:'TEXT'"`
	Content        string     `json:"content"         gorm:"type:text;not null"`
	Status         string     `json:"status"          gorm:"type:varchar(32);not null;default:'PENDING'"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"      gorm:"index:idx_conv_msgs,priority:2"`
	UpdatedAt      time.Time  `json:"updated_at"`

	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Funnel is a sales funnel owned by an organization. The resolver assigns
// brand-new contacts to the organization's default funnel when one exists.
type Funnel struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	OrganizationID string    `json:"organization_id" gorm:"type:char(36);not null;index"`
	Name           string    `json:"name"            gorm:"type:varchar(255);not null"`
	IsDefault      bool      `json:"is_default"      gorm:"not null;default:false"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for Funnel.
func (Funnel) TableName() string { return "funnels" }

// FunnelStage is one ordered step of a funnel.
type FunnelStage struct {
	ID        string    `json:"id"        gorm:"type:char(36);primaryKey"`
	FunnelID  string    `json:"funnel_id" gorm:"type:char(36);not null;index"`
	Name      string    `json:"name"      gorm:"type:varchar(255);not null"`
	Position  int       `json:"position"  gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at"`

	Funnel Funnel `json:"-" gorm:"foreignKey:FunnelID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for FunnelStage.
func (FunnelStage) TableName() string { return "funnel_stages" }

// Connection tracks the provider-side WhatsApp session for one organization.
// There is exactly zero or one row per organization. The auth token is only
// persisted once provisioning fully succeeds, so a failed provision never
// leaves a half-created record behind.
type Connection struct {
	ID                 string     `json:"id"              gorm:"type:char(36);primaryKey"`
	OrganizationID     string     `json:"organization_id" gorm:"type:char(36);not null;uniqueIndex:ux_connections_org"`
	Status             string     `json:"status"          gorm:"type:varchar(16);not null;default:'DISCONNECTED'"`
	InstanceID         string     `json:"instance_id"     gorm:"type:varchar(128)"`
	Token              string     `json:"-"               gorm:"type:varchar(255)"`
	PhoneNumber        string     `json:"phone_number"    gorm:"type:varchar(32)"`
	DisplayName        string     `json:"display_name"    gorm:"type:varchar(255)"`
	LastConnectedAt    *time.Time `json:"last_connected_at,omitempty"`
	LastDisconnectedAt *time.Time `json:"last_disconnected_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Connection.
func (Connection) TableName() string { return "connections" }

// Idempotency records a previously completed send, keyed by
// (organization, conversation, client key). It lets a retried
// POST /conversations/:id/messages return the originally stored message
// instead of delivering the text to the contact a second time.
type Idempotency struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	OrganizationID string    `json:"organization_id" gorm:"type:char(36);not null;uniqueIndex:ux_idem_org_conv_key,priority:1"`
	ConversationID string    `json:"conversation_id" gorm:"type:char(36);not null;uniqueIndex:ux_idem_org_conv_key,priority:2"`
	Key            string    `json:"key"             gorm:"type:varchar(200);not null;uniqueIndex:ux_idem_org_conv_key,priority:3"`
	MessageID      string    `json:"message_id"      gorm:"type:char(36);not null"`
	Status         int       `json:"status"          gorm:"not null"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"      gorm:"index"`
}

// TableName returns the database table name for Idempotency.
func (Idempotency) TableName() string { return "idempotency" }

// BeforeCreate assigns a primary key when the caller did not. The state
// machine creates connections through the upsert path without choosing ids.
func (c *Connection) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}
