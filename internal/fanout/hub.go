// Package fanout implements the in-process publisher that pushes normalized
// domain events to organization-scoped real-time subscribers.
//
// Delivery is best-effort and at-most-once per subscriber per event: there
// is no queue and no replay. A subscriber whose buffer is full simply
// misses the event and is expected to re-fetch current state through the
// API after resubscribing. Events for the same organization are handed to
// each subscriber in the order they were published.
package fanout

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Event kinds delivered to subscribers, mirrored verbatim on the wire.
const (
	EventMessageNew         = "message:new"
	EventConversationUpdate = "conversation:update"
	EventConnectionUpdate   = "connection:update"
)

// Event is one normalized domain event scoped to an organization.
type Event struct {
	Kind    string `json:"event"`
	OrgID   string `json:"-"`
	Payload any    `json:"data"`
}

// MessagePayload is the body of a message:new event.
type MessagePayload struct {
	ConversationID string `json:"conversationId"`
	Message        any    `json:"message"`
}

// ConversationPayload is the body of a conversation:update event.
type ConversationPayload struct {
	ConversationID string         `json:"conversationId"`
	Updates        map[string]any `json:"updates"`
}

// subscriberBuffer bounds how far a slow subscriber may lag before it
// starts missing events.
const subscriberBuffer = 64

// Hub is the organization-scoped publish/subscribe fanout. The zero value
// is not usable; construct with NewHub. Safe for concurrent use.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan Event // org id → subscriber id → channel
	next int
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan Event)}
}

// Subscribe registers a listener for one organization's events. It returns
// the receive channel and a cancel function; cancel closes the channel and
// must be called exactly once when the listener goes away.
func (h *Hub) Subscribe(orgID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	id := h.next
	h.next++
	if h.subs[orgID] == nil {
		h.subs[orgID] = make(map[int]chan Event)
	}
	h.subs[orgID][id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[orgID]; ok {
			if _, ok := set[id]; ok {
				delete(set, id)
				close(ch)
				if len(set) == 0 {
					delete(h.subs, orgID)
				}
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every current subscriber of its
// organization. Publish never blocks: a subscriber whose buffer is full is
// skipped, which keeps the ingestion path insulated from slow readers.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs[ev.OrgID] {
		select {
		case ch <- ev:
		default:
			log.Warn().
				Str("org_id", ev.OrgID).
				Str("event", ev.Kind).
				Int("subscriber", id).
				Msg("fanout subscriber lagging, event dropped")
		}
	}
}

// SubscriberCount reports the number of live subscribers for an
// organization. Used by tests and the health endpoint.
func (h *Hub) SubscriberCount(orgID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[orgID])
}
