// Package ingest implements the inbound event pipeline: payload
// normalization, contact/conversation identity resolution, and the
// idempotent message ledger.
//
// This file is the Event Normalizer. It converts opaque provider webhook
// payloads, several historical shapes of which coexist in the wild, into
// a closed set of canonical events. Parsing is pure: no store access, no
// side effects. Each field is extracted by a prioritized list of rules
// tried in order, taking the first non-empty match, so a new payload shape
// is a one-line rule addition rather than a branch rewrite.
package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event is the closed union of canonical webhook events. Exactly the types
// in this file implement it.
type Event interface {
	eventKind() string
}

// InboundMessage is a new message from an external chat participant.
type InboundMessage struct {
	WaID        string // external chat id, provider suffixes stripped
	Content     string
	WaMessageID string
	PushName    string // optional
	Timestamp   time.Time
}

func (InboundMessage) eventKind() string { return "message" }

// StatusUpdate is a delivery/read state change for a previously seen message.
type StatusUpdate struct {
	WaMessageID string
	RawStatus   string // provider value, e.g. "delivered", "read", "played"
}

func (StatusUpdate) eventKind() string { return "status" }

// ConnectionStateChanged reports a provider-side session state transition.
type ConnectionStateChanged struct {
	RawState string // provider value, e.g. "open", "close", "connecting"
}

func (ConnectionStateChanged) eventKind() string { return "connection" }

// Unrecognized carries an event type the normalizer does not handle. Such
// events are logged and dropped; retrying cannot change the payload.
type Unrecognized struct {
	EventType string
}

func (Unrecognized) eventKind() string { return "unrecognized" }

// RejectedError reports a payload whose event type was recognized but whose
// required fields could not be extracted. The pipeline drops it without
// retry and never builds a partial record from it.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "payload rejected: " + e.Reason }

// payload is a decoded provider body. Provider shapes nest the interesting
// object under "data" or "message", or put it at the top level.
type payload map[string]any

// extractRule pulls one candidate value for a logical field out of a
// payload. Rules are tried in priority order; the first non-empty result
// wins. Each rule is independently testable.
type extractRule func(payload) string

// waIDRules locate the sender's external chat id. Newer payloads use
// "from"; older ones carry the full JID under "remoteJid" or nest it in
// "key". The @s.whatsapp.net suffix is stripped in all cases.
var waIDRules = []extractRule{
	func(p payload) string { return stripJID(str(p["from"])) },
	func(p payload) string { return stripJID(str(p["remoteJid"])) },
	func(p payload) string { return stripJID(str(dig(p, "key", "remoteJid"))) },
}

// contentRules locate the message text across payload generations.
var contentRules = []extractRule{
	func(p payload) string { return str(p["body"]) },
	func(p payload) string { return str(p["text"]) },
	func(p payload) string { return str(dig(p, "message", "conversation")) },
}

// messageIDRules locate the provider's message id.
var messageIDRules = []extractRule{
	func(p payload) string { return str(dig(p, "key", "id")) },
	func(p payload) string { return str(p["id"]) },
}

// pushNameRules locate the sender's self-reported display name.
var pushNameRules = []extractRule{
	func(p payload) string { return str(p["pushName"]) },
	func(p payload) string { return str(p["notifyName"]) },
}

// statusRules locate the delivery status value on update events.
var statusRules = []extractRule{
	func(p payload) string { return str(p["status"]) },
	func(p payload) string { return str(dig(p, "update", "status")) },
}

// connStateRules locate the session state on connection events.
var connStateRules = []extractRule{
	func(p payload) string { return str(p["connection"]) },
	func(p payload) string { return str(p["state"]) },
	func(p payload) string { return str(p["status"]) },
}

// Normalize parses an opaque webhook body into a canonical event.
//
// It returns Unrecognized for event types outside the handled set, and a
// *RejectedError when a handled event type is missing required fields
// (chat id, content, or message id for inbound messages; message id or
// status for updates). Malformed JSON is likewise rejected.
func Normalize(body []byte) (Event, error) {
	var root payload
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, &RejectedError{Reason: "malformed JSON: " + err.Error()}
	}

	eventType := firstNonEmpty(str(root["event"]), str(root["type"]))

	switch eventType {
	case "messages.upsert", "message":
		return normalizeInbound(innerObject(root))
	case "messages.update", "message.status":
		return normalizeStatus(innerObject(root))
	case "connection.update":
		return normalizeConnection(innerObject(root))
	default:
		return Unrecognized{EventType: eventType}, nil
	}
}

func normalizeInbound(p payload) (Event, error) {
	waID := applyRules(p, waIDRules)
	if waID == "" {
		return nil, &RejectedError{Reason: "inbound message without chat id"}
	}
	content := applyRules(p, contentRules)
	if content == "" {
		return nil, &RejectedError{Reason: "inbound message without content"}
	}
	msgID := applyRules(p, messageIDRules)
	if msgID == "" {
		return nil, &RejectedError{Reason: "inbound message without message id"}
	}

	ts := time.Now().UTC()
	if raw, ok := p["messageTimestamp"]; ok {
		if sec, ok := asInt64(raw); ok && sec > 0 {
			ts = time.Unix(sec, 0).UTC()
		}
	}

	return InboundMessage{
		WaID:        waID,
		Content:     content,
		WaMessageID: msgID,
		PushName:    applyRules(p, pushNameRules),
		Timestamp:   ts,
	}, nil
}

func normalizeStatus(p payload) (Event, error) {
	msgID := applyRules(p, messageIDRules)
	if msgID == "" {
		return nil, &RejectedError{Reason: "status update without message id"}
	}
	status := applyRules(p, statusRules)
	if status == "" {
		return nil, &RejectedError{Reason: "status update without status value"}
	}
	return StatusUpdate{WaMessageID: msgID, RawStatus: status}, nil
}

func normalizeConnection(p payload) (Event, error) {
	state := applyRules(p, connStateRules)
	if state == "" {
		return nil, &RejectedError{Reason: "connection update without state"}
	}
	return ConnectionStateChanged{RawState: state}, nil
}

// innerObject unwraps the envelope: providers nest the event object under
// "data" or "message", or flatten it into the root.
func innerObject(root payload) payload {
	for _, key := range []string{"data", "message"} {
		if m, ok := root[key].(map[string]any); ok {
			return payload(m)
		}
	}
	return root
}

// applyRules runs the prioritized rule list and returns the first non-empty
// extraction.
func applyRules(p payload, rules []extractRule) string {
	for _, rule := range rules {
		if v := rule(p); v != "" {
			return v
		}
	}
	return ""
}

// stripJID removes the provider's JID domain suffix from a chat id.
func stripJID(s string) string {
	return strings.TrimSuffix(s, "@s.whatsapp.net")
}

// dig walks nested maps along keys, returning nil on any miss.
func dig(p payload, keys ...string) any {
	var cur any = map[string]any(p)
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[k]
	}
	return cur
}

// str coerces a payload value to a string; non-strings become "".
func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// asInt64 coerces numeric payload values. JSON numbers decode as float64;
// some providers send timestamps as strings.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case string:
		var out int64
		if _, err := fmt.Sscanf(n, "%d", &out); err == nil {
			return out, true
		}
	}
	return 0, false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
