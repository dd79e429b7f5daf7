// Package webhook normalizes the several payload shapes the messaging
// platform delivers and derives the dedupe key used by the intake guard.
package webhook

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValidationError marks a payload with no recognizable event/data section.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid payload: " + e.Reason
}

// Event is the canonical form every payload shape reduces to.
type Event struct {
	Type      string
	Data      map[string]any
	Timestamp string
}

const (
	EventMessageReceived = "message.received"
	EventMessageSent     = "message.sent"
	EventStatusUpdate    = "message.status.update"
)

// shapeExtractor inspects one known payload shape and either produces a
// canonical event or reports no match.
type shapeExtractor func(payload map[string]any) (Event, bool)

var extractors = []shapeExtractor{
	extractFlat,
	extractBusinessAPI,
	extractBodyWrapped,
}

// Normalize reduces a raw payload to its canonical event. Shapes are tried
// in priority order; nested {data:{data}} and {value,field} wrappers are
// unwrapped after the shape match.
func Normalize(payload map[string]any) (Event, error) {
	for _, extract := range extractors {
		ev, ok := extract(payload)
		if !ok {
			continue
		}
		ev.Data = unwrapData(ev.Data)
		if ev.Type == "" || ev.Data == nil {
			continue
		}
		return ev, nil
	}
	return Event{}, &ValidationError{Reason: "missing event or data"}
}

// extractFlat handles {event, data, timestamp}.
func extractFlat(payload map[string]any) (Event, bool) {
	event, _ := payload["event"].(string)
	data, _ := payload["data"].(map[string]any)
	if event == "" || data == nil {
		return Event{}, false
	}
	ts, _ := payload["timestamp"].(string)
	return Event{Type: event, Data: data, Timestamp: ts}, true
}

// extractBusinessAPI handles the WhatsApp Business API envelope
// entry[0].changes[0].value, defaulting the event type to message.received.
func extractBusinessAPI(payload map[string]any) (Event, bool) {
	entries, ok := payload["entry"].([]any)
	if !ok || len(entries) == 0 {
		return Event{}, false
	}
	entry, ok := entries[0].(map[string]any)
	if !ok {
		return Event{}, false
	}
	changes, ok := entry["changes"].([]any)
	if !ok || len(changes) == 0 {
		return Event{}, false
	}
	change, ok := changes[0].(map[string]any)
	if !ok {
		return Event{}, false
	}
	value, ok := change["value"].(map[string]any)
	if !ok {
		return Event{}, false
	}

	event, _ := payload["event"].(string)
	if event == "" {
		event = EventMessageReceived
	}
	ts, _ := payload["timestamp"].(string)
	if msg := firstEntry(value, "messages"); msg != nil {
		if mts := stringOrNumber(msg["timestamp"]); mts != "" {
			ts = mts
		}
	}
	return Event{Type: event, Data: value, Timestamp: ts}, true
}

// extractBodyWrapped handles {body: {event, data, ...}}.
func extractBodyWrapped(payload map[string]any) (Event, bool) {
	body, ok := payload["body"].(map[string]any)
	if !ok {
		return Event{}, false
	}
	return extractFlat(body)
}

// unwrapData strips {data:{data:...}} double nesting and the change wrapper
// {value:..., field:...}.
func unwrapData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	if len(data) == 1 {
		if inner, ok := data["data"].(map[string]any); ok {
			data = inner
		}
	}
	if _, hasValue := data["value"]; hasValue {
		if _, hasField := data["field"]; hasField {
			if inner, ok := data["value"].(map[string]any); ok {
				data = inner
			}
		}
	}
	return data
}

// ResolveEventType buckets an event name for the durable event row.
func ResolveEventType(event string) string {
	switch {
	case strings.Contains(event, "status"):
		return "status"
	case strings.Contains(event, "sent"), strings.Contains(event, "message"):
		return "message"
	default:
		return "unknown"
	}
}

var phoneFields = []string{"from", "phone", "phoneNumber", "phone_number"}

// ExtractPhone derives the sender phone from the known payload shapes,
// normalized to a leading "+". Empty when no candidate field is present.
func ExtractPhone(data map[string]any) string {
	for _, f := range phoneFields {
		if v, ok := data[f].(string); ok && v != "" {
			return normalizePhone(v)
		}
	}

	if msgs, ok := data["messages"].([]any); ok {
		for _, m := range msgs {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			for _, f := range phoneFields {
				if v, ok := msg[f].(string); ok && v != "" {
					return normalizePhone(v)
				}
			}
		}
	}

	if contact := firstEntry(data, "contacts"); contact != nil {
		if waID, ok := contact["wa_id"].(string); ok && waID != "" {
			return normalizePhone(waID)
		}
	}

	if statuses, ok := data["statuses"].([]any); ok {
		for _, s := range statuses {
			status, ok := s.(map[string]any)
			if !ok {
				continue
			}
			recipient := stringOrNumber(status["recipient_id"])
			if recipient == "" {
				recipient = stringOrNumber(status["recipientId"])
			}
			if recipient != "" {
				return normalizePhone(recipient)
			}
		}
	}

	return ""
}

const (
	sentinelNoID    = "no-id"
	sentinelUnknown = "unknown"
)

// DedupeKey builds the best-effort composite key recognizing repeat
// deliveries: "{event}-{messageID}-{phone}-{timestamp}" with fixed
// sentinels for absent segments. Not a cryptographic identity.
func DedupeKey(ev Event, phone string) string {
	messageID := firstString(ev.Data, "id", "message_id", "messageId")
	if messageID == "" {
		if msg := firstEntry(ev.Data, "messages"); msg != nil {
			messageID = stringOrNumber(msg["id"])
		}
	}
	if messageID == "" {
		if status := firstEntry(ev.Data, "statuses"); status != nil {
			messageID = stringOrNumber(status["id"])
		}
	}
	if messageID == "" {
		messageID = sentinelNoID
	}

	if phone == "" {
		phone = sentinelUnknown
	}

	ts := ev.Timestamp
	if ts == "" {
		ts = stringOrNumber(ev.Data["timestamp"])
	}
	if ts == "" {
		ts = sentinelUnknown
	}

	return fmt.Sprintf("%s-%s-%s-%s", ev.Type, messageID, phone, ts)
}

// MessageData is the canonical inbound message extracted from a
// message.received event.
type MessageData struct {
	Phone         string
	Text          string
	Type          string
	ExternalID    string
	Timestamp     time.Time
	ContactName   string
	MediaID       string
	MediaURL      string
	MediaMIMEType string
}

// ExtractMessage pulls the first message out of a message.received data
// section, tolerating both the flat and the messages[] representations.
func ExtractMessage(data map[string]any) MessageData {
	msg := data
	var contact map[string]any
	if first := firstEntry(data, "messages"); first != nil {
		msg = first
		contact = firstEntry(data, "contacts")
	}
	if contact == nil {
		contact, _ = msg["contact"].(map[string]any)
	}

	md := MessageData{
		Phone:      firstString(msg, phoneFields...),
		Type:       firstString(msg, "type", "message_type"),
		ExternalID: firstString(msg, "id", "message_id", "messageId", "wa_message_id"),
	}
	if md.Phone == "" {
		md.Phone = firstString(data, "from")
	}
	if md.Phone != "" {
		md.Phone = normalizePhone(md.Phone)
	}
	if md.Type == "" {
		md.Type = "text"
	}

	md.Text = extractText(msg)
	md.Timestamp = ParseTimestamp(firstString(msg, "timestamp", "created_at"), stringOrNumber(data["timestamp"]))
	md.ContactName = extractContactName(contact, data)

	if media, ok := msg[md.Type].(map[string]any); ok && md.Type != "text" {
		md.MediaID = stringOrNumber(media["id"])
		md.MediaURL, _ = media["link"].(string)
		md.MediaMIMEType, _ = media["mime_type"].(string)
	}

	return md
}

func extractText(msg map[string]any) string {
	if text, ok := msg["text"].(map[string]any); ok {
		if body, ok := text["body"].(string); ok {
			return body
		}
	}
	if inner, ok := msg["message"].(map[string]any); ok {
		if body, ok := inner["body"].(string); ok {
			return body
		}
	}
	if s, ok := msg["message"].(string); ok {
		return s
	}
	if s, ok := msg["text"].(string); ok {
		return s
	}
	return ""
}

func extractContactName(contact, data map[string]any) string {
	if contact != nil {
		if profile, ok := contact["profile"].(map[string]any); ok {
			if name, ok := profile["name"].(string); ok && name != "" {
				return name
			}
		}
		if name, ok := contact["name"].(string); ok && name != "" {
			return name
		}
	}
	if c, ok := data["contact"].(map[string]any); ok {
		if name, ok := c["name"].(string); ok && name != "" {
			return name
		}
	}
	return "Customer"
}

// ParseTimestamp accepts unix seconds or RFC3339; candidates are tried in
// order and the current time is the final fallback.
func ParseTimestamp(candidates ...string) time.Time {
	for _, v := range candidates {
		if v == "" {
			continue
		}
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC()
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

func normalizePhone(phone string) string {
	if strings.HasPrefix(phone, "+") {
		return phone
	}
	return "+" + strings.TrimLeft(phone, "+")
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := stringOrNumber(m[k]); v != "" {
			return v
		}
	}
	return ""
}

func firstEntry(m map[string]any, key string) map[string]any {
	list, ok := m[key].([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	entry, _ := list[0].(map[string]any)
	return entry
}

func stringOrNumber(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return ""
	}
}
