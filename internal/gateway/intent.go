package gateway

import "encoding/json"

// authorScoped extracts the fields needed to decide whether a message-family event must be redacted for a given
// subscriber: its author and anyone it mentions. Mirrors channelScoped's payload-sniffing approach in hub.go — pull a
// narrow struct out of the raw JSON envelope rather than fully decoding the typed payload.
type authorScoped struct {
	AuthorID string   `json:"author_id"`
	Mentions []string `json:"mentions"`
}

// redactedFieldValues maps each content-bearing key in a message-family payload to the empty value it is overwritten
// with for a subscriber who is neither the author nor mentioned, per the MESSAGE_CONTENT privileged intent. The keys
// stay present — only the value is blanked — so a client need not special-case a missing field.
var redactedFieldValues = map[string]json.RawMessage{
	"content":     json.RawMessage(`""`),
	"embeds":      json.RawMessage(`[]`),
	"attachments": json.RawMessage(`[]`),
	"components":  json.RawMessage(`[]`),
}

// needsContentRedaction reports whether rawData (a message-family event payload) must have its content-bearing
// fields stripped before being sent to subscriberID, because the subscriber's session did not declare
// IntentMessageContent and is neither the author nor mentioned.
func needsContentRedaction(eventType DispatchEvent, rawData json.RawMessage, subscriberIntents Intent, subscriberID string) bool {
	switch eventType {
	case MessageCreate, MessageUpdate, MessageDelete:
	default:
		return false
	}
	if subscriberIntents.Has(IntentMessageContent) {
		return false
	}

	var scoped authorScoped
	_ = json.Unmarshal(rawData, &scoped)
	if scoped.AuthorID == subscriberID {
		return false
	}
	for _, m := range scoped.Mentions {
		if m == subscriberID {
			return false
		}
	}
	return true
}

// redactContent returns a copy of rawData with its content-bearing fields overwritten with their empty form, rather
// than removed, so the payload shape is identical whether or not it was redacted.
func redactContent(rawData json.RawMessage) json.RawMessage {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(rawData, &generic); err != nil {
		return rawData
	}
	for field, empty := range redactedFieldValues {
		if _, present := generic[field]; present {
			generic[field] = empty
		}
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return rawData
	}
	return out
}
