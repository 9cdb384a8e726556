package gateway

import (
	"encoding/json"
	"testing"
)

func TestNeedsContentRedactionNonMessageEventNeverRedacted(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"author_id":"u1"}`)
	if needsContentRedaction(ChannelCreate, raw, 0, "u2") {
		t.Error("needsContentRedaction() = true for a non-message event, want false")
	}
}

func TestNeedsContentRedactionWithIntentNeverRedacted(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"author_id":"u1"}`)
	if needsContentRedaction(MessageCreate, raw, IntentMessageContent, "u2") {
		t.Error("needsContentRedaction() = true for subscriber holding IntentMessageContent, want false")
	}
}

func TestNeedsContentRedactionAuthorNeverRedacted(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"author_id":"u1"}`)
	if needsContentRedaction(MessageCreate, raw, 0, "u1") {
		t.Error("needsContentRedaction() = true for the message's own author, want false")
	}
}

func TestNeedsContentRedactionMentionedUserNeverRedacted(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"author_id":"u1","mentions":["u2","u3"]}`)
	if needsContentRedaction(MessageCreate, raw, 0, "u3") {
		t.Error("needsContentRedaction() = true for a mentioned subscriber, want false")
	}
}

func TestNeedsContentRedactionUnrelatedSubscriberRedacted(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"author_id":"u1","mentions":["u2"]}`)
	if !needsContentRedaction(MessageCreate, raw, 0, "u9") {
		t.Error("needsContentRedaction() = false for an unrelated subscriber without the intent, want true")
	}
}

func TestRedactContentStripsContentBearingFields(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"id":"m1","author_id":"u1","content":"hello","embeds":[1],"attachments":[2],"components":[3]}`)
	out := redactContent(raw)

	var got map[string]json.RawMessage
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal redacted payload: %v", err)
	}

	for field, want := range redactedFieldValues {
		value, ok := got[field]
		if !ok {
			t.Errorf("redacted payload dropped field %q, want empty value %s", field, want)
			continue
		}
		if string(value) != string(want) {
			t.Errorf("redacted payload field %q = %s, want empty value %s", field, value, want)
		}
	}
	if _, ok := got["id"]; !ok {
		t.Error("redacted payload dropped unrelated field \"id\"")
	}
	if _, ok := got["author_id"]; !ok {
		t.Error("redacted payload dropped unrelated field \"author_id\"")
	}
}

func TestRedactContentInvalidJSONReturnsInput(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`not json`)
	if out := redactContent(raw); string(out) != string(raw) {
		t.Errorf("redactContent() = %q, want original input unchanged", out)
	}
}
