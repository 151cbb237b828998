package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedPayload is returned when a push body is not a JSON object.
var ErrMalformedPayload = errors.New("malformed push payload")

// DataClickAction is the payload data key holding the target locator.
const DataClickAction = "click_action"

// InboundPayload is one push message as delivered by the messaging backend.
// Every field is optional; rendering fills the gaps.
type InboundPayload struct {
	Notification PayloadNotification `json:"notification"`
	Data         map[string]string   `json:"data,omitempty"`

	From        string `json:"from,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	CollapseKey string `json:"collapse_key,omitempty"`
}

type PayloadNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

// ClickAction returns data.click_action ("" when absent).
func (p InboundPayload) ClickAction() string { return p.Data[DataClickAction] }

// ParsePayload decodes a push body leniently. Only a body that is not a JSON
// object is an error. Fields of the wrong type count as absent, and
// non-string data values are kept as their compact JSON text.
func ParsePayload(b []byte) (InboundPayload, error) {
	var p InboundPayload
	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if top == nil {
		return p, fmt.Errorf("%w: not an object", ErrMalformedPayload)
	}

	if raw, ok := top["notification"]; ok {
		var n map[string]json.RawMessage
		if json.Unmarshal(raw, &n) == nil {
			p.Notification.Title = rawString(n["title"])
			p.Notification.Body = rawString(n["body"])
		}
	}
	if raw, ok := top["data"]; ok {
		var d map[string]json.RawMessage
		if json.Unmarshal(raw, &d) == nil && len(d) > 0 {
			p.Data = make(map[string]string, len(d))
			for k, v := range d {
				p.Data[k] = rawText(v)
			}
		}
	}
	p.From = rawString(top["from"])
	p.CollapseKey = rawString(top["collapse_key"])
	p.MessageID = rawString(top["message_id"])
	if p.MessageID == "" {
		p.MessageID = rawString(top["fcmMessageId"])
	}
	return p, nil
}

// rawString returns the value when raw is a JSON string, "" otherwise.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func rawText(raw json.RawMessage) string {
	if s := rawString(raw); s != "" || bytes.Equal(bytes.TrimSpace(raw), []byte(`""`)) {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	if buf.String() == "null" {
		return ""
	}
	return buf.String()
}
