package agent

import (
	"time"

	"github.com/google/uuid"
)

// RootLocator is the fallback navigation target.
const RootLocator = "/"

// Notification is a rendered, displayable notification. It is what surfaces
// show and what they hand back with click/close interactions.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Options   Options   `json:"options"`
	CreatedAt time.Time `json:"created_at"`
}

type Options struct {
	Body    string   `json:"body"`
	Icon    string   `json:"icon,omitempty"`
	Badge   string   `json:"badge,omitempty"`
	Tag     string   `json:"tag,omitempty"`
	Data    Data     `json:"data"`
	Vibrate []int    `json:"vibrate,omitempty"`
	Actions []Action `json:"actions,omitempty"`
}

// Data travels with the notification. URL is the click target.
type Data struct {
	URL       string            `json:"url"`
	Extra     map[string]string `json:"extra,omitempty"`
	From      string            `json:"from,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
}

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Target returns the locator a click should navigate to.
func (n Notification) Target() string {
	if n.Options.Data.URL == "" {
		return RootLocator
	}
	return n.Options.Data.URL
}

// Defaults are the fallback values applied while rendering.
type Defaults struct {
	ProductName string
	Body        string
	Target      string
	Icon        string
	Badge       string
	Vibrate     []int
	Actions     []Action
}

// BuiltinDefaults returns the stock render defaults.
func BuiltinDefaults() Defaults {
	return Defaults{
		ProductName: "AGROGEO BRASIL",
		Body:        "Nova notificação",
		Target:      RootLocator,
		Icon:        "/favicon.png",
		Badge:       "/badge-icon.png",
		Vibrate:     []int{100, 50, 100},
		Actions:     []Action{{Action: "open", Title: "Abrir"}},
	}
}

// Merge returns d with every zero field taken from base.
func (d Defaults) Merge(base Defaults) Defaults {
	if d.ProductName == "" {
		d.ProductName = base.ProductName
	}
	if d.Body == "" {
		d.Body = base.Body
	}
	if d.Target == "" {
		d.Target = base.Target
	}
	if d.Icon == "" {
		d.Icon = base.Icon
	}
	if d.Badge == "" {
		d.Badge = base.Badge
	}
	if len(d.Vibrate) == 0 {
		d.Vibrate = base.Vibrate
	}
	if len(d.Actions) == 0 {
		d.Actions = base.Actions
	}
	return d
}

// Render builds the notification for p. A payload value counts as absent
// when it is missing or the empty string; no trimming is applied.
func Render(p InboundPayload, d Defaults) Notification {
	d = d.Merge(BuiltinDefaults())

	n := Notification{
		ID:        uuid.NewString(),
		Title:     firstNonEmpty(p.Notification.Title, d.ProductName),
		CreatedAt: time.Now(),
		Options: Options{
			Body:    firstNonEmpty(p.Notification.Body, d.Body),
			Icon:    d.Icon,
			Badge:   d.Badge,
			Tag:     p.CollapseKey,
			Vibrate: append([]int(nil), d.Vibrate...),
			Actions: append([]Action(nil), d.Actions...),
			Data: Data{
				URL:       firstNonEmpty(p.ClickAction(), d.Target),
				From:      p.From,
				MessageID: p.MessageID,
			},
		},
	}
	for k, v := range p.Data {
		if k == DataClickAction {
			continue
		}
		if n.Options.Data.Extra == nil {
			n.Options.Data.Extra = make(map[string]string, len(p.Data))
		}
		n.Options.Data.Extra[k] = v
	}
	return n
}

func firstNonEmpty(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
