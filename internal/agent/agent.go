package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"pushagent/internal/eventbus"
	logx "pushagent/pkg/logx"
)

// Bus event types published by the agent. The journal persists every
// event with the "agent." prefix.
const (
	EventInstalled     = "agent.installed"
	EventActivated     = "agent.activated"
	EventReceived      = "agent.received"
	EventDisplayed     = "agent.displayed"
	EventDisplayFailed = "agent.display_failed"
	EventClicked       = "agent.clicked"
	EventDismissed     = "agent.dismissed"
)

// Activity is the bus payload for agent events.
type Activity struct {
	NotificationID string `json:"notification_id,omitempty"`
	Title          string `json:"title,omitempty"`
	Target         string `json:"target,omitempty"`
	Action         string `json:"action,omitempty"`
	Outcome        string `json:"outcome,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Route is how a click was resolved.
type Route string

const (
	RouteFocused Route = "focused"
	RouteOpened  Route = "opened"
	RouteNone    Route = "none"
)

// ClickOutcome describes a handled click. Err holds a swallowed routing
// failure; it is never returned to the caller as an error.
type ClickOutcome struct {
	Route     Route
	Target    string
	WindowURL string
	Err       error
}

// Deps are the platform ports. Surface is required; Clients and
// Registration may be nil on platforms without them.
type Deps struct {
	Surface      Surface
	Clients      Clients
	Registration Registration
	Bus          eventbus.Bus
	Log          logx.Logger
}

// Agent implements the event handlers. It keeps no per-notification state.
type Agent struct {
	surface Surface
	clients Clients
	reg     Registration
	bus     eventbus.Bus
	log     logx.Logger

	mu       sync.RWMutex
	defaults Defaults
}

func New(d Deps, defaults Defaults) *Agent {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Agent{
		surface:  d.Surface,
		clients:  d.Clients,
		reg:      d.Registration,
		bus:      d.Bus,
		log:      log.With(logx.String("comp", "agent")),
		defaults: defaults.Merge(BuiltinDefaults()),
	}
}

// SetDefaults swaps the render defaults (config reload).
func (a *Agent) SetDefaults(d Defaults) {
	d = d.Merge(BuiltinDefaults())
	a.mu.Lock()
	a.defaults = d
	a.mu.Unlock()
}

func (a *Agent) Defaults() Defaults {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.defaults
}

// OnInstall activates the agent immediately instead of waiting for older
// instances to go away.
func (a *Agent) OnInstall(ctx context.Context) error {
	a.log.Info("agent installing")
	var err error
	if a.reg != nil {
		err = a.reg.SkipWaiting(ctx)
	}
	a.publish(EventInstalled, Activity{Error: errString(err)})
	return err
}

// OnActivate takes control of every open window, including ones opened
// before activation.
func (a *Agent) OnActivate(ctx context.Context) error {
	a.log.Info("agent activated")
	var err error
	if a.reg != nil {
		err = a.reg.Claim(ctx)
	}
	a.publish(EventActivated, Activity{Error: errString(err)})
	return err
}

// OnBackgroundDelivery renders p and shows it exactly once. A display failure
// is logged and published, never returned: the backend has nothing to retry.
func (a *Agent) OnBackgroundDelivery(ctx context.Context, p InboundPayload) Notification {
	n := Render(p, a.Defaults())
	a.log.Debug("push received",
		logx.String("id", n.ID),
		logx.String("message_id", p.MessageID),
		logx.String("from", p.From),
	)
	a.publish(EventReceived, activityOf(n))

	err := ErrNoSurface
	if a.surface != nil {
		err = a.surface.Show(ctx, n)
	}
	if err != nil {
		a.log.Warn("notification display failed", logx.String("id", n.ID), logx.Err(err))
		act := activityOf(n)
		act.Error = err.Error()
		a.publish(EventDisplayFailed, act)
		return n
	}
	a.log.Info("notification displayed", logx.String("id", n.ID), logx.String("title", n.Title), logx.String("target", n.Target()))
	a.publish(EventDisplayed, activityOf(n))
	return n
}

// OnUserClick closes n and routes the user to its target: the first open
// window whose locator contains the target and can focus is focused,
// otherwise a new window is opened. If windows cannot be enumerated nothing
// navigates.
func (a *Agent) OnUserClick(ctx context.Context, n Notification, action string) ClickOutcome {
	a.log.Debug("notification clicked", logx.String("id", n.ID), logx.String("action", action))
	if a.surface != nil {
		if err := a.surface.Close(ctx, n); err != nil {
			a.log.Debug("notification close failed", logx.String("id", n.ID), logx.Err(err))
		}
	}

	out := a.route(ctx, n.Target())

	act := activityOf(n)
	act.Action = action
	act.Outcome = string(out.Route)
	act.Error = errString(out.Err)
	a.publish(EventClicked, act)

	if out.Err != nil {
		a.log.Warn("click routing failed", logx.String("id", n.ID), logx.String("route", string(out.Route)), logx.Err(out.Err))
	} else {
		a.log.Info("click routed", logx.String("id", n.ID), logx.String("route", string(out.Route)), logx.String("window", out.WindowURL))
	}
	return out
}

func (a *Agent) route(ctx context.Context, target string) ClickOutcome {
	out := ClickOutcome{Route: RouteNone, Target: target}
	if a.clients == nil {
		return out
	}

	wins, err := a.clients.MatchAll(ctx, MatchOptions{Type: ClientTypeWindow, IncludeUncontrolled: true})
	if err != nil {
		out.Err = err
		return out
	}
	for _, w := range wins {
		if w == nil {
			continue
		}
		u := w.URL()
		if !strings.Contains(u, target) {
			continue
		}
		f, ok := w.(Focuser)
		if !ok {
			continue
		}
		out.Route = RouteFocused
		out.WindowURL = u
		out.Err = f.Focus(ctx)
		return out
	}

	if op, ok := a.clients.(WindowOpener); ok {
		out.Route = RouteOpened
		out.WindowURL = target
		out.Err = op.OpenWindow(ctx, target)
	}
	return out
}

// OnUserDismiss records that n was closed without interaction. It changes
// nothing, so repeated dismissals are harmless.
func (a *Agent) OnUserDismiss(_ context.Context, n Notification) {
	a.log.Info("notification closed without interaction", logx.String("id", n.ID))
	a.publish(EventDismissed, activityOf(n))
}

func (a *Agent) publish(typ string, act Activity) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: act})
}

func activityOf(n Notification) Activity {
	return Activity{NotificationID: n.ID, Title: n.Title, Target: n.Target()}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
