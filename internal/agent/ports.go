package agent

import (
	"context"
	"errors"
)

// ErrNoSurface is returned by surfaces that have nowhere to show a notification.
var ErrNoSurface = errors.New("no notification surface available")

// Surface displays and dismisses notifications.
type Surface interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, n Notification) error
}

// ClientTypeWindow selects top-level application windows.
const ClientTypeWindow = "window"

type MatchOptions struct {
	Type string
	// IncludeUncontrolled also returns windows opened before the agent
	// took control of them.
	IncludeUncontrolled bool
}

// Client is one open instance of the hosting application.
type Client interface {
	URL() string
}

// Focuser is implemented by clients that can be brought to the foreground.
type Focuser interface {
	Focus(ctx context.Context) error
}

// Clients enumerates open clients. Order is significant: callers pick the
// first match.
type Clients interface {
	MatchAll(ctx context.Context, opts MatchOptions) ([]Client, error)
}

// WindowOpener is implemented by Clients ports that can open a new window.
type WindowOpener interface {
	OpenWindow(ctx context.Context, locator string) error
}

// Registration is the agent's own lifecycle handle on the platform.
type Registration interface {
	// SkipWaiting activates a freshly installed agent immediately.
	SkipWaiting(ctx context.Context) error
	// Claim takes control of every open window.
	Claim(ctx context.Context) error
}
