package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pushagent/internal/agent"
	logx "pushagent/pkg/logx"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// maxVisible bounds the notifications kept for replay, oldest dropped first.
const maxVisible = 100

// Sink receives user interactions reported by windows.
type Sink func(ctx context.Context, e agent.Event) error

// Options tune a Hub. Zero values use defaults.
type Options struct {
	Token          string
	RequestTimeout time.Duration // focus/open round trip; default 5s
	WriteTimeout   time.Duration // default 10s
}

// Stats is a point-in-time view of the hub, used by /health.
type Stats struct {
	Windows    int  `json:"windows"`
	Controlled int  `json:"controlled"`
	Shells     int  `json:"shells"`
	Visible    int  `json:"visible"`
	Claimed    bool `json:"claimed"`
}

// Hub is the host bridge. It is the default notification surface, the
// client window port and the agent registration.
type Hub struct {
	log logx.Logger

	optMu sync.RWMutex
	opts  Options

	mu      sync.RWMutex
	conns   []*Conn // connection order
	claimed bool
	visible map[string]agent.Notification
	order   []string // visible IDs, oldest first
	sink    Sink

	seq atomic.Uint64
}

var (
	_ agent.Surface      = (*Hub)(nil)
	_ agent.Clients      = (*Hub)(nil)
	_ agent.WindowOpener = (*Hub)(nil)
	_ agent.Registration = (*Hub)(nil)
	_ agent.Focuser      = (*Conn)(nil)
)

func NewHub(opts Options, log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Hub{
		log:     log.With(logx.String("comp", "bridge")),
		visible: map[string]agent.Notification{},
	}
	h.SetOptions(opts)
	return h
}

func (h *Hub) SetOptions(opts Options) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	h.optMu.Lock()
	h.opts = opts
	h.optMu.Unlock()
}

func (h *Hub) options() Options {
	h.optMu.RLock()
	defer h.optMu.RUnlock()
	return h.opts
}

// SetSink installs the interaction consumer (normally the dispatcher).
func (h *Hub) SetSink(s Sink) {
	h.mu.Lock()
	h.sink = s
	h.mu.Unlock()
}

// ---- agent.Surface ----

// Show records n as visible and hands it to the display target: the first
// shell when one is connected (it raises the system notification), otherwise
// every window. With nothing connected n is held and replayed to the first
// target that connects.
func (h *Hub) Show(_ context.Context, n agent.Notification) error {
	h.mu.Lock()
	if _, ok := h.visible[n.ID]; !ok {
		h.order = append(h.order, n.ID)
	}
	h.visible[n.ID] = n
	for len(h.order) > maxVisible {
		delete(h.visible, h.order[0])
		h.order = h.order[1:]
	}
	targets := h.displayTargetsLocked()
	h.mu.Unlock()

	if len(targets) == 0 {
		h.log.Info("no host connected, notification held", logx.String("id", n.ID))
		return nil
	}
	frame := EventFrame(EventNotificationShow, h.seq.Add(1), n)
	var lastErr error
	delivered := 0
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			lastErr = err
			h.log.Debug("show delivery failed", logx.String("conn", c.ID), logx.Err(err))
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return lastErr
	}
	return nil
}

// Close forgets n and tells every connection to take it down.
func (h *Hub) Close(_ context.Context, n agent.Notification) error {
	h.forget(n.ID)
	h.broadcastClose(n.ID, nil)
	return nil
}

// forget drops id from the visible set and reports whether it was there.
func (h *Hub) forget(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.visible[id]; !ok {
		return false
	}
	delete(h.visible, id)
	for i, x := range h.order {
		if x == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	return true
}

func (h *Hub) broadcastClose(id string, except *Conn) {
	h.mu.RLock()
	conns := append([]*Conn(nil), h.conns...)
	h.mu.RUnlock()
	frame := EventFrame(EventNotificationClose, h.seq.Add(1), CloseEvent{ID: id})
	for _, c := range conns {
		if c != except {
			_ = c.Send(frame)
		}
	}
}

// displayTargetsLocked returns the connections that render notifications.
func (h *Hub) displayTargetsLocked() []*Conn {
	for _, c := range h.conns {
		if c.Role == RoleShell {
			return []*Conn{c}
		}
	}
	return h.windowsLocked(true)
}

func (h *Hub) isDisplayTarget(c *Conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, t := range h.displayTargetsLocked() {
		if t == c {
			return true
		}
	}
	return false
}

// Visible returns displayed notifications, oldest first.
func (h *Hub) Visible() []agent.Notification {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]agent.Notification, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.visible[id])
	}
	return out
}

// ---- agent.Clients / agent.WindowOpener ----

// MatchAll returns windows in connection order.
func (h *Hub) MatchAll(ctx context.Context, opts agent.MatchOptions) ([]agent.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Type != "" && opts.Type != agent.ClientTypeWindow {
		return nil, nil
	}
	h.mu.RLock()
	wins := h.windowsLocked(opts.IncludeUncontrolled)
	h.mu.RUnlock()

	out := make([]agent.Client, 0, len(wins))
	for _, c := range wins {
		out = append(out, c)
	}
	return out, nil
}

// OpenWindow asks the first connected shell to open locator.
func (h *Hub) OpenWindow(ctx context.Context, locator string) error {
	h.mu.RLock()
	var shell *Conn
	for _, c := range h.conns {
		if c.Role == RoleShell {
			shell = c
			break
		}
	}
	h.mu.RUnlock()
	if shell == nil {
		return ErrNoShell
	}

	rctx, cancel := context.WithTimeout(ctx, h.options().RequestTimeout)
	defer cancel()
	_, err := shell.Request(rctx, MethodWindowOpen, OpenParams{URL: locator})
	return err
}

// ---- agent.Registration ----

// SkipWaiting is immediate on the bridge: there is never an older agent
// instance holding windows.
func (h *Hub) SkipWaiting(ctx context.Context) error {
	return ctx.Err()
}

// Claim takes control of every connected window. Windows connecting later
// start controlled.
func (h *Hub) Claim(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	h.claimed = true
	wins := h.windowsLocked(true)
	h.mu.Unlock()

	frame := EventFrame(EventClaim, h.seq.Add(1), struct{}{})
	for _, c := range wins {
		c.setControlled(true)
		_ = c.Send(frame)
	}
	h.log.Info("windows claimed", logx.Int("count", len(wins)))
	return nil
}

func (h *Hub) windowsLocked(includeUncontrolled bool) []*Conn {
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		if c.Role != RoleWindow {
			continue
		}
		if !includeUncontrolled && !c.Controlled() {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := Stats{Visible: len(h.visible), Claimed: h.claimed}
	for _, c := range h.conns {
		switch c.Role {
		case RoleWindow:
			st.Windows++
			if c.Controlled() {
				st.Controlled++
			}
		case RoleShell:
			st.Shells++
		}
	}
	return st
}

// CloseAll drops every connection. Used on shutdown: http.Server.Shutdown
// does not track hijacked connections.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := append([]*Conn(nil), h.conns...)
	h.mu.RUnlock()
	for _, c := range conns {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "agent stopping"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	}
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	if c.Role == RoleWindow && h.claimed {
		c.setControlled(true)
	}
	h.conns = append(h.conns, c)
	h.mu.Unlock()
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	for i, x := range h.conns {
		if x == c {
			h.conns = append(h.conns[:i], h.conns[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
	c.shutdown()
}

// ServeWS upgrades the request and runs the connection until it drops.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logx.Err(err))
		return
	}
	defer ws.Close()
	ws.SetReadLimit(1 << 20)

	opts := h.options()
	conn := newConn(uuid.NewString(), ws, opts)

	// First message must be a connect request.
	frame, err := ReadFrame(ws)
	if errors.Is(err, ErrMalformedFrame) {
		_ = conn.Send(ResErr("", CodeInvalidParams, err.Error()))
		return
	}
	if err != nil {
		h.log.Debug("failed to read connect frame", logx.Err(err))
		return
	}
	if frame.Type != "req" || frame.Method != MethodConnect {
		_ = conn.Send(ResErr(frame.ID, CodeHandshakeRequired, "first message must be a connect request"))
		return
	}
	var cp ConnectParams
	if err := json.Unmarshal(frame.Params, &cp); err != nil || (cp.Role != RoleWindow && cp.Role != RoleShell) {
		_ = conn.Send(ResErr(frame.ID, CodeInvalidParams, "invalid connect params"))
		return
	}
	if opts.Token != "" && cp.Token != opts.Token {
		_ = conn.Send(ResErr(frame.ID, CodeAuthFailed, "invalid token"))
		return
	}

	conn.Role = cp.Role
	conn.setURL(cp.URL)
	h.add(conn)
	defer h.remove(conn)

	h.log.Info("connection established", logx.String("id", conn.ID), logx.String("role", conn.Role), logx.String("url", cp.URL))
	_ = conn.Send(ResOK(frame.ID, HelloPayload{ConnID: conn.ID, Protocol: protocolVersion, Controlled: conn.Controlled()}))

	// Replay what is on screen, or held, when this connection renders.
	if h.isDisplayTarget(conn) {
		for _, n := range h.Visible() {
			_ = conn.Send(EventFrame(EventNotificationShow, h.seq.Add(1), n))
		}
	}

	for {
		frame, err := ReadFrame(ws)
		if errors.Is(err, ErrMalformedFrame) {
			_ = conn.Send(ResErr("", CodeInvalidParams, err.Error()))
			continue
		}
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				h.log.Debug("connection read failed", logx.String("id", conn.ID), logx.Err(err))
			}
			h.log.Info("connection closed", logx.String("id", conn.ID))
			return
		}
		switch frame.Type {
		case "res":
			conn.resolve(frame)
		case "req":
			_ = conn.Send(h.handleRequest(r.Context(), conn, frame))
		}
	}
}

func (h *Hub) handleRequest(ctx context.Context, c *Conn, f Frame) Frame {
	switch f.Method {
	case MethodNavigate:
		var p NavigateParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return ResErr(f.ID, CodeInvalidParams, err.Error())
		}
		c.setURL(p.URL)
		return ResOK(f.ID, struct{}{})

	case MethodNotificationClick:
		var p ClickParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return ResErr(f.ID, CodeInvalidParams, err.Error())
		}
		return h.submit(ctx, f.ID, agent.Event{Kind: agent.KindClick, Notification: p.Notification, Action: p.Action})

	case MethodNotificationClose:
		var p CloseParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return ResErr(f.ID, CodeInvalidParams, err.Error())
		}
		// Dismissed on the host: take it down everywhere else, then report.
		if h.forget(p.Notification.ID) {
			h.broadcastClose(p.Notification.ID, c)
		}
		return h.submit(ctx, f.ID, agent.Event{Kind: agent.KindClose, Notification: p.Notification})

	default:
		return ResErr(f.ID, CodeUnknownMethod, "unknown method "+f.Method)
	}
}

func (h *Hub) submit(ctx context.Context, id string, e agent.Event) Frame {
	h.mu.RLock()
	sink := h.sink
	h.mu.RUnlock()
	if sink == nil {
		return ResErr(id, CodeUnavailable, "agent not ready")
	}
	if err := sink(ctx, e); err != nil {
		return ResErr(id, CodeUnavailable, err.Error())
	}
	return ResOK(id, map[string]string{"status": "queued"})
}
