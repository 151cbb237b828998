package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pushagent/internal/agent"
	logx "pushagent/pkg/logx"
)

func newTestHub(t *testing.T, opts Options) (*Hub, string) {
	t.Helper()
	h := NewHub(opts, logx.Nop())
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(func() {
		h.CloseAll()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

type peer struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, url string, cp ConnectParams) (*peer, Frame) {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	p := &peer{t: t, ws: ws}
	p.send(ReqFrame("hello", MethodConnect, cp))
	return p, p.read()
}

func (p *peer) send(f Frame) {
	p.t.Helper()
	if err := p.ws.WriteJSON(f); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

func (p *peer) read() Frame {
	p.t.Helper()
	_ = p.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	f, err := ReadFrame(p.ws)
	if err != nil {
		p.t.Fatalf("read: %v", err)
	}
	return f
}

// readEvent skips frames until the named event arrives.
func (p *peer) readEvent(name string) Frame {
	p.t.Helper()
	for i := 0; i < 10; i++ {
		f := p.read()
		if f.Type == "event" && f.Event == name {
			return f
		}
	}
	p.t.Fatalf("event %s not received", name)
	return Frame{}
}

func okFrame(f Frame) bool { return f.OK != nil && *f.OK }

func TestHandshake(t *testing.T) {
	t.Parallel()
	_, url := newTestHub(t, Options{Token: "s3cret"})

	tests := []struct {
		name string
		cp   ConnectParams
		code string
	}{
		{name: "bad token", cp: ConnectParams{Role: RoleWindow, Token: "nope"}, code: CodeAuthFailed},
		{name: "bad role", cp: ConnectParams{Role: "robot", Token: "s3cret"}, code: CodeInvalidParams},
		{name: "ok", cp: ConnectParams{Role: RoleWindow, Token: "s3cret", URL: "/"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, res := dial(t, url, tt.cp)
			if tt.code == "" {
				if !okFrame(res) {
					t.Fatalf("handshake failed: %+v", res.Error)
				}
				var hello HelloPayload
				if err := json.Unmarshal(res.Payload, &hello); err != nil || hello.ConnID == "" || hello.Protocol != protocolVersion {
					t.Fatalf("hello = %+v (%v)", hello, err)
				}
				return
			}
			if okFrame(res) || res.Error == nil || res.Error.Code != tt.code {
				t.Fatalf("res = %+v, want code %s", res, tt.code)
			}
		})
	}

	t.Run("connect required", func(t *testing.T) {
		ws, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer ws.Close()
		p := &peer{t: t, ws: ws}
		p.send(ReqFrame("1", MethodNavigate, NavigateParams{URL: "/"}))
		if res := p.read(); res.Error == nil || res.Error.Code != CodeHandshakeRequired {
			t.Fatalf("res = %+v", res)
		}
	})
}

func TestShowHeldUntilHostConnects(t *testing.T) {
	t.Parallel()
	h, url := newTestHub(t, Options{})
	if err := h.Show(context.Background(), agent.Notification{ID: "held"}); err != nil {
		t.Fatalf("Show with nothing connected: %v", err)
	}
	if st := h.Stats(); st.Visible != 1 {
		t.Fatalf("stats = %+v", st)
	}

	w, _ := dial(t, url, ConnectParams{Role: RoleWindow, URL: "/"})
	var n agent.Notification
	if err := json.Unmarshal(w.readEvent(EventNotificationShow).Payload, &n); err != nil || n.ID != "held" {
		t.Fatalf("replayed = %+v (%v)", n, err)
	}
}

func TestShowPrefersShell(t *testing.T) {
	t.Parallel()
	h, url := newTestHub(t, Options{})
	w, _ := dial(t, url, ConnectParams{Role: RoleWindow, URL: "/"})
	shell, _ := dial(t, url, ConnectParams{Role: RoleShell})

	if err := h.Show(context.Background(), agent.Notification{ID: "s1"}); err != nil {
		t.Fatalf("Show: %v", err)
	}
	var n agent.Notification
	if err := json.Unmarshal(shell.readEvent(EventNotificationShow).Payload, &n); err != nil || n.ID != "s1" {
		t.Fatalf("shell shown = %+v (%v)", n, err)
	}

	// One system notification: windows do not get a copy.
	_ = w.ws.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if f, err := ReadFrame(w.ws); err == nil {
		t.Fatalf("window received %+v", f)
	}
}

func TestShellOnlyPushClickOpensWindow(t *testing.T) {
	t.Parallel()
	h, url := newTestHub(t, Options{RequestTimeout: 2 * time.Second})
	a := agent.New(agent.Deps{Surface: h, Clients: h, Registration: h}, agent.Defaults{})
	h.SetSink(func(_ context.Context, e agent.Event) error {
		go a.OnUserClick(context.Background(), e.Notification, e.Action)
		return nil
	})
	ctx := context.Background()
	shell, _ := dial(t, url, ConnectParams{Role: RoleShell})

	a.OnBackgroundDelivery(ctx, agent.InboundPayload{Data: map[string]string{agent.DataClickAction: "/orders"}})
	var n agent.Notification
	if err := json.Unmarshal(shell.readEvent(EventNotificationShow).Payload, &n); err != nil || n.Target() != "/orders" {
		t.Fatalf("shell shown = %+v (%v)", n, err)
	}

	shell.send(ReqFrame("k1", MethodNotificationClick, ClickParams{Notification: n, Action: "open"}))
	var opened bool
	for i := 0; i < 5 && !opened; i++ {
		f := shell.read()
		if f.Type != "req" || f.Method != MethodWindowOpen {
			continue
		}
		var op OpenParams
		if err := json.Unmarshal(f.Params, &op); err != nil || op.URL != "/orders" {
			t.Fatalf("open request = %+v (%v)", op, err)
		}
		shell.send(ResOK(f.ID, struct{}{}))
		opened = true
	}
	if !opened {
		t.Fatal("click with no window open did not ask the shell to open one")
	}
}

func TestWindowDismissForgetsNotification(t *testing.T) {
	t.Parallel()
	h, url := newTestHub(t, Options{})
	var mu sync.Mutex
	var got []agent.Event
	h.SetSink(func(_ context.Context, e agent.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	})
	first, _ := dial(t, url, ConnectParams{Role: RoleWindow, URL: "/"})
	second, _ := dial(t, url, ConnectParams{Role: RoleWindow, URL: "/"})

	n := agent.Notification{ID: "d1", Title: "T"}
	if err := h.Show(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	first.readEvent(EventNotificationShow)
	second.readEvent(EventNotificationShow)

	first.send(ReqFrame("x1", MethodNotificationClose, CloseParams{Notification: n}))
	if res := first.read(); !okFrame(res) || res.ID != "x1" {
		t.Fatalf("close res = %+v", res)
	}
	var ce CloseEvent
	if err := json.Unmarshal(second.readEvent(EventNotificationClose).Payload, &ce); err != nil || ce.ID != "d1" {
		t.Fatalf("close event = %+v (%v)", ce, err)
	}
	if st := h.Stats(); st.Visible != 0 {
		t.Fatalf("visible after dismiss = %d", st.Visible)
	}

	// A window connecting afterwards must not see it again.
	late, _ := dial(t, url, ConnectParams{Role: RoleWindow, URL: "/"})
	_ = late.ws.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if f, err := ReadFrame(late.ws); err == nil {
		t.Fatalf("late window received %+v", f)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Kind != agent.KindClose || got[0].Notification.ID != "d1" {
		t.Fatalf("sink events = %+v", got)
	}
}

func TestVisibleIsBounded(t *testing.T) {
	t.Parallel()
	h := NewHub(Options{}, logx.Nop())
	for i := 0; i < maxVisible+5; i++ {
		_ = h.Show(context.Background(), agent.Notification{ID: "n" + strconv.Itoa(i)})
	}
	vis := h.Visible()
	if len(vis) != maxVisible || vis[0].ID != "n5" {
		t.Fatalf("visible = %d, first %q", len(vis), vis[0].ID)
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	t.Parallel()
	_, url := newTestHub(t, Options{})
	w, _ := dial(t, url, ConnectParams{Role: RoleWindow, URL: "/"})

	if err := w.ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if res := w.read(); okFrame(res) || res.Error == nil || res.Error.Code != CodeInvalidParams {
		t.Fatalf("malformed res = %+v", res)
	}
	w.send(ReqFrame("nav", MethodNavigate, NavigateParams{URL: "/after"}))
	if res := w.read(); !okFrame(res) || res.ID != "nav" {
		t.Fatalf("navigate after malformed frame = %+v", res)
	}
}

func TestWindowLifecycle(t *testing.T) {
	t.Parallel()
	h, url := newTestHub(t, Options{})
	ctx := context.Background()

	w, res := dial(t, url, ConnectParams{Role: RoleWindow, URL: "https://app.example/orders/1"})
	if !okFrame(res) {
		t.Fatalf("handshake: %+v", res)
	}

	n := agent.Notification{ID: "n1", Title: "T", Options: agent.Options{Body: "B", Data: agent.Data{URL: "/orders"}}}
	if err := h.Show(ctx, n); err != nil {
		t.Fatalf("Show: %v", err)
	}
	var shown agent.Notification
	if err := json.Unmarshal(w.readEvent(EventNotificationShow).Payload, &shown); err != nil || shown.ID != "n1" || shown.Title != "T" {
		t.Fatalf("shown = %+v (%v)", shown, err)
	}

	// Connected before claim: uncontrolled.
	if got, _ := h.MatchAll(ctx, agent.MatchOptions{Type: agent.ClientTypeWindow}); len(got) != 0 {
		t.Fatalf("controlled windows before claim = %d", len(got))
	}
	got, _ := h.MatchAll(ctx, agent.MatchOptions{Type: agent.ClientTypeWindow, IncludeUncontrolled: true})
	if len(got) != 1 || got[0].URL() != "https://app.example/orders/1" {
		t.Fatalf("MatchAll = %v", got)
	}

	if err := h.Claim(ctx); err != nil {
		t.Fatal(err)
	}
	w.readEvent(EventClaim)
	if got, _ := h.MatchAll(ctx, agent.MatchOptions{}); len(got) != 1 {
		t.Fatalf("controlled windows after claim = %d", len(got))
	}

	w.send(ReqFrame("nav", MethodNavigate, NavigateParams{URL: "https://app.example/orders/2"}))
	if res := w.read(); !okFrame(res) || res.ID != "nav" {
		t.Fatalf("navigate res = %+v", res)
	}
	if u := got[0].URL(); u != "https://app.example/orders/2" {
		t.Fatalf("URL after navigate = %q", u)
	}

	// Focus round trip: the window answers the request.
	errCh := make(chan error, 1)
	go func() { errCh <- got[0].(agent.Focuser).Focus(ctx) }()
	req := w.read()
	if req.Type != "req" || req.Method != MethodWindowFocus {
		t.Fatalf("expected focus request, got %+v", req)
	}
	w.send(ResOK(req.ID, struct{}{}))
	if err := <-errCh; err != nil {
		t.Fatalf("Focus: %v", err)
	}

	if err := h.Close(ctx, n); err != nil {
		t.Fatal(err)
	}
	var ce CloseEvent
	if err := json.Unmarshal(w.readEvent(EventNotificationClose).Payload, &ce); err != nil || ce.ID != "n1" {
		t.Fatalf("close event = %+v (%v)", ce, err)
	}
	if st := h.Stats(); st.Visible != 0 || st.Windows != 1 || st.Controlled != 1 || !st.Claimed {
		t.Fatalf("stats = %+v", st)
	}
}

func TestLateWindowGetsVisibleAndControl(t *testing.T) {
	t.Parallel()
	h, url := newTestHub(t, Options{})
	ctx := context.Background()
	first, _ := dial(t, url, ConnectParams{Role: RoleWindow, URL: "/a"})
	_ = h.Claim(ctx)
	first.readEvent(EventClaim)
	_ = h.Show(ctx, agent.Notification{ID: "v1"})

	_, res := dial(t, url, ConnectParams{Role: RoleWindow, URL: "/b"})
	var hello HelloPayload
	_ = json.Unmarshal(res.Payload, &hello)
	if !hello.Controlled {
		t.Fatal("window connected after claim should be controlled")
	}
	got, _ := h.MatchAll(ctx, agent.MatchOptions{})
	if len(got) != 2 || got[0].URL() != "/a" || got[1].URL() != "/b" {
		t.Fatalf("enumeration order = %v", got)
	}
}

func TestReplayOnConnect(t *testing.T) {
	t.Parallel()
	h, url := newTestHub(t, Options{})
	dial(t, url, ConnectParams{Role: RoleWindow, URL: "/"})
	_ = h.Show(context.Background(), agent.Notification{ID: "r1"})

	late, _ := dial(t, url, ConnectParams{Role: RoleWindow, URL: "/"})
	var n agent.Notification
	_ = json.Unmarshal(late.readEvent(EventNotificationShow).Payload, &n)
	if n.ID != "r1" {
		t.Fatalf("replayed = %+v", n)
	}
}

func TestOpenWindowViaShell(t *testing.T) {
	t.Parallel()
	h, url := newTestHub(t, Options{RequestTimeout: 2 * time.Second})
	ctx := context.Background()
	if err := h.OpenWindow(ctx, "/x"); !errors.Is(err, ErrNoShell) {
		t.Fatalf("OpenWindow err = %v, want ErrNoShell", err)
	}

	shell, _ := dial(t, url, ConnectParams{Role: RoleShell})
	for i, answer := range []Frame{ResOK("", nil), ResErr("", "DENIED", "popup blocked")} {
		errCh := make(chan error, 1)
		go func() { errCh <- h.OpenWindow(ctx, "/orders") }()
		req := shell.read()
		var op OpenParams
		_ = json.Unmarshal(req.Params, &op)
		if req.Method != MethodWindowOpen || op.URL != "/orders" {
			t.Fatalf("request = %+v", req)
		}
		answer.ID = req.ID
		shell.send(answer)
		err := <-errCh
		var re *RequestError
		switch i {
		case 0:
			if err != nil {
				t.Fatalf("OpenWindow: %v", err)
			}
		case 1:
			if !errors.As(err, &re) || re.Code != "DENIED" {
				t.Fatalf("OpenWindow err = %v, want RequestError DENIED", err)
			}
		}
	}
}

func TestInteractionsReachSink(t *testing.T) {
	t.Parallel()
	h, url := newTestHub(t, Options{})
	w, _ := dial(t, url, ConnectParams{Role: RoleWindow, URL: "/"})

	n := agent.Notification{ID: "n9", Options: agent.Options{Data: agent.Data{URL: "/orders"}}}
	w.send(ReqFrame("c0", MethodNotificationClick, ClickParams{Notification: n}))
	if res := w.read(); okFrame(res) || res.Error == nil || res.Error.Code != CodeUnavailable {
		t.Fatalf("click without sink res = %+v", res)
	}

	var mu sync.Mutex
	var got []agent.Event
	h.SetSink(func(_ context.Context, e agent.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	})

	w.send(ReqFrame("c1", MethodNotificationClick, ClickParams{Notification: n, Action: "open"}))
	if res := w.read(); !okFrame(res) {
		t.Fatalf("click res = %+v", res)
	}
	w.send(ReqFrame("c2", MethodNotificationClose, CloseParams{Notification: n}))
	if res := w.read(); !okFrame(res) {
		t.Fatalf("close res = %+v", res)
	}
	w.send(ReqFrame("c3", "window.explode", nil))
	if res := w.read(); res.Error == nil || res.Error.Code != CodeUnknownMethod {
		t.Fatalf("unknown res = %+v", res)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0].Kind != agent.KindClick || got[0].Action != "open" || got[0].Notification.ID != "n9" || got[1].Kind != agent.KindClose {
		t.Fatalf("sink events = %+v", got)
	}
}

func TestAgentClickFocusesBridgeWindow(t *testing.T) {
	t.Parallel()
	h, url := newTestHub(t, Options{})
	a := agent.New(agent.Deps{Surface: h, Clients: h, Registration: h}, agent.Defaults{})
	ctx := context.Background()

	w, _ := dial(t, url, ConnectParams{Role: RoleWindow, URL: "https://app.example/orders/123"})
	shell, _ := dial(t, url, ConnectParams{Role: RoleShell})

	n := agent.Notification{ID: "n1", Options: agent.Options{Data: agent.Data{URL: "/orders"}}}
	done := make(chan agent.ClickOutcome, 1)
	go func() { done <- a.OnUserClick(ctx, n, "open") }()

	w.readEvent(EventNotificationClose)
	req := w.read()
	if req.Method != MethodWindowFocus {
		t.Fatalf("expected focus request, got %+v", req)
	}
	w.send(ResOK(req.ID, nil))

	out := <-done
	if out.Route != agent.RouteFocused || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}

	// Nothing was opened.
	for {
		_ = shell.ws.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		f, err := ReadFrame(shell.ws)
		if err != nil {
			break
		}
		if f.Type == "req" {
			t.Fatalf("shell should not receive a request, got %+v", f)
		}
	}
}
