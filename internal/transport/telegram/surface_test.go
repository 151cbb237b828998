package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"pushagent/internal/agent"
	logx "pushagent/pkg/logx"
)

func TestCallbackDataRoundTrip(t *testing.T) {
	t.Parallel()
	id := "0f8fad5b-d9cb-469f-a165-70867728950e"
	tests := []struct {
		name   string
		op     string
		idx    int
		wantOp string
		want   int
	}{
		{name: "first action", op: opClick, idx: 0, wantOp: opClick, want: 0},
		{name: "no action", op: opClick, idx: -1, wantOp: opClick, want: -1},
		{name: "dismiss", op: opDismiss, idx: 3, wantOp: opDismiss, want: -1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data := callbackData(tt.op, id, tt.idx)
			if len(data) > 64 {
				t.Fatalf("callback data too long: %d", len(data))
			}
			op, gotID, idx, ok := parseCallback(data)
			if !ok || op != tt.wantOp || gotID != id || idx != tt.want {
				t.Fatalf("parseCallback(%q) = %q %q %d %v", data, op, gotID, idx, ok)
			}
		})
	}
}

func TestParseCallbackRejects(t *testing.T) {
	t.Parallel()
	for _, data := range []string{"", "x:1", "c:", "c:id", "c:id:x", "d:", "d:id:1", "\fmenu|x"} {
		if _, _, _, ok := parseCallback(data); ok {
			t.Fatalf("parseCallback(%q) accepted", data)
		}
	}
}

func TestRenderText(t *testing.T) {
	t.Parallel()
	n := agent.Notification{Title: "Pedido <1>", Options: agent.Options{Body: "a & b", Data: agent.Data{URL: "/orders"}}}
	got := renderText(n)
	want := "<b>Pedido &lt;1&gt;</b>\na &amp; b\n<i>/orders</i>"
	if got != want {
		t.Fatalf("renderText = %q, want %q", got, want)
	}

	root := renderText(agent.Notification{Title: "T", Options: agent.Options{Data: agent.Data{URL: "/"}}})
	if strings.Contains(root, "<i>") {
		t.Fatalf("root target should not be shown: %q", root)
	}

	long := renderText(agent.Notification{Title: "T", Options: agent.Options{
		Body: strings.Repeat("é", 2*textLimit),
		Data: agent.Data{URL: "/x"},
	}})
	if !strings.HasSuffix(long, "…\n<i>/x</i>") {
		t.Fatalf("clipped text should keep the target markup: %q", long[len(long)-20:])
	}
	if n := utf8.RuneCountInString(long); n > textLimit+len("<b></b><i></i>") {
		t.Fatalf("rendered %d runes", n)
	}
}

func TestKeyboard(t *testing.T) {
	t.Parallel()
	n := agent.Notification{ID: "n1", Options: agent.Options{Actions: []agent.Action{{Action: "open", Title: "Abrir"}, {Action: "later"}}}}
	kb := keyboard(n)
	if len(kb.InlineKeyboard) != 3 {
		t.Fatalf("rows = %d, want 3", len(kb.InlineKeyboard))
	}
	if b := kb.InlineKeyboard[0][0]; b.Text != "Abrir" || b.Data != "c:n1:0" {
		t.Fatalf("first button = %+v", b)
	}
	if b := kb.InlineKeyboard[1][0]; b.Text != "later" || b.Data != "c:n1:1" {
		t.Fatalf("second button = %+v", b)
	}
	if b := kb.InlineKeyboard[2][0]; b.Text != dismissLabel || b.Data != "d:n1" {
		t.Fatalf("dismiss button = %+v", b)
	}

	bare := keyboard(agent.Notification{ID: "n2"})
	if len(bare.InlineKeyboard) != 2 || bare.InlineKeyboard[0][0].Data != "c:n2:-1" {
		t.Fatalf("bare keyboard = %+v", bare.InlineKeyboard)
	}
}

type fakeMessenger struct {
	sent    int
	deleted []int
}

func (f *fakeMessenger) Send(_ tele.Recipient, _ interface{}, _ ...interface{}) (*tele.Message, error) {
	f.sent++
	return &tele.Message{ID: 100 + f.sent, Chat: &tele.Chat{ID: 1}}, nil
}

func (f *fakeMessenger) Delete(msg tele.Editable) error {
	id, _ := msg.MessageSig()
	n, _ := strconv.Atoi(id)
	f.deleted = append(f.deleted, n)
	return nil
}

func newTestSurface(t *testing.T) (*Surface, *fakeMessenger) {
	t.Helper()
	fm := &fakeMessenger{}
	s := &Surface{
		cfg:   Config{ChatID: 1},
		log:   logx.Nop(),
		api:   fm,
		shown: map[string]shownMessage{},
	}
	return s, fm
}

func TestInteraction(t *testing.T) {
	t.Parallel()
	s, _ := newTestSurface(t)
	ctx := context.Background()
	n := agent.Notification{ID: "n1", Options: agent.Options{Actions: []agent.Action{{Action: "open", Title: "Abrir"}}}}
	if err := s.Show(ctx, n); err != nil {
		t.Fatalf("Show: %v", err)
	}

	if reply := s.interaction(ctx, "c:n1:0"); reply != "Agent not ready" {
		t.Fatalf("reply without sink = %q", reply)
	}
	var got []agent.Event
	s.SetSink(func(_ context.Context, e agent.Event) error {
		got = append(got, e)
		return nil
	})

	tests := []struct {
		data  string
		reply string
	}{
		{data: "c:n1:0"},
		{data: "c:n1:7"},
		{data: "c:gone:0", reply: "Notification expired"},
		{data: "garbage"},
	}
	for _, tt := range tests {
		if reply := s.interaction(ctx, tt.data); reply != tt.reply {
			t.Fatalf("interaction(%q) = %q, want %q", tt.data, reply, tt.reply)
		}
	}
	if len(got) != 2 {
		t.Fatalf("events = %+v", got)
	}
	if got[0].Kind != agent.KindClick || got[0].Action != "open" || got[0].Notification.ID != "n1" {
		t.Fatalf("click event = %+v", got[0])
	}
	if got[1].Kind != agent.KindClick || got[1].Action != "" {
		t.Fatalf("out of range action = %+v", got[1])
	}

	s.SetSink(func(context.Context, agent.Event) error { return agent.ErrQueueFull })
	if reply := s.interaction(ctx, "c:n1:0"); reply != "Busy, try again" {
		t.Fatalf("reply on full queue = %q", reply)
	}
}

func TestDismissDeletesMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		sinkErr error
	}{
		{name: "recorded"},
		{name: "queue full", sinkErr: agent.ErrQueueFull},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, fm := newTestSurface(t)
			ctx := context.Background()
			var got []agent.Event
			s.SetSink(func(_ context.Context, e agent.Event) error {
				got = append(got, e)
				return tt.sinkErr
			})
			n := agent.Notification{ID: "n1"}
			if err := s.Show(ctx, n); err != nil {
				t.Fatalf("Show: %v", err)
			}

			if reply := s.interaction(ctx, "d:n1"); reply != "" {
				t.Fatalf("dismiss reply = %q", reply)
			}
			if len(got) != 1 || got[0].Kind != agent.KindClose || got[0].Notification.ID != "n1" {
				t.Fatalf("events = %+v", got)
			}
			if len(fm.deleted) != 1 || fm.deleted[0] != 101 {
				t.Fatalf("deleted = %v, want [101]", fm.deleted)
			}
			if reply := s.interaction(ctx, "d:n1"); reply != "Notification expired" {
				t.Fatalf("second dismiss reply = %q", reply)
			}
			if len(fm.deleted) != 1 {
				t.Fatalf("message deleted twice: %v", fm.deleted)
			}
		})
	}
}

func TestCloseUnknownIsNoop(t *testing.T) {
	t.Parallel()
	s := &Surface{log: logx.Nop(), shown: map[string]shownMessage{}}
	if err := s.Close(context.Background(), agent.Notification{ID: "x"}); err != nil {
		t.Fatalf("Close unknown: %v", err)
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ChatID: 1}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
	if _, err := New(Config{Token: "t"}, logx.Nop()); err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("expected chat_id error, got %v", err)
	}
}
