// Package telegram renders notifications as messages in a Telegram chat.
// Inline buttons stand in for notification actions; pressing one is reported
// back as a click or close interaction.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"pushagent/internal/agent"
	rtsup "pushagent/internal/runtime/supervisor"
	logx "pushagent/pkg/logx"
)

// Sink receives interactions from button presses.
type Sink func(ctx context.Context, e agent.Event) error

type Config struct {
	Token       string
	ChatID      int64
	ThreadID    int
	PollTimeout time.Duration
}

const (
	opClick   = "c"
	opDismiss = "d"

	dismissLabel = "✕"
	textLimit    = 4000
)

// messenger is the part of *tele.Bot that shows and removes messages.
type messenger interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Delete(msg tele.Editable) error
}

// Surface implements agent.Surface on top of a telebot bot.
type Surface struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
	api messenger

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	mu    sync.Mutex
	shown map[string]shownMessage
	sink  Sink
}

type shownMessage struct {
	msg *tele.Message
	n   agent.Notification
}

var _ agent.Surface = (*Surface)(nil)

func New(cfg Config, log logx.Logger) (*Surface, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Surface{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "telegram")),
		bot:   b,
		api:   b,
		shown: map[string]shownMessage{},
	}
	s.bot.Handle(tele.OnCallback, s.onCallback)
	return s, nil
}

// SetSink installs the interaction consumer (normally the dispatcher).
func (s *Surface) SetSink(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Supervisor returns the poll supervisor (nil if not started).
func (s *Surface) Supervisor() *rtsup.Supervisor {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.sup
}

// Start begins long polling for button presses.
func (s *Surface) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)

	s.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		s.bot.Stop()
	})

	// Start blocks until Stop; it can also return on its own, so keep it alive.
	s.sup.GoRestart("telebot.poll", func(c context.Context) error {
		s.log.Info("polling started")
		s.bot.Start()
		s.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
}

// Stop ends polling. A pending getUpdates long poll is not waited for
// longer than two seconds.
func (s *Surface) Stop(ctx context.Context) error {
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	wasRunning := s.running
	s.running = false
	s.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		s.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// Show sends n to the configured chat.
func (s *Surface) Show(ctx context.Context, n agent.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := s.api.Send(s.chat(), renderText(n), &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              s.cfg.ThreadID,
		ReplyMarkup:           keyboard(n),
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	s.mu.Lock()
	s.shown[n.ID] = shownMessage{msg: msg, n: n}
	s.mu.Unlock()
	return nil
}

// Close deletes the message for n. Unknown notifications are a no-op.
func (s *Surface) Close(ctx context.Context, n agent.Notification) error {
	s.mu.Lock()
	sm, ok := s.shown[n.ID]
	delete(s.shown, n.ID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.api.Delete(sm.msg); err != nil {
		return fmt.Errorf("telegram delete: %w", err)
	}
	return nil
}

func (s *Surface) chat() *tele.Chat { return &tele.Chat{ID: s.cfg.ChatID} }

func (s *Surface) onCallback(c tele.Context) error {
	cb := c.Callback()
	m := c.Message()
	if cb == nil || m == nil || m.Chat == nil || m.Chat.ID != s.cfg.ChatID {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply := s.interaction(ctx, cb.Data)
	return c.Respond(&tele.CallbackResponse{Text: reply})
}

// interaction turns callback data into a dispatcher event and returns the
// text shown to the user.
func (s *Surface) interaction(ctx context.Context, data string) string {
	op, id, idx, ok := parseCallback(data)
	if !ok {
		return ""
	}
	s.mu.Lock()
	sm, known := s.shown[id]
	sink := s.sink
	s.mu.Unlock()
	if !known {
		return "Notification expired"
	}
	if sink == nil {
		return "Agent not ready"
	}

	if op == opDismiss {
		// Removed even when the dismissal is not recorded.
		if err := sink(ctx, agent.Event{Kind: agent.KindClose, Notification: sm.n}); err != nil {
			s.log.Warn("dismissal not recorded", logx.String("id", id), logx.Err(err))
		}
		if err := s.Close(ctx, sm.n); err != nil {
			s.log.Warn("dismissed message not deleted", logx.String("id", id), logx.Err(err))
		}
		return ""
	}

	e := agent.Event{Kind: agent.KindClick, Notification: sm.n}
	if idx >= 0 && idx < len(sm.n.Options.Actions) {
		e.Action = sm.n.Options.Actions[idx].Action
	}
	if err := sink(ctx, e); err != nil {
		s.log.Warn("interaction rejected", logx.String("id", id), logx.Err(err))
		return "Busy, try again"
	}
	return ""
}

// callbackData fits within Telegram's 64 byte limit for any uuid id: the
// action is referenced by index, never by name.
func callbackData(op, id string, idx int) string {
	if op == opDismiss {
		return op + ":" + id
	}
	return op + ":" + id + ":" + strconv.Itoa(idx)
}

func parseCallback(data string) (op, id string, idx int, ok bool) {
	parts := strings.Split(data, ":")
	switch {
	case len(parts) == 2 && parts[0] == opDismiss && parts[1] != "":
		return opDismiss, parts[1], -1, true
	case len(parts) == 3 && parts[0] == opClick && parts[1] != "":
		i, err := strconv.Atoi(parts[2])
		if err != nil {
			return "", "", 0, false
		}
		return opClick, parts[1], i, true
	}
	return "", "", 0, false
}

// renderText builds the HTML message. Only the body is clipped, so the
// markup stays balanced.
func renderText(n agent.Notification) string {
	target := n.Target()
	if target == agent.RootLocator {
		target = ""
	}
	room := textLimit - utf8.RuneCountInString(n.Title) - utf8.RuneCountInString(target) - 2
	body := clip(n.Options.Body, room)

	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(n.Title))
	b.WriteString("</b>")
	if body != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(body))
	}
	if target != "" {
		b.WriteString("\n<i>")
		b.WriteString(html.EscapeString(target))
		b.WriteString("</i>")
	}
	return b.String()
}

func clip(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// keyboard puts each action on its own row, dismiss last. A notification
// without actions still gets a plain "open" button.
func keyboard(n agent.Notification) *tele.ReplyMarkup {
	rows := make([][]tele.InlineButton, 0, len(n.Options.Actions)+1)
	for i, a := range n.Options.Actions {
		label := a.Title
		if label == "" {
			label = a.Action
		}
		rows = append(rows, []tele.InlineButton{{Text: label, Data: callbackData(opClick, n.ID, i)}})
	}
	if len(rows) == 0 {
		rows = append(rows, []tele.InlineButton{{Text: "Open", Data: callbackData(opClick, n.ID, -1)}})
	}
	rows = append(rows, []tele.InlineButton{{Text: dismissLabel, Data: callbackData(opDismiss, n.ID, 0)}})
	return &tele.ReplyMarkup{InlineKeyboard: rows}
}
