package agent

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"pushagent/internal/eventbus"
	rtsup "pushagent/internal/runtime/supervisor"
	logx "pushagent/pkg/logx"
)

var (
	ErrQueueFull = errors.New("dispatcher queue full")
	ErrStopped   = errors.New("dispatcher stopped")
)

// EventKind names a platform event fed to the agent.
type EventKind string

const (
	KindPush     EventKind = "push"
	KindClick    EventKind = "click"
	KindClose    EventKind = "close"
	KindInstall  EventKind = "install"
	KindActivate EventKind = "activate"
)

// Event is one queued platform event. Payload is set for push events,
// Notification (and Action) for click/close.
type Event struct {
	Kind         EventKind
	Payload      InboundPayload
	Notification Notification
	Action       string
}

// key picks the ordering domain of e.
func (e Event) key() string {
	switch e.Kind {
	case KindClick, KindClose:
		return "n:" + e.Notification.ID
	case KindInstall, KindActivate:
		return "lifecycle"
	default:
		if e.Payload.CollapseKey != "" {
			return "c:" + e.Payload.CollapseKey
		}
		if e.Payload.MessageID != "" {
			return "m:" + e.Payload.MessageID
		}
		return ""
	}
}

// DispatcherConfig controls lanes, queueing and display pacing.
type DispatcherConfig struct {
	Lanes             int
	QueueSize         int // total, split across lanes
	DisplayRatePerSec int
	HandlerTimeout    time.Duration // 0 = handlers run until done or teardown
	HistorySize       int
}

// LaneState is the lane FSM state.
type LaneState int32

const (
	LaneDormant LaneState = iota
	LaneHandling
)

func (s LaneState) String() string {
	if s == LaneHandling {
		return "handling"
	}
	return "dormant"
}

type LaneSnapshot struct {
	Index   int    `json:"index"`
	State   string `json:"state"`
	Queued  int    `json:"queued"`
	Handled uint64 `json:"handled"`
}

type HistoryItem struct {
	At             time.Time     `json:"at"`
	Kind           EventKind     `json:"kind"`
	NotificationID string        `json:"notification_id,omitempty"`
	Lane           int           `json:"lane"`
	Took           time.Duration `json:"took"`
	Outcome        string        `json:"outcome,omitempty"`
	Error          string        `json:"error,omitempty"`
}

type DispatcherSnapshot struct {
	Running bool           `json:"running"`
	Lanes   []LaneSnapshot `json:"lanes"`
	Dropped uint64         `json:"dropped"`
	History []HistoryItem  `json:"history"`
}

type lane struct {
	idx     int
	q       chan Event
	state   atomic.Int32
	handled atomic.Uint64
}

// Dispatcher queues platform events and runs them through the agent.
//
// It is safe for concurrent use.
type Dispatcher struct {
	agent *Agent
	log   logx.Logger
	bus   eventbus.Bus

	mu        sync.Mutex
	cfg       DispatcherConfig
	limiter   *rate.Limiter
	lanes     []*lane
	accepting bool
	sendWG    sync.WaitGroup
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	rr      atomic.Uint64
	dropped atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func NewDispatcher(cfg DispatcherConfig, a *Agent, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		agent: a,
		bus:   bus,
		log:   log.With(logx.String("comp", "dispatcher")),
	}
	d.applyLocked(cfg)
	return d
}

// Apply swaps pacing, timeout and history settings. Lane count and queue
// size take effect on the next Start.
func (d *Dispatcher) Apply(cfg DispatcherConfig) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg DispatcherConfig) {
	if cfg.Lanes <= 0 {
		cfg.Lanes = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.DisplayRatePerSec <= 0 {
		cfg.DisplayRatePerSec = 10
	}
	if cfg.HandlerTimeout < 0 {
		cfg.HandlerTimeout = 0
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	d.cfg = cfg
	// Burst = rate so a short spike of pushes is shown without delay.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.DisplayRatePerSec), cfg.DisplayRatePerSec)
}

func (d *Dispatcher) Config() DispatcherConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Start is idempotent. Lanes run under their own supervisor derived from ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		d.mu.Lock()
	}
	if d.lanes != nil {
		d.mu.Unlock()
		return
	}

	n := d.cfg.Lanes
	per := d.cfg.QueueSize / n
	if per < 1 {
		per = 1
	}
	lanes := make([]*lane, n)
	for i := range lanes {
		lanes[i] = &lane{idx: i, q: make(chan Event, per)}
	}
	d.lanes = lanes
	d.accepting = true
	d.sup = rtsup.New(ctx,
		rtsup.WithLogger(d.log),
		// A failing lane must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := d.sup
	d.mu.Unlock()

	for _, l := range lanes {
		l := l
		sup.GoRestart(fmt.Sprintf("lane.%d", l.idx), func(c context.Context) error {
			d.laneLoop(c, l)
			d.mu.Lock()
			stopping := d.stopDone != nil
			d.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("lane exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	d.log.Info("dispatcher started", logx.Int("lanes", n), logx.Int("lane_queue", per))
}

// Stop refuses new events and drains the queues until ctx is done, then
// cancels whatever is still running.
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	lanes := d.lanes
	sup := d.sup
	if lanes == nil {
		d.mu.Unlock()
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	d.stopDone = done
	d.accepting = false
	d.mu.Unlock()

	go func() {
		defer close(done)
		d.sendWG.Wait()
		for _, l := range lanes {
			close(l.q)
		}
		_ = sup.Wait(context.Background())

		d.mu.Lock()
		d.lanes = nil
		d.sup = nil
		d.stopDone = nil
		d.mu.Unlock()
		d.log.Info("dispatcher stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn("dispatcher drain timed out; canceling handlers")
		sup.Cancel()
	}
}

// Supervisor returns the lane supervisor (nil when stopped). Used by /health.
func (d *Dispatcher) Supervisor() *rtsup.Supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sup
}

// Submit queues e without blocking.
func (d *Dispatcher) Submit(ctx context.Context, e Event) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	d.mu.Lock()
	if !d.accepting || d.lanes == nil {
		d.mu.Unlock()
		return ErrStopped
	}
	l := d.pickLocked(e)
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	select {
	case l.q <- e:
		return nil
	default:
		d.dropped.Add(1)
		if d.bus != nil {
			d.bus.Publish(eventbus.Event{Type: "dispatcher.queue_full", Time: time.Now(), Data: map[string]any{"kind": e.Kind, "lane": l.idx}})
		}
		d.log.Warn("dispatcher queue full", logx.String("kind", string(e.Kind)), logx.Int("lane", l.idx))
		return ErrQueueFull
	}
}

func (d *Dispatcher) pickLocked(e Event) *lane {
	n := uint64(len(d.lanes))
	k := e.key()
	if k == "" {
		return d.lanes[d.rr.Add(1)%n]
	}
	return d.lanes[laneIndex(k, len(d.lanes))]
}

func laneIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (d *Dispatcher) laneLoop(ctx context.Context, l *lane) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-l.q:
			if !ok {
				return
			}
			d.handle(ctx, l, e)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, l *lane, e Event) {
	l.state.Store(int32(LaneHandling))
	defer l.state.Store(int32(LaneDormant))

	d.mu.Lock()
	timeout := d.cfg.HandlerTimeout
	lim := d.limiter
	d.mu.Unlock()

	hctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	item := HistoryItem{At: start, Kind: e.Kind, Lane: l.idx}
	var err error

	switch e.Kind {
	case KindPush:
		if lim != nil {
			if err = lim.Wait(hctx); err != nil {
				// Teardown while waiting for display budget.
				item.Error = err.Error()
				break
			}
		}
		n := d.agent.OnBackgroundDelivery(hctx, e.Payload)
		item.NotificationID = n.ID
	case KindClick:
		out := d.agent.OnUserClick(hctx, e.Notification, e.Action)
		item.NotificationID = e.Notification.ID
		item.Outcome = string(out.Route)
		err = out.Err
	case KindClose:
		d.agent.OnUserDismiss(hctx, e.Notification)
		item.NotificationID = e.Notification.ID
	case KindInstall:
		err = d.agent.OnInstall(hctx)
	case KindActivate:
		err = d.agent.OnActivate(hctx)
	default:
		err = fmt.Errorf("unknown event kind %q", e.Kind)
	}

	item.Took = time.Since(start)
	if err != nil && item.Error == "" {
		item.Error = err.Error()
	}
	l.handled.Add(1)
	d.appendHistory(item)
}

func (d *Dispatcher) appendHistory(item HistoryItem) {
	d.mu.Lock()
	limit := d.cfg.HistorySize
	d.mu.Unlock()

	d.hmu.Lock()
	d.history = append(d.history, item)
	if len(d.history) > limit {
		d.history = d.history[len(d.history)-limit:]
	}
	d.hmu.Unlock()
}

func (d *Dispatcher) Snapshot() DispatcherSnapshot {
	d.mu.Lock()
	snap := DispatcherSnapshot{Running: d.lanes != nil && d.accepting}
	for _, l := range d.lanes {
		snap.Lanes = append(snap.Lanes, LaneSnapshot{
			Index:   l.idx,
			State:   LaneState(l.state.Load()).String(),
			Queued:  len(l.q),
			Handled: l.handled.Load(),
		})
	}
	d.mu.Unlock()

	snap.Dropped = d.dropped.Load()
	d.hmu.Lock()
	snap.History = append([]HistoryItem(nil), d.history...)
	d.hmu.Unlock()
	return snap
}
