package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	logx "pushagent/pkg/logx"
)

// blockingSurface parks Show until release is closed.
type blockingSurface struct {
	fakeSurface
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingSurface) Show(ctx context.Context, n Notification) error {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.fakeSurface.Show(ctx, n)
}

func TestDispatcherQueueFull(t *testing.T) {
	t.Parallel()
	s := &blockingSurface{entered: make(chan struct{}), release: make(chan struct{})}
	a := New(Deps{Surface: s, Log: logx.Nop()}, Defaults{})
	d := NewDispatcher(DispatcherConfig{Lanes: 1, QueueSize: 1, DisplayRatePerSec: 1000}, a, nil, logx.Nop())
	d.Start(context.Background())

	ctx := context.Background()
	if err := d.Submit(ctx, Event{Kind: KindPush}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	select {
	case <-s.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("lane never started handling")
	}
	if err := d.Submit(ctx, Event{Kind: KindPush}); err != nil {
		t.Fatalf("second submit should queue: %v", err)
	}
	if err := d.Submit(ctx, Event{Kind: KindPush}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third submit err = %v, want ErrQueueFull", err)
	}
	snap := d.Snapshot()
	if snap.Dropped != 1 || snap.Lanes[0].State != "handling" {
		t.Fatalf("snapshot = %+v", snap)
	}

	close(s.release)
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Stop(stopCtx)

	if shown, _ := s.counts(); shown != 2 {
		t.Fatalf("shown = %d, want 2 (queued event drained)", shown)
	}
	if err := d.Submit(ctx, Event{Kind: KindPush}); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit after stop err = %v, want ErrStopped", err)
	}
}

func TestDispatcherKeepsPerNotificationOrder(t *testing.T) {
	t.Parallel()
	s := &fakeSurface{}
	a := New(Deps{Surface: s, Clients: &fakeClients{}, Log: logx.Nop()}, Defaults{})
	d := NewDispatcher(DispatcherConfig{Lanes: 4, QueueSize: 400}, a, nil, logx.Nop())
	d.Start(context.Background())

	ctx := context.Background()
	const perNotification = 10
	var want []EventKind
	for i := 0; i < perNotification; i++ {
		kind := KindClick
		if i%2 == 1 {
			kind = KindClose
		}
		want = append(want, kind)
		for _, id := range []string{"a", "b", "c"} {
			if err := d.Submit(ctx, Event{Kind: kind, Notification: Notification{ID: id}}); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Stop(stopCtx)

	got := map[string][]EventKind{}
	for _, h := range d.Snapshot().History {
		got[h.NotificationID] = append(got[h.NotificationID], h.Kind)
	}
	for _, id := range []string{"a", "b", "c"} {
		if fmt.Sprint(got[id]) != fmt.Sprint(want) {
			t.Fatalf("order for %s = %v, want %v", id, got[id], want)
		}
	}
}

func TestDispatcherLifecycleAndRestart(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistration{}
	a := New(Deps{Surface: &fakeSurface{}, Registration: reg, Log: logx.Nop()}, Defaults{})
	d := NewDispatcher(DispatcherConfig{}, a, nil, logx.Nop())

	if err := d.Submit(context.Background(), Event{Kind: KindInstall}); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit before start err = %v, want ErrStopped", err)
	}

	for round := 0; round < 2; round++ {
		d.Start(context.Background())
		d.Start(context.Background()) // idempotent
		_ = d.Submit(context.Background(), Event{Kind: KindInstall})
		_ = d.Submit(context.Background(), Event{Kind: KindActivate})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		d.Stop(ctx)
		cancel()
	}
	if reg.skipped != 2 || reg.claimed != 2 {
		t.Fatalf("skipped=%d claimed=%d", reg.skipped, reg.claimed)
	}
	if cfg := d.Config(); cfg.Lanes != 2 || cfg.QueueSize != 256 || cfg.HistorySize != 200 {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestDispatcherStopCancelsOnDeadline(t *testing.T) {
	t.Parallel()
	s := &blockingSurface{entered: make(chan struct{}), release: make(chan struct{})}
	a := New(Deps{Surface: s, Log: logx.Nop()}, Defaults{})
	d := NewDispatcher(DispatcherConfig{Lanes: 1}, a, nil, logx.Nop())
	d.Start(context.Background())
	_ = d.Submit(context.Background(), Event{Kind: KindPush})
	<-s.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	d.Stop(ctx)
	if time.Since(start) > time.Second {
		t.Fatal("Stop did not honor its deadline")
	}

	// The handler observes cancellation and the display is recorded as failed.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h := d.Snapshot().History; len(h) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("handler was not canceled")
}

func TestLaneIndexStable(t *testing.T) {
	t.Parallel()
	for _, k := range []string{"n:a", "n:b", "lifecycle", "c:orders"} {
		first := laneIndex(k, 7)
		for i := 0; i < 5; i++ {
			if got := laneIndex(k, 7); got != first {
				t.Fatalf("laneIndex(%q) unstable: %d vs %d", k, got, first)
			}
		}
		if first < 0 || first >= 7 {
			t.Fatalf("laneIndex(%q) = %d out of range", k, first)
		}
	}
}
