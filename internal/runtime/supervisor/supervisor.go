// Package supervisor runs the agent's long-lived goroutines (dispatcher lanes,
// listeners, pollers, watchers) under one cancelable context, recovering
// panics and keeping per-name statistics for /health.
package supervisor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	logx "pushagent/pkg/logx"
)

// healthyRun is how long a restarted task must stay up before its backoff
// starts over from the minimum.
const healthyRun = 30 * time.Second

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	started atomic.Uint64
	active  atomic.Int64
	wg      sync.WaitGroup

	waitOnce sync.Once
	done     chan struct{}

	mu       sync.Mutex
	firstErr error
	tasks    map[string]*taskStats
}

type Option func(*Supervisor)

// Counters exposes best-effort goroutine counters.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GoroutineStats is an aggregated view of goroutines started under one name.
type GoroutineStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Started     uint64        `json:"started"`
	Panics      uint64        `json:"panics"`
	Restarts    uint64        `json:"restarts"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastErr     string        `json:"last_err,omitempty"`
	LastPanic   string        `json:"last_panic,omitempty"`
	LastRuntime time.Duration `json:"last_runtime"`
}

// Snapshot is a point-in-time view of a supervisor, used by /health.
type Snapshot struct {
	Counters   Counters         `json:"counters"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

type taskStats struct{ GoroutineStats }

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first error or
// panic from a Go task.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		tasks:  map[string]*taskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first published error, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}

	s.mu.Lock()
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	snap.Goroutines = make([]GoroutineStats, 0, len(s.tasks))
	for _, t := range s.tasks {
		snap.Goroutines = append(snap.Goroutines, t.GoroutineStats)
	}
	s.mu.Unlock()

	// Running tasks first, then by name.
	slices.SortFunc(snap.Goroutines, func(a, b GoroutineStats) int {
		if c := cmp.Compare(b.Active, a.Active); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return snap
}

// track runs fn under the supervisor's WaitGroup and counters.
func (s *Supervisor) track(fn func()) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		fn()
	}()
}

// attempt runs fn once, recording it under name. A panic is recovered and
// returned as an error.
func (s *Supervisor) attempt(ctx context.Context, name string, restart bool, fn func(context.Context) error) (err error) {
	startedAt := time.Now()
	s.update(name, func(t *taskStats) {
		t.Started++
		t.Active++
		t.LastStartAt = startedAt
		if restart {
			t.Restarts++
		}
	})
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			s.update(name, func(t *taskStats) {
				t.Panics++
				t.LastPanic = fmt.Sprint(r)
			})
			err = fmt.Errorf("panic: %v", r)
		}
		s.update(name, func(t *taskStats) {
			if t.Active > 0 {
				t.Active--
			}
			t.LastRuntime = time.Since(startedAt)
			if err != nil && !errors.Is(err, context.Canceled) {
				t.LastErr = err.Error()
			}
		})
	}()
	return fn(ctx)
}

func (s *Supervisor) update(name string, fn func(*taskStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[name]
	if t == nil {
		t = &taskStats{GoroutineStats{Name: name}}
		s.tasks[name] = t
	}
	fn(t)
}

// fail publishes err as the first error and, if configured, cancels.
func (s *Supervisor) fail(err error, cancel bool) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if cancel {
		s.cancel()
	}
}

// Go runs fn once. A non-cancellation error or a panic is published.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.track(func() {
		s.log.Debug("goroutine started", logx.String("name", name))
		err := s.attempt(s.ctx, name, false, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err), s.cancelOnErr)
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	})
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max        time.Duration
	stopOnCleanExit bool
	publish         bool
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithPublishFirstError surfaces the first failure in Err and /health while
// the task keeps restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publish = enabled }
}

// WithStopOnCleanExit stops the task for good when fn returns nil. Default true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnCleanExit = enabled }
}

// next returns the wait after a failed run of length ran, with up to 20%
// jitter, and the backoff to use after that.
func (p restartPolicy) next(cur, ran time.Duration) (wait, after time.Duration) {
	if ran >= healthyRun {
		cur = p.min
	}
	wait = cur
	if j := int64(cur) / 5; j > 0 {
		wait += time.Duration(rand.Int64N(j + 1))
	}
	return wait, min(cur*2, p.max)
}

// GoRestart runs fn and restarts it after errors and panics, with backoff,
// until the supervisor context ends. Its failures never cancel the supervisor.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second, stopOnCleanExit: true}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.track(func() {
		ctx := s.ctx
		backoff := p.min
		for restart := false; ctx.Err() == nil; restart = true {
			startedAt := time.Now()
			err := s.attempt(ctx, name, restart, fn)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if p.stopOnCleanExit {
					return
				}
				err = errors.New("exited")
			}
			if p.publish {
				s.fail(fmt.Errorf("%s: %w", name, err), false)
			}

			var wait time.Duration
			wait, backoff = p.next(backoff, time.Since(startedAt))
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	})
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends. It returns the
// first published error.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
