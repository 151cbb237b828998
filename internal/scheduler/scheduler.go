package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "pushagent/pkg/logx"
)

var ErrNotStarted = errors.New("scheduler not started")

type Config struct {
	Timezone    string // IANA TZ, e.g. "America/Sao_Paulo"; empty = Local
	HistorySize int
}

// Job is one named periodic task.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration // 0 = no timeout
	Run     func(ctx context.Context) error
}

type HistoryItem struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type JobInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
}

type Snapshot struct {
	Running  bool          `json:"running"`
	Timezone string        `json:"timezone"`
	Jobs     []JobInfo     `json:"jobs"`
	History  []HistoryItem `json:"history"`
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSpec reports whether spec is a valid schedule.
func ParseSpec(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return errors.New("empty schedule")
	}
	_, err := parser.Parse(strings.TrimSpace(spec))
	return err
}

type entry struct {
	job Job
	id  cron.EntryID
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	loc *time.Location

	ctx    context.Context
	cancel context.CancelFunc
	c      *cron.Cron
	jobs   map[string]*entry

	hmu         sync.Mutex
	history     []HistoryItem
	historySize atomic.Int64
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "scheduler")),
		jobs: map[string]*entry{},
	}
	s.historySize.Store(int64(cfg.HistorySize))
	return s
}

// Add registers or replaces a job. Jobs added before Start are scheduled on Start.
func (s *Service) Add(j Job) error {
	j.Spec = strings.TrimSpace(j.Spec)
	if j.Name == "" || j.Run == nil {
		return errors.New("scheduler: job needs a name and a run func")
	}
	if err := ParseSpec(j.Spec); err != nil {
		return fmt.Errorf("scheduler: job %s: %w", j.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.jobs[j.Name]; old != nil && s.c != nil {
		s.c.Remove(old.id)
	}
	e := &entry{job: j}
	s.jobs[j.Name] = e
	if s.c != nil {
		return s.scheduleLocked(e)
	}
	return nil
}

// Remove drops a job by name. Unknown names are ignored.
func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.jobs[name]
	if e == nil {
		return
	}
	if s.c != nil {
		s.c.Remove(e.id)
	}
	delete(s.jobs, name)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	for _, e := range s.jobs {
		if err := s.scheduleLocked(e); err != nil {
			s.log.Warn("job schedule failed", logx.String("job", e.job.Name), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop halts the cron loop and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; canceling jobs")
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("scheduler stopped")
}

// Apply swaps config. A timezone change rebuilds the cron loop.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	s.historySize.Store(int64(cfg.HistorySize))
	if s.c == nil || oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}
	<-s.c.Stop().Done()
	s.startLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
}

// RunNow executes a registered job synchronously, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e := s.jobs[name]
	s.mu.Unlock()
	if e == nil {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	return s.exec(ctx, e.job)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.c != nil, Timezone: time.Local.String()}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, e := range s.jobs {
		ji := JobInfo{Name: e.job.Name, Spec: e.job.Spec}
		if s.c != nil {
			ji.Next = s.c.Entry(e.id).Next
		}
		snap.Jobs = append(snap.Jobs, ji)
	}
	s.mu.Unlock()
	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].Name < snap.Jobs[j].Name })

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) scheduleLocked(e *entry) error {
	j := e.job
	ctx := s.ctx
	id, err := s.c.AddFunc(j.Spec, func() { _ = s.exec(ctx, j) })
	if err != nil {
		return err
	}
	e.id = id
	return nil
}

func (s *Service) exec(ctx context.Context, j Job) (err error) {
	if ctx == nil {
		return ErrNotStarted
	}
	start := time.Now()
	runCtx := ctx
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		item := HistoryItem{Name: j.Name, Started: start, Duration: time.Since(start)}
		if err != nil {
			item.Error = err.Error()
			s.log.Warn("job failed", logx.String("job", j.Name), logx.Err(err))
		} else {
			s.log.Debug("job ok", logx.String("job", j.Name), logx.Duration("took", item.Duration))
		}
		s.record(item)
	}()
	return j.Run(runCtx)
}

func (s *Service) record(item HistoryItem) {
	limit := int(s.historySize.Load())
	if limit <= 0 {
		limit = 50
	}
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
