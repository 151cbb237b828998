// Package httpapi is the agent's HTTP ingress: push delivery from the
// messaging backend, interactions from hosts without a bridge connection,
// the journal, health, and the host bridge upgrade.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"pushagent/internal/agent"
	rtsup "pushagent/internal/runtime/supervisor"
	"pushagent/internal/storage"
	logx "pushagent/pkg/logx"
)

// Config controls the listener and route guards.
type Config struct {
	Addr            string
	Token           string // guards /v1/interactions and /v1/history; empty = open
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	Backend BackendAuth
	Pprof   PprofConfig
}

// BackendAuth authenticates the messaging backend on /v1/push.
type BackendAuth struct {
	APIKey    string // empty disables auth
	ProjectID string // expected JWT audience
	SenderID  string // expected sender_id claim
}

type PprofConfig struct {
	Enabled bool
	Prefix  string
	Token   string
}

// Submitter accepts events for the agent (normally *agent.Dispatcher).
type Submitter interface {
	Submit(ctx context.Context, e agent.Event) error
}

// HistoryReader lists journal records, newest first.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]storage.Record, error)
}

type Deps struct {
	Submitter Submitter
	History   HistoryReader // nil when the journal is disabled
	Health    func() any
	WS        http.HandlerFunc
}

const defaultAddr = "127.0.0.1:8787"

type Service struct {
	log  logx.Logger
	deps Deps

	mu       sync.Mutex
	cfg      Config
	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "http"))}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Supervisor returns the serve loop supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr returns the bound listener address ("" when not serving).
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg. Token and backend credentials take effect on the
// next request; listener, timeout and pprof changes restart the server.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !running || !needsRestart(prev, cfg) {
		return nil
	}
	s.Stop(ctx)
	return s.Start(ctx)
}

func needsRestart(a, b Config) bool {
	if a.Addr != b.Addr {
		return true
	}
	if a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout {
		return true
	}
	return a.Pprof.Enabled != b.Pprof.Enabled || normalizePrefix(a.Pprof.Prefix) != normalizePrefix(b.Pprof.Prefix)
}

// Start binds the listener and serves in the background. A bind failure is
// returned directly; later serve failures restart with backoff.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if s.sup != nil {
			s.mu.Unlock()
			return nil
		}
		cur := s.cfg
		s.mu.Unlock()

		ln, err := listen(cur.Addr)
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.ln = ln
		s.sup = rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return nil
	}
}

func listen(addr string) (net.Listener, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = defaultAddr
	}
	return net.Listen("tcp", addr)
}

// Stop shuts the server down gracefully. It returns when ctx ends even if
// the shutdown is still in progress.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, ln, sup := s.srv, s.ln, s.sup
	grace := s.cfg.ShutdownTimeout
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			sctx := ctx
			if grace > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(ctx, grace)
				defer cancel()
			}
			_ = srv.Shutdown(sctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	ln := s.ln
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}

	// A restart after a serve failure needs a fresh listener.
	if ln == nil {
		var err error
		if ln, err = listen(cur.Addr); err != nil {
			s.log.Error("http listen failed", logx.String("addr", cur.Addr), logx.Err(err))
			if ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
	}
	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("push_auth", cur.Backend.APIKey != ""),
		logx.Secret("token", cur.Token),
		logx.Bool("pprof", cur.Pprof.Enabled),
	)
	err := srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping = s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

// Handler builds the router for the current config.
func (s *Service) Handler() http.Handler {
	return newRouter(s, s.config().Pprof)
}
