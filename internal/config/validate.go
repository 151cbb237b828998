package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "pushagent/pkg/logx"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks the static shape of cfg. Checks that need live components
// (cron parsing, listener binding) belong to the Manager validator hook.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil", ErrInvalid)
	}
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	d := cfg.Dispatcher
	if d.Lanes < 0 || d.QueueSize < 0 || d.DisplayRatePerSec < 0 || d.HistorySize < 0 {
		bad("dispatcher: counts must be >= 0")
	}
	for _, a := range cfg.Render.Actions {
		if a.Action == "" {
			bad("render.actions: action id is required")
		}
	}
	for _, v := range cfg.Render.Vibrate {
		if v < 0 {
			bad("render.vibrate: pattern entries must be >= 0")
			break
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Surface.Driver)) {
	case "", "bridge":
	case "telegram":
		if strings.TrimSpace(cfg.Surface.Telegram.Token) == "" {
			bad("surface.telegram.token is required")
		}
		if cfg.Surface.Telegram.ChatID == 0 {
			bad("surface.telegram.chat_id is required")
		}
	default:
		bad("surface.driver: unknown %q", cfg.Surface.Driver)
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			bad("logging.level: unknown %q", lvl)
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(s.Path) == "" {
				bad("storage.path is required for driver %q", s.Driver)
			}
		default:
			bad("storage.driver: unknown %q", s.Driver)
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			bad("scheduler.timezone: %v", err)
		}
	}

	if p := strings.TrimSpace(cfg.Pprof.Prefix); p != "" && !strings.HasPrefix(p, "/") {
		bad("pprof.prefix must start with /")
	}

	durations := map[string]string{
		"dispatcher.handler_timeout":    d.HandlerTimeout,
		"http.read_timeout":             cfg.HTTP.ReadTimeout,
		"http.write_timeout":            cfg.HTTP.WriteTimeout,
		"http.shutdown_timeout":         cfg.HTTP.ShutdownTimeout,
		"surface.telegram.poll_timeout": cfg.Surface.Telegram.PollTimeout,
	}
	if s := cfg.Storage; s != nil {
		durations["storage.busy_timeout"] = s.BusyTimeout
		durations["storage.retention"] = s.Retention
	}
	for _, k := range sortedKeys(durations) {
		if _, err := ParseDurationField(k, durations[k]); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
		}
	}

	return errors.Join(errs...)
}
