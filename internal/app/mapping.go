package app

import (
	"fmt"
	"strings"
	"time"

	"pushagent/internal/agent"
	"pushagent/internal/config"
	"pushagent/internal/storage"
	"pushagent/internal/transport/bridge"
	"pushagent/internal/transport/httpapi"
	"pushagent/internal/transport/telegram"
	logx "pushagent/pkg/logx"
)

const (
	surfaceBridge   = "bridge"
	surfaceTelegram = "telegram"

	defaultPruneSchedule = "@hourly"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDefaults(cfg *config.Config) agent.Defaults {
	r := cfg.Render
	d := agent.Defaults{
		ProductName: r.ProductName,
		Body:        r.DefaultBody,
		Target:      r.DefaultTarget,
		Icon:        r.Icon,
		Badge:       r.Badge,
		Vibrate:     r.Vibrate,
	}
	for _, a := range r.Actions {
		d.Actions = append(d.Actions, agent.Action{Action: a.Action, Title: a.Title})
	}
	return d
}

func mapDispatcherConfig(cfg *config.Config) (agent.DispatcherConfig, error) {
	dc := cfg.Dispatcher
	timeout, err := config.ParseDurationField("dispatcher.handler_timeout", dc.HandlerTimeout)
	if err != nil {
		return agent.DispatcherConfig{}, err
	}
	return agent.DispatcherConfig{
		Lanes:             dc.Lanes,
		QueueSize:         dc.QueueSize,
		DisplayRatePerSec: dc.DisplayRatePerSec,
		HandlerTimeout:    timeout,
		HistorySize:       dc.HistorySize,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// Long-lived bridge connections manage their own write deadlines, so no
	// server-wide write timeout unless configured.
	write, err := config.ParseDurationField("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	shutdown, err := config.ParseDurationOrDefault("http.shutdown_timeout", hc.ShutdownTimeout, 3*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:            hc.Addr,
		Token:           hc.Token,
		ReadTimeout:     read,
		WriteTimeout:    write,
		ShutdownTimeout: shutdown,
		Backend: httpapi.BackendAuth{
			APIKey:    cfg.Backend.APIKey,
			ProjectID: cfg.Backend.ProjectID,
			SenderID:  cfg.Backend.SenderID,
		},
		Pprof: httpapi.PprofConfig{
			Enabled: cfg.Pprof.Enabled,
			Prefix:  cfg.Pprof.Prefix,
			Token:   cfg.Pprof.Token,
		},
	}, nil
}

func mapBridgeOptions(cfg *config.Config) bridge.Options {
	return bridge.Options{Token: cfg.HTTP.Token}
}

func surfaceDriver(cfg *config.Config) string {
	d := strings.ToLower(strings.TrimSpace(cfg.Surface.Driver))
	if d == "" {
		return surfaceBridge
	}
	return d
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Surface.Telegram
	poll, err := config.ParseDurationOrDefault("surface.telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       tc.Token,
		ChatID:      tc.ChatID,
		ThreadID:    tc.ThreadID,
		PollTimeout: poll,
	}, nil
}

// journalPolicy is the storage section mapped for the app. enabled is false
// when no journal is configured.
type journalPolicy struct {
	store     storage.Config
	enabled   bool
	retention time.Duration
	schedule  string
}

func mapStorageConfig(cfg *config.Config) (journalPolicy, error) {
	if cfg == nil || cfg.Storage == nil {
		return journalPolicy{}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return journalPolicy{}, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return journalPolicy{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return journalPolicy{}, err
	}
	retention, err := config.ParseDurationField("storage.retention", sc.Retention)
	if err != nil {
		return journalPolicy{}, err
	}
	schedule := strings.TrimSpace(sc.PruneSchedule)
	if schedule == "" {
		schedule = defaultPruneSchedule
	}
	return journalPolicy{
		store:     storage.Config{Driver: driver, Path: path, BusyTimeout: busy},
		enabled:   true,
		retention: retention,
		schedule:  schedule,
	}, nil
}

// validateMapping rejects configs the app cannot build components from.
// It runs on every hot reload after config.Validate.
func validateMapping(cfg *config.Config) error {
	if _, err := mapDispatcherConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	_, err := mapStorageConfig(cfg)
	return err
}
