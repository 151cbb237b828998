package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	logx "pushagent/pkg/logx"
)

const sampleJSON = `{
  "backend": {"api_key": "k", "project_id": "agrogeo", "sender_id": "123", "app_id": "1:123:web:abc"},
  "render": {"product_name": "ACME"},
  "dispatcher": {"lanes": 4, "handler_timeout": "2s"},
  "http": {"addr": "127.0.0.1:0"},
  "surface": {"driver": "bridge"},
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "storage": {"driver": "file", "path": "journal.jsonl", "retention": "24h"},
  "scheduler": {"timezone": "UTC"}
}`

const sampleYAML = `
backend:
  api_key: k
  project_id: agrogeo
  sender_id: "123"
  app_id: "1:123:web:abc"
render:
  product_name: ACME
  vibrate: [200, 100, 200]
dispatcher:
  lanes: 4
logging:
  level: info
  console: true
`

func TestDecodeFormats(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		file  string
		body  string
		lanes int
	}{
		{name: "json", file: "agent.json", body: sampleJSON, lanes: 4},
		{name: "yaml", file: "agent.yaml", body: sampleYAML, lanes: 4},
		{name: "yml", file: "agent.yml", body: sampleYAML, lanes: 4},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode(tt.file, []byte(tt.body))
			if err != nil {
				t.Fatalf("Decode error: %v", err)
			}
			if cfg.Backend.ProjectID != "agrogeo" || cfg.Backend.SenderID != "123" {
				t.Fatalf("backend = %+v", cfg.Backend)
			}
			if cfg.Render.ProductName != "ACME" {
				t.Fatalf("product name = %q", cfg.Render.ProductName)
			}
			if cfg.Dispatcher.Lanes != tt.lanes {
				t.Fatalf("lanes = %d, want %d", cfg.Dispatcher.Lanes, tt.lanes)
			}
			if err := Validate(cfg); err != nil {
				t.Fatalf("Validate error: %v", err)
			}
		})
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	if _, err := Decode("agent.json", []byte(`{"backend": {"apikey": "x"}}`)); err == nil {
		t.Fatal("expected unknown field error (json)")
	}
	if _, err := Decode("agent.yaml", []byte("render:\n  colour: red\n")); err == nil {
		t.Fatal("expected unknown field error (yaml)")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	t.Parallel()
	_, err := Decode("agent.json", []byte(`{} {}`))
	if !errors.Is(err, ErrTrailingData) {
		t.Fatalf("err = %v, want ErrTrailingData", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "zero config", mutate: func(c *Config) {}},
		{name: "telegram without token", mutate: func(c *Config) { c.Surface.Driver = "telegram" }, wantErr: true},
		{name: "telegram ok", mutate: func(c *Config) {
			c.Surface.Driver = "telegram"
			c.Surface.Telegram.Token = "t"
			c.Surface.Telegram.ChatID = -100
		}},
		{name: "unknown surface", mutate: func(c *Config) { c.Surface.Driver = "pager" }, wantErr: true},
		{name: "bad duration", mutate: func(c *Config) { c.Dispatcher.HandlerTimeout = "soon" }, wantErr: true},
		{name: "negative duration", mutate: func(c *Config) { c.HTTP.ReadTimeout = "-1s" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "sqlite without path", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, wantErr: true},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "redis", Path: "x"} }, wantErr: true},
		{name: "bad timezone", mutate: func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, wantErr: true},
		{name: "negative lanes", mutate: func(c *Config) { c.Dispatcher.Lanes = -1 }, wantErr: true},
		{name: "empty action id", mutate: func(c *Config) { c.Render.Actions = []ActionConfig{{Title: "x"}} }, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var cfg Config
			tt.mutate(&cfg)
			err := Validate(&cfg)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("err = %v, want ErrInvalid", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", " 150ms ", time.Second)
	if err != nil || d != 150*time.Millisecond {
		t.Fatalf("explicit: got %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "abc", time.Second); err == nil {
		t.Fatal("expected error")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg, err := Decode("a.json", []byte(sampleJSON))
	if err != nil {
		t.Fatal(err)
	}
	newCfg, err := Decode("a.json", []byte(sampleJSON))
	if err != nil {
		t.Fatal(err)
	}
	if changed, _ := SummarizeConfigChange(oldCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}

	newCfg.Backend.APIKey = "rotated-key-0042"
	newCfg.Logging.Level = "warn"
	newCfg.Storage.Retention = "48h"
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"backend", "logging", "storage"}
	if !slices.Equal(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}

	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config change summary", attrs...)
	if strings.Contains(buf.String(), "rotated-key") {
		t.Fatalf("api key leaked: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"backend.api_key":"***0042"`) {
		t.Fatalf("masked api key missing: %s", buf.String())
	}
}

func TestManagerLoadAndReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.json")
	if err := os.WriteFile(path, []byte(sampleJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path)
	m.debounce = 10 * time.Millisecond
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Same content: nothing published.
	m.reload(context.Background())
	select {
	case <-sub:
		t.Fatal("unchanged content must not publish")
	default:
	}

	// Invalid content: rejected, old snapshot kept.
	if err := os.WriteFile(path, []byte(`{"surface": {"driver": "pager"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	if m.Get() != cfg {
		t.Fatal("invalid config must not be committed")
	}

	m.SetValidator(func(ctx context.Context, c *Config) error {
		if c.Dispatcher.Lanes > 8 {
			return errors.New("too many lanes")
		}
		return nil
	})
	if err := os.WriteFile(path, []byte(`{"dispatcher": {"lanes": 16}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	if m.Get() != cfg {
		t.Fatal("validator rejection must not be committed")
	}

	if err := os.WriteFile(path, []byte(`{"dispatcher": {"lanes": 6}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	select {
	case got := <-sub:
		if got.Dispatcher.Lanes != 6 {
			t.Fatalf("lanes = %d, want 6", got.Dispatcher.Lanes)
		}
	default:
		t.Fatal("expected a published config")
	}
}

func TestManagerWatchPublishes(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for n := 3; ; n++ {
		// Rewrite until the watcher (which may still be starting) notices.
		body := sampleYAML + "\nscheduler:\n  timezone: UTC\n"
		if n%2 == 0 {
			body = sampleYAML
		}
		_ = os.WriteFile(path, []byte(body), 0o644)
		select {
		case got := <-sub:
			if got == nil {
				t.Fatal("nil config published")
			}
			cancel()
			<-done
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no config published within deadline")
		}
	}
}
