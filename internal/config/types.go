package config

// Config is the on-disk agent configuration (JSON, or YAML by file extension).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Backend    BackendConfig    `json:"backend"`
	Render     RenderConfig     `json:"render"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	HTTP       HTTPConfig       `json:"http"`
	Surface    SurfaceConfig    `json:"surface"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Pprof      PprofConfig      `json:"pprof,omitempty"`
}

// BackendConfig holds the messaging backend project identifiers.
//
// APIKey doubles as the shared secret for push authentication. Never log it.
type BackendConfig struct {
	APIKey        string `json:"api_key"`
	AuthDomain    string `json:"auth_domain,omitempty"`
	ProjectID     string `json:"project_id"`
	StorageBucket string `json:"storage_bucket,omitempty"`
	SenderID      string `json:"sender_id"`
	AppID         string `json:"app_id"`
	MeasurementID string `json:"measurement_id,omitempty"`
}

// RenderConfig overrides the fallback values used when a payload omits a field.
// Zero values keep the built-in defaults.
type RenderConfig struct {
	ProductName   string         `json:"product_name,omitempty"`
	DefaultBody   string         `json:"default_body,omitempty"`
	DefaultTarget string         `json:"default_target,omitempty"`
	Icon          string         `json:"icon,omitempty"`
	Badge         string         `json:"badge,omitempty"`
	Vibrate       []int          `json:"vibrate,omitempty"`
	Actions       []ActionConfig `json:"actions,omitempty"`
}

type ActionConfig struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// DispatcherConfig controls the event queue feeding the agent handlers.
//
// Defaults (when fields are omitted/zero):
//   - lanes: 2
//   - queue_size: 256
//   - display_rate_per_sec: 10
//   - handler_timeout: "0s" (disabled)
//   - history_size: 200
type DispatcherConfig struct {
	Lanes             int    `json:"lanes,omitempty"`
	QueueSize         int    `json:"queue_size,omitempty"`
	DisplayRatePerSec int    `json:"display_rate_per_sec,omitempty"`
	HandlerTimeout    string `json:"handler_timeout,omitempty"`
	HistorySize       int    `json:"history_size,omitempty"`
}

// HTTPConfig controls the ingress server (push endpoint, host bridge, health).
type HTTPConfig struct {
	Addr string `json:"addr"` // default: "127.0.0.1:8787"
	// Token guards the interaction/history endpoints and the host bridge handshake.
	// Empty disables the check.
	Token string `json:"token,omitempty"`

	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// SurfaceConfig selects where rendered notifications are shown.
//
// Driver values:
//   - "bridge" (default): connected host windows over the WebSocket bridge
//   - "telegram": a Telegram chat, with inline buttons for actions
type SurfaceConfig struct {
	Driver   string                `json:"driver,omitempty"`
	Telegram SurfaceTelegramConfig `json:"telegram,omitempty"`
}

type SurfaceTelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the delivery/interaction journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/journal.db", "retention": "720h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// Retention drops journal records older than this. "0s" keeps everything.
	Retention string `json:"retention,omitempty"`
	// PruneSchedule is a cron spec (5/6 fields or @descriptor). Default "@hourly".
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// SchedulerConfig controls the housekeeping scheduler.
type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

// PprofConfig mounts net/http/pprof on the ingress router.
//
// Security note: set a token whenever http.addr is not loopback.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Prefix  string `json:"prefix,omitempty"` // default: "/debug/pprof"
	Token   string `json:"token,omitempty"`  // do not log
}
