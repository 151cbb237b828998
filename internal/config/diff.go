package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pushagent/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (api key, tokens) are only reported
// as "*_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	ob, nb := oldCfg.Backend, newCfg.Backend
	if ob != nb {
		changed = append(changed, "backend")
		attrs = append(attrs,
			logx.String("backend.project_id", nb.ProjectID),
			logx.String("backend.sender_id", nb.SenderID),
			logx.Secret("backend.api_key", nb.APIKey),
			logx.Bool("backend.api_key_rotated", ob.APIKey != nb.APIKey),
		)
	}

	if !reflect.DeepEqual(oldCfg.Render, newCfg.Render) {
		changed = append(changed, "render")
		attrs = append(attrs,
			logx.String("render.product_name", newCfg.Render.ProductName),
			logx.Int("render.actions", len(newCfg.Render.Actions)),
		)
	}

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		d := newCfg.Dispatcher
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Int("dispatcher.lanes", d.Lanes),
			logx.Int("dispatcher.queue_size", d.QueueSize),
			logx.Int("dispatcher.display_rate_per_sec", d.DisplayRatePerSec),
			logx.String("dispatcher.handler_timeout", strings.TrimSpace(d.HandlerTimeout)),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Secret("http.token", newCfg.HTTP.Token),
		)
	}

	if oldCfg.Surface != newCfg.Surface {
		t := newCfg.Surface.Telegram
		changed = append(changed, "surface")
		attrs = append(attrs,
			logx.String("surface.driver", strings.TrimSpace(newCfg.Surface.Driver)),
			logx.Secret("surface.telegram.token", t.Token),
			logx.Int64("surface.telegram.chat_id", t.ChatID),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Nil storage means disabled.
	oldS, ns := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oldS != ns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.String("storage.retention", strings.TrimSpace(ns.Retention)),
			logx.String("storage.prune_schedule", strings.TrimSpace(ns.PruneSchedule)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}

	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.prefix", strings.TrimSpace(newCfg.Pprof.Prefix)),
			logx.Secret("pprof.token", newCfg.Pprof.Token),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
