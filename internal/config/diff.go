package config

import (
	"reflect"
	"strings"

	logx "taskboard/pkg/logx"
)

// Sections applied without a restart.
var hotSections = map[string]bool{"logging": true, "http.rate": true}

// SummarizeChange returns the changed sections, safe structured attrs for
// logging (never secrets), and the subset of sections that need a restart.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if !hotSections[section] {
			restart = append(restart, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Activity, newCfg.Activity) {
		mark("activity",
			logx.String("activity.dir", strings.TrimSpace(newCfg.Activity.Dir)),
			logx.Int("activity.resources", len(newCfg.Activity.Resources)),
			logx.String("activity.poll_interval", newCfg.Activity.PollInterval),
		)
	}

	o, n := oldCfg.HTTP, newCfg.HTTP
	if o.RatePerSec != n.RatePerSec || o.Burst != n.Burst {
		mark("http.rate", logx.Any("http.rate_per_sec", n.RatePerSec), logx.Int("http.burst", n.Burst))
	}
	o.RatePerSec, o.Burst, n.RatePerSec, n.Burst = 0, 0, 0, 0
	if o != n {
		mark("http",
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
			logx.String("http.ping_interval", newCfg.HTTP.PingInterval),
		)
	}

	// Never log the secret itself.
	if oldCfg.Auth != newCfg.Auth {
		mark("auth",
			logx.Bool("auth.secret_set", newCfg.Auth.JWTSecret != ""),
			logx.Bool("auth.secret_changed", oldCfg.Auth.JWTSecret != newCfg.Auth.JWTSecret),
			logx.Bool("auth.allow_anonymous", newCfg.Auth.AllowAnonymous),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		driver := ""
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		mark("storage", logx.String("storage.driver", driver))
	}
	return changed, attrs, restart
}
