package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Activity ActivityConfig `json:"activity"`
	HTTP     HTTPConfig     `json:"http"`
	Auth     AuthConfig     `json:"auth"`
	Storage  *StorageConfig `json:"storage,omitempty"`
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

// ActivityConfig controls the activity log.
//
// Example:
//
//	"activity": { "dir": "./log", "resources": ["reports", "tasks"] }
type ActivityConfig struct {
	// Dir is the log root; partitions live under <dir>/activity.
	Dir string `json:"dir"`
	// Group is the rotation granularity. Only "day" is supported.
	Group string `json:"group,omitempty"`
	// Resources are opened eagerly at startup. Others are created on first write.
	Resources []string `json:"resources,omitempty"`
	// Console mirrors records to stdout in the short colored form.
	Console bool `json:"console"`
	// PollInterval drives live-tail when filesystem notifications are unavailable.
	PollInterval string `json:"poll_interval,omitempty"`
	// TempDir hosts replay staging files; empty uses the OS temp dir.
	TempDir string `json:"temp_dir,omitempty"`
}

// HTTPConfig controls the HTTP listener.
//
// Security note: pprof is mounted on the same listener; keep it off on
// public addresses.
type HTTPConfig struct {
	Addr              string `json:"addr"`
	PingInterval      string `json:"ping_interval,omitempty"`
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`
	Pprof             bool   `json:"pprof,omitempty"`

	// RatePerSec <= 0 disables rate limiting.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// AuthConfig controls token verification. JWTSecret is never logged.
type AuthConfig struct {
	JWTSecret      string `json:"jwt_secret"`
	AllowAnonymous bool   `json:"allow_anonymous,omitempty"`
	AnonymousName  string `json:"anonymous_name,omitempty"`
}

// StorageConfig controls the optional activity mirror.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/mirror" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}
