package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"taskboard/internal/activity"
)

// Defaults applied when a field is omitted.
const (
	DefaultAddr              = "127.0.0.1:8080"
	DefaultPingInterval      = 30 * time.Second
	DefaultPollInterval      = time.Second
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultAnonymousName     = "anonymous"
)

// Default returns a config usable without a file.
func Default() *Config {
	return &Config{
		Logging:  LoggingConfig{Level: "info", Console: true},
		Activity: ActivityConfig{Dir: "./log", Group: activity.GroupDay, Console: true},
		HTTP:     HTTPConfig{Addr: DefaultAddr},
		Auth:     AuthConfig{AnonymousName: DefaultAnonymousName},
	}
}

// Durations holds the parsed duration fields of a Config.
type Durations struct {
	PollInterval      time.Duration
	PingInterval      time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	BusyTimeout       time.Duration
}

// ParseDurations parses every duration field, applying defaults to empty or
// zero values.
func (c *Config) ParseDurations() (Durations, error) {
	var (
		d    Durations
		errs []error
	)
	parse := func(dst *time.Duration, path, raw string, def time.Duration) {
		v, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		*dst = v
	}
	parse(&d.PollInterval, "activity.poll_interval", c.Activity.PollInterval, DefaultPollInterval)
	parse(&d.PingInterval, "http.ping_interval", c.HTTP.PingInterval, DefaultPingInterval)
	parse(&d.ReadHeaderTimeout, "http.read_header_timeout", c.HTTP.ReadHeaderTimeout, DefaultReadHeaderTimeout)
	parse(&d.ShutdownTimeout, "http.shutdown_timeout", c.HTTP.ShutdownTimeout, DefaultShutdownTimeout)
	if c.Storage != nil {
		parse(&d.BusyTimeout, "storage.busy_timeout", c.Storage.BusyTimeout, 0)
	}
	return d, errors.Join(errs...)
}

// Validate checks a parsed config and fills defaults in place.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(c.Activity.Dir) == "" {
		errs = append(errs, errors.New("activity.dir is required"))
	}
	if g := strings.ToLower(strings.TrimSpace(c.Activity.Group)); g != "" && g != activity.GroupDay {
		errs = append(errs, fmt.Errorf("activity.group: unsupported %q (only %q)", c.Activity.Group, activity.GroupDay))
	}
	for i, r := range c.Activity.Resources {
		if err := activity.ValidateResource(r); err != nil {
			errs = append(errs, fmt.Errorf("activity.resources[%d]: %w", i, err))
		}
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = DefaultAddr
	}
	if c.HTTP.RatePerSec < 0 {
		errs = append(errs, errors.New("http.rate_per_sec must be >= 0"))
	}
	if c.HTTP.Burst < 0 {
		errs = append(errs, errors.New("http.burst must be >= 0"))
	}
	if strings.TrimSpace(c.Auth.AnonymousName) == "" {
		c.Auth.AnonymousName = DefaultAnonymousName
	}
	if c.Auth.JWTSecret == "" && !c.Auth.AllowAnonymous {
		errs = append(errs, errors.New("auth.jwt_secret is required unless auth.allow_anonymous is set"))
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(c.Storage.Path) == "" {
				errs = append(errs, errors.New("storage.path is required"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown %q", c.Storage.Driver))
		}
	}
	if _, err := c.ParseDurations(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d <= 0 {
		return def, err
	}
	return d, nil
}
