package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseYAMLWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
activity:
  dir: /srv/log
  resources: [reports, tasks]
http:
  rate_per_sec: 5
auth:
  jwt_secret: s3cret
`)
	cfg, err := NewManager(path, nil).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Activity.Dir != "/srv/log" || len(cfg.Activity.Resources) != 2 {
		t.Fatalf("activity = %+v", cfg.Activity)
	}
	if cfg.HTTP.Addr != DefaultAddr || cfg.Logging.Level != "info" {
		t.Fatalf("defaults not kept: %+v %+v", cfg.HTTP, cfg.Logging)
	}
	d, err := cfg.ParseDurations()
	if err != nil {
		t.Fatal(err)
	}
	if d.PingInterval != DefaultPingInterval || d.PollInterval != DefaultPollInterval {
		t.Fatalf("durations = %+v", d)
	}
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "a.json")
	writeFile(t, p1, `{"activity":{"dir":"x"},"auth":{"jwt_secret":"k"},"telegram":{}}`)
	if _, err := NewManager(p1, nil).Parse(); err == nil {
		t.Fatal("expected unknown field error")
	}
	p2 := filepath.Join(dir, "b.json")
	writeFile(t, p2, `{"auth":{"jwt_secret":"k"}}{}`)
	if _, err := NewManager(p2, nil).Parse(); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("Parse = %v, want trailing data error", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err == nil {
		t.Fatal("expected missing secret error")
	}
	cfg.Auth.AllowAnonymous = true
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	cfg.Activity.Group = "hour"
	cfg.Activity.Resources = []string{"../etc"}
	cfg.HTTP.PingInterval = "soon"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"activity.group", "activity.resources[0]", "http.ping_interval"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %s", err, want)
		}
	}
}

func TestEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	writeFile(t, envPath, "LOG_DIR=/from/file\nJWT_KEY=filekey\nHTTP_ADDR=:9000\n")
	t.Setenv(EnvHTTPAddr, ":9100")

	env, err := LoadEnv(envPath)
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	cfgPath := filepath.Join(dir, "config.json")
	writeFile(t, cfgPath, `{"activity":{"dir":"./log"}}`)
	cfg, err := NewManager(cfgPath, env).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Activity.Dir != "/from/file" || cfg.Auth.JWTSecret != "filekey" || cfg.HTTP.Addr != ":9100" {
		t.Fatalf("overlay not applied: dir=%s addr=%s", cfg.Activity.Dir, cfg.HTTP.Addr)
	}

	if _, err := LoadEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}

func TestSummarizeChange(t *testing.T) {
	a := Default()
	b := Default()
	b.Logging.Level = "debug"
	b.HTTP.RatePerSec = 3
	b.Auth.JWTSecret = "new"
	changed, attrs, restart := SummarizeChange(a, b)
	if strings.Join(changed, ",") != "logging,http.rate,auth" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(restart, ",") != "auth" {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"auth":{"allow_anonymous":true},"logging":{"level":"info"}}`)

	m := NewManager(path, nil)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	writeFile(t, path, `{"auth":{"allow_anonymous":true},"logging":{"level":"debug"}}`)
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %s", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("config not committed")
	}
}
