package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(b), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("bad json line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestWriterFieldsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "sse"))
	log.Debug("hidden")
	log.Info("sse login", Int64("open", 3), Err(errors.New("x")), Err(nil))

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 1 {
		t.Fatalf("got %d lines: %s", len(lines), buf.String())
	}
	l := lines[0]
	if l["message"] != "sse login" || l["comp"] != "sse" || l["open"] != float64(3) || l["err"] != "x" {
		t.Fatalf("line = %v", l)
	}
	if c, _ := l["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %v", l["caller"])
	}
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero value not IsZero")
	}
	zero.Info("no panic")
	if Nop().IsZero() {
		t.Fatal("Nop reported IsZero")
	}
}

func TestEnabledFollowsLevel(t *testing.T) {
	log := NewWriter(&bytes.Buffer{}, "warn")
	if log.Enabled(LevelInfo) || !log.Enabled(LevelError) {
		t.Fatal("warn logger: info enabled or error disabled")
	}
	if Nop().Enabled(LevelError) {
		t.Fatal("Nop reports error enabled")
	}

	svc, svcLog := New(Config{Level: "info"})
	defer svc.Close()
	if svcLog.Enabled(LevelDebug) {
		t.Fatal("debug enabled at info")
	}
	svc.Apply(Config{Level: "debug"})
	if !svcLog.Enabled(LevelDebug) {
		t.Fatal("debug still disabled after Apply")
	}
}

func TestServiceApplySwapsFileSink(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "a", "one.log")
	p2 := filepath.Join(dir, "two.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: p1}})
	defer svc.Close()
	log.Info("first")

	svc.Apply(Config{Level: "warn", File: FileConfig{Enabled: true, Path: p2}})
	log.Info("dropped")
	log.Warn("second")

	b1, err := os.ReadFile(p1)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := os.ReadFile(p2)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b1), "first") || strings.Contains(string(b1), "second") {
		t.Fatalf("one.log = %s", b1)
	}
	if strings.Contains(string(b2), "dropped") || !strings.Contains(string(b2), "second") {
		t.Fatalf("two.log = %s", b2)
	}
	if svc.Config().Level != "warn" {
		t.Fatalf("Config().Level = %s", svc.Config().Level)
	}
}

func TestStdLogger(t *testing.T) {
	var buf bytes.Buffer
	StdLogger(NewWriter(&buf, "debug")).Printf("http: TLS handshake error")
	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 1 || lines[0]["level"] != "warn" || lines[0]["message"] != "http: TLS handshake error" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("warning") != LevelWarn || ParseLevel("bogus") != LevelInfo || ParseLevel(" debug ") != LevelDebug {
		t.Fatal("ParseLevel mismatch")
	}
}
