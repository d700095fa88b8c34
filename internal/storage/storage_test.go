package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "taskboard/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v", d, st, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}

func TestFileStoreAppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "mirror.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	at := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	for i, tag := range []string{"CREATE", "DELETE"} {
		err := st.AppendActivity(context.Background(), ActivityEntry{
			At: at.Add(time.Duration(i) * time.Second), Resource: "reports", Tag: tag,
			State: "success", Auth: "alice", Data: json.RawMessage(`{"id":7}`),
		})
		if err != nil {
			t.Fatalf("AppendActivity: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.AppendActivity(context.Background(), ActivityEntry{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("append after close = %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "mirror.activity.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var got []ActivityEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e ActivityEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		got = append(got, e)
	}
	if len(got) != 2 || got[0].Tag != "CREATE" || got[1].Tag != "DELETE" {
		t.Fatalf("entries = %+v", got)
	}
	if string(got[0].Data) != `{"id":7}` || !got[0].At.Equal(at) {
		t.Fatalf("entry 0 = %+v", got[0])
	}
}
