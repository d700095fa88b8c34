package activity

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
)

func TestRecordLineFormat(t *testing.T) {
	at := time.Date(2024, 1, 15, 9, 5, 7, 0, time.UTC)
	rec := newRecord("create", "reports", at, Message{
		Auth:  "alice",
		Data:  map[string]int{"id": 7},
		Stack: "handlers/report.go:42",
	})
	want := `[CREATE] #reports @alice SUCCESS 15/01/2024.09:05:07 handlers/report.go:42 - {"id":7}`
	if got := rec.Line(); got != want {
		t.Fatalf("Line() =\n%s\nwant\n%s", got, want)
	}
}

func TestRecordDefaults(t *testing.T) {
	rec := newRecord("  ", "tasks", time.Now(), Message{State: StateError})
	line := rec.Line()
	if !strings.HasPrefix(line, "[LOG] #tasks @- ERROR ") {
		t.Fatalf("unexpected line %q", line)
	}
	if !strings.HasSuffix(line, " - - null") {
		t.Fatalf("missing stack/data placeholders: %q", line)
	}
}

func TestRecordDataVerbatim(t *testing.T) {
	rec := newRecord(TagUpdate, "r", time.Now(), Message{Data: json.RawMessage("{ \"q\" : \"<a&b>\" }")})
	if got := rec.DataJSON(); got != `{"q":"<a&b>"}` {
		t.Fatalf("DataJSON = %s", got)
	}
	rec = newRecord(TagUpdate, "r", time.Now(), Message{Data: map[string]string{"q": "<a&b>"}})
	if got := rec.DataJSON(); got != `{"q":"<a&b>"}` {
		t.Fatalf("DataJSON escaped HTML: %s", got)
	}
	rec = newRecord(TagUpdate, "r", time.Now(), Message{Data: make(chan int)})
	if got := rec.DataJSON(); !strings.HasPrefix(got, `"unserializable: `) {
		t.Fatalf("DataJSON for chan = %s", got)
	}
}

func TestConsoleLineOmitsData(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	at := time.Date(2024, 1, 15, 9, 5, 7, 0, time.UTC)
	rec := newRecord(TagDelete, "reports", at, Message{Auth: "bob", Data: map[string]int{"id": 1}})
	want := "[DELETE] #reports @bob SUCCESS 09:05:07 -"
	if got := rec.ConsoleLine(); got != want {
		t.Fatalf("ConsoleLine() = %q, want %q", got, want)
	}
}

func TestSiteIsCallerRelative(t *testing.T) {
	s := Site()
	if !strings.HasPrefix(s, "record_test.go:") {
		t.Fatalf("Site() = %q", s)
	}
}
