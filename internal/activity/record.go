package activity

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/fatih/color"
)

// Standard tags. Any other non-empty tag is accepted and uppercased.
const (
	TagCreate  = "CREATE"
	TagRead    = "READ"
	TagUpdate  = "UPDATE"
	TagRestore = "RESTORE"
	TagDelete  = "DELETE"
	// TagLog replaces an empty tag.
	TagLog     = "LOG"
)

type State string

const (
	StateSuccess State = "success"
	StateError   State = "error"
)

// datetimeLayout renders DD/MM/YYYY.HH:MM:SS in local wall-clock time.
const datetimeLayout = "02/01/2006.15:04:05"

// Message is what callers hand to the Recorder. Resource, tag and time are
// filled in by the Recorder itself.
type Message struct {
	State State
	// Auth is the opaque identity of the acting principal.
	Auth string
	// Data is serialized verbatim as JSON. json.RawMessage is written as-is.
	Data any
	// Stack is the caller location (file:line), usually from Site().
	Stack string
}

// Record is one rendered activity line.
type Record struct {
	Time     time.Time
	Tag      string
	Resource string
	Auth     string
	State    State
	Data     any
	Stack    string
}

func newRecord(tag, resource string, at time.Time, msg Message) Record {
	st := msg.State
	if st == "" {
		st = StateSuccess
	}
	return Record{
		Time:     at,
		Tag:      normalizeTag(tag),
		Resource: resource,
		Auth:     msg.Auth,
		State:    st,
		Data:     msg.Data,
		Stack:    msg.Stack,
	}
}

func normalizeTag(tag string) string {
	t := strings.ToUpper(strings.TrimSpace(tag))
	if t == "" {
		return TagLog
	}
	return t
}

// Datetime renders the record time as DD/MM/YYYY.HH:MM:SS.
func (r Record) Datetime() string { return r.Time.Format(datetimeLayout) }

func (r Record) stack() string {
	if r.Stack == "" {
		return "-"
	}
	return r.Stack
}

func (r Record) auth() string {
	if r.Auth == "" {
		return "-"
	}
	return r.Auth
}

// DataJSON serializes Data without HTML escaping. Unserializable values
// render as a JSON string describing the failure rather than failing the write.
func (r Record) DataJSON() string {
	if raw, ok := r.Data.(json.RawMessage); ok {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err == nil {
			return buf.String()
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r.Data); err != nil {
		b, _ := json.Marshal("unserializable: " + err.Error())
		return string(b)
	}
	return strings.TrimRight(buf.String(), "\n")
}

// Line renders the on-disk format (without trailing newline):
//
//	[<TAG>] #<resource> @<auth> <STATE> <datetime> <stack> - <json data>
func (r Record) Line() string {
	var b strings.Builder
	b.Grow(96)
	b.WriteString("[")
	b.WriteString(r.Tag)
	b.WriteString("] #")
	b.WriteString(r.Resource)
	b.WriteString(" @")
	b.WriteString(r.auth())
	b.WriteString(" ")
	b.WriteString(strings.ToUpper(string(r.State)))
	b.WriteString(" ")
	b.WriteString(r.Datetime())
	b.WriteString(" ")
	b.WriteString(r.stack())
	b.WriteString(" - ")
	b.WriteString(r.DataJSON())
	return b.String()
}

var (
	tagColor      = color.New(color.FgCyan)
	resourceColor = color.New(color.FgYellow)
	authColor     = color.New(color.FgMagenta)
	successColor  = color.New(color.FgGreen)
	errorColor    = color.New(color.FgRed)
	stackColor    = color.New(color.Underline)
)

// ConsoleLine renders the short console form: time only, no payload.
// Colors follow fatih/color's global NoColor detection.
func (r Record) ConsoleLine() string {
	state := strings.ToUpper(string(r.State))
	if r.State == StateSuccess {
		state = successColor.Sprint(state)
	} else {
		state = errorColor.Sprint(state)
	}
	return "[" + tagColor.Sprint(r.Tag) + "] #" + resourceColor.Sprint(r.Resource) +
		" @" + authColor.Sprint(r.auth()) + " " + state + " " +
		r.Time.Format("15:04:05") + " " + stackColor.Sprint(r.stack())
}
