package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSONL backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ActivityEntry is one mirrored activity record.
// Keep it compact and schema-stable.
type ActivityEntry struct {
	At       time.Time       `json:"at"`
	Resource string          `json:"resource"`
	Tag      string          `json:"tag"`
	State    string          `json:"state"`
	Auth     string          `json:"auth,omitempty"`
	Stack    string          `json:"stack,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}
