package app

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"taskboard/internal/activity"
	"taskboard/internal/config"
	"taskboard/internal/storage"
)

func mapStorageConfig(cfg *config.Config, d config.Durations) (storage.Config, bool) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	busy := d.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true
}

// storeMirror copies every activity record into st.
func storeMirror(st storage.Store) activity.Mirror {
	return activity.MirrorFunc(func(ctx context.Context, r activity.Record) error {
		return st.AppendActivity(ctx, activityEntry(r))
	})
}

func activityEntry(r activity.Record) storage.ActivityEntry {
	return storage.ActivityEntry{
		At:       r.Time,
		Resource: r.Resource,
		Tag:      r.Tag,
		State:    string(r.State),
		Auth:     r.Auth,
		Stack:    r.Stack,
		Data:     json.RawMessage(r.DataJSON()),
	}
}
