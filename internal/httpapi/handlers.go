package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"taskboard/internal/activity"
	"taskboard/internal/auth"
	"taskboard/internal/sse"
	logx "taskboard/pkg/logx"
)

// maxRecordBody bounds the JSON payload of an ingested record.
const maxRecordBody = 1 << 20

// reasonPartitionGone is the close reason when the tailed file disappears.
const reasonPartitionGone = "partition removed"

type subscribeFunc func(ctx context.Context, onData func(string)) (*activity.Subscription, error)

func (s *Service) handleEvent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := activity.ValidateResource(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start, end, err := parseRange(r.URL.Query(), s.deps.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.stream(w, r, name, func(ctx context.Context, onData func(string)) (*activity.Subscription, error) {
		return s.deps.Streams.Subscribe(ctx, name, start, end, onData)
	})
}

func (s *Service) handleEventDay(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := activity.ValidateResource(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	day, err := strconv.Atoi(r.PathValue("day"))
	if err == nil {
		_, err = activity.DayOfMonth(s.deps.Now(), day)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid day %q", r.PathValue("day")))
		return
	}
	s.stream(w, r, name, func(ctx context.Context, onData func(string)) (*activity.Subscription, error) {
		return s.deps.Streams.SubscribeDay(ctx, name, day, onData)
	})
}

// stream turns the response into an SSE channel fed by one subscription.
// Each chunk becomes a "message" event; a terminal subscription error ends
// the channel with a "close" event.
func (s *Service) stream(w http.ResponseWriter, r *http.Request, resource string, subscribe subscribeFunc) {
	actor, _ := auth.FromContext(r.Context())
	conn, err := s.deps.Hub.Intercept(w, r)
	if err != nil {
		if errors.Is(err, sse.ErrShuttingDown) {
			writeError(w, http.StatusServiceUnavailable, sse.ReasonShutdown)
			return
		}
		s.log.Error("sse intercept failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer conn.Close()

	sub, err := subscribe(r.Context(), func(chunk string) {
		_ = conn.Emit(chunk)
	})
	if err != nil {
		s.log.Warn("activity subscribe failed", logx.String("resource", resource), logx.Err(err))
		_ = conn.EmitAndEnd(closeReason(err), sse.Event(sse.EventClose))
		return
	}
	defer sub.Cancel()

	log := s.log.With(
		logx.Uint64("conn", conn.ID()),
		logx.String("sub", sub.ID()),
		logx.String("resource", resource),
		logx.String("auth", actor.Identity()),
	)
	log.Info("activity stream opened")
	conn.StartKeepAlive(s.cfg.PingInterval)

	select {
	case <-conn.Done():
		log.Info("activity stream closed by client")
	case <-sub.Done():
		err := sub.Err()
		if err == nil {
			err = activity.ErrSubscriptionClosed
		}
		log.Info("activity stream ended", logx.Err(err))
		if eerr := conn.EmitAndEnd(closeReason(err), sse.Event(sse.EventClose)); eerr != nil && !errors.Is(eerr, sse.ErrConnClosed) {
			log.Debug("close notice failed", logx.Err(eerr))
		}
	}
}

func closeReason(err error) string {
	switch {
	case errors.Is(err, activity.ErrSubscriptionClosed):
		return sse.ReasonShutdown
	case errors.Is(err, activity.ErrPartitionGone):
		return reasonPartitionGone
	default:
		return sse.ReasonError
	}
}

// parseRange reads start/end as milliseconds since the epoch. A missing
// start is local midnight of today and a missing end is now.
func parseRange(q url.Values, now time.Time) (time.Time, time.Time, error) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	end := now
	if v := strings.TrimSpace(q.Get("start")); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start %q", v)
		}
		start = time.UnixMilli(ms).In(now.Location())
	}
	if v := strings.TrimSpace(q.Get("end")); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end %q", v)
		}
		end = time.UnixMilli(ms).In(now.Location())
	}
	return start, end, nil
}

type recordResponse struct {
	Resource string `json:"resource"`
	Tag      string `json:"tag"`
	State    string `json:"state"`
	Auth     string `json:"auth"`
}

func (s *Service) handleRecord(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := activity.ValidateResource(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	var state activity.State
	switch strings.ToLower(strings.TrimSpace(q.Get("state"))) {
	case "", string(activity.StateSuccess):
		state = activity.StateSuccess
	case string(activity.StateError):
		state = activity.StateError
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid state %q", q.Get("state")))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRecordBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	var data any
	if len(strings.TrimSpace(string(body))) > 0 {
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "body is not valid JSON")
			return
		}
		data = json.RawMessage(body)
	}

	rec, err := s.deps.Recorders.Get(name)
	if err != nil {
		if errors.Is(err, activity.ErrRegistryClosed) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.log.Error("activity recorder unavailable", logx.String("resource", name), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "recorder unavailable")
		return
	}
	actor, _ := auth.FromContext(r.Context())
	tag := strings.ToUpper(strings.TrimSpace(q.Get("tag")))
	rec.Log(tag, activity.Message{
		State: state,
		Auth:  actor.Identity(),
		Data:  data,
		Stack: activity.Site(),
	})
	if tag == "" {
		tag = activity.TagLog
	}
	writeJSON(w, http.StatusAccepted, recordResponse{Resource: name, Tag: tag, State: string(state), Auth: actor.Identity()})
}

type partitionsResponse struct {
	Resource   string   `json:"resource"`
	Start      int64    `json:"start"`
	End        int64    `json:"end"`
	Partitions []string `json:"partitions"`
}

func (s *Service) handlePartitions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := activity.ValidateResource(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start, end, err := parseRange(r.URL.Query(), s.deps.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	paths, err := s.deps.Streams.Resolver().Resolve(r.Context(), name, start, end)
	if err != nil {
		s.log.Error("partition resolve failed", logx.String("resource", name), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "resolve failed")
		return
	}
	root := activity.Root(s.deps.Dir)
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if rel, err := filepath.Rel(root, p); err == nil {
			p = filepath.ToSlash(rel)
		}
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, partitionsResponse{
		Resource:   name,
		Start:      start.UnixMilli(),
		End:        end.UnixMilli(),
		Partitions: out,
	})
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int64  `json:"connections"`
	OpenedTotal uint64 `json:"opened_total"`
	Streams     int    `json:"streams"`
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: s.deps.Hub.Active(),
		OpenedTotal: s.deps.Hub.Opened(),
		Streams:     s.deps.Streams.Active(),
	})
}
