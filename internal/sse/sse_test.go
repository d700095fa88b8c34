package sse

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// streamServer holds each connection open until it leaves OPEN.
func streamServer(t *testing.T, hub *Hub, onConn func(*Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := hub.Intercept(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer c.Close()
		if onConn != nil {
			onConn(c)
		}
		<-c.Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

type sseEvent struct {
	name, data, id string
}

func readEvents(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var (
		out []sseEvent
		cur sseEvent
	)
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			out = append(out, cur)
			cur = sseEvent{}
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		}
	}
	return out
}

func TestEmitFraming(t *testing.T) {
	hub := NewHub(Options{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/event/reports", nil)

	c, err := hub.Intercept(rec, req)
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	defer c.Close()

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control = %q", got)
	}

	if err := c.Emit(map[string]string{"a": "<b>"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := c.Emit("x", Event("custom")); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := c.Emit(1, ID(42)); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := c.Emit("line\nbreak"); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	want := "event: message\ndata: {\"a\":\"<b>\"}\nid: 1\n\n" +
		"event: custom\ndata: \"x\"\nid: 2\n\n" +
		"event: message\ndata: 1\nid: 42\n\n" +
		"event: message\ndata: \"line\\nbreak\"\nid: 3\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("body =\n%q\nwant\n%q", got, want)
	}
}

func TestEmitAndEndClosesChannel(t *testing.T) {
	hub := NewHub(Options{})
	rec := httptest.NewRecorder()
	c, err := hub.Intercept(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.EmitAndEnd("bye", Event(EventClose)); err != nil {
		t.Fatalf("EmitAndEnd: %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after EmitAndEnd")
	}
	if c.State() != StateClosing {
		t.Fatalf("state = %v, want CLOSING", c.State())
	}
	if err := c.Emit("late"); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("Emit after end = %v", err)
	}
	c.Close()
	c.Close()
	if c.State() != StateClosed {
		t.Fatalf("state = %v, want CLOSED", c.State())
	}
	if hub.Active() != 0 {
		t.Fatalf("Active = %d", hub.Active())
	}
	if strings.Count(rec.Body.String(), "event: ") != 1 {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

type noFlushWriter struct {
	h      http.Header
	status int
	wrote  int
}

func (w *noFlushWriter) Header() http.Header  { return w.h }
func (w *noFlushWriter) WriteHeader(code int) { w.status = code }

func (w *noFlushWriter) Write(b []byte) (int, error) {
	w.wrote += len(b)
	return len(b), nil
}

// wrappedWriter hides the recorder's Flush behind Unwrap, like middleware does.
type wrappedWriter struct {
	http.ResponseWriter
}

func (w wrappedWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func TestInterceptRequiresFlusher(t *testing.T) {
	hub := NewHub(Options{})
	w := &noFlushWriter{h: http.Header{}}
	_, err := hub.Intercept(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if !errors.Is(err, ErrStreamingUnsupported) {
		t.Fatalf("Intercept = %v, want ErrStreamingUnsupported", err)
	}
	if w.status != 0 || w.wrote != 0 || w.h.Get("Content-Type") != "" {
		t.Fatalf("response touched before failing: status=%d wrote=%d header=%v", w.status, w.wrote, w.h)
	}
	if hub.Active() != 0 || hub.Opened() != 0 {
		t.Fatalf("accounting changed: active=%d opened=%d", hub.Active(), hub.Opened())
	}
}

type failingWriter struct {
	*httptest.ResponseRecorder
	mu   sync.Mutex
	fail bool
}

func (w *failingWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return 0, errors.New("broken pipe")
	}
	return w.ResponseRecorder.Write(b)
}

func TestInterceptUnwrapsWriter(t *testing.T) {
	hub := NewHub(Options{})
	rec := httptest.NewRecorder()
	c, err := hub.Intercept(wrappedWriter{rec}, httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	defer c.Close()
	if rec.Code != http.StatusOK || !rec.Flushed {
		t.Fatalf("code=%d flushed=%v", rec.Code, rec.Flushed)
	}
}

func TestWriteErrorForcesClose(t *testing.T) {
	hub := NewHub(Options{})
	w := &failingWriter{ResponseRecorder: httptest.NewRecorder()}
	c, err := hub.Intercept(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	w.mu.Lock()
	w.fail = true
	w.mu.Unlock()
	if err := c.Emit("x"); err == nil {
		t.Fatal("expected write error")
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not closing after write error")
	}
	if err := c.Emit("y"); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("Emit after failure = %v", err)
	}
}

func TestConnectionAccounting(t *testing.T) {
	hub := NewHub(Options{})
	srv := streamServer(t, hub, nil)

	const k, j = 5, 2
	cancels := make([]context.CancelFunc, 0, k)
	for i := 0; i < k; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancels = append(cancels, cancel)
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
		t.Cleanup(func() { _ = resp.Body.Close() })
	}
	t.Cleanup(func() {
		for _, c := range cancels {
			c()
		}
	})
	waitFor(t, "k open", func() bool { return hub.Active() == k })

	for i := 0; i < j; i++ {
		cancels[i]()
	}
	waitFor(t, "k-j open", func() bool { return hub.Active() == k-j })
	time.Sleep(50 * time.Millisecond)
	if got := hub.Active(); got != k-j {
		t.Fatalf("Active = %d, want %d", got, k-j)
	}
	if got := hub.Opened(); got != k {
		t.Fatalf("Opened = %d, want %d", got, k)
	}
}

func TestShutdownSendsOneCloseEvent(t *testing.T) {
	hub := NewHub(Options{})
	srv := streamServer(t, hub, func(c *Conn) {
		_ = c.Emit("hello")
	})

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	waitFor(t, "connection", func() bool { return hub.Active() == 1 })

	eventsCh := make(chan []sseEvent, 1)
	go func() { eventsCh <- readEvents(t, resp) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hub.Shutdown(ctx, ""); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if hub.Active() != 0 {
		t.Fatalf("Active = %d after shutdown", hub.Active())
	}

	var events []sseEvent
	select {
	case events = <-eventsCh:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end")
	}
	closes := 0
	for _, ev := range events {
		if ev.name == EventClose {
			closes++
			if ev.data != `"server down"` {
				t.Fatalf("close data = %s", ev.data)
			}
		}
	}
	if closes != 1 {
		t.Fatalf("got %d close events: %+v", closes, events)
	}
	if last := events[len(events)-1]; last.name != EventClose {
		t.Fatalf("last event = %+v", last)
	}

	resp2, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("new connection after shutdown: status %d", resp2.StatusCode)
	}
}

func TestKeepAlivePings(t *testing.T) {
	hub := NewHub(Options{})
	srv := streamServer(t, hub, func(c *Conn) {
		c.StartKeepAlive(20 * time.Millisecond)
		c.StartKeepAlive(time.Hour)
	})

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	pings := 0
	for sc.Scan() && pings < 2 {
		if sc.Text() == "event: ping" {
			pings++
		}
	}
	if pings < 2 {
		t.Fatalf("got %d pings", pings)
	}
}

func TestShutdownWithoutConnections(t *testing.T) {
	hub := NewHub(Options{})
	if err := hub.Shutdown(context.Background(), "bye"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	_, err := hub.Intercept(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Intercept after shutdown = %v", err)
	}
}
