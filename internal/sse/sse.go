// Package sse turns an HTTP response into a long-lived Server-Sent Events
// channel with per-connection ids, keep-alive pings, connection accounting
// and a shutdown broadcast.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	logx "taskboard/pkg/logx"
)

const (
	// EventMessage is the default event name.
	EventMessage = "message"
	// EventPing carries the server time as a keep-alive.
	EventPing = "ping"
	// EventClose is the terminal event; its data is a short reason.
	EventClose = "close"

	// ReasonShutdown is sent to every open connection on Hub.Shutdown.
	ReasonShutdown = "server down"
	// ReasonError is sent best-effort after a write failure.
	ReasonError = "response error"

	DefaultPingInterval = 30 * time.Second

	pingLayout = "1/2/2006, 3:04:05 PM"
)

var (
	ErrStreamingUnsupported = errors.New("sse: response does not support flushing")
	ErrConnClosed           = errors.New("sse: connection closed")
	ErrShuttingDown         = errors.New("sse: hub shutting down")
)

type Options struct {
	PingInterval time.Duration
	Log          logx.Logger
}

// Hub assigns connection ids, tracks open connections and broadcasts the
// shutdown close event.
type Hub struct {
	ping time.Duration
	log  logx.Logger

	nextID atomic.Uint64
	active atomic.Int64
	opened atomic.Uint64

	mu      sync.Mutex
	conns   map[uint64]*Conn
	closing bool
	drained chan struct{}
}

func NewHub(opts Options) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Hub{
		ping:  opts.PingInterval,
		log:   opts.Log,
		conns: map[uint64]*Conn{},
	}
}

// Active is the number of connections not yet CLOSED.
func (h *Hub) Active() int64 { return h.active.Load() }

// Opened is the number of connections ever intercepted.
func (h *Hub) Opened() uint64 { return h.opened.Load() }

// PingInterval is the default keep-alive interval.
func (h *Hub) PingInterval() time.Duration { return h.ping }

// canFlush reports whether w, or a writer it wraps, supports flushing. It
// follows the same Unwrap chain as http.ResponseController.
func canFlush(w http.ResponseWriter) bool {
	for {
		switch t := w.(type) {
		case http.Flusher, interface{ FlushError() error }:
			return true
		case interface{ Unwrap() http.ResponseWriter }:
			w = t.Unwrap()
		default:
			return false
		}
	}
}

// Intercept sets the streaming headers, commits a 200 response and returns
// an OPEN connection. The caller must Close it before the handler returns.
func (h *Hub) Intercept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	h.mu.Lock()
	closing := h.closing
	h.mu.Unlock()
	if closing {
		return nil, ErrShuttingDown
	}
	// Nothing is written when the writer cannot stream, so the caller can
	// still answer with an error status.
	if !canFlush(w) {
		return nil, ErrStreamingUnsupported
	}

	rc := http.NewResponseController(w)
	hdr := w.Header()
	hdr.Set("Cache-Control", "no-store")
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Content-Encoding", "none")
	hdr.Set("X-Accel-Buffering", "no")
	if r.ProtoMajor == 1 {
		hdr.Set("Connection", "keep-alive")
	}
	// Streams outlive the server's WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamingUnsupported, err)
	}

	c := &Conn{
		hub:  h,
		id:   h.nextID.Add(1),
		w:    w,
		rc:   rc,
		done: make(chan struct{}),
	}
	c.log = h.log.With(logx.Uint64("conn", c.id))

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return nil, ErrShuttingDown
	}
	h.conns[c.id] = c
	h.mu.Unlock()

	n := h.active.Add(1)
	h.opened.Add(1)
	c.stopCtx = context.AfterFunc(r.Context(), c.beginClose)
	c.log.Info("sse login", logx.Int64("open", n), logx.String("remote", r.RemoteAddr))
	return c, nil
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	if h.drained != nil && len(h.conns) == 0 {
		close(h.drained)
		h.drained = nil
	}
	h.mu.Unlock()
}

// Shutdown refuses new connections, sends every open connection a single
// close event with reason, and waits until all of them are CLOSED or ctx
// ends.
func (h *Hub) Shutdown(ctx context.Context, reason string) error {
	if reason == "" {
		reason = ReasonShutdown
	}
	h.mu.Lock()
	h.closing = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	var wait chan struct{}
	if len(h.conns) > 0 {
		if h.drained == nil {
			h.drained = make(chan struct{})
		}
		wait = h.drained
	}
	h.mu.Unlock()

	h.log.Info("sse shutdown", logx.Int("open", len(conns)), logx.String("reason", reason))
	for _, c := range conns {
		// A stalled client must not hold up the others.
		go func(c *Conn) {
			if err := c.EmitAndEnd(reason, Event(EventClose)); err != nil && !errors.Is(err, ErrConnClosed) {
				c.log.Debug("sse shutdown notice failed", logx.Err(err))
			}
		}(c)
	}
	if wait == nil {
		return nil
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sse shutdown: %d connections still open: %w", h.Active(), ctx.Err())
	}
}

// State is a connection's lifecycle position.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Conn is one SSE channel. Emit methods are safe for concurrent use.
type Conn struct {
	hub *Hub
	id  uint64
	log logx.Logger

	mu    sync.Mutex
	w     http.ResponseWriter
	rc    *http.ResponseController
	seq   uint64
	state State

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	stopCtx   func() bool
	kaOnce    sync.Once
	kaStop    chan struct{}
}

func (c *Conn) ID() uint64 { return c.id }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection leaves OPEN: client gone, EmitAndEnd,
// a write failure or hub shutdown. The handler should then Close and return.
func (c *Conn) Done() <-chan struct{} { return c.done }

type frame struct {
	event string
	id    uint64
	hasID bool
}

// EmitOption adjusts one emitted event.
type EmitOption func(*frame)

// Event sets the event name (default "message").
func Event(name string) EmitOption { return func(f *frame) { f.event = name } }

// ID sets an explicit event id; the automatic sequence is not advanced.
func ID(id uint64) EmitOption { return func(f *frame) { f.id, f.hasID = id, true } }

// Emit writes one framed event without ending the stream.
func (c *Conn) Emit(data any, opts ...EmitOption) error { return c.emit(data, false, opts) }

// EmitAndEnd writes one final event and moves the connection to CLOSING.
func (c *Conn) EmitAndEnd(data any, opts ...EmitOption) error { return c.emit(data, true, opts) }

func (c *Conn) emit(data any, final bool, opts []EmitOption) error {
	f := frame{event: EventMessage}
	for _, o := range opts {
		o(&f)
	}
	payload, err := encodeData(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if final {
		c.state = StateClosing
	}
	if !f.hasID {
		c.seq++
		f.id = c.seq
	}
	werr := c.writeLocked(f, payload)
	if werr != nil && c.state == StateOpen {
		c.state = StateClosing
		if p, err := encodeData(ReasonError); err == nil {
			c.seq++
			_ = c.writeLocked(frame{event: EventClose, id: c.seq}, p)
		}
	}
	c.mu.Unlock()

	if werr != nil {
		c.log.Error("sse write failed", logx.String("event", f.event), logx.Err(werr))
		c.beginClose()
		return werr
	}
	if final {
		c.beginClose()
	}
	return nil
}

func (c *Conn) writeLocked(f frame, payload []byte) error {
	var b bytes.Buffer
	b.Grow(len(f.event) + len(payload) + 32)
	b.WriteString("event: ")
	b.WriteString(f.event)
	b.WriteString("\ndata: ")
	b.Write(payload)
	b.WriteString("\nid: ")
	b.WriteString(strconv.FormatUint(f.id, 10))
	b.WriteString("\n\n")
	if _, err := c.w.Write(b.Bytes()); err != nil {
		return err
	}
	return c.rc.Flush()
}

// encodeData renders data as single-line JSON without HTML escaping.
func encodeData(data any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return nil, fmt.Errorf("sse: encode data: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// StartKeepAlive emits a "ping" event every interval until the connection
// leaves OPEN. Non-positive interval uses the hub default. Only the first
// call has an effect.
func (c *Conn) StartKeepAlive(interval time.Duration) {
	if interval <= 0 {
		interval = c.hub.ping
	}
	c.kaOnce.Do(func() {
		c.mu.Lock()
		c.kaStop = make(chan struct{})
		stop := c.kaStop
		c.mu.Unlock()
		go func() {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-stop:
					return
				case <-c.done:
					return
				case now := <-t.C:
					if err := c.Emit(now.Format(pingLayout), Event(EventPing)); err != nil {
						return
					}
				}
			}
		}()
	})
}

func (c *Conn) beginClose() {
	c.mu.Lock()
	if c.state == StateOpen {
		c.state = StateClosing
	}
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

// Close marks the connection CLOSED, stops the keep-alive and updates the
// hub's accounting. No writes happen after Close returns. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		if c.kaStop != nil {
			close(c.kaStop)
		}
		c.mu.Unlock()
		c.doneOnce.Do(func() { close(c.done) })
		if c.stopCtx != nil {
			c.stopCtx()
		}

		n := c.hub.active.Add(-1)
		c.hub.remove(c)
		c.log.Info("sse logout", logx.Int64("open", n))
	})
}
