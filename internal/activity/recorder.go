package activity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"taskboard/internal/eventbus"
	logx "taskboard/pkg/logx"
)

// GroupDay is the only rotation group implemented.
const GroupDay = "day"

// Mirror receives a copy of every written record (e.g. a storage backend).
// Errors are logged and never affect the file sink.
type Mirror interface {
	MirrorRecord(ctx context.Context, r Record) error
}

// MirrorFunc adapts a function to Mirror.
type MirrorFunc func(ctx context.Context, r Record) error

func (f MirrorFunc) MirrorRecord(ctx context.Context, r Record) error { return f(ctx, r) }

// RecorderOptions configures a Recorder. Dir and Resource are required.
type RecorderOptions struct {
	Dir      string
	Resource string
	// Group is the rotation granularity; only "day" (or empty) is supported.
	Group string

	// Console receives the short colored form of each record. Nil disables it.
	Console io.Writer

	Clock  Clock
	Log    logx.Logger
	Bus    eventbus.Bus
	Mirror Mirror
}

// RotationState is the Recorder's rotation state machine position.
type RotationState int

const (
	// RotationPreAlign waits for the first local midnight after construction.
	RotationPreAlign RotationState = iota
	// RotationDaily repeats the swap at every following local midnight.
	RotationDaily
	// RotationStopped means Close was called.
	RotationStopped
)

func (s RotationState) String() string {
	switch s {
	case RotationPreAlign:
		return "pre_align"
	case RotationDaily:
		return "daily"
	case RotationStopped:
		return "stopped"
	default:
		return fmt.Sprintf("RotationState(%d)", int(s))
	}
}

// Recorder appends activity records for one resource into the current day's
// partition and rotates the partition at local midnight.
//
// Only one Recorder per resource should write to a given Dir.
type Recorder struct {
	dir      string
	resource string
	console  io.Writer
	clock    Clock
	log      logx.Logger
	bus      eventbus.Bus
	mirror   Mirror

	mu    sync.Mutex
	file  *os.File
	path  string
	state RotationState
	timer Timer
	due   time.Time
	// gen identifies the armed timer; a callback from a replaced one is ignored.
	gen uint64
}

// NewRecorder opens today's partition and arms the midnight-aligned rotation.
func NewRecorder(opts RecorderOptions) (*Recorder, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("activity: dir is required")
	}
	if err := ValidateResource(opts.Resource); err != nil {
		return nil, err
	}
	if g := strings.ToLower(strings.TrimSpace(opts.Group)); g != "" && g != GroupDay {
		return nil, fmt.Errorf("activity: unsupported rotation group %q", opts.Group)
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}

	r := &Recorder{
		dir:      opts.Dir,
		resource: opts.Resource,
		console:  opts.Console,
		clock:    opts.Clock,
		log:      opts.Log.With(logx.String("resource", opts.Resource)),
		bus:      opts.Bus,
		mirror:   opts.Mirror,
		state:    RotationPreAlign,
	}

	now := r.clock.Now()
	f, path, err := r.openSink(now)
	if err != nil {
		return nil, err
	}
	r.file, r.path = f, path

	due := NextMidnight(now)
	r.mu.Lock()
	r.scheduleLocked(now, due)
	r.mu.Unlock()

	r.log.Info("activity rotation armed",
		logx.String("state", RotationPreAlign.String()),
		logx.Duration("time_left", due.Sub(now)),
		logx.String("path", path),
	)
	return r, nil
}

func (r *Recorder) Resource() string { return r.resource }

// Path returns the partition currently receiving writes.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// State returns the rotation state.
func (r *Recorder) State() RotationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recorder) openSink(at time.Time) (*os.File, string, error) {
	path, err := EnsurePartition(r.dir, r.resource, at)
	if err != nil {
		return nil, "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("open partition %s: %w", path, err)
	}
	r.log.Debug("activity file sink opened", logx.String("path", path))
	return f, path, nil
}

// scheduleLocked arms the rotation for due, replacing any armed timer.
func (r *Recorder) scheduleLocked(now, due time.Time) {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.due = due
	r.gen++
	gen := r.gen
	wait := max(due.Sub(now), 0)
	r.timer = r.clock.AfterFunc(wait, func() { r.rotate(gen) })
}

type rotation struct {
	from, to string
	prev     RotationState
	next     time.Time
	err      error
}

// rotate is the timer callback for both PRE_ALIGN and DAILY.
func (r *Recorder) rotate(gen uint64) {
	r.mu.Lock()
	if r.state == RotationStopped || gen != r.gen {
		r.mu.Unlock()
		return
	}
	rot := r.rotateLocked(r.clock.Now())
	r.mu.Unlock()
	r.announce(rot)
}

// rotateLocked swaps to the partition of the day that started at r.due and
// arms the next local midnight. Each rotation computes that midnight from the
// calendar, so days of 23 or 25 hours stay aligned.
func (r *Recorder) rotateLocked(now time.Time) rotation {
	// The wall clock may read a hair before due when the timer fires.
	at := now
	if at.Before(r.due) {
		at = r.due
	}

	rot := rotation{from: r.path, prev: r.state}
	f, path, err := r.openSink(at)
	if err != nil {
		r.log.Error("activity rotation failed; keeping previous sink",
			logx.String("path", rot.from), logx.Err(err))
	} else {
		old := r.file
		r.file, r.path = f, path
		if old != nil {
			if cerr := old.Close(); cerr != nil {
				r.log.Warn("activity previous sink close failed", logx.String("path", rot.from), logx.Err(cerr))
			}
		}
	}

	r.state = RotationDaily
	r.scheduleLocked(now, NextMidnight(at))
	rot.to, rot.next, rot.err = r.path, r.due, err
	return rot
}

func (r *Recorder) announce(rot rotation) {
	r.log.Info("activity rotated",
		logx.String("from_state", rot.prev.String()),
		logx.String("path", rot.to),
		logx.Time("next", rot.next),
		logx.Bool("degraded", rot.err != nil),
	)
	r.publish(eventbus.TypeActivityRotate, map[string]any{
		"resource": r.resource,
		"from":     rot.from,
		"to":       rot.to,
		"ok":       rot.err == nil,
	})
}

// Log appends one record with an arbitrary tag (uppercased). It is
// fire-and-forget: failures are logged, never returned.
func (r *Recorder) Log(tag string, msg Message) {
	r.mu.Lock()
	// The record's time picks the sink: a write that reaches midnight before
	// the timer does rotates first.
	now := r.clock.Now()
	var rot *rotation
	if r.state != RotationStopped && !now.Before(r.due) {
		x := r.rotateLocked(now)
		rot = &x
	}
	rec := newRecord(tag, r.resource, now, msg)
	line := rec.Line() + "\n"
	if r.console != nil {
		if _, err := io.WriteString(r.console, rec.ConsoleLine()+"\n"); err != nil {
			r.log.Debug("activity console write failed", logx.Err(err))
		}
	}
	f, path := r.file, r.path
	var werr error
	if f != nil {
		_, werr = f.WriteString(line)
	}
	r.mu.Unlock()

	if rot != nil {
		r.announce(*rot)
	}

	if werr != nil {
		r.log.Error("activity write failed", logx.String("path", path), logx.Err(werr))
		return
	}
	if f == nil {
		r.log.Debug("activity write dropped; recorder closed", logx.String("tag", rec.Tag))
		return
	}

	if r.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := r.mirror.MirrorRecord(ctx, rec); err != nil {
			r.log.Warn("activity mirror failed", logx.String("tag", rec.Tag), logx.Err(err))
		}
		cancel()
	}
	r.publish(eventbus.TypeActivityRecord, map[string]any{
		"resource": r.resource,
		"tag":      rec.Tag,
		"state":    string(rec.State),
		"auth":     rec.Auth,
	})
}

func (r *Recorder) Create(msg Message)  { r.Log(TagCreate, msg) }
func (r *Recorder) Read(msg Message)    { r.Log(TagRead, msg) }
func (r *Recorder) Update(msg Message)  { r.Log(TagUpdate, msg) }
func (r *Recorder) Restore(msg Message) { r.Log(TagRestore, msg) }
func (r *Recorder) Delete(msg Message)  { r.Log(TagDelete, msg) }

func (r *Recorder) publish(typ string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.clock.Now(), Data: data})
}

// Close cancels the pending rotation and releases the file once in-flight
// writes are done. Safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == RotationStopped {
		return nil
	}
	r.state = RotationStopped
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	f := r.file
	r.file = nil
	if f != nil {
		return f.Close()
	}
	return nil
}
