package activity

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"taskboard/internal/eventbus"
	logx "taskboard/pkg/logx"
)

var (
	// ErrPartitionGone ends a subscription whose live partition was removed
	// or renamed while being tailed.
	ErrPartitionGone = errors.New("activity: live partition removed")
	// ErrSubscriptionClosed is returned by Subscribe after Manager.Close.
	ErrSubscriptionClosed = errors.New("activity: stream manager closed")
	// ErrDayOutOfRange rejects a day stream outside the current month.
	ErrDayOutOfRange = errors.New("activity: day out of range")
)

const (
	defaultPollInterval = time.Second
	// replayChunk bounds a single onData call during replay.
	replayChunk = 32 << 10
	// tailReadMax bounds one read of the live file per notification.
	tailReadMax = 1 << 20
)

// ManagerOptions configures a Manager. Dir is required.
type ManagerOptions struct {
	Dir string
	// PollInterval drives the live tail when fsnotify is unavailable.
	PollInterval time.Duration
	// ForcePoll skips fsnotify entirely.
	ForcePoll bool
	// TempDir hosts replay staging; empty uses os.TempDir.
	TempDir string

	Clock Clock
	Log   logx.Logger
	Bus   eventbus.Bus
}

// Manager hands out subscriptions that replay a range of partitions and then
// follow the current day's partition. It never writes to the activity tree.
type Manager struct {
	dir       string
	poll      time.Duration
	forcePoll bool
	tempDir   string
	clock     Clock
	log       logx.Logger
	bus       eventbus.Bus
	resolver  *Resolver

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
	wg     sync.WaitGroup
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Manager{
		dir:       opts.Dir,
		poll:      opts.PollInterval,
		forcePoll: opts.ForcePoll,
		tempDir:   opts.TempDir,
		clock:     opts.Clock,
		log:       opts.Log,
		bus:       opts.Bus,
		resolver:  NewResolver(opts.Dir),
		subs:      map[string]*Subscription{},
	}
}

// Resolver exposes the read-side resolver bound to the same directory.
func (m *Manager) Resolver() *Resolver { return m.resolver }

// Active reports the number of running subscriptions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Subscribe replays partitions in [start, end] and then tails today's
// partition. onData receives raw newline-terminated text in chronological
// order from a single goroutine. The subscription ends on Cancel, on ctx
// cancellation, or on a terminal error reported by Err.
func (m *Manager) Subscribe(ctx context.Context, resource string, start, end time.Time, onData func(string)) (*Subscription, error) {
	if err := ValidateResource(resource); err != nil {
		return nil, err
	}
	live := PartitionPath(m.dir, resource, m.clock.Now())
	return m.start(ctx, resource, live, onData, func(ctx context.Context) ([]string, error) {
		return m.resolver.Resolve(ctx, resource, start, end)
	})
}

// SubscribeDay replays one day's partition of the current month from the
// beginning and then tails that same partition, picking up exactly where the
// replay stopped reading.
func (m *Manager) SubscribeDay(ctx context.Context, resource string, day int, onData func(string)) (*Subscription, error) {
	if err := ValidateResource(resource); err != nil {
		return nil, err
	}
	d, err := DayOfMonth(m.clock.Now(), day)
	if err != nil {
		return nil, err
	}
	live := PartitionPath(m.dir, resource, d)
	return m.start(ctx, resource, live, onData, func(ctx context.Context) ([]string, error) {
		return m.resolver.Resolve(ctx, resource, d, d)
	})
}

// DayOfMonth returns local midnight of day in now's month.
func DayOfMonth(now time.Time, day int) (time.Time, error) {
	d := time.Date(now.Year(), now.Month(), day, 0, 0, 0, 0, now.Location())
	if day < 1 || d.Month() != now.Month() {
		return time.Time{}, fmt.Errorf("%w: %d in %s", ErrDayOutOfRange, day, now.Format("2006-01"))
	}
	return d, nil
}

func (m *Manager) start(parent context.Context, resource, live string, onData func(string), resolve func(context.Context) ([]string, error)) (*Subscription, error) {
	if onData == nil {
		onData = func(string) {}
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Subscription{
		id:       uuid.NewString(),
		resource: resource,
		live:     live,
		onData:   onData,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.log = m.log.With(logx.String("sub", s.id), logx.String("resource", resource))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, ErrSubscriptionClosed
	}
	m.subs[s.id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	m.publish(eventbus.TypeStreamOpen, s)
	go func() {
		defer m.wg.Done()
		defer m.forget(s)
		s.finish(m.run(ctx, s, resolve))
	}()
	return s, nil
}

func (m *Manager) forget(s *Subscription) {
	m.mu.Lock()
	delete(m.subs, s.id)
	m.mu.Unlock()
	m.publish(eventbus.TypeStreamClose, s)
}

func (m *Manager) publish(typ string, s *Subscription) {
	if m.bus == nil {
		return
	}
	data := map[string]any{"id": s.id, "resource": s.resource}
	if typ == eventbus.TypeStreamClose {
		if err := s.Err(); err != nil {
			data["err"] = err.Error()
		}
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: m.clock.Now(), Data: data})
}

// Close cancels every subscription and waits for their goroutines to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, s *Subscription, resolve func(context.Context) ([]string, error)) error {
	paths, err := resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve range: %w", err)
	}
	s.log.Debug("activity stream resolved", logx.Int("partitions", len(paths)), logx.String("live", s.live))

	cursor, err := m.replay(ctx, s, paths)
	if err != nil {
		return err
	}
	s.cursor.Store(cursor)
	return m.follow(ctx, s)
}

// replay stages every resolved partition into one scoped temp file and
// drains it through onData. It returns the live cursor.
func (m *Manager) replay(ctx context.Context, s *Subscription, paths []string) (int64, error) {
	var cursor int64
	liveListed := false

	stageDir, err := os.MkdirTemp(m.tempDir, "activity-stream-*")
	if err != nil {
		return 0, fmt.Errorf("create staging dir: %w", err)
	}
	defer func() {
		if rerr := os.RemoveAll(stageDir); rerr != nil {
			s.log.Warn("activity staging cleanup failed", logx.String("dir", stageDir), logx.Err(rerr))
		}
	}()

	stage, err := os.Create(filepath.Join(stageDir, "replay"))
	if err != nil {
		return 0, fmt.Errorf("create staging file: %w", err)
	}
	defer stage.Close()

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		limit := int64(-1)
		if p == s.live {
			liveListed = true
			size, err := fileSize(p)
			if err != nil {
				return 0, fmt.Errorf("stat live partition: %w", err)
			}
			limit = size
		}
		n, err := stageFile(stage, p, limit)
		if err != nil {
			return 0, err
		}
		if p == s.live {
			cursor = n
		}
	}

	if !liveListed {
		// Today's bytes were not requested; follow only what comes next.
		size, err := fileSize(s.live)
		if err != nil {
			return 0, fmt.Errorf("stat live partition: %w", err)
		}
		cursor = size
	}

	if _, err := stage.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewind staging file: %w", err)
	}
	if err := emitChunks(ctx, stage, s.deliver); err != nil {
		return 0, err
	}
	return cursor, nil
}

// stageFile appends src to dst. With limit >= 0 only whole lines within the
// first limit bytes are copied. It returns the number of bytes taken from src.
func stageFile(dst io.Writer, src string, limit int64) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open partition: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if limit >= 0 {
		buf, err := io.ReadAll(io.LimitReader(f, limit))
		if err != nil {
			return 0, fmt.Errorf("read partition: %w", err)
		}
		buf = buf[:bytes.LastIndexByte(buf, '\n')+1]
		n, err := dst.Write(buf)
		return int64(n), err
	}

	bw := &lastByteWriter{w: dst}
	n, err := io.Copy(bw, r)
	if err != nil {
		return n, fmt.Errorf("stage partition: %w", err)
	}
	if n > 0 && bw.last != '\n' {
		if _, err := io.WriteString(dst, "\n"); err != nil {
			return n, err
		}
	}
	return n, nil
}

type lastByteWriter struct {
	w    io.Writer
	last byte
}

func (l *lastByteWriter) Write(p []byte) (int, error) {
	n, err := l.w.Write(p)
	if n > 0 {
		l.last = p[n-1]
	}
	return n, err
}

// emitChunks reads r and calls emit with chunks of at most replayChunk bytes,
// cut on line boundaries whenever a line fits.
func emitChunks(ctx context.Context, r io.Reader, emit func(string) bool) error {
	br := bufio.NewReaderSize(r, replayChunk)
	var pending []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf := make([]byte, replayChunk-len(pending))
		n, err := io.ReadFull(br, buf)
		pending = append(pending, buf[:n]...)
		eof := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !eof {
			return fmt.Errorf("read staging file: %w", err)
		}
		if eof {
			if len(pending) > 0 && !emit(string(pending)) {
				return context.Canceled
			}
			return nil
		}
		cut := bytes.LastIndexByte(pending, '\n') + 1
		if cut == 0 {
			cut = len(pending)
		}
		if !emit(string(pending[:cut])) {
			return context.Canceled
		}
		pending = append(pending[:0:0], pending[cut:]...)
	}
}

// follow tails the live partition from the subscription cursor until the
// context ends or the file goes away.
func (m *Manager) follow(ctx context.Context, s *Subscription) error {
	notify := make(chan struct{}, 1)
	gone := make(chan struct{})
	kick := func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	}

	stop, mode := m.watch(ctx, s, kick, gone)
	defer stop()
	s.log.Debug("activity stream live", logx.String("mode", mode), logx.Int64("cursor", s.cursor.Load()))

	// Bytes may have landed between cursor capture and watch install.
	kick()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gone:
			m.drain(s)
			return ErrPartitionGone
		case <-notify:
			if err := m.drain(s); err != nil {
				return err
			}
		}
	}
}

// watch installs an fsnotify watch on the live partition's directory, or a
// polling loop when that is not possible. Both feed kick; a removal or
// rename of the file closes gone.
func (m *Manager) watch(ctx context.Context, s *Subscription, kick func(), gone chan struct{}) (func(), string) {
	var goneOnce sync.Once
	markGone := func() { goneOnce.Do(func() { close(gone) }) }

	if !m.forcePoll {
		stop, err := m.watchFS(ctx, s, kick, markGone)
		if err == nil {
			return stop, "fsnotify"
		}
		s.log.Debug("activity watch unavailable; polling", logx.Err(err))
	}
	return m.watchPoll(ctx, s, kick, markGone), "poll"
}

func (m *Manager) watchFS(ctx context.Context, s *Subscription, kick, markGone func()) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(s.live)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	name := filepath.Base(s.live)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				base := filepath.Base(ev.Name)
				if ev.Name == dir && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					markGone()
					return
				}
				if base != name {
					continue
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					markGone()
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					kick()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				// Overflow loses events, not data: a drain catches up.
				s.log.Warn("activity watch error", logx.Err(err))
				kick()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = w.Close()
			<-done
		})
	}, nil
}

func (m *Manager) watchPoll(ctx context.Context, s *Subscription, kick, markGone func()) func() {
	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(m.poll)
		defer t.Stop()
		seen := false
		var last int64 = -1
		for {
			select {
			case <-pctx.Done():
				return
			case <-t.C:
			}
			st, err := os.Stat(s.live)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				if seen {
					markGone()
					return
				}
				continue
			case err != nil:
				s.log.Warn("activity poll stat failed", logx.Err(err))
				continue
			}
			seen = true
			if st.Size() != last {
				last = st.Size()
				kick()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// drain emits whole lines appended after the cursor. Read errors are logged
// and treated as no new data.
func (m *Manager) drain(s *Subscription) error {
	cursor := s.cursor.Load()
	f, err := os.Open(s.live)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("activity tail open failed", logx.Err(err))
		}
		return nil
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		s.log.Warn("activity tail stat failed", logx.Err(err))
		return nil
	}
	if st.Size() < cursor {
		s.log.Warn("activity partition truncated; restarting from 0",
			logx.Int64("cursor", cursor), logx.Int64("size", st.Size()))
		cursor = 0
		s.cursor.Store(0)
	}

	for st.Size() > cursor {
		want := st.Size() - cursor
		if want > tailReadMax {
			want = tailReadMax
		}
		buf := make([]byte, want)
		n, err := f.ReadAt(buf, cursor)
		if err != nil && !errors.Is(err, io.EOF) {
			s.log.Warn("activity tail read failed", logx.Err(err))
			return nil
		}
		buf = buf[:n]
		cut := bytes.LastIndexByte(buf, '\n') + 1
		if cut == 0 {
			if int64(n) < tailReadMax {
				// Partial line; wait for its newline.
				return nil
			}
			cut = n
		}
		if !s.deliver(string(buf[:cut])) {
			return nil
		}
		cursor += int64(cut)
		s.cursor.Store(cursor)
	}
	return nil
}

func fileSize(path string) (int64, error) {
	st, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Subscription is one replay-then-live stream owned by a single caller.
type Subscription struct {
	id       string
	resource string
	live     string
	log      logx.Logger
	onData   func(string)
	cursor   atomic.Int64

	// deliverMu makes Cancel wait out an onData call in progress.
	deliverMu  sync.Mutex
	canceled   bool
	cancel     context.CancelFunc
	cancelOnce sync.Once

	done chan struct{}
	err  error
}

func (s *Subscription) ID() string       { return s.id }
func (s *Subscription) Resource() string { return s.resource }

// LivePath is the partition being tailed once replay is over.
func (s *Subscription) LivePath() string { return s.live }

// Cursor is the byte offset in LivePath already delivered.
func (s *Subscription) Cursor() int64 { return s.cursor.Load() }

// Cancel stops delivery and releases the watch and staging resources. Once
// it returns onData is never called again; an onData call in progress is
// waited for, so onData itself must not call Cancel. Safe to call repeatedly
// or after the stream ended on its own.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		s.cancel()
		s.deliverMu.Lock()
		s.canceled = true
		s.deliverMu.Unlock()
	})
}

// Done is closed once the subscription goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports the terminal error after Done is closed. It is nil when the
// stream was ended by Cancel or by its context.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Subscription) deliver(chunk string) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.canceled {
		return false
	}
	s.onData(chunk)
	return true
}

func (s *Subscription) finish(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	if err != nil {
		s.log.Warn("activity stream ended", logx.Err(err))
	} else {
		s.log.Debug("activity stream closed")
	}
	s.err = err
	s.Cancel()
	close(s.done)
}
