package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"taskboard/internal/activity"
	"taskboard/internal/auth"
	"taskboard/internal/config"
	"taskboard/internal/eventbus"
	"taskboard/internal/httpapi"
	rtsup "taskboard/internal/runtime/supervisor"
	"taskboard/internal/sse"
	"taskboard/internal/storage"
	logx "taskboard/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	recs    *activity.Registry
	streams *activity.Manager
	hub     *sse.Hub
	http    *httpapi.Service

	shutdownTimeout time.Duration
}

// Options tune NewApp. Zero values are fine.
type Options struct {
	// Env overlays the config file (see config.LoadEnv).
	Env config.Env
	// Console receives the colored activity lines; nil uses stdout.
	Console io.Writer
}

func NewApp(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath, opts.Env)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	d, err := cfg.ParseDurations()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled := mapStorageConfig(cfg, d); enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	var console io.Writer
	if cfg.Activity.Console {
		console = opts.Console
		if console == nil {
			console = color.Output
		}
	}
	recOpts := activity.RecorderOptions{
		Dir:     cfg.Activity.Dir,
		Group:   cfg.Activity.Group,
		Console: console,
		Log:     log.With(logx.String("comp", "activity")),
		Bus:     bus,
	}
	if store != nil {
		recOpts.Mirror = storeMirror(store)
	}
	recs := activity.NewRegistry(recOpts)
	for _, r := range cfg.Activity.Resources {
		if _, err := recs.Get(r); err != nil {
			_ = recs.Close()
			if store != nil {
				_ = store.Close()
			}
			return nil, fmt.Errorf("open recorder %s: %w", r, err)
		}
	}

	streams := activity.NewManager(activity.ManagerOptions{
		Dir:          cfg.Activity.Dir,
		PollInterval: d.PollInterval,
		TempDir:      cfg.Activity.TempDir,
		Log:          log.With(logx.String("comp", "stream")),
		Bus:          bus,
	})
	hub := sse.NewHub(sse.Options{
		PingInterval: d.PingInterval,
		Log:          log.With(logx.String("comp", "sse")),
	})
	authn := auth.New(auth.Config{
		Secret:         []byte(cfg.Auth.JWTSecret),
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		AnonymousName:  cfg.Auth.AnonymousName,
	})
	httpSvc := httpapi.New(httpapi.Config{
		Addr:              cfg.HTTP.Addr,
		ReadHeaderTimeout: d.ReadHeaderTimeout,
		PingInterval:      d.PingInterval,
		Pprof:             cfg.HTTP.Pprof,
		RatePerSec:        cfg.HTTP.RatePerSec,
		Burst:             cfg.HTTP.Burst,
	}, httpapi.Deps{
		Dir:       cfg.Activity.Dir,
		Hub:       hub,
		Streams:   streams,
		Recorders: recs,
		Auth:      authn,
		Log:       log.With(logx.String("comp", "http")),
	})

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		recs:    recs,
		streams: streams,
		hub:     hub,
		http:    httpSvc,

		shutdownTimeout: d.ShutdownTimeout,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// Addr is the bound HTTP address once started.
func (a *App) Addr() string { return a.http.Addr() }

// ShutdownTimeout bounds Stop as configured by http.shutdown_timeout.
func (a *App) ShutdownTimeout() time.Duration { return a.shutdownTimeout }

// Recorders exposes the per-resource recorders.
func (a *App) Recorders() *activity.Registry { return a.recs }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.http.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("http listen: %w", err)
	}

	// Debug visibility into recorder and stream events.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if !a.log.Enabled(logx.LevelDebug) {
					continue
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("addr", a.http.Addr()), logx.String("dir", a.cfgm.Get().Activity.Dir))
	return nil
}

// applyConfig hot-applies logging and the HTTP rate limit. Other sections
// only take effect after a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(next))
		case "http.rate":
			a.http.SetRate(next.HTTP.RatePerSec, next.HTTP.Burst)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts the app down within ctx. Every step runs even when an earlier one
// fails; the failures are returned joined.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Failed or timed-out steps are collected into the returned error.
	var errs []error

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Streams get their close event before the server stops accepting.
	step("sse", 3*time.Second, func(c context.Context) error { return a.hub.Shutdown(c, sse.ReasonShutdown) })
	step("http", 3*time.Second, func(c context.Context) error { return a.http.Stop(c) })
	step("streams", 2*time.Second, func(c context.Context) error { a.streams.Close(); return nil })
	step("recorders", 1*time.Second, func(c context.Context) error { return a.recs.Close() })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	// A fatal error they recorded is reported by Err, not as a stop failure.
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if c.Err() != nil {
			return err
		}
		return nil
	})

	a.log.Info("stopped", logx.Int("failed_steps", len(errs)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
