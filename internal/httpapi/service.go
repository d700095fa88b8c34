// Package httpapi serves the activity streams, the activity ingest and
// partition listing routes, a health probe and optional pprof over net/http.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"taskboard/internal/activity"
	"taskboard/internal/auth"
	rtsup "taskboard/internal/runtime/supervisor"
	"taskboard/internal/sse"
	logx "taskboard/pkg/logx"
)

// Config controls the listener. Pprof mounts /debug/pprof/ on the same
// listener; keep it off on public addresses.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	// PingInterval is the SSE keep-alive period; <= 0 uses the hub default.
	PingInterval time.Duration
	Pprof        bool

	// RatePerSec <= 0 disables rate limiting.
	RatePerSec float64
	Burst      int
}

// Deps are the collaborators the routes need. Hub, Streams, Recorders and
// Auth are required.
type Deps struct {
	// Dir is the activity root; partition listings are relative to it.
	Dir       string
	Hub       *sse.Hub
	Streams   *activity.Manager
	Recorders *activity.Registry
	Auth      *auth.Authenticator
	Log       logx.Logger
	Now       func() time.Time
}

// Service owns the HTTP server. Start and Stop are idempotent.
type Service struct {
	cfg     Config
	deps    Deps
	log     logx.Logger
	limiter *clientLimiter
	handler http.Handler

	mu       sync.Mutex
	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, deps Deps) *Service {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = deps.Hub.PingInterval()
	}
	s := &Service{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Log,
		limiter: newClientLimiter(cfg.RatePerSec, cfg.Burst),
	}
	s.handler = s.routes()
	return s
}

// Handler is the full route tree, usable without Start.
func (s *Service) Handler() http.Handler { return s.handler }

// SetRate applies a new admission rate to every client.
func (s *Service) SetRate(perSec float64, burst int) {
	s.limiter.SetRate(perSec, burst)
	s.log.Info("http rate limit updated", logx.Any("rate_per_sec", perSec), logx.Int("burst", burst))
}

// Addr is the bound listener address, empty when not running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	authed := s.deps.Auth.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		s.log.Debug("request rejected", logx.String("path", r.URL.Path), logx.Err(err))
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, auth.ErrUnauthorized.Error())
	})
	limited := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.limiter.Allow(clientKey(r)) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			h.ServeHTTP(w, r)
		})
	}
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, limited(authed(h)))
	}

	handle("GET /event/{name}", s.handleEvent)
	handle("GET /event/{name}/day/{day}", s.handleEventDay)
	handle("POST /api/v1/activity/{name}", s.handleRecord)
	handle("GET /api/v1/activity/{name}/partitions", s.handlePartitions)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.cfg.Pprof {
		mux.Handle("/debug/pprof/", limited(http.HandlerFunc(hpprof.Index)))
		mux.Handle("/debug/pprof/cmdline", limited(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", limited(http.HandlerFunc(hpprof.Profile)))
		mux.Handle("/debug/pprof/symbol", limited(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle("/debug/pprof/trace", limited(http.HandlerFunc(hpprof.Trace)))
	}
	return mux
}

// Start binds the listener and serves under a supervisor until Stop. A bind
// failure is returned; later serve failures restart the server.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || s.stopDone != nil {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if s.cfg.Pprof && !isLoopbackAddr(addr) {
		s.log.Warn("pprof exposed on non-loopback addr", logx.String("addr", addr))
	}

	s.ln = ln
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "http.sup"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	sup.GoRestart("http.serve", func(c context.Context) error {
		return s.serveOnce(c)
	},
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	s.log.Info("http started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	if ln == nil || s.stopDone != nil {
		s.mu.Unlock()
		return context.Canceled
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		ErrorLog:          logx.StdLogger(s.log.With(logx.String("comp", "http.server"))),
	}
	s.srv = srv
	s.mu.Unlock()

	err := srv.Serve(ln)

	s.mu.Lock()
	stopping := s.stopDone != nil
	if s.srv == srv {
		s.srv = nil
	}
	if !stopping && ctx.Err() == nil {
		// Serve closed the listener; bind a fresh one for the restart.
		if nl, lerr := net.Listen("tcp", ln.Addr().String()); lerr == nil {
			s.ln = nl
		}
	}
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

// Stop gracefully shuts the server down. Open SSE connections hold Shutdown
// until they end, so the hub should be shut down first.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return nil
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return nil
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, ln, sup := s.srv, s.ln, s.sup
	s.mu.Unlock()

	var shutdownErr error
	go func() {
		defer close(done)
		if srv != nil {
			shutdownErr = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http stopped")
	}()

	select {
	case <-done:
		return shutdownErr
	case <-ctx.Done():
		sup.Cancel()
		return ctx.Err()
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
