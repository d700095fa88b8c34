package httpapi

import (
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Idle clients are forgotten after clientTTL.
const clientTTL = 3 * time.Minute

// clientLimiter is a token bucket per remote host.
type clientLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	clients   map[string]*client
	lastPrune time.Time
	now       func() time.Time
}

type client struct {
	lim  *rate.Limiter
	seen time.Time
}

func newClientLimiter(perSec float64, burst int) *clientLimiter {
	l := &clientLimiter{clients: map[string]*client{}, now: time.Now}
	l.SetRate(perSec, burst)
	return l
}

// SetRate changes the limit for existing and future clients. perSec <= 0
// disables limiting.
func (l *clientLimiter) SetRate(perSec float64, burst int) {
	lim := rate.Limit(perSec)
	if perSec <= 0 {
		lim = rate.Inf
	}
	if burst <= 0 {
		burst = max(1, int(math.Ceil(perSec)))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit, l.burst = lim, burst
	for _, c := range l.clients {
		c.lim.SetLimit(lim)
		c.lim.SetBurst(burst)
	}
}

func (l *clientLimiter) Allow(key string) bool {
	l.mu.Lock()
	if l.limit == rate.Inf {
		l.mu.Unlock()
		return true
	}
	now := l.now()
	if now.Sub(l.lastPrune) > clientTTL {
		for k, c := range l.clients {
			if now.Sub(c.seen) > clientTTL {
				delete(l.clients, k)
			}
		}
		l.lastPrune = now
	}
	c, ok := l.clients[key]
	if !ok {
		c = &client{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.seen = now
	l.mu.Unlock()
	return c.lim.AllowN(now, 1)
}

func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
