// Package ratelimit implements per-client token buckets for design submissions.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxKeys = 10000
	idleAfter      = 10 * time.Minute
)

// Config holds rate limiter configuration.
type Config struct {
	// PerMinute is the sustained submission rate per client. Zero or less disables limiting.
	PerMinute float64
	Burst     int
	// MaxKeys bounds the number of tracked clients.
	MaxKeys int
	// Now is used for idle tracking; defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages per-client rate limits.
type Limiter struct {
	mu       sync.Mutex
	clients  map[string]*entry
	limit    rate.Limit
	burst    int
	maxKeys  int
	now      func() time.Time
	disabled bool
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		clients:  make(map[string]*entry),
		limit:    rate.Limit(cfg.PerMinute / 60),
		burst:    burst,
		maxKeys:  maxKeys,
		now:      now,
		disabled: cfg.PerMinute <= 0,
	}
}

// Allow reports whether client may submit now, consuming a token if so.
func (l *Limiter) Allow(client string) bool {
	if l == nil || l.disabled {
		return true
	}
	now := l.now()
	l.mu.Lock()
	e, ok := l.clients[client]
	if !ok {
		if len(l.clients) >= l.maxKeys {
			l.evict(now)
		}
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = e
	}
	e.lastSeen = now
	l.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// evict makes room for a new client: idle clients go first and, when every
// tracked client is active, the least recently seen one is dropped. Callers
// hold l.mu.
func (l *Limiter) evict(now time.Time) {
	var (
		oldestKey  string
		oldestSeen time.Time
		found      bool
	)
	for key, e := range l.clients {
		if now.Sub(e.lastSeen) > idleAfter {
			delete(l.clients, key)
			continue
		}
		if !found || e.lastSeen.Before(oldestSeen) {
			oldestKey, oldestSeen, found = key, e.lastSeen, true
		}
	}
	if found && len(l.clients) >= l.maxKeys {
		delete(l.clients, oldestKey)
	}
}
