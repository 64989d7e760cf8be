// Package ratelimit implements an in-memory sliding-window rate limiter
// with progressive blacklisting of abusive clients.
package ratelimit

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/anaphygon/askgate/internal/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Reason explains why a request was rejected
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonRateLimited Reason = "RATE_LIMITED"
	ReasonBlacklisted Reason = "BLACKLISTED"
)

// Config controls the window and the escalation policy
type Config struct {
	Window             time.Duration
	MaxRequests        int
	ViolationThreshold int // <= 0 disables blacklisting
	BlacklistDuration  time.Duration
	IdleMultiplier     int
}

// Decision is the outcome of a single Admit call
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Reason     Reason
}

type clientRecord struct {
	timestamps []time.Time
	violations int
	total      int64
	lastSeen   time.Time
}

type (
	// Option configures the limiter
	Option func(l *Limiter)

	// Limiter counts requests per client within a rolling window
	Limiter struct {
		cfg    Config
		name   string
		clock  clock.Clock
		logger *zap.Logger

		mu        sync.Mutex
		clients   map[string]*clientRecord
		blacklist map[string]time.Time

		startedAt     time.Time
		totalRequests int64
		blocked       int64

		sweepOnce sync.Once

		decisions   *prometheus.CounterVec
		activeGauge prometheus.GaugeFunc
		blackGauge  prometheus.GaugeFunc
		registerer  prometheus.Registerer
	}
)

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithName labels metrics and logs, so several limiters can coexist
func WithName(name string) Option {
	return func(l *Limiter) { l.name = name }
}

// WithRegisterer registers the limiter's collectors
func WithRegisterer(r prometheus.Registerer) Option {
	return func(l *Limiter) { l.registerer = r }
}

// New creates a limiter. Zero config values fall back to 15 requests per
// minute, blacklisting for 10 minutes after 10 violations.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 15
	}
	if cfg.BlacklistDuration <= 0 {
		cfg.BlacklistDuration = 10 * time.Minute
	}
	if cfg.IdleMultiplier <= 0 {
		cfg.IdleMultiplier = 5
	}

	l := &Limiter{
		cfg:       cfg,
		name:      "chat",
		clock:     clock.Real{},
		logger:    zap.NewNop(),
		clients:   make(map[string]*clientRecord),
		blacklist: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.startedAt = l.clock.Now()

	labels := prometheus.Labels{"limiter": l.name}
	l.decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "askgate_ratelimit_decisions_total",
			Help:        "Rate limiter decisions by result.",
			ConstLabels: labels,
		},
		[]string{"result"},
	)
	l.activeGauge = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "askgate_ratelimit_active_clients",
			Help:        "Clients currently tracked by the rate limiter.",
			ConstLabels: labels,
		},
		func() float64 { return float64(l.Stats().ActiveClients) },
	)
	l.blackGauge = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "askgate_ratelimit_blacklisted_clients",
			Help:        "Clients currently blacklisted.",
			ConstLabels: labels,
		},
		func() float64 { return float64(l.Stats().BlacklistedClients) },
	)
	if l.registerer != nil {
		l.registerer.MustRegister(l.decisions, l.activeGauge, l.blackGauge)
	}

	return l
}

// Config returns the effective configuration
func (l *Limiter) Config() Config {
	return l.cfg
}

// Admit records a request from clientKey and decides whether it may proceed.
func (l *Limiter) Admit(clientKey string) Decision {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.totalRequests++

	if until, ok := l.blacklist[clientKey]; ok {
		if now.Before(until) {
			l.blocked++
			l.decisions.WithLabelValues("blacklisted").Inc()
			return l.blacklistedDecision(now, until)
		}
		delete(l.blacklist, clientKey)
	}

	rec, ok := l.clients[clientKey]
	if !ok {
		rec = &clientRecord{}
		l.clients[clientKey] = rec
	}
	rec.lastSeen = now
	rec.timestamps = prune(rec.timestamps, now.Add(-l.cfg.Window))
	if len(rec.timestamps) == 0 {
		// a full quiet window forgives earlier violations
		rec.violations = 0
	}

	if len(rec.timestamps) >= l.cfg.MaxRequests {
		l.blocked++
		rec.violations++

		if l.cfg.ViolationThreshold > 0 && rec.violations > l.cfg.ViolationThreshold {
			until := now.Add(l.cfg.BlacklistDuration)
			l.blacklist[clientKey] = until
			rec.violations = 0
			l.decisions.WithLabelValues("blacklisted").Inc()
			l.logger.Warn("Client temporarily blacklisted",
				zap.String("limiter", l.name),
				zap.String("client_key", clientKey),
				zap.Time("until", until))
			return l.blacklistedDecision(now, until)
		}

		resetAt := rec.timestamps[0].Add(l.cfg.Window)
		l.decisions.WithLabelValues("rate_limited").Inc()
		l.logger.Debug("Rate limit exceeded",
			zap.String("limiter", l.name),
			zap.String("client_key", clientKey),
			zap.Int("violations", rec.violations))
		return Decision{
			Allowed:    false,
			Limit:      l.cfg.MaxRequests,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: positive(resetAt.Sub(now)),
			Reason:     ReasonRateLimited,
		}
	}

	rec.timestamps = append(rec.timestamps, now)
	rec.total++
	l.decisions.WithLabelValues("allowed").Inc()

	return Decision{
		Allowed:   true,
		Limit:     l.cfg.MaxRequests,
		Remaining: l.cfg.MaxRequests - len(rec.timestamps),
		ResetAt:   rec.timestamps[0].Add(l.cfg.Window),
		Reason:    ReasonNone,
	}
}

func (l *Limiter) blacklistedDecision(now, until time.Time) Decision {
	return Decision{
		Allowed:    false,
		Limit:      l.cfg.MaxRequests,
		Remaining:  0,
		ResetAt:    until,
		RetryAfter: positive(until.Sub(now)),
		Reason:     ReasonBlacklisted,
	}
}

// Reset forgets everything known about a client, including a blacklist entry.
func (l *Limiter) Reset(clientKey string) {
	l.mu.Lock()
	delete(l.clients, clientKey)
	delete(l.blacklist, clientKey)
	l.mu.Unlock()

	l.logger.Info("Rate limit reset for client",
		zap.String("limiter", l.name),
		zap.String("client_key", clientKey))
}

// Sweep drops idle clients and expired blacklist entries, and prunes stale
// timestamps of active clients. It returns the number of clients removed.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()
	idle := l.cfg.Window * time.Duration(l.cfg.IdleMultiplier)
	cutoff := now.Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]string, 0, len(l.clients))
	for k := range l.clients {
		keys = append(keys, k)
	}

	removed := 0
	for _, k := range keys {
		rec, ok := l.clients[k]
		if !ok {
			continue
		}
		if now.Sub(rec.lastSeen) > idle {
			delete(l.clients, k)
			removed++
			continue
		}
		rec.timestamps = prune(rec.timestamps, cutoff)
	}

	for k, until := range l.blacklist {
		if !now.Before(until) {
			delete(l.blacklist, k)
		}
	}

	return removed
}

// StartSweeper runs Sweep every interval until ctx is cancelled. Only the
// first call starts a goroutine.
func (l *Limiter) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	l.sweepOnce.Do(func() {
		go l.runSweepLoop(ctx, interval)
	})
}

func (l *Limiter) runSweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("Cleaned inactive rate limit entries",
					zap.String("limiter", l.name),
					zap.Int("removed", n))
			}
		}
	}
}

// prune drops timestamps at or before cutoff. Timestamps are ascending.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

func positive(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// ClientKey derives a client identity from its IP address and user agent.
func ClientKey(ip, userAgent string) string {
	if ip == "" {
		ip = "unknown"
	}
	if userAgent == "" {
		userAgent = "unknown"
	}
	fp := base64.StdEncoding.EncodeToString([]byte(ip + "_" + userAgent))
	if len(fp) > 16 {
		fp = fp[:16]
	}
	return ip + "_" + fp
}
