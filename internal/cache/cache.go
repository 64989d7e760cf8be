// Package cache stores successful chat answers for a limited time.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/anaphygon/askgate/internal/clock"
	"github.com/anaphygon/askgate/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Config bounds the cache in time and size
type Config struct {
	TTL        time.Duration
	MaxEntries int
}

// Stats is a snapshot of cache activity
type Stats struct {
	Entries   int     `json:"entries"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hitRate"`
	Evictions int64   `json:"evictions"`
	TTL       string  `json:"ttl"`
	Capacity  int     `json:"capacity"`
}

type entry struct {
	key       string
	value     *models.Answer
	createdAt time.Time
	hitCount  int64
}

type (
	// Option configures the cache
	Option func(c *Cache)

	// Cache is a TTL map with insertion-order eviction. Hits do not refresh
	// an entry's position.
	Cache struct {
		cfg    Config
		clock  clock.Clock
		logger *zap.Logger

		mu      sync.Mutex
		order   *list.List // oldest insert at the front
		entries map[string]*list.Element

		hits      int64
		misses    int64
		evictions int64

		sweepOnce sync.Once

		lookups    *prometheus.CounterVec
		evicted    *prometheus.CounterVec
		size       prometheus.GaugeFunc
		registerer prometheus.Registerer
	}
)

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(ca *Cache) { ca.clock = c }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(ca *Cache) { ca.logger = logger }
}

// WithRegisterer registers the cache's collectors
func WithRegisterer(r prometheus.Registerer) Option {
	return func(ca *Cache) { ca.registerer = r }
}

// New creates a cache. Defaults are a one hour TTL and 100 entries.
func New(cfg Config, opts ...Option) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100
	}

	c := &Cache{
		cfg:     cfg,
		clock:   clock.Real{},
		logger:  zap.NewNop(),
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "askgate_cache_lookups_total",
		Help: "Response cache lookups by result.",
	}, []string{"result"})
	c.evicted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "askgate_cache_evictions_total",
		Help: "Response cache evictions by reason.",
	}, []string{"reason"})
	c.size = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "askgate_cache_entries",
		Help: "Entries currently held by the response cache.",
	}, func() float64 { return float64(c.Len()) })

	if c.registerer != nil {
		c.registerer.MustRegister(c.lookups, c.evicted, c.size)
	}

	return c
}

// Get returns a copy of the cached answer. Expired entries are removed.
func (c *Cache) Get(key string) (*models.Answer, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		c.lookups.WithLabelValues("miss").Inc()
		return nil, false
	}

	e := el.Value.(*entry)
	if !c.fresh(e, now) {
		c.remove(el, "expired")
		c.misses++
		c.lookups.WithLabelValues("expired").Inc()
		return nil, false
	}

	e.hitCount++
	c.hits++
	c.lookups.WithLabelValues("hit").Inc()
	return e.value.Clone(), true
}

// Put stores a copy of a successful answer and reports whether it did.
// Nil, empty and fallback answers are never stored.
func (c *Cache) Put(key string, value *models.Answer) bool {
	if value == nil || value.Fallback || strings.TrimSpace(value.Message) == "" {
		return false
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}

	for c.order.Len() >= c.cfg.MaxEntries {
		c.remove(c.order.Front(), "capacity")
	}

	c.entries[key] = c.order.PushBack(&entry{
		key:       key,
		value:     value.Clone(),
		createdAt: now,
	})
	return true
}

// EvictExpired removes every expired entry and returns how many were dropped
func (c *Cache) EvictExpired() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if !c.fresh(el.Value.(*entry), now) {
			c.remove(el, "expired")
			removed++
		}
		el = next
	}
	return removed
}

// Clear drops all entries
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.order.Len()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	return n
}

// Len returns the number of stored entries, expired ones included
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// HitCount returns how often key was served
func (c *Cache) HitCount(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		return el.Value.(*entry).hitCount
	}
	return 0
}

// Stats returns counters since creation
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:   c.order.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		TTL:       c.cfg.TTL.String(),
		Capacity:  c.cfg.MaxEntries,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total) * 100
	}
	return s
}

// StartSweeper evicts expired entries every interval until ctx is done
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	c.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := c.EvictExpired(); n > 0 {
						c.logger.Debug("Evicted expired cache entries", zap.Int("removed", n))
					}
				}
			}
		}()
	})
}

func (c *Cache) fresh(e *entry, now time.Time) bool {
	return now.Sub(e.createdAt) < c.cfg.TTL
}

func (c *Cache) remove(el *list.Element, reason string) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.entries, e.key)
	c.evictions++
	c.evicted.WithLabelValues(reason).Inc()
}

// Key derives the cache key of a question asked in a mode after the given
// conversation. Only the last two turns take part, each cut to 50 runes.
func Key(question, mode string, history []models.ChatTurn) string {
	var b strings.Builder
	b.WriteString(normalize(question))
	b.WriteByte('|')
	b.WriteString(strings.ToLower(strings.TrimSpace(mode)))
	b.WriteByte('|')

	start := len(history) - 2
	if start < 0 {
		start = 0
	}
	for _, turn := range history[start:] {
		if turn.IsUser {
			b.WriteString("u:")
		} else {
			b.WriteString("a:")
		}
		b.WriteString(truncateRunes(normalize(turn.Text), 50))
		b.WriteByte(';')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
