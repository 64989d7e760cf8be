package ratelimit

import "time"

// Stats is a read-only snapshot for observability
type Stats struct {
	Uptime             time.Duration `json:"-"`
	UptimeSeconds      int64         `json:"uptimeSeconds"`
	TotalRequests      int64         `json:"totalRequests"`
	BlockedRequests    int64         `json:"blockedRequests"`
	BlockRate          float64       `json:"blockRate"`
	ActiveClients      int           `json:"activeClients"`
	BlacklistedClients int           `json:"blacklistedClients"`
	RequestsPerSecond  float64       `json:"requestsPerSecond"`
	WindowSeconds      int64         `json:"windowSeconds"`
	MaxRequests        int           `json:"maxRequests"`
	ViolationThreshold int           `json:"violationThreshold"`
	BlacklistSeconds   int64         `json:"blacklistSeconds"`
}

// Stats returns counters collected since the limiter was created. Block rate
// is a percentage.
func (l *Limiter) Stats() Stats {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	uptime := now.Sub(l.startedAt)
	s := Stats{
		Uptime:             uptime,
		UptimeSeconds:      int64(uptime / time.Second),
		TotalRequests:      l.totalRequests,
		BlockedRequests:    l.blocked,
		ActiveClients:      len(l.clients),
		WindowSeconds:      int64(l.cfg.Window / time.Second),
		MaxRequests:        l.cfg.MaxRequests,
		ViolationThreshold: l.cfg.ViolationThreshold,
		BlacklistSeconds:   int64(l.cfg.BlacklistDuration / time.Second),
	}

	for _, until := range l.blacklist {
		if now.Before(until) {
			s.BlacklistedClients++
		}
	}

	if l.totalRequests > 0 {
		s.BlockRate = float64(l.blocked) / float64(l.totalRequests) * 100
	}
	if secs := uptime.Seconds(); secs > 0 {
		s.RequestsPerSecond = float64(l.totalRequests) / secs
	}

	return s
}

// Blacklisted reports whether clientKey is currently blacklisted
func (l *Limiter) Blacklisted(clientKey string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	until, ok := l.blacklist[clientKey]
	return ok && now.Before(until)
}
