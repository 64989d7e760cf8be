package completion

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy decides whether a failed attempt is retried and after how long.
// It holds no state; the same input always yields the same verdict.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// EmptyRetries is how many times an empty payload is retried
	EmptyRetries int
}

// DefaultPolicy allows three attempts with exponential network backoff
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		BaseDelay:    time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		EmptyRetries: 1,
	}
}

// State describes the attempt that just failed
type State struct {
	Attempt      int // 1-based
	EmptyRetries int // empty-payload retries already spent
}

// Verdict is the policy outcome for a failed attempt
type Verdict struct {
	Retry bool
	Delay time.Duration
}

// Decide returns the verdict for an attempt that failed with class
func (p Policy) Decide(s State, class ErrorClass) Verdict {
	p = p.normalized()

	if s.Attempt >= p.MaxAttempts {
		return Verdict{}
	}

	switch class {
	case ClassRateLimited:
		return Verdict{Retry: true, Delay: p.BaseDelay}
	case ClassNetwork:
		return Verdict{Retry: true, Delay: p.backoff(s.Attempt)}
	case ClassEmptyResponse:
		if s.EmptyRetries < p.EmptyRetries {
			return Verdict{Retry: true, Delay: p.BaseDelay}
		}
	}
	return Verdict{}
}

// backoff returns the delay after the nth failure: base, base*m, base*m^2
// and so on, capped at MaxDelay
func (p Policy) backoff(n int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := p.BaseDelay
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.EmptyRetries < 0 {
		p.EmptyRetries = 0
	}
	return p
}
