package queue

import (
	"sync"
	"time"
)

// breakerState is the state of the queue circuit breaker.
type breakerState int

const (
	breakerClosed   breakerState = iota // requests allowed
	breakerOpen                         // queue considered down, requests fail fast
	breakerHalfOpen                     // probing whether the queue recovered
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the consecutive-failure circuit breaker.
type BreakerConfig struct {
	Threshold int           // failures before the breaker opens (default: 5)
	Cooldown  time.Duration // time before a probe is allowed (default: 30s)
}

// breaker stops calls to the queue after repeated transport or server failures.
type breaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	threshold   int
	lastFailure time.Time
	cooldown    time.Duration
	now         func() time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &breaker{
		state:     breakerClosed,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		now:       time.Now,
	}
}

// allow reports whether a call should be attempted.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.lastFailure) > b.cooldown {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = breakerClosed
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
	}
}

func (b *breaker) current() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
