package outbox

import (
	"sync"
	"time"
)

// breaker is a per-merchant circuit breaker: after threshold failures inside
// one window the merchant's deliveries pause for the cooldown, so a dead
// endpoint does not eat the whole batch every tick.
type breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	cooldown  time.Duration
	state     map[string]*breakerState
}

type breakerState struct {
	fails       int
	windowStart time.Time
	openUntil   time.Time
}

func newBreaker(threshold int, window, cooldown time.Duration) *breaker {
	return &breaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		state:     make(map[string]*breakerState),
	}
}

func (b *breaker) open(merchantID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state[merchantID]
	return s != nil && s.openUntil.After(time.Now())
}

func (b *breaker) failure(merchantID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	s := b.state[merchantID]
	if s == nil {
		s = &breakerState{windowStart: now}
		b.state[merchantID] = s
	}
	if now.Sub(s.windowStart) > b.window {
		s.fails = 0
		s.windowStart = now
	}
	s.fails++
	if s.fails >= b.threshold {
		s.openUntil = now.Add(b.cooldown)
		s.fails = 0
		s.windowStart = now
	}
}

func (b *breaker) success(merchantID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s := b.state[merchantID]; s != nil {
		s.fails = 0
		s.openUntil = time.Time{}
		s.windowStart = time.Now()
	}
}
