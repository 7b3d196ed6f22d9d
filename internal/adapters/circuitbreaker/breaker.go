// Package circuitbreaker fails calls fast once an upstream has shown
// itself dead, so stalled providers do not pile up blocked sessions.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker is rejecting calls.
var ErrOpen = errors.New("circuit breaker open")

// Breaker trips after a run of consecutive failures. While tripped it
// rejects calls for the cooldown period, then admits a single probe
// call; the probe's outcome decides whether the breaker closes again
// or re-opens for another cooldown.
type Breaker struct {
	mu          sync.Mutex
	consecutive int
	openUntil   time.Time
	probing     bool

	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func New(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.report(err == nil)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consecutive < b.threshold {
		return nil
	}
	if b.now().Before(b.openUntil) || b.probing {
		return ErrOpen
	}
	b.probing = true
	return nil
}

func (b *Breaker) report(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if ok {
		b.consecutive = 0
		return
	}
	b.consecutive++
	if b.consecutive >= b.threshold {
		b.openUntil = b.now().Add(b.cooldown)
	}
}

// Open reports whether calls are currently being rejected.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive >= b.threshold && (b.now().Before(b.openUntil) || b.probing)
}
