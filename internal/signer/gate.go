package signer

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultSettlingDelay separates consecutive assertion requests.
const DefaultSettlingDelay = 2 * time.Second

// Gate spaces out assertion requests to the platform authenticator. A request
// is released only once the settling delay has passed since the previous
// release. Waiting callers are served one at a time.
type Gate struct {
	clock clock.Clock
	delay time.Duration

	mu     sync.Mutex
	last   time.Time
	issued bool
}

// NewGate creates a gate. A nil clock uses the wall clock.
func NewGate(clk clock.Clock, delay time.Duration) *Gate {
	if clk == nil {
		clk = clock.New()
	}
	return &Gate{clock: clk, delay: delay}
}

// Acquire blocks until a request may be issued and records the release time.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.issued {
		if wait := g.last.Add(g.delay).Sub(g.clock.Now()); wait > 0 {
			timer := g.clock.Timer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	g.last = g.clock.Now()
	g.issued = true
	return nil
}

// Delay returns the configured settling delay.
func (g *Gate) Delay() time.Duration {
	return g.delay
}
