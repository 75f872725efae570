package email

import (
	"sync"
	"time"
)

// Backoff is an exponential delay: it starts at Initial, doubles on every
// failure, never exceeds Max and goes back to Initial after Reset.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	mu      sync.Mutex
	current time.Duration
}

// NewBackoff creates a backoff policy
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &Backoff{Initial: initial, Max: max}
}

// Next returns the delay before the next attempt and doubles it
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == 0 {
		b.current = b.Initial
	}
	d := b.current

	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	return d
}

// Reset is called after a successful attempt
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.current = 0
	b.mu.Unlock()
}
