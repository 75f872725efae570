// Package rate paces outbound Telegram sends.
package rate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter gates outbound sends so we stay within Bot API flood limits.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// TokenBucket implements a fixed-rate token bucket shared by every key,
// plus a minimum spacing between two sends to the same key.
type TokenBucket struct {
	ticker  *time.Ticker
	tokens  chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once

	perKey time.Duration
	mu     sync.Mutex
	next   map[string]time.Time
}

// NewTokenBucket returns a limiter that releases rps tokens per second and
// lets the same key through at most once per perKey.
func NewTokenBucket(rps int, perKey time.Duration) *TokenBucket {
	if rps <= 0 {
		rps = 1
	}
	tb := &TokenBucket{
		ticker:  time.NewTicker(time.Second / time.Duration(rps)),
		tokens:  make(chan struct{}, rps),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		perKey:  perKey,
		next:    make(map[string]time.Time),
	}
	// allow the first call to proceed immediately
	tb.tokens <- struct{}{}
	go tb.run()
	return tb
}

func (t *TokenBucket) run() {
	defer close(t.stopped)
	for {
		select {
		case <-t.stop:
			return
		case <-t.ticker.C:
			select {
			case t.tokens <- struct{}{}:
			default:
			}
		}
	}
}

// Wait blocks until both the key's slot and a global token are available,
// or the context is canceled.
func (t *TokenBucket) Wait(ctx context.Context, key string) error {
	if delay := t.reserve(key); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate wait canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("rate wait canceled: %w", ctx.Err())
	case <-t.tokens:
		return nil
	}
}

// reserve claims the next free slot for key and returns how long to wait for it
func (t *TokenBucket) reserve(key string) time.Duration {
	if t.perKey <= 0 || key == "" {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	slot := t.next[key]
	if slot.Before(now) {
		slot = now
	}
	t.next[key] = slot.Add(t.perKey)

	// Forget keys idle for a while so the map does not grow forever
	if len(t.next) > 1024 {
		for k, v := range t.next {
			if v.Before(now) {
				delete(t.next, k)
			}
		}
	}

	return slot.Sub(now)
}

// Stop releases resources held by the limiter.
func (t *TokenBucket) Stop() {
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.stop)
		<-t.stopped
	})
}

var _ Limiter = (*TokenBucket)(nil)
