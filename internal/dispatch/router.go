package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mixelka/emailnarrator/pkg/models"
)

// Outcome is the result of delivering one record to one target
type Outcome struct {
	Target   string
	Err      error
	Narrated bool
	Queued   bool // failed and scheduled for retry
}

// RouterConfig tunes the retry queue
type RouterConfig struct {
	QueueSize   int
	MaxAttempts int           // total sends per notification, first one included
	RetryDelay  time.Duration // doubled after every failed retry
}

type retryItem struct {
	n       Notification
	attempt int
	delay   time.Duration
}

// Router delivers each record to every active target independently.
// Failed sends are retried in the background and never block a batch.
type Router struct {
	targets  *TargetSet
	pipeline *Pipeline
	cfg      RouterConfig
	logger   *slog.Logger

	queue   chan retryItem
	mu      sync.Mutex
	stopped bool
}

// NewRouter creates a router
func NewRouter(targets *TargetSet, pipeline *Pipeline, cfg RouterConfig, logger *slog.Logger) *Router {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Router{
		targets:  targets,
		pipeline: pipeline,
		cfg:      cfg,
		logger:   logger.With("component", "router"),
		queue:    make(chan retryItem, cfg.QueueSize),
	}
}

// Targets returns the router's target set
func (r *Router) Targets() *TargetSet {
	return r.targets
}

// Fanout delivers rec to every target of one snapshot of the target set,
// concurrently. A failing target never affects the others. An error is
// returned only when the context was cancelled, in which case the batch
// must be treated as not delivered.
func (r *Router) Fanout(ctx context.Context, rec models.MessageRecord) ([]Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	targets := r.targets.Snapshot()
	outcomes := make([]Outcome, len(targets))

	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			outcomes[i] = r.deliver(ctx, target, rec)
		}(i, target)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

func (r *Router) deliver(ctx context.Context, target string, rec models.MessageRecord) Outcome {
	n, narrated := r.pipeline.Prepare(ctx, target, rec)
	out := Outcome{Target: target, Narrated: narrated}

	err := r.pipeline.Send(ctx, n)
	if err == nil {
		r.logger.Debug("delivered",
			"target", target,
			"account", rec.AccountKey,
			"uid", rec.MessageID,
			"narrated", narrated,
		)
		return out
	}
	out.Err = err

	if ctx.Err() != nil {
		return out
	}

	r.logger.Warn("delivery failed",
		"target", target,
		"account", rec.AccountKey,
		"uid", rec.MessageID,
		"error", err,
	)

	if !errors.Is(err, ErrUndeliverable) && r.cfg.MaxAttempts > 1 {
		out.Queued = r.schedule(retryItem{n: n, attempt: 1, delay: r.cfg.RetryDelay})
	}
	return out
}

// schedule queues item after its delay. Reports false if the router is stopped.
func (r *Router) schedule(item retryItem) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}

	time.AfterFunc(item.delay, func() {
		select {
		case r.queue <- item:
		default:
			r.logger.Error("retry queue full, dropping notification",
				"target", item.n.Target,
				"account", item.n.Account,
				"uid", item.n.MessageID,
			)
		}
	})
	return true
}

// Run processes retries until ctx is cancelled
func (r *Router) Run(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-r.queue:
			r.retry(ctx, item)
		}
	}
}

func (r *Router) retry(ctx context.Context, item retryItem) {
	// A chat that muted in the meantime gets nothing
	if !r.targets.Contains(item.n.Target) {
		return
	}

	item.attempt++
	err := r.pipeline.Send(ctx, item.n)
	if err == nil {
		r.logger.Info("retry delivered",
			"target", item.n.Target,
			"account", item.n.Account,
			"uid", item.n.MessageID,
			"attempt", item.attempt,
		)
		return
	}
	if ctx.Err() != nil {
		return
	}

	if errors.Is(err, ErrUndeliverable) || item.attempt >= r.cfg.MaxAttempts {
		r.logger.Error("giving up on delivery",
			"target", item.n.Target,
			"account", item.n.Account,
			"uid", item.n.MessageID,
			"attempts", item.attempt,
			"error", err,
		)
		return
	}

	item.delay *= 2
	r.schedule(item)
}
