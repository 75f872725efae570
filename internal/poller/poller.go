// Package poller runs one polling loop per account: fetch new messages,
// fan them out, then advance the durable checkpoint.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mixelka/emailnarrator/internal/account"
	"github.com/mixelka/emailnarrator/internal/checkpoint"
	"github.com/mixelka/emailnarrator/internal/dispatch"
	"github.com/mixelka/emailnarrator/internal/email"
	"github.com/mixelka/emailnarrator/internal/parser"
	"github.com/mixelka/emailnarrator/internal/status"
	"github.com/mixelka/emailnarrator/pkg/models"
)

// Fanouter hands one record to every active target
type Fanouter interface {
	Fanout(ctx context.Context, rec models.MessageRecord) ([]dispatch.Outcome, error)
}

// Settings are read from the current configuration snapshot every cycle
type Settings struct {
	Interval   time.Duration
	TextNum    int
	BatchLimit int
}

// Options for a poller
type Options struct {
	// WriteAttempts is how many times a checkpoint write is tried per cycle
	WriteAttempts int
	// WriteRetryDelay is the pause between two write attempts
	WriteRetryDelay time.Duration
	// WriteTimeout bounds a checkpoint write that outlives the cycle context
	WriteTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.WriteAttempts <= 0 {
		o.WriteAttempts = 3
	}
	if o.WriteRetryDelay <= 0 {
		o.WriteRetryDelay = 500 * time.Millisecond
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// CycleResult summarizes one poll cycle
type CycleResult struct {
	BatchID   string
	Baseline  bool // first run, checkpoint set without delivering
	Recovered bool
	Delivered int
	Failed    int // target-level failures, already logged or queued
	Pending   int // messages left for the next cycle
	Degraded  bool
}

// Poller polls one account
type Poller struct {
	desc       account.Descriptor
	conn       *email.Connection
	store      checkpoint.Store
	router     Fanouter
	normalizer *parser.Normalizer
	tracker    *status.Tracker
	settings   func() Settings
	opts       Options
	logger     *slog.Logger

	// cursor is what was last processed; it runs ahead of the store while
	// a checkpoint write is failing
	cursor   *email.Cursor
	dirty    bool
	rebased  bool
	degraded bool
}

// New creates a poller for one account
func New(
	conn *email.Connection,
	store checkpoint.Store,
	router Fanouter,
	normalizer *parser.Normalizer,
	tracker *status.Tracker,
	settings func() Settings,
	opts Options,
	logger *slog.Logger,
) *Poller {
	opts.setDefaults()
	desc := conn.Descriptor()
	return &Poller{
		desc:       desc,
		conn:       conn,
		store:      store,
		router:     router,
		normalizer: normalizer,
		tracker:    tracker,
		settings:   settings,
		opts:       opts,
		logger:     logger.With("component", "poller", "account", desc.Key),
	}
}

// Run polls until ctx is cancelled or the credentials are rejected
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("poller started", "server", p.desc.Server)
	defer p.conn.Close()

	for {
		res, err := p.Cycle(ctx)
		if ctx.Err() != nil {
			p.tracker.SetState(status.StateStopped)
			p.tracker.SetConnected(false)
			p.logger.Info("poller stopped")
			return
		}

		settings := p.settings()
		wait := settings.Interval

		var netErr *email.NetworkError
		switch {
		case err == nil:
			p.tracker.ClearError()
			p.tracker.SetConnected(p.conn.Connected())
			p.tracker.SetState(status.StateIdle)
			if res.Pending > 0 {
				wait = 0
			}

		case email.IsAuthError(err):
			p.tracker.Failed(err, string(email.KindAuth), time.Time{})
			p.tracker.SetState(status.StateAuthFailed)
			p.tracker.SetConnected(false)
			p.logger.Error("credentials rejected, polling stopped until the account is reconfigured", "error", err)
			return

		case errors.As(err, &netErr):
			wait = netErr.RetryAfter
			if wait <= 0 {
				wait = settings.Interval
			}
			p.tracker.Failed(err, string(email.KindNetwork), time.Now().Add(wait))
			p.tracker.SetState(status.StateBackoff)
			p.tracker.SetConnected(false)
			p.logger.Warn("poll failed, backing off", "error", err, "retry_in", wait)

		default:
			p.tracker.Failed(err, "internal", time.Time{})
			p.tracker.SetState(status.StateIdle)
			p.logger.Error("poll cycle failed", "error", err)
		}

		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.tracker.SetState(status.StateStopped)
			p.tracker.SetConnected(false)
			p.logger.Info("poller stopped")
			return
		case <-timer.C:
		}
	}
}

// Cycle runs one poll: fetch, deliver in UID order, checkpoint.
func (p *Poller) Cycle(ctx context.Context) (CycleResult, error) {
	result := CycleResult{BatchID: uuid.NewString()}
	logger := p.logger.With("batch", result.BatchID)
	settings := p.settings()

	p.tracker.SetState(status.StatePolling)

	// A checkpoint write that failed earlier is retried first
	if p.dirty {
		p.flush(ctx, logger)
	}

	if p.cursor == nil {
		cp, found, err := p.store.Load(ctx, p.desc.Key)
		if err != nil {
			return result, fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if !found {
			return p.baseline(ctx, logger, result)
		}
		p.cursor = &email.Cursor{Validity: cp.Validity, LastSeenID: cp.LastSeenID}
		p.tracker.SetCheckpoint(cp.LastSeenID, false)
	}

	fetch, err := p.conn.FetchSince(ctx, *p.cursor, settings.BatchLimit)
	if err != nil {
		return result, err
	}
	p.tracker.SetConnected(true)
	p.tracker.PollFinished(time.Now(), fetch.Pending)

	result.Pending = fetch.Pending
	result.Recovered = fetch.Recovered

	if len(fetch.Messages) == 0 {
		if fetch.Recovered {
			// Nothing left under the old UIDs; start the new epoch from scratch
			p.commit(ctx, logger, email.Cursor{Validity: fetch.Validity}, true)
		}
		result.Degraded = p.degraded
		return result, nil
	}

	logger.Info("new messages",
		"count", len(fetch.Messages),
		"pending", fetch.Pending,
		"recovered", fetch.Recovered,
	)

	p.tracker.SetState(status.StateDelivering)
	for _, raw := range fetch.Messages {
		rec := p.normalizer.Normalize(p.desc, raw, settings.TextNum)

		outcomes, err := p.router.Fanout(ctx, rec)
		if err != nil {
			// Not all of the batch went out; the checkpoint stays where it was
			logger.Warn("batch interrupted, checkpoint not advanced", "uid", raw.UID, "error", err)
			return result, err
		}

		for _, o := range outcomes {
			if o.Err != nil {
				result.Failed++
			}
		}
		result.Delivered++
	}
	p.tracker.Delivered(result.Delivered, time.Now())

	p.tracker.SetState(status.StateCheckpointing)
	p.commit(ctx, logger, email.Cursor{Validity: fetch.Validity, LastSeenID: fetch.NewestID()}, fetch.Recovered)
	result.Degraded = p.degraded

	logger.Info("batch delivered",
		"delivered", result.Delivered,
		"target_failures", result.Failed,
		"checkpoint", fetch.NewestID(),
		"degraded", result.Degraded,
	)
	return result, nil
}

// baseline records the newest message present without delivering anything
func (p *Poller) baseline(ctx context.Context, logger *slog.Logger, result CycleResult) (CycleResult, error) {
	cursor, err := p.conn.Baseline(ctx)
	if err != nil {
		return result, err
	}
	p.tracker.SetConnected(true)
	p.tracker.PollFinished(time.Now(), 0)

	logger.Info("first run, setting baseline",
		"validity", cursor.Validity,
		"checkpoint", cursor.LastSeenID,
	)

	p.tracker.SetState(status.StateCheckpointing)
	p.commit(ctx, logger, cursor, false)

	result.Baseline = true
	result.Degraded = p.degraded
	return result, nil
}

// commit moves the in-memory cursor and tries to persist it
func (p *Poller) commit(ctx context.Context, logger *slog.Logger, cursor email.Cursor, rebase bool) {
	p.cursor = &cursor
	p.dirty = true
	// An unflushed rebase must stay a rebase, the stored row is from the old epoch
	p.rebased = p.rebased || rebase
	p.flush(ctx, logger)
}

// flush writes the in-memory cursor. The batch has already been handed off,
// so the write is allowed to outlive a cancelled cycle.
func (p *Poller) flush(ctx context.Context, logger *slog.Logger) {
	cursor := *p.cursor

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.WriteTimeout)
	defer cancel()

	var err error
	for attempt := 1; attempt <= p.opts.WriteAttempts; attempt++ {
		if p.rebased {
			err = p.store.Rebase(writeCtx, p.desc.Key, cursor.Validity, cursor.LastSeenID)
		} else {
			err = p.store.Advance(writeCtx, p.desc.Key, cursor.Validity, cursor.LastSeenID)
		}

		if err == nil {
			if p.degraded {
				logger.Info("checkpoint persisted again", "checkpoint", cursor.LastSeenID)
			}
			p.dirty = false
			p.rebased = false
			p.degraded = false
			p.tracker.SetCheckpoint(cursor.LastSeenID, false)
			return
		}

		if errors.Is(err, checkpoint.ErrRegression) {
			// The store is ahead of us; trust it on the next cycle
			logger.Warn("stored checkpoint is ahead, reloading", "checkpoint", cursor.LastSeenID)
			p.cursor = nil
			p.dirty = false
			p.rebased = false
			p.degraded = false
			p.tracker.SetDegraded(false)
			return
		}

		if attempt < p.opts.WriteAttempts {
			select {
			case <-writeCtx.Done():
				attempt = p.opts.WriteAttempts
			case <-time.After(p.opts.WriteRetryDelay):
			}
		}
	}

	logger.Error("checkpoint write failed, keeping cursor in memory",
		"checkpoint", cursor.LastSeenID,
		"error", err,
	)
	p.degraded = true
	p.tracker.SetCheckpoint(cursor.LastSeenID, true)
}
