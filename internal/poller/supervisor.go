package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mixelka/emailnarrator/internal/account"
	"github.com/mixelka/emailnarrator/internal/checkpoint"
	"github.com/mixelka/emailnarrator/internal/email"
	"github.com/mixelka/emailnarrator/internal/parser"
	"github.com/mixelka/emailnarrator/internal/status"
)

// SupervisorConfig wires the supervisor's collaborators
type SupervisorConfig struct {
	Dialer         email.Dialer
	Store          checkpoint.Store
	Router         Fanouter
	Normalizer     *parser.Normalizer
	Registry       *status.Registry
	Settings       func() Settings
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	CheckTimeout   time.Duration
	Options        Options
	Logger         *slog.Logger
}

type runningPoller struct {
	desc   account.Descriptor
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor runs one poller goroutine per configured account
type Supervisor struct {
	cfg    SupervisorConfig
	logger *slog.Logger

	// applyMu serializes Apply and Stop; mu guards the fields below and is
	// never held while waiting for a poller to exit.
	applyMu sync.Mutex

	mu       sync.Mutex
	ctx      context.Context
	pollers  map[string]*runningPoller
	accounts []account.Descriptor
	stopped  bool
}

// NewSupervisor creates a supervisor. Pollers run under ctx.
func NewSupervisor(ctx context.Context, cfg SupervisorConfig) *Supervisor {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 30 * time.Second
	}
	return &Supervisor{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "supervisor"),
		ctx:     ctx,
		pollers: make(map[string]*runningPoller),
	}
}

// Apply reconciles running pollers with accounts: new ones start, removed
// ones stop, changed ones restart. An account stopped by an auth failure
// only restarts once its descriptor changes.
func (s *Supervisor) Apply(accounts []account.Descriptor) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	wanted := make(map[string]account.Descriptor, len(accounts))
	for _, desc := range accounts {
		wanted[desc.Key] = desc
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.accounts = append([]account.Descriptor(nil), accounts...)

	var stopping []*runningPoller
	var removed []string
	for key, rp := range s.pollers {
		desc, ok := wanted[key]
		switch {
		case !ok:
			removed = append(removed, key)
		case desc != rp.desc:
			s.logger.Info("account changed, restarting", "account", key)
		default:
			continue
		}
		rp.cancel()
		stopping = append(stopping, rp)
		delete(s.pollers, key)
	}
	s.mu.Unlock()

	// A poller mid-write may take up to WriteTimeout to exit
	for _, rp := range stopping {
		<-rp.done
	}
	for _, key := range removed {
		s.cfg.Registry.Remove(key)
		s.logger.Info("account removed", "account", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	for _, desc := range accounts {
		if _, ok := s.pollers[desc.Key]; ok {
			continue
		}
		s.startLocked(desc)
	}
}

func (s *Supervisor) startLocked(desc account.Descriptor) {
	ctx, cancel := context.WithCancel(s.ctx)
	rp := &runningPoller{desc: desc, cancel: cancel, done: make(chan struct{})}
	s.pollers[desc.Key] = rp

	conn := email.NewConnection(desc, s.cfg.Dialer, email.NewBackoff(s.cfg.BackoffInitial, s.cfg.BackoffMax), s.cfg.Logger)
	tracker := s.cfg.Registry.Tracker(desc.Key, desc.Login)
	tracker.ClearError()
	tracker.SetState(status.StateIdle)

	p := New(conn, s.cfg.Store, s.cfg.Router, s.cfg.Normalizer, tracker, s.cfg.Settings, s.cfg.Options, s.cfg.Logger)

	go func() {
		defer close(rp.done)
		p.Run(ctx)
	}()
}

// Stop cancels every poller and waits for them to finish
func (s *Supervisor) Stop() {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	s.stopped = true
	stopping := make([]*runningPoller, 0, len(s.pollers))
	for key, rp := range s.pollers {
		rp.cancel()
		stopping = append(stopping, rp)
		delete(s.pollers, key)
	}
	s.mu.Unlock()

	for _, rp := range stopping {
		<-rp.done
	}
	s.logger.Info("all pollers stopped")
}

// Running returns how many accounts have a poller goroutine
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rp := range s.pollers {
		select {
		case <-rp.done:
		default:
			n++
		}
	}
	return n
}

// CheckAccounts checks every configured account concurrently on fresh
// sessions. Checkpoints and polling sessions are left alone.
func (s *Supervisor) CheckAccounts(ctx context.Context) []email.CheckResult {
	s.mu.Lock()
	accounts := append([]account.Descriptor(nil), s.accounts...)
	s.mu.Unlock()

	results := make([]email.CheckResult, len(accounts))

	var wg sync.WaitGroup
	for i, desc := range accounts {
		wg.Add(1)
		go func(i int, desc account.Descriptor) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
			defer cancel()

			results[i] = email.CheckAccount(checkCtx, s.cfg.Dialer, desc)
			if results[i].OK {
				s.logger.Info("account check passed", "account", desc.Key, "elapsed", results[i].Elapsed)
			} else {
				s.logger.Warn("account check failed", "account", desc.Key, "error", results[i].Err)
			}
		}(i, desc)
	}
	wg.Wait()

	return results
}
