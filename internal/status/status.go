// Package status tracks per-account health and aggregates it for reports.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/mixelka/emailnarrator/internal/dispatch"
)

// State is where an account's poller currently is
type State string

const (
	StateIdle          State = "idle"
	StatePolling       State = "polling"
	StateDelivering    State = "delivering"
	StateCheckpointing State = "checkpointing"
	StateBackoff       State = "backoff"
	StateAuthFailed    State = "auth_failed"
	StateStopped       State = "stopped"
)

// AccountHealth is the externally visible state of one account
type AccountHealth struct {
	Key           string
	Login         string
	State         State
	Connected     bool
	LastError     string
	LastErrorKind string
	LastErrorAt   time.Time
	LastPoll      time.Time
	LastDelivery  time.Time
	Delivered     int64
	Pending       int
	Checkpoint    uint32
	Degraded      bool // checkpoint only held in memory
	RetryAt       time.Time
}

// Registry holds one AccountHealth per account key
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*AccountHealth
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{accounts: make(map[string]*AccountHealth)}
}

// Tracker returns the writer for key, creating the entry if needed
func (r *Registry) Tracker(key, login string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.accounts[key]
	if !ok {
		h = &AccountHealth{Key: key, Login: login, State: StateIdle}
		r.accounts[key] = h
	}
	h.Login = login
	return &Tracker{registry: r, key: key}
}

// Remove drops the entry for key
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	delete(r.accounts, key)
	r.mu.Unlock()
}

// Get returns a copy of the entry for key
func (r *Registry) Get(key string) (AccountHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.accounts[key]
	if !ok {
		return AccountHealth{}, false
	}
	return *h, true
}

// All returns copies of every entry, sorted by key
func (r *Registry) All() []AccountHealth {
	r.mu.RLock()
	out := make([]AccountHealth, 0, len(r.accounts))
	for _, h := range r.accounts {
		out = append(out, *h)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *Registry) update(key string, fn func(h *AccountHealth)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.accounts[key]; ok {
		fn(h)
	}
}

// Tracker mutates a single account's entry
type Tracker struct {
	registry *Registry
	key      string
}

// SetState records a state transition
func (t *Tracker) SetState(s State) {
	t.registry.update(t.key, func(h *AccountHealth) {
		h.State = s
		if s != StateBackoff {
			h.RetryAt = time.Time{}
		}
	})
}

// SetConnected records whether a session is held
func (t *Tracker) SetConnected(connected bool) {
	t.registry.update(t.key, func(h *AccountHealth) { h.Connected = connected })
}

// PollFinished records a completed fetch
func (t *Tracker) PollFinished(at time.Time, pending int) {
	t.registry.update(t.key, func(h *AccountHealth) {
		h.LastPoll = at
		h.Pending = pending
	})
}

// Delivered records records handed to the router
func (t *Tracker) Delivered(n int, at time.Time) {
	if n == 0 {
		return
	}
	t.registry.update(t.key, func(h *AccountHealth) {
		h.Delivered += int64(n)
		h.LastDelivery = at
	})
}

// SetCheckpoint records the newest processed id
func (t *Tracker) SetCheckpoint(id uint32, degraded bool) {
	t.registry.update(t.key, func(h *AccountHealth) {
		h.Checkpoint = id
		h.Degraded = degraded
	})
}

// SetDegraded records whether the checkpoint is only in memory
func (t *Tracker) SetDegraded(degraded bool) {
	t.registry.update(t.key, func(h *AccountHealth) { h.Degraded = degraded })
}

// Failed records an error with its kind and, for backoff, when the next try is due
func (t *Tracker) Failed(err error, kind string, retryAt time.Time) {
	t.registry.update(t.key, func(h *AccountHealth) {
		h.LastError = err.Error()
		h.LastErrorKind = kind
		h.LastErrorAt = time.Now()
		h.RetryAt = retryAt
	})
}

// ClearError forgets the last error
func (t *Tracker) ClearError() {
	t.registry.update(t.key, func(h *AccountHealth) {
		h.LastError = ""
		h.LastErrorKind = ""
	})
}

// TargetCounter is the read side of the target set
type TargetCounter interface {
	Counts() dispatch.TargetCounts
}

// Settings is the configuration subset shown in reports
type Settings struct {
	ConfiguredAccounts int
	PollInterval       time.Duration
	TextNum            int
	Narration          bool
}

// Report is a point-in-time view of the service
type Report struct {
	Running            int
	ConfiguredAccounts int
	Accounts           []AccountHealth
	Targets            dispatch.TargetCounts
	PollInterval       time.Duration
	TextNum            int
	Narration          bool
	GeneratedAt        time.Time
}

// Healthy counts accounts that are not failed, stopped or degraded
func (r Report) Healthy() int {
	n := 0
	for _, a := range r.Accounts {
		if a.State != StateAuthFailed && a.State != StateStopped && !a.Degraded && a.LastError == "" {
			n++
		}
	}
	return n
}

// Reporter builds reports. It never mutates what it reads.
type Reporter struct {
	registry *Registry
	targets  TargetCounter
	settings func() Settings
}

// NewReporter creates a reporter
func NewReporter(registry *Registry, targets TargetCounter, settings func() Settings) *Reporter {
	return &Reporter{registry: registry, targets: targets, settings: settings}
}

// Report aggregates current health
func (r *Reporter) Report() Report {
	accounts := r.registry.All()
	settings := r.settings()

	running := 0
	for _, a := range accounts {
		if a.State != StateStopped && a.State != StateAuthFailed {
			running++
		}
	}

	return Report{
		Running:            running,
		ConfiguredAccounts: settings.ConfiguredAccounts,
		Accounts:           accounts,
		Targets:            r.targets.Counts(),
		PollInterval:       settings.PollInterval,
		TextNum:            settings.TextNum,
		Narration:          settings.Narration,
		GeneratedAt:        time.Now(),
	}
}
