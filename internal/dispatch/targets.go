// Package dispatch fans normalized messages out to the active chat targets.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrFixedMode is returned when targets are fixed by configuration
	ErrFixedMode = errors.New("targets are fixed by configuration")
	// ErrPreconfigured is returned when disabling a target that comes from configuration
	ErrPreconfigured = errors.New("target is preconfigured")
	// ErrEmptyTarget is returned for a blank target id
	ErrEmptyTarget = errors.New("empty target")
)

// TargetEventKind is what a command asks for
type TargetEventKind int

const (
	Enable TargetEventKind = iota
	Disable
)

func (k TargetEventKind) String() string {
	if k == Enable {
		return "enable"
	}
	return "disable"
}

// TargetEvent is a toggle request from the command surface
type TargetEvent struct {
	Kind   TargetEventKind
	Target string
}

// TargetStore persists dynamic targets
type TargetStore interface {
	AddTarget(ctx context.Context, target string) (bool, error)
	RemoveTarget(ctx context.Context, target string) (bool, error)
	ListTargets(ctx context.Context) ([]string, error)
}

// targetView is one immutable state of the set
type targetView struct {
	preconfigured []string
	dynamic       []string
	fixed         bool
	active        []string
}

func newView(preconfigured, dynamic []string, fixed bool) *targetView {
	v := &targetView{
		preconfigured: preconfigured,
		dynamic:       dynamic,
		fixed:         fixed,
	}

	seen := make(map[string]bool, len(preconfigured)+len(dynamic))
	add := func(list []string) {
		for _, t := range list {
			if !seen[t] {
				seen[t] = true
				v.active = append(v.active, t)
			}
		}
	}
	add(preconfigured)
	if !fixed {
		add(dynamic)
	}
	return v
}

// TargetSet is preconfigured targets plus chats that turned notifications
// on. Readers get an immutable view; mutations build a new one and swap it.
type TargetSet struct {
	store  TargetStore
	logger *slog.Logger

	mu        sync.Mutex // serializes writers
	view      atomic.Pointer[targetView]
	listeners []func(TargetEvent)
}

// NewTargetSet creates an empty set backed by store (which may be nil)
func NewTargetSet(store TargetStore, logger *slog.Logger) *TargetSet {
	s := &TargetSet{
		store:  store,
		logger: logger.With("component", "target_set"),
	}
	s.view.Store(newView(nil, nil, false))
	return s
}

// Load reads persisted dynamic targets
func (s *TargetSet) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	dynamic, err := s.store.ListTargets(ctx)
	if err != nil {
		return fmt.Errorf("failed to load targets: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.view.Load()
	s.view.Store(newView(cur.preconfigured, dynamic, cur.fixed))
	s.logger.Info("loaded dynamic targets", "count", len(dynamic))
	return nil
}

// Configure replaces the preconfigured targets and the fixed flag
func (s *TargetSet) Configure(preconfigured []string, fixed bool) {
	clean := make([]string, 0, len(preconfigured))
	for _, t := range preconfigured {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.view.Load()
	s.view.Store(newView(clean, cur.dynamic, fixed))
}

// OnChange registers fn to run after every event that changed the set.
// Listeners run outside the writer lock.
func (s *TargetSet) OnChange(fn func(TargetEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Apply handles a toggle event. It reports whether the active set changed.
func (s *TargetSet) Apply(ctx context.Context, ev TargetEvent) (bool, error) {
	ev.Target = strings.TrimSpace(ev.Target)
	changed, err := s.apply(ctx, ev)
	if !changed {
		return false, err
	}

	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
	return true, err
}

func (s *TargetSet) apply(ctx context.Context, ev TargetEvent) (bool, error) {
	target := ev.Target
	if target == "" {
		return false, ErrEmptyTarget
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.view.Load()
	if cur.fixed {
		return false, ErrFixedMode
	}

	isDynamic := slices.Contains(cur.dynamic, target)
	isStatic := slices.Contains(cur.preconfigured, target)

	var dynamic []string
	switch ev.Kind {
	case Enable:
		if isStatic || isDynamic {
			return false, nil
		}
		if s.store != nil {
			if _, err := s.store.AddTarget(ctx, target); err != nil {
				return false, err
			}
		}
		dynamic = append(slices.Clone(cur.dynamic), target)

	case Disable:
		if isStatic {
			return false, ErrPreconfigured
		}
		if !isDynamic {
			return false, nil
		}
		if s.store != nil {
			if _, err := s.store.RemoveTarget(ctx, target); err != nil {
				return false, err
			}
		}
		dynamic = slices.DeleteFunc(slices.Clone(cur.dynamic), func(t string) bool { return t == target })

	default:
		return false, fmt.Errorf("unknown target event %d", ev.Kind)
	}

	next := newView(cur.preconfigured, dynamic, cur.fixed)
	s.view.Store(next)
	s.logger.Info("target toggled", "target", target, "event", ev.Kind.String(), "active", len(next.active))
	return true, nil
}

// Snapshot returns the deduplicated active targets. The slice must not be modified.
func (s *TargetSet) Snapshot() []string {
	return s.view.Load().active
}

// Contains reports whether target is currently active
func (s *TargetSet) Contains(target string) bool {
	return slices.Contains(s.view.Load().active, target)
}

// TargetCounts is a summary for status reports
type TargetCounts struct {
	Active        int
	Preconfigured int
	Dynamic       int
	Fixed         bool
}

// Counts summarizes the current view
func (s *TargetSet) Counts() TargetCounts {
	v := s.view.Load()
	return TargetCounts{
		Active:        len(v.active),
		Preconfigured: len(v.preconfigured),
		Dynamic:       len(v.dynamic),
		Fixed:         v.fixed,
	}
}
