package config

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/mixelka/emailnarrator/internal/account"
)

// DefaultPromptTemplate is used when PROMPT_TEMPLATE is empty
const DefaultPromptTemplate = `A new email just arrived in the mailbox {{user}}.
From: {{sender}}
To: {{recipient}}
Subject: {{subject}}
Content: {{content}}

Tell me about it in your own voice, briefly.`

// Snapshot is the immutable view of configuration a poll cycle reads.
// A reload builds a new Snapshot and swaps it in whole.
type Snapshot struct {
	Accounts             []account.Descriptor
	PreconfiguredTargets []string
	FixedTarget          bool
	PollInterval         time.Duration
	TextNum              int
	BatchLimit           int
	PromptTemplate       string
	LoadedAt             time.Time
}

// BuildSnapshot combines a Config with the parsed account list
func BuildSnapshot(cfg *Config, accounts []account.Descriptor) *Snapshot {
	targets := make([]string, 0, len(cfg.PreconfiguredTargets))
	for _, t := range cfg.PreconfiguredTargets {
		t = strings.TrimSpace(t)
		if t != "" {
			targets = append(targets, t)
		}
	}

	tmpl := cfg.PromptTemplate
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultPromptTemplate
	}

	interval := cfg.PollInterval
	if interval < MinPollInterval {
		interval = MinPollInterval
	}
	textNum := cfg.TextNum
	if textNum < MinTextNum {
		textNum = MinTextNum
	}

	return &Snapshot{
		Accounts:             append([]account.Descriptor(nil), accounts...),
		PreconfiguredTargets: targets,
		FixedTarget:          cfg.FixedTarget,
		PollInterval:         interval,
		TextNum:              textNum,
		BatchLimit:           cfg.BatchLimit,
		PromptTemplate:       tmpl,
		LoadedAt:             time.Now(),
	}
}

// Account returns the descriptor with the given key
func (s *Snapshot) Account(key string) (account.Descriptor, bool) {
	for _, a := range s.Accounts {
		if a.Key == key {
			return a, true
		}
	}
	return account.Descriptor{}, false
}

// Holder publishes the current Snapshot. Readers always see a complete one.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

// NewHolder creates a holder with an initial snapshot
func NewHolder(s *Snapshot) *Holder {
	h := &Holder{}
	h.current.Store(s)
	return h
}

// Load returns the current snapshot
func (h *Holder) Load() *Snapshot {
	return h.current.Load()
}

// Store replaces the current snapshot
func (h *Holder) Store(s *Snapshot) {
	h.current.Store(s)
}
