package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mixelka/emailnarrator/internal/account"
)

func TestLoadAppliesFloors(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("TEXT_NUM", "5")
	t.Setenv("PRECONFIGURED_TARGETS", "100, 200/7")
	t.Setenv("ADMIN_USER_IDS", "1,2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PollInterval != MinPollInterval {
		t.Fatalf("poll interval = %v", cfg.PollInterval)
	}
	if cfg.TextNum != MinTextNum {
		t.Fatalf("text num = %d", cfg.TextNum)
	}
	if len(cfg.PreconfiguredTargets) != 2 || len(cfg.AdminUserIDs) != 2 {
		t.Fatalf("lists not parsed: %v %v", cfg.PreconfiguredTargets, cfg.AdminUserIDs)
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		t.Fatalf("backoff max below initial")
	}
}

func TestLoadRejectsBadEncryptionKey(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("ENCRYPTION_KEY", "too-short")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestAccountLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.txt")
	if err := os.WriteFile(path, []byte("imap.c.org,carol,pw\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := &Config{
		Accounts:     "imap.a.org,alice,pw;imap.b.org,bob,pw",
		AccountsFile: path,
	}
	text, err := cfg.AccountLines()
	if err != nil {
		t.Fatalf("account lines: %v", err)
	}

	accounts, errs := account.ParseList(text, account.Options{})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(accounts) != 3 {
		t.Fatalf("expected 3 accounts, got %d", len(accounts))
	}
}

func TestBuildSnapshot(t *testing.T) {
	cfg := &Config{
		PreconfiguredTargets: []string{" 100 ", "", "200"},
		PollInterval:         time.Second,
		TextNum:              300,
		BatchLimit:           5,
	}
	acc := account.Descriptor{Server: "imap.a.org:993", Login: "alice", Key: "imap.a.org:alice"}

	snap := BuildSnapshot(cfg, []account.Descriptor{acc})
	if snap.PollInterval != MinPollInterval {
		t.Fatalf("interval floor not applied: %v", snap.PollInterval)
	}
	if strings.Join(snap.PreconfiguredTargets, ",") != "100,200" {
		t.Fatalf("targets = %v", snap.PreconfiguredTargets)
	}
	if snap.PromptTemplate != DefaultPromptTemplate {
		t.Fatalf("default template not applied")
	}
	if _, ok := snap.Account("imap.a.org:alice"); !ok {
		t.Fatalf("account lookup failed")
	}

	h := NewHolder(snap)
	next := BuildSnapshot(cfg, nil)
	h.Store(next)
	if h.Load() != next {
		t.Fatalf("holder did not swap")
	}
	if len(snap.Accounts) != 1 {
		t.Fatalf("old snapshot mutated")
	}
}
