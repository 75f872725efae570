package credential

import (
	"errors"
	"strings"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestResolvePlain(t *testing.T) {
	r, err := NewResolver("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := r.Resolve("hunter2")
	if err != nil || got != "hunter2" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestResolveEncrypted(t *testing.T) {
	ref, err := Encrypt([]byte(testKey), "app-password")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.HasPrefix(ref, "enc:") {
		t.Fatalf("missing prefix: %q", ref)
	}

	r, err := NewResolver(testKey, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := r.Resolve(ref)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "app-password" {
		t.Fatalf("got %q", got)
	}

	noKey, _ := NewResolver("", nil)
	if _, err := noKey.Resolve(ref); err == nil {
		t.Fatalf("expected error without key")
	}
}

func TestResolveKeyring(t *testing.T) {
	lookupErr := errors.New("not found")
	r, err := NewResolver("", func(name string) (string, error) {
		if name == "work" {
			return "from-keyring", nil
		}
		return "", lookupErr
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := r.Resolve("keyring:work")
	if err != nil || got != "from-keyring" {
		t.Fatalf("got %q, %v", got, err)
	}
	if _, err := r.Resolve("keyring:missing"); !errors.Is(err, lookupErr) {
		t.Fatalf("expected lookup error, got %v", err)
	}
}

func TestNewResolverRejectsShortKey(t *testing.T) {
	if _, err := NewResolver("short", nil); err == nil {
		t.Fatalf("expected error")
	}
}
