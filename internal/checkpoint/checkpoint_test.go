package checkpoint

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mixelka/emailnarrator/internal/database"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("creating test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewSQLStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLoadNeverPolled(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.Load(context.Background(), "imap.example.com:alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected no checkpoint")
	}
}

func TestAdvanceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := "imap.example.com:alice"

	r := rand.New(rand.NewSource(42))
	var maxSeen uint32
	for i := 0; i < 200; i++ {
		id := uint32(r.Intn(1000))
		err := s.Advance(ctx, key, 1, id)
		if id >= maxSeen {
			if err != nil {
				t.Fatalf("advance to %d: %v", id, err)
			}
			maxSeen = id
		} else if !errors.Is(err, ErrRegression) {
			t.Fatalf("advance %d below %d: expected ErrRegression, got %v", id, maxSeen, err)
		}

		cp, ok, err := s.Load(ctx, key)
		if err != nil || !ok {
			t.Fatalf("load: %v %v", ok, err)
		}
		if cp.LastSeenID != maxSeen {
			t.Fatalf("stored %d, want %d", cp.LastSeenID, maxSeen)
		}
	}
}

func TestAdvanceConcurrentKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	keys := []string{"a:1", "b:2", "c:3", "d:4"}
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			for id := uint32(1); id <= 50; id++ {
				if err := s.Advance(ctx, key, 7, id); err != nil {
					t.Errorf("advance %s to %d: %v", key, id, err)
					return
				}
			}
		}(key)
	}
	wg.Wait()

	for _, key := range keys {
		cp, ok, err := s.Load(ctx, key)
		if err != nil || !ok {
			t.Fatalf("load %s: %v %v", key, ok, err)
		}
		if cp.LastSeenID != 50 || cp.Validity != 7 {
			t.Fatalf("%s = %+v", key, cp)
		}
	}
}

func TestRebase(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := "imap.example.com:alice"

	if err := s.Advance(ctx, key, 1, 90); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := s.Advance(ctx, key, 2, 4); !errors.Is(err, ErrRegression) {
		t.Fatalf("expected regression across validity, got %v", err)
	}
	if err := s.Rebase(ctx, key, 2, 4); err != nil {
		t.Fatalf("rebase: %v", err)
	}
	if err := s.Advance(ctx, key, 2, 5); err != nil {
		t.Fatalf("advance after rebase: %v", err)
	}

	cp, _, err := s.Load(ctx, key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp.Validity != 2 || cp.LastSeenID != 5 {
		t.Fatalf("checkpoint = %+v", cp)
	}
}

func TestWriteErrorOnClosedDB(t *testing.T) {
	s := newTestStore(t)
	s.db.Close()

	err := s.Advance(context.Background(), "k", 1, 1)
	if !IsWriteError(err) {
		t.Fatalf("expected WriteError, got %v", err)
	}
}
