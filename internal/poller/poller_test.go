package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mixelka/emailnarrator/internal/account"
	"github.com/mixelka/emailnarrator/internal/checkpoint"
	"github.com/mixelka/emailnarrator/internal/database"
	"github.com/mixelka/emailnarrator/internal/dispatch"
	"github.com/mixelka/emailnarrator/internal/email"
	"github.com/mixelka/emailnarrator/internal/email/emailtest"
	"github.com/mixelka/emailnarrator/internal/parser"
	"github.com/mixelka/emailnarrator/internal/status"
	"github.com/mixelka/emailnarrator/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func descriptor(login string) account.Descriptor {
	return account.Descriptor{
		Server:     "imap.example.com:993",
		Login:      login,
		Credential: "secret",
		Key:        account.MakeKey("imap.example.com:993", login),
	}
}

func openDB(t *testing.T, path string) *database.DB {
	t.Helper()
	db, err := database.New(path)
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

type delivery struct {
	account string
	uid     uint32
	target  string
}

// recordingSender collects every notification the router sends
type recordingSender struct {
	mu   sync.Mutex
	sent []delivery
	fail map[string]bool
}

func (s *recordingSender) Send(ctx context.Context, n dispatch.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[n.Target] {
		return errors.New("chat unreachable")
	}
	s.sent = append(s.sent, delivery{account: n.Account, uid: n.MessageID, target: n.Target})
	return nil
}

func (s *recordingSender) deliveries() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery(nil), s.sent...)
}

func (s *recordingSender) uidsFor(target string) []uint32 {
	var out []uint32
	for _, d := range s.deliveries() {
		if d.target == target {
			out = append(out, d.uid)
		}
	}
	return out
}

type harness struct {
	box      *emailtest.Mailbox
	store    checkpoint.Store
	sender   *recordingSender
	router   *dispatch.Router
	registry *status.Registry
	settings Settings
}

func newHarness(t *testing.T, store checkpoint.Store, targets ...string) *harness {
	t.Helper()

	h := &harness{
		box:      emailtest.NewMailbox(1),
		store:    store,
		sender:   &recordingSender{fail: map[string]bool{}},
		registry: status.NewRegistry(),
		settings: Settings{Interval: 20 * time.Millisecond, TextNum: 150, BatchLimit: 20},
	}

	set := dispatch.NewTargetSet(nil, testLogger())
	set.Configure(targets, false)
	pipeline := dispatch.NewPipeline(nil, h.sender, nil, func() string { return "" }, testLogger())
	h.router = dispatch.NewRouter(set, pipeline, dispatch.RouterConfig{MaxAttempts: 1}, testLogger())
	return h
}

func (h *harness) poller(desc account.Descriptor, dialer email.Dialer) *Poller {
	conn := email.NewConnection(desc, dialer, email.NewBackoff(time.Millisecond, 10*time.Millisecond), testLogger())
	return New(
		conn,
		h.store,
		h.router,
		parser.NewNormalizer(testLogger()),
		h.registry.Tracker(desc.Key, desc.Login),
		func() Settings { return h.settings },
		Options{WriteAttempts: 2, WriteRetryDelay: time.Millisecond},
		testLogger(),
	)
}

func sqlStore(t *testing.T, db *database.DB) *checkpoint.SQLStore {
	return checkpoint.NewSQLStore(db, testLogger())
}

func equalUIDs(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFirstRunThenNewMessages(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, filepath.Join(t.TempDir(), "state.db"))
	store := sqlStore(t, db)
	h := newHarness(t, store, "chat-1", "chat-2")
	desc := descriptor("alice")

	for i := 0; i < 5; i++ {
		h.box.Simple("bob@example.com", "old", "history")
	}

	p := h.poller(desc, h.box)

	res, err := p.Cycle(ctx)
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if !res.Baseline || res.Delivered != 0 {
		t.Fatalf("first cycle = %+v, want baseline with no deliveries", res)
	}
	if got := len(h.sender.deliveries()); got != 0 {
		t.Fatalf("first run sent %d notifications", got)
	}

	cp, ok, err := store.Load(ctx, "imap.example.com:alice")
	if err != nil || !ok || cp.LastSeenID != 5 {
		t.Fatalf("checkpoint = %+v ok=%v err=%v, want 5", cp, ok, err)
	}

	h.box.Simple("carol@example.com", "six", "new")
	h.box.Simple("dave@example.com", "seven", "new")

	res, err = p.Cycle(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if res.Delivered != 2 {
		t.Fatalf("delivered = %d, want 2", res.Delivered)
	}
	if got := len(h.sender.deliveries()); got != 4 {
		t.Fatalf("delivery attempts = %d, want 4", got)
	}
	for _, target := range []string{"chat-1", "chat-2"} {
		if got := h.sender.uidsFor(target); !equalUIDs(got, []uint32{6, 7}) {
			t.Fatalf("%s got %v, want [6 7]", target, got)
		}
	}

	cp, _, _ = store.Load(ctx, "imap.example.com:alice")
	if cp.LastSeenID != 7 {
		t.Fatalf("checkpoint = %d, want 7", cp.LastSeenID)
	}

	// Nothing new, nothing sent
	if _, err := p.Cycle(ctx); err != nil {
		t.Fatalf("third cycle: %v", err)
	}
	if got := len(h.sender.deliveries()); got != 4 {
		t.Fatalf("idle cycle sent notifications: %d", got)
	}
}

func TestRestartDoesNotFloodOrLose(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	store := sqlStore(t, openDB(t, path))
	h := newHarness(t, store, "chat")
	desc := descriptor("alice")

	for i := 0; i < 3; i++ {
		h.box.Simple("a@example.com", "old", "x")
	}
	if _, err := h.poller(desc, h.box).Cycle(ctx); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	// Mail arrives while the process is down
	h.box.Simple("a@example.com", "while down 1", "x")
	h.box.Simple("a@example.com", "while down 2", "x")

	restarted := h.poller(desc, h.box)
	if _, err := restarted.Cycle(ctx); err != nil {
		t.Fatalf("cycle after restart: %v", err)
	}
	if got := h.sender.uidsFor("chat"); !equalUIDs(got, []uint32{4, 5}) {
		t.Fatalf("after restart got %v, want [4 5]", got)
	}
}

// failingStore fails every Advance while failing is set
type failingStore struct {
	checkpoint.Store
	mu      sync.Mutex
	failing bool
	writes  int
}

func (f *failingStore) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *failingStore) Advance(ctx context.Context, key string, validity, id uint32) error {
	f.mu.Lock()
	f.writes++
	failing := f.failing
	f.mu.Unlock()

	if failing {
		return &checkpoint.WriteError{AccountKey: key, Err: errors.New("disk I/O error")}
	}
	return f.Store.Advance(ctx, key, validity, id)
}

func TestCrashBeforeCheckpointRedelivers(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	durable := sqlStore(t, openDB(t, path))
	desc := descriptor("alice")

	if err := durable.Advance(ctx, desc.Key, 1, 7); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	broken := &failingStore{Store: durable, failing: true}
	h := newHarness(t, broken, "chat-1", "chat-2")
	for i := 0; i < 8; i++ {
		h.box.Simple("a@example.com", "msg", "x")
	}

	res, err := h.poller(desc, h.box).Cycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if !res.Degraded {
		t.Fatal("expected degraded checkpoint")
	}
	if got := h.sender.uidsFor("chat-1"); !equalUIDs(got, []uint32{8}) {
		t.Fatalf("before crash got %v, want [8]", got)
	}

	// The process dies here; the durable checkpoint still says 7
	cp, _, _ := durable.Load(ctx, desc.Key)
	if cp.LastSeenID != 7 {
		t.Fatalf("durable checkpoint = %d, want 7", cp.LastSeenID)
	}

	h.store = durable
	if _, err := h.poller(desc, h.box).Cycle(ctx); err != nil {
		t.Fatalf("cycle after restart: %v", err)
	}

	// Duplicates are tolerated; losing 8 is not
	for _, target := range []string{"chat-1", "chat-2"} {
		if got := h.sender.uidsFor(target); !equalUIDs(got, []uint32{8, 8}) {
			t.Fatalf("%s got %v, want 8 twice", target, got)
		}
	}
	cp, _, _ = durable.Load(ctx, desc.Key)
	if cp.LastSeenID != 8 {
		t.Fatalf("checkpoint after restart = %d, want 8", cp.LastSeenID)
	}
}

func TestDegradedCheckpointRecovers(t *testing.T) {
	ctx := context.Background()
	durable := sqlStore(t, openDB(t, filepath.Join(t.TempDir(), "state.db")))
	desc := descriptor("alice")
	if err := durable.Advance(ctx, desc.Key, 1, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	broken := &failingStore{Store: durable, failing: true}
	h := newHarness(t, broken, "chat")
	p := h.poller(desc, h.box)

	h.box.Simple("a@example.com", "one", "x")
	res, err := p.Cycle(ctx)
	if err != nil || !res.Degraded {
		t.Fatalf("res = %+v err = %v, want degraded", res, err)
	}
	health, _ := h.registry.Get(desc.Key)
	if !health.Degraded || health.Checkpoint != 1 {
		t.Fatalf("health = %+v", health)
	}

	// The in-memory cursor keeps us from redelivering while the store is down
	h.box.Simple("a@example.com", "two", "x")
	if _, err := p.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if got := h.sender.uidsFor("chat"); !equalUIDs(got, []uint32{1, 2}) {
		t.Fatalf("got %v, want [1 2]", got)
	}

	broken.setFailing(false)
	res, err = p.Cycle(ctx)
	if err != nil || res.Degraded {
		t.Fatalf("res = %+v err = %v, want healthy", res, err)
	}
	cp, _, _ := durable.Load(ctx, desc.Key)
	if cp.LastSeenID != 2 {
		t.Fatalf("checkpoint = %d, want 2", cp.LastSeenID)
	}
	health, _ = h.registry.Get(desc.Key)
	if health.Degraded {
		t.Fatal("health still degraded")
	}
}

func TestBatchLimitCarriesBacklog(t *testing.T) {
	ctx := context.Background()
	store := sqlStore(t, openDB(t, filepath.Join(t.TempDir(), "state.db")))
	h := newHarness(t, store, "chat")
	h.settings.BatchLimit = 20
	desc := descriptor("alice")
	p := h.poller(desc, h.box)

	if _, err := p.Cycle(ctx); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	for i := 0; i < 25; i++ {
		h.box.Simple("a@example.com", "burst", "x")
	}

	res, err := p.Cycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Delivered != 20 || res.Pending != 5 {
		t.Fatalf("res = %+v, want 20 delivered 5 pending", res)
	}

	res, err = p.Cycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Delivered != 5 || res.Pending != 0 {
		t.Fatalf("res = %+v, want 5 delivered", res)
	}

	got := h.sender.uidsFor("chat")
	if len(got) != 25 {
		t.Fatalf("delivered %d, want 25", len(got))
	}
	for i, uid := range got {
		if uid != uint32(i+1) {
			t.Fatalf("order broken at %d: %v", i, got)
		}
	}
}

func TestValidityChangeRebases(t *testing.T) {
	ctx := context.Background()
	store := sqlStore(t, openDB(t, filepath.Join(t.TempDir(), "state.db")))
	h := newHarness(t, store, "chat")
	desc := descriptor("alice")
	p := h.poller(desc, h.box)

	for i := 0; i < 4; i++ {
		h.box.Simple("a@example.com", "old", "x")
	}
	if _, err := p.Cycle(ctx); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	// Server rebuilt the mailbox; two messages remain, renumbered 1..2
	h.box.Expunge(1)
	h.box.Expunge(2)
	h.box.Reset(99)

	res, err := p.Cycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if !res.Recovered || res.Delivered != 2 {
		t.Fatalf("res = %+v, want recovered with 2 deliveries", res)
	}

	cp, _, _ := store.Load(ctx, desc.Key)
	if cp.Validity != 99 || cp.LastSeenID != 2 {
		t.Fatalf("checkpoint = %+v, want validity 99 id 2", cp)
	}

	// Subsequent mail advances normally in the new epoch
	h.box.Simple("a@example.com", "new", "x")
	if _, err := p.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	cp, _, _ = store.Load(ctx, desc.Key)
	if cp.LastSeenID != 3 {
		t.Fatalf("checkpoint = %d, want 3", cp.LastSeenID)
	}
}

func TestNoTargetsStillAdvances(t *testing.T) {
	ctx := context.Background()
	store := sqlStore(t, openDB(t, filepath.Join(t.TempDir(), "state.db")))
	h := newHarness(t, store)
	desc := descriptor("alice")
	p := h.poller(desc, h.box)

	if _, err := p.Cycle(ctx); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	h.box.Simple("a@example.com", "nobody listens", "x")
	if _, err := p.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	cp, _, _ := store.Load(ctx, desc.Key)
	if cp.LastSeenID != 1 {
		t.Fatalf("checkpoint = %d, want 1", cp.LastSeenID)
	}
}

func TestTargetFailureDoesNotBlockCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := sqlStore(t, openDB(t, filepath.Join(t.TempDir(), "state.db")))
	h := newHarness(t, store, "broken", "ok")
	h.sender.fail["broken"] = true
	desc := descriptor("alice")
	p := h.poller(desc, h.box)

	if _, err := p.Cycle(ctx); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	h.box.Simple("a@example.com", "hi", "x")

	res, err := p.Cycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("failed = %d, want 1", res.Failed)
	}
	if got := h.sender.uidsFor("ok"); !equalUIDs(got, []uint32{1}) {
		t.Fatalf("ok got %v", got)
	}
	cp, _, _ := store.Load(ctx, desc.Key)
	if cp.LastSeenID != 1 {
		t.Fatalf("checkpoint = %d, want 1", cp.LastSeenID)
	}
}

// cancellingRouter cancels the cycle after n records
type cancellingRouter struct {
	inner  Fanouter
	cancel context.CancelFunc
	after  int
	seen   int
}

func (c *cancellingRouter) Fanout(ctx context.Context, rec models.MessageRecord) ([]dispatch.Outcome, error) {
	c.seen++
	if c.seen > c.after {
		c.cancel()
		return nil, ctx.Err()
	}
	return c.inner.Fanout(ctx, rec)
}

func TestCancelMidBatchKeepsCheckpoint(t *testing.T) {
	store := sqlStore(t, openDB(t, filepath.Join(t.TempDir(), "state.db")))
	h := newHarness(t, store, "chat")
	desc := descriptor("alice")

	if _, err := h.poller(desc, h.box).Cycle(context.Background()); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	for i := 0; i < 3; i++ {
		h.box.Simple("a@example.com", "msg", "x")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := h.poller(desc, h.box)
	p.router = &cancellingRouter{inner: h.router, cancel: cancel, after: 1}

	if _, err := p.Cycle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	cp, _, _ := store.Load(context.Background(), desc.Key)
	if cp.LastSeenID != 0 {
		t.Fatalf("checkpoint = %d, want 0", cp.LastSeenID)
	}
}

func TestAccountIsolation(t *testing.T) {
	ctx := context.Background()
	store := sqlStore(t, openDB(t, filepath.Join(t.TempDir(), "state.db")))
	h := newHarness(t, store, "chat")

	healthy := emailtest.NewMailbox(1)
	broken := emailtest.NewMailbox(1)
	broken.DialErr = errors.New("connection refused")

	alice, bob := descriptor("alice"), descriptor("bob")
	dialer := emailtest.Dialer{alice.Key: healthy, bob.Key: broken}

	pa := h.poller(alice, dialer)
	pb := h.poller(bob, dialer)

	if _, err := pa.Cycle(ctx); err != nil {
		t.Fatalf("alice baseline: %v", err)
	}
	healthy.Simple("x@example.com", "for alice", "x")

	if _, err := pb.Cycle(ctx); !email.IsNetworkError(err) {
		t.Fatalf("bob err = %v, want NetworkError", err)
	}
	if _, err := pa.Cycle(ctx); err != nil {
		t.Fatalf("alice cycle: %v", err)
	}

	deliveries := h.sender.deliveries()
	if len(deliveries) != 1 || deliveries[0].account != alice.Key {
		t.Fatalf("deliveries = %+v", deliveries)
	}
	if _, ok, _ := store.Load(ctx, bob.Key); ok {
		t.Fatal("bob got a checkpoint without ever connecting")
	}
}
