package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mixelka/emailnarrator/internal/account"
	"github.com/mixelka/emailnarrator/pkg/models"
)

// Cursor is the position the poller fetched up to
type Cursor struct {
	Validity   uint32
	LastSeenID uint32
}

// FetchResult is one batch of new messages
type FetchResult struct {
	Validity  uint32
	Messages  []*models.RawMessage // ascending by UID
	Pending   int                  // messages newer than the batch left for the next call
	Recovered bool                 // cursor was stale, batch starts from the oldest present message
}

// NewestID returns the UID of the last message in the batch, or 0
func (r *FetchResult) NewestID() uint32 {
	if len(r.Messages) == 0 {
		return 0
	}
	return r.Messages[len(r.Messages)-1].UID
}

// CheckResult is the outcome of a connectivity check
type CheckResult struct {
	Account      string
	OK           bool
	Err          error
	Kind         ErrorKind
	Messages     uint32
	Capabilities []string
	Elapsed      time.Duration
}

// Connection owns the IMAP session lifecycle of one account
type Connection struct {
	desc    account.Descriptor
	dialer  Dialer
	backoff *Backoff
	logger  *slog.Logger

	mu      sync.Mutex
	session Session
}

// NewConnection creates a connection for desc. Nothing is dialed until the first fetch.
func NewConnection(desc account.Descriptor, dialer Dialer, backoff *Backoff, logger *slog.Logger) *Connection {
	return &Connection{
		desc:    desc,
		dialer:  dialer,
		backoff: backoff,
		logger:  logger.With("component", "imap_connection", "account", desc.Key),
	}
}

// Descriptor returns the account the connection serves
func (c *Connection) Descriptor() account.Descriptor {
	return c.desc
}

// Connected reports whether a session is currently held
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

func (c *Connection) open(ctx context.Context) (Session, error) {
	if c.session != nil {
		if err := c.session.Noop(ctx); err == nil {
			return c.session, nil
		}
		c.logger.Debug("session went stale, reconnecting")
		c.dropLocked()
	}

	session, err := c.dialer.Dial(ctx, c.desc)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, c.classify("dial", err)
	}

	c.session = session
	c.logger.Info("connected")
	return session, nil
}

// Close logs out and drops the session
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
}

func (c *Connection) dropLocked() {
	if c.session == nil {
		return
	}
	c.session.Logout()
	c.session = nil
}

// classify turns err into an AuthError or a NetworkError carrying the
// next backoff delay
func (c *Connection) classify(op string, err error) error {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return err
	}

	delay := c.backoff.Next()

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		netErr.RetryAfter = delay
		return netErr
	}
	return &NetworkError{Account: c.desc.Key, Op: op, Err: err, RetryAfter: delay}
}

// fail drops the session after a failed command and classifies the error
func (c *Connection) fail(ctx context.Context, op string, err error) error {
	c.dropLocked()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return c.classify(op, err)
}

// Baseline returns the newest message currently in the mailbox. An empty
// mailbox yields UIDNEXT-1 so that the first message to arrive is newer.
func (c *Connection) Baseline(ctx context.Context) (Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, err := c.open(ctx)
	if err != nil {
		return Cursor{}, err
	}

	info, err := session.Examine(ctx)
	if err != nil {
		return Cursor{}, c.fail(ctx, "examine", err)
	}

	cursor := Cursor{Validity: info.UIDValidity}
	if info.UIDNext > 0 {
		cursor.LastSeenID = info.UIDNext - 1
	}

	if info.Messages > 0 {
		uids, err := session.SearchUIDs(ctx, 0)
		if err != nil {
			return Cursor{}, c.fail(ctx, "search", err)
		}
		if len(uids) > 0 {
			cursor.LastSeenID = uids[len(uids)-1]
		}
	}

	c.backoff.Reset()
	return cursor, nil
}

// FetchSince returns messages with UID greater than cursor, oldest first
// and at most limit of them (limit <= 0 means no limit). Calling it again
// with the same cursor returns the same messages.
//
// When the cursor belongs to another UIDVALIDITY, or points beyond the
// mailbox's UIDNEXT, the server no longer knows the cursor's UIDs. The
// batch then starts from the oldest message present and Recovered is set.
func (c *Connection) FetchSince(ctx context.Context, cursor Cursor, limit int) (*FetchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, err := c.open(ctx)
	if err != nil {
		return nil, err
	}

	info, err := session.Examine(ctx)
	if err != nil {
		return nil, c.fail(ctx, "examine", err)
	}

	result := &FetchResult{Validity: info.UIDValidity}

	since := cursor.LastSeenID
	if stale, reason := staleCursor(cursor, info); stale {
		c.logger.Warn("checkpoint no longer matches mailbox, recovering from oldest message",
			"reason", reason,
			"checkpoint_validity", cursor.Validity,
			"checkpoint_id", cursor.LastSeenID,
			"mailbox_validity", info.UIDValidity,
			"uid_next", info.UIDNext,
		)
		since = 0
		result.Recovered = true
	}

	if info.Messages == 0 {
		c.backoff.Reset()
		return result, nil
	}

	uids, err := session.SearchUIDs(ctx, since)
	if err != nil {
		return nil, c.fail(ctx, "search", err)
	}

	if limit > 0 && len(uids) > limit {
		result.Pending = len(uids) - limit
		uids = uids[:limit]
	}

	if len(uids) > 0 {
		messages, err := session.FetchRaw(ctx, uids)
		if err != nil {
			return nil, c.fail(ctx, "fetch", err)
		}
		sort.Slice(messages, func(i, j int) bool { return messages[i].UID < messages[j].UID })
		result.Messages = messages
	}

	c.backoff.Reset()
	return result, nil
}

func staleCursor(cursor Cursor, info MailboxInfo) (bool, string) {
	if cursor.Validity != info.UIDValidity {
		return true, "uid_validity_changed"
	}
	if info.UIDNext > 0 && cursor.LastSeenID >= info.UIDNext {
		return true, "checkpoint_beyond_uid_next"
	}
	return false, ""
}

// CheckAccount checks connectivity on a fresh session: login, capabilities
// and INBOX. It never touches a polling session or any checkpoint.
func CheckAccount(ctx context.Context, dialer Dialer, desc account.Descriptor) CheckResult {
	start := time.Now()
	result := CheckResult{Account: desc.Key}

	finish := func(err error) CheckResult {
		result.Err = err
		result.Kind = Kind(err)
		result.OK = err == nil
		result.Elapsed = time.Since(start)
		return result
	}

	session, err := dialer.Dial(ctx, desc)
	if err != nil {
		return finish(err)
	}
	defer session.Logout()

	caps, err := session.Capabilities(ctx)
	if err != nil {
		return finish(&NetworkError{Account: desc.Key, Op: "capability", Err: err})
	}
	for name, ok := range caps {
		if ok {
			result.Capabilities = append(result.Capabilities, name)
		}
	}
	sort.Strings(result.Capabilities)

	info, err := session.Examine(ctx)
	if err != nil {
		return finish(&NetworkError{Account: desc.Key, Op: "examine", Err: fmt.Errorf("inbox not accessible: %w", err)})
	}
	result.Messages = info.Messages

	return finish(nil)
}
