package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/mixelka/emailnarrator/internal/account"
	"github.com/mixelka/emailnarrator/pkg/models"
)

// MailboxInfo is the state of the examined INBOX
type MailboxInfo struct {
	UIDValidity uint32
	UIDNext     uint32
	Messages    uint32
}

// Session is one logged-in IMAP session
type Session interface {
	// Examine opens INBOX read-only
	Examine(ctx context.Context) (MailboxInfo, error)
	// SearchUIDs returns the UIDs greater than since, ascending
	SearchUIDs(ctx context.Context, since uint32) ([]uint32, error)
	// FetchRaw fetches full messages without setting \Seen, ascending by UID
	FetchRaw(ctx context.Context, uids []uint32) ([]*models.RawMessage, error)
	Capabilities(ctx context.Context) (map[string]bool, error)
	Noop(ctx context.Context) error
	Logout()
}

// Dialer opens sessions for an account
type Dialer interface {
	Dial(ctx context.Context, desc account.Descriptor) (Session, error)
}

// IMAPDialer dials real IMAP servers. Port 143 uses STARTTLS, anything else implicit TLS.
type IMAPDialer struct {
	DialTimeout time.Duration
	TLSConfig   *tls.Config
	Logger      *slog.Logger
}

// Dial connects and logs in. Login rejections are returned as AuthError,
// everything else as NetworkError.
func (d *IMAPDialer) Dial(ctx context.Context, desc account.Descriptor) (Session, error) {
	timeout := d.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	host, port, err := net.SplitHostPort(desc.Server)
	if err != nil {
		return nil, &NetworkError{Account: desc.Key, Op: "dial", Err: err}
	}

	tlsConfig := &tls.Config{ServerName: host}
	if d.TLSConfig != nil {
		tlsConfig = d.TLSConfig.Clone()
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = host
		}
	}

	dialer := &net.Dialer{Timeout: timeout}

	var conn net.Conn
	if port == "143" {
		conn, err = dialer.DialContext(ctx, "tcp", desc.Server)
	} else {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", desc.Server)
	}
	if err != nil {
		return nil, &NetworkError{Account: desc.Key, Op: "dial", Err: fmt.Errorf("failed to connect: %w", err)}
	}

	imapClient, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, &NetworkError{Account: desc.Key, Op: "greeting", Err: fmt.Errorf("failed to create IMAP client: %w", err)}
	}
	imapClient.Timeout = timeout

	s := &imapSession{client: imapClient, account: desc.Key}

	if port == "143" {
		if err := s.startTLS(ctx, tlsConfig); err != nil {
			imapClient.Terminate()
			return nil, &NetworkError{Account: desc.Key, Op: "starttls", Err: err}
		}
	}

	if err := s.login(ctx, desc.Login, desc.Credential); err != nil {
		imapClient.Terminate()
		if isTransportFailure(err) {
			return nil, &NetworkError{Account: desc.Key, Op: "login", Err: err}
		}
		return nil, &AuthError{Account: desc.Key, Err: err}
	}

	if d.Logger != nil {
		d.Logger.Debug("connected to IMAP server", "account", desc.Key, "server", desc.Server)
	}
	return s, nil
}

// imapSession implements Session on go-imap v1. The v1 client has no
// context support, so a cancelled context terminates the connection.
type imapSession struct {
	client  *client.Client
	account string
}

// guard terminates the connection when ctx is cancelled during a command
func (s *imapSession) guard(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		s.client.Terminate()
	})
}

func (s *imapSession) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (s *imapSession) startTLS(ctx context.Context, cfg *tls.Config) error {
	defer s.guard(ctx)()

	ok, err := s.client.SupportStartTLS()
	if err != nil {
		return s.ctxErr(ctx, err)
	}
	if !ok {
		return fmt.Errorf("server does not support STARTTLS")
	}
	return s.ctxErr(ctx, s.client.StartTLS(cfg))
}

func (s *imapSession) login(ctx context.Context, username, password string) error {
	defer s.guard(ctx)()

	if err := s.client.Login(username, password); err != nil {
		return s.ctxErr(ctx, fmt.Errorf("failed to login: %w", err))
	}
	return nil
}

func (s *imapSession) Examine(ctx context.Context) (MailboxInfo, error) {
	defer s.guard(ctx)()

	mbox, err := s.client.Select("INBOX", true)
	if err != nil {
		return MailboxInfo{}, s.ctxErr(ctx, fmt.Errorf("failed to examine INBOX: %w", err))
	}

	return MailboxInfo{
		UIDValidity: mbox.UidValidity,
		UIDNext:     mbox.UidNext,
		Messages:    mbox.Messages,
	}, nil
}

func (s *imapSession) SearchUIDs(ctx context.Context, since uint32) ([]uint32, error) {
	defer s.guard(ctx)()

	// UID since+1:* ; when since+1 exceeds the highest UID the server
	// still returns the highest message, so results are filtered below
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(since+1, 0)

	criteria := imap.NewSearchCriteria()
	criteria.Uid = seqSet

	uids, err := s.client.UidSearch(criteria)
	if err != nil {
		return nil, s.ctxErr(ctx, fmt.Errorf("failed to search: %w", err))
	}

	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		if uid > since {
			out = append(out, uid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out, nil
}

func (s *imapSession) FetchRaw(ctx context.Context, uids []uint32) ([]*models.RawMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	defer s.guard(ctx)()

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	// BODY.PEEK[] leaves \Seen untouched
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)

	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var raws []*models.RawMessage
	var readErr error
	for msg := range messages {
		raw := &models.RawMessage{
			UID:          msg.Uid,
			InternalDate: msg.InternalDate,
		}
		if body := msg.GetBody(section); body != nil {
			data, err := io.ReadAll(body)
			if err != nil && readErr == nil {
				readErr = fmt.Errorf("failed to read message %d: %w", msg.Uid, err)
			}
			raw.Raw = data
		}
		raws = append(raws, raw)
	}

	if err := <-done; err != nil {
		return nil, s.ctxErr(ctx, fmt.Errorf("failed to fetch: %w", err))
	}
	if readErr != nil {
		return nil, s.ctxErr(ctx, readErr)
	}

	sort.Slice(raws, func(i, j int) bool { return raws[i].UID < raws[j].UID })
	return raws, nil
}

func (s *imapSession) Capabilities(ctx context.Context) (map[string]bool, error) {
	defer s.guard(ctx)()

	caps, err := s.client.Capability()
	if err != nil {
		return nil, s.ctxErr(ctx, fmt.Errorf("failed to get capabilities: %w", err))
	}
	return caps, nil
}

func (s *imapSession) Noop(ctx context.Context) error {
	defer s.guard(ctx)()
	return s.ctxErr(ctx, s.client.Noop())
}

// Logout closes the session without blocking for more than two seconds
func (s *imapSession) Logout() {
	done := make(chan struct{})
	go func() {
		s.client.Logout()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		// Force close if logout takes too long
		s.client.Terminate()
	}
}
