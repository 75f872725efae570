// Package emailtest provides an in-memory mailbox implementing email.Dialer.
package emailtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mixelka/emailnarrator/internal/account"
	"github.com/mixelka/emailnarrator/internal/email"
	"github.com/mixelka/emailnarrator/pkg/models"
)

// Mailbox is a fake INBOX shared by every session dialed from it
type Mailbox struct {
	mu sync.Mutex

	validity uint32
	uidNext  uint32
	messages map[uint32][]byte
	dates    map[uint32]time.Time

	// DialErr, when set, is returned by Dial
	DialErr error
	// FetchErr, when set, is returned by FetchRaw
	FetchErr error

	dials   int
	fetches int
	open    int
}

// NewMailbox creates an empty mailbox with the given UIDVALIDITY
func NewMailbox(validity uint32) *Mailbox {
	return &Mailbox{
		validity: validity,
		uidNext:  1,
		messages: make(map[uint32][]byte),
		dates:    make(map[uint32]time.Time),
	}
}

// Deliver appends a message and returns its UID
func (m *Mailbox) Deliver(raw string) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	uid := m.uidNext
	m.uidNext++
	m.messages[uid] = []byte(raw)
	m.dates[uid] = time.Now()
	return uid
}

// Simple delivers a minimal RFC 5322 message
func (m *Mailbox) Simple(from, subject, body string) uint32 {
	return m.Deliver(fmt.Sprintf("From: %s\r\nTo: inbox@example.com\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n", from, subject, body))
}

// Expunge removes a message
func (m *Mailbox) Expunge(uid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, uid)
	delete(m.dates, uid)
}

// Reset simulates the server reassigning UIDs under a new UIDVALIDITY.
// Existing messages are renumbered from 1.
func (m *Mailbox) Reset(validity uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	uids := m.sortedLocked(0)
	messages := make(map[uint32][]byte, len(uids))
	dates := make(map[uint32]time.Time, len(uids))
	for i, uid := range uids {
		messages[uint32(i+1)] = m.messages[uid]
		dates[uint32(i+1)] = m.dates[uid]
	}
	m.messages = messages
	m.dates = dates
	m.uidNext = uint32(len(uids) + 1)
	m.validity = validity
}

// SetDialErr changes the dial error while sessions may be running
func (m *Mailbox) SetDialErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DialErr = err
}

// Dials returns how many sessions were dialed
func (m *Mailbox) Dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

// Fetches returns how many UID FETCH commands were issued
func (m *Mailbox) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// OpenSessions returns the number of sessions not yet logged out
func (m *Mailbox) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *Mailbox) sortedLocked(since uint32) []uint32 {
	uids := make([]uint32, 0, len(m.messages))
	for uid := range m.messages {
		if uid > since {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// Dial implements email.Dialer
func (m *Mailbox) Dial(ctx context.Context, desc account.Descriptor) (email.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.dials++
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	m.open++
	return &session{box: m}, nil
}

// Dialer routes dials to a mailbox per account key
type Dialer map[string]*Mailbox

// Dial implements email.Dialer
func (d Dialer) Dial(ctx context.Context, desc account.Descriptor) (email.Session, error) {
	box, ok := d[desc.Key]
	if !ok {
		return nil, &email.NetworkError{Account: desc.Key, Op: "dial", Err: fmt.Errorf("no such host")}
	}
	return box.Dial(ctx, desc)
}

type session struct {
	box    *Mailbox
	closed bool
}

func (s *session) Examine(ctx context.Context) (email.MailboxInfo, error) {
	if err := ctx.Err(); err != nil {
		return email.MailboxInfo{}, err
	}

	s.box.mu.Lock()
	defer s.box.mu.Unlock()

	return email.MailboxInfo{
		UIDValidity: s.box.validity,
		UIDNext:     s.box.uidNext,
		Messages:    uint32(len(s.box.messages)),
	}, nil
}

func (s *session) SearchUIDs(ctx context.Context, since uint32) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	return s.box.sortedLocked(since), nil
}

func (s *session) FetchRaw(ctx context.Context, uids []uint32) ([]*models.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.box.mu.Lock()
	defer s.box.mu.Unlock()

	s.box.fetches++
	if s.box.FetchErr != nil {
		return nil, s.box.FetchErr
	}

	var out []*models.RawMessage
	for _, uid := range uids {
		raw, ok := s.box.messages[uid]
		if !ok {
			continue
		}
		out = append(out, &models.RawMessage{UID: uid, InternalDate: s.box.dates[uid], Raw: raw})
	}
	return out, nil
}

func (s *session) Capabilities(ctx context.Context) (map[string]bool, error) {
	return map[string]bool{"IMAP4rev1": true, "IDLE": true}, ctx.Err()
}

func (s *session) Noop(ctx context.Context) error {
	return ctx.Err()
}

func (s *session) Logout() {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.box.open--
	}
}
