// Package parser turns raw RFC 5322 messages into bounded plain-text records.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/mixelka/emailnarrator/internal/account"
	"github.com/mixelka/emailnarrator/pkg/models"
)

func init() {
	// QQ and 163 mailboxes label bodies "gbk", which the charset package lacks
	charset.RegisterEncoding("gbk", simplifiedchinese.GBK)
	charset.RegisterEncoding("gb2312", simplifiedchinese.GBK)
}

// Placeholders substituted for missing fields
const (
	NoSubject       = "(no subject)"
	UnknownSender   = "(unknown sender)"
	UnknownReceiver = "(unknown recipient)"
	NoContent       = "(no text content)"
	Unparseable     = "(message could not be parsed)"
)

// DefaultMaxChars is the preview cap used when none is configured
const DefaultMaxChars = 150

// maxPartSize bounds how much of one MIME part is read
const maxPartSize = 1 << 20

// ParseError reports a message that could not be parsed at all
type ParseError struct {
	UID uint32
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse message %d: %v", e.UID, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Normalizer builds MessageRecords from raw messages
type Normalizer struct {
	html   *HTMLParser
	codes  *CodeDetector
	logger *slog.Logger
	now    func() time.Time
}

// NewNormalizer creates a normalizer
func NewNormalizer(logger *slog.Logger) *Normalizer {
	return &Normalizer{
		html:   NewHTMLParser(),
		codes:  NewCodeDetector(DefaultMaxCodes),
		logger: logger.With("component", "normalizer"),
		now:    time.Now,
	}
}

// Normalize never fails. A message that cannot be parsed yields a record
// with a placeholder body and ParseFailed set.
func (n *Normalizer) Normalize(desc account.Descriptor, raw *models.RawMessage, maxChars int) models.MessageRecord {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	rec := models.MessageRecord{
		AccountKey: desc.Key,
		Mailbox:    desc.Login,
		MessageID:  raw.UID,
		Date:       raw.InternalDate,
		FetchedAt:  n.now(),
	}

	parsed, err := n.parse(raw)
	if err != nil {
		n.logger.Warn("failed to parse message",
			"account", desc.Key,
			"uid", raw.UID,
			"error", err,
		)
		rec.ParseFailed = true
	}

	rec.Subject = orPlaceholder(parsed.subject, NoSubject)
	rec.Sender = orPlaceholder(parsed.sender, UnknownSender)
	rec.Recipient = orPlaceholder(parsed.recipient, UnknownReceiver)
	if !parsed.date.IsZero() {
		rec.Date = parsed.date
	}

	body := CollapseWhitespace(parsed.body)
	rec.Codes = n.codes.Detect(parsed.subject, parsed.body)

	switch {
	case rec.ParseFailed && body == "":
		rec.Body = Unparseable
	case body == "":
		rec.Body = NoContent
	default:
		rec.Body = Truncate(body, maxChars)
	}

	return rec
}

type parsedMessage struct {
	subject   string
	sender    string
	recipient string
	date      time.Time
	body      string
}

// parse extracts what it can. The returned message is partially filled even
// when an error is returned.
func (n *Normalizer) parse(raw *models.RawMessage) (parsedMessage, error) {
	var out parsedMessage

	if len(raw.Raw) == 0 {
		return out, &ParseError{UID: raw.UID, Err: errors.New("empty message")}
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw.Raw))
	if mr == nil || (err != nil && !message.IsUnknownCharset(err)) {
		if err == nil {
			err = errors.New("no mail reader")
		}
		return out, &ParseError{UID: raw.UID, Err: err}
	}
	defer mr.Close()

	out.subject = headerText(mr.Header, "Subject")
	out.sender = addressText(mr.Header, "From")
	out.recipient = addressText(mr.Header, "To")
	if date, err := mr.Header.Date(); err == nil {
		out.date = date
	}

	var plain, html string
	var partErr error
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			partErr = err
			// An unknown charset still yields a readable, undecoded part
			if part == nil || !message.IsUnknownCharset(err) {
				break
			}
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if plain != "" && strings.HasPrefix(contentType, "text/plain") {
			continue
		}

		data, err := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
		if err != nil {
			partErr = err
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			plain = string(data)
		case strings.HasPrefix(contentType, "text/html") && html == "":
			html = string(data)
		case contentType == "" && plain == "":
			plain = string(data)
		}
	}

	switch {
	case strings.TrimSpace(plain) != "":
		out.body = plain
	case html != "":
		text, err := n.html.Parse(html)
		if err != nil {
			return out, &ParseError{UID: raw.UID, Err: fmt.Errorf("html body: %w", err)}
		}
		out.body = text
	}

	if out.body == "" && partErr != nil {
		return out, &ParseError{UID: raw.UID, Err: partErr}
	}
	return out, nil
}

func headerText(h mail.Header, key string) string {
	if key == "Subject" {
		if subject, err := h.Subject(); err == nil {
			return strings.TrimSpace(subject)
		}
	}
	text, err := h.Text(key)
	if err != nil {
		return strings.TrimSpace(h.Get(key))
	}
	return strings.TrimSpace(text)
}

// addressText renders an address list as "Name <addr>, ..."
func addressText(h mail.Header, key string) string {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return headerText(h, key)
	}

	parts := make([]string, 0, len(list))
	for _, addr := range list {
		switch {
		case addr.Name != "" && addr.Address != "":
			parts = append(parts, addr.Name+" <"+addr.Address+">")
		case addr.Address != "":
			parts = append(parts, addr.Address)
		default:
			parts = append(parts, addr.Name)
		}
	}
	return strings.Join(parts, ", ")
}

func orPlaceholder(s, placeholder string) string {
	if s == "" {
		return placeholder
	}
	return s
}

// CollapseWhitespace replaces every run of whitespace with one space
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate cuts s to maxChars runes and appends "..." when it was longer
func Truncate(s string, maxChars int) string {
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxChars]) + "..."
}
