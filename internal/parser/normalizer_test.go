package parser

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mixelka/emailnarrator/internal/account"
	"github.com/mixelka/emailnarrator/pkg/models"
)

var testDesc = account.Descriptor{
	Server: "imap.example.com:993",
	Login:  "alice",
	Key:    "imap.example.com:alice",
}

func newTestNormalizer() *Normalizer {
	n := NewNormalizer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return n
}

func raw(uid uint32, text string) *models.RawMessage {
	return &models.RawMessage{
		UID:          uid,
		InternalDate: time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC),
		Raw:          []byte(strings.ReplaceAll(text, "\n", "\r\n")),
	}
}

func TestNormalizePlain(t *testing.T) {
	msg := raw(42, `From: "Bob Smith" <bob@example.com>
To: alice@example.com
Subject: Lunch
Date: Wed, 01 May 2024 10:30:00 +0000
Content-Type: text/plain; charset=utf-8

See   you
at noon.
`)

	rec := newTestNormalizer().Normalize(testDesc, msg, 150)

	if rec.AccountKey != testDesc.Key || rec.Mailbox != "alice" || rec.MessageID != 42 {
		t.Fatalf("identity fields wrong: %+v", rec)
	}
	if rec.Sender != "Bob Smith <bob@example.com>" {
		t.Fatalf("Sender = %q", rec.Sender)
	}
	if rec.Recipient != "alice@example.com" {
		t.Fatalf("Recipient = %q", rec.Recipient)
	}
	if rec.Subject != "Lunch" {
		t.Fatalf("Subject = %q", rec.Subject)
	}
	if rec.Body != "See you at noon." {
		t.Fatalf("Body = %q", rec.Body)
	}
	if !rec.Date.Equal(time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)) {
		t.Fatalf("Date = %v", rec.Date)
	}
	if rec.ParseFailed {
		t.Fatal("ParseFailed set on a valid message")
	}
}

func TestNormalizeEncodedSubject(t *testing.T) {
	msg := raw(1, `From: =?UTF-8?B?0JjQstCw0L0=?= <ivan@example.com>
Subject: =?UTF-8?Q?Caf=C3=A9_menu?=
Content-Type: text/plain; charset=utf-8

body
`)

	rec := newTestNormalizer().Normalize(testDesc, msg, 150)
	if rec.Subject != "Café menu" {
		t.Fatalf("Subject = %q", rec.Subject)
	}
	if rec.Sender != "Иван <ivan@example.com>" {
		t.Fatalf("Sender = %q", rec.Sender)
	}
	if rec.Recipient != UnknownReceiver {
		t.Fatalf("Recipient = %q, want placeholder", rec.Recipient)
	}
}

func TestNormalizePrefersPlainOverHTML(t *testing.T) {
	msg := raw(2, `From: a@example.com
Subject: Both
MIME-Version: 1.0
Content-Type: multipart/alternative; boundary="XYZ"

--XYZ
Content-Type: text/html; charset=utf-8

<p>html version</p>
--XYZ
Content-Type: text/plain; charset=utf-8

plain version
--XYZ--
`)

	rec := newTestNormalizer().Normalize(testDesc, msg, 150)
	if rec.Body != "plain version" {
		t.Fatalf("Body = %q, want plain part", rec.Body)
	}
}

func TestNormalizeHTMLOnly(t *testing.T) {
	msg := raw(3, `From: a@example.com
Subject: News
Content-Type: text/html; charset=utf-8

<html><head><style>p{color:red}</style></head><body>
<div style="display: none">preheader text</div>
<p>Hello <b>there</b></p><script>alert(1)</script><p>Second line</p>
</body></html>
`)

	rec := newTestNormalizer().Normalize(testDesc, msg, 150)
	if rec.Body != "Hello there Second line" {
		t.Fatalf("Body = %q", rec.Body)
	}
}

func TestNormalizeTruncates(t *testing.T) {
	body := strings.Repeat("я", 300)
	msg := raw(4, "From: a@example.com\nSubject: Long\nContent-Type: text/plain; charset=utf-8\n\n"+body+"\n")

	rec := newTestNormalizer().Normalize(testDesc, msg, 20)
	if !strings.HasSuffix(rec.Body, "...") {
		t.Fatalf("Body = %q, want ellipsis", rec.Body)
	}
	if n := utf8.RuneCountInString(strings.TrimSuffix(rec.Body, "...")); n != 20 {
		t.Fatalf("kept %d runes, want 20", n)
	}
}

func TestNormalizePlaceholders(t *testing.T) {
	msg := raw(5, "Content-Type: text/plain\n\n   \n")

	rec := newTestNormalizer().Normalize(testDesc, msg, 150)
	if rec.Subject != NoSubject || rec.Sender != UnknownSender || rec.Body != NoContent {
		t.Fatalf("placeholders not applied: %+v", rec)
	}
	if !rec.Date.Equal(msg.InternalDate) {
		t.Fatalf("Date = %v, want internal date", rec.Date)
	}
}

func TestNormalizeGarbage(t *testing.T) {
	rec := newTestNormalizer().Normalize(testDesc, &models.RawMessage{UID: 9}, 150)
	if !rec.ParseFailed {
		t.Fatal("ParseFailed not set")
	}
	if rec.Body != Unparseable || rec.MessageID != 9 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestNormalizeDetectsCodes(t *testing.T) {
	msg := raw(6, `From: no-reply@service.example
Subject: Your login code
Content-Type: text/plain; charset=utf-8

Your verification code: 482913
It expires in 2024 minutes.
`)

	rec := newTestNormalizer().Normalize(testDesc, msg, 150)
	if len(rec.Codes) == 0 || rec.Codes[0].Value != "482913" {
		t.Fatalf("Codes = %+v", rec.Codes)
	}
	for _, c := range rec.Codes {
		if c.Value == "2024" {
			t.Fatal("year detected as code")
		}
	}
}

func TestTruncateShort(t *testing.T) {
	if got := Truncate("hello", 20); got != "hello" {
		t.Fatalf("Truncate = %q", got)
	}
}
