package formatter

import (
	"strings"
	"testing"
	"time"

	appmodels "github.com/mixelka/emailnarrator/pkg/models"
)

func TestFormatNotification(t *testing.T) {
	rec := appmodels.MessageRecord{
		Mailbox: "alice@example.com",
		Sender:  "Bob <bob@example.com>",
		Subject: "Q&A",
		Body:    "1 < 2",
		Date:    time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC),
		Codes:   []appmodels.DetectedCode{{Type: "otp", Value: "482913"}},
	}

	out := NewTelegramFormatter().FormatNotification(rec)

	for _, want := range []string{
		"(alice@example.com)",
		"Bob &lt;bob@example.com&gt;",
		"Q&amp;A",
		"01.05.2024 10:30",
		"<code>482913</code>",
		"1 &lt; 2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatNotificationRespectsLimit(t *testing.T) {
	rec := appmodels.MessageRecord{Body: strings.Repeat("x", 10000)}
	out := NewTelegramFormatter().FormatNotification(rec)
	if n := len([]rune(out)); n > MaxMessageLength+3 {
		t.Fatalf("length = %d, want <= %d", n, MaxMessageLength+3)
	}
}

func TestKeyboardRoundTrip(t *testing.T) {
	kb := BuildNotificationKeyboard("-1001234567890/42", []appmodels.DetectedCode{{Value: "1234"}, {Value: "ABCDE1"}, {Value: "999999"}})
	if kb == nil {
		t.Fatal("nil keyboard")
	}
	// two rows of codes plus the mute row
	if len(kb.InlineKeyboard) != 3 {
		t.Fatalf("rows = %d, want 3", len(kb.InlineKeyboard))
	}

	muteRow := kb.InlineKeyboard[len(kb.InlineKeyboard)-1]
	cb, err := DecodeCallback(muteRow[0].CallbackData)
	if err != nil {
		t.Fatalf("DecodeCallback: %v", err)
	}
	if cb.Action != appmodels.CallbackMute || cb.Target != "-1001234567890/42" {
		t.Fatalf("callback = %+v", cb)
	}

	cb, err = DecodeCallback(kb.InlineKeyboard[0][1].CallbackData)
	if err != nil {
		t.Fatalf("DecodeCallback: %v", err)
	}
	if cb.Action != appmodels.CallbackCopyCode || cb.Code != "ABCDE1" {
		t.Fatalf("callback = %+v", cb)
	}
}

func TestDecodeCallbackRejectsGarbage(t *testing.T) {
	if _, err := DecodeCallback("not json"); err == nil {
		t.Fatal("expected error")
	}
}
