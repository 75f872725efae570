// Package formatter renders the plain notification sent when narration is
// unavailable.
package formatter

import (
	"fmt"
	"html"
	"strings"

	"github.com/mixelka/emailnarrator/pkg/models"
)

// MaxMessageLength is the Bot API limit for one text message, minus room for markup
const MaxMessageLength = 4000

// TelegramFormatter formats message records for Telegram (HTML parse mode)
type TelegramFormatter struct {
	maxLength int
}

// NewTelegramFormatter creates a new Telegram formatter
func NewTelegramFormatter() *TelegramFormatter {
	return &TelegramFormatter{
		maxLength: MaxMessageLength,
	}
}

// FormatNotification formats the fallback notification for rec
func (f *TelegramFormatter) FormatNotification(rec models.MessageRecord) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("📧 <b>New mail</b> (%s)\n", escapeHTML(rec.Mailbox)))
	sb.WriteString(fmt.Sprintf("<b>From:</b> %s\n", escapeHTML(rec.Sender)))
	sb.WriteString(fmt.Sprintf("<b>Subject:</b> %s\n", escapeHTML(rec.Subject)))
	if !rec.Date.IsZero() {
		sb.WriteString(fmt.Sprintf("<b>Date:</b> %s\n", rec.Date.Format("02.01.2006 15:04")))
	}

	if len(rec.Codes) > 0 {
		sb.WriteString("<b>Codes:</b> ")
		for i, code := range rec.Codes {
			if i > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(fmt.Sprintf("<code>%s</code>", escapeHTML(code.Value)))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	body := truncate(rec.Body, f.maxLength-sb.Len())
	if rec.ParseFailed {
		sb.WriteString("<i>" + escapeHTML(body) + "</i>")
	} else {
		sb.WriteString(escapeHTML(body))
	}

	return sb.String()
}

// FormatNarration wraps model output for sending. The model writes plain
// text, so it is escaped and cut to the message limit.
func (f *TelegramFormatter) FormatNarration(text string) string {
	return escapeHTML(truncate(text, f.maxLength))
}

// escapeHTML escapes HTML special characters for Telegram
func escapeHTML(s string) string {
	return html.EscapeString(s)
}

// truncate truncates text to maxLen characters
func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 100
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
