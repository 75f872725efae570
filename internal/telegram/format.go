package telegram

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/mixelka/emailnarrator/internal/email"
	"github.com/mixelka/emailnarrator/internal/status"
)

// HelpText lists the subcommands
func HelpText(fixed bool) string {
	var sb strings.Builder
	sb.WriteString("<b>Email narrator</b>\n\n")
	sb.WriteString("New mail from the configured inboxes is narrated into the chats that turned it on.\n\n")
	sb.WriteString("<b>Commands:</b>\n")
	if !fixed {
		sb.WriteString(Command + " on - notify this chat\n")
		sb.WriteString(Command + " off - stop notifying this chat\n")
	}
	sb.WriteString(Command + " status - accounts and targets\n")
	sb.WriteString(Command + " check_accounts - test every account (admins)\n")
	sb.WriteString(Command + " help - this message")
	if fixed {
		sb.WriteString("\n\nTargets are fixed by configuration.")
	}
	return sb.String()
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

// FormatStatus renders a report for the chat that asked
func FormatStatus(rep status.Report, chatActive bool) string {
	var sb strings.Builder

	sb.WriteString("<b>Email narrator status</b>\n\n")
	fmt.Fprintf(&sb, "Accounts: %d running of %d configured, %d healthy\n",
		rep.Running, rep.ConfiguredAccounts, rep.Healthy())

	fmt.Fprintf(&sb, "Targets: %d active (%d preconfigured, %d dynamic)",
		rep.Targets.Active, rep.Targets.Preconfigured, rep.Targets.Dynamic)
	if rep.Targets.Fixed {
		sb.WriteString(", fixed")
	}
	sb.WriteString("\n")

	fmt.Fprintf(&sb, "This chat: %s\n", onOff(chatActive))
	fmt.Fprintf(&sb, "Poll interval: %s\n", rep.PollInterval)
	fmt.Fprintf(&sb, "Preview length: %d\n", rep.TextNum)
	fmt.Fprintf(&sb, "Narration: %s\n", onOff(rep.Narration))

	if len(rep.Accounts) == 0 {
		sb.WriteString("\nNo accounts are being polled.")
		return sb.String()
	}

	sb.WriteString("\n")
	for _, a := range rep.Accounts {
		sb.WriteString(formatAccount(a))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatAccount(a status.AccountHealth) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s <b>%s</b> %s\n", stateEmoji(a), html.EscapeString(a.Login), a.State)
	fmt.Fprintf(&sb, "   checkpoint %d", a.Checkpoint)
	if a.Pending > 0 {
		fmt.Fprintf(&sb, ", %d pending", a.Pending)
	}
	if a.Degraded {
		sb.WriteString(", not persisted")
	}
	if !a.LastPoll.IsZero() {
		fmt.Fprintf(&sb, ", polled %s ago", time.Since(a.LastPoll).Round(time.Second))
	}
	sb.WriteString("\n")

	if a.LastError != "" {
		fmt.Fprintf(&sb, "   <i>%s</i>", html.EscapeString(a.LastError))
		if !a.RetryAt.IsZero() {
			fmt.Fprintf(&sb, " (retry at %s)", a.RetryAt.Format("15:04:05"))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func stateEmoji(a status.AccountHealth) string {
	switch {
	case a.State == status.StateAuthFailed || a.State == status.StateStopped:
		return "🔴"
	case a.LastError != "" || a.Degraded || a.State == status.StateBackoff:
		return "🟡"
	default:
		return "🟢"
	}
}

// FormatCheck renders check_accounts results with an ok/total summary
func FormatCheck(results []email.CheckResult) string {
	if len(results) == 0 {
		return "No accounts configured."
	}

	ok := 0
	for _, r := range results {
		if r.OK {
			ok++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "<b>Account check: %d/%d ok</b>\n\n", ok, len(results))
	for _, r := range results {
		if r.OK {
			fmt.Fprintf(&sb, "✅ %s: %d messages, %s\n",
				html.EscapeString(r.Account), r.Messages, r.Elapsed.Round(time.Millisecond))
			continue
		}

		kind := string(r.Kind)
		if kind == "" {
			kind = "error"
		}
		msg := "unknown error"
		if r.Err != nil {
			msg = r.Err.Error()
		}
		fmt.Fprintf(&sb, "❌ %s: %s: %s\n", html.EscapeString(r.Account), kind, html.EscapeString(msg))
	}
	return strings.TrimRight(sb.String(), "\n")
}
