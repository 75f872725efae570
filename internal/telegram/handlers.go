package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mixelka/emailnarrator/internal/dispatch"
	"github.com/mixelka/emailnarrator/internal/formatter"
	appmodels "github.com/mixelka/emailnarrator/pkg/models"
)

// checkTimeout bounds a whole check_accounts run
const checkTimeout = 2 * time.Minute

// parseCommand splits "/email_narrator[@bot] sub args..." into the
// subcommand and its arguments. ok is false for other commands sharing
// the prefix.
func parseCommand(text string) (sub string, args []string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil, false
	}

	name, _, _ := strings.Cut(fields[0], "@")
	if name != Command {
		return "", nil, false
	}
	if len(fields) == 1 {
		return "help", nil, true
	}
	return strings.ToLower(fields[1]), fields[2:], true
}

// handleCommand handles /email_narrator and its subcommands
func (b *Bot) handleCommand(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil {
		return
	}

	sub, _, ok := parseCommand(msg.Text)
	if !ok {
		return
	}

	target := TargetForMessage(msg)
	b.logger.Debug("command received", "sub", sub, "target", target)

	switch sub {
	case "on":
		b.handleToggle(ctx, msg, dispatch.TargetEvent{Kind: dispatch.Enable, Target: target})
	case "off":
		b.handleToggle(ctx, msg, dispatch.TargetEvent{Kind: dispatch.Disable, Target: target})
	case "status":
		b.reply(ctx, msg, FormatStatus(b.reporter.Report(), b.targets.Contains(target)))
	case "check_accounts":
		b.handleCheckAccounts(ctx, msg)
	case "help":
		b.reply(ctx, msg, HelpText(b.targets.Counts().Fixed))
	default:
		b.reply(ctx, msg, "Unknown subcommand.\n\n"+HelpText(b.targets.Counts().Fixed))
	}
}

// handleToggle turns notifications on or off for the chat the command came from
func (b *Bot) handleToggle(ctx context.Context, msg *models.Message, ev dispatch.TargetEvent) {
	changed, err := b.targets.Apply(ctx, ev)
	b.reply(ctx, msg, toggleReply(ev.Kind, changed, err))
	if err != nil && !isExpectedToggleError(err) {
		b.logger.Error("failed to toggle target", "target", ev.Target, "event", ev.Kind.String(), "error", err)
	}
}

func isExpectedToggleError(err error) bool {
	return errors.Is(err, dispatch.ErrFixedMode) || errors.Is(err, dispatch.ErrPreconfigured)
}

func toggleReply(kind dispatch.TargetEventKind, changed bool, err error) string {
	switch {
	case errors.Is(err, dispatch.ErrFixedMode):
		return "Targets are fixed by configuration, this chat cannot be toggled."
	case errors.Is(err, dispatch.ErrPreconfigured):
		return "This chat is configured as a permanent target and cannot be turned off here."
	case err != nil:
		return "Failed to save the change, please try again."
	case kind == dispatch.Enable && changed:
		return "Email narration is <b>on</b> for this chat."
	case kind == dispatch.Enable:
		return "Email narration is already on for this chat."
	case changed:
		return "Email narration is <b>off</b> for this chat."
	default:
		return "Email narration was not on for this chat."
	}
}

// handleCheckAccounts checks every configured account. Admins only.
func (b *Bot) handleCheckAccounts(ctx context.Context, msg *models.Message) {
	if msg.From == nil {
		b.reply(ctx, msg, "Only administrators can check accounts.")
		return
	}

	isAdmin, err := b.isUserAdmin(ctx, msg.Chat.ID, msg.From.ID)
	if err != nil {
		b.logger.Error("failed to check admin status", "error", err)
		b.reply(ctx, msg, "Failed to verify permissions.")
		return
	}
	if !isAdmin {
		b.reply(ctx, msg, "Only administrators can check accounts.")
		return
	}

	b.reply(ctx, msg, "Checking accounts...")

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	results := b.checker.CheckAccounts(checkCtx)
	b.reply(ctx, msg, FormatCheck(results))
}

// handleCallback handles inline button callbacks
func (b *Bot) handleCallback(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	callback := update.CallbackQuery
	if callback == nil {
		return
	}

	data, err := formatter.DecodeCallback(callback.Data)
	if err != nil {
		b.logger.Error("failed to decode callback", "error", err, "data", callback.Data)
		b.answerCallback(ctx, callback.ID, "Error", false)
		return
	}

	switch data.Action {
	case appmodels.CallbackMute:
		target, err := muteTarget(callback, data.Target)
		if err != nil {
			b.logger.Warn("rejected mute button", "target", data.Target, "error", err)
			b.answerCallback(ctx, callback.ID, "This button belongs to another chat.", false)
			return
		}
		changed, err := b.targets.Apply(ctx, dispatch.TargetEvent{Kind: dispatch.Disable, Target: target})
		if err != nil && !isExpectedToggleError(err) {
			b.logger.Error("failed to mute target", "target", data.Target, "error", err)
		}
		b.answerCallback(ctx, callback.ID, stripTags(toggleReply(dispatch.Disable, changed, err)), false)
	case appmodels.CallbackCopyCode:
		if data.Code == "" {
			b.answerCallback(ctx, callback.ID, "Code not found", false)
			return
		}
		b.answerCallback(ctx, callback.ID, "Code: "+data.Code, true)
	default:
		b.answerCallback(ctx, callback.ID, "Unknown action", false)
	}
}

// errForeignButton is returned when callback data names a chat other than
// the one the button was pressed in
var errForeignButton = errors.New("button pressed outside its target chat")

// muteTarget returns the target a mute button may turn off. Callback data
// is not signed, so the named target must be the chat the button sits in.
func muteTarget(callback *models.CallbackQuery, named string) (string, error) {
	msg := callback.Message.Message
	if msg == nil {
		return "", errForeignButton
	}

	want, err := ParseTarget(named)
	if err != nil {
		return "", err
	}

	if want.Username != "" {
		if !strings.EqualFold(strings.TrimPrefix(want.Username, "@"), msg.Chat.Username) {
			return "", errForeignButton
		}
		return want.String(), nil
	}

	if want.ID != msg.Chat.ID {
		return "", errForeignButton
	}
	if want.ThreadID != 0 && want.ThreadID != msg.MessageThreadID {
		return "", errForeignButton
	}
	return want.String(), nil
}

// stripTags drops the markup used in replies; callback answers are plain text
func stripTags(s string) string {
	return strings.NewReplacer("<b>", "", "</b>", "").Replace(s)
}
