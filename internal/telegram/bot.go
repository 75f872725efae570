// Package telegram hosts the service in the Telegram Bot API: it delivers
// rendered notifications to chat targets and serves the command surface.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mixelka/emailnarrator/internal/dispatch"
	"github.com/mixelka/emailnarrator/internal/email"
	"github.com/mixelka/emailnarrator/internal/status"
)

// Command is the single bot command; everything else is a subcommand
const Command = "/email_narrator"

// AccountChecker runs connectivity checks against the configured accounts
type AccountChecker interface {
	CheckAccounts(ctx context.Context) []email.CheckResult
}

// CheckFunc adapts a function to AccountChecker
type CheckFunc func(ctx context.Context) []email.CheckResult

// CheckAccounts calls f
func (f CheckFunc) CheckAccounts(ctx context.Context) []email.CheckResult {
	return f(ctx)
}

// Bot represents the Telegram bot
type Bot struct {
	bot      *bot.Bot
	targets  *dispatch.TargetSet
	reporter *status.Reporter
	checker  AccountChecker
	admins   map[int64]bool
	logger   *slog.Logger
}

// BotDeps dependencies for creating a bot
type BotDeps struct {
	Token        string
	Targets      *dispatch.TargetSet
	Reporter     *status.Reporter
	Checker      AccountChecker
	AdminUserIDs []int64
	Logger       *slog.Logger
	// Options are passed through to the bot client
	Options []bot.Option
}

// NewBot creates a new Telegram bot
func NewBot(deps BotDeps) (*Bot, error) {
	b := &Bot{
		targets:  deps.Targets,
		reporter: deps.Reporter,
		checker:  deps.Checker,
		admins:   make(map[int64]bool, len(deps.AdminUserIDs)),
		logger:   deps.Logger.With("component", "telegram_bot"),
	}
	for _, id := range deps.AdminUserIDs {
		b.admins[id] = true
	}

	opts := append([]bot.Option{
		bot.WithDefaultHandler(b.defaultHandler),
	}, deps.Options...)

	tgBot, err := bot.New(deps.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	b.bot = tgBot
	b.registerHandlers()

	return b, nil
}

// registerHandlers registers command handlers
func (b *Bot) registerHandlers() {
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, Command, bot.MatchTypePrefix, b.handleCommand)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypePrefix, b.handleStart)
	b.bot.RegisterHandler(bot.HandlerTypeCallbackQueryData, "", bot.MatchTypePrefix, b.handleCallback)
}

// Start runs the update loop until ctx is cancelled
func (b *Bot) Start(ctx context.Context) {
	b.logger.Info("starting telegram bot")
	b.bot.Start(ctx)
}

// Send implements dispatch.Sender
func (b *Bot) Send(ctx context.Context, n dispatch.Notification) error {
	target, err := ParseTarget(n.Target)
	if err != nil {
		return fmt.Errorf("%w: %v", dispatch.ErrUndeliverable, err)
	}

	params := &bot.SendMessageParams{
		ChatID:          target.ChatID(),
		MessageThreadID: target.ThreadID,
		Text:            n.Text,
		ParseMode:       models.ParseModeHTML,
		LinkPreviewOptions: &models.LinkPreviewOptions{
			IsDisabled: bot.True(),
		},
	}
	if n.Keyboard != nil {
		params.ReplyMarkup = n.Keyboard
	}

	if _, err := b.bot.SendMessage(ctx, params); err != nil {
		return classifySendError(err)
	}
	return nil
}

// defaultHandler handles unknown messages
func (b *Bot) defaultHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	if strings.HasPrefix(update.Message.Text, "/") {
		b.logger.Debug("unknown command", "text", update.Message.Text)
	}
}

// handleStart shows help
func (b *Bot) handleStart(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	b.reply(ctx, msg, HelpText(b.targets.Counts().Fixed))
}
