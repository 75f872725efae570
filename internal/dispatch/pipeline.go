package dispatch

import (
	"context"
	"errors"
	"log/slog"

	tgmodels "github.com/go-telegram/bot/models"

	"github.com/mixelka/emailnarrator/internal/formatter"
	"github.com/mixelka/emailnarrator/internal/narrator"
	"github.com/mixelka/emailnarrator/internal/rate"
	"github.com/mixelka/emailnarrator/pkg/models"
)

// ErrUndeliverable marks a send failure that retrying cannot fix, such as
// the bot being removed from the chat
var ErrUndeliverable = errors.New("target undeliverable")

// Notification is one rendered message for one target
type Notification struct {
	Target    string
	Text      string // HTML parse mode
	Keyboard  *tgmodels.InlineKeyboardMarkup
	MessageID uint32
	Account   string
}

// Sender is the host's send-to-target primitive
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Narrator generates the persona narration for a prompt
type Narrator interface {
	IsConfigured() bool
	Narrate(ctx context.Context, target, prompt string) (string, error)
}

// Pipeline renders and sends one record to one target: narration when
// available, the formatted plain notification otherwise.
type Pipeline struct {
	narrator  Narrator
	formatter *formatter.TelegramFormatter
	sender    Sender
	limiter   rate.Limiter
	template  func() string
	logger    *slog.Logger
}

// NewPipeline creates a pipeline. narrator and limiter may be nil; template
// returns the current prompt template.
func NewPipeline(n Narrator, sender Sender, limiter rate.Limiter, template func() string, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		narrator:  n,
		formatter: formatter.NewTelegramFormatter(),
		sender:    sender,
		limiter:   limiter,
		template:  template,
		logger:    logger.With("component", "pipeline"),
	}
}

// Prepare renders the notification for target. It never fails: narration
// errors fall back to the plain notification.
func (p *Pipeline) Prepare(ctx context.Context, target string, rec models.MessageRecord) (Notification, bool) {
	n := Notification{
		Target:    target,
		MessageID: rec.MessageID,
		Account:   rec.AccountKey,
	}

	if p.narrator != nil && p.narrator.IsConfigured() && !rec.ParseFailed {
		prompt := narrator.RenderPrompt(p.template(), rec)
		text, err := p.narrator.Narrate(ctx, target, prompt)
		if err == nil {
			n.Text = p.formatter.FormatNarration(text)
			return n, true
		}
		if ctx.Err() == nil {
			p.logger.Warn("narration failed, sending plain notification",
				"target", target,
				"account", rec.AccountKey,
				"uid", rec.MessageID,
				"error", err,
			)
		}
	}

	n.Text = p.formatter.FormatNotification(rec)
	n.Keyboard = formatter.BuildNotificationKeyboard(target, rec.Codes)
	return n, false
}

// Send paces and hands n to the host
func (p *Pipeline) Send(ctx context.Context, n Notification) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, n.Target); err != nil {
			return err
		}
	}
	return p.sender.Send(ctx, n)
}
