package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mixelka/emailnarrator/internal/dispatch"
)

// isUserAdmin checks if a user may run admin commands. ADMIN_USER_IDS
// wins; otherwise chat owners and administrators qualify.
func (b *Bot) isUserAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	if b.admins[userID] {
		return true, nil
	}
	if chatID == userID {
		// Private chat with someone not on the admin list
		return false, nil
	}

	apiCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	member, err := b.bot.GetChatMember(apiCtx, &bot.GetChatMemberParams{
		ChatID: chatID,
		UserID: userID,
	})
	if err != nil {
		return false, err
	}

	switch member.Type {
	case models.ChatMemberTypeOwner, models.ChatMemberTypeAdministrator:
		return true, nil
	default:
		return false, nil
	}
}

// reply answers in the chat and topic msg came from
func (b *Bot) reply(ctx context.Context, msg *models.Message, text string) {
	params := &bot.SendMessageParams{
		ChatID:    msg.Chat.ID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if msg.MessageThreadID != 0 {
		params.MessageThreadID = msg.MessageThreadID
	}

	if _, err := b.bot.SendMessage(ctx, params); err != nil {
		b.logger.Warn("failed to send reply", "chat_id", msg.Chat.ID, "error", err)
	}
}

// answerCallback answers a callback query
func (b *Bot) answerCallback(ctx context.Context, callbackID, text string, showAlert bool) {
	_, err := b.bot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
		ShowAlert:       showAlert,
	})
	if err != nil {
		b.logger.Warn("failed to answer callback", "error", err)
	}
}

// classifySendError marks failures that will not go away on retry, such as
// the bot being blocked or the chat not existing.
func classifySendError(err error) error {
	if errors.Is(err, bot.ErrorForbidden) || errors.Is(err, bot.ErrorBadRequest) || errors.Is(err, bot.ErrorNotFound) {
		return fmt.Errorf("%w: %v", dispatch.ErrUndeliverable, err)
	}
	return err
}
