package formatter

import (
	"encoding/json"
	"fmt"

	"github.com/go-telegram/bot/models"

	appmodels "github.com/mixelka/emailnarrator/pkg/models"
)

// maxCallbackData is the Bot API limit for callback_data, in bytes
const maxCallbackData = 64

// BuildNotificationKeyboard creates the inline keyboard under a fallback
// notification: one button per detected code and a mute button for target.
func BuildNotificationKeyboard(target string, codes []appmodels.DetectedCode) *models.InlineKeyboardMarkup {
	var rows [][]models.InlineKeyboardButton

	var codeButtons []models.InlineKeyboardButton
	for _, code := range codes {
		data := EncodeCallback(appmodels.CallbackData{
			Action: appmodels.CallbackCopyCode,
			Code:   code.Value,
		})
		if len(data) > maxCallbackData {
			continue
		}
		codeButtons = append(codeButtons, models.InlineKeyboardButton{
			Text:         fmt.Sprintf("📋 %s", code.Value),
			CallbackData: data,
		})
	}
	// Split into rows of 2 buttons each
	for i := 0; i < len(codeButtons); i += 2 {
		end := min(i+2, len(codeButtons))
		rows = append(rows, codeButtons[i:end])
	}

	mute := EncodeCallback(appmodels.CallbackData{
		Action: appmodels.CallbackMute,
		Target: target,
	})
	if len(mute) <= maxCallbackData {
		rows = append(rows, []models.InlineKeyboardButton{{
			Text:         "🔕 Mute",
			CallbackData: mute,
		}})
	}

	if len(rows) == 0 {
		return nil
	}
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: rows,
	}
}

// EncodeCallback encodes callback data to string
func EncodeCallback(data appmodels.CallbackData) string {
	b, _ := json.Marshal(data)
	return string(b)
}

// DecodeCallback decodes callback data from string
func DecodeCallback(data string) (appmodels.CallbackData, error) {
	var cb appmodels.CallbackData
	if err := json.Unmarshal([]byte(data), &cb); err != nil {
		return cb, fmt.Errorf("invalid callback data: %w", err)
	}
	return cb, nil
}
