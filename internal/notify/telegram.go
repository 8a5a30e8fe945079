package notify

import (
	"context"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/skalibog/bgbot/pkg/logger"
	"github.com/skalibog/bgbot/pkg/models"
	"go.uber.org/zap"
)

// TelegramNotifier отправляет события в чат Telegram
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier авторизует бота по токену
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	return newTelegramNotifier(token, tgbotapi.APIEndpoint, chatID, &http.Client{})
}

func newTelegramNotifier(token, endpoint string, chatID int64, client *http.Client) (*TelegramNotifier, error) {
	if chatID == 0 {
		return nil, fmt.Errorf("не задан telegram_chat_id")
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("ошибка авторизации Telegram бота: %w", err)
	}
	logger.Info("Telegram бот авторизован", zap.String("username", bot.Self.UserName))
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

func (t *TelegramNotifier) Notify(_ context.Context, e models.Event) error {
	msg := tgbotapi.NewMessage(t.chatID, FormatEvent(e))
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("ошибка отправки в Telegram: %w", err)
	}
	return nil
}
