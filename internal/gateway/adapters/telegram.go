package adapters

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/conversehq/converse/internal/domain"
	"github.com/conversehq/converse/internal/faults"
	"github.com/conversehq/converse/internal/tenant"
)

// TelegramAdapter delivers replies through the Telegram Bot API. Channel
// credentials must carry "bot_token". Bot clients are cached per token; a
// rotated token gets a new client and the old entry is not evicted.
type TelegramAdapter struct {
	mu     sync.Mutex
	bots   map[string]*tgbotapi.BotAPI
	logger *slog.Logger
}

// NewTelegramAdapter creates the adapter.
func NewTelegramAdapter(log *slog.Logger) *TelegramAdapter {
	return &TelegramAdapter{
		bots:   make(map[string]*tgbotapi.BotAPI),
		logger: log.With(slog.String("adapter", "telegram")),
	}
}

func (a *TelegramAdapter) Name() domain.ChannelType { return domain.ChannelTelegram }

func (a *TelegramAdapter) HealthCheck(_ context.Context) error { return nil }

func (a *TelegramAdapter) getOrCreateBot(token string) (*tgbotapi.BotAPI, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots[token]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, faults.Transientf("telegram.connect", "telegram bot init: %v", err)
	}
	a.bots[token] = bot
	return bot, nil
}

func (a *TelegramAdapter) Send(ctx context.Context, channel tenant.Channel, record domain.OutboundRecord) error {
	token := channel.Credentials["bot_token"]
	if token == "" {
		return faults.Permanentf("telegram.credentials", "channel %s missing telegram bot token", channel.ID)
	}

	chatID, err := strconv.ParseInt(record.ExternalSenderID, 10, 64)
	if err != nil {
		return faults.Permanentf("telegram.chat_id", "sender id %q is not a telegram chat id", record.ExternalSenderID)
	}

	bot, err := a.getOrCreateBot(token)
	if err != nil {
		return err
	}

	message := tgbotapi.NewMessage(chatID, record.Content)
	if _, err := bot.Send(message); err != nil {
		var apiErr *tgbotapi.Error
		if asTelegramError(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429 {
			return faults.Permanentf("telegram.rejected", "telegram rejected message: %v", err)
		}
		return faults.Transientf("telegram.send", "telegram send: %v", err)
	}
	a.logger.Debug("telegram message delivered", slog.String("delivery_id", record.DeliveryID))
	return nil
}

func asTelegramError(err error, target **tgbotapi.Error) bool {
	for err != nil {
		if apiErr, ok := err.(*tgbotapi.Error); ok {
			*target = apiErr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
