package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/conversehq/converse/internal/domain"
	"github.com/conversehq/converse/internal/faults"
)

// Normalizer maps one provider's webhook payload to the canonical
// InboundMessage.
type Normalizer func(body []byte) (domain.InboundMessage, error)

// NormalizerFor returns the normalizer for a channel type.
func NormalizerFor(channelType domain.ChannelType) (Normalizer, error) {
	switch channelType {
	case domain.ChannelWeb:
		return normalizeWeb, nil
	case domain.ChannelTelegram:
		return normalizeTelegram, nil
	case domain.ChannelInstagram:
		return normalizeMeta("instagram"), nil
	case domain.ChannelWhatsApp:
		return normalizeMeta("whatsapp"), nil
	default:
		return nil, faults.NotFoundf("gateway.channel_type", "unknown channel type %q", channelType)
	}
}

// webPayload is already canonical; the hosted widget posts InboundMessage
// fields directly.
func normalizeWeb(body []byte) (domain.InboundMessage, error) {
	var msg domain.InboundMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return domain.InboundMessage{}, faults.Validationf("gateway.parse", "unparsable web payload: %v", err)
	}
	return msg, nil
}

// telegramUpdate is the subset of a Telegram Update we consume.
type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  struct {
		MessageID int64 `json:"message_id"`
		From      struct {
			ID           int64  `json:"id"`
			LanguageCode string `json:"language_code"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Date int64  `json:"date"`
		Text string `json:"text"`
	} `json:"message"`
	// Routing attributes injected by the webhook registration.
	TenantID  string `json:"tenant_id"`
	BrandID   string `json:"brand_id"`
	ChannelID string `json:"channel_id"`
}

func normalizeTelegram(body []byte) (domain.InboundMessage, error) {
	var update telegramUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		return domain.InboundMessage{}, faults.Validationf("gateway.parse", "unparsable telegram payload: %v", err)
	}
	if update.Message.Text == "" || update.Message.Chat.ID == 0 {
		return domain.InboundMessage{}, faults.Validationf("gateway.telegram", "telegram update carries no text message")
	}

	occurredAt := time.Unix(update.Message.Date, 0).UTC()
	if update.Message.Date == 0 {
		occurredAt = time.Now().UTC()
	}
	return domain.InboundMessage{
		EventID:   fmt.Sprintf("tg-%d-%d", update.Message.Chat.ID, update.UpdateID),
		TenantID:  update.TenantID,
		BrandID:   update.BrandID,
		ChannelID: update.ChannelID,
		SenderID:  strconv.FormatInt(update.Message.Chat.ID, 10),
		Message:   update.Message.Text,
		Locale:    update.Message.From.LanguageCode,
		Metadata: map[string]string{
			"telegram_message_id": strconv.FormatInt(update.Message.MessageID, 10),
		},
		OccurredAt: occurredAt,
	}, nil
}

// metaEnvelope is the common Meta platform webhook shape used by both
// Instagram messaging and WhatsApp Cloud payloads.
type metaEnvelope struct {
	Entry []struct {
		ID        string `json:"id"`
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Timestamp int64 `json:"timestamp"`
			Message   struct {
				MID  string `json:"mid"`
				Text string `json:"text"`
			} `json:"message"`
		} `json:"messaging"`
		Changes []struct {
			Value struct {
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
	TenantID  string `json:"tenant_id"`
	BrandID   string `json:"brand_id"`
	ChannelID string `json:"channel_id"`
}

func normalizeMeta(provider string) Normalizer {
	return func(body []byte) (domain.InboundMessage, error) {
		var envelope metaEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			return domain.InboundMessage{}, faults.Validationf("gateway.parse", "unparsable %s payload: %v", provider, err)
		}

		for _, entry := range envelope.Entry {
			for _, messaging := range entry.Messaging {
				if messaging.Message.Text == "" {
					continue
				}
				eventID := messaging.Message.MID
				if eventID == "" {
					eventID = uuid.NewString()
				}
				occurredAt := time.UnixMilli(messaging.Timestamp).UTC()
				if messaging.Timestamp == 0 {
					occurredAt = time.Now().UTC()
				}
				return domain.InboundMessage{
					EventID:    provider + "-" + eventID,
					TenantID:   envelope.TenantID,
					BrandID:    envelope.BrandID,
					ChannelID:  envelope.ChannelID,
					SenderID:   messaging.Sender.ID,
					Message:    messaging.Message.Text,
					OccurredAt: occurredAt,
				}, nil
			}
			for _, change := range entry.Changes {
				for _, message := range change.Value.Messages {
					if message.Text.Body == "" {
						continue
					}
					occurredAt := time.Now().UTC()
					if ts, err := strconv.ParseInt(message.Timestamp, 10, 64); err == nil && ts > 0 {
						occurredAt = time.Unix(ts, 0).UTC()
					}
					return domain.InboundMessage{
						EventID:    provider + "-" + message.ID,
						TenantID:   envelope.TenantID,
						BrandID:    envelope.BrandID,
						ChannelID:  envelope.ChannelID,
						SenderID:   message.From,
						Message:    message.Text.Body,
						OccurredAt: occurredAt,
					}, nil
				}
			}
		}
		return domain.InboundMessage{}, faults.Validationf("gateway.meta", "%s payload carries no text message", provider)
	}
}
