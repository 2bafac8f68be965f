package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conversehq/converse/internal/domain"
	"github.com/conversehq/converse/internal/faults"
)

func TestNormalizeWeb(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"event_id":"e1",
		"tenant_id":"11111111-1111-1111-1111-111111111111",
		"brand_id":"22222222-2222-2222-2222-222222222222",
		"channel_id":"33333333-3333-3333-3333-333333333333",
		"sender_id":"u-1",
		"message":"hi",
		"locale":"en-US",
		"occurred_at":"2025-01-01T00:00:00Z"
	}`)

	msg, err := normalizeWeb(body)
	require.NoError(t, err)
	assert.Equal(t, "e1", msg.EventID)
	assert.Equal(t, "u-1", msg.SenderID)
	assert.Equal(t, "hi", msg.Message)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), msg.OccurredAt)
}

func TestNormalizeWebUnparsable(t *testing.T) {
	t.Parallel()

	_, err := normalizeWeb([]byte("{not json"))
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestNormalizeTelegram(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"update_id": 42,
		"tenant_id": "t1", "brand_id": "b1", "channel_id": "c1",
		"message": {
			"message_id": 7,
			"from": {"id": 99, "language_code": "de"},
			"chat": {"id": 12345},
			"date": 1735689600,
			"text": "hallo"
		}
	}`)

	msg, err := normalizeTelegram(body)
	require.NoError(t, err)
	assert.Equal(t, "tg-12345-42", msg.EventID)
	assert.Equal(t, "12345", msg.SenderID)
	assert.Equal(t, "hallo", msg.Message)
	assert.Equal(t, "de", msg.Locale)
	assert.Equal(t, "c1", msg.ChannelID)
}

func TestNormalizeTelegramNoText(t *testing.T) {
	t.Parallel()

	_, err := normalizeTelegram([]byte(`{"update_id":1,"message":{"chat":{"id":5}}}`))
	require.Error(t, err)
}

func TestNormalizeInstagramMessaging(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"tenant_id": "t1", "brand_id": "b1", "channel_id": "c1",
		"entry": [{
			"id": "page-1",
			"messaging": [{
				"sender": {"id": "ig-user-9"},
				"timestamp": 1735689600000,
				"message": {"mid": "m-77", "text": "is this in stock?"}
			}]
		}]
	}`)

	normalize, err := NormalizerFor(domain.ChannelInstagram)
	require.NoError(t, err)
	msg, err := normalize(body)
	require.NoError(t, err)
	assert.Equal(t, "instagram-m-77", msg.EventID)
	assert.Equal(t, "ig-user-9", msg.SenderID)
	assert.Equal(t, "is this in stock?", msg.Message)
}

func TestNormalizeWhatsAppChanges(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"tenant_id": "t1", "brand_id": "b1", "channel_id": "c1",
		"entry": [{
			"changes": [{
				"value": {
					"messages": [{
						"from": "15551234567",
						"id": "wamid.1",
						"timestamp": "1735689600",
						"text": {"body": "order status please"}
					}]
				}
			}]
		}]
	}`)

	normalize, err := NormalizerFor(domain.ChannelWhatsApp)
	require.NoError(t, err)
	msg, err := normalize(body)
	require.NoError(t, err)
	assert.Equal(t, "whatsapp-wamid.1", msg.EventID)
	assert.Equal(t, "15551234567", msg.SenderID)
	assert.Equal(t, "order status please", msg.Message)
}

func TestNormalizerForUnknownChannel(t *testing.T) {
	t.Parallel()

	_, err := NormalizerFor(domain.ChannelType("carrier-pigeon"))
	require.Error(t, err)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}
