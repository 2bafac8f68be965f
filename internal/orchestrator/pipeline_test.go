package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conversehq/converse/internal/domain"
	"github.com/conversehq/converse/internal/faults"
)

func validMessage() domain.InboundMessage {
	return domain.InboundMessage{
		EventID:    "e1",
		TenantID:   "11111111-1111-1111-1111-111111111111",
		BrandID:    "22222222-2222-2222-2222-222222222222",
		ChannelID:  "33333333-3333-3333-3333-333333333333",
		SenderID:   "u-1",
		Message:    "hi",
		Locale:     "en-US",
		OccurredAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestValidateInbound(t *testing.T) {
	t.Parallel()

	require.NoError(t, validateInbound(validMessage()))

	tests := []struct {
		name   string
		mutate func(*domain.InboundMessage)
	}{
		{"missing event id", func(m *domain.InboundMessage) { m.EventID = "" }},
		{"missing tenant", func(m *domain.InboundMessage) { m.TenantID = "" }},
		{"missing brand", func(m *domain.InboundMessage) { m.BrandID = "" }},
		{"missing channel", func(m *domain.InboundMessage) { m.ChannelID = "" }},
		{"missing sender", func(m *domain.InboundMessage) { m.SenderID = "" }},
		{"missing message", func(m *domain.InboundMessage) { m.Message = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg := validMessage()
			tt.mutate(&msg)
			err := validateInbound(msg)
			require.Error(t, err)
			assert.Equal(t, faults.KindValidation, faults.KindOf(err))
		})
	}
}

func TestInboundMetadata(t *testing.T) {
	t.Parallel()

	msg := validMessage()
	msg.Metadata = map[string]string{"source": "widget"}

	meta := inboundMetadata(msg)
	assert.Equal(t, "e1", meta["event_id"])
	assert.Equal(t, "en-US", meta["locale"])
	assert.Equal(t, "2025-01-01T00:00:00Z", meta["occurred_at"])
	assert.Equal(t, "widget", meta["source"])
}

func TestOutboundRecordPartitionKey(t *testing.T) {
	t.Parallel()

	record := domain.OutboundRecord{ChannelID: "33333333-3333-3333-3333-333333333333", ExternalSenderID: "u-1"}
	assert.Equal(t, "33333333-3333-3333-3333-333333333333:u-1", record.PartitionKey())
}
