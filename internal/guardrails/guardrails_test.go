package guardrails

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/conversehq/converse/internal/policy"
)

func testChain() *Chain {
	return NewChain(slog.Default())
}

func TestEvaluateAccept(t *testing.T) {
	t.Parallel()

	verdict := testChain().Evaluate(context.Background(), Input{
		UserMessage: "when do you open",
		Response:    "We open at 9am on weekdays.",
		Document:    policy.DefaultDocument(),
	})
	assert.Equal(t, OutcomeAccept, verdict.Outcome)
	assert.Equal(t, "We open at 9am on weekdays.", verdict.Content)
}

func TestEvaluateProfanityRewrite(t *testing.T) {
	t.Parallel()

	doc := policy.DefaultDocument()
	doc.Fallback = "let me connect you with a teammate"

	verdict := testChain().Evaluate(context.Background(), Input{
		UserMessage: "hello",
		Response:    "Well damn, that is a tough one.",
		Document:    doc,
	})
	assert.Equal(t, OutcomeRewrite, verdict.Outcome)
	assert.Equal(t, "let me connect you with a teammate", verdict.Content)
	assert.Contains(t, verdict.Reason, "profanity")
}

func TestEvaluatePIILeakRewrite(t *testing.T) {
	t.Parallel()

	verdict := testChain().Evaluate(context.Background(), Input{
		UserMessage: "how can I reach billing",
		Response:    "Sure, email our internal alias ops-secrets@example.com for that.",
		Document:    policy.DefaultDocument(),
	})
	assert.Equal(t, OutcomeRewrite, verdict.Outcome)
	assert.Equal(t, "pii_leak", verdict.Reason)
}

func TestEvaluatePIIEchoedFromUserAccepted(t *testing.T) {
	t.Parallel()

	verdict := testChain().Evaluate(context.Background(), Input{
		UserMessage: "my email is jane@example.com, can you confirm it",
		Response:    "Confirmed, we have jane@example.com on file.",
		Document:    policy.DefaultDocument(),
	})
	assert.Equal(t, OutcomeAccept, verdict.Outcome)
}

func TestEvaluatePIIScanDisabled(t *testing.T) {
	t.Parallel()

	doc := policy.Document{Guardrails: policy.GuardrailRules{PIIScan: false}}
	verdict := testChain().Evaluate(context.Background(), Input{
		UserMessage: "hi",
		Response:    "contact admin@example.com",
		Document:    doc,
	})
	assert.Equal(t, OutcomeAccept, verdict.Outcome)
}

func TestEvaluateDenyTopic(t *testing.T) {
	t.Parallel()

	doc := policy.Document{
		Fallback:   "I cannot discuss that",
		Guardrails: policy.GuardrailRules{DenyTopics: []string{"pricing roadmap"}},
	}
	verdict := testChain().Evaluate(context.Background(), Input{
		UserMessage: "tell me more",
		Response:    "Our pricing roadmap for next year is...",
		Document:    doc,
	})
	assert.Equal(t, OutcomeRewrite, verdict.Outcome)
	assert.Equal(t, "I cannot discuss that", verdict.Content)
}

func TestEvaluateEscalateOnUserRequest(t *testing.T) {
	t.Parallel()

	verdict := testChain().Evaluate(context.Background(), Input{
		UserMessage: "I need to talk to a human please",
		Response:    "Of course, connecting you now.",
		Document:    policy.DefaultDocument(),
	})
	assert.Equal(t, OutcomeEscalate, verdict.Outcome)
	assert.Equal(t, "user_requested", verdict.Reason)
	// Escalation still publishes the response.
	assert.Equal(t, "Of course, connecting you now.", verdict.Content)
}

func TestEvaluateEscalateOnLowConfidence(t *testing.T) {
	t.Parallel()

	verdict := testChain().Evaluate(context.Background(), Input{
		UserMessage: "what is the warranty period",
		Response:    "I'm not sure about that, sorry.",
		Document:    policy.DefaultDocument(),
	})
	assert.Equal(t, OutcomeEscalate, verdict.Outcome)
	assert.Equal(t, "low_confidence", verdict.Reason)
}

func TestRewriteWinsOverEscalate(t *testing.T) {
	t.Parallel()

	verdict := testChain().Evaluate(context.Background(), Input{
		UserMessage: "talk to a human",
		Response:    "damn, I'm not sure.",
		Document:    policy.DefaultDocument(),
	})
	assert.Equal(t, OutcomeRewrite, verdict.Outcome)
}
