package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateDefaults(t *testing.T) {
	t.Parallel()

	decision := Evaluate(Version{Document: Document{}}, "hello", time.Now())
	assert.True(t, decision.AllowResponse)
	assert.Equal(t, DefaultFallback, decision.Fallback)
	assert.Equal(t, 6, decision.HistoryTurns)
}

func TestEvaluateKeywordBlock(t *testing.T) {
	t.Parallel()

	version := Version{
		Version: 3,
		Document: Document{
			Fallback: "please contact support",
			Guardrails: GuardrailRules{
				BlockKeywords: []string{"Refund", "chargeback"},
			},
		},
	}

	decision := Evaluate(version, "I want a REFUND now", time.Now())
	assert.False(t, decision.AllowResponse)
	assert.Equal(t, "keyword_block", decision.Reason)
	assert.Equal(t, "please contact support", decision.Fallback)
	assert.Equal(t, 3, decision.PolicyVersion)

	allowed := Evaluate(version, "what are your opening hours", time.Now())
	assert.True(t, allowed.AllowResponse)
}

func TestEvaluateQuietHours(t *testing.T) {
	t.Parallel()

	version := Version{Document: Document{
		Guardrails: GuardrailRules{
			QuietHours: []QuietHours{{Start: "22:00", End: "06:00"}},
		},
	}}

	night := time.Date(2025, 1, 1, 23, 30, 0, 0, time.UTC)
	decision := Evaluate(version, "hi", night)
	assert.False(t, decision.AllowResponse)
	assert.Equal(t, "quiet_hours", decision.Reason)

	earlyMorning := time.Date(2025, 1, 2, 5, 0, 0, 0, time.UTC)
	assert.False(t, Evaluate(version, "hi", earlyMorning).AllowResponse)

	noon := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, Evaluate(version, "hi", noon).AllowResponse)
}

func TestEvaluateQuietHoursMalformedWindowIgnored(t *testing.T) {
	t.Parallel()

	version := Version{Document: Document{
		Guardrails: GuardrailRules{
			QuietHours: []QuietHours{{Start: "not-a-time", End: "06:00"}},
		},
	}}
	assert.True(t, Evaluate(version, "hi", time.Now()).AllowResponse)
}

func TestDiffDocuments(t *testing.T) {
	t.Parallel()

	current := Document{Persona: "friendly", HistoryTurns: 6}
	target := Document{Persona: "formal", HistoryTurns: 6, Fallback: "sorry"}

	diff, err := diffDocuments(current, target)
	assert.NoError(t, err)

	assert.Contains(t, diff, "persona")
	assert.Contains(t, diff, "fallback")
	assert.NotContains(t, diff, "history_turns")
}
