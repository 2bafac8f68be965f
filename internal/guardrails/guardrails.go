package guardrails

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/conversehq/converse/internal/policy"
)

// Outcome is the verdict of the guardrail chain.
type Outcome string

const (
	// OutcomeAccept passes the response through unchanged.
	OutcomeAccept Outcome = "accept"
	// OutcomeRewrite replaces the response with the policy fallback copy.
	OutcomeRewrite Outcome = "rewrite"
	// OutcomeEscalate publishes the response but raises an escalation
	// record for out-of-band handling.
	OutcomeEscalate Outcome = "escalate"
)

// Verdict is the chain result for one candidate response.
type Verdict struct {
	Outcome Outcome
	Reason  string
	Content string
}

// Check inspects one candidate response; the first non-accept verdict in
// the chain wins, with escalate evaluated last so a rewrite takes priority.
type Check interface {
	Name() string
	Inspect(ctx context.Context, input Input) (Outcome, string)
}

// Input carries everything checks may consider.
type Input struct {
	UserMessage string
	Response    string
	Document    policy.Document
}

// Chain runs the configured checks in order.
type Chain struct {
	checks []Check
	logger *slog.Logger
}

// NewChain assembles the default chain: profanity, PII scan, policy topic
// checks, then escalation heuristics.
func NewChain(log *slog.Logger) *Chain {
	return &Chain{
		checks: []Check{
			profanityCheck{},
			piiCheck{},
			topicCheck{},
			escalationCheck{},
		},
		logger: log.With(slog.String("service", "guardrails")),
	}
}

// Evaluate produces the verdict for one candidate response. A rewrite
// substitutes the policy fallback copy.
func (c *Chain) Evaluate(ctx context.Context, input Input) Verdict {
	verdict := Verdict{Outcome: OutcomeAccept, Content: input.Response}
	for _, check := range c.checks {
		outcome, reason := check.Inspect(ctx, input)
		switch outcome {
		case OutcomeRewrite:
			fallback := input.Document.Fallback
			if fallback == "" {
				fallback = policy.DefaultFallback
			}
			c.logger.Info("guardrail rewrite",
				slog.String("check", check.Name()), slog.String("reason", reason))
			return Verdict{Outcome: OutcomeRewrite, Reason: reason, Content: fallback}
		case OutcomeEscalate:
			verdict.Outcome = OutcomeEscalate
			verdict.Reason = reason
		}
	}
	return verdict
}

var profanityTerms = []string{
	"damn", "hell no", "screw you", "shut up", "idiot", "stupid",
}

type profanityCheck struct{}

func (profanityCheck) Name() string { return "profanity" }

func (profanityCheck) Inspect(_ context.Context, input Input) (Outcome, string) {
	lowered := strings.ToLower(input.Response)
	for _, term := range profanityTerms {
		if strings.Contains(lowered, term) {
			return OutcomeRewrite, "profanity:" + term
		}
	}
	return OutcomeAccept, ""
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s\-().]{8,}\d`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

type piiCheck struct{}

func (piiCheck) Name() string { return "pii" }

// Inspect rewrites responses that leak contact or payment details the user
// did not supply themselves.
func (piiCheck) Inspect(_ context.Context, input Input) (Outcome, string) {
	if !input.Document.Guardrails.PIIScan {
		return OutcomeAccept, ""
	}
	for _, pattern := range []*regexp.Regexp{emailPattern, phonePattern, cardPattern} {
		match := pattern.FindString(input.Response)
		if match == "" {
			continue
		}
		if strings.Contains(input.UserMessage, match) {
			continue
		}
		return OutcomeRewrite, "pii_leak"
	}
	return OutcomeAccept, ""
}

type topicCheck struct{}

func (topicCheck) Name() string { return "deny_topics" }

func (topicCheck) Inspect(_ context.Context, input Input) (Outcome, string) {
	lowered := strings.ToLower(input.Response)
	for _, topic := range input.Document.Guardrails.DenyTopics {
		t := strings.ToLower(strings.TrimSpace(topic))
		if t != "" && strings.Contains(lowered, t) {
			return OutcomeRewrite, "deny_topic:" + t
		}
	}
	return OutcomeAccept, ""
}

var lowConfidenceMarkers = []string{
	"i'm not sure", "i am not sure", "i don't know", "i do not know",
	"i cannot find", "no information",
}

type escalationCheck struct{}

func (escalationCheck) Name() string { return "escalation" }

// Inspect escalates on an explicit human request from the user or on low
// confidence markers in the response.
func (escalationCheck) Inspect(_ context.Context, input Input) (Outcome, string) {
	userLowered := strings.ToLower(input.UserMessage)
	phrase := strings.ToLower(strings.TrimSpace(input.Document.EscalationPhrase))
	if phrase == "" {
		phrase = "talk to a human"
	}
	if strings.Contains(userLowered, phrase) || strings.Contains(userLowered, "speak to an agent") {
		return OutcomeEscalate, "user_requested"
	}

	respLowered := strings.ToLower(input.Response)
	for _, marker := range lowConfidenceMarkers {
		if strings.Contains(respLowered, marker) {
			return OutcomeEscalate, "low_confidence"
		}
	}
	return OutcomeAccept, ""
}
