package policy

import (
	"strings"
	"time"

	"github.com/conversehq/converse/internal/metrics"
)

// Decision is the outcome of evaluating a tenant's policy for one inbound
// message.
type Decision struct {
	AllowResponse bool
	Reason        string
	Persona       string
	Fallback      string
	HistoryTurns  int
	AuditResponse bool
	PolicyVersion int
	Document      Document
}

// Evaluate applies the published policy document to an inbound message:
// quiet hours and keyword blocks deny the response, routing the caller to
// the fallback copy.
func Evaluate(version Version, message string, at time.Time) Decision {
	doc := version.Document
	decision := Decision{
		AllowResponse: true,
		Persona:       doc.Persona,
		Fallback:      doc.Fallback,
		HistoryTurns:  doc.HistoryTurns,
		AuditResponse: doc.AuditResponses,
		PolicyVersion: version.Version,
		Document:      doc,
	}
	if decision.Fallback == "" {
		decision.Fallback = DefaultFallback
	}
	if decision.HistoryTurns <= 0 {
		decision.HistoryTurns = 6
	}

	if withinQuietHours(doc.Guardrails.QuietHours, at) {
		decision.AllowResponse = false
		decision.Reason = "quiet_hours"
	} else if keyword := matchKeyword(doc.Guardrails.BlockKeywords, message); keyword != "" {
		decision.AllowResponse = false
		decision.Reason = "keyword_block"
	}

	if !decision.AllowResponse {
		metrics.PolicyDenials.WithLabelValues(decision.Reason).Inc()
	}
	return decision
}

func matchKeyword(keywords []string, message string) string {
	lowered := strings.ToLower(message)
	for _, keyword := range keywords {
		k := strings.ToLower(strings.TrimSpace(keyword))
		if k != "" && strings.Contains(lowered, k) {
			return k
		}
	}
	return ""
}

func withinQuietHours(windows []QuietHours, at time.Time) bool {
	for _, window := range windows {
		start, okStart := parseClock(window.Start)
		end, okEnd := parseClock(window.End)
		if !okStart || !okEnd {
			continue
		}

		loc := time.UTC
		if window.Timezone != "" {
			if parsed, err := time.LoadLocation(window.Timezone); err == nil {
				loc = parsed
			}
		}
		local := at.In(loc)
		current := local.Hour()*60 + local.Minute()

		if start <= end {
			if current >= start && current <= end {
				return true
			}
		} else {
			// Window wraps midnight.
			if current >= start || current <= end {
				return true
			}
		}
	}
	return false
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(value string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	hour, minute := atoi(parts[0]), atoi(parts[1])
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, false
	}
	return hour*60 + minute, true
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int(r-'0')
	}
	if s == "" {
		return -1
	}
	return n
}
