package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottled(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	lastRun := now.Add(-10 * time.Second)

	tests := []struct {
		name string
		rule Rule
		want bool
	}{
		{
			name: "inside window",
			rule: Rule{ThrottleSeconds: 60, LastRunAt: &lastRun},
			want: true,
		},
		{
			name: "window elapsed",
			rule: Rule{ThrottleSeconds: 10, LastRunAt: &lastRun},
			want: false,
		},
		{
			name: "no previous run",
			rule: Rule{ThrottleSeconds: 60},
			want: false,
		},
		{
			name: "no throttle",
			rule: Rule{ThrottleSeconds: 0, LastRunAt: &lastRun},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, throttled(tt.rule, now))
		})
	}
}

func TestThrottleWindowBoundary(t *testing.T) {
	t.Parallel()

	lastRun := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	rule := Rule{ThrottleSeconds: 60, LastRunAt: &lastRun}

	// Exactly at the boundary the rule may fire again.
	assert.False(t, throttled(rule, lastRun.Add(60*time.Second)))
	assert.True(t, throttled(rule, lastRun.Add(59*time.Second)))
	assert.False(t, throttled(rule, lastRun.Add(70*time.Second)))
}

func TestConditionMatches(t *testing.T) {
	t.Parallel()

	payload := map[string]string{"channel_id": "c1", "reason": "low_confidence"}

	assert.True(t, conditionMatches(nil, payload))
	assert.True(t, conditionMatches(map[string]string{"channel_id": "c1"}, payload))
	assert.True(t, conditionMatches(map[string]string{"channel_id": "c1", "reason": "low_confidence"}, payload))
	assert.False(t, conditionMatches(map[string]string{"channel_id": "c2"}, payload))
	assert.False(t, conditionMatches(map[string]string{"missing": "x"}, payload))
}
