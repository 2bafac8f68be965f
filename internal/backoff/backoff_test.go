package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowsExponentially(t *testing.T) {
	t.Parallel()

	schedule := Schedule{Base: 500 * time.Millisecond, Factor: 2, Cap: 30 * time.Second, MaxAttempts: 6}

	assert.Equal(t, 500*time.Millisecond, schedule.Delay(1))
	assert.Equal(t, time.Second, schedule.Delay(2))
	assert.Equal(t, 2*time.Second, schedule.Delay(3))
	assert.Equal(t, 16*time.Second, schedule.Delay(6))
	assert.Negative(t, int64(schedule.Delay(7)))
}

func TestDelayRespectsCap(t *testing.T) {
	t.Parallel()

	schedule := Schedule{Base: time.Second, Factor: 10, Cap: 5 * time.Second}
	assert.Equal(t, 5*time.Second, schedule.Delay(4))
	assert.Equal(t, 5*time.Second, schedule.Delay(10))
}

func TestDelayJitterStaysInBand(t *testing.T) {
	t.Parallel()

	schedule := Webhook
	for attempt := 1; attempt <= schedule.MaxAttempts; attempt++ {
		base := float64(500*time.Millisecond) * pow(2, attempt-1)
		if base > float64(schedule.Cap) {
			base = float64(schedule.Cap)
		}
		for i := 0; i < 50; i++ {
			delay := float64(schedule.Delay(attempt))
			assert.GreaterOrEqual(t, delay, base*0.75-1)
			assert.LessOrEqual(t, delay, float64(schedule.Cap)+1)
		}
	}
}

func TestExhausted(t *testing.T) {
	t.Parallel()

	schedule := Schedule{MaxAttempts: 3}
	assert.False(t, schedule.Exhausted(2))
	assert.True(t, schedule.Exhausted(3))
	assert.True(t, schedule.Exhausted(4))
	assert.False(t, Schedule{}.Exhausted(100))
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
