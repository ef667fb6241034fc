package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDueWithinJitterWindow(t *testing.T) {
	// Сценарий: окно заканчивается через час, запас 360с, джиттер 20с.
	// next_due обязан попасть в [end−360s, end−360s+20s].
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := t0.Add(time.Hour)

	p := SchedulePolicy{
		Lead:   360 * time.Second,
		Jitter: 20 * time.Second,
		Period: time.Hour,
	}

	for i := 0; i < 200; i++ {
		due := p.NextDue(end)
		lower := t0.Add(2880 * time.Second)
		upper := lower.Add(20 * time.Second)
		assert.False(t, due.Before(lower), "due %v before window start %v", due, lower)
		assert.False(t, due.After(upper), "due %v after window end %v", due, upper)
	}
}

func TestNextDueDeterministicWithInjectedRand(t *testing.T) {
	end := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	p := SchedulePolicy{
		Lead:   6 * time.Minute,
		Jitter: 20 * time.Second,
		Rand:   func(n int) int { return 7 * int(time.Second) },
	}

	due := p.NextDue(end)
	assert.Equal(t, end.Add(-6*time.Minute).Add(7*time.Second), due)
}

func TestNextDueZeroJitter(t *testing.T) {
	end := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	p := SchedulePolicy{Lead: 5 * time.Minute}

	assert.Equal(t, end.Add(-5*time.Minute), p.NextDue(end))
}

func TestFallbackEndUsesPeriod(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := SchedulePolicy{Period: time.Hour}

	assert.Equal(t, now.Add(time.Hour), p.FallbackEnd(now))
}

func TestBackoffLadder(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := BackoffPolicy{
		Steps: []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute},
		Cap:   3 * time.Minute,
	}

	cases := []struct {
		step     int
		expected time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 3 * time.Minute}, // Лестница исчерпана — потолок
		{7, 3 * time.Minute}, // И дальше тоже потолок
	}

	for _, tc := range cases {
		retryAt, nextStep := p.Next(now, tc.step)
		assert.Equal(t, now.Add(tc.expected), retryAt, "step %d", tc.step)
		assert.Equal(t, tc.step+1, nextStep)
	}
}

func TestBackoffFallbackOnEmptyLadder(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := BackoffPolicy{}

	retryAt, nextStep := p.Next(now, 0)
	assert.Equal(t, now.Add(30*time.Second), retryAt)
	assert.Equal(t, 1, nextStep)
}
