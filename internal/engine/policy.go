package engine

import (
	"math/rand"
	"time"
)

// SchedulePolicy — правило планирования следующей пробы.
// Проба выходит раньше дедлайна окна на Lead (страховка от сетевой
// задержки) и размазывается по Jitter (декорреляция агентов,
// зачисленных одновременно).
type SchedulePolicy struct {
	Lead   time.Duration
	Jitter time.Duration

	// Period — фолбэк длины окна, если эндпоинт не вернул stream_end
	Period time.Duration

	// Rand инжектируется в тестах для детерминизма; nil — rand.Intn
	Rand func(n int) int
}

// NextDue: next_due = stream_end − lead + uniform(0, jitter).
func (p SchedulePolicy) NextDue(streamEnd time.Time) time.Time {
	due := streamEnd.Add(-p.Lead)
	if p.Jitter > 0 {
		intn := p.Rand
		if intn == nil {
			intn = rand.Intn
		}
		due = due.Add(time.Duration(intn(int(p.Jitter) + 1)))
	}
	return due
}

// FallbackEnd — расчетный конец окна, когда эндпоинт его не сообщил.
func (p SchedulePolicy) FallbackEnd(now time.Time) time.Time {
	return now.Add(p.Period)
}

// BackoffPolicy — ограниченная лестница ретраев пробы. Цель —
// непрерывность стрима, а не строгая периодичность: после сбоя
// возвращаемся быстро, но не чаще потолка.
type BackoffPolicy struct {
	Steps []time.Duration // Например 30s, 60s, 120s
	Cap   time.Duration   // Задержка после исчерпания лестницы
}

// Next возвращает время повторной пробы и следующую позицию лестницы.
func (p BackoffPolicy) Next(now time.Time, retryStep int) (time.Time, int) {
	delay := p.Cap
	if retryStep < len(p.Steps) {
		delay = p.Steps[retryStep]
	}
	if delay <= 0 {
		delay = 30 * time.Second
	}
	return now.Add(delay), retryStep + 1
}
