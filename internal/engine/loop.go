package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/stream-agency/internal/domain"
)

// Runner владеет состоянием цикла и сериализует тики: фоновый цикл и
// ручной запуск через консоль не могут пересечься — мьютекс держит
// инвариант "в момент времени исполняется не больше одного тика".
type Runner struct {
	engine *Engine

	mu    sync.Mutex
	state TickState
}

func NewRunner(engine *Engine) *Runner {
	return &Runner{engine: engine}
}

// TickNow — синхронный одиночный тик. Используется консолью оператора
// и тестами; конкурентный вызов дождется завершения текущего тика.
func (r *Runner) TickNow(ctx context.Context) domain.TickStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, stats := r.engine.Tick(ctx, r.state)
	r.state = next
	r.logTick(stats)
	return stats
}

// Run крутит управляющий цикл с фиксированным интервалом опроса до
// отмены контекста. Тик, переживший интервал, ничего не обрывает:
// недоделанная работа просто продолжится на следующем тике.
func (r *Runner) Run(ctx context.Context, pollInterval time.Duration) {
	log := r.engine.logger
	log.Info("scheduler loop started",
		zap.Duration("poll", pollInterval),
		zap.Duration("lead", r.engine.params.Schedule.Lead),
		zap.Duration("jitter", r.engine.params.Schedule.Jitter),
		zap.Bool("billing", r.engine.params.Billing.Enabled))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		r.TickNow(ctx)

		select {
		case <-ctx.Done():
			log.Info("scheduler loop stopped")
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) logTick(stats domain.TickStats) {
	log := r.engine.logger

	// Тихие тики не шумят в логе
	if stats.Processed > 0 || stats.BillingCandidates > 0 || stats.Sealed > 0 {
		log.Info("tick finished",
			zap.Int("processed", stats.Processed),
			zap.Int("ok", stats.OK),
			zap.Int("failed", stats.Failed),
			zap.Int("windows_added", stats.WindowsAdded),
			zap.Int("sealed", stats.Sealed),
			zap.Int("billing_candidates", stats.BillingCandidates),
			zap.Int("billing_submitted", stats.BillingSubmitted),
			zap.Int("billing_confirmed", stats.BillingConfirmed),
			zap.Int("billing_failed", stats.BillingFailed),
			zap.Int64("duration_ms", stats.Duration))
	}
	if stats.EpochError != "" {
		log.Warn("epoch fetch error", zap.String("error", stats.EpochError))
	}
}
