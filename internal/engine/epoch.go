package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/xela07ax/stream-agency/internal/domain"
)

// observeEpoch — монитор эпох: сверяет наблюдаемую эпоху с последней
// виденной и на закрытии запечатывает окна. Запечатывание — единственный
// триггер, делающий строку кандидатом на биллинг; порядок
// seal → bill держится флагом, а не таймингом.
func (e *Engine) observeEpoch(ctx context.Context, state TickState, current uint64, stats *domain.TickStats) TickState {
	if state.LastEpoch != nil && current > *state.LastEpoch {
		e.logger.Info("epoch rollover observed",
			zap.Uint64("from", *state.LastEpoch),
			zap.Uint64("to", current))
	}

	// SealBelow идемпотентен и покрывает пропущенные эпохи (простой
	// процесса): всё, что ниже текущей и не запечатано, закрывается
	// одним проходом.
	sealed, err := e.windows.SealBelow(ctx, current)
	if err != nil {
		e.logger.Error("sealing failed, deferring to next tick", zap.Error(err))
		return state
	}
	if sealed > 0 {
		stats.Sealed += int(sealed)
		e.metrics.WindowsSealedTotal.Add(float64(sealed))
		e.logger.Info("usage windows sealed",
			zap.Int64("rows", sealed),
			zap.Uint64("current_epoch", current))
	}

	epoch := current
	state.LastEpoch = &epoch
	return state
}
