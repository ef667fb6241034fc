package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/xela07ax/stream-agency/internal/chain"
	"github.com/xela07ax/stream-agency/internal/domain"
)

/*
Мост биллинга. Отправка и подтверждение разнесены по тикам: финальность
транзакции внешняя и может занять несколько циклов, поэтому биллинг
eventually-consistent. Ключ (агент, эпоха) — граница идемпотентности:
пока по ключу висит pending-попытка, новая не создается; исчерпание
потолка failed-попыток снимает ключ с автоматики и отдает оператору.
*/

// confirmPending — проход подтверждений: опрашиваем финальность всех
// транзакций в полете. После рестарта этот же проход доводит попытки,
// оставшиеся pending на момент крэша.
func (e *Engine) confirmPending(ctx context.Context, stats *domain.TickStats) {
	pending, err := e.billing.Pending(ctx)
	if err != nil {
		e.logger.Error("pending attempts query failed", zap.Error(err))
		return
	}

	for _, attempt := range pending {
		qCtx, cancel := context.WithTimeout(ctx, e.params.Billing.QueryTimeout)
		state, err := e.chain.TxStatus(qCtx, attempt.TxHash)
		cancel()
		if err != nil {
			// Прокси недоступен — попытка остается pending, спросим позже
			e.logger.Warn("tx status query failed",
				zap.String("tx", attempt.TxHash), zap.Error(err))
			continue
		}

		switch state {
		case chain.TxSuccess:
			// Одна транзакция БД: confirmed у попытки + billed у окна
			if err := e.billing.Confirm(ctx, attempt.ID, attempt.AgentID, attempt.Epoch); err != nil {
				e.logger.Error("confirm failed",
					zap.String("address", attempt.Address),
					zap.Uint64("epoch", attempt.Epoch), zap.Error(err))
				continue
			}
			stats.BillingConfirmed++
			e.metrics.BillingAttemptsTotal.WithLabelValues(string(domain.BillingConfirmed)).Inc()
			e.logger.Info("billing confirmed",
				zap.String("address", attempt.Address),
				zap.Uint64("epoch", attempt.Epoch),
				zap.Int("windows", attempt.Windows),
				zap.String("tx", attempt.TxHash))

		case chain.TxFailed:
			detail := "transaction reverted on chain"
			if err := e.billing.MarkFailed(ctx, attempt.ID, detail); err != nil {
				e.logger.Error("mark failed errored", zap.Error(err))
				continue
			}
			_ = e.windows.SetLastError(ctx, attempt.AgentID, attempt.Epoch, detail)
			stats.BillingFailed++
			e.metrics.BillingAttemptsTotal.WithLabelValues(string(domain.BillingFailed)).Inc()
			e.flagIfExhausted(ctx, attempt.AgentID, attempt.Epoch, attempt.Address, detail, stats)

		default:
			// Еще pending — дождемся следующего тика
		}
	}
}

// submitSealed — проход отправок: для каждой запечатанной незабилленной
// строки не больше одной новой попытки за проход.
func (e *Engine) submitSealed(ctx context.Context, stats *domain.TickStats) {
	candidates, err := e.windows.BillingCandidates(ctx)
	if err != nil {
		e.logger.Error("billing candidates query failed", zap.Error(err))
		return
	}
	stats.BillingCandidates = len(candidates)

	for _, row := range candidates {
		// Ошибки одного ключа не трогают остальные
		e.submitOne(ctx, row, stats)
	}
}

func (e *Engine) submitOne(ctx context.Context, row *domain.UsageWindow, stats *domain.TickStats) {
	// 1. Попытка в полете — дубль не создаем
	inflight, err := e.billing.HasPending(ctx, row.AgentID, row.Epoch)
	if err != nil {
		e.logger.Error("has pending check failed", zap.Error(err))
		return
	}
	if inflight {
		return
	}

	// 2. Потолок ретраев — ключ уходит оператору
	failed, err := e.billing.FailedCount(ctx, row.AgentID, row.Epoch)
	if err != nil {
		e.logger.Error("failed count query failed", zap.Error(err))
		return
	}
	if failed >= e.params.Billing.RetryCeiling {
		e.flagIfExhausted(ctx, row.AgentID, row.Epoch, row.Address, row.LastError, stats)
		return
	}

	// 3. Отправка billEpoch(agent, epoch, windows)
	sCtx, cancel := context.WithTimeout(ctx, e.params.Billing.SubmitTimeout)
	txHash, submitErr := e.chain.SubmitBillEpoch(sCtx, chain.BillRequest{
		Contract: e.params.Billing.Contract,
		Agent:    row.Address,
		Epoch:    row.Epoch,
		Windows:  row.Windows,
		GasLimit: e.params.Billing.GasLimit,
		GasPrice: e.params.Billing.GasPrice,
	})
	cancel()

	attempt := &domain.BillingAttempt{
		AgentID:  row.AgentID,
		Epoch:    row.Epoch,
		Windows:  row.Windows,
		GasLimit: e.params.Billing.GasLimit,
		GasPrice: e.params.Billing.GasPrice,
	}

	if submitErr != nil {
		// Не ушла в сеть — тоже строка аудита, сразу failed
		attempt.Status = domain.BillingFailed
		attempt.ErrorDetail = truncate(submitErr.Error(), 300)
		if _, err := e.billing.Insert(ctx, attempt); err != nil {
			e.logger.Error("insert failed attempt errored", zap.Error(err))
			return
		}
		_ = e.windows.SetLastError(ctx, row.AgentID, row.Epoch, attempt.ErrorDetail)
		stats.BillingFailed++
		e.metrics.BillingAttemptsTotal.WithLabelValues(string(domain.BillingFailed)).Inc()
		e.logger.Warn("billing submit failed",
			zap.String("address", row.Address),
			zap.Uint64("epoch", row.Epoch), zap.Error(submitErr))
		e.flagIfExhausted(ctx, row.AgentID, row.Epoch, row.Address, attempt.ErrorDetail, stats)
		return
	}

	attempt.Status = domain.BillingPending
	attempt.TxHash = txHash
	if _, err := e.billing.Insert(ctx, attempt); err != nil {
		// Строка аудита не записалась при ушедшей транзакции: хуже дубля
		// только потерянный след, на следующем проходе HasPending дубль
		// не отсечет. Логируем как критичное.
		e.logger.Error("CRITICAL: tx submitted but audit row not written",
			zap.String("tx", txHash),
			zap.String("address", row.Address),
			zap.Uint64("epoch", row.Epoch), zap.Error(err))
		return
	}

	stats.BillingSubmitted++
	e.metrics.BillingAttemptsTotal.WithLabelValues(string(domain.BillingPending)).Inc()
	e.logger.Info("billing submitted",
		zap.String("address", row.Address),
		zap.Uint64("epoch", row.Epoch),
		zap.Int("windows", row.Windows),
		zap.String("tx", txHash))
}

// flagIfExhausted помечает ключ на ручной разбор, когда потолок
// failed-попыток достигнут. Дальше автоматических попыток не будет.
func (e *Engine) flagIfExhausted(ctx context.Context, agentID int64, epoch uint64, address, lastError string, stats *domain.TickStats) {
	failed, err := e.billing.FailedCount(ctx, agentID, epoch)
	if err != nil {
		e.logger.Error("failed count query failed", zap.Error(err))
		return
	}
	if failed < e.params.Billing.RetryCeiling {
		return
	}

	if err := e.windows.FlagReview(ctx, agentID, epoch, lastError); err != nil {
		e.logger.Error("flag review failed", zap.Error(err))
		return
	}
	stats.FlaggedForReview++
	e.metrics.ReviewFlaggedTotal.Inc()
	e.logger.Warn("billing retry ceiling reached, flagged for manual intervention",
		zap.String("address", address),
		zap.Uint64("epoch", epoch),
		zap.Int("failed_attempts", failed))
}
