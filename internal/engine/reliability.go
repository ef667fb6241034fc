package engine

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"

	"github.com/xela07ax/stream-agency/internal/chain"
	"github.com/xela07ax/stream-agency/internal/stream"
)

func newBreaker(name string, metrics *Metrics) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second, // Время, через которое CB попробует закрыться
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Более 5 ошибок подряд — открываемся, перестаем дергать внешний сервис
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if metrics == nil {
				return
			}
			state := 0.0
			if to == gobreaker.StateOpen {
				state = 1.0
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(state)
		},
	})
}

// ReliableStream оборачивает стриминговый эндпоинт в Circuit Breaker.
// Ретраев здесь нет: повтор пробы — забота лестницы бэкоффа
// планировщика, дублирующий слой ретраев только размажет нагрузку.
type ReliableStream struct {
	next stream.Client
	cb   *gobreaker.CircuitBreaker
}

func NewReliableStream(next stream.Client, metrics *Metrics) *ReliableStream {
	return &ReliableStream{
		next: next,
		cb:   newBreaker("stream-endpoint", metrics),
	}
}

func (w *ReliableStream) Probe(ctx context.Context, address, signature string) (stream.ProbeResult, error) {
	result, err := w.cb.Execute(func() (interface{}, error) {
		res, err := w.next.Probe(ctx, address, signature)
		return res, err
	})
	if err != nil {
		if result == nil {
			return stream.ProbeResult{Reason: "error"}, err
		}
		return result.(stream.ProbeResult), err
	}
	return result.(stream.ProbeResult), nil
}

// ReliableChain оборачивает прокси цепочки: Circuit Breaker + быстрые
// ретраи транспортных сбоев. ThrottleError уважает Retry-After прокси
// вместо стандартного экспоненциального бэкоффа.
type ReliableChain struct {
	next chain.Client
	cb   *gobreaker.CircuitBreaker
}

func NewReliableChain(next chain.Client, metrics *Metrics) *ReliableChain {
	return &ReliableChain{
		next: next,
		cb:   newBreaker("chain-proxy", metrics),
	}
}

func chainDelay(n uint, err error, config retry.DelayContext) time.Duration {
	// Прокси вернул ThrottleError (считал Retry-After) — ждем сколько сказали
	var tErr *chain.ThrottleError
	if errors.As(err, &tErr) {
		return tErr.RetryAfter
	}
	// Сетевой лаг, 500-ка — стандартный экспоненциальный бэкофф
	return retry.BackOffDelay(n, err, config)
}

func (w *ReliableChain) CurrentEpoch(ctx context.Context) (uint64, error) {
	result, err := w.cb.Execute(func() (interface{}, error) {
		var epoch uint64
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(2),
			retry.DelayType(chainDelay),
		)
		retryErr := r.Do(func() error {
			var callErr error
			epoch, callErr = w.next.CurrentEpoch(ctx)
			return callErr
		})
		return epoch, retryErr
	})
	if err != nil {
		return 0, err
	}
	return result.(uint64), nil
}

// submitSafeToRetry отделяет сбои, при которых транзакция гарантированно
// не ушла в сеть. Таймаут после отправки запроса сюда не попадает:
// прокси мог уже транслировать транзакцию, и слепой повтор означал бы
// вторую трансляцию без строки аудита — один billEpoch за вызов.
func submitSafeToRetry(err error) bool {
	var tErr *chain.ThrottleError
	if errors.As(err, &tErr) {
		return true
	}
	var rErr *chain.RetriableSubmitError
	return errors.As(err, &rErr)
}

// SubmitBillEpoch ретраит внутри только сбои, случившиеся до трансляции
// (dial, троттлинг). Неоднозначный сбой сразу возвращается наверх: мост
// запишет failed-попытку, и повтор пойдет через санкционированный путь
// ретраев по ключу (агент, эпоха).
func (w *ReliableChain) SubmitBillEpoch(ctx context.Context, req chain.BillRequest) (string, error) {
	result, err := w.cb.Execute(func() (interface{}, error) {
		var txHash string
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			retry.DelayType(chainDelay),
			retry.RetryIf(submitSafeToRetry),
		)
		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			var callErr error
			txHash, callErr = w.next.SubmitBillEpoch(tCtx, req)
			return callErr
		})
		return txHash, retryErr
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (w *ReliableChain) TxStatus(ctx context.Context, txHash string) (chain.TxState, error) {
	result, err := w.cb.Execute(func() (interface{}, error) {
		return w.next.TxStatus(ctx, txHash)
	})
	if err != nil {
		return chain.TxPending, err
	}
	return result.(chain.TxState), nil
}
