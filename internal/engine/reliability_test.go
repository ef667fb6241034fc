package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/stream-agency/internal/chain"
)

// countingChain транслирует транзакцию, а потом возвращает заданную
// ошибку: ровно сценарий "прокси принял, ответ не дошел".
type countingChain struct {
	mu         sync.Mutex
	broadcasts int
	errs       []error // Ошибка на i-й вызов; за пределами среза — успех
}

func (c *countingChain) CurrentEpoch(ctx context.Context) (uint64, error) { return 0, nil }

func (c *countingChain) SubmitBillEpoch(ctx context.Context, req chain.BillRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.broadcasts
	c.broadcasts++
	if n < len(c.errs) && c.errs[n] != nil {
		return "", c.errs[n]
	}
	return "tx-ok", nil
}

func (c *countingChain) TxStatus(ctx context.Context, txHash string) (chain.TxState, error) {
	return chain.TxPending, nil
}

func (c *countingChain) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcasts
}

func TestAmbiguousSubmitFailureNotRebroadcast(t *testing.T) {
	// Таймаут после отправки запроса: транзакция могла уйти в сеть.
	// Обертка не имеет права дергать прокси второй раз — повтор пойдет
	// через записанную failed-попытку на следующем тике.
	next := &countingChain{errs: []error{context.DeadlineExceeded}}
	w := NewReliableChain(next, nil)

	_, err := w.SubmitBillEpoch(context.Background(), chain.BillRequest{Agent: "claw1alpha", Epoch: 5})

	require.Error(t, err)
	assert.Equal(t, 1, next.count())
}

func TestDialFailureRetriedInsideWrapper(t *testing.T) {
	// Отказ dial — запрос до прокси не дошел, повтор безопасен
	next := &countingChain{errs: []error{
		&chain.RetriableSubmitError{Cause: errors.New("dial tcp: connection refused")},
	}}
	w := NewReliableChain(next, nil)

	txHash, err := w.SubmitBillEpoch(context.Background(), chain.BillRequest{Agent: "claw1alpha", Epoch: 5})

	require.NoError(t, err)
	assert.Equal(t, "tx-ok", txHash)
	assert.Equal(t, 2, next.count())
}

func TestThrottledSubmitRetriedAfterDelay(t *testing.T) {
	next := &countingChain{errs: []error{
		&chain.ThrottleError{RetryAfter: time.Millisecond, Cause: errors.New("chain: submit throttled")},
	}}
	w := NewReliableChain(next, nil)

	txHash, err := w.SubmitBillEpoch(context.Background(), chain.BillRequest{Agent: "claw1alpha", Epoch: 5})

	require.NoError(t, err)
	assert.Equal(t, "tx-ok", txHash)
	assert.Equal(t, 2, next.count())
}

func TestSubmitRetriableClassification(t *testing.T) {
	assert.True(t, submitSafeToRetry(&chain.ThrottleError{RetryAfter: time.Second}))
	assert.True(t, submitSafeToRetry(&chain.RetriableSubmitError{Cause: errors.New("dial refused")}))
	assert.False(t, submitSafeToRetry(context.DeadlineExceeded))
	assert.False(t, submitSafeToRetry(errors.New("chain: submit rejected (502): bad gateway")))
}
