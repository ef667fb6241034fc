package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockClient — тест-дублер цепочки. Эпоха и исходы транзакций
// управляются из теста; хэндлы — случайные UUID, как у настоящего прокси.
type MockClient struct {
	mu sync.Mutex

	epoch      uint64
	epochErr   error
	submitErr  error
	autoFinal  TxState // Состояние, в которое "финализируются" новые транзакции
	txStates   map[string]TxState
	hashes     []string
	Submitted  []BillRequest
	EpochCalls int
}

func NewMockClient(epoch uint64) *MockClient {
	return &MockClient{
		epoch:     epoch,
		autoFinal: TxPending,
		txStates:  make(map[string]TxState),
	}
}

func (c *MockClient) SetEpoch(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch = epoch
}

// SetEpochError имитирует недоступность прокси при запросе эпохи.
func (c *MockClient) SetEpochError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epochErr = err
}

// SetSubmitError имитирует отказ отправки (сеть, нехватка газа, nonce).
func (c *MockClient) SetSubmitError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErr = err
}

// SetAutoFinal задает состояние, которое получат новые транзакции.
func (c *MockClient) SetAutoFinal(state TxState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoFinal = state
}

// Finalize переводит конкретную транзакцию в заданное состояние.
func (c *MockClient) Finalize(txHash string, state TxState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txStates[txHash] = state
}

// LastTxHash — хэндл последней отправленной транзакции.
func (c *MockClient) LastTxHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.hashes) == 0 {
		return ""
	}
	return c.hashes[len(c.hashes)-1]
}

func (c *MockClient) CurrentEpoch(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EpochCalls++
	if c.epochErr != nil {
		return 0, c.epochErr
	}
	return c.epoch, nil
}

func (c *MockClient) SubmitBillEpoch(ctx context.Context, req BillRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return "", c.submitErr
	}
	hash := uuid.New().String()
	c.txStates[hash] = c.autoFinal
	c.hashes = append(c.hashes, hash)
	c.Submitted = append(c.Submitted, req)
	return hash, nil
}

func (c *MockClient) TxStatus(ctx context.Context, txHash string) (TxState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.txStates[txHash]
	if !ok {
		return TxPending, fmt.Errorf("chain: unknown transaction %s", txHash)
	}
	return state, nil
}
