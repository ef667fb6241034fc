package stream

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// MockClient — тест-дублер стримингового эндпоинта.
// Исходы задаются на адрес; по умолчанию проба успешна и двигает
// конец окна на WindowLength вперед.
type MockClient struct {
	mu           sync.Mutex
	WindowLength time.Duration
	Latency      bool // Имитировать сетевую задержку 5-30мс

	failures map[string]ProbeResult // Прописанные неуспехи по адресу
	downErr  error                  // Транспортная ошибка для всех

	Calls []string // Порядок обращений (для проверок "ровно одна проба")
}

func NewMockClient(windowLength time.Duration) *MockClient {
	return &MockClient{
		WindowLength: windowLength,
		failures:     make(map[string]ProbeResult),
	}
}

// FailWith задает фиксированный неуспешный исход для адреса.
func (c *MockClient) FailWith(address string, status int, body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[address] = ProbeResult{StatusCode: status, Reason: "error", Body: body}
}

// AlreadyStreaming имитирует 403 "already streaming" с концом окна.
func (c *MockClient) AlreadyStreaming(address string, end time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[address] = ProbeResult{
		StatusCode: 403,
		Reason:     "already_streaming",
		Body:       `{"error": "already streaming"}`,
		StreamEnd:  &end,
	}
}

// Recover снимает прописанный исход — следующая проба пройдет.
func (c *MockClient) Recover(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, address)
}

// SetDown включает транспортную ошибку для всех адресов.
func (c *MockClient) SetDown(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if down {
		c.downErr = fmt.Errorf("dial tcp: connection refused")
	} else {
		c.downErr = nil
	}
}

func (c *MockClient) Probe(ctx context.Context, address, signature string) (ProbeResult, error) {
	if c.Latency {
		latency := time.Duration(5+rand.Intn(25)) * time.Millisecond
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ProbeResult{Reason: "error"}, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.Calls = append(c.Calls, address)

	if c.downErr != nil {
		return ProbeResult{Reason: "error"}, c.downErr
	}

	if res, ok := c.failures[address]; ok {
		return res, nil
	}

	end := time.Now().Add(c.WindowLength).UTC()
	return ProbeResult{
		OK:         true,
		StatusCode: 200,
		Reason:     "ok",
		StreamEnd:  &end,
		Body:       fmt.Sprintf(`{"end_stream": %d}`, end.UnixMilli()),
	}, nil
}
