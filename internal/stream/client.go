package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ProbeResult — исход одного обращения к эндпоинту продления.
type ProbeResult struct {
	OK         bool
	StatusCode int
	Reason     string // ok / error / already_streaming
	StreamEnd  *time.Time
	Body       string
}

// Client — capability-интерфейс стримингового эндпоинта.
// Тест-дублеры реализуют его без сети.
type Client interface {
	Probe(ctx context.Context, address, signature string) (ProbeResult, error)
}

// HTTPClient — боевая реализация поверх JSON/HTTP.
type HTTPClient struct {
	url    string
	client *http.Client
}

func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type probePayload struct {
	Signature string `json:"signature"`
	Message   string `json:"message"`
	Address   string `json:"address"`
}

type probeResponse struct {
	EndStream        *int64 `json:"end_stream"`
	CanStreamAgainAt *int64 `json:"can_stream_again_at"`
}

// NormalizeSignature убирает префикс 0x — эндпоинт ждет голый hex.
func NormalizeSignature(sig string) string {
	return strings.TrimPrefix(strings.TrimSpace(sig), "0x")
}

// Probe шлет запрос на продление окна. Транспортная ошибка возвращается
// как error; HTTP-ошибка — как результат с OK=false (оба исхода журнал
// фиксирует одинаково, но ретраи различают их по ErrorDetail).
func (c *HTTPClient) Probe(ctx context.Context, address, signature string) (ProbeResult, error) {
	body, err := json.Marshal(probePayload{
		Signature: NormalizeSignature(signature),
		Message:   "stream",
		Address:   address,
	})
	if err != nil {
		return ProbeResult{}, fmt.Errorf("stream: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return ProbeResult{}, fmt.Errorf("stream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return ProbeResult{Reason: "error"}, fmt.Errorf("stream: probe failed: %w", err)
	}
	defer resp.Body.Close()

	// Тела бывают большими при ошибках прокси — читаем с потолком
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	result := ProbeResult{
		StatusCode: resp.StatusCode,
		Body:       string(raw),
		StreamEnd:  extractStreamEnd(raw),
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result.OK = true
		result.Reason = "ok"
	case resp.StatusCode == http.StatusForbidden && strings.Contains(strings.ToLower(result.Body), "already streaming"):
		// Окно уже живо — не ошибка, перепланируемся от его конца
		result.Reason = "already_streaming"
	default:
		result.Reason = "error"
	}

	return result, nil
}

// extractStreamEnd достает момент конца окна из ответа (unix ms).
func extractStreamEnd(raw []byte) *time.Time {
	var parsed probeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil
	}

	var ms *int64
	if parsed.EndStream != nil {
		ms = parsed.EndStream
	} else if parsed.CanStreamAgainAt != nil {
		ms = parsed.CanStreamAgainAt
	}
	if ms == nil || *ms <= 0 {
		return nil
	}

	t := time.UnixMilli(*ms).UTC()
	return &t
}
