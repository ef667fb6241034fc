package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TxState — финальность ранее отправленной транзакции.
type TxState string

const (
	TxPending TxState = "pending" // Еще не финализирована, спросим на следующем тике
	TxSuccess TxState = "success"
	TxFailed  TxState = "failed" // Revert / invalid — терминальный отказ
)

// BillRequest — параметры вызова billEpoch на эскроу-контракте.
type BillRequest struct {
	Contract string
	Agent    string
	Epoch    uint64
	Windows  int
	GasLimit uint64
	GasPrice uint64
}

// Client — capability-интерфейс цепочки: {query, submit, confirm}.
// Планировщик и мост биллинга тестируются на дублерах этого интерфейса.
type Client interface {
	CurrentEpoch(ctx context.Context) (uint64, error)
	SubmitBillEpoch(ctx context.Context, req BillRequest) (string, error)
	TxStatus(ctx context.Context, txHash string) (TxState, error)
}

// HTTPClient — реализация поверх REST-прокси сети Claws.
// Подпись транзакции остается на стороне подписанта: мы передаем путь
// к операторскому PEM, сами ключи не трогаем.
type HTTPClient struct {
	baseURL     string
	chainID     string
	operatorPEM string
	client      *http.Client
}

func NewHTTPClient(baseURL, chainID, operatorPEM string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		chainID:     chainID,
		operatorPEM: operatorPEM,
		client:      &http.Client{Timeout: timeout},
	}
}

// CurrentEpoch опрашивает статус сети. Формат ответа плавал между
// версиями прокси, поэтому пробуем оба пути и несколько ключей.
func (c *HTTPClient) CurrentEpoch(ctx context.Context) (uint64, error) {
	var lastErr error
	for _, path := range []string{"/network/status/4294967295", "/network/status"} {
		data, err := c.getJSON(ctx, c.baseURL+path)
		if err != nil {
			lastErr = err
			continue
		}
		if epoch, ok := parseEpoch(data); ok {
			return epoch, nil
		}
		lastErr = fmt.Errorf("chain: no epoch field in %s response", path)
	}
	return 0, fmt.Errorf("chain: unable to fetch epoch: %w", lastErr)
}

type networkStatus struct {
	Data struct {
		Status  map[string]json.Number `json:"status"`
		Metrics map[string]json.Number `json:"metrics"`
	} `json:"data"`
}

func parseEpoch(raw []byte) (uint64, bool) {
	var parsed networkStatus
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return 0, false
	}
	for _, key := range []string{"erd_epoch", "erd_epoch_number", "epoch"} {
		if n, ok := parsed.Data.Status[key]; ok {
			if v, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
				return v, true
			}
		}
	}
	if n, ok := parsed.Data.Metrics["erd_epoch"]; ok {
		if v, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

type contractCall struct {
	Contract  string   `json:"contract"`
	Function  string   `json:"function"`
	Arguments []string `json:"arguments"`
	GasLimit  uint64   `json:"gas_limit"`
	GasPrice  uint64   `json:"gas_price"`
	ChainID   string   `json:"chain_id"`
	PEM       string   `json:"pem"`
	Send      bool     `json:"send"`
}

type submitResponse struct {
	Data struct {
		TxHash string `json:"txHash"`
	} `json:"data"`
	Error string `json:"error"`
}

// SubmitBillEpoch отправляет billEpoch(agent, epoch, windows) через
// подписывающий шлюз прокси и возвращает хэндл транзакции.
func (c *HTTPClient) SubmitBillEpoch(ctx context.Context, req BillRequest) (string, error) {
	call := contractCall{
		Contract: req.Contract,
		Function: "billEpoch",
		Arguments: []string{
			req.Agent,
			strconv.FormatUint(req.Epoch, 10),
			strconv.Itoa(req.Windows),
		},
		GasLimit: req.GasLimit,
		GasPrice: req.GasPrice,
		ChainID:  c.chainID,
		PEM:      c.operatorPEM,
		Send:     true,
	}

	body, err := json.Marshal(call)
	if err != nil {
		return "", &RetriableSubmitError{Cause: fmt.Errorf("chain: marshal call: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transaction/call", bytes.NewReader(body))
	if err != nil {
		return "", &RetriableSubmitError{Cause: fmt.Errorf("chain: build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// Отказ dial — соединения не было, запрос гарантированно не ушел.
		// Все остальное (таймаут, обрыв после записи) неоднозначно: прокси
		// мог уже транслировать транзакцию, такой сбой не помечаем
		// ретраибельным.
		if dialRefused(err) {
			return "", &RetriableSubmitError{Cause: fmt.Errorf("chain: submit failed: %w", err)}
		}
		return "", fmt.Errorf("chain: submit failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &ThrottleError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Cause:      fmt.Errorf("chain: submit throttled"),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("chain: submit rejected (%d): %s", resp.StatusCode, truncate(string(raw), 300))
	}

	var parsed submitResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Data.TxHash == "" {
		return "", fmt.Errorf("chain: unable to parse tx hash: %s", truncate(string(raw), 300))
	}
	return parsed.Data.TxHash, nil
}

type txStatusResponse struct {
	Data struct {
		Status string `json:"status"`
	} `json:"data"`
}

// TxStatus опрашивает финальность транзакции по хэндлу.
func (c *HTTPClient) TxStatus(ctx context.Context, txHash string) (TxState, error) {
	raw, err := c.getJSON(ctx, c.baseURL+"/transaction/"+txHash+"/process-status")
	if err != nil {
		return TxPending, err
	}

	var parsed txStatusResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return TxPending, fmt.Errorf("chain: unable to parse tx status: %w", err)
	}

	switch strings.ToLower(parsed.Data.Status) {
	case "success", "successful", "executed":
		return TxSuccess, nil
	case "fail", "failed", "invalid", "reverted":
		return TxFailed, nil
	default:
		return TxPending, nil
	}
}

func (c *HTTPClient) getJSON(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chain: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 256<<10))

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &ThrottleError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Cause:      fmt.Errorf("chain: query throttled"),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("chain: %s returned %d: %s", url, resp.StatusCode, truncate(string(raw), 300))
	}
	return raw, nil
}

// dialRefused: ошибка на этапе установления соединения — байты запроса
// до прокси не дошли.
func dialRefused(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func parseRetryAfter(header string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 5 * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
