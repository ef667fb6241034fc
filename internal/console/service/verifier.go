package service

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/stream-agency/internal/domain"
	"github.com/xela07ax/stream-agency/internal/stream"
)

// SignatureVerifier проверяет подпись продления перед записью агента.
// Возвращает конец текущего окна стрима, если эндпоинт его сообщил.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, address, signature string) (*time.Time, error)
}

// ProbeVerifier проверяет подпись боевой пробой: эндпоинт стрима —
// единственный источник истины о валидности пары (адрес, подпись).
// Побочный эффект пробы допустим: успешная проверка заодно продлевает
// стрим, что для свежезаписанного агента только плюс.
type ProbeVerifier struct {
	client  stream.Client
	enabled bool
}

func NewProbeVerifier(client stream.Client, enabled bool) *ProbeVerifier {
	return &ProbeVerifier{client: client, enabled: enabled}
}

func (v *ProbeVerifier) VerifySignature(ctx context.Context, address, signature string) (*time.Time, error) {
	if !v.enabled {
		return nil, nil
	}

	result, err := v.client.Probe(ctx, address, signature)
	if err != nil {
		return nil, fmt.Errorf("verification probe failed: %w", err)
	}

	switch {
	case result.OK:
		return result.StreamEnd, nil
	case result.Reason == domain.AttemptReasonAlreadyStreaming && result.StreamEnd != nil:
		// Стрим уже идет — значит подпись рабочая
		return result.StreamEnd, nil
	default:
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidSignature, result.StatusCode)
	}
}
