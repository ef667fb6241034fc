package domain

import "time"

// UsageWindow — счетчик окон агента за эпоху сети.
// Одна строка на пару (agent, epoch); Windows растет только пока
// эпоха открыта, после Sealed значение заморожено навсегда.
type UsageWindow struct {
	AgentID     int64      `json:"agent_id"`
	Address     string     `json:"address"`
	Epoch       uint64     `json:"epoch"`
	Windows     int        `json:"windows"`
	Sealed      bool       `json:"sealed"`
	Billed      bool       `json:"billed"`
	NeedsReview bool       `json:"needs_review"`
	BilledAt    *time.Time `json:"billed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

type BillingStatus string

const (
	BillingPending   BillingStatus = "pending"   // Транзакция отправлена, финальность не подтверждена
	BillingConfirmed BillingStatus = "confirmed" // Транзакция финализирована успешно
	BillingFailed    BillingStatus = "failed"    // Отправка или исполнение завершились ошибкой
)

// BillingAttempt — аудит одной попытки выставить счет за эпоху.
type BillingAttempt struct {
	ID          int64         `json:"id"`
	AgentID     int64         `json:"agent_id"`
	Address     string        `json:"address"`
	Epoch       uint64        `json:"epoch"`
	Windows     int           `json:"windows"`
	TxHash      string        `json:"tx_hash,omitempty"`
	Status      BillingStatus `json:"status"`
	GasLimit    uint64        `json:"gas_limit"`
	GasPrice    uint64        `json:"gas_price"`
	ErrorDetail string        `json:"error_detail,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}
