package domain

import (
	"regexp"
	"time"
)

type AgentStatus string

const (
	StatusEnrolled AgentStatus = "enrolled" // Стрим поддерживается планировщиком
	StatusPaused   AgentStatus = "paused"   // Временно исключен из обхода (вернуть можно)
	StatusRemoved  AgentStatus = "removed"  // Терминальное состояние, строка остается для аудита
)

// transitions — явная таблица допустимых переходов статуса.
// removed — терминальный: из него выхода нет.
var transitions = map[AgentStatus][]AgentStatus{
	StatusEnrolled: {StatusPaused, StatusRemoved},
	StatusPaused:   {StatusEnrolled, StatusRemoved},
	StatusRemoved:  {},
}

// CanTransition проверяет переход по таблице, а не по строкам "на глаз"
func (s AgentStatus) CanTransition(to AgentStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Valid отсекает статусы, которых нет в модели
func (s AgentStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// addressRe — формат bech32-адреса сети Claws
var addressRe = regexp.MustCompile(`^claw1[0-9a-z]+$`)

func ValidAddress(address string) bool {
	return addressRe.MatchString(address)
}

type Agent struct {
	ID      int64       `json:"id"`
	Address string      `json:"address"` // Уникальный идентификатор агента в сети
	FeeBps  int         `json:"fee_bps"` // Комиссия оператора в базисных пунктах (0..10000)
	Status  AgentStatus `json:"status"`

	// Secret — подпись продления стрима. Чувствительные данные:
	// никогда не попадает в логи и в ответы API.
	Secret string `json:"-"`

	// Планирование
	NextDue     *time.Time `json:"next_due"`     // Когда планировщик должен выйти на пробу
	ExpectedEnd *time.Time `json:"expected_end"` // Ожидаемый конец текущего окна стрима
	RetryStep   int        `json:"-"`            // Позиция в лестнице бэкоффа

	// Счетчики здоровья
	SuccessCount        int `json:"success_count"`
	FailureCount        int `json:"failure_count"`
	ConsecutiveFailures int `json:"consecutive_failures"`

	// Учет комиссии оператора (начисляется за каждое успешное окно)
	FeeDue float64 `json:"fee_due_claw"`

	LastSuccess *time.Time `json:"last_success"`
	LastError   string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Healthy — пороговый флаг для отчетности. Статус агента он НЕ меняет:
// планировщик продолжает пробовать, решение о паузе принимает оператор.
func (a *Agent) Healthy(failureThreshold int) bool {
	if failureThreshold <= 0 {
		return true
	}
	return a.ConsecutiveFailures < failureThreshold
}
