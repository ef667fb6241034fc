package domain

import "time"

// Причины исхода пробы продления. Пишутся в журнал и в метрики.
const (
	AttemptReasonOK               = "ok"
	AttemptReasonError            = "error"
	AttemptReasonAlreadyStreaming = "already_streaming"
)

// Attempt — запись журнала об одной пробе продления стрима.
type Attempt struct {
	ID         int64      `json:"id"`
	AgentID    int64      `json:"agent_id"`
	Address    string     `json:"address"`
	Timestamp  time.Time  `json:"timestamp"`
	OK         bool       `json:"ok"`
	StatusCode int        `json:"status_code"`
	Reason     string     `json:"reason"`
	StreamEnd  *time.Time `json:"stream_end,omitempty"`
	Body       string     `json:"body,omitempty"` // Усеченное тело ответа для разбора инцидентов
}
