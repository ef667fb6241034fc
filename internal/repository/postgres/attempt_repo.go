package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/xela07ax/stream-agency/internal/domain"
)

type AttemptRepo struct {
	db *sql.DB
}

func NewAttemptRepo(db *sql.DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

// WriteBatch сохраняет пачку записей журнала проб за один запрос.
// Вставку зовет фоновый воркер журнала, не hot path планировщика.
func (r *AttemptRepo) WriteBatch(ctx context.Context, attempts []domain.Attempt) error {
	if len(attempts) == 0 {
		return nil
	}

	// Количество колонок в таблице attempts (без id)
	numFields := 7
	placeholderStr := ""
	vals := make([]interface{}, 0, len(attempts)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, a := range attempts {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7)

		body := a.Body
		if len(body) > 4000 {
			body = body[:4000]
		}

		vals = append(vals,
			a.AgentID, a.Timestamp, a.OK, a.StatusCode,
			a.Reason, a.StreamEnd, body,
		)
	}

	query := fmt.Sprintf(
		"INSERT INTO attempts (agent_id, attempted_at, ok, status_code, reason, stream_end, body) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.db.ExecContext(ctx, query, vals...)
	if err != nil {
		return fmt.Errorf("postgres: write attempts batch: %w", err)
	}
	return nil
}

// RecentByAgent — последние пробы агента для /agent lookup.
func (r *AttemptRepo) RecentByAgent(ctx context.Context, agentID int64, limit int) ([]*domain.Attempt, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT id, agent_id, attempted_at, ok, status_code,
               COALESCE(reason, ''), stream_end, COALESCE(body, '')
        FROM attempts
        WHERE agent_id = $1
        ORDER BY attempted_at DESC
        LIMIT $2`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent attempts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		if err := rows.Scan(
			&a.ID, &a.AgentID, &a.Timestamp, &a.OK, &a.StatusCode,
			&a.Reason, &a.StreamEnd, &a.Body,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan attempt: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Ping проверяет доступность базы (для /health).
func (r *AttemptRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
