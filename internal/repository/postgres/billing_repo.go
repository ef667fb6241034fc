package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xela07ax/stream-agency/internal/domain"
)

type BillingRepo struct {
	db *sql.DB
}

func NewBillingRepo(db *sql.DB) *BillingRepo {
	return &BillingRepo{db: db}
}

// Insert пишет строку аудита биллинга. Каждая отправка — включая
// мгновенно провалившуюся — дает строку: это след для споров.
func (r *BillingRepo) Insert(ctx context.Context, a *domain.BillingAttempt) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
        INSERT INTO billing_attempts
            (agent_id, epoch, windows, tx_hash, status, gas_limit, gas_price, error_detail, attempted_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
        RETURNING id`,
		a.AgentID, int64(a.Epoch), a.Windows, a.TxHash, string(a.Status),
		int64(a.GasLimit), int64(a.GasPrice), a.ErrorDetail,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert billing attempt: %w", err)
	}
	return id, nil
}

const billingColumns = `
    ba.id, ba.agent_id, a.address, ba.epoch, ba.windows,
    COALESCE(ba.tx_hash, ''), ba.status, ba.gas_limit, ba.gas_price,
    COALESCE(ba.error_detail, ''), ba.attempted_at`

func scanBillingAttempts(rows *sql.Rows) ([]*domain.BillingAttempt, error) {
	var out []*domain.BillingAttempt
	for rows.Next() {
		var a domain.BillingAttempt
		var epoch, gasLimit, gasPrice int64
		var status string
		if err := rows.Scan(
			&a.ID, &a.AgentID, &a.Address, &epoch, &a.Windows,
			&a.TxHash, &status, &gasLimit, &gasPrice,
			&a.ErrorDetail, &a.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan billing attempt: %w", err)
		}
		a.Epoch = uint64(epoch)
		a.GasLimit = uint64(gasLimit)
		a.GasPrice = uint64(gasPrice)
		a.Status = domain.BillingStatus(status)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Pending — транзакции в полете: отправлены, финальность не наблюдалась.
func (r *BillingRepo) Pending(ctx context.Context) ([]*domain.BillingAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+billingColumns+`
        FROM billing_attempts ba
        JOIN agents a ON a.id = ba.agent_id
        WHERE ba.status = $1
        ORDER BY ba.attempted_at ASC`,
		string(domain.BillingPending))
	if err != nil {
		return nil, fmt.Errorf("postgres: pending attempts: %w", err)
	}
	defer rows.Close()
	return scanBillingAttempts(rows)
}

// HasPending — есть ли по ключу (агент, эпоха) попытка в полете.
// Пока она висит, новая отправка для ключа не создается.
func (r *BillingRepo) HasPending(ctx context.Context, agentID int64, epoch uint64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM billing_attempts
            WHERE agent_id = $1 AND epoch = $2 AND status = $3
        )`,
		agentID, int64(epoch), string(domain.BillingPending),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: has pending: %w", err)
	}
	return exists, nil
}

// FailedCount — сколько терминально неуспешных попыток накоплено по
// ключу. Сравнивается с потолком ретраев.
func (r *BillingRepo) FailedCount(ctx context.Context, agentID int64, epoch uint64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM billing_attempts
        WHERE agent_id = $1 AND epoch = $2 AND status = $3`,
		agentID, int64(epoch), string(domain.BillingFailed),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed count: %w", err)
	}
	return count, nil
}

// MarkFailed — транзакция отклонена цепочкой или не ушла в сеть.
func (r *BillingRepo) MarkFailed(ctx context.Context, attemptID int64, detail string) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE billing_attempts SET status = $1, error_detail = $2
        WHERE id = $3`,
		string(domain.BillingFailed), detail, attemptID)
	if err != nil {
		return fmt.Errorf("postgres: mark failed: %w", err)
	}
	return nil
}

// Confirm атомарно фиксирует подтверждение: статус попытки и флаг
// billed строки окна меняются в одной транзакции. Инвариант billed
// ⇒ (sealed ∧ confirmed attempt) закреплен условием WHERE sealed.
func (r *BillingRepo) Confirm(ctx context.Context, attemptID, agentID int64, epoch uint64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin confirm: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
        UPDATE billing_attempts SET status = $1, error_detail = NULL
        WHERE id = $2`,
		string(domain.BillingConfirmed), attemptID); err != nil {
		return fmt.Errorf("postgres: confirm attempt: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
        UPDATE usage_windows
        SET billed = TRUE, billed_at = NOW(), last_error = NULL
        WHERE agent_id = $1 AND epoch = $2 AND sealed`,
		agentID, int64(epoch))
	if err != nil {
		return fmt.Errorf("postgres: mark billed: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("postgres: confirm: no sealed window for agent %d epoch %d", agentID, epoch)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit confirm: %w", err)
	}
	return nil
}

// Recent — хвост аудита биллинга для отчетной поверхности.
func (r *BillingRepo) Recent(ctx context.Context, limit int) ([]*domain.BillingAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+billingColumns+`
        FROM billing_attempts ba
        JOIN agents a ON a.id = ba.agent_id
        ORDER BY ba.attempted_at DESC
        LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent attempts: %w", err)
	}
	defer rows.Close()
	return scanBillingAttempts(rows)
}
