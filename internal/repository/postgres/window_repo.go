package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xela07ax/stream-agency/internal/domain"
)

type WindowRepo struct {
	db *sql.DB
}

func NewWindowRepo(db *sql.DB) *WindowRepo {
	return &WindowRepo{db: db}
}

// RecordWindow — идемпотентный инкремент счетчика окна по ключу
// (агент, эпоха). На запечатанной строке — no-op: поздний успех вне
// эпохи задним числом не считается, биллинг вычисляется только из
// запечатанных данных. Возвращает false, если строка уже sealed.
func (r *WindowRepo) RecordWindow(ctx context.Context, agentID int64, epoch uint64) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
        INSERT INTO usage_windows (agent_id, epoch, windows)
        VALUES ($1, $2, 1)
        ON CONFLICT (agent_id, epoch) DO UPDATE
            SET windows = usage_windows.windows + 1
            WHERE NOT usage_windows.sealed`,
		agentID, int64(epoch))
	if err != nil {
		return false, fmt.Errorf("postgres: record window: %w", err)
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// SealBelow запечатывает все незапечатанные строки эпох, которые уже
// закрылись. Один UPDATE — одна точка, делающая строки кандидатами
// на биллинг. Пропущенные эпохи (простой процесса) запечатываются тем
// же проходом.
func (r *WindowRepo) SealBelow(ctx context.Context, currentEpoch uint64) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
        UPDATE usage_windows SET sealed = TRUE
        WHERE epoch < $1 AND NOT sealed`,
		int64(currentEpoch))
	if err != nil {
		return 0, fmt.Errorf("postgres: seal windows: %w", err)
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}

// BillingCandidates — запечатанные, незабилленные, непустые строки,
// не ожидающие оператора. Порядок стабильный: старые эпохи первыми.
func (r *WindowRepo) BillingCandidates(ctx context.Context) ([]*domain.UsageWindow, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT uw.agent_id, a.address, uw.epoch, uw.windows,
               uw.sealed, uw.billed, uw.needs_review, uw.billed_at,
               COALESCE(uw.last_error, '')
        FROM usage_windows uw
        JOIN agents a ON a.id = uw.agent_id
        WHERE uw.sealed AND NOT uw.billed AND NOT uw.needs_review
          AND uw.windows > 0
        ORDER BY uw.epoch ASC, uw.agent_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: billing candidates: %w", err)
	}
	defer rows.Close()

	return scanWindows(rows)
}

func scanWindows(rows *sql.Rows) ([]*domain.UsageWindow, error) {
	var out []*domain.UsageWindow
	for rows.Next() {
		var w domain.UsageWindow
		var epoch int64
		if err := rows.Scan(
			&w.AgentID, &w.Address, &epoch, &w.Windows,
			&w.Sealed, &w.Billed, &w.NeedsReview, &w.BilledAt,
			&w.LastError,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan window: %w", err)
		}
		w.Epoch = uint64(epoch)
		out = append(out, &w)
	}
	return out, rows.Err()
}

// Get читает одну строку окна (для тестов и ручной диагностики).
func (r *WindowRepo) Get(ctx context.Context, agentID int64, epoch uint64) (*domain.UsageWindow, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT uw.agent_id, a.address, uw.epoch, uw.windows,
               uw.sealed, uw.billed, uw.needs_review, uw.billed_at,
               COALESCE(uw.last_error, '')
        FROM usage_windows uw
        JOIN agents a ON a.id = uw.agent_id
        WHERE uw.agent_id = $1 AND uw.epoch = $2`,
		agentID, int64(epoch))
	if err != nil {
		return nil, fmt.Errorf("postgres: get window: %w", err)
	}
	defer rows.Close()

	windows, err := scanWindows(rows)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return nil, sql.ErrNoRows
	}
	return windows[0], nil
}

// FlagReview помечает строку для ручного вмешательства: потолок
// ретраев исчерпан, автоматика для ключа останавливается.
func (r *WindowRepo) FlagReview(ctx context.Context, agentID int64, epoch uint64, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE usage_windows SET needs_review = TRUE, last_error = $1
        WHERE agent_id = $2 AND epoch = $3`,
		lastError, agentID, int64(epoch))
	if err != nil {
		return fmt.Errorf("postgres: flag review: %w", err)
	}
	return nil
}

// SetLastError фиксирует последнюю ошибку биллинга по ключу.
func (r *WindowRepo) SetLastError(ctx context.Context, agentID int64, epoch uint64, msg string) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE usage_windows SET last_error = $1
        WHERE agent_id = $2 AND epoch = $3`,
		msg, agentID, int64(epoch))
	if err != nil {
		return fmt.Errorf("postgres: set window error: %w", err)
	}
	return nil
}

// AggregateUsage — агрегат для отчета: (ожидает, забиллено) окон на агента.
func (r *WindowRepo) AggregateUsage(ctx context.Context) (map[int64]domain.UsageTotals, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT agent_id,
               COALESCE(SUM(CASE WHEN NOT billed THEN windows ELSE 0 END), 0),
               COALESCE(SUM(CASE WHEN billed THEN windows ELSE 0 END), 0),
               BOOL_OR(needs_review)
        FROM usage_windows
        GROUP BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: aggregate usage: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]domain.UsageTotals)
	for rows.Next() {
		var agentID int64
		var t domain.UsageTotals
		if err := rows.Scan(&agentID, &t.Pending, &t.Billed, &t.NeedsReview); err != nil {
			return nil, fmt.Errorf("postgres: scan usage totals: %w", err)
		}
		out[agentID] = t
	}
	return out, rows.Err()
}
