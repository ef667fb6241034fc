package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xela07ax/stream-agency/internal/domain"
)

type AgentRepo struct {
	db *sql.DB
}

func NewAgentRepo(db *sql.DB) *AgentRepo {
	return &AgentRepo{db: db}
}

const agentColumns = `
    id, address, stream_signature, fee_bps, status,
    next_due, expected_end, retry_step,
    success_count, failure_count, consecutive_failures,
    fee_due_claw, last_success, COALESCE(last_error, ''),
    created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*domain.Agent, error) {
	var a domain.Agent
	var status string
	err := row.Scan(
		&a.ID, &a.Address, &a.Secret, &a.FeeBps, &status,
		&a.NextDue, &a.ExpectedEnd, &a.RetryStep,
		&a.SuccessCount, &a.FailureCount, &a.ConsecutiveFailures,
		&a.FeeDue, &a.LastSuccess, &a.LastError,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = domain.AgentStatus(status)
	return &a, nil
}

// Create регистрирует нового агента. Повторная регистрация того же
// адреса — ошибка границы реестра, а не upsert: условия (fee_bps)
// фиксируются один раз при зачислении.
func (r *AgentRepo) Create(ctx context.Context, address, signature string, feeBps int) (*domain.Agent, error) {
	row := r.db.QueryRowContext(ctx, `
        INSERT INTO agents (address, stream_signature, fee_bps, status)
        VALUES ($1, $2, $3, $4)
        RETURNING `+agentColumns,
		address, signature, feeBps, string(domain.StatusEnrolled),
	)

	agent, err := scanAgent(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return nil, domain.ErrAlreadyEnrolled
		}
		return nil, fmt.Errorf("postgres: create agent: %w", err)
	}
	return agent, nil
}

func (r *AgentRepo) GetByAddress(ctx context.Context, address string) (*domain.Agent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE address = $1`, address)

	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUnknownAgent
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get agent: %w", err)
	}
	return agent, nil
}

// UpdateStatus меняет статус. Допустимость перехода проверяет сервис
// реестра — здесь только физическая запись.
func (r *AgentRepo) UpdateStatus(ctx context.Context, address string, status domain.AgentStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE agents SET status = $1, updated_at = NOW() WHERE address = $2`,
		string(status), address)
	if err != nil {
		return fmt.Errorf("postgres: update status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrUnknownAgent
	}
	return nil
}

// Due выбирает зачисленных агентов, чье время пробы пришло.
// NULL next_due — свежезачисленный, пробуем немедленно.
func (r *AgentRepo) Due(ctx context.Context, now time.Time) ([]*domain.Agent, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+agentColumns+`
        FROM agents
        WHERE status = $1
          AND (next_due IS NULL OR next_due <= $2)
        ORDER BY COALESCE(next_due, 'epoch'::timestamptz) ASC`,
		string(domain.StatusEnrolled), now)
	if err != nil {
		return nil, fmt.Errorf("postgres: due agents: %w", err)
	}
	defer rows.Close()

	var agents []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan due agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (r *AgentRepo) List(ctx context.Context) ([]*domain.Agent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agents: %w", err)
	}
	defer rows.Close()

	var agents []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// RecordSuccess — одна транзакционная запись исхода успешной пробы:
// сброс счетчиков, продвижение расписания, начисление комиссии.
func (r *AgentRepo) RecordSuccess(ctx context.Context, id int64, expectedEnd, nextDue time.Time, fee float64) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE agents SET
            expected_end = $1,
            next_due = $2,
            retry_step = 0,
            success_count = success_count + 1,
            consecutive_failures = 0,
            fee_due_claw = fee_due_claw + $3,
            last_success = NOW(),
            last_error = NULL,
            updated_at = NOW()
        WHERE id = $4`,
		expectedEnd, nextDue, fee, id)
	if err != nil {
		return fmt.Errorf("postgres: record success: %w", err)
	}
	return nil
}

// RecordReschedule — окно уже живо (already_streaming): двигаем
// расписание без окна и без начисления.
func (r *AgentRepo) RecordReschedule(ctx context.Context, id int64, expectedEnd, nextDue time.Time) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE agents SET
            expected_end = $1,
            next_due = $2,
            retry_step = 0,
            updated_at = NOW()
        WHERE id = $3`,
		expectedEnd, nextDue, id)
	if err != nil {
		return fmt.Errorf("postgres: record reschedule: %w", err)
	}
	return nil
}

// RecordFailure переносит пробу по лестнице бэкоффа.
func (r *AgentRepo) RecordFailure(ctx context.Context, id int64, retryAt time.Time, retryStep int, errDetail string) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE agents SET
            next_due = $1,
            retry_step = $2,
            failure_count = failure_count + 1,
            consecutive_failures = consecutive_failures + 1,
            last_error = $3,
            updated_at = NOW()
        WHERE id = $4`,
		retryAt, retryStep, errDetail, id)
	if err != nil {
		return fmt.Errorf("postgres: record failure: %w", err)
	}
	return nil
}

// SeedSchedule проставляет стартовое расписание после верифицирующей
// пробы при enroll.
func (r *AgentRepo) SeedSchedule(ctx context.Context, address string, expectedEnd, nextDue time.Time) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE agents SET
            expected_end = $1,
            next_due = $2,
            retry_step = 0,
            last_error = NULL,
            updated_at = NOW()
        WHERE address = $3`,
		expectedEnd, nextDue, address)
	if err != nil {
		return fmt.Errorf("postgres: seed schedule: %w", err)
	}
	return nil
}
