package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schema — логическая модель агентства: четыре таблицы.
// usage_windows уникальна по (agent_id, epoch) — это граница
// идемпотентности биллинга, она закреплена на уровне БД.
const schema = `
CREATE TABLE IF NOT EXISTS agents (
    id                   BIGSERIAL PRIMARY KEY,
    address              TEXT UNIQUE NOT NULL,
    stream_signature     TEXT NOT NULL,
    fee_bps              INT NOT NULL DEFAULT 500,
    status               TEXT NOT NULL DEFAULT 'enrolled',
    next_due             TIMESTAMPTZ,
    expected_end         TIMESTAMPTZ,
    retry_step           INT NOT NULL DEFAULT 0,
    success_count        INT NOT NULL DEFAULT 0,
    failure_count        INT NOT NULL DEFAULT 0,
    consecutive_failures INT NOT NULL DEFAULT 0,
    fee_due_claw         DOUBLE PRECISION NOT NULL DEFAULT 0,
    last_success         TIMESTAMPTZ,
    last_error           TEXT,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS attempts (
    id          BIGSERIAL PRIMARY KEY,
    agent_id    BIGINT NOT NULL REFERENCES agents(id),
    attempted_at TIMESTAMPTZ NOT NULL,
    ok          BOOLEAN NOT NULL,
    status_code INT NOT NULL,
    reason      TEXT,
    stream_end  TIMESTAMPTZ,
    body        TEXT
);

CREATE TABLE IF NOT EXISTS usage_windows (
    agent_id     BIGINT NOT NULL REFERENCES agents(id),
    epoch        BIGINT NOT NULL,
    windows      INT NOT NULL DEFAULT 0,
    sealed       BOOLEAN NOT NULL DEFAULT FALSE,
    billed       BOOLEAN NOT NULL DEFAULT FALSE,
    needs_review BOOLEAN NOT NULL DEFAULT FALSE,
    billed_at    TIMESTAMPTZ,
    last_error   TEXT,
    PRIMARY KEY (agent_id, epoch)
);

CREATE TABLE IF NOT EXISTS billing_attempts (
    id           BIGSERIAL PRIMARY KEY,
    agent_id     BIGINT NOT NULL REFERENCES agents(id),
    epoch        BIGINT NOT NULL,
    windows      INT NOT NULL,
    tx_hash      TEXT,
    status       TEXT NOT NULL,
    gas_limit    BIGINT NOT NULL,
    gas_price    BIGINT NOT NULL,
    error_detail TEXT,
    attempted_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agents_next_due
    ON agents(status, next_due);
CREATE INDEX IF NOT EXISTS idx_attempts_agent_time
    ON attempts(agent_id, attempted_at DESC);
CREATE INDEX IF NOT EXISTS idx_usage_sealed_billed
    ON usage_windows(sealed, billed);
CREATE INDEX IF NOT EXISTS idx_billing_key
    ON billing_attempts(agent_id, epoch, status);
`

// InitSchema — идемпотентный бутстрап схемы на старте процесса.
func InitSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: init schema: %w", err)
	}
	return nil
}
