package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    cnpj          TEXT PRIMARY KEY,
    status        TEXT NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    retry_count   INTEGER NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
CREATE INDEX IF NOT EXISTS idx_jobs_status_updated_at ON jobs (status, updated_at);

CREATE TABLE IF NOT EXISTS companies (
    cnpj                     TEXT PRIMARY KEY,
    legal_name               TEXT NOT NULL DEFAULT '',
    trade_name               TEXT NOT NULL DEFAULT '',
    registration_status      TEXT NOT NULL DEFAULT '',
    registration_status_date TIMESTAMPTZ,
    main_activity_code       TEXT NOT NULL DEFAULT '',
    main_activity_desc       TEXT NOT NULL DEFAULT '',
    secondary_activity_codes TEXT[],
    address_street           TEXT NOT NULL DEFAULT '',
    address_number           TEXT NOT NULL DEFAULT '',
    address_complement       TEXT NOT NULL DEFAULT '',
    address_district         TEXT NOT NULL DEFAULT '',
    address_city             TEXT NOT NULL DEFAULT '',
    address_state            TEXT NOT NULL DEFAULT '',
    address_zip              TEXT NOT NULL DEFAULT '',
    email                    TEXT NOT NULL DEFAULT '',
    phone                    TEXT NOT NULL DEFAULT '',
    share_capital            NUMERIC NOT NULL DEFAULT 0,
    legal_nature             TEXT NOT NULL DEFAULT '',
    opened_at                TIMESTAMPTZ,
    simples_nacional         BOOLEAN NOT NULL DEFAULT FALSE,
    simples_nacional_since   TIMESTAMPTZ,
    mei                      BOOLEAN NOT NULL DEFAULT FALSE,
    partners                 JSONB NOT NULL DEFAULT '[]',
    provider                 TEXT NOT NULL DEFAULT '',
    queried_at               TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the jobs and companies tables if they do not already
// exist. It is idempotent and safe to call on every process start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("op=store.migrate: %w", err)
	}
	return nil
}
