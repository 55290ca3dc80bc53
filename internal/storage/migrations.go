package storage

import "context"

// schema is applied by Migrate on startup when MIGRATE=true. The statements
// are idempotent so re-running them is safe.
const schema = `
CREATE TABLE IF NOT EXISTS rides (
    id             TEXT PRIMARY KEY,
    rider_id       TEXT NOT NULL,
    driver_id      TEXT,
    pickup_lat     DOUBLE PRECISION NOT NULL,
    pickup_lon     DOUBLE PRECISION NOT NULL,
    dropoff_lat    DOUBLE PRECISION NOT NULL,
    dropoff_lon    DOUBLE PRECISION NOT NULL,
    vehicle_type   TEXT NOT NULL DEFAULT '',
    state          TEXT NOT NULL,
    quote          JSONB,
    cancel_reason  TEXT,
    cancelled_by   TEXT,
    requested_at   TIMESTAMPTZ NOT NULL,
    accepted_at    TIMESTAMPTZ,
    arrived_at     TIMESTAMPTZ,
    started_at     TIMESTAMPTZ,
    completed_at   TIMESTAMPTZ,
    cancelled_at   TIMESTAMPTZ,
    updated_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS rides_rider_idx  ON rides (rider_id);
CREATE INDEX IF NOT EXISTS rides_driver_idx ON rides (driver_id);
CREATE INDEX IF NOT EXISTS rides_state_idx  ON rides (state);

CREATE TABLE IF NOT EXISTS ride_events (
    id          BIGSERIAL PRIMARY KEY,
    ride_id     TEXT NOT NULL,
    from_state  TEXT NOT NULL,
    to_state    TEXT NOT NULL,
    actor       TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS ride_events_ride_idx ON ride_events (ride_id);

CREATE TABLE IF NOT EXISTS wallet_accounts (
    owner_id    TEXT PRIMARY KEY,
    balance     BIGINT NOT NULL DEFAULT 0,
    version     BIGINT NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id               TEXT PRIMARY KEY,
    account_id       TEXT NOT NULL REFERENCES wallet_accounts (owner_id),
    delta            BIGINT NOT NULL,
    balance_after    BIGINT NOT NULL,
    idempotency_key  TEXT NOT NULL,
    ride_id          TEXT,
    kind             TEXT NOT NULL,
    ref_entry_id     TEXT,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (account_id, idempotency_key)
);

CREATE INDEX IF NOT EXISTS ledger_entries_account_idx ON ledger_entries (account_id);
CREATE INDEX IF NOT EXISTS ledger_entries_ride_idx    ON ledger_entries (ride_id);
`

// Migrate applies the schema. Mirrors migrations/001_init.sql for deployments
// that run migrations out of band.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}
