package pg

const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	balance NUMERIC NOT NULL CHECK (balance >= 0),
	version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS instruments (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	price NUMERIC NOT NULL CHECK (price > 0),
	available_quantity BIGINT NOT NULL CHECK (available_quantity >= 0),
	active BOOLEAN NOT NULL DEFAULT TRUE,
	version BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS trades (
	id UUID PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	instrument_id TEXT NOT NULL REFERENCES instruments(id),
	side TEXT NOT NULL CHECK (side IN ('buy', 'sell')),
	quantity BIGINT NOT NULL CHECK (quantity > 0),
	price NUMERIC NOT NULL,
	commission NUMERIC NOT NULL,
	total NUMERIC NOT NULL,
	balance_after NUMERIC NOT NULL,
	status TEXT NOT NULL,
	idempotency_key TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS trades_account_idempotency_key
	ON trades(account_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS trades_account_created ON trades(account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS trades_pair ON trades(account_id, instrument_id);

CREATE TABLE IF NOT EXISTS positions (
	account_id TEXT NOT NULL REFERENCES accounts(id),
	instrument_id TEXT NOT NULL REFERENCES instruments(id),
	quantity BIGINT NOT NULL CHECK (quantity >= 0),
	PRIMARY KEY (account_id, instrument_id)
);
`
