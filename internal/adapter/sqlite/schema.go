package sqlite

// Money columns are TEXT so decimal values round-trip exactly; SQLite's own
// numeric affinity would coerce them to float.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	balance TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS instruments (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	price TEXT NOT NULL,
	available_quantity INTEGER NOT NULL CHECK (available_quantity >= 0),
	active BOOLEAN NOT NULL DEFAULT 1,
	version INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	instrument_id TEXT NOT NULL REFERENCES instruments(id),
	side TEXT NOT NULL CHECK (side IN ('buy', 'sell')),
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	price TEXT NOT NULL,
	commission TEXT NOT NULL,
	total TEXT NOT NULL,
	balance_after TEXT NOT NULL,
	status TEXT NOT NULL,
	idempotency_key TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS trades_account_idempotency_key
	ON trades(account_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS trades_account_seq ON trades(account_id, seq);

CREATE TABLE IF NOT EXISTS positions (
	account_id TEXT NOT NULL REFERENCES accounts(id),
	instrument_id TEXT NOT NULL REFERENCES instruments(id),
	quantity INTEGER NOT NULL CHECK (quantity >= 0),
	PRIMARY KEY (account_id, instrument_id)
);
`
