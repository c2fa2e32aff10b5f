package store

// PostgresSchema creates the three ledger tables. Money and quantities are
// NUMERIC for exact decimal precision.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id           TEXT PRIMARY KEY,
	cash_balance NUMERIC NOT NULL DEFAULT 0 CHECK (cash_balance >= 0),
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	account_id TEXT NOT NULL REFERENCES accounts(id),
	symbol     TEXT NOT NULL,
	asset_type TEXT NOT NULL,
	quantity   NUMERIC NOT NULL CHECK (quantity > 0),
	avg_price  NUMERIC NOT NULL CHECK (avg_price > 0),
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account_id, symbol)
);

CREATE TABLE IF NOT EXISTS transactions (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	type       TEXT NOT NULL,
	asset_type TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	quantity   NUMERIC NOT NULL,
	price      NUMERIC NOT NULL,
	total      NUMERIC NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_account_created
	ON transactions (account_id, created_at DESC, id DESC);
`

// SQLiteSchema mirrors PostgresSchema. Decimals are stored as TEXT and
// timestamps as unix nanoseconds so that ordering is numeric.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id           TEXT PRIMARY KEY,
	cash_balance TEXT NOT NULL DEFAULT '0',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	account_id TEXT NOT NULL REFERENCES accounts(id),
	symbol     TEXT NOT NULL,
	asset_type TEXT NOT NULL,
	quantity   TEXT NOT NULL,
	avg_price  TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, symbol)
);

CREATE TABLE IF NOT EXISTS transactions (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	type       TEXT NOT NULL,
	asset_type TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	quantity   TEXT NOT NULL,
	price      TEXT NOT NULL,
	total      TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_account_created
	ON transactions (account_id, created_at DESC, id DESC);
`
