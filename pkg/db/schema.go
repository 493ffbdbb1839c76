package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS order_records (
    broker_order_id TEXT PRIMARY KEY,
    account_index INTEGER NOT NULL,
    symbol TEXT NOT NULL,
    segment TEXT NOT NULL,
    side TEXT NOT NULL,
    requested_price REAL NOT NULL,
    requested_qty INTEGER NOT NULL,
    status TEXT NOT NULL,
    last_report_type TEXT,
    reject_reason TEXT,
    fill_price REAL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_order_records_account
    ON order_records(account_index, side);

CREATE TABLE IF NOT EXISTS fills (
    id TEXT PRIMARY KEY,
    broker_order_id TEXT NOT NULL,
    account_index INTEGER NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    price REAL NOT NULL,
    qty INTEGER NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations creates the schema when missing.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
