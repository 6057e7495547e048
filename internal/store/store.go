// Package store is the keeper's durable state: eigen configs, sub-wallets,
// positions, trades, price snapshots and AI evaluations, all in a single
// WAL-mode SQLite database. Every mutation goes through named-parameter
// prepared statements; eigen updates accept only whitelisted fields.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the single process-wide handle. SQLite serializes writes; the
// connection is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger log.Logger
}

// Open opens (creating if absent) the database at path and applies schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := &Store{db: db, logger: log.New("component", "store")}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS eigens (
    id                 TEXT PRIMARY KEY,
    token              TEXT NOT NULL,
    owner              TEXT NOT NULL DEFAULT '',
    chain_id           INTEGER NOT NULL,
    pool_version       TEXT NOT NULL DEFAULT 'v3',
    pool_address       TEXT NOT NULL DEFAULT '',
    pool_fee           INTEGER NOT NULL DEFAULT 0,
    pool_tick_spacing  INTEGER NOT NULL DEFAULT 0,
    pool_hook          TEXT NOT NULL DEFAULT '',
    pool_id            TEXT NOT NULL DEFAULT '',
    status             TEXT NOT NULL DEFAULT 'active',
    status_reason      TEXT,
    status_changed_at  INTEGER NOT NULL DEFAULT 0,
    volume_target_eth  TEXT NOT NULL DEFAULT '0',
    trades_per_hour    REAL NOT NULL DEFAULT 6,
    order_size_min_pct REAL NOT NULL DEFAULT 8,
    order_size_max_pct REAL NOT NULL DEFAULT 15,
    spread_pct         REAL NOT NULL DEFAULT 1,
    profit_target_pct  REAL NOT NULL DEFAULT 50,
    stop_loss_pct      REAL NOT NULL DEFAULT 30,
    wallet_count       INTEGER NOT NULL DEFAULT 5,
    slippage_bps       INTEGER NOT NULL DEFAULT 300,
    reactive_sell_mode INTEGER NOT NULL DEFAULT 0,
    reactive_sell_pct  REAL NOT NULL DEFAULT 50,
    last_scanned_block INTEGER NOT NULL DEFAULT 0,
    gas_budget_eth     TEXT NOT NULL DEFAULT '0.05',
    gas_spent_eth      TEXT NOT NULL DEFAULT '0',
    custom_prompt      TEXT NOT NULL DEFAULT '',
    wallet_source      TEXT NOT NULL DEFAULT 'derived',
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sub_wallets (
    eigen         TEXT NOT NULL,
    idx           INTEGER NOT NULL,
    address       TEXT NOT NULL,
    last_trade_at INTEGER NOT NULL DEFAULT 0,
    trade_count   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (eigen, idx)
);

CREATE TABLE IF NOT EXISTS imported_wallets (
    eigen         TEXT NOT NULL,
    idx           INTEGER NOT NULL,
    address       TEXT NOT NULL,
    encrypted_key BLOB NOT NULL,
    last_trade_at INTEGER NOT NULL DEFAULT 0,
    trade_count   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (eigen, idx)
);

CREATE TABLE IF NOT EXISTS positions (
    eigen       TEXT NOT NULL,
    token       TEXT NOT NULL,
    wallet      TEXT NOT NULL,
    amount_raw  TEXT NOT NULL DEFAULT '0',
    entry_price TEXT NOT NULL DEFAULT '0',
    total_cost  TEXT NOT NULL DEFAULT '0',
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (eigen, token, wallet)
);

CREATE TABLE IF NOT EXISTS trades (
    id            TEXT PRIMARY KEY,
    eigen         TEXT NOT NULL,
    type          TEXT NOT NULL,
    wallet        TEXT NOT NULL,
    token         TEXT NOT NULL,
    amount_token  TEXT NOT NULL,
    amount_native TEXT NOT NULL,
    price         TEXT NOT NULL,
    realized_pnl  TEXT NOT NULL DEFAULT '0',
    gas_cost_eth  TEXT NOT NULL DEFAULT '0',
    tx_hash       TEXT NOT NULL DEFAULT '',
    router        TEXT NOT NULL DEFAULT '',
    pool_version  TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_eigen_created ON trades (eigen, created_at DESC);

CREATE TABLE IF NOT EXISTS price_snapshots (
    token      TEXT NOT NULL,
    price      TEXT NOT NULL,
    source     TEXT NOT NULL DEFAULT 'pool',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS snapshots_token_created ON price_snapshots (token, created_at DESC);

CREATE TABLE IF NOT EXISTS ai_evaluations (
    eigen           TEXT NOT NULL,
    action          TEXT NOT NULL,
    approved        INTEGER NOT NULL,
    confidence      INTEGER NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    adjusted_amount TEXT NOT NULL DEFAULT '0',
    suggested_wait  INTEGER NOT NULL DEFAULT 0,
    model           TEXT NOT NULL DEFAULT '',
    latency_ms      INTEGER NOT NULL DEFAULT 0,
    tokens          INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL
);
`

// additiveMigrations are applied on every startup; "duplicate column" errors
// mean the column already exists and are ignored.
var additiveMigrations = []string{
	`ALTER TABLE eigens ADD COLUMN custom_prompt TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE eigens ADD COLUMN wallet_source TEXT NOT NULL DEFAULT 'derived'`,
	`ALTER TABLE eigens ADD COLUMN last_scanned_block INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE trades ADD COLUMN pool_version TEXT NOT NULL DEFAULT ''`,
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	for _, stmt := range additiveMigrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("migration %q: %w", stmt, err)
		}
	}
	return nil
}
