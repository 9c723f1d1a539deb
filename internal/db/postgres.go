package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PostgresKV stores each key as one row. Per-key atomicity comes from
// SELECT ... FOR UPDATE inside a transaction.
type PostgresKV struct {
	db    *sqlx.DB
	clock clock.Clock
	log   *logrus.Logger
}

type kvRow struct {
	Value     []byte    `db:"value"`
	ExpiresAt time.Time `db:"expires_at"`
}

// ConnectPostgres opens the database and runs migrations.
func ConnectPostgres(ctx context.Context, dsn string, clk clock.Clock, logger *logrus.Logger) (*PostgresKV, error) {
	if dsn == "" {
		return nil, ErrNotConfigured
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.New()
	}

	sdb, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(ctx, sdb, logger); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresKV{db: sdb, clock: clk, log: logger}, nil
}

func runMigrations(ctx context.Context, db *sqlx.DB, logger *logrus.Logger) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS kv_entries (
            key TEXT PRIMARY KEY,
            value BYTEA NOT NULL,
            expires_at TIMESTAMPTZ NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS kv_entries_expires_at_idx ON kv_entries (expires_at);`,
	}

	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	logger.Info("database migrations applied")
	return nil
}

// Get returns the live value stored under key.
func (p *PostgresKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var row kvRow
	err := p.db.GetContext(ctx, &row, `SELECT value, expires_at FROM kv_entries WHERE key=$1 AND expires_at > $2`, key, p.clock.Now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres get %s: %w", key, err)
	}
	return row.Value, true, nil
}

// Update locks the row for key, applies fn and writes the result back in
// the same transaction. Rows past expires_at are still handed to fn until
// swept, so the caller can tell an expired document from a missing one. A key that does not exist yet cannot be locked, so
// two concurrent creators of the same key race; the later upsert wins.
func (p *PostgresKV) Update(ctx context.Context, key string, fn UpdateFunc) (err error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := p.clock.Now()
	var (
		row   kvRow
		found = true
	)
	err = tx.GetContext(ctx, &row, `SELECT value, expires_at FROM kv_entries WHERE key=$1 FOR UPDATE`, key)
	if errors.Is(err, sql.ErrNoRows) {
		found, err = false, nil
	}
	if err != nil {
		return fmt.Errorf("postgres lock %s: %w", key, err)
	}
	next, ttl, err := fn(row.Value, found)
	if errors.Is(err, ErrUnchanged) {
		err = nil
		return tx.Commit()
	}
	if err != nil {
		return err
	}

	if next == nil || ttl <= 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE key=$1`, key)
	} else {
		_, err = tx.ExecContext(ctx, `INSERT INTO kv_entries (key, value, expires_at) VALUES ($1, $2, $3)
            ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
			key, next, now.Add(ttl))
	}
	if err != nil {
		return fmt.Errorf("postgres write %s: %w", key, err)
	}
	return tx.Commit()
}

// Sweep deletes every expired row.
func (p *PostgresKV) Sweep(ctx context.Context) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE expires_at <= $1`, p.clock.Now())
	if err != nil {
		return fmt.Errorf("postgres sweep: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		p.log.WithField("rows", n).Debug("swept expired entries")
	}
	return nil
}

// Close closes the connection pool.
func (p *PostgresKV) Close() error {
	return p.db.Close()
}

var _ KV = (*PostgresKV)(nil)
