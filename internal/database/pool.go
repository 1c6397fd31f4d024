package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/deribit-session/internal/config"
)

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig, appName string) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg, appName)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Schema creates the notification store. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS channel_notifications (
	instance    TEXT        NOT NULL,
	channel     TEXT        NOT NULL,
	epoch       BIGINT      NOT NULL,
	exchange_ts BIGINT,
	received_at BIGINT      NOT NULL,
	payload     JSONB       NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (instance, channel, received_at)
);

CREATE INDEX IF NOT EXISTS channel_notifications_channel_ts
	ON channel_notifications (channel, exchange_ts);
`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate applies Schema.
func Migrate(ctx context.Context, db execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
