package archive

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/nugget/signalbus/internal/config"
)

// createTableSQL matches the documented archive schema. The primary key
// is added separately because TimescaleDB requires the partition column
// in any unique constraint.
const createTableSQL = `
	CREATE TABLE IF NOT EXISTS signal_messages (
		id                         BIGSERIAL,
		timestamp                  TIMESTAMPTZ  NOT NULL,
		signal_received_timestamp  TIMESTAMPTZ  NOT NULL,
		signal_delivered_timestamp TIMESTAMPTZ,
		target                     VARCHAR(255) NOT NULL,
		source                     VARCHAR(255) NOT NULL,
		group_chat                 VARCHAR(255),
		mentions                   TEXT,
		content                    TEXT,
		created_at                 TIMESTAMPTZ  NOT NULL DEFAULT NOW()
	)`

// secondaryIndexes are created unconditionally; IF NOT EXISTS keeps the
// call idempotent.
var secondaryIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_signal_messages_timestamp ON signal_messages (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_signal_messages_source ON signal_messages (source)`,
	`CREATE INDEX IF NOT EXISTS idx_signal_messages_target ON signal_messages (target)`,
	`CREATE INDEX IF NOT EXISTS idx_signal_messages_created_at ON signal_messages (created_at)`,
}

// EnsureSchema creates the archive database and its schema when
// missing. It is idempotent. The timescaledb extension, hypertable
// conversion, and composite primary key are best-effort: a plain
// Postgres instance still archives, just without time partitioning.
func EnsureSchema(ctx context.Context, cfg config.TimescaleConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if err := ensureDatabase(ctx, cfg, logger); err != nil {
		return err
	}

	conn, err := pgx.Connect(ctx, cfg.DSN())
	if err != nil {
		return fmt.Errorf("connect to archive database: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create signal_messages table: %w", err)
	}

	// Best-effort time-series setup. The extension may be absent or the
	// role may lack privileges; neither blocks archival.
	if _, err := conn.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS timescaledb`); err != nil {
		logger.Warn("timescaledb extension unavailable, continuing without hypertable", "error", err)
	} else if _, err := conn.Exec(ctx,
		`SELECT create_hypertable('signal_messages', 'timestamp', if_not_exists => TRUE, migrate_data => TRUE)`,
	); err != nil {
		logger.Warn("hypertable conversion failed, continuing with plain table", "error", err)
	}

	// Composite primary key (id, timestamp). May already exist from a
	// previous run; that is not an error worth failing startup over.
	if _, err := conn.Exec(ctx,
		`ALTER TABLE signal_messages ADD CONSTRAINT signal_messages_pkey PRIMARY KEY (id, timestamp)`,
	); err != nil {
		logger.Debug("composite primary key not added (likely already present)", "error", err)
	}

	for _, stmt := range secondaryIndexes {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create archive index: %w", err)
		}
	}

	logger.Info("archive schema ready", "database", cfg.Database)
	return nil
}

// ensureDatabase creates the archive database via the maintenance
// connection when it does not exist yet.
func ensureDatabase(ctx context.Context, cfg config.TimescaleConfig, logger *slog.Logger) error {
	admin, err := pgx.Connect(ctx, cfg.AdminDSN())
	if err != nil {
		return fmt.Errorf("connect to maintenance database: %w", err)
	}
	defer admin.Close(ctx)

	var exists bool
	err = admin.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, cfg.Database,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check archive database existence: %w", err)
	}
	if exists {
		return nil
	}

	// CREATE DATABASE cannot be parameterized; sanitize the identifier.
	stmt := fmt.Sprintf(`CREATE DATABASE %s`, pgx.Identifier{cfg.Database}.Sanitize())
	if _, err := admin.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create archive database: %w", err)
	}

	logger.Info("created archive database", "database", cfg.Database)
	return nil
}
