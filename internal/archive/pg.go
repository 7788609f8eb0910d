package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nugget/signalbus/internal/config"
)

// insertSQL is the single parameterized INSERT executed once per record
// inside a batch transaction.
const insertSQL = `
	INSERT INTO signal_messages
		(timestamp, signal_received_timestamp, signal_delivered_timestamp,
		 target, source, group_chat, mentions, content, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// NewPool opens a pgx connection pool against the archive database.
// MaxConns mirrors the writer's connection-permit budget so the pool
// never queues behind itself.
func NewPool(ctx context.Context, cfg config.TimescaleConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse archive pool config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConnections)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open archive pool: %w", err)
	}
	return pool, nil
}

// PGInserter commits record batches into TimescaleDB. One transaction
// per batch; a failure anywhere rolls the whole batch back.
type PGInserter struct {
	pool *pgxpool.Pool
}

// NewPGInserter creates an inserter over an open pool.
func NewPGInserter(pool *pgxpool.Pool) *PGInserter {
	return &PGInserter{pool: pool}
}

// InsertBatch writes all records in one transaction, one parameterized
// INSERT per record, pipelined through a pgx batch.
func (p *PGInserter) InsertBatch(ctx context.Context, records []Record) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin archive transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	b := &pgx.Batch{}
	for _, r := range records {
		b.Queue(insertSQL,
			r.Timestamp,
			r.SignalReceived,
			r.SignalDelivered,
			r.Target,
			r.Source,
			r.GroupChat,
			r.Mentions,
			r.Content,
			r.CreatedAt,
		)
	}

	br := tx.SendBatch(ctx, b)
	for range records {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert archive record: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close archive batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit archive batch: %w", err)
	}
	return nil
}
