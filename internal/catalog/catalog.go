// Package catalog records run outcomes in Postgres for operator follow-up
// and cross-run reporting. The catalog is optional: without a DSN a noop
// writer is used, and catalog failures never fail a run.
package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/silvercrystal/batch-allocator/internal/config"
	"github.com/silvercrystal/batch-allocator/internal/logging"
	"github.com/silvercrystal/batch-allocator/internal/runs"
	"github.com/silvercrystal/batch-allocator/internal/shards"
)

//go:embed schema.sql
var schemaSQL string

// Writer records run state in the catalog.
type Writer interface {
	StartRun(ctx context.Context, meta runs.Metadata) error
	FinishRun(ctx context.Context, meta runs.Metadata) error
	RecordResults(ctx context.Context, runID string, rows []shards.ResultRow) error
	RecordFailures(ctx context.Context, runID string, rows []shards.ErrorRow) error
	Close()
}

// Open returns a Postgres writer when a DSN is configured, otherwise a noop.
func Open(ctx context.Context, cfg config.CatalogConfig) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return Noop{}, nil
	}
	return openPostgres(ctx, cfg)
}

// Noop discards all catalog writes.
type Noop struct{}

func (Noop) StartRun(context.Context, runs.Metadata) error                   { return nil }
func (Noop) FinishRun(context.Context, runs.Metadata) error                  { return nil }
func (Noop) RecordResults(context.Context, string, []shards.ResultRow) error { return nil }
func (Noop) RecordFailures(context.Context, string, []shards.ErrorRow) error { return nil }
func (Noop) Close()                                                          {}

// PostgresWriter persists catalog records via pgx.
type PostgresWriter struct {
	pool      *pgxpool.Pool
	namespace string
	log       *slog.Logger
}

func openPostgres(ctx context.Context, cfg config.CatalogConfig) (*PostgresWriter, error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect catalog: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply catalog schema: %w", err)
	}
	return &PostgresWriter{
		pool:      pool,
		namespace: cfg.Namespace,
		log:       logging.Component("catalog"),
	}, nil
}

func (w *PostgresWriter) StartRun(ctx context.Context, meta runs.Metadata) error {
	_, err := w.pool.Exec(ctx, `
		INSERT INTO allocation_runs (run_id, namespace, started_at, status, workers)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			workers = EXCLUDED.workers`,
		meta.RunID, w.namespace, meta.StartedAt, meta.Status, meta.Workers)
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

func (w *PostgresWriter) FinishRun(ctx context.Context, meta runs.Metadata) error {
	_, err := w.pool.Exec(ctx, `
		UPDATE allocation_runs
		SET finished_at = $2, status = $3, orders_placed = $4, orders_failed = $5
		WHERE run_id = $1`,
		meta.RunID, meta.FinishedAt, meta.Status, meta.OrdersPlaced, meta.OrdersFailed)
	if err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}
	return nil
}

func (w *PostgresWriter) RecordResults(ctx context.Context, runID string, rows []shards.ResultRow) error {
	for _, row := range rows {
		_, err := w.pool.Exec(ctx, `
			INSERT INTO batch_results (run_id, batch_name, due_date, orders_batched, so_count)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (run_id, batch_name) DO UPDATE SET
				orders_batched = EXCLUDED.orders_batched,
				so_count = EXCLUDED.so_count`,
			runID, row.BatchName, row.DueDate, row.OrdersBatched, row.SOCount)
		if err != nil {
			return fmt.Errorf("record batch result %s: %w", row.BatchName, err)
		}
	}
	return nil
}

func (w *PostgresWriter) RecordFailures(ctx context.Context, runID string, rows []shards.ErrorRow) error {
	for _, row := range rows {
		_, err := w.pool.Exec(ctx, `
			INSERT INTO order_failures (run_id, batch_name, so_num, reason)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (run_id, batch_name, so_num) DO UPDATE SET
				reason = EXCLUDED.reason`,
			runID, row.BatchName, row.SONum, row.Reason)
		if err != nil {
			return fmt.Errorf("record order failure %s: %w", row.SONum, err)
		}
	}
	return nil
}

func (w *PostgresWriter) Close() {
	w.pool.Close()
	w.log.Debug("catalog closed")
}
