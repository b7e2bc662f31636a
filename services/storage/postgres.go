package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sjsage522/mallcrawler/internal/crawler"
	"sjsage522/mallcrawler/logger"
)

// Store persists the output of a run.
type Store interface {
	SaveRun(ctx context.Context, res *crawler.RunResult) error
	Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id               TEXT PRIMARY KEY,
	source_target_id TEXT NOT NULL,
	title            TEXT NOT NULL,
	price            BIGINT NOT NULL,
	original_price   BIGINT,
	image_url        TEXT,
	images           JSONB NOT NULL DEFAULT '[]',
	item_url         TEXT NOT NULL,
	category         TEXT,
	tags             JSONB NOT NULL DEFAULT '[]',
	in_stock         BOOLEAN,
	description      TEXT,
	discovered_at    TIMESTAMPTZ NOT NULL,
	last_run_id      TEXT NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS items_target_idx ON items (source_target_id);
CREATE TABLE IF NOT EXISTS crawl_runs (
	run_id      TEXT PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	cancelled   BOOLEAN NOT NULL,
	item_count  INTEGER NOT NULL,
	diagnostics JSONB NOT NULL
);`

const upsertItem = `
INSERT INTO items (id, source_target_id, title, price, original_price, image_url, images,
	item_url, category, tags, in_stock, description, discovered_at, last_run_id, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14, now())
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	price = EXCLUDED.price,
	original_price = EXCLUDED.original_price,
	image_url = EXCLUDED.image_url,
	images = EXCLUDED.images,
	item_url = EXCLUDED.item_url,
	category = EXCLUDED.category,
	tags = EXCLUDED.tags,
	in_stock = EXCLUDED.in_stock,
	description = EXCLUDED.description,
	last_run_id = EXCLUDED.last_run_id,
	updated_at = now()`

const batchSize = 500

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewPostgresStore connects to dsn and makes sure the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	poolConfig.MaxConns = 4
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, log: logger.ForStore()}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the tables if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveRun upserts every item and records the run diagnostics in one transaction.
func (s *PostgresStore) SaveRun(ctx context.Context, res *crawler.RunResult) error {
	diag, err := json.Marshal(res.Diagnostics)
	if err != nil {
		return fmt.Errorf("failed to encode diagnostics: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	upserted, err := upsertItems(ctx, tx, res.RunID, res.Items)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO crawl_runs (run_id, started_at, finished_at, cancelled, item_count, diagnostics)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (run_id) DO UPDATE SET finished_at = EXCLUDED.finished_at,
		 	cancelled = EXCLUDED.cancelled, item_count = EXCLUDED.item_count, diagnostics = EXCLUDED.diagnostics`,
		res.RunID, res.Diagnostics.StartedAt, res.Diagnostics.FinishedAt, res.Diagnostics.Cancelled, len(res.Items), diag,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", res.RunID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info().Str("run_id", res.RunID).Int("items", upserted).Msg("Run stored")
	return nil
}

func upsertItems(ctx context.Context, tx pgx.Tx, runID string, items []crawler.Item) (int, error) {
	total := 0
	for i := 0; i < len(items); i += batchSize {
		chunk := items[i:min(i+batchSize, len(items))]

		b := &pgx.Batch{}
		for _, it := range chunk {
			images, _ := json.Marshal(it.Images)
			tags, _ := json.Marshal(it.Tags)
			b.Queue(upsertItem,
				it.ID, it.SourceTargetID, it.Title, it.Price, it.OriginalPrice, it.ImageURL, images,
				it.ItemURL, it.Category, tags, it.InStock, it.Description, it.DiscoveredAt, runID,
			)
		}

		br := tx.SendBatch(ctx, b)
		for range chunk {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return total, fmt.Errorf("failed to upsert item: %w", err)
			}
			total += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// CountItems returns the number of stored items of a target.
func (s *PostgresStore) CountItems(ctx context.Context, targetID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM items WHERE source_target_id = $1`, targetID).Scan(&n)
	return n, err
}

// Close closes the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
