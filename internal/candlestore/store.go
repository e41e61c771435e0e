// Package candlestore persists closed candles to PostgreSQL.
package candlestore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openfeeds/marketgate/internal/exchange"
	"github.com/openfeeds/marketgate/internal/observability"
	"github.com/openfeeds/marketgate/internal/schema"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const upsertSQL = `
INSERT INTO candles
    (symbol, interval, open_time, close_time, open, high, low, close, volume, quote_volume, trade_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
    close_time   = EXCLUDED.close_time,
    open         = EXCLUDED.open,
    high         = EXCLUDED.high,
    low          = EXCLUDED.low,
    close        = EXCLUDED.close,
    volume       = EXCLUDED.volume,
    quote_volume = EXCLUDED.quote_volume,
    trade_count  = EXCLUDED.trade_count`

const recentSQL = `
SELECT open_time, close_time, open, high, low, close, volume, quote_volume, trade_count
FROM candles
WHERE symbol = $1 AND interval = $2
ORDER BY open_time DESC
LIMIT $3`

// DB is the query surface the store needs; *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// KlineSource fetches historical candles for backfill.
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error)
}

// Store writes candle history into PostgreSQL.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// Open connects to the database, applies pending migrations, and returns a
// ready store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect candle store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping candle store: %w", err)
	}
	return &Store{db: pool, pool: pool}, nil
}

// NewStore wraps an existing database handle without running migrations.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema migrations.
func Migrate(dsn string) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer func() {
		_, _ = m.Close()
	}()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// migrateURL rewrites a postgres DSN onto the migrate pgx/v5 driver scheme.
func migrateURL(dsn string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, scheme) {
			return "pgx5://" + strings.TrimPrefix(dsn, scheme)
		}
	}
	return dsn
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// UpsertCandle writes one candle, replacing any previous row for the same
// (symbol, interval, open time).
func (s *Store) UpsertCandle(ctx context.Context, symbol, interval string, candle schema.CandlePayload) error {
	_, err := s.db.Exec(ctx, upsertSQL,
		symbol, interval,
		candle.OpenTime, candle.CloseTime,
		candle.Open, candle.High, candle.Low, candle.Close,
		candle.Volume, candle.QuoteVolume, candle.TradeCount)
	if err != nil {
		return fmt.Errorf("upsert candle %s/%s: %w", symbol, interval, err)
	}
	return nil
}

// RecentCandles returns up to limit candles ordered newest first.
func (s *Store) RecentCandles(ctx context.Context, symbol, interval string, limit int) ([]schema.CandlePayload, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, recentSQL, symbol, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("query candles %s/%s: %w", symbol, interval, err)
	}
	defer rows.Close()

	var out []schema.CandlePayload
	for rows.Next() {
		var candle schema.CandlePayload
		candle.Closed = true
		if err := rows.Scan(
			&candle.OpenTime, &candle.CloseTime,
			&candle.Open, &candle.High, &candle.Low, &candle.Close,
			&candle.Volume, &candle.QuoteVolume, &candle.TradeCount,
		); err != nil {
			return nil, fmt.Errorf("scan candle row: %w", err)
		}
		out = append(out, candle)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candle rows: %w", err)
	}
	return out, nil
}

// Backfill loads recent history for the symbol and interval over REST and
// persists it. Only bars whose close time has passed are stored; the
// in-progress bar arrives later through the stream.
func (s *Store) Backfill(ctx context.Context, source KlineSource, symbol, interval string, bars int) (int, error) {
	klines, err := source.Klines(ctx, symbol, interval, bars)
	if err != nil {
		return 0, err
	}
	stored := 0
	now := time.Now()
	for _, kline := range klines {
		closeTime := time.UnixMilli(kline.CloseTime).UTC()
		if closeTime.After(now) {
			continue
		}
		candle := schema.CandlePayload{
			Open:        kline.Open,
			High:        kline.High,
			Low:         kline.Low,
			Close:       kline.Close,
			Volume:      kline.Volume,
			QuoteVolume: kline.QuoteVolume,
			TradeCount:  kline.TradeCount,
			Closed:      true,
			OpenTime:    time.UnixMilli(kline.OpenTime).UTC(),
			CloseTime:   closeTime,
		}
		if err := s.UpsertCandle(ctx, symbol, interval, candle); err != nil {
			return stored, err
		}
		stored++
	}
	return stored, nil
}

// CandleEvents is the subscription surface Run consumes.
type CandleEvents interface {
	Events() <-chan *schema.Event
}

// Run consumes candle events and persists every closed bar until the
// subscription or the context ends. Open bars are skipped; they are
// rewritten each stream tick and only their final shape matters here.
func (s *Store) Run(ctx context.Context, sub CandleEvents) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt == nil || evt.Kind != schema.EventTypeCandle {
				continue
			}
			candle, ok := evt.Payload.(schema.CandlePayload)
			if !ok || !candle.Closed {
				continue
			}
			if err := s.UpsertCandle(ctx, evt.Symbol, evt.Interval, candle); err != nil && ctx.Err() == nil {
				observability.Log().Error("candle persist failed",
					observability.F("symbol", evt.Symbol),
					observability.F("interval", evt.Interval),
					observability.F("error", err))
			}
		}
	}
}
