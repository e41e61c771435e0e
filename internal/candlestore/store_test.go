package candlestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openfeeds/marketgate/internal/exchange"
	"github.com/openfeeds/marketgate/internal/schema"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	execs   []execCall
	execErr error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

type fakeKlines struct {
	klines []exchange.Kline
	err    error
}

func (f *fakeKlines) Klines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error) {
	return f.klines, f.err
}

func closedCandle(openMs int64) schema.CandlePayload {
	return schema.CandlePayload{
		Open: "10", High: "12", Low: "9", Close: "11",
		Volume: "100", QuoteVolume: "1050", TradeCount: 7,
		Closed:    true,
		OpenTime:  time.UnixMilli(openMs).UTC(),
		CloseTime: time.UnixMilli(openMs + 59999).UTC(),
	}
}

func TestUpsertCandleBindsAllColumns(t *testing.T) {
	db := &fakeDB{}
	store := NewStore(db)

	if err := store.UpsertCandle(context.Background(), "BTCUSDT", "1m", closedCandle(1700000000000)); err != nil {
		t.Fatalf("UpsertCandle: %v", err)
	}
	if len(db.execs) != 1 {
		t.Fatalf("execs = %d, want 1", len(db.execs))
	}
	call := db.execs[0]
	if len(call.args) != 11 {
		t.Fatalf("args = %d, want 11", len(call.args))
	}
	if call.args[0] != "BTCUSDT" || call.args[1] != "1m" {
		t.Errorf("identity args = %v %v", call.args[0], call.args[1])
	}
}

func TestBackfillSkipsUnfinishedBar(t *testing.T) {
	past := time.Now().Add(-time.Hour).UnixMilli()
	future := time.Now().Add(time.Hour).UnixMilli()
	source := &fakeKlines{klines: []exchange.Kline{
		{OpenTime: past, CloseTime: past + 59999, Open: "10", High: "11", Low: "9", Close: "10.5", Volume: "1", QuoteVolume: "10", TradeCount: 3},
		{OpenTime: past + 60000, CloseTime: past + 119999, Open: "10.5", High: "12", Low: "10", Close: "11", Volume: "2", QuoteVolume: "21", TradeCount: 4},
		{OpenTime: future, CloseTime: future + 59999, Open: "11", High: "11", Low: "11", Close: "11", Volume: "0", QuoteVolume: "0", TradeCount: 0},
	}}
	db := &fakeDB{}
	store := NewStore(db)

	stored, err := store.Backfill(context.Background(), source, "BTCUSDT", "1m", 500)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if stored != 2 {
		t.Fatalf("stored = %d, want 2 (in-progress bar skipped)", stored)
	}
	if len(db.execs) != 2 {
		t.Fatalf("execs = %d, want 2", len(db.execs))
	}
}

func TestBackfillPropagatesSourceError(t *testing.T) {
	store := NewStore(&fakeDB{})
	_, err := store.Backfill(context.Background(), &fakeKlines{err: errors.New("rest down")}, "BTCUSDT", "1m", 10)
	if err == nil {
		t.Fatal("expected source error")
	}
}

type fakeSub struct {
	ch chan *schema.Event
}

func (f *fakeSub) Events() <-chan *schema.Event { return f.ch }

func TestRunPersistsOnlyClosedCandles(t *testing.T) {
	db := &fakeDB{}
	store := NewStore(db)
	sub := &fakeSub{ch: make(chan *schema.Event, 8)}

	open := closedCandle(1700000000000)
	open.Closed = false
	sub.ch <- &schema.Event{Kind: schema.EventTypeCandle, Symbol: "BTCUSDT", Interval: "1m", Payload: open}
	sub.ch <- &schema.Event{Kind: schema.EventTypeCandle, Symbol: "BTCUSDT", Interval: "1m", Payload: closedCandle(1700000060000)}
	sub.ch <- &schema.Event{Kind: schema.EventTypeTrade, Symbol: "BTCUSDT", Payload: schema.TradePayload{Price: "10", Quantity: "1"}}
	close(sub.ch)

	store.Run(context.Background(), sub)

	if len(db.execs) != 1 {
		t.Fatalf("execs = %d, want 1 (only the closed candle)", len(db.execs))
	}
}

func TestMigrateURLRewritesScheme(t *testing.T) {
	got := migrateURL("postgres://user:pw@localhost:5432/marketgate?sslmode=disable")
	want := "pgx5://user:pw@localhost:5432/marketgate?sslmode=disable"
	if got != want {
		t.Fatalf("migrateURL = %q, want %q", got, want)
	}
	if got := migrateURL("pgx5://already"); got != "pgx5://already" {
		t.Fatalf("non-postgres scheme must pass through, got %q", got)
	}
}
