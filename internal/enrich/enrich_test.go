package enrich

import (
	"context"
	"errors"
	"testing"

	"github.com/openfeeds/marketgate/internal/schema"
)

func TestChainAppliesInOrder(t *testing.T) {
	var order []string
	chain := Chain{
		Func(func(ctx context.Context, evt *schema.Event) error {
			order = append(order, "first")
			evt.Flagged = true
			return nil
		}),
		Func(func(ctx context.Context, evt *schema.Event) error {
			order = append(order, "second")
			return nil
		}),
	}

	evt := &schema.Event{Kind: schema.EventTypeTrade, Symbol: "BTCUSDT"}
	if err := chain.Enrich(context.Background(), evt); err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if len(order) != 2 || order[0] != "first" {
		t.Fatalf("order = %v", order)
	}
	if !evt.Flagged {
		t.Fatal("mutation from the first enricher lost")
	}
}

func TestChainStopsAtFirstError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	chain := Chain{
		Func(func(context.Context, *schema.Event) error { return boom }),
		Func(func(context.Context, *schema.Event) error { calls++; return nil }),
	}

	if err := chain.Enrich(context.Background(), &schema.Event{}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if calls != 0 {
		t.Fatal("later enrichers must not run after an error")
	}
}

func TestNoopPassesThrough(t *testing.T) {
	if err := Noop().Enrich(context.Background(), &schema.Event{}); err != nil {
		t.Fatalf("Noop: %v", err)
	}
}
