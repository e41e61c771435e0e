package normalize

import (
	"testing"
	"time"

	"github.com/openfeeds/marketgate/errs"
	"github.com/openfeeds/marketgate/internal/rules"
	"github.com/openfeeds/marketgate/internal/schema"
)

const klineJSON = `{
  "e": "kline", "E": 1700000001000, "s": "BTCUSDT",
  "k": {
    "t": 1700000000000, "T": 1700000059999, "i": "1m",
    "o": "42000.10", "c": "42100.50", "h": "42150.00", "l": "41990.00",
    "v": "12.345", "q": "519876.11", "n": 321, "x": false
  }
}`

const aggTradeJSON = `{
  "e": "aggTrade", "E": 1700000002000, "s": "BTCUSDT",
  "a": 5550001, "p": "42100.50", "q": "0.250", "T": 1700000001998, "m": true
}`

const bookTickerJSON = `{
  "e": "bookTicker", "E": 1700000003000, "s": "BTCUSDT",
  "u": 8810001, "b": "42100.40", "B": "3.2", "a": "42100.60", "A": "1.1"
}`

const markPriceJSON = `{
  "e": "markPriceUpdate", "E": 1700000004000, "s": "BTCUSDT",
  "p": "42101.00", "i": "42099.80", "r": "0.0001", "T": 1700028800000
}`

const depthJSON = `{
  "e": "depthUpdate", "E": 1700000005000, "s": "BTCUSDT",
  "U": 100, "u": 105,
  "b": [["42100.40", "2.0"]], "a": [["42100.60", "0"]]
}`

func strictNormalizer() *Normalizer {
	return New(Config{Strict: true, DropInvalid: true})
}

func TestNormalizeKline(t *testing.T) {
	evt, err := strictNormalizer().Normalize([]byte(klineJSON))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if evt.Kind != schema.EventTypeCandle {
		t.Errorf("kind = %s, want %s", evt.Kind, schema.EventTypeCandle)
	}
	if evt.Symbol != "BTCUSDT" || evt.Interval != "1m" {
		t.Errorf("identity = %s/%s, want BTCUSDT/1m", evt.Symbol, evt.Interval)
	}
	if evt.SchemaVersion != schema.SchemaVersion {
		t.Errorf("schema version = %d, want %d", evt.SchemaVersion, schema.SchemaVersion)
	}
	if got := schema.Topic(evt); got != "candle.BTCUSDT.1m" {
		t.Errorf("topic = %q, want candle.BTCUSDT.1m", got)
	}
	payload := evt.Payload.(schema.CandlePayload)
	if payload.High != "42150.00" || payload.TradeCount != 321 || payload.Closed {
		t.Errorf("unexpected payload %+v", payload)
	}
	if !payload.OpenTime.Equal(time.UnixMilli(1700000000000).UTC()) {
		t.Errorf("open time = %s", payload.OpenTime)
	}
}

func TestNormalizeAggTrade(t *testing.T) {
	evt, err := strictNormalizer().Normalize([]byte(aggTradeJSON))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if evt.Kind != schema.EventTypeTrade {
		t.Errorf("kind = %s, want %s", evt.Kind, schema.EventTypeTrade)
	}
	if evt.SourceSeq != 5550001 {
		t.Errorf("sourceSeq = %d, want trade id", evt.SourceSeq)
	}
	payload := evt.Payload.(schema.TradePayload)
	if payload.Price != "42100.50" || !payload.BuyerIsMaker {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestNormalizeBookTicker(t *testing.T) {
	evt, err := strictNormalizer().Normalize([]byte(bookTickerJSON))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if evt.Kind != schema.EventTypeTicker {
		t.Errorf("kind = %s, want %s", evt.Kind, schema.EventTypeTicker)
	}
	payload := evt.Payload.(schema.TickerPayload)
	if payload.BidPrice != "42100.40" || payload.AskQuantity != "1.1" {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestNormalizeMarkPrice(t *testing.T) {
	evt, err := strictNormalizer().Normalize([]byte(markPriceJSON))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if evt.Kind != schema.EventTypeFunding {
		t.Errorf("kind = %s, want %s", evt.Kind, schema.EventTypeFunding)
	}
	payload := evt.Payload.(schema.FundingPayload)
	if payload.FundingRate != "0.0001" {
		t.Errorf("funding rate = %s", payload.FundingRate)
	}
	if !payload.NextFundingTime.Equal(time.UnixMilli(1700028800000).UTC()) {
		t.Errorf("next funding = %s", payload.NextFundingTime)
	}
}

func TestDepthDiff(t *testing.T) {
	diff, err := strictNormalizer().DepthDiff([]byte(depthJSON))
	if err != nil {
		t.Fatalf("DepthDiff: %v", err)
	}
	if diff.FirstUpdateID != 100 || diff.FinalUpdateID != 105 {
		t.Errorf("range = %d..%d, want 100..105", diff.FirstUpdateID, diff.FinalUpdateID)
	}
	if len(diff.Bids) != 1 || diff.Bids[0][0] != "42100.40" {
		t.Errorf("unexpected bids %v", diff.Bids)
	}
}

func TestNormalizeRejectsDepthFrames(t *testing.T) {
	if _, err := strictNormalizer().Normalize([]byte(depthJSON)); err == nil {
		t.Fatal("depth frames must be rejected by Normalize")
	}
}

func TestUnknownFrameTypeIsMalformed(t *testing.T) {
	_, err := strictNormalizer().Normalize([]byte(`{"e":"listenKeyExpired"}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if errs.CodeOf(err) != errs.CodeMalformed {
		t.Fatalf("code = %s, want %s", errs.CodeOf(err), errs.CodeMalformed)
	}
}

func TestStrictValidationDropsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"zero trade price", `{"e":"aggTrade","E":1,"s":"BTCUSDT","a":1,"p":"0","q":"1","T":1,"m":false}`},
		{"negative trade quantity", `{"e":"aggTrade","E":1,"s":"BTCUSDT","a":1,"p":"10","q":"-1","T":1,"m":false}`},
		{"high below close", `{"e":"kline","E":1,"s":"BTCUSDT","k":{"t":1,"T":2,"i":"1m","o":"10","c":"12","h":"11","l":"9","v":"1","q":"1","n":1,"x":true}}`},
		{"low above open", `{"e":"kline","E":1,"s":"BTCUSDT","k":{"t":1,"T":2,"i":"1m","o":"10","c":"12","h":"13","l":"11","v":"1","q":"1","n":1,"x":true}}`},
		{"crossed ticker", `{"e":"bookTicker","E":1,"s":"BTCUSDT","u":1,"b":"11","B":"1","a":"10","A":"1"}`},
		{"non-decimal price", `{"e":"aggTrade","E":1,"s":"BTCUSDT","a":1,"p":"abc","q":"1","T":1,"m":false}`},
	}
	n := strictNormalizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize([]byte(tt.frame))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if errs.CodeOf(err) != errs.CodeInvalid {
				t.Fatalf("code = %s, want %s", errs.CodeOf(err), errs.CodeInvalid)
			}
		})
	}
}

func TestLenientModeFlagsInsteadOfDropping(t *testing.T) {
	n := New(Config{Strict: true, DropInvalid: false})
	evt, err := n.Normalize([]byte(`{"e":"aggTrade","E":1,"s":"BTCUSDT","a":1,"p":"0","q":"1","T":1,"m":false}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !evt.Flagged {
		t.Fatal("invalid event must be flagged when not dropped")
	}
}

func TestValidationDisabledPassesThrough(t *testing.T) {
	n := New(Config{Strict: false})
	evt, err := n.Normalize([]byte(`{"e":"aggTrade","E":1,"s":"BTCUSDT","a":1,"p":"0","q":"1","T":1,"m":false}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if evt.Flagged {
		t.Fatal("event must not be flagged when validation is off")
	}
}

type fakeRules map[string]rules.SymbolRules

func (f fakeRules) Get(symbol string) (rules.SymbolRules, bool) {
	rule, ok := f[symbol]
	return rule, ok
}

func TestIngestTimestampUsesServerClock(t *testing.T) {
	serverTime := time.Date(2025, 6, 1, 12, 0, 0, 250_000_000, time.UTC)
	n := strictNormalizer()
	n.UseServerClock(func() time.Time { return serverTime })

	evt, err := n.Normalize([]byte(aggTradeJSON))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !evt.IngestTS.Equal(serverTime) {
		t.Fatalf("ingestTS = %s, want corrected server time %s", evt.IngestTS, serverTime)
	}
}

func TestRulesValidation(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		rule  rules.SymbolRules
		valid bool
	}{
		{
			name:  "trade price off tick",
			frame: `{"e":"aggTrade","E":1,"s":"BTCUSDT","a":1,"p":"42100.50","q":"0.250","T":1,"m":false}`,
			rule:  rules.SymbolRules{Symbol: "BTCUSDT", TickSize: "1", StepSize: "0.001"},
		},
		{
			name:  "trade quantity off step",
			frame: `{"e":"aggTrade","E":1,"s":"BTCUSDT","a":1,"p":"42100.50","q":"0.250","T":1,"m":false}`,
			rule:  rules.SymbolRules{Symbol: "BTCUSDT", TickSize: "0.01", StepSize: "0.1"},
		},
		{
			name:  "ask price off tick",
			frame: `{"e":"bookTicker","E":1,"s":"BTCUSDT","u":1,"b":"42100.40","B":"1","a":"42100.65","A":"1"}`,
			rule:  rules.SymbolRules{Symbol: "BTCUSDT", TickSize: "0.1"},
		},
		{
			name:  "aligned trade passes",
			frame: `{"e":"aggTrade","E":1,"s":"BTCUSDT","a":1,"p":"42100.50","q":"0.250","T":1,"m":false}`,
			rule:  rules.SymbolRules{Symbol: "BTCUSDT", TickSize: "0.01", StepSize: "0.001"},
			valid: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := strictNormalizer()
			n.UseRules(fakeRules{"BTCUSDT": tt.rule})
			evt, err := n.Normalize([]byte(tt.frame))
			if tt.valid {
				if err != nil {
					t.Fatalf("Normalize: %v", err)
				}
				if evt.Flagged {
					t.Fatal("aligned event must not be flagged")
				}
				return
			}
			if err == nil {
				t.Fatal("expected rule violation")
			}
			if errs.CodeOf(err) != errs.CodeInvalid {
				t.Fatalf("code = %s, want %s", errs.CodeOf(err), errs.CodeInvalid)
			}
		})
	}
}

func TestRulesValidationSkipsUnknownSymbols(t *testing.T) {
	n := strictNormalizer()
	n.UseRules(fakeRules{"ETHUSDT": {Symbol: "ETHUSDT", TickSize: "1"}})
	if _, err := n.Normalize([]byte(aggTradeJSON)); err != nil {
		t.Fatalf("symbols without cached rules must pass: %v", err)
	}
}

func TestRuleViolationFlagsWhenNotDropping(t *testing.T) {
	n := New(Config{Strict: true, DropInvalid: false})
	n.UseRules(fakeRules{"BTCUSDT": {Symbol: "BTCUSDT", TickSize: "1"}})
	evt, err := n.Normalize([]byte(aggTradeJSON))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !evt.Flagged {
		t.Fatal("rule violation must flag the event when not dropped")
	}
}

func TestMissingSymbolIsMalformed(t *testing.T) {
	_, err := strictNormalizer().Normalize([]byte(`{"e":"aggTrade","E":1,"a":1,"p":"10","q":"1","T":1,"m":false}`))
	if err == nil {
		t.Fatal("expected error for missing symbol")
	}
	if errs.CodeOf(err) != errs.CodeMalformed {
		t.Fatalf("code = %s, want %s", errs.CodeOf(err), errs.CodeMalformed)
	}
}
