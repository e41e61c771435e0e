// Package schema defines canonical event schemas and payload types.
package schema

import (
	"fmt"
	"strings"
	"time"
)

// SchemaVersion identifies the canonical event schema revision stamped on
// every published event.
const SchemaVersion = 1

// EventType enumerates canonical event categories.
type EventType string

const (
	// EventTypeCandle identifies OHLCV bar events.
	EventTypeCandle EventType = "Candle"
	// EventTypeTrade identifies trade executions.
	EventTypeTrade EventType = "Trade"
	// EventTypeBookDepth identifies order book top-of-depth publications.
	EventTypeBookDepth EventType = "BookDepth"
	// EventTypeTicker identifies best bid/ask updates.
	EventTypeTicker EventType = "Ticker"
	// EventTypeFunding identifies mark price and funding rate updates.
	EventTypeFunding EventType = "Funding"
	// EventTypeRules identifies symbol trading rule publications.
	EventTypeRules EventType = "Rules"
	// EventTypeClock identifies clock drift measurements.
	EventTypeClock EventType = "Clock"
	// EventTypeResync identifies order book resync notifications.
	EventTypeResync EventType = "Resync"
)

// Event represents a canonical event emitted by the gateway pipeline.
type Event struct {
	EventID       string    `json:"event_id"`
	Kind          EventType `json:"kind"`
	Symbol        string    `json:"symbol"`
	Interval      string    `json:"interval,omitempty"`
	EventTime     time.Time `json:"event_time"`
	IngestTS      time.Time `json:"ingest_ts"`
	EmitTS        time.Time `json:"emit_ts"`
	SourceSeq     uint64    `json:"source_seq,omitempty"`
	SchemaVersion int       `json:"schema_version"`
	Flagged       bool      `json:"flagged,omitempty"`
	Payload       any       `json:"payload"`
}

// Key returns the canonical identity used for deduplication:
// (kind, symbol, eventTime, sourceSeq).
func (e *Event) Key() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s:%s:%d:%d", e.Kind, e.Symbol, e.EventTime.UnixMilli(), e.SourceSeq)
}

// Validate checks the minimum shape required for publication.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("event is nil")
	}
	if e.Kind == "" {
		return fmt.Errorf("event kind required")
	}
	if e.Kind != EventTypeClock && strings.TrimSpace(e.Symbol) == "" {
		return fmt.Errorf("event symbol required for kind %s", e.Kind)
	}
	return nil
}

// Clone returns a shallow copy safe to hand to an independent subscriber.
// Payload structs are value types, so the copy does not alias mutable state.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	dup := *e
	return &dup
}

// PriceLevel describes an order book price level using decimal strings.
type PriceLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// CandlePayload represents an OHLCV bar.
type CandlePayload struct {
	Open        string    `json:"open"`
	High        string    `json:"high"`
	Low         string    `json:"low"`
	Close       string    `json:"close"`
	Volume      string    `json:"volume"`
	QuoteVolume string    `json:"quote_volume"`
	TradeCount  int64     `json:"trade_count"`
	Closed      bool      `json:"closed"`
	OpenTime    time.Time `json:"open_time"`
	CloseTime   time.Time `json:"close_time"`
}

// TradePayload represents an executed trade.
type TradePayload struct {
	TradeID      uint64    `json:"trade_id"`
	Price        string    `json:"price"`
	Quantity     string    `json:"quantity"`
	BuyerIsMaker bool      `json:"buyer_is_maker"`
	Timestamp    time.Time `json:"timestamp"`
}

// BookDepthPayload conveys the top levels of a reconstructed order book.
// Bids are sorted descending by price, asks ascending.
type BookDepthPayload struct {
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	LastUpdateID uint64       `json:"last_update_id"`
	Timestamp    time.Time    `json:"timestamp"`
}

// TickerPayload conveys best bid/ask with sizes.
type TickerPayload struct {
	BidPrice    string    `json:"bid_price"`
	BidQuantity string    `json:"bid_quantity"`
	AskPrice    string    `json:"ask_price"`
	AskQuantity string    `json:"ask_quantity"`
	Timestamp   time.Time `json:"timestamp"`
}

// FundingPayload conveys mark/index price and funding schedule.
type FundingPayload struct {
	MarkPrice       string    `json:"mark_price"`
	IndexPrice      string    `json:"index_price"`
	FundingRate     string    `json:"funding_rate"`
	NextFundingTime time.Time `json:"next_funding_time"`
	Timestamp       time.Time `json:"timestamp"`
}

// RulesPayload conveys per-symbol trading constraints stamped with the
// rules-set version hash.
type RulesPayload struct {
	Symbol      string `json:"symbol"`
	TickSize    string `json:"tick_size"`
	StepSize    string `json:"step_size"`
	MinNotional string `json:"min_notional"`
	MaxNotional string `json:"max_notional,omitempty"`
	Status      string `json:"status"`
	RulesHash   string `json:"rules_hash"`
}

// ClockPayload conveys a drift measurement against the exchange clock.
type ClockPayload struct {
	DriftMs     int64     `json:"drift_ms"`
	RoundTripMs int64     `json:"round_trip_ms"`
	MeasuredAt  time.Time `json:"measured_at"`
}

// ResyncPayload notifies consumers that a symbol's book replica went stale
// and a fresh snapshot is being fetched.
type ResyncPayload struct {
	LastUpdateID uint64 `json:"last_update_id"`
	GapFirstID   uint64 `json:"gap_first_id"`
	Reason       string `json:"reason"`
}
