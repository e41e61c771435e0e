package schema

import (
	"fmt"
	"strings"
)

// StreamKind names a websocket stream family consumed from the exchange.
type StreamKind string

const (
	// StreamKindCandle subscribes to kline/candlestick streams.
	StreamKindCandle StreamKind = "candle"
	// StreamKindTrade subscribes to aggregated trade streams.
	StreamKindTrade StreamKind = "trade"
	// StreamKindDepth subscribes to order book diff streams.
	StreamKindDepth StreamKind = "depth"
	// StreamKindTicker subscribes to best bid/ask streams.
	StreamKindTicker StreamKind = "ticker"
	// StreamKindFunding subscribes to mark price / funding streams.
	StreamKindFunding StreamKind = "funding"
)

// Valid reports whether the stream kind is a recognised family.
func (k StreamKind) Valid() bool {
	switch k {
	case StreamKindCandle, StreamKindTrade, StreamKindDepth, StreamKindTicker, StreamKindFunding:
		return true
	default:
		return false
	}
}

// ParseStreamKind converts a configuration string into a StreamKind.
func ParseStreamKind(raw string) (StreamKind, error) {
	kind := StreamKind(strings.ToLower(strings.TrimSpace(raw)))
	if !kind.Valid() {
		return "", fmt.Errorf("unknown stream kind %q", raw)
	}
	return kind, nil
}

// EventType maps the stream kind to the canonical event category it yields.
func (k StreamKind) EventType() EventType {
	switch k {
	case StreamKindCandle:
		return EventTypeCandle
	case StreamKindTrade:
		return EventTypeTrade
	case StreamKindDepth:
		return EventTypeBookDepth
	case StreamKindTicker:
		return EventTypeTicker
	case StreamKindFunding:
		return EventTypeFunding
	default:
		return ""
	}
}
