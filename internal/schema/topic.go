package schema

import "strings"

// TopicAll is the unfiltered firehose topic carrying every published event.
const TopicAll = "events.all"

// TopicClock carries clock drift measurements.
const TopicClock = "clock"

// Topic derives the hierarchical topic name for the event. Derivation is
// deterministic over (kind, symbol, interval?).
func Topic(evt *Event) string {
	if evt == nil {
		return ""
	}
	symbol := strings.TrimSpace(evt.Symbol)
	switch evt.Kind {
	case EventTypeCandle:
		return "candle." + symbol + "." + strings.TrimSpace(evt.Interval)
	case EventTypeTrade:
		return "trade." + symbol
	case EventTypeBookDepth:
		return "book." + symbol
	case EventTypeTicker:
		return "ticker." + symbol
	case EventTypeFunding:
		return "funding." + symbol
	case EventTypeRules:
		return "rules." + symbol
	case EventTypeResync:
		return "resync." + symbol
	case EventTypeClock:
		return TopicClock
	default:
		return ""
	}
}
