// Package normalize decodes raw exchange stream frames into canonical events.
package normalize

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openfeeds/marketgate/errs"
	"github.com/openfeeds/marketgate/internal/book"
	"github.com/openfeeds/marketgate/internal/rules"
	"github.com/openfeeds/marketgate/internal/schema"
)

const exchangeName = "binance"

// Frame event type discriminators used by the exchange.
const (
	frameKline       = "kline"
	frameAggTrade    = "aggTrade"
	frameDepthUpdate = "depthUpdate"
	frameBookTicker  = "bookTicker"
	frameMarkPrice   = "markPriceUpdate"
)

// Config tunes validation behaviour.
type Config struct {
	// Strict enables semantic validation beyond structural decoding.
	Strict bool
	// DropInvalid drops events failing validation; when false they pass
	// through flagged instead.
	DropInvalid bool
}

// RuleSource exposes cached trading rules for validation lookups.
type RuleSource interface {
	Get(symbol string) (rules.SymbolRules, bool)
}

// Normalizer converts raw frames into schema events.
type Normalizer struct {
	cfg       Config
	serverNow func() time.Time
	rules     RuleSource
}

// New builds a Normalizer. Ingest timestamps default to the local clock
// until UseServerClock supplies a corrected source.
func New(cfg Config) *Normalizer {
	return &Normalizer{cfg: cfg, serverNow: time.Now}
}

// UseServerClock makes ingest timestamps come from the given source,
// typically the local clock offset by the measured exchange drift. Must be
// set before frames flow.
func (n *Normalizer) UseServerClock(now func() time.Time) {
	if now != nil {
		n.serverNow = now
	}
}

// UseRules wires a rule source so decoded values are checked against the
// symbol's trading constraints. Must be set before frames flow.
func (n *Normalizer) UseRules(source RuleSource) {
	n.rules = source
}

type frameHeader struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
}

type klineFrame struct {
	frameHeader
	Kline struct {
		OpenTime    int64  `json:"t"`
		CloseTime   int64  `json:"T"`
		Interval    string `json:"i"`
		Open        string `json:"o"`
		Close       string `json:"c"`
		High        string `json:"h"`
		Low         string `json:"l"`
		Volume      string `json:"v"`
		QuoteVolume string `json:"q"`
		TradeCount  int64  `json:"n"`
		Closed      bool   `json:"x"`
	} `json:"k"`
}

type aggTradeFrame struct {
	frameHeader
	TradeID      uint64 `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

type bookTickerFrame struct {
	frameHeader
	UpdateID    uint64 `json:"u"`
	BidPrice    string `json:"b"`
	BidQuantity string `json:"B"`
	AskPrice    string `json:"a"`
	AskQuantity string `json:"A"`
}

type markPriceFrame struct {
	frameHeader
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

type depthFrame struct {
	frameHeader
	FirstUpdateID uint64     `json:"U"`
	FinalUpdateID uint64     `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// Normalize decodes one frame into a canonical event. Depth frames are not
// handled here; they feed the book reconstructor through DepthDiff.
func (n *Normalizer) Normalize(frame []byte) (*schema.Event, error) {
	var header frameHeader
	if err := json.Unmarshal(frame, &header); err != nil {
		return nil, errs.New(exchangeName, errs.CodeMalformed,
			errs.WithMessage("decode frame header"), errs.WithCause(err))
	}

	switch header.EventType {
	case frameKline:
		return n.normalizeKline(frame)
	case frameAggTrade:
		return n.normalizeAggTrade(frame)
	case frameBookTicker:
		return n.normalizeBookTicker(frame)
	case frameMarkPrice:
		return n.normalizeMarkPrice(frame)
	case frameDepthUpdate:
		return nil, errs.New(exchangeName, errs.CodeInvalid,
			errs.WithMessage("depth frames are handled by the book reconstructor"))
	default:
		return nil, errs.New(exchangeName, errs.CodeMalformed,
			errs.WithMessage(fmt.Sprintf("unknown frame type %q", header.EventType)))
	}
}

// DepthDiff decodes a depth frame into a book diff.
func (n *Normalizer) DepthDiff(frame []byte) (book.Diff, error) {
	var raw depthFrame
	if err := json.Unmarshal(frame, &raw); err != nil {
		return book.Diff{}, errs.New(exchangeName, errs.CodeMalformed,
			errs.WithMessage("decode depth frame"), errs.WithCause(err))
	}
	if raw.EventType != frameDepthUpdate {
		return book.Diff{}, errs.New(exchangeName, errs.CodeMalformed,
			errs.WithMessage(fmt.Sprintf("frame type %q is not a depth update", raw.EventType)))
	}
	if raw.FinalUpdateID < raw.FirstUpdateID {
		return book.Diff{}, errs.New(exchangeName, errs.CodeMalformed,
			errs.WithMessage(fmt.Sprintf("depth range inverted: U=%d u=%d", raw.FirstUpdateID, raw.FinalUpdateID)))
	}
	return book.Diff{
		FirstUpdateID: raw.FirstUpdateID,
		FinalUpdateID: raw.FinalUpdateID,
		EventTime:     time.UnixMilli(raw.EventTime).UTC(),
		Bids:          raw.Bids,
		Asks:          raw.Asks,
	}, nil
}

func (n *Normalizer) normalizeKline(frame []byte) (*schema.Event, error) {
	var raw klineFrame
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, errs.New(exchangeName, errs.CodeMalformed,
			errs.WithMessage("decode kline frame"), errs.WithCause(err))
	}
	evt := n.newEvent(schema.EventTypeCandle, raw.frameHeader)
	evt.Interval = raw.Kline.Interval
	evt.Payload = schema.CandlePayload{
		Open:        raw.Kline.Open,
		High:        raw.Kline.High,
		Low:         raw.Kline.Low,
		Close:       raw.Kline.Close,
		Volume:      raw.Kline.Volume,
		QuoteVolume: raw.Kline.QuoteVolume,
		TradeCount:  raw.Kline.TradeCount,
		Closed:      raw.Kline.Closed,
		OpenTime:    time.UnixMilli(raw.Kline.OpenTime).UTC(),
		CloseTime:   time.UnixMilli(raw.Kline.CloseTime).UTC(),
	}
	return n.validated(evt, validateCandle(evt.Payload.(schema.CandlePayload)))
}

func (n *Normalizer) normalizeAggTrade(frame []byte) (*schema.Event, error) {
	var raw aggTradeFrame
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, errs.New(exchangeName, errs.CodeMalformed,
			errs.WithMessage("decode trade frame"), errs.WithCause(err))
	}
	evt := n.newEvent(schema.EventTypeTrade, raw.frameHeader)
	evt.SourceSeq = raw.TradeID
	evt.Payload = schema.TradePayload{
		TradeID:      raw.TradeID,
		Price:        raw.Price,
		Quantity:     raw.Quantity,
		BuyerIsMaker: raw.BuyerIsMaker,
		Timestamp:    time.UnixMilli(raw.TradeTime).UTC(),
	}
	return n.validated(evt, validateTrade(evt.Payload.(schema.TradePayload)))
}

func (n *Normalizer) normalizeBookTicker(frame []byte) (*schema.Event, error) {
	var raw bookTickerFrame
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, errs.New(exchangeName, errs.CodeMalformed,
			errs.WithMessage("decode ticker frame"), errs.WithCause(err))
	}
	evt := n.newEvent(schema.EventTypeTicker, raw.frameHeader)
	evt.SourceSeq = raw.UpdateID
	evt.Payload = schema.TickerPayload{
		BidPrice:    raw.BidPrice,
		BidQuantity: raw.BidQuantity,
		AskPrice:    raw.AskPrice,
		AskQuantity: raw.AskQuantity,
		Timestamp:   time.UnixMilli(raw.EventTime).UTC(),
	}
	return n.validated(evt, validateTicker(evt.Payload.(schema.TickerPayload)))
}

func (n *Normalizer) normalizeMarkPrice(frame []byte) (*schema.Event, error) {
	var raw markPriceFrame
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, errs.New(exchangeName, errs.CodeMalformed,
			errs.WithMessage("decode mark price frame"), errs.WithCause(err))
	}
	evt := n.newEvent(schema.EventTypeFunding, raw.frameHeader)
	evt.Payload = schema.FundingPayload{
		MarkPrice:       raw.MarkPrice,
		IndexPrice:      raw.IndexPrice,
		FundingRate:     raw.FundingRate,
		NextFundingTime: time.UnixMilli(raw.NextFundingTime).UTC(),
		Timestamp:       time.UnixMilli(raw.EventTime).UTC(),
	}
	return n.validated(evt, validateFunding(evt.Payload.(schema.FundingPayload)))
}

func (n *Normalizer) newEvent(kind schema.EventType, header frameHeader) *schema.Event {
	return &schema.Event{
		EventID:       uuid.NewString(),
		Kind:          kind,
		Symbol:        header.Symbol,
		EventTime:     time.UnixMilli(header.EventTime).UTC(),
		IngestTS:      n.serverNow().UTC(),
		SchemaVersion: schema.SchemaVersion,
	}
}

// validated applies the drop-or-flag policy to a semantic validation result.
func (n *Normalizer) validated(evt *schema.Event, verr error) (*schema.Event, error) {
	if structural := evt.Validate(); structural != nil {
		return nil, errs.New(exchangeName, errs.CodeMalformed,
			errs.WithMessage(structural.Error()))
	}
	if verr == nil {
		verr = n.rulesError(evt)
	}
	if !n.cfg.Strict || verr == nil {
		return evt, nil
	}
	if n.cfg.DropInvalid {
		return nil, errs.New(exchangeName, errs.CodeInvalid,
			errs.WithMessage(verr.Error()))
	}
	evt.Flagged = true
	return evt, nil
}

// rulesError validates decoded values against the symbol's cached trading
// rules. A missing rule record skips the check; streams start before the
// first rules load for unscoped symbols.
func (n *Normalizer) rulesError(evt *schema.Event) error {
	if n.rules == nil {
		return nil
	}
	rule, ok := n.rules.Get(evt.Symbol)
	if !ok {
		return nil
	}
	switch payload := evt.Payload.(type) {
	case schema.TradePayload:
		if err := alignedTo("price", payload.Price, rule.TickSize); err != nil {
			return err
		}
		return alignedTo("quantity", payload.Quantity, rule.StepSize)
	case schema.TickerPayload:
		if err := alignedTo("bid price", payload.BidPrice, rule.TickSize); err != nil {
			return err
		}
		return alignedTo("ask price", payload.AskPrice, rule.TickSize)
	}
	return nil
}

// alignedTo checks that a decoded value is an exact multiple of the rule's
// step. Unparseable inputs are left to the structural validators.
func alignedTo(name, raw, stepRaw string) error {
	if stepRaw == "" {
		return nil
	}
	step, err := decimal.NewFromString(stepRaw)
	if err != nil || !step.IsPositive() {
		return nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return nil
	}
	if !value.Mod(step).IsZero() {
		return fmt.Errorf("%s %s not aligned to step %s", name, raw, stepRaw)
	}
	return nil
}

func validateCandle(candle schema.CandlePayload) error {
	open, err := positiveDecimal("open", candle.Open)
	if err != nil {
		return err
	}
	high, err := positiveDecimal("high", candle.High)
	if err != nil {
		return err
	}
	low, err := positiveDecimal("low", candle.Low)
	if err != nil {
		return err
	}
	closePx, err := positiveDecimal("close", candle.Close)
	if err != nil {
		return err
	}
	if _, err := nonNegativeDecimal("volume", candle.Volume); err != nil {
		return err
	}
	upper := decimal.Max(open, closePx)
	lower := decimal.Min(open, closePx)
	if high.LessThan(upper) {
		return fmt.Errorf("high %s below max(open, close) %s", candle.High, upper)
	}
	if low.GreaterThan(lower) {
		return fmt.Errorf("low %s above min(open, close) %s", candle.Low, lower)
	}
	if candle.CloseTime.Before(candle.OpenTime) {
		return fmt.Errorf("close time %s before open time %s", candle.CloseTime, candle.OpenTime)
	}
	return nil
}

func validateTrade(trade schema.TradePayload) error {
	if _, err := positiveDecimal("price", trade.Price); err != nil {
		return err
	}
	if _, err := nonNegativeDecimal("quantity", trade.Quantity); err != nil {
		return err
	}
	return nil
}

func validateTicker(ticker schema.TickerPayload) error {
	bid, err := positiveDecimal("bid price", ticker.BidPrice)
	if err != nil {
		return err
	}
	ask, err := positiveDecimal("ask price", ticker.AskPrice)
	if err != nil {
		return err
	}
	if _, err := nonNegativeDecimal("bid quantity", ticker.BidQuantity); err != nil {
		return err
	}
	if _, err := nonNegativeDecimal("ask quantity", ticker.AskQuantity); err != nil {
		return err
	}
	if ask.LessThan(bid) {
		return fmt.Errorf("ask %s below bid %s", ticker.AskPrice, ticker.BidPrice)
	}
	return nil
}

func validateFunding(funding schema.FundingPayload) error {
	if _, err := positiveDecimal("mark price", funding.MarkPrice); err != nil {
		return err
	}
	if funding.FundingRate != "" {
		if _, err := decimal.NewFromString(funding.FundingRate); err != nil {
			return fmt.Errorf("funding rate %q is not decimal", funding.FundingRate)
		}
	}
	return nil
}

func positiveDecimal(name, raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s %q is not decimal", name, raw)
	}
	if !value.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%s %s must be > 0", name, raw)
	}
	return value, nil
}

func nonNegativeDecimal(name, raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s %q is not decimal", name, raw)
	}
	if value.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%s %s must be >= 0", name, raw)
	}
	return value, nil
}
