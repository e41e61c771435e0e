// Package exchange provides REST and websocket transport against the
// exchange API.
package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/openfeeds/marketgate/errs"
)

const exchangeName = "binance"

// Request weights as documented by the exchange.
const (
	weightServerTime   = 1
	weightExchangeInfo = 10
	weightDepth        = 5
	weightKlines       = 2
	weightPremiumIndex = 1
)

// ServerTimeResponse carries the exchange clock reading.
type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

// DepthSnapshot is a full order book snapshot with its sequence id.
type DepthSnapshot struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	EventTime    int64      `json:"E"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// Kline is one historical candle row. The exchange encodes klines as
// positional arrays; Kline carries the decoded columns.
type Kline struct {
	OpenTime    int64
	Open        string
	High        string
	Low         string
	Close       string
	Volume      string
	CloseTime   int64
	QuoteVolume string
	TradeCount  int64
}

// ExchangeInfo carries the symbol metadata batch.
type ExchangeInfo struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo describes one symbol's trading rules as served by the exchange.
type SymbolInfo struct {
	Symbol  string        `json:"symbol"`
	Status  string        `json:"status"`
	Filters []FilterEntry `json:"filters"`
}

// FilterEntry is a single constraint in a symbol's filter set.
type FilterEntry struct {
	FilterType        string `json:"filterType"`
	TickSize          string `json:"tickSize"`
	StepSize          string `json:"stepSize"`
	MinQty            string `json:"minQty"`
	MaxQty            string `json:"maxQty"`
	MinNotional       string `json:"notional"`
	MinNotionalLegacy string `json:"minNotional"`
	MaxNotional       string `json:"maxNotional"`
	MultiplierUp      string `json:"multiplierUp"`
	MultiplierDown    string `json:"multiplierDown"`
}

// PremiumIndex carries mark price and funding data for one symbol.
type PremiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

// Governor is the rate limiting surface the client reserves weight against.
type Governor interface {
	Wait(ctx context.Context, weight int) error
	ReportRateLimited(retryAfter time.Duration) time.Duration
	ReportBanned(httpStatus int, rawMsg string) error
}

// RESTClient issues typed exchange REST calls. Every call reserves weight
// against the shared rate governor before touching the network.
type RESTClient struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	governor Governor
}

// NewRESTClient constructs a REST client bound to the shared governor.
func NewRESTClient(baseURL, apiKey string, timeout time.Duration, governor Governor) *RESTClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := new(http.Client)
	client.Timeout = timeout
	return &RESTClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   strings.TrimSpace(apiKey),
		client:   client,
		governor: governor,
	}
}

// ServerTime fetches the exchange server clock.
func (c *RESTClient) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := c.get(ctx, "/fapi/v1/time", nil, weightServerTime)
	if err != nil {
		return time.Time{}, err
	}
	var payload serverTimeResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return time.Time{}, errs.New(exchangeName, errs.CodeMalformed,
			errs.WithMessage("decode server time"), errs.WithCause(err))
	}
	if payload.ServerTime <= 0 {
		return time.Time{}, errs.New(exchangeName, errs.CodeMalformed,
			errs.WithMessage("empty server time response"))
	}
	return time.UnixMilli(payload.ServerTime).UTC(), nil
}

// ExchangeInfo fetches the full symbol metadata batch.
func (c *RESTClient) ExchangeInfo(ctx context.Context) (ExchangeInfo, error) {
	body, err := c.get(ctx, "/fapi/v1/exchangeInfo", nil, weightExchangeInfo)
	if err != nil {
		return ExchangeInfo{}, err
	}
	var payload ExchangeInfo
	if err := json.Unmarshal(body, &payload); err != nil {
		return ExchangeInfo{}, errs.New(exchangeName, errs.CodeMalformed,
			errs.WithMessage("decode exchange info"), errs.WithCause(err))
	}
	if len(payload.Symbols) == 0 {
		return ExchangeInfo{}, errs.New(exchangeName, errs.CodeMalformed,
			errs.WithMessage("exchange info contained no symbols"))
	}
	return payload, nil
}

// DepthSnapshot fetches an order book snapshot for the symbol.
func (c *RESTClient) DepthSnapshot(ctx context.Context, symbol string, limit int) (DepthSnapshot, error) {
	if limit <= 0 {
		limit = 1000
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, "/fapi/v1/depth", params, weightDepth)
	if err != nil {
		return DepthSnapshot{}, err
	}
	var snapshot DepthSnapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return DepthSnapshot{}, errs.New(exchangeName, errs.CodeMalformed,
			errs.WithMessage("decode depth snapshot"), errs.WithCause(err))
	}
	if snapshot.LastUpdateID == 0 {
		return DepthSnapshot{}, errs.New(exchangeName, errs.CodeMalformed,
			errs.WithMessage("depth snapshot missing lastUpdateId"))
	}
	return snapshot, nil
}

// Klines fetches historical candles for backfill.
func (c *RESTClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if limit <= 0 {
		limit = 500
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, "/fapi/v1/klines", params, weightKlines)
	if err != nil {
		return nil, err
	}
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errs.New(exchangeName, errs.CodeMalformed,
			errs.WithMessage("decode klines"), errs.WithCause(err))
	}
	klines := make([]Kline, 0, len(rows))
	for _, row := range rows {
		kline, err := decodeKlineRow(row)
		if err != nil {
			return nil, err
		}
		klines = append(klines, kline)
	}
	return klines, nil
}

// PremiumIndex fetches mark price and funding data for the symbol.
func (c *RESTClient) PremiumIndex(ctx context.Context, symbol string) (PremiumIndex, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))

	body, err := c.get(ctx, "/fapi/v1/premiumIndex", params, weightPremiumIndex)
	if err != nil {
		return PremiumIndex{}, err
	}
	var payload PremiumIndex
	if err := json.Unmarshal(body, &payload); err != nil {
		return PremiumIndex{}, errs.New(exchangeName, errs.CodeMalformed,
			errs.WithMessage("decode premium index"), errs.WithCause(err))
	}
	return payload, nil
}

// get issues one governed GET request. A 429 response arms the governor
// backoff and the request is retried exactly once after the mandated wait;
// a 418 response is fatal and never retried.
func (c *RESTClient) get(ctx context.Context, path string, params url.Values, weight int) ([]byte, error) {
	if err := c.governor.Wait(ctx, weight); err != nil {
		return nil, err
	}

	body, err := c.doOnce(ctx, path, params)
	if err == nil {
		return body, nil
	}
	if errs.CodeOf(err) != errs.CodeRateLimited {
		return nil, err
	}

	wait := c.governor.ReportRateLimited(errs.RetryAfterOf(err))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return c.doOnce(ctx, path, params)
}

func (c *RESTClient) doOnce(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %w", path, err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.New(exchangeName, errs.CodeNetwork,
			errs.WithMessage("request "+path), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, errs.New(exchangeName, errs.CodeRateLimited,
			errs.WithHTTP(resp.StatusCode),
			errs.WithRetryAfter(retryAfter),
			errs.WithRawMessage(strings.TrimSpace(string(raw))))
	}
	if resp.StatusCode == http.StatusTeapot {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, c.governor.ReportBanned(resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, errs.New(exchangeName, errs.CodeExchange,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("request "+path),
			errs.WithRawMessage(strings.TrimSpace(string(raw))))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(exchangeName, errs.CodeNetwork,
			errs.WithMessage("read response "+path), errs.WithCause(err))
	}
	if len(body) == 0 {
		return nil, errs.New(exchangeName, errs.CodeMalformed,
			errs.WithMessage("empty response body for "+path))
	}
	return body, nil
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func decodeKlineRow(row []json.RawMessage) (Kline, error) {
	if len(row) < 9 {
		return Kline{}, errs.New(exchangeName, errs.CodeMalformed,
			errs.WithMessage(fmt.Sprintf("kline row has %d columns, want >= 9", len(row))))
	}
	var kline Kline
	fields := []struct {
		idx  int
		dest any
	}{
		{0, &kline.OpenTime},
		{1, &kline.Open},
		{2, &kline.High},
		{3, &kline.Low},
		{4, &kline.Close},
		{5, &kline.Volume},
		{6, &kline.CloseTime},
		{7, &kline.QuoteVolume},
		{8, &kline.TradeCount},
	}
	for _, field := range fields {
		if err := json.Unmarshal(row[field.idx], field.dest); err != nil {
			return Kline{}, errs.New(exchangeName, errs.CodeMalformed,
				errs.WithMessage(fmt.Sprintf("kline column %d", field.idx)), errs.WithCause(err))
		}
	}
	return kline, nil
}
