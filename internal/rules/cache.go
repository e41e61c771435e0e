// Package rules maintains the per-symbol trading rule cache sourced from
// exchange metadata.
package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openfeeds/marketgate/internal/exchange"
	"github.com/openfeeds/marketgate/internal/observability"
	"github.com/openfeeds/marketgate/internal/schema"
)

// hashLen is the number of hex characters kept from the content digest.
const hashLen = 16

// InfoSource fetches the symbol metadata batch.
type InfoSource interface {
	ExchangeInfo(ctx context.Context) (exchange.ExchangeInfo, error)
}

// Publisher receives rule change events.
type Publisher interface {
	Publish(evt *schema.Event)
}

// SymbolRules holds the trading constraints for one symbol. Decimal values
// are normalized strings, so equal constraints always hash identically.
// Hash digests the full rule set of the load that produced the record;
// every symbol from one batch carries the same value.
type SymbolRules struct {
	Symbol      string
	TickSize    string
	StepSize    string
	MinQty      string
	MaxQty      string
	MinNotional string
	MaxNotional string
	Status      string
	Hash        string
}

// Cache caches trading rules for the configured symbols and republishes a
// symbol's rules whenever their content hash changes. Refresh replaces the
// cached set wholesale; symbols missing from a later batch drop out.
type Cache struct {
	source    InfoSource
	publisher Publisher
	symbols   map[string]struct{}
	now       func() time.Time

	mu    sync.RWMutex
	rules map[string]SymbolRules
}

// NewCache constructs a rules cache scoped to the given symbols. An empty
// symbol list caches every symbol the exchange serves.
func NewCache(source InfoSource, publisher Publisher, symbols []string) *Cache {
	scope := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym != "" {
			scope[sym] = struct{}{}
		}
	}
	return &Cache{
		source:    source,
		publisher: publisher,
		symbols:   scope,
		now:       time.Now,
		rules:     make(map[string]SymbolRules),
	}
}

// Get returns the cached rules for a symbol.
func (c *Cache) Get(symbol string) (SymbolRules, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rules, ok := c.rules[strings.ToUpper(strings.TrimSpace(symbol))]
	return rules, ok
}

// Len returns the number of cached symbols.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rules)
}

// Refresh fetches the metadata batch, stamps every record with the hash of
// the full set, swaps the cache wholesale, and republishes every symbol.
// Consumers detect a reload by the shared hash changing.
func (c *Cache) Refresh(ctx context.Context) error {
	info, err := c.source.ExchangeInfo(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]SymbolRules, len(info.Symbols))
	for _, sym := range info.Symbols {
		name := strings.ToUpper(strings.TrimSpace(sym.Symbol))
		if name == "" {
			continue
		}
		if len(c.symbols) > 0 {
			if _, wanted := c.symbols[name]; !wanted {
				continue
			}
		}
		fresh[name] = fromSymbolInfo(name, sym)
	}

	hash := batchHash(fresh)
	for name, rule := range fresh {
		rule.Hash = hash
		fresh[name] = rule
	}

	c.mu.Lock()
	c.rules = fresh
	c.mu.Unlock()

	for _, rule := range fresh {
		c.publish(rule)
	}
	observability.Log().Info("rules cache refreshed",
		observability.F("symbols", len(fresh)),
		observability.F("hash", hash))
	return nil
}

// Run refreshes on every interval tick. The initial load is the caller's
// responsibility so startup can abort when the exchange rejects it.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				observability.Log().Warn("rules refresh failed", observability.F("error", err))
			}
		}
	}
}

func (c *Cache) publish(rule SymbolRules) {
	if c.publisher == nil {
		return
	}
	now := c.now().UTC()
	c.publisher.Publish(&schema.Event{
		EventID:       uuid.NewString(),
		Kind:          schema.EventTypeRules,
		Symbol:        rule.Symbol,
		EventTime:     now,
		IngestTS:      now,
		SchemaVersion: schema.SchemaVersion,
		Payload: schema.RulesPayload{
			Symbol:      rule.Symbol,
			TickSize:    rule.TickSize,
			StepSize:    rule.StepSize,
			MinNotional: rule.MinNotional,
			MaxNotional: rule.MaxNotional,
			Status:      rule.Status,
			RulesHash:   rule.Hash,
		},
	})
}

func fromSymbolInfo(name string, info exchange.SymbolInfo) SymbolRules {
	rule := SymbolRules{
		Symbol: name,
		Status: strings.TrimSpace(info.Status),
	}
	for _, filter := range info.Filters {
		switch filter.FilterType {
		case "PRICE_FILTER":
			rule.TickSize = normalizeDecimal(filter.TickSize)
		case "LOT_SIZE":
			rule.StepSize = normalizeDecimal(filter.StepSize)
			rule.MinQty = normalizeDecimal(filter.MinQty)
			rule.MaxQty = normalizeDecimal(filter.MaxQty)
		case "MIN_NOTIONAL", "NOTIONAL":
			minRaw := filter.MinNotional
			if strings.TrimSpace(minRaw) == "" {
				minRaw = filter.MinNotionalLegacy
			}
			rule.MinNotional = normalizeDecimal(minRaw)
			rule.MaxNotional = normalizeDecimal(filter.MaxNotional)
		}
	}
	return rule
}

// normalizeDecimal strips formatting noise such as trailing zeros so that
// "0.100" and "0.1" compare and hash equal. Unparseable input passes through.
func normalizeDecimal(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return raw
	}
	return value.String()
}

// batchHash digests the rule set in canonical symbol order. Equivalent sets
// hash equal regardless of batch ordering or decimal formatting.
func batchHash(set map[string]SymbolRules) string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)

	digest := sha256.New()
	for _, name := range names {
		rule := set[name]
		digest.Write([]byte(strings.Join([]string{
			rule.Symbol,
			rule.TickSize,
			rule.StepSize,
			rule.MinQty,
			rule.MaxQty,
			rule.MinNotional,
			rule.MaxNotional,
			rule.Status,
		}, "|")))
		digest.Write([]byte{'\n'})
	}
	return hex.EncodeToString(digest.Sum(nil))[:hashLen]
}
