// Package config manages application configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfeeds/marketgate/internal/schema"
)

// SymbolConfig declares the streams enabled for one trading symbol.
type SymbolConfig struct {
	Symbol    string   `yaml:"symbol"`
	Streams   []string `yaml:"streams"`
	Intervals []string `yaml:"intervals"`
}

// Kinds resolves the configured stream names into stream kinds.
func (s SymbolConfig) Kinds() ([]schema.StreamKind, error) {
	kinds := make([]schema.StreamKind, 0, len(s.Streams))
	for _, raw := range s.Streams {
		kind, err := schema.ParseStreamKind(raw)
		if err != nil {
			return nil, fmt.Errorf("symbol %s: %w", s.Symbol, err)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// PipelineConfig tunes normalization, dedup, and publication behaviour.
type PipelineConfig struct {
	MaxPublishRate   float64 `yaml:"maxPublishRate"`
	DedupWindowSize  int     `yaml:"dedupWindowSize"`
	StrictValidation bool    `yaml:"strictValidation"`
	DropInvalid      bool    `yaml:"dropInvalid"`
}

// BookConfig controls order book streaming, which carries the highest
// REST and websocket cost.
type BookConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Depth         int      `yaml:"depth"`
	SnapshotDelay Duration `yaml:"snapshotDelay"`
}

// ClockConfig tunes the clock sync service.
type ClockConfig struct {
	SyncInterval Duration `yaml:"syncInterval"`
	DriftWarnMs  int64    `yaml:"driftWarnMs"`
}

// RateLimitConfig sizes the shared request-weight budget.
type RateLimitConfig struct {
	WeightLimit int      `yaml:"weightLimit"`
	Window      Duration `yaml:"window"`
}

// ReconnectConfig tunes the per-stream reconnect policy.
type ReconnectConfig struct {
	Delay Duration `yaml:"delay"`
}

// BusConfig sets in-memory topic bus sizing characteristics.
type BusConfig struct {
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

// CandleStoreConfig enables optional PostgreSQL persistence of candle history.
type CandleStoreConfig struct {
	DSN          string `yaml:"dsn"`
	BackfillBars int    `yaml:"backfillBars"`
}

// Enabled reports whether a storage DSN has been configured.
func (c CandleStoreConfig) Enabled() bool {
	return strings.TrimSpace(c.DSN) != ""
}

// TelemetryConfig configures OTLP metric export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// AppConfig is the unified gateway configuration sourced from YAML.
type AppConfig struct {
	Environment string            `yaml:"environment"`
	Symbols     []SymbolConfig    `yaml:"symbols"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Book        BookConfig        `yaml:"book"`
	Clock       ClockConfig       `yaml:"clock"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Bus         BusConfig         `yaml:"bus"`
	CandleStore CandleStoreConfig `yaml:"candleStore"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// Duration wraps time.Duration with YAML support for values like "500ms".
type Duration time.Duration

// UnmarshalYAML parses either a duration string or a number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil || strings.TrimSpace(node.Value) == "" {
		*d = 0
		return nil
	}
	text := strings.TrimSpace(node.Value)
	if parsed, err := time.ParseDuration(text); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if secs, err := strconv.ParseFloat(text, 64); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration %q", node.Value)
}

// Std returns the wrapped standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
)

// FanoutWorkerSetting encapsulates the fanout worker configuration allowing
// both numeric and symbolic values.
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer and "auto" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{}
		return nil
	}
	text := strings.TrimSpace(node.Value)
	if text == "" {
		*s = FanoutWorkerSetting{}
		return nil
	}
	if strings.EqualFold(text, "auto") {
		s.kind = fanoutWorkerAuto
		s.value = 0
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	s.kind = fanoutWorkerExplicit
	s.value = val
	return nil
}

// Resolve returns the effective worker count derived from the setting.
func (s FanoutWorkerSetting) Resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 4
	default:
		return 4
	}
}

// Default returns the AppConfig applied when no file is present.
func Default() AppConfig {
	return AppConfig{
		Environment: "prod",
		Symbols:     nil,
		Pipeline: PipelineConfig{
			MaxPublishRate:   200,
			DedupWindowSize:  8192,
			StrictValidation: true,
			DropInvalid:      true,
		},
		Book: BookConfig{
			Enabled:       true,
			Depth:         20,
			SnapshotDelay: Duration(500 * time.Millisecond),
		},
		Clock: ClockConfig{
			SyncInterval: Duration(5 * time.Minute),
			DriftWarnMs:  1000,
		},
		RateLimit: RateLimitConfig{
			WeightLimit: 1200,
			Window:      Duration(time.Minute),
		},
		Reconnect: ReconnectConfig{
			Delay: Duration(2 * time.Second),
		},
		Bus: BusConfig{
			BufferSize: 64,
		},
		CandleStore: CandleStoreConfig{
			BackfillBars: 500,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "marketgate",
		},
	}
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(path string) (AppConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return AppConfig{}, fmt.Errorf("open config %s: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()
	return Parse(file)
}

// LoadOrDefault reads the config file when present, falling back to defaults.
// The second return value reports whether a file was loaded.
func LoadOrDefault(path string) (AppConfig, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), false, nil
		}
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}

// Parse decodes and validates an AppConfig from YAML.
func Parse(reader io.Reader) (AppConfig, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(reader)
	if err := decoder.Decode(&cfg); err != nil {
		if err == io.EOF {
			return Default(), nil
		}
		return AppConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate checks structural constraints on the configuration.
func (c AppConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Symbols))
	for _, sym := range c.Symbols {
		name := strings.TrimSpace(sym.Symbol)
		if name == "" {
			return fmt.Errorf("symbols: symbol name required")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("symbols: duplicate entry %s", name)
		}
		seen[name] = struct{}{}
		kinds, err := sym.Kinds()
		if err != nil {
			return err
		}
		for _, kind := range kinds {
			if kind == schema.StreamKindCandle && len(sym.Intervals) == 0 {
				return fmt.Errorf("symbol %s: candle stream requires at least one interval", name)
			}
		}
	}
	if c.Pipeline.MaxPublishRate < 0 {
		return fmt.Errorf("pipeline: maxPublishRate must be >= 0")
	}
	if c.Pipeline.DedupWindowSize < 0 {
		return fmt.Errorf("pipeline: dedupWindowSize must be >= 0")
	}
	if c.Book.Depth <= 0 && c.Book.Enabled {
		return fmt.Errorf("book: depth must be > 0 when streaming is enabled")
	}
	if c.RateLimit.WeightLimit <= 0 {
		return fmt.Errorf("ratelimit: weightLimit must be > 0")
	}
	if c.Reconnect.Delay.Std() < 100*time.Millisecond {
		return fmt.Errorf("reconnect: delay floor is 100ms")
	}
	return nil
}
