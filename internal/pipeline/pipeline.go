// Package pipeline wires stream ingestion through normalization,
// enrichment, deduplication, and throttling into the topic bus.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/openfeeds/marketgate/internal/book"
	appconfig "github.com/openfeeds/marketgate/internal/config"
	"github.com/openfeeds/marketgate/internal/dedup"
	"github.com/openfeeds/marketgate/internal/enrich"
	"github.com/openfeeds/marketgate/internal/exchange"
	"github.com/openfeeds/marketgate/internal/normalize"
	"github.com/openfeeds/marketgate/internal/observability"
	"github.com/openfeeds/marketgate/internal/publish"
	"github.com/openfeeds/marketgate/internal/schema"
)

// SnapshotFetcher is the REST surface the depth pipelines need.
type SnapshotFetcher = book.SnapshotFetcher

// Options collects the pipeline's collaborators and tuning.
type Options struct {
	App       appconfig.AppConfig
	WSBaseURL string
	Fetcher   SnapshotFetcher
	Bus       *publish.Bus
	Enricher  enrich.Enricher
	// Dialer overrides the websocket transport; nil uses the real one.
	Dialer exchange.Dialer
}

// Pipeline owns one ingestion task per configured (symbol, stream) pair and
// funnels all of them through shared dedup, throttle, and bus stages.
type Pipeline struct {
	opts       Options
	normalizer *normalize.Normalizer
	seen       *dedup.Set
	throttle   *publish.Throttle
	enricher   enrich.Enricher

	streams []*exchange.StreamConn
	tasks   conc.WaitGroup

	malformed  atomic.Uint64
	duplicates atomic.Uint64
	reconnects atomic.Uint64
}

// New assembles a pipeline from the application config.
func New(opts Options) *Pipeline {
	enricher := opts.Enricher
	if enricher == nil {
		enricher = enrich.Noop()
	}
	return &Pipeline{
		opts: opts,
		normalizer: normalize.New(normalize.Config{
			Strict:      opts.App.Pipeline.StrictValidation,
			DropInvalid: opts.App.Pipeline.DropInvalid,
		}),
		seen:     dedup.NewSet(opts.App.Pipeline.DedupWindowSize),
		throttle: publish.NewThrottle(opts.App.Pipeline.MaxPublishRate),
		enricher: enricher,
	}
}

// UseServerClock makes ingest timestamps carry drift-corrected server time.
// Call before Start.
func (p *Pipeline) UseServerClock(drift func() time.Duration) {
	if drift == nil {
		return
	}
	p.normalizer.UseServerClock(func() time.Time {
		return time.Now().Add(drift())
	})
}

// UseRules supplies the trading rules the normalizer validates against.
// Call before Start.
func (p *Pipeline) UseRules(source normalize.RuleSource) {
	p.normalizer.UseRules(source)
}

// Sink returns a publisher routing events through the pipeline's
// enrichment, dedup, and throttle stages before they reach the bus. Other
// producers (clock sync, rules) publish through it so every event crosses
// the same gates.
func (p *Pipeline) Sink() *Sink { return &Sink{pipeline: p} }

// Sink adapts the pipeline's processing stages to the Publisher interfaces
// the producers expect.
type Sink struct {
	pipeline *Pipeline
}

// Publish runs the event through the pipeline stages.
func (s *Sink) Publish(evt *schema.Event) {
	s.pipeline.process(context.Background(), evt)
}

// Start launches one ingestion task per configured (symbol, stream) pair.
// It returns immediately; tasks run until ctx is cancelled or Stop is
// called.
func (p *Pipeline) Start(ctx context.Context) error {
	for _, sym := range p.opts.App.Symbols {
		kinds, err := sym.Kinds()
		if err != nil {
			return err
		}
		for _, kind := range kinds {
			if kind == schema.StreamKindDepth && !p.opts.App.Book.Enabled {
				continue
			}
			intervals := []string{""}
			if kind == schema.StreamKindCandle {
				intervals = sym.Intervals
			}
			for _, interval := range intervals {
				p.startStream(ctx, sym.Symbol, kind, interval)
			}
		}
	}
	return nil
}

// Stop closes every stream and waits for the ingestion tasks to drain.
func (p *Pipeline) Stop() {
	for _, stream := range p.streams {
		stream.Close()
	}
	p.tasks.Wait()
}

// Malformed reports frames that failed decoding or validation.
func (p *Pipeline) Malformed() uint64 { return p.malformed.Load() }

// Duplicates reports events suppressed by the dedup window.
func (p *Pipeline) Duplicates() uint64 { return p.duplicates.Load() }

// Reconnects reports transport errors observed across all streams.
func (p *Pipeline) Reconnects() uint64 { return p.reconnects.Load() }

func (p *Pipeline) startStream(ctx context.Context, symbol string, kind schema.StreamKind, interval string) {
	stream := exchange.NewStreamConn(ctx, exchange.StreamConfig{
		BaseURL:        p.opts.WSBaseURL,
		Symbol:         symbol,
		Kind:           kind,
		Interval:       interval,
		ReconnectDelay: p.opts.App.Reconnect.Delay.Std(),
		Dialer:         p.opts.Dialer,
	})
	p.streams = append(p.streams, stream)
	p.tasks.Go(stream.Run)

	if kind == schema.StreamKindDepth {
		recon := book.NewReconstructor(book.Config{
			Symbol:        symbol,
			Depth:         p.opts.App.Book.Depth,
			SnapshotDelay: p.opts.App.Book.SnapshotDelay.Std(),
		}, p.opts.Fetcher, p.Sink())
		p.tasks.Go(func() { p.runDepthStream(ctx, stream, recon) })
		return
	}
	p.tasks.Go(func() { p.runEventStream(ctx, stream) })
}

func (p *Pipeline) runEventStream(ctx context.Context, stream *exchange.StreamConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-stream.Errors():
			if ok {
				p.noteStreamError(err)
			}
		case frame, ok := <-stream.Frames():
			if !ok {
				return
			}
			evt, err := p.normalizer.Normalize(frame)
			if err != nil {
				p.malformed.Add(1)
				observability.Log().Debug("frame dropped",
					observability.F("error", err))
				continue
			}
			p.process(ctx, evt)
		}
	}
}

func (p *Pipeline) runDepthStream(ctx context.Context, stream *exchange.StreamConn, recon *book.Reconstructor) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-stream.Errors():
			if ok {
				p.noteStreamError(err)
			}
		case frame, ok := <-stream.Frames():
			if !ok {
				return
			}
			diff, err := p.normalizer.DepthDiff(frame)
			if err != nil {
				p.malformed.Add(1)
				observability.Log().Debug("depth frame dropped",
					observability.F("error", err))
				continue
			}
			if err := recon.Apply(ctx, diff); err != nil && ctx.Err() == nil {
				observability.Log().Warn("book apply failed",
					observability.F("error", err))
			}
		}
	}
}

// process runs one event through enrichment, dedup, and throttling, then
// publishes it.
func (p *Pipeline) process(ctx context.Context, evt *schema.Event) {
	if evt == nil {
		return
	}
	if err := p.enricher.Enrich(ctx, evt); err != nil {
		observability.Log().Warn("enricher rejected event",
			observability.F("kind", evt.Kind),
			observability.F("symbol", evt.Symbol),
			observability.F("error", err))
		return
	}
	if p.seen.Observe(evt.Key()) {
		p.duplicates.Add(1)
		return
	}
	if !p.throttle.Allow(evt) {
		return
	}
	p.opts.Bus.Publish(evt)
}

// noteStreamError counts a transport failure; the stream itself reconnects
// after its delay elapses.
func (p *Pipeline) noteStreamError(err error) {
	p.reconnects.Add(1)
	observability.Log().Warn("stream transport error",
		observability.F("error", err))
}
