// Package book reconstructs exchange order books from snapshots and
// sequenced diff events.
package book

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openfeeds/marketgate/errs"
	"github.com/openfeeds/marketgate/internal/exchange"
	"github.com/openfeeds/marketgate/internal/observability"
	"github.com/openfeeds/marketgate/internal/schema"
)

// SyncState models the replica lifecycle for one symbol.
type SyncState string

const (
	// StateUnsynced means no usable snapshot is loaded; diffs are buffered.
	StateUnsynced SyncState = "UNSYNCED"
	// StateSnapshotLoaded means a snapshot is loaded but buffered diffs have
	// not yet been replayed on top of it.
	StateSnapshotLoaded SyncState = "SNAPSHOT_LOADED"
	// StateSynced means the replica is live and applying contiguous diffs.
	StateSynced SyncState = "SYNCED"
)

// maxBufferedDiffs bounds the diff buffer held while a snapshot loads.
const maxBufferedDiffs = 4096

// SnapshotFetcher fetches a full book snapshot over REST.
type SnapshotFetcher interface {
	DepthSnapshot(ctx context.Context, symbol string, limit int) (exchange.DepthSnapshot, error)
}

// Publisher receives depth and resync events.
type Publisher interface {
	Publish(evt *schema.Event)
}

// Diff is one sequenced depth update decoded from the stream. Quantities are
// absolute: a level's new quantity replaces the old one, and zero removes it.
type Diff struct {
	FirstUpdateID uint64
	FinalUpdateID uint64
	EventTime     time.Time
	Bids          [][]string
	Asks          [][]string
}

// Config tunes one symbol's reconstructor.
type Config struct {
	Symbol string
	// Depth is the number of levels per side included in publications.
	Depth int
	// SnapshotDelay is waited before fetching a snapshot so the stream can
	// accumulate the diffs that will straddle it.
	SnapshotDelay time.Duration
	// SnapshotLimit is the level count requested from the snapshot endpoint.
	SnapshotLimit int
}

// Reconstructor maintains a local replica of one symbol's order book. It is
// not safe for concurrent use; the pipeline drives each instance from a
// single goroutine.
type Reconstructor struct {
	cfg       Config
	fetcher   SnapshotFetcher
	publisher Publisher
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	state        SyncState
	lastUpdateID uint64
	bids         map[string]string
	asks         map[string]string
	buffer       []Diff
	resyncs      uint64
}

// NewReconstructor creates an unsynced reconstructor for one symbol.
func NewReconstructor(cfg Config, fetcher SnapshotFetcher, publisher Publisher) *Reconstructor {
	if cfg.Depth <= 0 {
		cfg.Depth = 20
	}
	if cfg.SnapshotLimit <= 0 {
		cfg.SnapshotLimit = 1000
	}
	return &Reconstructor{
		cfg:       cfg,
		fetcher:   fetcher,
		publisher: publisher,
		now:       time.Now,
		sleep:     sleepCtx,
		state:     StateUnsynced,
		bids:      make(map[string]string),
		asks:      make(map[string]string),
	}
}

// State reports the replica lifecycle state.
func (r *Reconstructor) State() SyncState { return r.state }

// LastUpdateID reports the sequence id of the last applied update.
func (r *Reconstructor) LastUpdateID() uint64 { return r.lastUpdateID }

// Resyncs reports how many forced resyncs have occurred.
func (r *Reconstructor) Resyncs() uint64 { return r.resyncs }

// Apply feeds one diff into the replica. Unsynced replicas buffer the diff
// and attempt a snapshot sync; synced replicas verify sequence contiguity
// and either apply the diff or force a resync on a gap.
func (r *Reconstructor) Apply(ctx context.Context, diff Diff) error {
	if diff.FinalUpdateID < diff.FirstUpdateID {
		return errs.New("binance", errs.CodeMalformed,
			errs.WithMessage(fmt.Sprintf("diff range inverted: U=%d u=%d", diff.FirstUpdateID, diff.FinalUpdateID)))
	}

	if r.state != StateSynced {
		r.bufferDiff(diff)
		return r.sync(ctx)
	}

	// Stale diff entirely behind the replica.
	if diff.FinalUpdateID <= r.lastUpdateID {
		return nil
	}

	if diff.FirstUpdateID > r.lastUpdateID+1 {
		r.forceResync(diff.FirstUpdateID, "sequence gap")
		r.bufferDiff(diff)
		return r.sync(ctx)
	}

	// Here U <= lastUpdateId+1 <= u: the diff either continues the sequence
	// exactly or overlaps the tail of it. Quantities are absolute, so
	// re-applying the already-seen portion rewrites levels to the values
	// they already hold; only true forward gaps force a resync.
	r.applyDiff(diff)
	r.publishDepth(diff.EventTime)
	return nil
}

// sync loads a snapshot and replays the buffered diffs on top of it. The
// diff buffer survives a failed attempt so a later call can retry.
func (r *Reconstructor) sync(ctx context.Context) error {
	if err := r.sleep(ctx, r.cfg.SnapshotDelay); err != nil {
		return err
	}

	snapshot, err := r.fetcher.DepthSnapshot(ctx, r.cfg.Symbol, r.cfg.SnapshotLimit)
	if err != nil {
		return err
	}

	r.loadSnapshot(snapshot)

	var lastApplied time.Time
	applied := 0
	for _, diff := range r.buffer {
		if diff.FinalUpdateID <= r.lastUpdateID {
			continue
		}
		if diff.FirstUpdateID > r.lastUpdateID+1 {
			// The snapshot predates the buffered window; a fresh snapshot
			// is required before the replica can go live.
			r.state = StateUnsynced
			return errs.New("binance", errs.CodeSequenceGap,
				errs.WithMessage(fmt.Sprintf("snapshot %d too old for buffered diff U=%d",
					r.lastUpdateID, diff.FirstUpdateID)))
		}
		r.applyDiff(diff)
		lastApplied = diff.EventTime
		applied++
	}
	r.buffer = r.buffer[:0]
	r.state = StateSynced

	observability.Log().Info("book synced",
		observability.F("symbol", r.cfg.Symbol),
		observability.F("lastUpdateId", r.lastUpdateID),
		observability.F("replayed", applied))

	if lastApplied.IsZero() {
		lastApplied = snapshotTime(snapshot, r.now)
	}
	r.publishDepth(lastApplied)
	return nil
}

func (r *Reconstructor) loadSnapshot(snapshot exchange.DepthSnapshot) {
	clear(r.bids)
	clear(r.asks)
	for _, level := range snapshot.Bids {
		r.setLevel(r.bids, level)
	}
	for _, level := range snapshot.Asks {
		r.setLevel(r.asks, level)
	}
	r.lastUpdateID = snapshot.LastUpdateID
	r.state = StateSnapshotLoaded
}

func (r *Reconstructor) forceResync(gapFirstID uint64, reason string) {
	r.resyncs++
	observability.Log().Warn("book resync forced",
		observability.F("symbol", r.cfg.Symbol),
		observability.F("lastUpdateId", r.lastUpdateID),
		observability.F("gapFirstId", gapFirstID),
		observability.F("reason", reason))

	if r.publisher != nil {
		now := r.now().UTC()
		r.publisher.Publish(&schema.Event{
			EventID:       uuid.NewString(),
			Kind:          schema.EventTypeResync,
			Symbol:        r.cfg.Symbol,
			EventTime:     now,
			IngestTS:      now,
			SourceSeq:     gapFirstID,
			SchemaVersion: schema.SchemaVersion,
			Payload: schema.ResyncPayload{
				LastUpdateID: r.lastUpdateID,
				GapFirstID:   gapFirstID,
				Reason:       reason,
			},
		})
	}

	r.state = StateUnsynced
	r.lastUpdateID = 0
	clear(r.bids)
	clear(r.asks)
	r.buffer = r.buffer[:0]
}

func (r *Reconstructor) bufferDiff(diff Diff) {
	if len(r.buffer) >= maxBufferedDiffs {
		r.buffer = r.buffer[1:]
	}
	r.buffer = append(r.buffer, diff)
}

func (r *Reconstructor) applyDiff(diff Diff) {
	for _, level := range diff.Bids {
		r.setLevel(r.bids, level)
	}
	for _, level := range diff.Asks {
		r.setLevel(r.asks, level)
	}
	r.lastUpdateID = diff.FinalUpdateID
}

// setLevel upserts one [price, quantity] pair. Prices are normalized so
// differently formatted strings for the same price share one level.
func (r *Reconstructor) setLevel(side map[string]string, level []string) {
	if len(level) < 2 {
		return
	}
	price, err := decimal.NewFromString(level[0])
	if err != nil {
		return
	}
	qty, err := decimal.NewFromString(level[1])
	if err != nil {
		return
	}
	key := price.String()
	if qty.IsZero() {
		delete(side, key)
		return
	}
	side[key] = qty.String()
}

func (r *Reconstructor) publishDepth(eventTime time.Time) {
	if r.publisher == nil {
		return
	}
	payload := schema.BookDepthPayload{
		Bids:         topLevels(r.bids, r.cfg.Depth, true),
		Asks:         topLevels(r.asks, r.cfg.Depth, false),
		LastUpdateID: r.lastUpdateID,
		Timestamp:    eventTime,
	}
	r.publisher.Publish(&schema.Event{
		EventID:       uuid.NewString(),
		Kind:          schema.EventTypeBookDepth,
		Symbol:        r.cfg.Symbol,
		EventTime:     eventTime,
		IngestTS:      r.now().UTC(),
		SourceSeq:     r.lastUpdateID,
		SchemaVersion: schema.SchemaVersion,
		Payload:       payload,
	})
}

// topLevels returns the best levels of one side, bids descending and asks
// ascending by price.
func topLevels(side map[string]string, depth int, descending bool) []schema.PriceLevel {
	prices := make([]decimal.Decimal, 0, len(side))
	for raw := range side {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		prices = append(prices, price)
	}
	sort.Slice(prices, func(i, j int) bool {
		if descending {
			return prices[i].GreaterThan(prices[j])
		}
		return prices[i].LessThan(prices[j])
	})
	if len(prices) > depth {
		prices = prices[:depth]
	}
	levels := make([]schema.PriceLevel, 0, len(prices))
	for _, price := range prices {
		key := price.String()
		levels = append(levels, schema.PriceLevel{Price: key, Quantity: side[key]})
	}
	return levels
}

func snapshotTime(snapshot exchange.DepthSnapshot, now func() time.Time) time.Time {
	if snapshot.EventTime > 0 {
		return time.UnixMilli(snapshot.EventTime).UTC()
	}
	return now().UTC()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
