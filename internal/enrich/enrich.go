// Package enrich defines the extension point where downstream systems can
// annotate events before publication.
package enrich

import (
	"context"

	"github.com/openfeeds/marketgate/internal/schema"
)

// Enricher annotates an event between normalization and publication. An
// enricher may mutate the event's payload or flag it; returning an error
// drops the event.
type Enricher interface {
	Enrich(ctx context.Context, evt *schema.Event) error
}

// Func adapts a function to the Enricher interface.
type Func func(ctx context.Context, evt *schema.Event) error

// Enrich implements Enricher.
func (f Func) Enrich(ctx context.Context, evt *schema.Event) error {
	return f(ctx, evt)
}

// Chain applies enrichers in order, stopping at the first error.
type Chain []Enricher

// Enrich implements Enricher.
func (c Chain) Enrich(ctx context.Context, evt *schema.Event) error {
	for _, enricher := range c {
		if err := enricher.Enrich(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// Noop returns an enricher that passes events through untouched.
func Noop() Enricher {
	return Func(func(context.Context, *schema.Event) error { return nil })
}
