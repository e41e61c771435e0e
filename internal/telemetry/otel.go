// Package telemetry configures OpenTelemetry metric export for the gateway.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/openfeeds/marketgate/internal/config"
)

// Providers groups telemetry provider handles.
type Providers struct {
	MeterProvider apimetric.MeterProvider
}

// Init configures the OTLP metric exporter based on the provided
// configuration. An empty endpoint yields noop providers so instrumented
// code never has to branch.
func Init(ctx context.Context, cfg config.TelemetryConfig) (Providers, func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "marketgate"
	}

	if endpoint == "" {
		providers := Providers{MeterProvider: noop.NewMeterProvider()}
		otel.SetMeterProvider(providers.MeterProvider)
		return providers, func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return Providers{}, nil, err
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return Providers{}, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return Providers{}, nil, fmt.Errorf("create resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	return Providers{MeterProvider: mp}, mp.Shutdown, nil
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	insecure := parsed.Scheme != "https"
	return host, insecure, nil
}

// Observers supplies the gauge read callbacks for the gateway's pipeline
// counters. Nil funcs are skipped.
type Observers struct {
	Published   func() uint64
	Dropped     func() uint64
	Suppressed  func() uint64
	Malformed   func() uint64
	Duplicates  func() uint64
	Reconnects  func() uint64
	WeightUsed  func() int
	BookResyncs func() uint64
}

// RegisterGatewayMetrics wires the pipeline counters into the meter as
// observable instruments read on each export cycle.
func RegisterGatewayMetrics(meter apimetric.Meter, obs Observers) error {
	type gauge struct {
		name string
		desc string
		read func() uint64
	}
	gauges := []gauge{
		{"marketgate.events.published", "Events accepted onto the topic bus.", obs.Published},
		{"marketgate.events.dropped", "Events lost to bus backpressure.", obs.Dropped},
		{"marketgate.events.throttled", "Events suppressed by the publish throttle.", obs.Suppressed},
		{"marketgate.frames.malformed", "Stream frames rejected during normalization.", obs.Malformed},
		{"marketgate.events.duplicates", "Events suppressed by the dedup window.", obs.Duplicates},
		{"marketgate.streams.errors", "Stream transport errors observed.", obs.Reconnects},
		{"marketgate.book.resyncs", "Order book resyncs forced by sequence gaps.", obs.BookResyncs},
	}

	var instruments []apimetric.Observable
	readers := make(map[string]func() uint64)
	counters := make(map[string]apimetric.Int64ObservableCounter)
	for _, g := range gauges {
		if g.read == nil {
			continue
		}
		counter, err := meter.Int64ObservableCounter(g.name, apimetric.WithDescription(g.desc))
		if err != nil {
			return fmt.Errorf("create instrument %s: %w", g.name, err)
		}
		instruments = append(instruments, counter)
		readers[g.name] = g.read
		counters[g.name] = counter
	}

	var weight apimetric.Int64ObservableGauge
	if obs.WeightUsed != nil {
		var err error
		weight, err = meter.Int64ObservableGauge("marketgate.ratelimit.weight_used",
			apimetric.WithDescription("Request weight consumed in the current window."))
		if err != nil {
			return fmt.Errorf("create instrument marketgate.ratelimit.weight_used: %w", err)
		}
		instruments = append(instruments, weight)
	}

	if len(instruments) == 0 {
		return nil
	}
	_, err := meter.RegisterCallback(func(ctx context.Context, observer apimetric.Observer) error {
		for name, read := range readers {
			observer.ObserveInt64(counters[name], int64(read()))
		}
		if obs.WeightUsed != nil {
			observer.ObserveInt64(weight, int64(obs.WeightUsed()))
		}
		return nil
	}, instruments...)
	if err != nil {
		return fmt.Errorf("register metric callback: %w", err)
	}
	return nil
}
