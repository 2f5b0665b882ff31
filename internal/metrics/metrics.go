// Package metrics exports broadcast and runtime instruments over OTLP.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"castbot/internal/broadcast"
	logx "castbot/pkg/logx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const instrumentationName = "castbot"

type Config struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	Interval    time.Duration
	ServiceName string
	Version     string
}

// Provider owns the meter provider and the instruments built on it.
type Provider struct {
	mp    *sdkmetric.MeterProvider
	meter metric.Meter
	log   logx.Logger

	attempts     metric.Int64Counter
	throttleWait metric.Float64Histogram
	jobs         metric.Int64Counter
	recipients   metric.Int64Counter
	jobDuration  metric.Float64Histogram
}

// New builds a provider exporting over OTLP gRPC. A disabled config yields
// a provider whose instruments are no-ops.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Provider, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if !cfg.Enabled {
		return newProvider(nil, noop.NewMeterProvider().Meter(instrumentationName), log)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return NewWithReader(cfg, sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval)), log)
}

// NewWithReader builds a provider on an explicit reader.
func NewWithReader(cfg Config, reader sdkmetric.Reader, log logx.Logger) (*Provider, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "castbot"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", name),
		attribute.String("service.version", cfg.Version),
	)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	return newProvider(mp, mp.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.Version)), log)
}

func newProvider(mp *sdkmetric.MeterProvider, meter metric.Meter, log logx.Logger) (*Provider, error) {
	p := &Provider{mp: mp, meter: meter, log: log}
	var err, e error
	p.attempts, e = meter.Int64Counter("castbot.broadcast.attempts",
		metric.WithDescription("Delivery attempts by outcome"),
		metric.WithUnit("{attempt}"))
	err = errors.Join(err, e)
	p.throttleWait, e = meter.Float64Histogram("castbot.broadcast.throttle_wait",
		metric.WithDescription("Time spent waiting on flood control"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.25, 1, 2.5, 5, 10, 30, 60))
	err = errors.Join(err, e)
	p.jobs, e = meter.Int64Counter("castbot.broadcast.jobs",
		metric.WithDescription("Finished broadcast jobs"),
		metric.WithUnit("{job}"))
	err = errors.Join(err, e)
	p.recipients, e = meter.Int64Counter("castbot.broadcast.recipients",
		metric.WithDescription("Recipients of finished jobs by result"),
		metric.WithUnit("{recipient}"))
	err = errors.Join(err, e)
	p.jobDuration, e = meter.Float64Histogram("castbot.broadcast.job_duration",
		metric.WithDescription("Wall time of a broadcast job"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 60, 300, 900, 3600))
	err = errors.Join(err, e)
	if err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}
	return p, nil
}

func (p *Provider) Attempt(ctx context.Context, outcome broadcast.Outcome) {
	p.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome.String())))
}

func (p *Provider) ThrottleWait(ctx context.Context, d time.Duration) {
	p.throttleWait.Record(ctx, d.Seconds())
}

func (p *Provider) JobFinished(ctx context.Context, rep broadcast.Report, took time.Duration) {
	p.jobs.Add(ctx, 1, metric.WithAttributes(attribute.Bool("cancelled", rep.Cancelled)))
	for result, n := range map[string]int{"succeeded": rep.Succeeded, "failed": rep.Failed, "skipped": rep.Skipped} {
		if n > 0 {
			p.recipients.Add(ctx, int64(n), metric.WithAttributes(attribute.String("result", result)))
		}
	}
	p.jobDuration.Record(ctx, took.Seconds())
}

// Gauge registers an asynchronous gauge read from fn at each collection.
func (p *Provider) Gauge(name, desc string, fn func() int64) error {
	_, err := p.meter.Int64ObservableGauge(name,
		metric.WithDescription(desc),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn())
			return nil
		}))
	return err
}

// Shutdown flushes pending data. It is a no-op for a disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.mp == nil {
		return nil
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		p.log.Warn("metric provider shutdown failed", logx.Err(err))
		return err
	}
	return nil
}

var _ broadcast.Metrics = (*Provider)(nil)
