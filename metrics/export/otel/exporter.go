package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	goAuthClient "github.com/MrEthical07/goAuthClient"
	"github.com/MrEthical07/goAuthClient/metrics/export/internaldefs"
	"github.com/MrEthical07/goAuthClient/refresh"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrNilMeter is returned when no meter is supplied.
	ErrNilMeter = errors.New("nil meter")
	// ErrNilSource is returned when no client is supplied.
	ErrNilSource = errors.New("nil metrics source")
)

// source is the part of *goAuthClient.Client the exporter reads.
type source interface {
	MetricsSnapshot() goAuthClient.MetricsSnapshot
	AuditDropped() uint64
	State() refresh.State
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithClock sets the time source used for the expiry and age gauges.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) {
		if now != nil {
			e.now = now
		}
	}
}

type latency struct {
	id      goAuthClient.MetricID
	buckets metric.Int64ObservableCounter
	count   metric.Int64ObservableCounter
}

// Exporter publishes a client's counters, refresh latency and session state through
// observable instruments. Everything is read in one callback per collection.
type Exporter struct {
	src source
	now func() time.Time
	reg metric.Registration

	// counters and gauges are parallel to internaldefs.CounterDefs and GaugeDefs.
	counters []metric.Int64ObservableCounter
	gauges   []metric.Float64ObservableGauge
	latency  []latency
	dropped  metric.Int64ObservableCounter
	le       []metric.ObserveOption
}

// NewExporter registers instruments on meter that read client on every collection.
func NewExporter(meter metric.Meter, client *goAuthClient.Client, opts ...Option) (*Exporter, error) {
	if client == nil {
		return nil, ErrNilSource
	}
	return NewExporterFromSource(meter, client, opts...)
}

// NewExporterFromSource is NewExporter for anything shaped like a client.
func NewExporterFromSource(meter metric.Meter, src source, opts ...Option) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if src == nil {
		return nil, ErrNilSource
	}
	e := &Exporter{src: src, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	for _, label := range internaldefs.HistogramBoundLabels {
		e.le = append(e.le, metric.WithAttributeSet(attribute.NewSet(attribute.String("le", label))))
	}

	var all []metric.Observable
	for _, def := range internaldefs.CounterDefs {
		c, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("otel: counter %s: %w", def.Name, err)
		}
		e.counters = append(e.counters, c)
		all = append(all, c)
	}
	for _, def := range internaldefs.GaugeDefs {
		g, err := meter.Float64ObservableGauge(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("otel: gauge %s: %w", def.Name, err)
		}
		e.gauges = append(e.gauges, g)
		all = append(all, g)
	}
	for _, def := range internaldefs.HistogramDefs {
		b, err := meter.Int64ObservableCounter(def.Name+"_bucket",
			metric.WithDescription(def.Help+" Cumulative count per le bound."))
		if err != nil {
			return nil, fmt.Errorf("otel: buckets %s: %w", def.Name, err)
		}
		n, err := meter.Int64ObservableCounter(def.Name+"_count", metric.WithDescription(def.Help+" Samples."))
		if err != nil {
			return nil, fmt.Errorf("otel: count %s: %w", def.Name, err)
		}
		e.latency = append(e.latency, latency{id: def.ID, buckets: b, count: n})
		all = append(all, b, n)
	}
	dropped, err := meter.Int64ObservableCounter("authclient_audit_dropped_total",
		metric.WithDescription("Audit events dropped under dispatcher backpressure."))
	if err != nil {
		return nil, fmt.Errorf("otel: audit dropped: %w", err)
	}
	e.dropped = dropped
	all = append(all, dropped)

	reg, err := meter.RegisterCallback(e.observe, all...)
	if err != nil {
		return nil, fmt.Errorf("otel: register callback: %w", err)
	}
	e.reg = reg
	return e, nil
}

func (e *Exporter) observe(_ context.Context, o metric.Observer) error {
	snap := e.src.MetricsSnapshot()
	for i, def := range internaldefs.CounterDefs {
		o.ObserveInt64(e.counters[i], int64(snap.Counters[def.ID]))
	}
	for _, h := range e.latency {
		raw, ok := snap.Histograms[h.id]
		if !ok {
			continue
		}
		cum := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))
		for i, opt := range e.le {
			o.ObserveInt64(h.buckets, int64(cum[i]), opt)
		}
		o.ObserveInt64(h.count, int64(cum[len(cum)-1]))
	}
	o.ObserveInt64(e.dropped, int64(e.src.AuditDropped()))

	st, now := e.src.State(), e.now()
	for i, def := range internaldefs.GaugeDefs {
		if v, ok := def.Value(st, now); ok {
			o.ObserveFloat64(e.gauges[i], v)
		}
	}
	return nil
}

// Close unregisters the collection callback.
func (e *Exporter) Close() error {
	if e == nil || e.reg == nil {
		return nil
	}
	return e.reg.Unregister()
}
