package prometheus

import (
	"net/http"
	"time"

	goAuthClient "github.com/MrEthical07/goAuthClient"
	"github.com/MrEthical07/goAuthClient/metrics/export/internaldefs"
	"github.com/MrEthical07/goAuthClient/refresh"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsSource interface {
	MetricsSnapshot() goAuthClient.MetricsSnapshot
	AuditDropped() uint64
	State() refresh.State
}

const auditDroppedName = "authclient_audit_dropped_total"

// Collector is a prometheus.Collector reading a client's snapshot on every scrape.
type Collector struct {
	source       metricsSource
	now          func() time.Time
	counters     []*prometheus.Desc
	histograms   []*prometheus.Desc
	gauges       []*prometheus.Desc
	auditDropped *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a Collector for client.
func NewCollector(client *goAuthClient.Client) *Collector {
	return NewCollectorFromSource(client)
}

// NewCollectorFromSource creates a Collector from any snapshot source.
func NewCollectorFromSource(source metricsSource) *Collector {
	c := &Collector{source: source, now: time.Now}
	for _, def := range internaldefs.CounterDefs {
		c.counters = append(c.counters, prometheus.NewDesc(def.Name, def.Help, nil, nil))
	}
	for _, def := range internaldefs.HistogramDefs {
		c.histograms = append(c.histograms, prometheus.NewDesc(def.Name, def.Help, nil, nil))
	}
	for _, def := range internaldefs.GaugeDefs {
		c.gauges = append(c.gauges, prometheus.NewDesc(def.Name, def.Help, nil, nil))
	}
	c.auditDropped = prometheus.NewDesc(auditDroppedName, "Audit events dropped under dispatcher backpressure.", nil, nil)
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d
	}
	for _, d := range c.histograms {
		ch <- d
	}
	for _, d := range c.gauges {
		ch <- d
	}
	ch <- c.auditDropped
}

// Collect implements prometheus.Collector. A disabled source yields nothing.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.source == nil {
		return
	}
	snapshot := c.source.MetricsSnapshot()
	dropped := c.source.AuditDropped()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && dropped == 0 {
		return
	}

	for i, def := range internaldefs.CounterDefs {
		ch <- prometheus.MustNewConstMetric(c.counters[i], prometheus.CounterValue, float64(snapshot.Counters[def.ID]))
	}

	for i, def := range internaldefs.HistogramDefs {
		raw, ok := snapshot.Histograms[def.ID]
		if !ok {
			continue
		}
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))
		buckets := make(map[float64]uint64, len(internaldefs.HistogramUpperBounds))
		for j, le := range internaldefs.HistogramUpperBounds {
			buckets[le] = cumulative[j]
		}
		// Snapshots carry bucket counts only, so the sum is reported as zero.
		ch <- prometheus.MustNewConstHistogram(c.histograms[i], cumulative[len(cumulative)-1], 0, buckets)
	}

	ch <- prometheus.MustNewConstMetric(c.auditDropped, prometheus.CounterValue, float64(dropped))

	st, now := c.source.State(), c.now()
	for i, def := range internaldefs.GaugeDefs {
		if v, ok := def.Value(st, now); ok {
			ch <- prometheus.MustNewConstMetric(c.gauges[i], prometheus.GaugeValue, v)
		}
	}
}

// Exporter serves a client's metrics from a private registry.
type Exporter struct {
	registry *prometheus.Registry
}

// NewExporter registers a Collector for client in a fresh registry.
func NewExporter(client *goAuthClient.Client) *Exporter {
	return NewExporterFromSource(client)
}

// NewExporterFromSource registers a Collector for source in a fresh registry.
func NewExporterFromSource(source metricsSource) *Exporter {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollectorFromSource(source))
	return &Exporter{registry: reg}
}

// Registry exposes the registry, for callers that gather or add their own collectors.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
