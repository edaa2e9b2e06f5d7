package web

import (
	"github.com/prometheus/client_golang/prometheus"

	"proxyprobe/internal/probe"
)

// Metrics 汇总探测相关的 Prometheus 指标。
type Metrics struct {
	probes    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	downloads *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxyprobe",
			Name:      "probes_total",
			Help:      "Finished probes by proxy scheme and outcome.",
		}, []string{"scheme", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "proxyprobe",
			Name:      "probe_latency_seconds",
			Help:      "Latency of successful probes.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		}, []string{"scheme"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxyprobe",
			Name:      "downloads_total",
			Help:      "Finished downloads by ecode, or \"error\".",
		}, []string{"result"}),
	}
	reg.MustRegister(m.probes, m.latency, m.downloads)
	return m
}

// RegisterPoolSize exposes the pool size as a gauge evaluated on scrape.
func (m *Metrics) RegisterPoolSize(reg prometheus.Registerer, size func() float64) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "proxyprobe",
		Name:      "pool_records",
		Help:      "Records currently held by the proxy pool.",
	}, size))
}

func (m *Metrics) ObserveProbe(scheme probe.Scheme, res probe.Result) {
	outcome := "success"
	if !res.Success {
		outcome = string(res.Kind)
	}
	m.probes.WithLabelValues(scheme.String(), outcome).Inc()
	if res.Success && res.Latency != nil {
		m.latency.WithLabelValues(scheme.String()).Observe(res.Latency.Seconds())
	}
}

func (m *Metrics) ObserveDownload(result string) {
	m.downloads.WithLabelValues(result).Inc()
}
