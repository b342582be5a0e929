package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog/log"

	"github.com/neilb/switchman/cfg"
)

var registry *prometheus.Registry

type Histogram interface {
	Observe(float64)
}

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
	Sub(float64)
	SetToCurrentTime()
}

// Vec types for labeled metrics
type CounterVec interface {
	With(labels ...string) Counter
}

type HistogramVec interface {
	With(labels ...string) Histogram
}

type NoopStat struct{}

// noopCounterVec, noopHistogramVec for type safety
type noopCounterVec struct{}
type noopHistogramVec struct{}

func (n noopCounterVec) With(labels ...string) Counter     { return NoopStat{} }
func (n noopHistogramVec) With(labels ...string) Histogram { return NoopStat{} }

// Prometheus Vec wrappers
type prometheusCounterVec struct {
	vec *prometheus.CounterVec
}

func (p *prometheusCounterVec) With(labelValues ...string) Counter {
	return p.vec.WithLabelValues(labelValues...)
}

type prometheusHistogramVec struct {
	vec *prometheus.HistogramVec
}

func (p *prometheusHistogramVec) With(labelValues ...string) Histogram {
	return p.vec.WithLabelValues(labelValues...)
}

func (n NoopStat) Observe(float64) {
}

func (n NoopStat) Set(float64) {
}

func (n NoopStat) Dec() {
}

func (n NoopStat) Sub(float64) {
}

func (n NoopStat) SetToCurrentTime() {
}

func (n NoopStat) Inc() {
}

func (n NoopStat) Add(float64) {
}

func NewGauge(name string, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}

	ret := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "switchman",
		Name:      name,
		Help:      help,
		ConstLabels: map[string]string{
			"node_id": strconv.FormatUint(cfg.Config.NodeID, 10),
		},
	})

	registry.MustRegister(ret)
	return ret
}

func NewHistogramWithBuckets(name, help string, buckets []float64) Histogram {
	if registry == nil {
		return NoopStat{}
	}

	ret := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "switchman",
		Name:      name,
		Help:      help,
		Buckets:   buckets,
		ConstLabels: map[string]string{
			"node_id": strconv.FormatUint(cfg.Config.NodeID, 10),
		},
	})

	registry.MustRegister(ret)
	return ret
}

func NewCounterVec(name, help string, labels []string) CounterVec {
	if registry == nil {
		return noopCounterVec{}
	}

	ret := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "switchman",
		Name:      name,
		Help:      help,
		ConstLabels: map[string]string{
			"node_id": strconv.FormatUint(cfg.Config.NodeID, 10),
		},
	}, labels)

	registry.MustRegister(ret)
	return &prometheusCounterVec{vec: ret}
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) HistogramVec {
	if registry == nil {
		return noopHistogramVec{}
	}

	ret := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "switchman",
		Name:      name,
		Help:      help,
		Buckets:   buckets,
		ConstLabels: map[string]string{
			"node_id": strconv.FormatUint(cfg.Config.NodeID, 10),
		},
	}, labels)

	registry.MustRegister(ret)
	return &prometheusHistogramVec{vec: ret}
}

// InitializeTelemetry creates the registry when telemetry is enabled. With
// no registry every metric stays a noop, so instrumented code never asks
// whether telemetry is on.
func InitializeTelemetry() {
	if !cfg.Config.Telemetry.Enabled {
		return
	}

	registry = prometheus.NewRegistry()
	log.Debug().Str("pushgateway", cfg.Config.Telemetry.PushgatewayURL).Msg("Telemetry enabled")
}

// Push uploads the run's metrics to the Pushgateway, grouped by job, lock
// and host so concurrent instances do not overwrite one another. A
// short-lived wrapper has no scrape window; pushing on completion is what
// makes the run visible at all. Best effort: failures are logged and never
// affect the exit path.
func Push(lock string) {
	if registry == nil {
		return
	}

	pusher := push.New(cfg.Config.Telemetry.PushgatewayURL, "switchman").
		Gatherer(registry).
		Grouping("lock", lock).
		Grouping("host", cfg.Config.Hostname).
		Client(&http.Client{Timeout: 5 * time.Second})
	if err := pusher.Push(); err != nil {
		log.Warn().Err(err).Msg("Failed to push metrics")
		return
	}
	log.Debug().Str("lock", lock).Msg("Metrics pushed")
}
