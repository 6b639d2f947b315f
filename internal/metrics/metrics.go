// Package metrics exposes conversion counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"velapack/internal/pipeline"
)

// Metrics records conversion outcomes.
type Metrics interface {
	IncConversions(status string)
	IncStageFailures(stage string)
	ObserveCompile(durationSeconds float64)
	IncOverwriteFallbacks()
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncConversions(string)   {}
func (Noop) IncStageFailures(string) {}
func (Noop) ObserveCompile(float64)  {}
func (Noop) IncOverwriteFallbacks()  {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	conversions   *prometheus.CounterVec
	stageFailures *prometheus.CounterVec
	compile       prometheus.Histogram
	overwrites    prometheus.Counter
}

// NewProm creates the collectors and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prom{
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Conversions by final status",
		}, []string{"status"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Failed conversions by the stage that failed",
		}, []string{"stage"}),
		compile: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compile_duration_seconds",
			Help:      "Wall time of successful compiler runs",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90, 120},
		}),
		overwrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overwrite_fallbacks_total",
			Help:      "Conversions whose compiler output was found only as an overwritten input",
		}),
	}
	reg.MustRegister(p.conversions, p.stageFailures, p.compile, p.overwrites)
	return p
}

func (p *Prom) IncConversions(status string) {
	p.conversions.WithLabelValues(status).Inc()
}

func (p *Prom) IncStageFailures(stage string) {
	p.stageFailures.WithLabelValues(stage).Inc()
}

func (p *Prom) ObserveCompile(durationSeconds float64) {
	p.compile.Observe(durationSeconds)
}

func (p *Prom) IncOverwriteFallbacks() {
	p.overwrites.Inc()
}

// Handler returns an HTTP handler for /metrics backed by g. A nil g uses
// the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Observer feeds pipeline events into M. A nil M records nothing.
type Observer struct {
	M Metrics
}

func (o Observer) Observe(e pipeline.Event) {
	m := o.M
	if m == nil {
		m = Noop{}
	}
	switch {
	case e.Kind == pipeline.EventStage && e.Stage == pipeline.Compiled:
		m.ObserveCompile(e.Duration.Seconds())
	case e.Kind == pipeline.EventStage && e.Stage == pipeline.Done:
		m.IncConversions("ok")
	case e.Kind == pipeline.EventWarning && e.Code == pipeline.WarnOverwrite:
		m.IncOverwriteFallbacks()
	case e.Kind == pipeline.EventFailed:
		m.IncConversions("failed")
		m.IncStageFailures(e.Stage.String())
	}
}
