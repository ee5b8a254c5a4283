package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	namespace = "cms_extractor"
	pushJob   = "cms_extractor"
)

// Recorder holds the run metrics on its own registry, so each run pushes a
// clean set.
type Recorder struct {
	reg *prometheus.Registry

	datasetsTotal      *prometheus.CounterVec
	distributionsTotal *prometheus.CounterVec
	stateUpdates       prometheus.Gauge
	runDuration        prometheus.Histogram
	lastSuccess        prometheus.Gauge
	discovered         prometheus.Gauge
	matched            prometheus.Gauge
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Recorder{
		reg: reg,
		datasetsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datasets_total",
				Help:      "Datasets handled, by outcome",
			},
			[]string{"outcome"},
		),
		distributionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "distributions_total",
				Help:      "CSV distributions handled, by status",
			},
			[]string{"status"},
		),
		stateUpdates: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state_updates",
			Help:      "Distributions merged into the state file by the last run",
		}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a job run",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last completed run",
		}),
		discovered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_datasets",
			Help:      "Datasets listed by the catalog",
		}),
		matched: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "matched_datasets",
			Help:      "Datasets selected by the theme filter",
		}),
	}
}

// Registry exposes the registry for gathering.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

func (r *Recorder) Catalog(discovered, matched int) {
	r.discovered.Set(float64(discovered))
	r.matched.Set(float64(matched))
}

func (r *Recorder) Dataset(outcome string) {
	r.datasetsTotal.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Distribution(status string) {
	r.distributionsTotal.WithLabelValues(status).Inc()
}

// RunFinished records a completed run (including partial failures).
func (r *Recorder) RunFinished(updates int, duration time.Duration, at time.Time) {
	r.stateUpdates.Set(float64(updates))
	r.runDuration.Observe(duration.Seconds())
	r.lastSuccess.Set(float64(at.Unix()))
}

// Push sends the registry to a Pushgateway.
func (r *Recorder) Push(ctx context.Context, url, instance string) error {
	p := push.New(url, pushJob).Gatherer(r.reg)
	if instance != "" {
		p = p.Grouping("instance", instance)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
