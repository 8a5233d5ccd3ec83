// Package metrics defines the Prometheus collectors the engine updates.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors groups the engine's metrics. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	Steps        prometheus.Counter
	Runs         prometheus.Counter
	Births       *prometheus.CounterVec
	Deaths       *prometheus.CounterVec
	Population   prometheus.Gauge
	StepDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		Steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ecosim",
			Name:      "steps_total",
			Help:      "Simulation steps completed.",
		}),
		Runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ecosim",
			Name:      "runs_total",
			Help:      "Experiment runs completed.",
		}),
		Births: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecosim",
			Name:      "births_total",
			Help:      "Agents admitted to a simulation, by species.",
		}, []string{"species"}),
		Deaths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecosim",
			Name:      "deaths_total",
			Help:      "Agents removed from a simulation, by species.",
		}, []string{"species"}),
		Population: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ecosim",
			Name:      "population",
			Help:      "Live agents after the last step.",
		}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ecosim",
			Name:      "step_duration_seconds",
			Help:      "Wall time of one simulation step.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}

	for _, col := range []prometheus.Collector{c.Steps, c.Runs, c.Births, c.Deaths, c.Population, c.StepDuration} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveStep records one completed step.
func (c *Collectors) ObserveStep(seconds float64, population int) {
	if c == nil {
		return
	}
	c.Steps.Inc()
	c.StepDuration.Observe(seconds)
	c.Population.Set(float64(population))
}

// Born counts one admitted agent.
func (c *Collectors) Born(species string) {
	if c == nil {
		return
	}
	c.Births.WithLabelValues(species).Inc()
}

// Died counts one removed agent.
func (c *Collectors) Died(species string) {
	if c == nil {
		return
	}
	c.Deaths.WithLabelValues(species).Inc()
}

// RunFinished counts one completed run.
func (c *Collectors) RunFinished() {
	if c == nil {
		return
	}
	c.Runs.Inc()
}
