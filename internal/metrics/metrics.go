// Package metrics exposes coordinator counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polzovatel/page-bridge/internal/bridge"
)

// Relay records coordinator events on its own registry.
type Relay struct {
	registry *prometheus.Registry

	commands   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	injections prometheus.Counter
	late       prometheus.Counter
}

func New() *Relay {
	m := &Relay{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_commands_total",
				Help: "Commands handled by the coordinator, by verb and outcome.",
			},
			[]string{"verb", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_command_duration_seconds",
				Help:    "Time from receiving a command to returning its result.",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"verb"},
		),
		injections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_injections_total",
			Help: "Page executor injections.",
		}),
		late: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_late_replies_total",
			Help: "Replies that arrived after their waiter gave up.",
		}),
	}
	m.registry.MustRegister(m.commands, m.latency, m.injections, m.late)
	return m
}

// CommandDone counts a finished command. An empty kind means success.
func (m *Relay) CommandDone(verb bridge.Verb, kind bridge.Kind, took time.Duration) {
	outcome := "ok"
	if kind != "" {
		outcome = string(kind)
	}
	m.commands.WithLabelValues(string(verb), outcome).Inc()
	m.latency.WithLabelValues(string(verb)).Observe(took.Seconds())
}

func (m *Relay) Injected() { m.injections.Inc() }

func (m *Relay) LateReply() { m.late.Inc() }

// Registry is the registry the collectors live on.
func (m *Relay) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Relay) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
