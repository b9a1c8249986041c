package tracker

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the tracker's prometheus collectors.
type Metrics struct {
	events             *prometheus.CounterVec
	solitudeExpired    prometheus.Counter
	depressiveEpisodes prometheus.Counter
	snapshotSaves      prometheus.Counter
	snapshotErrors     prometheus.Counter
	guilds             prometheus.Gauge
}

// NewMetrics creates the collectors and registers them when registerer is
// not nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "jointracker",
				Subsystem: "tracker",
				Name:      "presence_events_total",
				Help:      "Presence events handled, by kind.",
			},
			[]string{"kind"},
		),
		solitudeExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jointracker", Subsystem: "tracker", Name: "solitude_timeouts_total",
			Help: "Solitude timers that ran to expiry.",
		}),
		depressiveEpisodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jointracker", Subsystem: "tracker", Name: "depressive_episodes_total",
			Help: "Expired solitude periods resolved and counted.",
		}),
		snapshotSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jointracker", Subsystem: "store", Name: "snapshot_saves_total",
			Help: "Guild snapshots written.",
		}),
		snapshotErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jointracker", Subsystem: "store", Name: "snapshot_errors_total",
			Help: "Guild snapshot writes that failed.",
		}),
		guilds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jointracker", Subsystem: "tracker", Name: "guilds",
			Help: "Guilds loaded in memory.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.events,
			m.solitudeExpired,
			m.depressiveEpisodes,
			m.snapshotSaves,
			m.snapshotErrors,
			m.guilds,
		)
	}

	return m
}
