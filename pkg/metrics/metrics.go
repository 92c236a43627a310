// Package metrics exposes the engine's prometheus instruments on a
// dedicated registry. Counters and histograms are bumped inline by the
// packages doing the work; whole-system gauges come from DBCollector so
// they stay correct across replicas.
package metrics

import (
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Registry holds every mosaic metric. DBCollector is registered by the
// caller once a database handle exists.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		CardsStarted, CardsFinished,
		ClaimDuration, EventsAppended,
		StreamSubscribers,
	)
}

// CardsStarted counts first attempts per card type. Retries do not
// count again, matching the card.started event.
var CardsStarted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mosaic_cards_started_total",
		Help: "Cards that began their first attempt, by card type.",
	},
	[]string{"card_type"},
)

// CardsFinished counts terminal card transitions.
var CardsFinished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mosaic_cards_finished_total",
		Help: "Cards that reached a terminal status, by card type and status.",
	},
	[]string{"card_type", "status"},
)

// ClaimDuration tracks the ready-card claim query.
var ClaimDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "mosaic_claim_duration_seconds",
		Help:    "Latency of one ready-card claim round trip.",
		Buckets: prometheus.DefBuckets,
	},
)

// EventsAppended counts events committed to the job event log.
var EventsAppended = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "mosaic_events_appended_total",
		Help: "Events appended to the job event log.",
	},
)

// StreamSubscribers gauges open live event streams on this instance.
var StreamSubscribers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "mosaic_stream_subscribers",
		Help: "Open event stream subscriptions.",
	},
)

// Handler serves the registry in prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// WritePrometheus writes the registry in prometheus text format,
// for surfaces that are not plain http handlers.
func WritePrometheus(w io.Writer) error {
	return write(w, Registry)
}

func write(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
