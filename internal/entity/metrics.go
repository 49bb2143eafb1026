package entity

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/nonsense/internal/async"
	"github.com/seantiz/nonsense/internal/model"
)

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nonsense_entity_transitions_total",
			Help: "Total number of entity start and stop transitions.",
		},
		[]string{"op", "result"},
	)

	transitionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nonsense_entity_transition_seconds",
			Help:    "Entity transition duration in seconds, lock wait included.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	liveEntities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nonsense_live_entities",
			Help: "Number of entities with a running helper.",
		},
	)
)

func init() {
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(transitionDuration)
	prometheus.MustRegister(liveEntities)
}

// observeTransition records the outcome of one transition.
func observeTransition(op string, err *async.Error, started time.Time) {
	result := model.ResultOK
	if err != nil {
		result = model.ResultFailed
	}
	transitionsTotal.WithLabelValues(op, result).Inc()
	transitionDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}
