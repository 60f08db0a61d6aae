package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdash_turns_total",
			Help: "Total number of handled conversation turns by outcome.",
		},
		[]string{"outcome"},
	)
	turnDurationMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askdash_turn_duration_ms",
			Help:    "End-to-end turn handling latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000},
		},
	)
	guardRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdash_guard_rejections_total",
			Help: "Total number of SQL guard rejections by reason code.",
		},
		[]string{"reason"},
	)
	guardLimitAutoFixedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askdash_guard_limit_auto_fixed_total",
			Help: "Total number of queries that had a LIMIT injected or capped.",
		},
	)
	followUpDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdash_follow_up_decisions_total",
			Help: "Total number of follow-up resolutions by kind (including downgrades).",
		},
		[]string{"kind"},
	)
	sqlGenerationLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askdash_sql_generation_latency_ms",
			Help:    "Latency of the external SQL generation collaborator in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 20000},
		},
	)
)

func init() {
	prometheus.MustRegister(
		turnsTotal,
		turnDurationMs,
		guardRejectionsTotal,
		guardLimitAutoFixedTotal,
		followUpDecisionsTotal,
		sqlGenerationLatencyMs,
	)
}

func ObserveTurn(outcome string, elapsed time.Duration) {
	turnsTotal.WithLabelValues(outcome).Inc()
	turnDurationMs.Observe(float64(elapsed.Milliseconds()))
}

func IncrementGuardRejection(reason string) {
	guardRejectionsTotal.WithLabelValues(reason).Inc()
}

func IncrementGuardLimitAutoFixed() {
	guardLimitAutoFixedTotal.Inc()
}

func IncrementFollowUpDecision(kind string) {
	followUpDecisionsTotal.WithLabelValues(kind).Inc()
}

func ObserveSQLGeneration(elapsed time.Duration) {
	sqlGenerationLatencyMs.Observe(float64(elapsed.Milliseconds()))
}
