package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the pipeline and the
// prediction service.
type Metrics struct {
	// Monitoring loop
	DaysProcessed    prometheus.Counter
	DaysFailed       prometheus.Counter
	ReportsPersisted prometheus.Counter
	ReportsPublished prometheus.Counter
	DriftedDays      prometheus.Counter
	DriftDuration    prometheus.Histogram

	// Encoder
	EncoderFallbacks *prometheus.CounterVec

	// Prediction service
	PredictionsServed   prometheus.Counter
	PredictionsFailed   prometheus.Counter
	PredictionCacheHits prometheus.Counter
	RequestDuration     prometheus.Histogram
}

// New creates and registers all metrics.
func New() *Metrics {
	return &Metrics{
		DaysProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "driftwatch_monitor_days_processed_total",
			Help: "Number of monitored days with a persisted drift report",
		}),
		DaysFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "driftwatch_monitor_days_failed_total",
			Help: "Number of monitored days that failed drift computation or persistence",
		}),
		ReportsPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "driftwatch_reports_persisted_total",
			Help: "Number of drift reports written to the metrics store",
		}),
		ReportsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "driftwatch_reports_published_total",
			Help: "Number of drift reports published to Redis",
		}),
		DriftedDays: promauto.NewCounter(prometheus.CounterOpts{
			Name: "driftwatch_drifted_days_total",
			Help: "Number of monitored days with at least one drifted feature",
		}),
		DriftDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "driftwatch_drift_computation_seconds",
			Help:    "Duration of one day's drift report computation",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0},
		}),
		EncoderFallbacks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftwatch_encoder_fallbacks_total",
				Help: "Number of unseen categorical values mapped to a fallback code, per column",
			},
			[]string{"column"},
		),
		PredictionsServed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "driftwatch_predictions_served_total",
			Help: "Number of prediction requests answered successfully",
		}),
		PredictionsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "driftwatch_predictions_failed_total",
			Help: "Number of prediction requests that returned an error payload",
		}),
		PredictionCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "driftwatch_prediction_cache_hits_total",
			Help: "Number of prediction requests served from the response cache",
		}),
		RequestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "driftwatch_request_duration_seconds",
			Help:    "Duration of prediction request handling",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),
	}
}
