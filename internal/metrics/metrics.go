package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the forecasting engine.
type Metrics struct {
	ForecastsTotal  prometheus.Counter
	ForecastErrors  *prometheus.CounterVec
	TrainingsByKind *prometheus.CounterVec
	TrainingSeconds prometheus.Histogram
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	BatchKeys       prometheus.Counter
	BatchFailures   *prometheus.CounterVec
	Invalidations   prometheus.Counter
	StoreErrors     prometheus.Counter
}

// New creates and registers all metrics.
func New() *Metrics {
	return &Metrics{
		ForecastsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "demand_forecasts_total",
			Help: "Total number of forecast results produced",
		}),
		ForecastErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "demand_forecast_errors_total",
				Help: "Forecast failures by reason",
			},
			[]string{"reason"},
		),
		TrainingsByKind: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "demand_model_trainings_total",
				Help: "Model training runs by model kind",
			},
			[]string{"kind"},
		),
		TrainingSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "demand_training_duration_seconds",
			Help:    "Wall time of one build+train pipeline run",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "demand_model_cache_hits_total",
			Help: "Forecast requests served from a fresh cached model",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "demand_model_cache_misses_total",
			Help: "Forecast requests that required training",
		}),
		BatchKeys: promauto.NewCounter(prometheus.CounterOpts{
			Name: "demand_batch_keys_total",
			Help: "Series keys processed by batch forecast runs",
		}),
		BatchFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "demand_batch_failures_total",
				Help: "Per-key batch failures by reason",
			},
			[]string{"reason"},
		),
		Invalidations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "demand_cache_invalidations_total",
			Help: "Explicit model cache invalidations",
		}),
		StoreErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "demand_store_errors_total",
			Help: "Failures persisting forecasts or accuracy reports",
		}),
	}
}
