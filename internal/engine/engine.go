// Package engine is the library boundary of the forecasting core: it
// wires series building, model selection, training, caching and
// evaluation behind the four operations the rest of the system calls.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/prepsense/demand/internal/api"
	"github.com/prepsense/demand/internal/eval"
	"github.com/prepsense/demand/internal/metrics"
	"github.com/prepsense/demand/internal/model"
	"github.com/prepsense/demand/internal/registry"
	"github.com/prepsense/demand/internal/series"
	"github.com/prepsense/demand/internal/store"
)

// Config assembles an Engine. Source is required; Store and Metrics are
// optional sinks.
type Config struct {
	Source  series.EventSource
	Store   store.Store
	Metrics *metrics.Metrics
	Params  api.Params
	Workers int
}

// Engine exposes the forecasting core to callers. All operations are safe
// for concurrent use; the model registry is the only shared mutable state.
type Engine struct {
	builder   *series.Builder
	registry  *registry.Registry
	evaluator *eval.Evaluator
	store     store.Store
	metrics   *metrics.Metrics
	params    api.Params
	workers   int
}

// New creates an engine from the given configuration.
func New(cfg Config) (*Engine, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("event source is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}

	builder := series.NewBuilder(cfg.Source, cfg.Params)
	reg, err := registry.New(builder, cfg.Params, cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Engine{
		builder:   builder,
		registry:  reg,
		evaluator: eval.NewEvaluator(builder, cfg.Params),
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		params:    cfg.Params,
		workers:   cfg.Workers,
	}, nil
}

// Forecast produces a calibrated demand estimate for one key over
// horizonDays future days. A zero asOf means now.
func (e *Engine) Forecast(ctx context.Context, placeID int64, itemID *int64, horizonDays int, asOf time.Time) (*api.ForecastResult, error) {
	if horizonDays < 1 {
		return nil, fmt.Errorf("horizon must be >= 1, got %d", horizonDays)
	}
	if asOf.IsZero() {
		asOf = time.Now()
	}

	key := api.NewSeriesKey(placeID, itemID)
	result, err := e.forecastKey(ctx, key, horizonDays, asOf)
	if err != nil {
		if e.metrics != nil {
			e.metrics.ForecastErrors.WithLabelValues(api.Reason(err)).Inc()
		}
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.ForecastsTotal.Inc()
	}
	return result, nil
}

// forecastKey runs the cached pipeline for one key and persists the
// result best-effort.
func (e *Engine) forecastKey(ctx context.Context, key api.SeriesKey, horizonDays int, asOf time.Time) (*api.ForecastResult, error) {
	m, err := e.registry.GetOrTrain(ctx, key, asOf)
	if err != nil {
		return nil, err
	}

	result, err := model.Forecast(m, horizonDays, e.params)
	if err != nil {
		return nil, err
	}

	if e.store != nil {
		if err := e.store.SaveForecast(ctx, result); err != nil {
			log.Printf("failed to persist forecast for %s: %v", key, err)
			if e.metrics != nil {
				e.metrics.StoreErrors.Inc()
			}
		}
	}
	return result, nil
}

// EvaluateAccuracy back-tests the key's model against held-out recent
// history and persists the report best-effort.
func (e *Engine) EvaluateAccuracy(ctx context.Context, placeID int64, itemID *int64) (*api.AccuracyReport, error) {
	key := api.NewSeriesKey(placeID, itemID)

	report, err := e.evaluator.Evaluate(ctx, key, time.Now())
	if err != nil {
		return nil, err
	}

	if e.store != nil {
		if err := e.store.SaveReport(ctx, report); err != nil {
			log.Printf("failed to persist accuracy report for %s: %v", key, err)
			if e.metrics != nil {
				e.metrics.StoreErrors.Inc()
			}
		}
	}
	return report, nil
}

// Invalidate discards any cached model for the key, forcing the next
// forecast to retrain from the data source.
func (e *Engine) Invalidate(placeID int64, itemID *int64) {
	e.registry.Invalidate(api.NewSeriesKey(placeID, itemID))
	if e.metrics != nil {
		e.metrics.Invalidations.Inc()
	}
}

// CacheStats exposes registry counters for the health endpoint.
func (e *Engine) CacheStats() registry.Stats {
	return e.registry.Stats()
}
