// Package registry caches trained models per series key so forecast
// requests do not retrain on every call. The cache is purely a
// performance layer: a cold registry reproduces identical results from
// the data source.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/prepsense/demand/internal/api"
	"github.com/prepsense/demand/internal/metrics"
	"github.com/prepsense/demand/internal/model"
	"github.com/prepsense/demand/internal/series"
)

// Registry maps SeriesKey to an immutable TrainedModel, bounded by LRU
// eviction. Staleness is cutoff-based: a cached model is retrained as soon
// as sale events exist past its training cutoff, with MaxModelAge as a
// secondary wall-clock bound. Concurrent requests for the same key
// collapse into a single training run via singleflight.
type Registry struct {
	cache   *lru.Cache[api.SeriesKey, *model.TrainedModel]
	group   singleflight.Group
	builder *series.Builder
	params  api.Params
	metrics *metrics.Metrics // optional

	mu        sync.Mutex
	hits      uint64
	misses    uint64
	trainings uint64
}

// Stats exposes registry counters for observability.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Trainings uint64 `json:"trainings"`
	Size      int    `json:"size"`
}

// New creates a registry over the given series builder. mets may be nil
// (tests construct isolated registries without Prometheus registration).
func New(builder *series.Builder, params api.Params, mets *metrics.Metrics) (*Registry, error) {
	cache, err := lru.New[api.SeriesKey, *model.TrainedModel](params.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Registry{
		cache:   cache,
		builder: builder,
		params:  params,
		metrics: mets,
	}, nil
}

// GetOrTrain returns a fresh cached model for key as of asOf, training and
// registering a new one when none exists or the cached one is stale. A
// second concurrent call for the same key waits for and reuses the
// in-flight result instead of training twice. Prior entries are replaced,
// never mutated.
func (r *Registry) GetOrTrain(ctx context.Context, key api.SeriesKey, asOf time.Time) (*model.TrainedModel, error) {
	asOfDay := api.Day(asOf)
	sfKey := fmt.Sprintf("%s@%s", key, asOfDay.Format("2006-01-02"))

	v, err, _ := r.group.Do(sfKey, func() (interface{}, error) {
		if cached, ok := r.cache.Get(key); ok && r.fresh(ctx, cached, asOfDay) {
			r.count(&r.hits)
			if r.metrics != nil {
				r.metrics.CacheHits.Inc()
			}
			return cached, nil
		}
		r.count(&r.misses)
		if r.metrics != nil {
			r.metrics.CacheMisses.Inc()
		}
		return r.train(ctx, key, asOfDay)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.TrainedModel), nil
}

// Invalidate discards any cached model for key, e.g. after a bulk data
// correction. The next request retrains from the source.
func (r *Registry) Invalidate(key api.SeriesKey) {
	r.cache.Remove(key)
}

// Stats returns current registry counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Hits:      r.hits,
		Misses:    r.misses,
		Trainings: r.trainings,
		Size:      r.cache.Len(),
	}
}

// fresh reports whether a cached model can serve a request as of asOfDay.
// The probe asks the source for sale days past the cached cutoff; any
// probe failure is treated as stale so the full (retried) training path
// decides the outcome.
func (r *Registry) fresh(ctx context.Context, m *model.TrainedModel, asOfDay time.Time) bool {
	if r.params.MaxModelAge > 0 && time.Since(m.TrainedAt) > r.params.MaxModelAge {
		return false
	}
	latest, err := r.builder.LatestSaleDay(ctx, m.Key, m.TrainingCutoff, asOfDay)
	if err != nil {
		return false
	}
	return latest.IsZero()
}

// train runs the full pipeline for one key: build series, select
// estimator, fit. A numerical failure on the seasonal path automatically
// retries the fallback estimator before surfacing anything to the caller.
func (r *Registry) train(ctx context.Context, key api.SeriesKey, asOfDay time.Time) (*model.TrainedModel, error) {
	start := time.Now()

	points, err := r.builder.Build(ctx, key, asOfDay)
	if err != nil {
		return nil, err
	}

	kind := model.Select(points, r.params)
	m, err := model.Train(key, points, kind, r.params)
	if err != nil && kind == model.KindSeasonal && errors.Is(err, api.ErrModelFit) {
		log.Printf("seasonal fit failed for %s, retrying fallback: %v", key, err)
		m, err = model.Train(key, points, model.KindFallback, r.params)
	}
	if err != nil {
		return nil, err
	}

	r.cache.Add(key, m)
	r.count(&r.trainings)
	if r.metrics != nil {
		r.metrics.TrainingsByKind.WithLabelValues(string(m.Kind)).Inc()
		r.metrics.TrainingSeconds.Observe(time.Since(start).Seconds())
	}
	return m, nil
}

func (r *Registry) count(field *uint64) {
	r.mu.Lock()
	*field++
	r.mu.Unlock()
}
