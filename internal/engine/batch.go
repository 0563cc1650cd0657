package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prepsense/demand/internal/api"
)

// Outcome is the per-key result of a batch run: either a forecast or a
// failure reason. One key's failure never aborts the others.
type Outcome struct {
	Key    api.SeriesKey       `json:"key"`
	Result *api.ForecastResult `json:"result,omitempty"`
	Reason string              `json:"reason,omitempty"`
}

// BatchReport aggregates a batch run.
type BatchReport struct {
	RunID      string                    `json:"run_id"`
	Horizon    int                       `json:"horizon_days"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
	Outcomes   map[api.SeriesKey]Outcome `json:"outcomes"`
	Succeeded  int                       `json:"succeeded"`
	Failed     int                       `json:"failed"`
}

// BatchForecast fans the forecasting pipeline out over many keys with a
// bounded worker pool. Keys are processed independently: per-key event
// data lives only for the duration of that key's training, and failures
// are recorded per key. When ctx is canceled no new keys are dispatched;
// in-flight keys are allowed to finish and undispatched keys are recorded
// as canceled.
func (e *Engine) BatchForecast(ctx context.Context, keys []api.SeriesKey, horizonDays int) *BatchReport {
	report := &BatchReport{
		RunID:     uuid.NewString(),
		Horizon:   horizonDays,
		StartedAt: time.Now().UTC(),
		Outcomes:  make(map[api.SeriesKey]Outcome, len(keys)),
	}
	asOf := time.Now()

	// In-flight work survives caller cancellation; only dispatch stops.
	workCtx := context.WithoutCancel(ctx)

	jobs := make(chan api.SeriesKey)
	results := make(chan Outcome)

	var wg sync.WaitGroup
	for w := 0; w < e.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range jobs {
				results <- e.runKey(workCtx, key, horizonDays, asOf)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, key := range keys {
			// Checked separately so an already-canceled batch dispatches
			// nothing even when a worker is ready to receive.
			select {
			case <-ctx.Done():
				return
			default:
			}
			select {
			case <-ctx.Done():
				return
			case jobs <- key:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for outcome := range results {
		report.Outcomes[outcome.Key] = outcome
		if outcome.Reason == "" {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}

	// Keys that were never dispatched because the batch was aborted.
	for _, key := range keys {
		if _, ok := report.Outcomes[key]; !ok {
			report.Outcomes[key] = Outcome{Key: key, Reason: "canceled"}
			report.Failed++
		}
	}

	report.FinishedAt = time.Now().UTC()
	return report
}

func (e *Engine) runKey(ctx context.Context, key api.SeriesKey, horizonDays int, asOf time.Time) Outcome {
	if e.metrics != nil {
		e.metrics.BatchKeys.Inc()
	}

	result, err := e.forecastKey(ctx, key, horizonDays, asOf)
	if err != nil {
		reason := api.Reason(err)
		if e.metrics != nil {
			e.metrics.BatchFailures.WithLabelValues(reason).Inc()
		}
		return Outcome{Key: key, Reason: reason}
	}

	if e.metrics != nil {
		e.metrics.ForecastsTotal.Inc()
	}
	return Outcome{Key: key, Result: result}
}
