// Package eval back-tests trained models against held-out recent history.
package eval

import (
	"context"
	"fmt"
	"time"

	"github.com/prepsense/demand/internal/api"
	"github.com/prepsense/demand/internal/model"
	"github.com/prepsense/demand/internal/series"
	"github.com/prepsense/demand/pkg/stat"
)

// Evaluator splits a series into a training prefix and an evaluation
// suffix, retrains on the prefix only, forecasts the suffix horizon, and
// scores the predictions against the actuals.
type Evaluator struct {
	builder *series.Builder
	params  api.Params
}

// NewEvaluator creates an accuracy evaluator over the given builder.
func NewEvaluator(builder *series.Builder, params api.Params) *Evaluator {
	return &Evaluator{builder: builder, params: params}
}

// Evaluate back-tests the key's series as of asOf. The holdout suffix is
// the most recent min(HoldoutMaxDays, n/4) days, at least one. Fails with
// api.ErrInsufficientData when the suffix would be empty or the training
// prefix falls below the minimum-history threshold.
func (e *Evaluator) Evaluate(ctx context.Context, key api.SeriesKey, asOf time.Time) (*api.AccuracyReport, error) {
	points, err := e.builder.Build(ctx, key, asOf)
	if err != nil {
		return nil, err
	}
	return e.evaluateSeries(key, points)
}

func (e *Evaluator) evaluateSeries(key api.SeriesKey, points []api.DailyPoint) (*api.AccuracyReport, error) {
	n := len(points)

	holdout := n / 4
	if holdout > e.params.HoldoutMaxDays {
		holdout = e.params.HoldoutMaxDays
	}
	if holdout < 1 {
		return nil, fmt.Errorf("%w: %d days leaves no evaluation suffix", api.ErrInsufficientData, n)
	}

	prefix := points[:n-holdout]
	suffix := points[n-holdout:]

	if series.SaleDays(prefix) < e.params.MinHistoryDays {
		return nil, fmt.Errorf("%w: training prefix has %d sale days, need >= %d",
			api.ErrInsufficientData, series.SaleDays(prefix), e.params.MinHistoryDays)
	}

	kind := model.Select(prefix, e.params)
	m, err := model.Train(key, prefix, kind, e.params)
	if err != nil {
		return nil, err
	}

	forecast, err := model.Forecast(m, holdout, e.params)
	if err != nil {
		return nil, err
	}

	actual := make([]float64, holdout)
	predicted := make([]float64, holdout)
	for i := 0; i < holdout; i++ {
		actual[i] = suffix[i].Quantity
		predicted[i] = forecast.Points[i].Yhat
	}

	return &api.AccuracyReport{
		Key:         key,
		WindowStart: suffix[0].Date,
		WindowEnd:   suffix[holdout-1].Date,
		MAPE:        stat.MAPE(actual, predicted, e.params.Epsilon),
		RMSE:        stat.RMSE(actual, predicted),
		MAE:         stat.MAE(actual, predicted),
		Points:      holdout,
	}, nil
}
