package model

import (
	"fmt"
	"time"

	"github.com/prepsense/demand/internal/api"
	"github.com/prepsense/demand/internal/series"
	"github.com/prepsense/demand/pkg/stat"
)

// Train fits the requested estimator to a daily series. Fitting is
// closed-form and deterministic: identical input always yields identical
// parameters. The series must be well-formed (regular, ascending) as
// produced by the series builder.
//
// Returns api.ErrInsufficientData when fewer than params.MinSeriesDays
// distinct sale days exist, and api.ErrModelFit when the fit degenerates
// numerically (on the seasonal path callers retry the fallback estimator).
func Train(key api.SeriesKey, points []api.DailyPoint, kind Kind, params api.Params) (*TrainedModel, error) {
	if len(points) == 0 {
		return nil, api.ErrEmptyHistory
	}

	saleDays := series.SaleDays(points)
	if saleDays < params.MinSeriesDays {
		return nil, fmt.Errorf("%w: %d sale days, need >= %d", api.ErrInsufficientData, saleDays, params.MinSeriesDays)
	}

	m := &TrainedModel{
		Key:            key,
		Kind:           kind,
		TrainingCutoff: points[len(points)-1].Date,
		TrainedAt:      time.Now().UTC(),
		DataPoints:     len(points),
		SaleDays:       saleDays,
	}

	switch kind {
	case KindSeasonal:
		sp, err := fitSeasonal(points, params)
		if err != nil {
			return nil, err
		}
		m.Seasonal = sp
	case KindFallback:
		fp, err := fitFallback(points, params)
		if err != nil {
			return nil, err
		}
		m.Fallback = fp
	default:
		return nil, fmt.Errorf("unknown model kind: %s", kind)
	}

	return m, nil
}

// fitSeasonal fits the additive decomposition y = trend + weekly (+ yearly)
// in three passes: ordinary least squares on the day index, day-of-week
// means of the detrended series, and, when at least a year of history is
// present, month-of-year means of what remains. The sample std of the
// final residuals becomes the interval width driver.
func fitSeasonal(points []api.DailyPoint, params api.Params) (*SeasonalParams, error) {
	n := len(points)

	var sumT, sumT2, sumY, sumTY float64
	for i, p := range points {
		t := float64(i)
		sumT += t
		sumT2 += t * t
		sumY += p.Quantity
		sumTY += t * p.Quantity
	}

	det := float64(n)*sumT2 - sumT*sumT
	if det == 0 {
		return nil, fmt.Errorf("%w: degenerate trend design", api.ErrModelFit)
	}
	intercept := (sumY*sumT2 - sumT*sumTY) / det
	slope := (float64(n)*sumTY - sumT*sumY) / det
	if !stat.Finite(intercept, slope) {
		return nil, fmt.Errorf("%w: non-finite trend coefficients", api.ErrModelFit)
	}

	sp := &SeasonalParams{Intercept: intercept, Slope: slope}

	// Weekly offsets: mean detrended residual per day of week.
	var wsum [7]float64
	var wcnt [7]int
	for i, p := range points {
		r := p.Quantity - (intercept + slope*float64(i))
		dow := int(p.Date.Weekday())
		wsum[dow] += r
		wcnt[dow]++
	}
	for d := 0; d < 7; d++ {
		if wcnt[d] > 0 {
			sp.Weekly[d] = wsum[d] / float64(wcnt[d])
		}
	}

	// Yearly offsets only when the series spans at least a year;
	// shorter histories would just memorize noise per month.
	sp.HasYearly = n >= params.YearlyMinDays
	if sp.HasYearly {
		var ysum [12]float64
		var ycnt [12]int
		for i, p := range points {
			r := p.Quantity - (intercept + slope*float64(i)) - sp.Weekly[int(p.Date.Weekday())]
			mo := int(p.Date.Month()) - 1
			ysum[mo] += r
			ycnt[mo]++
		}
		for mo := 0; mo < 12; mo++ {
			if ycnt[mo] > 0 {
				sp.Yearly[mo] = ysum[mo] / float64(ycnt[mo])
			}
		}
	}

	residuals := make([]float64, n)
	for i, p := range points {
		fitted := intercept + slope*float64(i) + sp.Weekly[int(p.Date.Weekday())]
		if sp.HasYearly {
			fitted += sp.Yearly[int(p.Date.Month())-1]
		}
		residuals[i] = p.Quantity - fitted
	}
	sp.ResidualStd = stat.Std(residuals)

	if !stat.Finite(sp.ResidualStd) {
		return nil, fmt.Errorf("%w: non-finite residual spread", api.ErrModelFit)
	}
	return sp, nil
}

// fitFallback computes the trailing moving average and sample std over the
// most recent window of the series. The fallback path is also the retry
// target when the seasonal fit degenerates, so it carries the same finite
// guard as fitSeasonal rather than trusting its input.
func fitFallback(points []api.DailyPoint, params api.Params) (*FallbackParams, error) {
	window := params.FallbackWindowDays
	if window <= 0 || window > len(points) {
		window = len(points)
	}

	tail := points[len(points)-window:]
	values := make([]float64, len(tail))
	for i, p := range tail {
		values[i] = p.Quantity
	}

	fp := &FallbackParams{
		WindowDays: window,
		WindowMean: stat.Mean(values),
		WindowStd:  stat.Std(values),
	}
	if !stat.Finite(fp.WindowMean, fp.WindowStd) {
		return nil, fmt.Errorf("%w: non-finite fallback window", api.ErrModelFit)
	}
	return fp, nil
}
