package model

import (
	"fmt"
	"time"

	"github.com/prepsense/demand/internal/api"
)

// Forecast produces the point estimate and 80%/95% interval bounds for
// horizonDays future days after the model's training cutoff. It is a pure
// function of the trained parameters: no data access, no randomness.
//
// Every output value is clamped to >= 0, and since clamping is monotone
// the bound ordering lower95 <= lower80 <= yhat <= upper80 <= upper95
// survives it.
func Forecast(m *TrainedModel, horizonDays int, params api.Params) (*api.ForecastResult, error) {
	if horizonDays < 1 {
		return nil, fmt.Errorf("horizon must be >= 1, got %d", horizonDays)
	}

	result := &api.ForecastResult{
		Key:            m.Key,
		ModelKind:      string(m.Kind),
		TrainingCutoff: m.TrainingCutoff,
		GeneratedAt:    time.Now().UTC(),
		Horizon:        horizonDays,
		DataPoints:     m.DataPoints,
		SaleDays:       m.SaleDays,
		Points:         make([]api.ForecastPoint, 0, horizonDays),
	}

	for i := 1; i <= horizonDays; i++ {
		date := m.TrainingCutoff.AddDate(0, 0, i)

		var yhat, trend, weekly, sigma float64
		switch m.Kind {
		case KindSeasonal:
			sp := m.Seasonal
			t := float64(m.DataPoints - 1 + i)
			trend = sp.Intercept + sp.Slope*t
			weekly = sp.Weekly[int(date.Weekday())]
			yhat = trend + weekly
			if sp.HasYearly {
				yhat += sp.Yearly[int(date.Month())-1]
			}
			sigma = sp.ResidualStd
		case KindFallback:
			fp := m.Fallback
			trend = fp.WindowMean
			yhat = fp.WindowMean
			sigma = fp.WindowStd
		default:
			return nil, fmt.Errorf("unknown model kind: %s", m.Kind)
		}

		result.Points = append(result.Points, api.ForecastPoint{
			Date:    date,
			Yhat:    clamp(yhat),
			Lower80: clamp(yhat - params.Z80*sigma),
			Upper80: clamp(yhat + params.Z80*sigma),
			Lower95: clamp(yhat - params.Z95*sigma),
			Upper95: clamp(yhat + params.Z95*sigma),
			Trend:   clamp(trend),
			Weekly:  weekly,
		})
	}

	return result, nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
