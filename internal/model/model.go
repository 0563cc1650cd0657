// Package model implements the demand estimators: an additive seasonal
// decomposition for series with enough history and a trailing
// moving-average fallback for short ones. A trained model is a tagged
// variant consumed by a single pure forecasting function; there is no
// strategy polymorphism to dispatch through.
package model

import (
	"time"

	"github.com/prepsense/demand/internal/api"
	"github.com/prepsense/demand/internal/series"
)

// Kind tags which estimator a trained model carries.
type Kind string

const (
	KindSeasonal Kind = "seasonal"
	KindFallback Kind = "fallback-moving-average"
)

// Select picks the estimator for a series: fallback below the
// minimum-history threshold of distinct sale days, seasonal at or above
// it. The series itself passes through unchanged.
func Select(points []api.DailyPoint, params api.Params) Kind {
	if series.SaleDays(points) < params.MinHistoryDays {
		return KindFallback
	}
	return KindSeasonal
}

// SeasonalParams are the fitted parameters of the additive decomposition:
// a linear trend over the day index, zero-centered day-of-week offsets,
// optional month-of-year offsets, and the residual spread that drives the
// predictive intervals.
type SeasonalParams struct {
	Intercept   float64     `json:"intercept"`
	Slope       float64     `json:"slope"`
	Weekly      [7]float64  `json:"weekly"`
	Yearly      [12]float64 `json:"yearly"`
	HasYearly   bool        `json:"has_yearly"`
	ResidualStd float64     `json:"residual_std"`
}

// FallbackParams are the trailing moving-average statistics.
type FallbackParams struct {
	WindowDays int     `json:"window_days"`
	WindowMean float64 `json:"window_mean"`
	WindowStd  float64 `json:"window_std"`
}

// TrainedModel owns everything needed to forecast a key without touching
// the raw series again. Instances are immutable once constructed; the
// registry replaces entries instead of mutating them.
type TrainedModel struct {
	Key            api.SeriesKey   `json:"key"`
	Kind           Kind            `json:"kind"`
	TrainingCutoff time.Time       `json:"training_cutoff"`
	TrainedAt      time.Time       `json:"trained_at"`
	DataPoints     int             `json:"data_points"`
	SaleDays       int             `json:"sale_days"`
	Seasonal       *SeasonalParams `json:"seasonal,omitempty"`
	Fallback       *FallbackParams `json:"fallback,omitempty"`
}
