package api

import (
	"fmt"
	"time"
)

// SeriesKey identifies one forecastable unit: a place, optionally narrowed
// to a single item. ItemID == 0 means place-level aggregate demand.
// The zero item sentinel keeps the struct comparable so it can serve as a
// map and cache key directly.
type SeriesKey struct {
	PlaceID int64 `json:"place_id"`
	ItemID  int64 `json:"item_id,omitempty"`
}

// NewSeriesKey builds a SeriesKey from a place and an optional item.
func NewSeriesKey(placeID int64, itemID *int64) SeriesKey {
	k := SeriesKey{PlaceID: placeID}
	if itemID != nil {
		k.ItemID = *itemID
	}
	return k
}

// IsAggregate reports whether the key covers all items at the place.
func (k SeriesKey) IsAggregate() bool {
	return k.ItemID == 0
}

func (k SeriesKey) String() string {
	if k.IsAggregate() {
		return fmt.Sprintf("place:%d", k.PlaceID)
	}
	return fmt.Sprintf("place:%d/item:%d", k.PlaceID, k.ItemID)
}

// MarshalText lets SeriesKey serve as a JSON map key.
func (k SeriesKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the String form.
func (k *SeriesKey) UnmarshalText(text []byte) error {
	s := string(text)
	if n, err := fmt.Sscanf(s, "place:%d/item:%d", &k.PlaceID, &k.ItemID); err == nil && n == 2 {
		return nil
	}
	k.ItemID = 0
	if n, err := fmt.Sscanf(s, "place:%d", &k.PlaceID); err == nil && n == 1 {
		return nil
	}
	return fmt.Errorf("malformed series key %q", s)
}

// SaleEvent is one raw historical observation from the sales store:
// a calendar day and the quantity sold on it. Events arrive unordered
// and possibly duplicated per day; the series builder normalizes them.
type SaleEvent struct {
	Date     time.Time `json:"date"`
	Quantity float64   `json:"quantity"`
}

// DailyPoint is one entry of a regular daily series. A well-formed series
// has exactly one point per calendar day across its full range, with
// zero quantities on days without sales.
type DailyPoint struct {
	Date     time.Time `json:"date"`
	Quantity float64   `json:"quantity"`
}

// ForecastPoint carries the point estimate and interval bounds for a single
// future day. Invariant: 0 <= Lower95 <= Lower80 <= Yhat <= Upper80 <= Upper95.
type ForecastPoint struct {
	Date    time.Time `json:"date"`
	Yhat    float64   `json:"predicted_quantity"`
	Lower80 float64   `json:"lower_bound_80"`
	Upper80 float64   `json:"upper_bound_80"`
	Lower95 float64   `json:"lower_bound_95"`
	Upper95 float64   `json:"upper_bound_95"`
	Trend   float64   `json:"trend"`
	Weekly  float64   `json:"weekly_seasonality"`
}

// ForecastResult is the read-only outcome handed to callers. It never
// exposes the trained model itself.
type ForecastResult struct {
	Key            SeriesKey       `json:"key"`
	ModelKind      string          `json:"model_kind"`
	TrainingCutoff time.Time       `json:"training_cutoff"`
	GeneratedAt    time.Time       `json:"generated_at"`
	Horizon        int             `json:"horizon_days"`
	DataPoints     int             `json:"data_points"`
	SaleDays       int             `json:"sale_days"`
	Points         []ForecastPoint `json:"forecasts"`
}

// AccuracyReport summarizes a back-test of a model against held-out
// recent history.
type AccuracyReport struct {
	Key         SeriesKey `json:"key"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	MAPE        float64   `json:"mape"`
	RMSE        float64   `json:"rmse"`
	MAE         float64   `json:"mae"`
	Points      int       `json:"points_evaluated"`
}

// Params contains all engine tunables. Thresholds live here so they are
// named once instead of being scattered as literals.
type Params struct {
	// MinHistoryDays is the minimum number of distinct sale days required
	// for the seasonal model; below it the fallback estimator is selected.
	MinHistoryDays int `json:"min_history_days"`

	// MinSeriesDays is the floor below which no model at all can be fit.
	MinSeriesDays int `json:"min_series_days"`

	// FallbackWindowDays bounds the trailing window of the moving-average
	// fallback estimator.
	FallbackWindowDays int `json:"fallback_window_days"`

	// YearlyMinDays is the span required before the seasonal model adds a
	// yearly component.
	YearlyMinDays int `json:"yearly_min_days"`

	// Z80 and Z95 are the standard normal quantiles for the two interval
	// levels.
	Z80 float64 `json:"z_80"`
	Z95 float64 `json:"z_95"`

	// HoldoutMaxDays caps the evaluation suffix used by the accuracy
	// evaluator.
	HoldoutMaxDays int `json:"holdout_max_days"`

	// Epsilon guards MAPE denominators against zero actuals.
	Epsilon float64 `json:"epsilon"`

	// MaxModelAge is the wall-clock staleness bound for cached models.
	// The primary staleness rule is cutoff-based: a model is retrained as
	// soon as sale events exist past its training cutoff.
	MaxModelAge time.Duration `json:"max_model_age"`

	// CacheSize bounds the model registry (LRU eviction beyond it).
	CacheSize int `json:"cache_size"`

	// SourceTimeout bounds a single data-source read; SourceRetries bounds
	// backoff retries for transient source failures.
	SourceTimeout time.Duration `json:"source_timeout"`
	SourceRetries int           `json:"source_retries"`
}

// DefaultParams returns the standard engine parameters.
func DefaultParams() Params {
	return Params{
		MinHistoryDays:     14,
		MinSeriesDays:      2,
		FallbackWindowDays: 14,
		YearlyMinDays:      365,
		Z80:                1.28,
		Z95:                1.96,
		HoldoutMaxDays:     14,
		Epsilon:            1e-9,
		MaxModelAge:        7 * 24 * time.Hour,
		CacheSize:          4096,
		SourceTimeout:      10 * time.Second,
		SourceRetries:      3,
	}
}

// Day truncates a timestamp to its UTC calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
