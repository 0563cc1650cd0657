package model

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prepsense/demand/internal/api"
)

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

// dailySeries builds a regular series of n days starting at start, with
// quantities from fn(i).
func dailySeries(start string, n int, fn func(i int) float64) []api.DailyPoint {
	points := make([]api.DailyPoint, n)
	d := day(start)
	for i := 0; i < n; i++ {
		points[i] = api.DailyPoint{Date: d, Quantity: fn(i)}
		d = d.AddDate(0, 0, 1)
	}
	return points
}

func TestSelectBoundary(t *testing.T) {
	params := api.DefaultParams()

	// 13 sale days: one short of the threshold
	thirteen := dailySeries("2026-01-01", 13, func(i int) float64 { return 5 })
	if kind := Select(thirteen, params); kind != KindFallback {
		t.Errorf("13 sale days should select fallback, got %s", kind)
	}

	// Exactly 14 sale days crosses it
	fourteen := dailySeries("2026-01-01", 14, func(i int) float64 { return 5 })
	if kind := Select(fourteen, params); kind != KindSeasonal {
		t.Errorf("14 sale days should select seasonal, got %s", kind)
	}

	// Zero-quantity days do not count toward the threshold
	sparse := dailySeries("2026-01-01", 30, func(i int) float64 {
		if i%3 == 0 {
			return 5 // 10 sale days over 30 calendar days
		}
		return 0
	})
	if kind := Select(sparse, params); kind != KindFallback {
		t.Errorf("10 sale days over a 30-day span should select fallback, got %s", kind)
	}
}

func TestTrainInsufficientData(t *testing.T) {
	params := api.DefaultParams()
	key := api.SeriesKey{PlaceID: 1}

	if _, err := Train(key, nil, KindFallback, params); !errors.Is(err, api.ErrEmptyHistory) {
		t.Errorf("Expected ErrEmptyHistory for nil series, got %v", err)
	}

	oneDay := dailySeries("2026-01-01", 1, func(i int) float64 { return 5 })
	if _, err := Train(key, oneDay, KindFallback, params); !errors.Is(err, api.ErrInsufficientData) {
		t.Errorf("Expected ErrInsufficientData for a single sale day, got %v", err)
	}
}

func TestTrainFallbackRejectsNonFiniteWindow(t *testing.T) {
	params := api.DefaultParams()
	key := api.SeriesKey{PlaceID: 1}

	// Summing the window overflows to +Inf, so the fit must fail rather
	// than produce a model with non-finite mean and std.
	huge := dailySeries("2026-01-01", 14, func(i int) float64 { return math.MaxFloat64 })
	if _, err := Train(key, huge, KindFallback, params); !errors.Is(err, api.ErrModelFit) {
		t.Errorf("Expected ErrModelFit for an overflowing window, got %v", err)
	}
}

func TestTrainDeterministic(t *testing.T) {
	params := api.DefaultParams()
	key := api.SeriesKey{PlaceID: 1, ItemID: 2}
	points := dailySeries("2026-01-01", 60, func(i int) float64 {
		return 10 + 0.2*float64(i) + 3*math.Sin(float64(i))
	})

	a, err := Train(key, points, KindSeasonal, params)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	b, err := Train(key, points, KindSeasonal, params)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if a.Seasonal.Intercept != b.Seasonal.Intercept || a.Seasonal.Slope != b.Seasonal.Slope {
		t.Error("Training the same series twice must yield identical trend coefficients")
	}
	if a.Seasonal.ResidualStd != b.Seasonal.ResidualStd {
		t.Error("Training the same series twice must yield identical residual spread")
	}
}

func TestSeasonalRecoversLinearTrend(t *testing.T) {
	params := api.DefaultParams()
	key := api.SeriesKey{PlaceID: 1}
	// Pure line: y = 20 + 0.5*i, no weekly signal
	points := dailySeries("2026-01-01", 56, func(i int) float64 { return 20 + 0.5*float64(i) })

	m, err := Train(key, points, KindSeasonal, params)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if math.Abs(m.Seasonal.Slope-0.5) > 1e-9 {
		t.Errorf("Expected slope 0.5, got %f", m.Seasonal.Slope)
	}
	if math.Abs(m.Seasonal.Intercept-20) > 1e-9 {
		t.Errorf("Expected intercept 20, got %f", m.Seasonal.Intercept)
	}
	if m.Seasonal.ResidualStd > 1e-9 {
		t.Errorf("Perfect fit should leave no residual spread, got %f", m.Seasonal.ResidualStd)
	}
	if m.Seasonal.HasYearly {
		t.Error("56 days of history must not fit yearly offsets")
	}
}

func TestSeasonalRecoversWeeklyPattern(t *testing.T) {
	params := api.DefaultParams()
	key := api.SeriesKey{PlaceID: 1}
	// Flat 50 with +10 on Saturdays. 2026-01-01 is a Thursday.
	points := dailySeries("2026-01-01", 70, func(i int) float64 {
		d := day("2026-01-01").AddDate(0, 0, i)
		if d.Weekday() == time.Saturday {
			return 60
		}
		return 50
	})

	m, err := Train(key, points, KindSeasonal, params)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	sat := m.Seasonal.Weekly[int(time.Saturday)]
	mon := m.Seasonal.Weekly[int(time.Monday)]
	if sat-mon < 8 {
		t.Errorf("Saturday offset should sit ~10 above weekdays, got sat=%f mon=%f", sat, mon)
	}
}

func TestYearlyOffsetsRequireFullYear(t *testing.T) {
	params := api.DefaultParams()
	key := api.SeriesKey{PlaceID: 1}

	points := dailySeries("2025-01-01", 365, func(i int) float64 { return 10 })
	m, err := Train(key, points, KindSeasonal, params)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if !m.Seasonal.HasYearly {
		t.Error("365 days of history should fit yearly offsets")
	}
}

func TestFallbackUsesTrailingWindow(t *testing.T) {
	params := api.DefaultParams()
	key := api.SeriesKey{PlaceID: 1}

	// 20 days: first 6 at 100, last 14 at 10. Window of 14 must ignore
	// the old level entirely.
	points := dailySeries("2026-01-01", 20, func(i int) float64 {
		if i < 6 {
			return 100
		}
		return 10
	})

	m, err := Train(key, points, KindFallback, params)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if m.Fallback.WindowDays != 14 {
		t.Errorf("Expected window of 14 days, got %d", m.Fallback.WindowDays)
	}
	if m.Fallback.WindowMean != 10 {
		t.Errorf("Expected window mean 10, got %f", m.Fallback.WindowMean)
	}
	if m.Fallback.WindowStd != 0 {
		t.Errorf("Constant window should have zero std, got %f", m.Fallback.WindowStd)
	}
}

func TestFallbackShortSeriesShrinkWindow(t *testing.T) {
	params := api.DefaultParams()
	key := api.SeriesKey{PlaceID: 1}
	points := dailySeries("2026-01-01", 5, func(i int) float64 { return float64(i + 1) })

	m, err := Train(key, points, KindFallback, params)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if m.Fallback.WindowDays != 5 {
		t.Errorf("Window should shrink to series length 5, got %d", m.Fallback.WindowDays)
	}
	if m.Fallback.WindowMean != 3 {
		t.Errorf("Expected mean 3 over 1..5, got %f", m.Fallback.WindowMean)
	}
}

func TestForecastBoundsOrdered(t *testing.T) {
	params := api.DefaultParams()
	key := api.SeriesKey{PlaceID: 1}
	points := dailySeries("2026-01-01", 45, func(i int) float64 {
		return 12 + 0.3*float64(i) + 4*math.Sin(float64(i)/3)
	})

	m, err := Train(key, points, KindSeasonal, params)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	result, err := Forecast(m, 14, params)
	if err != nil {
		t.Fatalf("Forecast failed: %v", err)
	}

	if len(result.Points) != 14 {
		t.Fatalf("Expected 14 forecast points, got %d", len(result.Points))
	}

	cutoff := m.TrainingCutoff
	for i, p := range result.Points {
		want := cutoff.AddDate(0, 0, i+1)
		if !p.Date.Equal(want) {
			t.Errorf("Point %d: expected date %v, got %v", i, want, p.Date)
		}

		if !(p.Lower95 <= p.Lower80 && p.Lower80 <= p.Yhat && p.Yhat <= p.Upper80 && p.Upper80 <= p.Upper95) {
			t.Errorf("Point %d: bounds out of order: [%f %f %f %f %f]",
				i, p.Lower95, p.Lower80, p.Yhat, p.Upper80, p.Upper95)
		}
		if p.Lower95 < 0 || p.Yhat < 0 {
			t.Errorf("Point %d: demand forecast went negative", i)
		}
	}
}

func TestForecastFallbackIsFlat(t *testing.T) {
	params := api.DefaultParams()
	key := api.SeriesKey{PlaceID: 1}
	points := dailySeries("2026-01-01", 7, func(i int) float64 { return 6 })

	m, err := Train(key, points, KindFallback, params)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	result, err := Forecast(m, 5, params)
	if err != nil {
		t.Fatalf("Forecast failed: %v", err)
	}

	for i, p := range result.Points {
		if p.Yhat != 6 {
			t.Errorf("Point %d: fallback forecast should hold the window mean, got %f", i, p.Yhat)
		}
	}
}

func TestForecastClampsNegativePredictions(t *testing.T) {
	params := api.DefaultParams()
	key := api.SeriesKey{PlaceID: 1}
	// Steeply declining series pushes predictions below zero
	points := dailySeries("2026-01-01", 30, func(i int) float64 {
		v := 30 - 2*float64(i)
		if v < 0 {
			return 0
		}
		return v
	})

	m, err := Train(key, points, KindSeasonal, params)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	result, err := Forecast(m, 30, params)
	if err != nil {
		t.Fatalf("Forecast failed: %v", err)
	}

	for i, p := range result.Points {
		if p.Yhat < 0 || p.Lower95 < 0 {
			t.Errorf("Point %d: clamp failed, yhat=%f lower95=%f", i, p.Yhat, p.Lower95)
		}
	}
}

func TestForecastRejectsBadHorizon(t *testing.T) {
	params := api.DefaultParams()
	m := &TrainedModel{Kind: KindFallback, Fallback: &FallbackParams{WindowMean: 1}}

	if _, err := Forecast(m, 0, params); err == nil {
		t.Error("Expected error for horizon 0")
	}
	if _, err := Forecast(m, -3, params); err == nil {
		t.Error("Expected error for negative horizon")
	}
}
