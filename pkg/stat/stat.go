// Package stat provides the small set of numeric helpers shared by the
// forecasting models and the accuracy evaluator.
package stat

import "math"

// Mean returns the arithmetic mean of xs, or 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, v := range xs {
		s += v
	}
	return s / float64(len(xs))
}

// Std returns the sample standard deviation of xs (n-1 denominator).
// Slices shorter than 2 have no spread and return 0.
func Std(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := Mean(xs)
	var ss float64
	for _, v := range xs {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// MAE returns the mean absolute error between actual and predicted.
// The slices must have equal length.
func MAE(actual, predicted []float64) float64 {
	n := len(actual)
	if n == 0 {
		return math.NaN()
	}
	var s float64
	for i := 0; i < n; i++ {
		s += math.Abs(actual[i] - predicted[i])
	}
	return s / float64(n)
}

// RMSE returns the root mean squared error between actual and predicted.
func RMSE(actual, predicted []float64) float64 {
	n := len(actual)
	if n == 0 {
		return math.NaN()
	}
	var s float64
	for i := 0; i < n; i++ {
		d := actual[i] - predicted[i]
		s += d * d
	}
	return math.Sqrt(s / float64(n))
}

// MAPE returns the mean absolute percentage error, with denominators
// floored at eps so zero actuals do not divide by zero.
func MAPE(actual, predicted []float64, eps float64) float64 {
	n := len(actual)
	if n == 0 {
		return math.NaN()
	}
	var s float64
	for i := 0; i < n; i++ {
		den := actual[i]
		if den < eps {
			den = eps
		}
		s += math.Abs(actual[i]-predicted[i]) / den
	}
	return s / float64(n)
}

// Finite reports whether every value is a finite float.
func Finite(xs ...float64) bool {
	for _, v := range xs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
