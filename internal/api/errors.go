package api

import "errors"

// Sentinel errors for the forecasting core. Callers classify with
// errors.Is; wrapped variants carry key context via fmt.Errorf("%w", ...).
var (
	// ErrEmptyHistory: zero sale events exist for the key. Not forecastable.
	ErrEmptyHistory = errors.New("empty sales history")

	// ErrInsufficientData: events exist but below the minimum any model
	// needs (including the fallback).
	ErrInsufficientData = errors.New("insufficient history")

	// ErrSourceUnavailable: the historical read failed or timed out. The
	// only retryable kind; retried with backoff at the series-builder
	// boundary.
	ErrSourceUnavailable = errors.New("sales data source unavailable")

	// ErrModelFit: numerical failure during seasonal fitting. The engine
	// retries the fallback path before surfacing it.
	ErrModelFit = errors.New("model fit failed")
)

// Reason maps an error to a stable failure-reason label for batch reports
// and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyHistory):
		return "empty_history"
	case errors.Is(err, ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, ErrModelFit):
		return "model_fit_failure"
	default:
		return "internal"
	}
}
