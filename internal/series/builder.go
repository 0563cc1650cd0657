// Package series turns raw sale events into well-formed daily time series.
package series

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/prepsense/demand/internal/api"
	"github.com/prepsense/demand/pkg/stat"
)

// EventSource is the read-only capability the builder consumes from
// external storage. Implementations return raw (date, quantity) sale
// events for a key with no ordering guarantee; when since is non-nil only
// events strictly after that day are returned.
type EventSource interface {
	EventsFor(ctx context.Context, key api.SeriesKey, since *time.Time) ([]api.SaleEvent, error)
}

// Builder converts raw sale events into a regular daily series for one
// key: per-day aggregation, ascending order, and zero-filled gaps across
// the full inclusive observed date range. It performs no I/O beyond the
// single data-source read, which is timeout-bounded and retried with
// exponential backoff for transient source failures only.
type Builder struct {
	source EventSource
	params api.Params
}

// NewBuilder creates a series builder over the given event source.
func NewBuilder(source EventSource, params api.Params) *Builder {
	return &Builder{source: source, params: params}
}

// Build fetches events for key and materializes the daily series up to and
// including asOf. Days inside the observed range without sales are present
// with quantity 0. Returns api.ErrEmptyHistory when no events exist.
func (b *Builder) Build(ctx context.Context, key api.SeriesKey, asOf time.Time) ([]api.DailyPoint, error) {
	events, err := b.fetch(ctx, key, nil)
	if err != nil {
		return nil, err
	}
	return Materialize(events, asOf)
}

// LatestSaleDay returns the most recent sale day strictly after since, or
// the zero time when no newer events exist. Used by the registry's
// cutoff-based staleness check.
func (b *Builder) LatestSaleDay(ctx context.Context, key api.SeriesKey, since time.Time, asOf time.Time) (time.Time, error) {
	events, err := b.fetch(ctx, key, &since)
	if err != nil {
		return time.Time{}, err
	}
	var latest time.Time
	cutoff := api.Day(asOf)
	for _, ev := range events {
		d := api.Day(ev.Date)
		if d.After(cutoff) {
			continue
		}
		if d.After(latest) {
			latest = d
		}
	}
	return latest, nil
}

// fetch performs the bounded, retried data-source read. Only
// api.ErrSourceUnavailable is retried; every other failure is terminal
// for the key.
func (b *Builder) fetch(ctx context.Context, key api.SeriesKey, since *time.Time) ([]api.SaleEvent, error) {
	var events []api.SaleEvent

	op := func() error {
		cctx, cancel := context.WithTimeout(ctx, b.params.SourceTimeout)
		defer cancel()

		got, err := b.source.EventsFor(cctx, key, since)
		if err != nil {
			if errors.Is(err, api.ErrSourceUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		events = got
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(b.params.SourceRetries))
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return events, nil
}

// Materialize is the pure half of the builder: it aggregates events per
// UTC calendar day, drops events after asOf, sorts, and zero-fills every
// missing day in [min, max]. Negative quantities are clamped to 0 since
// demand cannot be negative, and non-finite quantities are treated the
// same way so one corrupt event cannot poison every model coefficient
// downstream.
func Materialize(events []api.SaleEvent, asOf time.Time) ([]api.DailyPoint, error) {
	cutoff := api.Day(asOf)

	byDay := make(map[time.Time]float64)
	var minDay, maxDay time.Time
	for _, ev := range events {
		d := api.Day(ev.Date)
		if d.After(cutoff) {
			continue
		}
		q := ev.Quantity
		if q < 0 || !stat.Finite(q) {
			q = 0
		}
		byDay[d] += q
		if minDay.IsZero() || d.Before(minDay) {
			minDay = d
		}
		if d.After(maxDay) {
			maxDay = d
		}
	}

	if len(byDay) == 0 {
		return nil, api.ErrEmptyHistory
	}

	// Walking the day range in order both sorts and zero-fills.
	n := int(maxDay.Sub(minDay).Hours()/24) + 1
	points := make([]api.DailyPoint, 0, n)
	for d := minDay; !d.After(maxDay); d = d.AddDate(0, 0, 1) {
		points = append(points, api.DailyPoint{Date: d, Quantity: byDay[d]})
	}
	return points, nil
}

// SaleDays counts the distinct days in a series with non-zero sales. This
// is the quantity the minimum-history threshold is measured against.
func SaleDays(points []api.DailyPoint) int {
	n := 0
	for _, p := range points {
		if p.Quantity > 0 {
			n++
		}
	}
	return n
}
