// Package source provides EventSource backends for the series builder:
// an in-memory source for tests and seeding, and a Postgres source that
// aggregates order rows from the relational sales schema.
package source

import (
	"context"
	"sync"
	"time"

	"github.com/prepsense/demand/internal/api"
)

// MemorySource holds sale events per key in memory. Safe for concurrent
// use. Place-aggregate keys are served by summing every item series of
// the place on the fly.
type MemorySource struct {
	mu     sync.RWMutex
	events map[api.SeriesKey][]api.SaleEvent
}

// NewMemorySource creates an empty in-memory event source.
func NewMemorySource() *MemorySource {
	return &MemorySource{events: make(map[api.SeriesKey][]api.SaleEvent)}
}

// Add appends events for a key.
func (m *MemorySource) Add(key api.SeriesKey, events ...api.SaleEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[key] = append(m.events[key], events...)
}

// EventsFor returns the raw events for key, filtered to days strictly
// after since when non-nil. No ordering guarantee.
func (m *MemorySource) EventsFor(ctx context.Context, key api.SeriesKey, since *time.Time) ([]api.SaleEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var raw []api.SaleEvent
	if key.IsAggregate() {
		for k, evs := range m.events {
			if k.PlaceID == key.PlaceID {
				raw = append(raw, evs...)
			}
		}
	} else {
		raw = m.events[key]
	}

	out := make([]api.SaleEvent, 0, len(raw))
	for _, ev := range raw {
		if since != nil && !api.Day(ev.Date).After(api.Day(*since)) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// ItemsFor lists the distinct item IDs with history at a place.
func (m *MemorySource) ItemsFor(ctx context.Context, placeID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var items []int64
	for k := range m.events {
		if k.PlaceID == placeID && !k.IsAggregate() {
			items = append(items, k.ItemID)
		}
	}
	return items, nil
}
