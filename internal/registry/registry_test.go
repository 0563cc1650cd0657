package registry

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prepsense/demand/internal/api"
	"github.com/prepsense/demand/internal/model"
	"github.com/prepsense/demand/internal/series"
)

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

// countingSource serves in-memory events and counts full fetches
// (since == nil) separately from staleness probes (since != nil).
type countingSource struct {
	mu      sync.Mutex
	events  map[api.SeriesKey][]api.SaleEvent
	fetches int
	probes  int
}

func newCountingSource() *countingSource {
	return &countingSource{events: make(map[api.SeriesKey][]api.SaleEvent)}
}

func (s *countingSource) add(key api.SeriesKey, date string, qty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[key] = append(s.events[key], api.SaleEvent{Date: day(date), Quantity: qty})
}

func (s *countingSource) addDays(key api.SeriesKey, start string, n int, qty float64) {
	d := day(start)
	for i := 0; i < n; i++ {
		s.add(key, d.Format("2006-01-02"), qty)
		d = d.AddDate(0, 0, 1)
	}
}

func (s *countingSource) EventsFor(ctx context.Context, key api.SeriesKey, since *time.Time) ([]api.SaleEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if since == nil {
		s.fetches++
		return append([]api.SaleEvent(nil), s.events[key]...), nil
	}
	s.probes++
	var out []api.SaleEvent
	for _, e := range s.events[key] {
		if api.Day(e.Date).After(api.Day(*since)) {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestRegistry(t *testing.T, src series.EventSource, params api.Params) *Registry {
	t.Helper()
	r, err := New(series.NewBuilder(src, params), params, nil)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	return r
}

func TestGetOrTrainCachesModel(t *testing.T) {
	src := newCountingSource()
	key := api.SeriesKey{PlaceID: 1, ItemID: 7}
	src.addDays(key, "2026-01-01", 30, 5)

	params := api.DefaultParams()
	r := newTestRegistry(t, src, params)
	asOf := day("2026-01-30")

	m1, err := r.GetOrTrain(context.Background(), key, asOf)
	if err != nil {
		t.Fatalf("GetOrTrain failed: %v", err)
	}
	if m1.Kind != model.KindSeasonal {
		t.Errorf("30 sale days should train seasonal, got %s", m1.Kind)
	}

	m2, err := r.GetOrTrain(context.Background(), key, asOf)
	if err != nil {
		t.Fatalf("GetOrTrain failed: %v", err)
	}
	if m1 != m2 {
		t.Error("Second call should return the cached model instance")
	}

	stats := r.Stats()
	if stats.Trainings != 1 {
		t.Errorf("Expected 1 training, got %d", stats.Trainings)
	}
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Expected 1 hit / 1 miss, got %d / %d", stats.Hits, stats.Misses)
	}
	if src.fetches != 1 {
		t.Errorf("Expected 1 full fetch, got %d", src.fetches)
	}
}

func TestConcurrentRequestsTrainOnce(t *testing.T) {
	src := newCountingSource()
	key := api.SeriesKey{PlaceID: 1}
	src.addDays(key, "2026-01-01", 30, 5)

	r := newTestRegistry(t, src, api.DefaultParams())
	asOf := day("2026-01-30")

	const goroutines = 16
	var wg sync.WaitGroup
	errs := make(chan error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.GetOrTrain(context.Background(), key, asOf); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("Concurrent GetOrTrain failed: %v", err)
	}

	if got := r.Stats().Trainings; got != 1 {
		t.Errorf("Concurrent requests for one key must collapse to 1 training, got %d", got)
	}
	if src.fetches != 1 {
		t.Errorf("Expected 1 full fetch across all goroutines, got %d", src.fetches)
	}
}

func TestNewSalesInvalidateCachedModel(t *testing.T) {
	src := newCountingSource()
	key := api.SeriesKey{PlaceID: 1}
	src.addDays(key, "2026-01-01", 30, 5)

	r := newTestRegistry(t, src, api.DefaultParams())

	m1, err := r.GetOrTrain(context.Background(), key, day("2026-01-30"))
	if err != nil {
		t.Fatalf("GetOrTrain failed: %v", err)
	}

	// Sales land after the training cutoff
	src.add(key, "2026-01-31", 8)

	m2, err := r.GetOrTrain(context.Background(), key, day("2026-01-31"))
	if err != nil {
		t.Fatalf("GetOrTrain failed: %v", err)
	}

	if m2 == m1 {
		t.Fatal("New sale events past the cutoff should force a retrain")
	}
	if !m2.TrainingCutoff.After(m1.TrainingCutoff) {
		t.Errorf("Retrained cutoff should advance: %v -> %v", m1.TrainingCutoff, m2.TrainingCutoff)
	}
	if got := r.Stats().Trainings; got != 2 {
		t.Errorf("Expected 2 trainings, got %d", got)
	}
}

func TestMaxModelAgeForcesRetrain(t *testing.T) {
	src := newCountingSource()
	key := api.SeriesKey{PlaceID: 1}
	src.addDays(key, "2026-01-01", 30, 5)

	params := api.DefaultParams()
	params.MaxModelAge = time.Nanosecond
	r := newTestRegistry(t, src, params)
	asOf := day("2026-01-30")

	if _, err := r.GetOrTrain(context.Background(), key, asOf); err != nil {
		t.Fatalf("GetOrTrain failed: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := r.GetOrTrain(context.Background(), key, asOf); err != nil {
		t.Fatalf("GetOrTrain failed: %v", err)
	}

	if got := r.Stats().Trainings; got != 2 {
		t.Errorf("Aged-out model should retrain, got %d trainings", got)
	}
}

func TestInvalidate(t *testing.T) {
	src := newCountingSource()
	key := api.SeriesKey{PlaceID: 1}
	src.addDays(key, "2026-01-01", 30, 5)

	r := newTestRegistry(t, src, api.DefaultParams())
	asOf := day("2026-01-30")

	if _, err := r.GetOrTrain(context.Background(), key, asOf); err != nil {
		t.Fatalf("GetOrTrain failed: %v", err)
	}

	r.Invalidate(key)
	if got := r.Stats().Size; got != 0 {
		t.Errorf("Expected empty cache after invalidate, got size %d", got)
	}

	if _, err := r.GetOrTrain(context.Background(), key, asOf); err != nil {
		t.Fatalf("GetOrTrain failed: %v", err)
	}
	if got := r.Stats().Trainings; got != 2 {
		t.Errorf("Expected retrain after invalidate, got %d trainings", got)
	}
}

func TestLRUEviction(t *testing.T) {
	src := newCountingSource()
	params := api.DefaultParams()
	params.CacheSize = 2

	keys := []api.SeriesKey{{PlaceID: 1}, {PlaceID: 2}, {PlaceID: 3}}
	for _, k := range keys {
		src.addDays(k, "2026-01-01", 20, 5)
	}

	r := newTestRegistry(t, src, params)
	asOf := day("2026-01-20")

	for _, k := range keys {
		if _, err := r.GetOrTrain(context.Background(), k, asOf); err != nil {
			t.Fatalf("GetOrTrain failed for %s: %v", k, err)
		}
	}

	if got := r.Stats().Size; got != 2 {
		t.Errorf("Cache should hold at most 2 models, got %d", got)
	}
}

func TestSeasonalFitFailureRetriesFallback(t *testing.T) {
	src := newCountingSource()
	key := api.SeriesKey{PlaceID: 1}

	// An early run of overflow-scale days makes the seasonal trend sums
	// non-finite, while the trailing fallback window sees only the sane
	// recent days. The registry must land on a usable fallback model
	// instead of surfacing the seasonal fit failure.
	src.addDays(key, "2026-01-01", 6, math.MaxFloat64)
	src.addDays(key, "2026-01-07", 14, 10)

	r := newTestRegistry(t, src, api.DefaultParams())

	m, err := r.GetOrTrain(context.Background(), key, day("2026-01-20"))
	if err != nil {
		t.Fatalf("GetOrTrain failed: %v", err)
	}
	if m.Kind != model.KindFallback {
		t.Fatalf("Degenerate seasonal fit should retry fallback, got %s", m.Kind)
	}
	if m.Fallback.WindowMean != 10 || m.Fallback.WindowStd != 0 {
		t.Errorf("Fallback window should cover the sane tail, got mean %v std %v",
			m.Fallback.WindowMean, m.Fallback.WindowStd)
	}
	if got := r.Stats().Size; got != 1 {
		t.Errorf("Retried fallback model should be cached, got size %d", got)
	}
}

func TestGetOrTrainEmptyHistory(t *testing.T) {
	src := newCountingSource()
	r := newTestRegistry(t, src, api.DefaultParams())

	_, err := r.GetOrTrain(context.Background(), api.SeriesKey{PlaceID: 99}, day("2026-01-30"))
	if !errors.Is(err, api.ErrEmptyHistory) {
		t.Errorf("Expected ErrEmptyHistory for unknown key, got %v", err)
	}

	if got := r.Stats().Size; got != 0 {
		t.Errorf("Failed trainings must not be cached, got size %d", got)
	}
}
