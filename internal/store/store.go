// Package store persists forecast results and accuracy reports for the
// dashboard layer. Persistence is a sink only: forecasting correctness
// never depends on it, and none of it must survive a restart.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prepsense/demand/internal/api"
)

// Store is the forecast sink consumed by the engine and the HTTP layer.
type Store interface {
	// SaveForecast stores the latest forecast for its key, replacing any
	// prior one.
	SaveForecast(ctx context.Context, result *api.ForecastResult) error

	// LatestForecast returns the stored forecast for key, or nil when none
	// exists.
	LatestForecast(ctx context.Context, key api.SeriesKey) (*api.ForecastResult, error)

	// SaveReport stores the latest accuracy report for its key.
	SaveReport(ctx context.Context, report *api.AccuracyReport) error

	// Close releases resources.
	Close() error
}

// MemoryStore is an in-memory store with an optional JSON snapshot file,
// flushed on Close and loaded on startup.
type MemoryStore struct {
	mu        sync.RWMutex
	forecasts map[api.SeriesKey]*api.ForecastResult
	reports   map[api.SeriesKey]*api.AccuracyReport
	snapshot  string
}

type memorySnapshot struct {
	Forecasts []*api.ForecastResult `json:"forecasts"`
	Reports   []*api.AccuracyReport `json:"reports"`
}

// NewMemoryStore creates an in-memory store. snapshotPath may be empty to
// disable persistence entirely.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	ms := &MemoryStore{
		forecasts: make(map[api.SeriesKey]*api.ForecastResult),
		reports:   make(map[api.SeriesKey]*api.AccuracyReport),
		snapshot:  snapshotPath,
	}
	if snapshotPath != "" {
		ms.loadSnapshot()
	}
	return ms
}

func (m *MemoryStore) SaveForecast(ctx context.Context, result *api.ForecastResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forecasts[result.Key] = result
	return nil
}

func (m *MemoryStore) LatestForecast(ctx context.Context, key api.SeriesKey) (*api.ForecastResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.forecasts[key], nil
}

func (m *MemoryStore) SaveReport(ctx context.Context, report *api.AccuracyReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[report.Key] = report
	return nil
}

func (m *MemoryStore) Close() error {
	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var snap memorySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range snap.Forecasts {
		m.forecasts[f.Key] = f
	}
	for _, r := range snap.Reports {
		m.reports[r.Key] = r
	}
	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	snap := memorySnapshot{}
	for _, f := range m.forecasts {
		snap.Forecasts = append(snap.Forecasts, f)
	}
	for _, r := range m.reports {
		snap.Reports = append(snap.Reports, r)
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(m.snapshot); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(m.snapshot, data, 0600)
}
