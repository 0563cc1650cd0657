package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prepsense/demand/internal/api"
)

// PostgresStore persists one forecast document and one accuracy report
// per series key, replaced on every write.
//
// Schema:
//
//	CREATE TABLE demand_forecasts (
//	  place_id BIGINT NOT NULL,
//	  item_id BIGINT NOT NULL DEFAULT 0,
//	  model_kind TEXT NOT NULL,
//	  training_cutoff DATE NOT NULL,
//	  generated_at TIMESTAMPTZ NOT NULL,
//	  payload JSONB NOT NULL,
//	  PRIMARY KEY (place_id, item_id)
//	);
//	CREATE TABLE demand_accuracy (
//	  place_id BIGINT NOT NULL,
//	  item_id BIGINT NOT NULL DEFAULT 0,
//	  payload JSONB NOT NULL,
//	  updated_at TIMESTAMPTZ NOT NULL,
//	  PRIMARY KEY (place_id, item_id)
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pgx pool to the forecast sink database.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(cctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) SaveForecast(ctx context.Context, result *api.ForecastResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal forecast: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO demand_forecasts (place_id, item_id, model_kind, training_cutoff, generated_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (place_id, item_id) DO UPDATE SET
		  model_kind = EXCLUDED.model_kind,
		  training_cutoff = EXCLUDED.training_cutoff,
		  generated_at = EXCLUDED.generated_at,
		  payload = EXCLUDED.payload`,
		result.Key.PlaceID, result.Key.ItemID, result.ModelKind,
		result.TrainingCutoff, result.GeneratedAt, payload)
	if err != nil {
		return fmt.Errorf("forecast upsert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) LatestForecast(ctx context.Context, key api.SeriesKey) (*api.ForecastResult, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx,
		`SELECT payload FROM demand_forecasts WHERE place_id = $1 AND item_id = $2`,
		key.PlaceID, key.ItemID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("forecast select failed: %w", err)
	}

	var result api.ForecastResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal forecast: %w", err)
	}
	return &result, nil
}

func (p *PostgresStore) SaveReport(ctx context.Context, report *api.AccuracyReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO demand_accuracy (place_id, item_id, payload, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (place_id, item_id) DO UPDATE SET
		  payload = EXCLUDED.payload,
		  updated_at = NOW()`,
		report.Key.PlaceID, report.Key.ItemID, payload)
	if err != nil {
		return fmt.Errorf("report upsert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
