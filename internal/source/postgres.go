package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prepsense/demand/internal/api"
)

// PostgresSource reads historical sales from the relational schema,
// aggregated to one row per sale day. Only closed orders count as demand.
//
// Expected schema (owned by the surrounding application, read-only here):
//
//	orders(id BIGINT PK, place_id BIGINT, status TEXT, created_at TIMESTAMPTZ)
//	order_items(id BIGINT PK, order_id BIGINT FK, item_id BIGINT, quantity DOUBLE PRECISION)
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource connects a pgx pool to the sales database.
func NewPostgresSource(ctx context.Context, connStr string) (*PostgresSource, error) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(cctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrSourceUnavailable, err)
	}
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping failed: %v", api.ErrSourceUnavailable, err)
	}
	return &PostgresSource{pool: pool}, nil
}

// EventsFor aggregates closed-order quantities per UTC sale day for the
// key. Item keys filter to one item; aggregate keys sum the whole place.
// Failures are wrapped as api.ErrSourceUnavailable so the series builder
// retries them.
func (p *PostgresSource) EventsFor(ctx context.Context, key api.SeriesKey, since *time.Time) ([]api.SaleEvent, error) {
	query := `
		SELECT (o.created_at AT TIME ZONE 'UTC')::date AS sale_day,
		       COALESCE(SUM(oi.quantity), 0)::float8 AS quantity
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id
		WHERE o.place_id = $1
		  AND o.status ILIKE '%closed%'
		  AND ($2::bigint = 0 OR oi.item_id = $2)
		  AND ($3::date IS NULL OR (o.created_at AT TIME ZONE 'UTC')::date > $3)
		GROUP BY sale_day
		ORDER BY sale_day`

	var sinceDay interface{}
	if since != nil {
		sinceDay = api.Day(*since)
	}

	rows, err := p.pool.Query(ctx, query, key.PlaceID, key.ItemID, sinceDay)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrSourceUnavailable, err)
	}
	defer rows.Close()

	var events []api.SaleEvent
	for rows.Next() {
		var day time.Time
		var qty float64
		if err := rows.Scan(&day, &qty); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", api.ErrSourceUnavailable, err)
		}
		events = append(events, api.SaleEvent{Date: day, Quantity: qty})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrSourceUnavailable, err)
	}
	return events, nil
}

// ItemsFor lists item IDs with closed-order history at a place, ordered
// by sale frequency. Used by the batch CLI to expand a place into keys.
func (p *PostgresSource) ItemsFor(ctx context.Context, placeID int64) ([]int64, error) {
	query := `
		SELECT oi.item_id
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id
		WHERE o.place_id = $1
		  AND o.status ILIKE '%closed%'
		  AND oi.item_id IS NOT NULL
		GROUP BY oi.item_id
		ORDER BY COUNT(*) DESC`

	rows, err := p.pool.Query(ctx, query, placeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrSourceUnavailable, err)
	}
	defer rows.Close()

	var items []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", api.ErrSourceUnavailable, err)
		}
		items = append(items, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrSourceUnavailable, err)
	}
	return items, nil
}

// Close releases the connection pool.
func (p *PostgresSource) Close() {
	p.pool.Close()
}
