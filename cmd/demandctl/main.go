package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/prepsense/demand/internal/api"
	"github.com/prepsense/demand/internal/engine"
	"github.com/prepsense/demand/internal/series"
	"github.com/prepsense/demand/internal/source"
	"github.com/prepsense/demand/internal/store"
)

var (
	// Global flags
	sourceBackend string
	connStr       string
	eventsFile    string
	verbose       bool

	// Per-command flags
	placeID     int64
	itemID      int64
	itemIDs     []int64
	allItems    bool
	horizonDays int
	outFile     string
	serverURL   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "demandctl",
		Short: "Operational tool for the demand forecasting engine",
		Long: `Runs forecast generation, accuracy evaluation, and cache maintenance
against a sales source without going through the HTTP service.`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&sourceBackend, "source", "postgres", "Sales source backend (postgres, memory)")
	rootCmd.PersistentFlags().StringVar(&connStr, "conn", "", "Postgres connection string (or SALES_POSTGRES_CONN)")
	rootCmd.PersistentFlags().StringVar(&eventsFile, "events", "", "Sale events JSON file for the memory backend")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose output")

	// Subcommands
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(itemsCmd())
	rootCmd.AddCommand(invalidateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// generateCmd runs a batch forecast for a place
func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate forecasts for a place and its items",
		Long: `Builds the key set (place aggregate plus the requested items), trains or
reuses models, and produces per-day forecasts for the horizon. With
--all-items the item list is discovered from the sales source.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			eng, src, cleanup, err := buildEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			keys := []api.SeriesKey{api.NewSeriesKey(placeID, nil)}
			if allItems {
				ids, err := src.ItemsFor(ctx, placeID)
				if err != nil {
					return fmt.Errorf("failed to list items: %w", err)
				}
				itemIDs = ids
			}
			for i := range itemIDs {
				keys = append(keys, api.NewSeriesKey(placeID, &itemIDs[i]))
			}

			fmt.Printf("=== Forecast Run ===\n")
			fmt.Printf("Place: %d\n", placeID)
			fmt.Printf("Keys: %d, Horizon: %d days\n", len(keys), horizonDays)
			fmt.Printf("\n")

			report := eng.BatchForecast(ctx, keys, horizonDays)

			for _, key := range keys {
				out := report.Outcomes[key]
				if out.Result != nil {
					first := out.Result.Points[0]
					fmt.Printf("%-24s %-24s day1=%.1f [%.1f, %.1f]\n",
						key.String(), out.Result.ModelKind, first.Yhat, first.Lower80, first.Upper80)
				} else {
					fmt.Printf("%-24s FAILED (%s)\n", key.String(), out.Reason)
				}
			}

			fmt.Printf("\nRun %s: %d succeeded, %d failed, took %v\n",
				report.RunID, report.Succeeded, report.Failed,
				report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))

			if outFile != "" {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode report: %w", err)
				}
				if err := os.WriteFile(outFile, data, 0644); err != nil {
					return fmt.Errorf("failed to write report: %w", err)
				}
				fmt.Printf("Report saved to %s\n", outFile)
			}

			if report.Failed > 0 && report.Succeeded == 0 {
				return fmt.Errorf("all %d keys failed", report.Failed)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&placeID, "place", 0, "Place ID")
	cmd.Flags().Int64SliceVar(&itemIDs, "items", nil, "Item IDs to forecast")
	cmd.Flags().BoolVar(&allItems, "all-items", false, "Forecast every item with history at the place")
	cmd.Flags().IntVar(&horizonDays, "horizon", 14, "Forecast horizon in days")
	cmd.Flags().StringVar(&outFile, "out", "", "Write the full report as JSON to this file")
	cmd.MarkFlagRequired("place")

	return cmd
}

// evaluateCmd measures holdout accuracy for one series
func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate forecast accuracy on a holdout window",
		Long: `Splits the series history into a training prefix and a holdout suffix,
forecasts the suffix from the prefix, and reports MAPE, RMSE, and MAE.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			eng, _, cleanup, err := buildEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			var item *int64
			if itemID != 0 {
				item = &itemID
			}

			report, err := eng.EvaluateAccuracy(ctx, placeID, item)
			if err != nil {
				return fmt.Errorf("evaluation failed: %w", err)
			}

			fmt.Printf("=== Accuracy Report ===\n")
			fmt.Printf("Series: %s\n", report.Key.String())
			fmt.Printf("Window: %s .. %s (%d days)\n",
				report.WindowStart.Format("2006-01-02"),
				report.WindowEnd.Format("2006-01-02"),
				report.Points)
			fmt.Printf("MAPE: %.1f%%\n", report.MAPE*100)
			fmt.Printf("RMSE: %.2f\n", report.RMSE)
			fmt.Printf("MAE:  %.2f\n", report.MAE)

			return nil
		},
	}

	cmd.Flags().Int64Var(&placeID, "place", 0, "Place ID")
	cmd.Flags().Int64Var(&itemID, "item", 0, "Item ID (0 = place aggregate)")
	cmd.MarkFlagRequired("place")

	return cmd
}

// itemsCmd lists items with sales history at a place
func itemsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "items",
		Short: "List items with sales history at a place",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			_, src, cleanup, err := buildEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			ids, err := src.ItemsFor(ctx, placeID)
			if err != nil {
				return fmt.Errorf("failed to list items: %w", err)
			}

			fmt.Printf("Place %d: %d items with history\n", placeID, len(ids))
			for _, id := range ids {
				fmt.Printf("  %d\n", id)
			}

			return nil
		},
	}

	cmd.Flags().Int64Var(&placeID, "place", 0, "Place ID")
	cmd.MarkFlagRequired("place")

	return cmd
}

// invalidateCmd drops a cached model in a running service
func invalidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Invalidate a cached model in a running service",
		Long: `Model cache state lives in the service process, so invalidation goes
through its HTTP API. The next forecast for the key retrains from the
sales source. Use after bulk data corrections.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{"place_id": placeID}
			if itemID != 0 {
				body["item_id"] = itemID
			}
			payload, err := json.Marshal(body)
			if err != nil {
				return err
			}

			resp, err := http.Post(serverURL+"/v1/invalidate", "application/json", bytes.NewReader(payload))
			if err != nil {
				return fmt.Errorf("invalidate request failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusNoContent {
				return fmt.Errorf("service returned %s", resp.Status)
			}

			fmt.Printf("Invalidated cached model for place %d", placeID)
			if itemID != 0 {
				fmt.Printf(", item %d", itemID)
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().Int64Var(&placeID, "place", 0, "Place ID")
	cmd.Flags().Int64Var(&itemID, "item", 0, "Item ID (0 = place aggregate)")
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Base URL of the running service")
	cmd.MarkFlagRequired("place")

	return cmd
}

// itemLister is the slice of the source API the CLI needs beyond event
// fetching.
type itemLister interface {
	series.EventSource
	ItemsFor(ctx context.Context, placeID int64) ([]int64, error)
}

// eventFixture is one record of the --events JSON file.
type eventFixture struct {
	PlaceID  int64     `json:"place_id"`
	ItemID   int64     `json:"item_id"`
	Date     time.Time `json:"date"`
	Quantity float64   `json:"quantity"`
}

func buildEngine(ctx context.Context) (*engine.Engine, itemLister, func(), error) {
	var src itemLister
	cleanup := func() {}

	switch sourceBackend {
	case "memory":
		mem := source.NewMemorySource()
		if eventsFile != "" {
			if err := loadEvents(mem, eventsFile); err != nil {
				return nil, nil, nil, fmt.Errorf("failed to load events: %w", err)
			}
		}
		src = mem
	case "postgres":
		conn := connStr
		if conn == "" {
			conn = os.Getenv("SALES_POSTGRES_CONN")
		}
		pg, err := source.NewPostgresSource(ctx, conn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to sales source: %w", err)
		}
		src = pg
		cleanup = pg.Close
	default:
		return nil, nil, nil, fmt.Errorf("unknown source backend: %s", sourceBackend)
	}

	eng, err := engine.New(engine.Config{
		Source: src,
		Store:  store.NewMemoryStore(""),
		Params: api.DefaultParams(),
	})
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	return eng, src, cleanup, nil
}

func loadEvents(mem *source.MemorySource, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fixtures []eventFixture
	if err := json.Unmarshal(data, &fixtures); err != nil {
		return err
	}

	for _, f := range fixtures {
		key := api.SeriesKey{PlaceID: f.PlaceID, ItemID: f.ItemID}
		mem.Add(key, api.SaleEvent{Date: f.Date, Quantity: f.Quantity})
	}

	if verbose {
		fmt.Printf("Loaded %d sale events from %s\n", len(fixtures), path)
	}
	return nil
}
