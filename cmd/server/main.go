package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/prepsense/demand/internal/api"
	"github.com/prepsense/demand/internal/engine"
	"github.com/prepsense/demand/internal/metrics"
	"github.com/prepsense/demand/internal/series"
	"github.com/prepsense/demand/internal/source"
	"github.com/prepsense/demand/internal/store"
	"github.com/prepsense/demand/pkg/otel"
)

type Server struct {
	engine      *engine.Engine
	metrics     *metrics.Metrics
	limiter     *rate.Limiter
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	ctx := context.Background()

	params := api.DefaultParams()
	params.CacheSize = getEnvInt("CACHE_SIZE", params.CacheSize)
	if days := getEnvInt("MAX_MODEL_AGE_DAYS", 0); days > 0 {
		params.MaxModelAge = time.Duration(days) * 24 * time.Hour
	}

	// Setup event source
	sourceBackend := getEnv("SOURCE_BACKEND", "memory")
	var eventSource series.EventSource
	var err error

	switch sourceBackend {
	case "memory":
		eventSource = source.NewMemorySource()
	case "postgres":
		connStr := getEnv("SALES_POSTGRES_CONN", "")
		eventSource, err = source.NewPostgresSource(ctx, connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres source: %v", err)
		}
	default:
		log.Fatalf("Unknown SOURCE_BACKEND: %s", sourceBackend)
	}

	// Setup forecast store
	storeBackend := getEnv("STORE_BACKEND", "memory")
	var forecastStore store.Store

	switch storeBackend {
	case "memory":
		snapshotPath := getEnv("STORE_SNAPSHOT", "data/forecasts.json")
		forecastStore = store.NewMemoryStore(snapshotPath)
	case "redis":
		redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
		redisPass := getEnv("REDIS_PASS", "")
		redisDB := getEnvInt("REDIS_DB", 0)
		ttlDays := getEnvInt("STORE_TTL_DAYS", 30)
		forecastStore, err = store.NewRedisStore(redisAddr, redisPass, redisDB, time.Duration(ttlDays)*24*time.Hour)
		if err != nil {
			log.Fatalf("Failed to create Redis store: %v", err)
		}
	case "postgres":
		connStr := getEnv("STORE_POSTGRES_CONN", "")
		forecastStore, err = store.NewPostgresStore(ctx, connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
	default:
		log.Fatalf("Unknown STORE_BACKEND: %s", storeBackend)
	}

	// Setup metrics
	m := metrics.New()

	// Optional tracing
	var tp interface {
		Shutdown(context.Context) error
	}
	if getEnv("OTEL_ENABLED", "") == "true" {
		cfg := otel.DefaultConfig("demand-forecast")
		cfg.CollectorEndpoint = getEnv("OTEL_COLLECTOR", cfg.CollectorEndpoint)
		cfg.Environment = getEnv("OTEL_ENV", cfg.Environment)
		tracerProvider, err := otel.InitTracer(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		tp = tracerProvider
	}

	// Forecast engine
	eng, err := engine.New(engine.Config{
		Source:  eventSource,
		Store:   forecastStore,
		Metrics: m,
		Params:  params,
		Workers: getEnvInt("BATCH_WORKERS", 8),
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	// Rate limiter
	tokenRate := getEnvInt("TOKEN_RATE", 100)
	limiter := rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2)

	srv := &Server{
		engine:  eng,
		metrics: m,
		limiter: limiter,
	}

	// Metrics auth
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/forecast", srv.handleForecast)
	mux.HandleFunc("/v1/forecast/batch", srv.handleBatch)
	mux.HandleFunc("/v1/accuracy", srv.handleAccuracy)
	mux.HandleFunc("/v1/invalidate", srv.handleInvalidate)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", srv.handleHealth)

	// HTTP server
	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Close resources
	if err := forecastStore.Close(); err != nil {
		log.Printf("Error closing forecast store: %v", err)
	}
	if ps, ok := eventSource.(*source.PostgresSource); ok {
		ps.Close()
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down tracing: %v", err)
		}
	}

	log.Println("Server stopped")
}

type forecastRequest struct {
	PlaceID     int64  `json:"place_id"`
	ItemID      *int64 `json:"item_id,omitempty"`
	HorizonDays int    `json:"horizon_days"`
	AsOf        string `json:"as_of,omitempty"` // YYYY-MM-DD, defaults to now
}

type batchRequest struct {
	Keys []struct {
		PlaceID int64  `json:"place_id"`
		ItemID  *int64 `json:"item_id,omitempty"`
	} `json:"keys"`
	HorizonDays int `json:"horizon_days"`
}

type invalidateRequest struct {
	PlaceID int64  `json:"place_id"`
	ItemID  *int64 `json:"item_id,omitempty"`
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	var req forecastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.PlaceID <= 0 {
		http.Error(w, "place_id is required", http.StatusBadRequest)
		return
	}
	if req.HorizonDays < 1 {
		http.Error(w, "horizon_days must be at least 1", http.StatusBadRequest)
		return
	}

	var asOf time.Time
	if req.AsOf != "" {
		var err error
		asOf, err = time.Parse("2006-01-02", req.AsOf)
		if err != nil {
			http.Error(w, "as_of must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}

	ctx, span := otel.StartSpan(r.Context(), "demand-server", "forecast",
		otel.SeriesAttributes(req.PlaceID, derefItem(req.ItemID))...)
	defer span.End()

	result, err := s.engine.Forecast(ctx, req.PlaceID, req.ItemID, req.HorizonDays, asOf)
	if err != nil {
		otel.RecordError(span, err, "")
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if len(req.Keys) == 0 {
		http.Error(w, "keys is required", http.StatusBadRequest)
		return
	}
	if req.HorizonDays < 1 {
		http.Error(w, "horizon_days must be at least 1", http.StatusBadRequest)
		return
	}

	keys := make([]api.SeriesKey, 0, len(req.Keys))
	for _, k := range req.Keys {
		if k.PlaceID <= 0 {
			http.Error(w, "every key needs a place_id", http.StatusBadRequest)
			return
		}
		keys = append(keys, api.NewSeriesKey(k.PlaceID, k.ItemID))
	}

	ctx, span := otel.StartSpan(r.Context(), "demand-server", "forecast.batch",
		otel.AttrBatchKeys.Int(len(keys)),
		otel.AttrHorizonDays.Int(req.HorizonDays),
	)
	defer span.End()

	report := s.engine.BatchForecast(ctx, keys, req.HorizonDays)
	span.SetAttributes(otel.AttrBatchRunID.String(report.RunID))
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleAccuracy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	placeID, err := strconv.ParseInt(r.URL.Query().Get("place_id"), 10, 64)
	if err != nil || placeID <= 0 {
		http.Error(w, "place_id is required", http.StatusBadRequest)
		return
	}

	var itemID *int64
	if raw := r.URL.Query().Get("item_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "item_id must be an integer", http.StatusBadRequest)
			return
		}
		itemID = &id
	}

	report, err := s.engine.EvaluateAccuracy(r.Context(), placeID, itemID)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.PlaceID <= 0 {
		http.Error(w, "place_id is required", http.StatusBadRequest)
		return
	}

	s.engine.Invalidate(req.PlaceID, req.ItemID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	// Wrap with Basic Auth
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"cache":  s.engine.CacheStats(),
	})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respondError maps pipeline errors onto HTTP statuses. Empty or thin
// history is the caller's problem (422); an unreachable sales source is
// ours (503).
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, api.ErrEmptyHistory), errors.Is(err, api.ErrInsufficientData):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, api.ErrSourceUnavailable):
		w.Header().Set("Retry-After", "30")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		log.Printf("Forecast error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func derefItem(itemID *int64) int64 {
	if itemID == nil {
		return 0
	}
	return *itemID
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
